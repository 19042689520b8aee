package pipeline

import (
	"hash/fnv"
	"math"
	"strings"
)

// embeddingModel labels vectors produced by embedText, stored alongside the
// vector so a future model swap can tell old rows from new.
const embeddingModel = "hashed-bow-256"

const embeddingDims = 256

// embedText folds content into a fixed-size bag-of-words vector: lowercased
// tokens hash to buckets and the bucket counts are L2-normalized. The same
// content always yields the same vector.
func embedText(content string) []float32 {
	vec := make([]float32, embeddingDims)
	for _, token := range strings.Fields(strings.ToLower(content)) {
		token = strings.Trim(token, ".,;:!?\"'`()[]{}<>")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%embeddingDims]++
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
