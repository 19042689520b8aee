package postgres

import (
	"encoding/json"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

// JSONB columns are written as marshaled bytes and read back through these
// helpers. A marshal failure on write is a validation problem (the caller
// handed us an unencodable value); a corrupt column on read is internal.

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "encoding json field")
	}
	return data, nil
}

func unmarshalJSONB(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fault.Wrap(fault.KindInternal, err, "decoding json column")
	}
	return nil
}
