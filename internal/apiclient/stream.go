package apiclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// StreamEvent is one server-sent event frame.
type StreamEvent struct {
	Topic string
	Data  json.RawMessage
}

// Stream subscribes to the server's event stream and calls handler for every
// frame until ctx is canceled, which is a clean stop. A dropped connection
// is re-established with exponential backoff that resets once a connection
// delivers a frame; credential and validation rejections are returned
// immediately since retrying cannot fix them.
func (c *Client) Stream(ctx context.Context, topics []string, handler func(StreamEvent)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.streamBase
	bo.MaxInterval = c.streamMax
	bo.MaxElapsedTime = 0

	for {
		err := c.streamOnce(ctx, topics, handler, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !retryableStatus(apiErr.Status) {
			return err
		}

		wait := bo.NextBackOff()
		c.logger.Warn("event stream dropped, reconnecting",
			zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	}
	return true
}

// streamOnce runs one connection until it drops. onFrame fires when the
// connection proves healthy so the caller can reset its backoff.
func (c *Client) streamOnce(ctx context.Context, topics []string, handler func(StreamEvent), onFrame func()) error {
	endpoint := c.base + "/sse"
	if len(topics) > 0 {
		q := url.Values{}
		q.Set("topics", strings.Join(topics, ","))
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.sse.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var topic string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if topic != "" {
				onFrame()
				handler(StreamEvent{Topic: topic, Data: json.RawMessage(strings.Join(data, "\n"))})
			}
			topic, data = "", nil
		case strings.HasPrefix(line, ":"):
			// Keep-alive comment.
		case strings.HasPrefix(line, "event: "):
			topic = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return fmt.Errorf("event stream closed by server")
}
