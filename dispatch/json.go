package dispatch

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrEmptyBody is returned by DecodeJSON for an empty response body.
var ErrEmptyBody = errors.New("dispatch: empty response body")

// DecodeJSON decodes a response body into T.
//
// Example:
//
//	body, err := d.Get(ctx, statusURL)
//	if err != nil {
//	    return err
//	}
//	status, err := dispatch.DecodeJSON[statuscheck.GameStatus](body)
func DecodeJSON[T any](body string) (T, error) {
	var v T
	if body == "" {
		return v, ErrEmptyBody
	}
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return v, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}

// encodeJSON serializes a typed payload for PostJSON.
func encodeJSON(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %w", ErrInvalidDescriptor, err)
	}
	return data, nil
}
