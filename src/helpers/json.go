package helpers

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EncodeJSON renders v as two-space indented JSON with a trailing newline.
func EncodeJSON(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("error encoding JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// EncodeJSONElement renders v the way it appears as an element of an
// indented top-level array, without the leading newline or trailing comma.
func EncodeJSONElement(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return nil, fmt.Errorf("error encoding JSON: %w", err)
	}
	return append([]byte("  "), data...), nil
}

func DecodeJSON(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error decoding JSON: %w", err)
	}
	return nil
}
