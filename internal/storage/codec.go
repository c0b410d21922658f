package storage

import (
	"encoding/json"
	"fmt"
)

// Both backends persist values as JSON strings so a mixed fleet and a
// debugging redis-cli agree on the representation.

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode: %w", err)
	}
	return string(b), nil
}

func decode(s string, out any) error {
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("storage: decode: %w", err)
	}
	return nil
}
