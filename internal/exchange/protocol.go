package exchange

import (
	"strings"

	"github.com/google/uuid"
)

// newTransactionID returns 16 lowercase hex characters, matching the
// exchange's expected transactionid shape.
func newTransactionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// extractField looks up key first under resp["message"], then under
// resp["response"], then at the top level of resp. Exchange firmware has
// been observed to nest status/challenge fields differently across
// versions; checking nested locations first tolerates both without
// guessing from a version string.
func extractField(resp map[string]any, key string) (any, bool) {
	if msg, ok := resp["message"].(map[string]any); ok {
		if v, ok := msg[key]; ok {
			return v, true
		}
	}
	if rp, ok := resp["response"].(map[string]any); ok {
		if v, ok := rp[key]; ok {
			return v, true
		}
	}
	v, ok := resp[key]
	return v, ok
}

func extractStringField(resp map[string]any, key string) (string, bool) {
	v, ok := extractField(resp, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func extractIntField(resp map[string]any, key string) (int, bool) {
	v, ok := extractField(resp, key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
