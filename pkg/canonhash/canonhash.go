// Package canonhash produces stable content hashes for audit records.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SumObject hashes json.Marshal(v). Map keys are sorted by encoding/json,
// so equal maps hash equally regardless of construction order.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), b, nil
}

// SumFields hashes a set of named free-text fields. An empty set hashes to "".
func SumFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	h, _, err := SumObject(fields)
	if err != nil {
		return ""
	}
	return h
}

func SumString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}
