package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// OnBehalfOfHeader names the original sender of a relayed call. It is only
// meaningful when the bearer token belongs to a relayer.
const OnBehalfOfHeader = "X-On-Behalf-Of"

type Identity struct {
	Principal string
	Relayer   bool
}

type Entry struct {
	TokenSHA256 string
	Principal   string
	Relayer     bool
}

// TokenTable authenticates bearer tokens against their sha256 digests; the
// plaintext tokens are never held.
type TokenTable struct {
	entries []Entry
}

func NewTokenTable(entries []Entry) (*TokenTable, error) {
	seen := make(map[string]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		h := strings.ToLower(strings.TrimSpace(e.TokenSHA256))
		if len(h) != sha256.Size*2 {
			return nil, fmt.Errorf("token %d: digest must be %d hex chars", i, sha256.Size*2)
		}
		if _, err := hex.DecodeString(h); err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
		if strings.TrimSpace(e.Principal) == "" {
			return nil, fmt.Errorf("token %d: principal is required", i)
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("token %d: duplicate digest", i)
		}
		seen[h] = struct{}{}
		out = append(out, Entry{TokenSHA256: h, Principal: strings.TrimSpace(e.Principal), Relayer: e.Relayer})
	}
	return &TokenTable{entries: out}, nil
}

func (t *TokenTable) Authenticate(authorization string) (*Identity, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	h := []byte(HashToken(token))
	var found *Identity
	for _, e := range t.entries {
		if subtle.ConstantTimeCompare(h, []byte(e.TokenSHA256)) == 1 {
			found = &Identity{Principal: e.Principal, Relayer: e.Relayer}
		}
	}
	if found == nil {
		return nil, ErrUnauthorized
	}
	return found, nil
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
