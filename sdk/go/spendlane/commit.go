package spendlane

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/accordsai/spendlane/pkg/canonhash"
	"github.com/accordsai/spendlane/pkg/domain"
)

// Domain identifies one deployed instance; every digest is bound to it.
type Domain struct {
	DeploymentID string
	NetworkID    string
}

// NewNonce returns 32 random bytes. Keep it secret until the reveal.
func NewNonce() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return b, nil
}

// Digest is the commitment committer posts for subject, hex encoded with a
// 0x prefix as the API expects.
func Digest(committer, subject string, d Domain, nonce []byte) string {
	sum := canonhash.CommitDigest(committer, subject, d.DeploymentID, d.NetworkID, nonce)
	return "0x" + hex.EncodeToString(sum[:])
}

func ApprovalDigest(committer string, requestID uint64, level domain.Level, d Domain, nonce []byte) string {
	return Digest(committer, domain.ApprovalSubject(requestID, level), d, nonce)
}

func ClosureDigest(committer string, closureID uint64, d Domain, nonce []byte) string {
	return Digest(committer, domain.ClosureSubject(closureID), d, nonce)
}

// RoleChangeDigest normalizes op to lower case and role to upper case, the
// way the server keys the subject.
func RoleChangeDigest(committer, op, role, account string, d Domain, nonce []byte) string {
	op = strings.ToLower(strings.TrimSpace(op))
	role = strings.ToUpper(strings.TrimSpace(role))
	return Digest(committer, domain.RoleChangeSubject(op, role, account), d, nonce)
}
