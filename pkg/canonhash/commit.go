package canonhash

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// CommitDigest is keccak256 over the length-prefixed committer, subject,
// deployment and network identifiers followed by the raw nonce.
func CommitDigest(committer, subject, deploymentID, networkID string, nonce []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	var n [8]byte
	for _, part := range []string{committer, subject, deploymentID, networkID} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	h.Write(nonce)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
