package canonhash

import "testing"

func TestCommitDigestBindsEveryField(t *testing.T) {
	base := CommitDigest("sec", "request:1:level:SECRETARY", "dep", "net", []byte("n"))
	if base != CommitDigest("sec", "request:1:level:SECRETARY", "dep", "net", []byte("n")) {
		t.Fatalf("digest not deterministic")
	}
	variants := [][32]byte{
		CommitDigest("fin", "request:1:level:SECRETARY", "dep", "net", []byte("n")),
		CommitDigest("sec", "request:2:level:SECRETARY", "dep", "net", []byte("n")),
		CommitDigest("sec", "request:1:level:SECRETARY", "dep2", "net", []byte("n")),
		CommitDigest("sec", "request:1:level:SECRETARY", "dep", "net2", []byte("n")),
		CommitDigest("sec", "request:1:level:SECRETARY", "dep", "net", []byte("m")),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collides with base digest", i)
		}
	}
}

func TestCommitDigestLengthPrefixes(t *testing.T) {
	a := CommitDigest("ab", "c", "d", "e", nil)
	b := CommitDigest("a", "bc", "d", "e", nil)
	if a == b {
		t.Fatalf("shifting bytes between fields must change the digest")
	}
}
