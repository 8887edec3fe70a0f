package authn

import (
	"errors"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	tt, err := NewTokenTable([]Entry{
		{TokenSHA256: HashToken("alice-token"), Principal: "alice"},
		{TokenSHA256: HashToken("relay-token"), Principal: "gateway", Relayer: true},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	id, err := tt.Authenticate("Bearer alice-token")
	if err != nil || id.Principal != "alice" || id.Relayer {
		t.Fatalf("unexpected identity %+v err=%v", id, err)
	}
	id, err = tt.Authenticate("Bearer relay-token")
	if err != nil || !id.Relayer {
		t.Fatalf("expected relayer identity, got %+v err=%v", id, err)
	}
	for _, h := range []string{"", "Bearer ", "Basic alice-token", "Bearer nope"} {
		if _, err := tt.Authenticate(h); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("header %q: expected unauthorized, got %v", h, err)
		}
	}
}

func TestNewTokenTableValidation(t *testing.T) {
	cases := []Entry{
		{TokenSHA256: "abc", Principal: "x"},
		{TokenSHA256: HashToken("t"), Principal: " "},
		{TokenSHA256: "zz" + HashToken("t")[2:], Principal: "x"},
	}
	for i, e := range cases {
		if _, err := NewTokenTable([]Entry{e}); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if _, err := NewTokenTable([]Entry{{TokenSHA256: HashToken("t"), Principal: "a"}, {TokenSHA256: HashToken("t"), Principal: "b"}}); err == nil {
		t.Fatalf("expected duplicate digest error")
	}
}
