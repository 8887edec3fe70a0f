// Package webhooks signs outgoing webhook deliveries and verifies them on
// the receiving side.
//
// A delivery carries SignatureHeader with the value "t=<unix>,v1=<hex>",
// where the v1 signature is HMAC-SHA256 over "<unix>.<body>". Receivers may
// accept several v1 entries so a secret can be rotated without downtime.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Spendlane-Signature"
	EventIDHeader   = "X-Spendlane-Event-Id"
	EventTypeHeader = "X-Spendlane-Event-Type"
	Scheme          = "hmac-sha256/v1"

	DefaultTolerance = 5 * time.Minute
)

var (
	ErrEmptySecret      = errors.New("webhook secret is empty")
	ErrMissingSignature = errors.New("webhook signature header missing or malformed")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrStale            = errors.New("webhook timestamp outside tolerance")
)

func mac(secret, timestamp string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	_, _ = m.Write([]byte(timestamp))
	_, _ = m.Write([]byte{'.'})
	_, _ = m.Write(body)
	return m.Sum(nil)
}

// Sign returns the SignatureHeader value for body sent at t.
func Sign(secret string, body []byte, t time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptySecret
	}
	ts := strconv.FormatInt(t.UTC().Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac(secret, ts, body)), nil
}

// Verify checks headers against body. A zero tolerance disables the
// timestamp check.
func Verify(headers http.Header, body []byte, receivedAt time.Time, secret string, tolerance time.Duration) error {
	if strings.TrimSpace(secret) == "" {
		return ErrEmptySecret
	}
	ts, sigs := parseSignatureHeader(headers.Values(SignatureHeader))
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || unix <= 0 || len(sigs) == 0 {
		return ErrMissingSignature
	}
	expected := mac(secret, ts, body)
	valid := false
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			valid = true
			break
		}
	}
	if !valid {
		return ErrBadSignature
	}
	if tolerance > 0 {
		skew := receivedAt.UTC().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return fmt.Errorf("%w: skew %s", ErrStale, skew)
		}
	}
	return nil
}

func parseSignatureHeader(values []string) (string, []string) {
	joined := strings.TrimSpace(strings.Join(values, ","))
	if joined == "" {
		return "", nil
	}
	var t string
	v1 := make([]string, 0, 2)
	for _, part := range strings.Split(joined, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "t":
			t = strings.TrimSpace(v)
		case "v1":
			if v = strings.TrimSpace(v); v != "" {
				v1 = append(v1, v)
			}
		}
	}
	return t, v1
}
