package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/sdk/go/spendlane"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDigestApprovalMatchesSDK(t *testing.T) {
	out, err := execute(t, "--deployment", "dep", "--network", "net",
		"digest", "approval", "3", "finance", "--as", "fin", "--nonce", "0xabcd")
	require.NoError(t, err)

	var got commitOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	d := spendlane.Domain{DeploymentID: "dep", NetworkID: "net"}
	assert.Equal(t, "request:3:level:FINANCE", got.Subject)
	assert.Equal(t, spendlane.ApprovalDigest("fin", 3, domain.LevelFinance, d, []byte{0xab, 0xcd}), got.Digest)
	assert.Equal(t, "abcd", got.Nonce)
}

func TestDigestRoleNormalizes(t *testing.T) {
	out, err := execute(t, "--deployment", "dep", "--network", "net",
		"digest", "role", "GRANT", "finance", "fin2", "--as", "admin", "--nonce", "01")
	require.NoError(t, err)
	var got commitOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "role:grant:FINANCE:fin2", got.Subject)
}

func TestDigestRequiresDomain(t *testing.T) {
	t.Setenv("SPENDLANE_DEPLOYMENT_ID", "")
	t.Setenv("SPENDLANE_NETWORK_ID", "")
	_, err := execute(t, "digest", "closure", "1", "--as", "com1", "--nonce", "01")
	assert.ErrorContains(t, err, "--deployment")

	_, err = execute(t, "--deployment", "d", "--network", "n", "digest", "closure", "0", "--as", "com1", "--nonce", "01")
	assert.ErrorContains(t, err, "invalid id")
}

func TestNonce(t *testing.T) {
	out, err := execute(t, "nonce")
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got["nonce"], 64)
}

func TestStatusCallsAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/treasury/v1/status", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"paused":false,"halted":true,"deployment_id":"dep"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--base-url", srv.URL, "--token", "tok", "status")
	require.NoError(t, err)
	var st spendlane.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Halted)
	assert.Equal(t, "dep", st.DeploymentID)
}

func TestAPICommandsNeedToken(t *testing.T) {
	t.Setenv("SPENDLANE_TOKEN", "")
	_, err := execute(t, "treasury")
	assert.ErrorContains(t, err, "token")
}
