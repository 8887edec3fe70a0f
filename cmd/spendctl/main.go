// Command spendctl drives a treasury instance over its HTTP API and computes
// commitment digests offline.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/sdk/go/spendlane"
)

type globals struct {
	baseURL    string
	token      string
	onBehalfOf string
	deployment string
	network    string
	out        io.Writer
}

func (g *globals) client() (*spendlane.Client, error) {
	if strings.TrimSpace(g.token) == "" {
		return nil, errors.New("--token or SPENDLANE_TOKEN is required")
	}
	var opts []spendlane.Option
	if g.onBehalfOf != "" {
		opts = append(opts, spendlane.WithOnBehalfOf(g.onBehalfOf))
	}
	return spendlane.NewClient(g.baseURL, g.token, opts...), nil
}

func (g *globals) domain() (spendlane.Domain, error) {
	if strings.TrimSpace(g.deployment) == "" || strings.TrimSpace(g.network) == "" {
		return spendlane.Domain{}, errors.New("--deployment and --network are required to compute digests")
	}
	return spendlane.Domain{DeploymentID: g.deployment, NetworkID: g.network}, nil
}

func (g *globals) print(v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{out: out}
	root := &cobra.Command{
		Use:           "spendctl",
		Short:         "Operate a spendlane treasury instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.baseURL, "base-url", getenv("SPENDLANE_BASE_URL", "http://localhost:8090"), "treasury service base URL")
	pf.StringVar(&g.token, "token", os.Getenv("SPENDLANE_TOKEN"), "bearer token")
	pf.StringVar(&g.onBehalfOf, "on-behalf-of", "", "original sender, for relayer tokens")
	pf.StringVar(&g.deployment, "deployment", os.Getenv("SPENDLANE_DEPLOYMENT_ID"), "deployment id bound into digests")
	pf.StringVar(&g.network, "network", os.Getenv("SPENDLANE_NETWORK_ID"), "network id bound into digests")

	root.AddCommand(
		newNonceCmd(g),
		newDigestCmd(g),
		newRequestCmd(g),
		newApprovalCmd(g),
		newClosureCmd(g),
		newRolesCmd(g),
		newBudgetCmd(g),
		newAdminCmd(g, "pause"),
		newAdminCmd(g, "unpause"),
		newStatusCmd(g),
		newTreasuryCmd(g),
		newAuditCmd(g),
	)
	return root
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "spendctl:", err)
		var apiErr *spendlane.Error
		if errors.As(err, &apiErr) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseNonce(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("nonce must be non-empty hex")
	}
	return b, nil
}

// nonceOrNew parses s, or draws a fresh nonce when s is empty.
func nonceOrNew(s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return spendlane.NewNonce()
	}
	return parseNonce(s)
}

func parseLevel(s string) (domain.Level, error) { return domain.ParseLevel(s) }
