package main

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/sdk/go/spendlane"
)

type commitOutput struct {
	Subject string `json:"subject"`
	Digest  string `json:"digest"`
	Nonce   string `json:"nonce"`
	Receipt any    `json:"receipt,omitempty"`
}

func newNonceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "nonce",
		Short: "Print a fresh 32-byte nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := spendlane.NewNonce()
			if err != nil {
				return err
			}
			return g.print(map[string]string{"nonce": hex.EncodeToString(n)})
		},
	}
}

func newDigestCmd(g *globals) *cobra.Command {
	var committer, nonceHex string
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Compute a commitment digest offline",
	}
	cmd.PersistentFlags().StringVar(&committer, "as", "", "committing principal (required)")
	cmd.PersistentFlags().StringVar(&nonceHex, "nonce", "", "hex nonce (required)")

	digest := func(use string, nargs int, subject func(args []string) (string, error)) *cobra.Command {
		return &cobra.Command{
			Use:  use,
			Args: cobra.ExactArgs(nargs),
			RunE: func(_ *cobra.Command, args []string) error {
				if committer == "" {
					return errors.New("--as is required")
				}
				d, err := g.domain()
				if err != nil {
					return err
				}
				nonce, err := parseNonce(nonceHex)
				if err != nil {
					return err
				}
				s, err := subject(args)
				if err != nil {
					return err
				}
				return g.print(commitOutput{Subject: s, Digest: spendlane.Digest(committer, s, d, nonce), Nonce: hex.EncodeToString(nonce)})
			},
		}
	}

	approval := digest("approval <request-id> <level>", 2, func(args []string) (string, error) {
		id, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		level, err := parseLevel(args[1])
		if err != nil {
			return "", err
		}
		return domain.ApprovalSubject(id, level), nil
	})
	closure := digest("closure <closure-id>", 1, func(args []string) (string, error) {
		id, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		return domain.ClosureSubject(id), nil
	})
	role := digest("role <grant|revoke> <role> <account>", 3, func(args []string) (string, error) {
		op := strings.ToLower(strings.TrimSpace(args[0]))
		if op != "grant" && op != "revoke" {
			return "", errors.New("role change must be grant or revoke")
		}
		return domain.RoleChangeSubject(op, strings.ToUpper(strings.TrimSpace(args[1])), args[2]), nil
	})
	cmd.AddCommand(approval, closure, role)
	return cmd
}

func newRequestCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Create and inspect expenditure requests"}

	var in spendlane.CreateRequestInput
	var amounts []uint
	create := &cobra.Command{
		Use:  "create",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			in.Amounts = in.Amounts[:0]
			for _, a := range amounts {
				in.Amounts = append(in.Amounts, uint64(a))
			}
			req, err := c.CreateRequest(cmd.Context(), in)
			if err != nil {
				return err
			}
			return g.print(req)
		},
	}
	create.Flags().StringSliceVar(&in.Recipients, "recipient", nil, "recipient account (repeatable, paired with --amount)")
	create.Flags().UintSliceVar(&amounts, "amount", nil, "payout amount (repeatable)")
	create.Flags().StringVar(&in.Description, "description", "", "what the money is for")
	create.Flags().StringVar(&in.DocumentHash, "document-hash", "", "content hash of the supporting document")
	create.Flags().StringVar(&in.VirtualPayer, "virtual-payer", "", "bookkeeping payer label")

	var requester string
	list := &cobra.Command{
		Use:  "list",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			out, err := c.ListRequests(cmd.Context(), requester)
			if err != nil {
				return err
			}
			return g.print(out)
		},
	}
	list.Flags().StringVar(&requester, "requester", "", "only requests of this requester")

	byID := func(use string, fn func(*cobra.Command, *spendlane.Client, uint64) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:  use + " <id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				c, err := g.client()
				if err != nil {
					return err
				}
				out, err := fn(cmd, c, id)
				if err != nil {
					return err
				}
				return g.print(out)
			},
		}
	}
	cmd.AddCommand(create, list,
		byID("get", func(cmd *cobra.Command, c *spendlane.Client, id uint64) (any, error) {
			return c.GetRequest(cmd.Context(), id)
		}),
		byID("cancel", func(cmd *cobra.Command, c *spendlane.Client, id uint64) (any, error) {
			return c.CancelRequest(cmd.Context(), id)
		}),
		byID("cancel-abandoned", func(cmd *cobra.Command, c *spendlane.Client, id uint64) (any, error) {
			return c.CancelAbandonedRequest(cmd.Context(), id)
		}),
	)
	return cmd
}

func newApprovalCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Commit and reveal request approvals"}

	var committer, nonceHex string
	commit := &cobra.Command{
		Use:   "commit <request-id> <level>",
		Short: "Commit to an approval; prints the nonce to reveal later",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			level, err := parseLevel(args[1])
			if err != nil {
				return err
			}
			if committer == "" {
				return errors.New("--as is required")
			}
			d, err := g.domain()
			if err != nil {
				return err
			}
			nonce, err := nonceOrNew(nonceHex)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			digest := spendlane.ApprovalDigest(committer, id, level, d, nonce)
			receipt, err := c.CommitApproval(cmd.Context(), id, level, digest)
			if err != nil {
				return err
			}
			return g.print(commitOutput{Subject: receipt.Subject, Digest: digest, Nonce: hex.EncodeToString(nonce), Receipt: receipt})
		},
	}
	commit.Flags().StringVar(&committer, "as", "", "principal the token acts as (required)")
	commit.Flags().StringVar(&nonceHex, "nonce", "", "hex nonce; a fresh one is drawn when empty")

	var revealNonce string
	reveal := &cobra.Command{
		Use:  "reveal <request-id> <level>",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			level, err := parseLevel(args[1])
			if err != nil {
				return err
			}
			nonce, err := parseNonce(revealNonce)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			req, err := c.RevealApproval(cmd.Context(), id, level, nonce)
			if err != nil {
				return err
			}
			return g.print(req)
		},
	}
	reveal.Flags().StringVar(&revealNonce, "nonce", "", "hex nonce from the commit (required)")
	cmd.AddCommand(commit, reveal)
	return cmd
}

func newClosureCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "closure", Short: "Emergency closure of the treasury"}

	var returnAddress, reason string
	initiate := &cobra.Command{
		Use:  "initiate",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			cl, err := c.InitiateClosure(cmd.Context(), returnAddress, reason)
			if err != nil {
				return err
			}
			return g.print(cl)
		},
	}
	initiate.Flags().StringVar(&returnAddress, "return-address", "", "account receiving the swept balance")
	initiate.Flags().StringVar(&reason, "reason", "", "why the treasury is being closed")

	get := &cobra.Command{
		Use:  "get <closure-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			cl, err := c.GetClosure(cmd.Context(), id)
			if err != nil {
				return err
			}
			return g.print(cl)
		},
	}

	var committer, nonceHex string
	commit := &cobra.Command{
		Use:  "commit <closure-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if committer == "" {
				return errors.New("--as is required")
			}
			d, err := g.domain()
			if err != nil {
				return err
			}
			nonce, err := nonceOrNew(nonceHex)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			digest := spendlane.ClosureDigest(committer, id, d, nonce)
			receipt, err := c.CommitClosure(cmd.Context(), id, digest)
			if err != nil {
				return err
			}
			return g.print(commitOutput{Subject: receipt.Subject, Digest: digest, Nonce: hex.EncodeToString(nonce), Receipt: receipt})
		},
	}
	commit.Flags().StringVar(&committer, "as", "", "principal the token acts as (required)")
	commit.Flags().StringVar(&nonceHex, "nonce", "", "hex nonce; a fresh one is drawn when empty")

	var revealNonce string
	reveal := &cobra.Command{
		Use:  "reveal <closure-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			nonce, err := parseNonce(revealNonce)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			cl, err := c.RevealClosure(cmd.Context(), id, nonce)
			if err != nil {
				return err
			}
			return g.print(cl)
		},
	}
	reveal.Flags().StringVar(&revealNonce, "nonce", "", "hex nonce from the commit (required)")
	cmd.AddCommand(initiate, get, commit, reveal)
	return cmd
}

func newRolesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "roles", Short: "List and change role assignments"}
	list := &cobra.Command{
		Use:  "list",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			out, err := c.Roles(cmd.Context())
			if err != nil {
				return err
			}
			return g.print(out)
		},
	}

	var committer, nonceHex string
	commit := &cobra.Command{
		Use:  "commit <grant|revoke> <role> <account>",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if committer == "" {
				return errors.New("--as is required")
			}
			d, err := g.domain()
			if err != nil {
				return err
			}
			nonce, err := nonceOrNew(nonceHex)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			digest := spendlane.RoleChangeDigest(committer, args[0], args[1], args[2], d, nonce)
			receipt, err := c.CommitRoleChange(cmd.Context(), args[0], args[1], args[2], digest)
			if err != nil {
				return err
			}
			return g.print(commitOutput{Subject: receipt.Subject, Digest: digest, Nonce: hex.EncodeToString(nonce), Receipt: receipt})
		},
	}
	commit.Flags().StringVar(&committer, "as", "", "principal the token acts as (required)")
	commit.Flags().StringVar(&nonceHex, "nonce", "", "hex nonce; a fresh one is drawn when empty")

	apply := func(use string, fn func(c *spendlane.Client, cmd *cobra.Command, role, account string, nonce []byte) error) *cobra.Command {
		var revealNonce string
		sub := &cobra.Command{
			Use:  use + " <role> <account>",
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				nonce, err := parseNonce(revealNonce)
				if err != nil {
					return err
				}
				c, err := g.client()
				if err != nil {
					return err
				}
				if err := fn(c, cmd, args[0], args[1], nonce); err != nil {
					return err
				}
				return g.print(map[string]string{"op": use, "role": args[0], "account": args[1]})
			},
		}
		sub.Flags().StringVar(&revealNonce, "nonce", "", "hex nonce from the commit (required)")
		return sub
	}
	cmd.AddCommand(list, commit,
		apply("grant", func(c *spendlane.Client, cmd *cobra.Command, role, account string, nonce []byte) error {
			return c.GrantRole(cmd.Context(), role, account, nonce)
		}),
		apply("revoke", func(c *spendlane.Client, cmd *cobra.Command, role, account string, nonce []byte) error {
			return c.RevokeRole(cmd.Context(), role, account, nonce)
		}),
	)
	return cmd
}

func newBudgetCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show the budget, or drive a timelocked increase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			b, err := c.Budget(cmd.Context())
			if err != nil {
				return err
			}
			return g.print(b)
		},
	}
	var newBudget uint64
	propose := &cobra.Command{
		Use:  "propose",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			inc, err := c.ProposeBudgetIncrease(cmd.Context(), newBudget)
			if err != nil {
				return err
			}
			return g.print(inc)
		},
	}
	propose.Flags().Uint64Var(&newBudget, "new-budget", 0, "proposed project budget")
	execute := &cobra.Command{
		Use:  "execute",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			inc, err := c.ExecuteBudgetIncrease(cmd.Context())
			if err != nil {
				return err
			}
			return g.print(inc)
		},
	}
	cancel := &cobra.Command{
		Use:  "cancel",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			inc, err := c.CancelBudgetIncrease(cmd.Context())
			if err != nil {
				return err
			}
			return g.print(inc)
		},
	}
	cmd.AddCommand(propose, execute, cancel)
	return cmd
}

func newAdminCmd(g *globals, op string) *cobra.Command {
	return &cobra.Command{
		Use:   op,
		Short: op + " request creation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			call := c.Pause
			if op == "unpause" {
				call = c.Unpause
			}
			st, err := call(cmd.Context())
			if err != nil {
				return err
			}
			return g.print(st)
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:  "status",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return g.print(st)
		},
	}
}

func newTreasuryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "treasury",
		Short: "Show the treasury account balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			b, err := c.Treasury(cmd.Context())
			if err != nil {
				return err
			}
			return g.print(b)
		},
	}
}

func newAuditCmd(g *globals) *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "audit <request|closure|role|budget|instance> <subject-id>",
		Short: "Print the audit trail of one subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			recs, err := c.Audit(cmd.Context(), args[0], args[1], archive)
			if err != nil {
				return err
			}
			return g.print(recs)
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "read the durable archive instead of the in-memory window")
	return cmd
}
