// Package tokenledger is the boundary to the value-transfer ledger that holds
// the treasury's funds. The workflow only depends on the Ledger interface;
// Memory backs tests and single-process deployments, Client talks to a
// remote ledger over HTTP.
package tokenledger

import (
	"context"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

var (
	ErrInsufficientBalance = apperr.New(apperr.KindTreasury, "INSUFFICIENT_BALANCE", "ledger balance does not cover the transfer")
	ErrUnavailable         = apperr.New(apperr.KindTreasury, "LEDGER_UNAVAILABLE", "ledger could not be reached")
	ErrInvalidTransfer     = apperr.New(apperr.KindValidation, "INVALID_TRANSFER", "transfer needs a non-empty account and a positive amount")
)

type Ledger interface {
	BalanceOf(ctx context.Context, account string) (uint64, error)
	Transfer(ctx context.Context, from, to string, amount uint64) error
	// TransferBatch moves every payout from one account or none of them.
	TransferBatch(ctx context.Context, from string, payouts []domain.Payout) error
	Mint(ctx context.Context, to string, amount uint64) error
	Burn(ctx context.Context, from string, amount uint64) error
}
