package tokenledger

import (
	"context"
	"math/bits"
	"strings"
	"sync"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

// ReceiveHook runs after funds land in an account, outside the ledger lock.
// It models a recipient that executes code on receipt.
type ReceiveHook func(ctx context.Context, from string, amount uint64)

type Memory struct {
	mu        sync.Mutex
	balances  map[string]uint64
	hooks     map[string]ReceiveHook
	transfers int
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]uint64), hooks: make(map[string]ReceiveHook)}
}

func (m *Memory) OnReceive(account string, hook ReceiveHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[account] = hook
}

// Transfers counts successful credit movements, one per payout.
func (m *Memory) Transfers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers
}

func (m *Memory) BalanceOf(_ context.Context, account string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func validTransfer(from, to string, amount uint64) error {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" || amount == 0 {
		return ErrInvalidTransfer
	}
	return nil
}

func (m *Memory) Transfer(ctx context.Context, from, to string, amount uint64) error {
	return m.TransferBatch(ctx, from, []domain.Payout{{Recipient: to, Amount: amount}})
}

func (m *Memory) TransferBatch(ctx context.Context, from string, payouts []domain.Payout) error {
	var total uint64
	for _, p := range payouts {
		if err := validTransfer(from, p.Recipient, p.Amount); err != nil {
			return err
		}
		var carry uint64
		if total, carry = bits.Add64(total, p.Amount, 0); carry != 0 {
			return apperr.ErrOverflow
		}
	}

	m.mu.Lock()
	if m.balances[from] < total {
		have := m.balances[from]
		m.mu.Unlock()
		return apperr.Wrap(ErrInsufficientBalance, "%s holds %d, needs %d", from, have, total)
	}
	m.balances[from] -= total
	hooks := make([]ReceiveHook, 0, len(payouts))
	for _, p := range payouts {
		m.balances[p.Recipient] += p.Amount
		m.transfers++
		hooks = append(hooks, m.hooks[p.Recipient])
	}
	m.mu.Unlock()

	for i, h := range hooks {
		if h != nil {
			h(ctx, from, payouts[i].Amount)
		}
	}
	return nil
}

func (m *Memory) Mint(_ context.Context, to string, amount uint64) error {
	if strings.TrimSpace(to) == "" || amount == 0 {
		return ErrInvalidTransfer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, carry := bits.Add64(m.balances[to], amount, 0)
	if carry != 0 {
		return apperr.ErrOverflow
	}
	m.balances[to] = next
	return nil
}

func (m *Memory) Burn(_ context.Context, from string, amount uint64) error {
	if strings.TrimSpace(from) == "" || amount == 0 {
		return ErrInvalidTransfer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return apperr.Wrap(ErrInsufficientBalance, "%s holds %d, burning %d", from, m.balances[from], amount)
	}
	m.balances[from] -= amount
	return nil
}
