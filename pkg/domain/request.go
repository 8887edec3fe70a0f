package domain

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusSecretaryApproved Status = "SECRETARY_APPROVED"
	StatusCommitteeApproved Status = "COMMITTEE_APPROVED"
	StatusFinanceApproved   Status = "FINANCE_APPROVED"
	StatusDistributed       Status = "DISTRIBUTED"
	StatusCancelled         Status = "CANCELLED"
)

func (s Status) IsTerminal() bool {
	return s == StatusDistributed || s == StatusCancelled
}

type Level string

const (
	LevelSecretary           Level = "SECRETARY"
	LevelCommittee           Level = "COMMITTEE"
	LevelFinance             Level = "FINANCE"
	LevelAdditionalCommittee Level = "ADDITIONAL_COMMITTEE"
	LevelDirector            Level = "DIRECTOR"
)

// CanonicalLevels is the full approval pipeline in order.
var CanonicalLevels = []Level{
	LevelSecretary,
	LevelCommittee,
	LevelFinance,
	LevelAdditionalCommittee,
	LevelDirector,
}

// ResultingStatus is the visible status once the level is recorded. The
// additional committee step leaves the status untouched.
func (l Level) ResultingStatus() (Status, bool) {
	switch l {
	case LevelSecretary:
		return StatusSecretaryApproved, true
	case LevelCommittee:
		return StatusCommitteeApproved, true
	case LevelFinance:
		return StatusFinanceApproved, true
	case LevelDirector:
		return StatusDistributed, true
	}
	return "", false
}

func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	for _, c := range CanonicalLevels {
		if c == l {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown approval level %q", s)
}

type Payout struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

type Approval struct {
	Level    Level     `json:"level"`
	Approver string    `json:"approver"`
	At       time.Time `json:"at"`
}

type Request struct {
	ID              uint64     `json:"id"`
	Requester       string     `json:"requester"`
	Payouts         []Payout   `json:"payouts"`
	Description     string     `json:"description"`
	DocumentHash    string     `json:"document_hash"`
	VirtualPayer    string     `json:"virtual_payer,omitempty"`
	Status          Status     `json:"status"`
	Approvals       []Approval `json:"approvals"`
	Reserved        uint64     `json:"reserved"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	PaymentDeadline *time.Time `json:"payment_deadline,omitempty"`
	CancelledBy     string     `json:"cancelled_by,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// ApprovalAt returns the approval recorded for level, if any.
func (r *Request) ApprovalAt(level Level) (Approval, bool) {
	for _, a := range r.Approvals {
		if a.Level == level {
			return a, true
		}
	}
	return Approval{}, false
}

// ApprovedBy reports the level at which id already approved this request.
func (r *Request) ApprovedBy(id string) (Level, bool) {
	for _, a := range r.Approvals {
		if a.Approver == id {
			return a.Level, true
		}
	}
	return "", false
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Payouts = append([]Payout(nil), r.Payouts...)
	c.Approvals = append([]Approval(nil), r.Approvals...)
	if r.PaymentDeadline != nil {
		t := *r.PaymentDeadline
		c.PaymentDeadline = &t
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
