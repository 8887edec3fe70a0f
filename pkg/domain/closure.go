package domain

import "time"

type ClosureStatus string

const (
	ClosureProposed ClosureStatus = "PROPOSED"
	// ClosureApproved is only held between quorum and a completed sweep.
	ClosureApproved ClosureStatus = "APPROVED"
	ClosureExecuted ClosureStatus = "EXECUTED"
)

type ClosureVote struct {
	Approver string    `json:"approver"`
	Role     string    `json:"role"`
	At       time.Time `json:"at"`
}

type Closure struct {
	ID               uint64        `json:"id"`
	Initiator        string        `json:"initiator"`
	ReturnAddress    string        `json:"return_address"`
	Reason           string        `json:"reason"`
	ReasonHash       string        `json:"reason_hash"`
	CommitteeQuorum  int           `json:"committee_quorum"`
	DirectorRequired bool          `json:"director_required"`
	Votes            []ClosureVote `json:"votes"`
	Status           ClosureStatus `json:"status"`
	SweptAmount      uint64        `json:"swept_amount"`
	CreatedAt        time.Time     `json:"created_at"`
	ExecutedAt       *time.Time    `json:"executed_at,omitempty"`
}

func (c *Closure) HasVoted(id string) bool {
	for _, v := range c.Votes {
		if v.Approver == id {
			return true
		}
	}
	return false
}

// Tally counts committee votes and whether the director has voted.
func (c *Closure) Tally(committeeRole, directorRole string) (committee int, director bool) {
	for _, v := range c.Votes {
		switch v.Role {
		case committeeRole:
			committee++
		case directorRole:
			director = true
		}
	}
	return committee, director
}

func (c *Closure) Clone() *Closure {
	if c == nil {
		return nil
	}
	out := *c
	out.Votes = append([]ClosureVote(nil), c.Votes...)
	if c.ExecutedAt != nil {
		t := *c.ExecutedAt
		out.ExecutedAt = &t
	}
	return &out
}
