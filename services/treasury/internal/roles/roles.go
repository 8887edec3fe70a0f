// Package roles holds the per-instance mapping from role tag to principals.
//
// The store itself is not synchronized: it is owned by a workflow instance
// that serializes every mutation. Grants and revocations are gated by the
// caller (commit-reveal on the workflow); the store only enforces its own
// structural invariants.
package roles

import (
	"sort"
	"strings"

	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

type Role string

const (
	Admin     Role = "ADMIN"
	Requester Role = "REQUESTER"
	Secretary Role = "SECRETARY"
	Committee Role = "COMMITTEE"
	Finance   Role = "FINANCE"
	Director  Role = "DIRECTOR"
)

var known = map[Role]struct{}{
	Admin: {}, Requester: {}, Secretary: {}, Committee: {}, Finance: {}, Director: {},
}

var (
	ErrUnknownRole = apperr.New(apperr.KindValidation, "UNKNOWN_ROLE", "role tag is not recognised")
	ErrLastAdmin   = apperr.New(apperr.KindState, "LAST_ADMIN", "the last admin cannot be revoked")
)

// Parse accepts a role tag case-insensitively.
func Parse(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := known[r]; !ok {
		return "", apperr.Wrap(ErrUnknownRole, "%q", s)
	}
	return r, nil
}

type Store struct {
	members map[Role]map[string]struct{}
}

func NewStore() *Store {
	return &Store{members: make(map[Role]map[string]struct{})}
}

// Seed loads the genesis assignment. It bypasses the guard and is only used
// when an instance is constructed or restored.
func (s *Store) Seed(assignments map[Role][]string) error {
	for role, ids := range assignments {
		if _, ok := known[role]; !ok {
			return apperr.Wrap(ErrUnknownRole, "%q", role)
		}
		for _, id := range ids {
			if err := s.Grant(role, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) Has(role Role, id string) bool {
	set, ok := s.members[role]
	if !ok {
		return false
	}
	_, ok = set[id]
	return ok
}

// Grant is idempotent.
func (s *Store) Grant(role Role, id string) error {
	if _, ok := known[role]; !ok {
		return apperr.Wrap(ErrUnknownRole, "%q", role)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return apperr.ErrZeroAddress
	}
	set, ok := s.members[role]
	if !ok {
		set = make(map[string]struct{})
		s.members[role] = set
	}
	set[id] = struct{}{}
	return nil
}

func (s *Store) CanRevoke(role Role, id string) error {
	if _, ok := known[role]; !ok {
		return apperr.Wrap(ErrUnknownRole, "%q", role)
	}
	if role == Admin && s.Has(Admin, id) && len(s.members[Admin]) == 1 {
		return ErrLastAdmin
	}
	return nil
}

func (s *Store) Revoke(role Role, id string) error {
	if err := s.CanRevoke(role, id); err != nil {
		return err
	}
	delete(s.members[role], id)
	return nil
}

// Members returns the sorted identities holding role.
func (s *Store) Members(role Role) []string {
	out := make([]string, 0, len(s.members[role]))
	for id := range s.members[role] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Assignments returns a deep copy suitable for snapshots.
func (s *Store) Assignments() map[Role][]string {
	out := make(map[Role][]string, len(s.members))
	for role := range s.members {
		if ids := s.Members(role); len(ids) > 0 {
			out[role] = ids
		}
	}
	return out
}
