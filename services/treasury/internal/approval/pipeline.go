package approval

import (
	"strings"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
)

var ErrInvalidPipeline = apperr.New(apperr.KindValidation, "INVALID_PIPELINE", "pipeline must be an ordered subset of the approval levels ending with DIRECTOR")

// Pipeline is the ordered list of levels a request passes through. The
// reduced three-step variant is COMMITTEE, ADDITIONAL_COMMITTEE, DIRECTOR.
type Pipeline []domain.Level

func DefaultPipeline() Pipeline {
	return append(Pipeline(nil), domain.CanonicalLevels...)
}

func ParsePipeline(levels []string) (Pipeline, error) {
	if len(levels) == 0 {
		return DefaultPipeline(), nil
	}
	out := make(Pipeline, 0, len(levels))
	for _, s := range levels {
		l, err := domain.ParseLevel(s)
		if err != nil {
			return nil, apperr.Wrap(ErrInvalidPipeline, "%v", err)
		}
		out = append(out, l)
	}
	return out, out.Validate()
}

func (p Pipeline) Validate() error {
	if len(p) == 0 || p[len(p)-1] != domain.LevelDirector {
		return apperr.Wrap(ErrInvalidPipeline, "got %s", p)
	}
	i := 0
	for _, l := range p {
		for i < len(domain.CanonicalLevels) && domain.CanonicalLevels[i] != l {
			i++
		}
		if i == len(domain.CanonicalLevels) {
			return apperr.Wrap(ErrInvalidPipeline, "%s is repeated or out of order", l)
		}
		i++
	}
	return nil
}

func (p Pipeline) String() string {
	parts := make([]string, len(p))
	for i, l := range p {
		parts[i] = string(l)
	}
	return strings.Join(parts, ",")
}

func (p Pipeline) Contains(l domain.Level) bool {
	for _, x := range p {
		if x == l {
			return true
		}
	}
	return false
}

// Next is the first level without a recorded approval.
func (p Pipeline) Next(req *domain.Request) (domain.Level, bool) {
	for _, l := range p {
		if _, ok := req.ApprovalAt(l); !ok {
			return l, true
		}
	}
	return "", false
}

func (p Pipeline) IsFinal(l domain.Level) bool { return len(p) > 0 && p[len(p)-1] == l }

// RoleFor maps a level to the role allowed to approve it.
func RoleFor(l domain.Level) roles.Role {
	switch l {
	case domain.LevelSecretary:
		return roles.Secretary
	case domain.LevelCommittee, domain.LevelAdditionalCommittee:
		return roles.Committee
	case domain.LevelFinance:
		return roles.Finance
	case domain.LevelDirector:
		return roles.Director
	}
	return ""
}

// SubjectKey is the commit-reveal subject for one level of one request.
func SubjectKey(requestID uint64, l domain.Level) string {
	return domain.ApprovalSubject(requestID, l)
}

// SubjectPrefix matches every level subject of a request.
func SubjectPrefix(requestID uint64) string { return domain.ApprovalSubjectPrefix(requestID) }
