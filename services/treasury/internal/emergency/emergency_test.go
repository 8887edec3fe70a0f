package emergency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
)

type env struct {
	now   time.Time
	c     *Control
	guard *commitreveal.Guard
	dom   commitreveal.Domain
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), dom: commitreveal.Domain{DeploymentID: "d", NetworkID: "n"}}
	clock := func() time.Time { return e.now }
	rs := roles.NewStore()
	require.NoError(t, rs.Seed(map[roles.Role][]string{
		roles.Committee: {"c1", "c2", "c3", "c4"},
		roles.Director:  {"dir"},
	}))
	e.guard = commitreveal.New(e.dom, commitreveal.Config{}, clock)
	e.c = New(Config{}, rs, e.guard, clock)
	return e
}

func (e *env) vote(t *testing.T, who string, id uint64) *Outcome {
	t.Helper()
	nonce := []byte(who)
	require.NoError(t, e.c.CommitApproval(who, id, commitreveal.ComputeDigest(who, SubjectKey(id), e.dom, nonce)))
	e.now = e.now.Add(commitreveal.DefaultRevealWindow)
	out, err := e.c.Approve(who, id, nonce)
	require.NoError(t, err)
	return out
}

func TestInitiateValidation(t *testing.T) {
	e := newEnv(t)
	_, err := e.c.Initiate("dir", "safe", "r")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = e.c.Initiate("c1", "  ", "r")
	assert.ErrorIs(t, err, apperr.ErrZeroAddress)

	cl, err := e.c.Initiate("c1", "safe", "key compromise")
	require.NoError(t, err)
	assert.Equal(t, domain.ClosureProposed, cl.Status)
	assert.NotEmpty(t, cl.ReasonHash)

	_, err = e.c.Initiate("c1", "safe", "again")
	assert.ErrorIs(t, err, ErrClosureAlreadyOpen)
}

func TestSecondClosureCompletesWhileStaleOneIsOpen(t *testing.T) {
	e := newEnv(t)
	stale, err := e.c.Initiate("c1", "attacker-wallet", "bogus")
	require.NoError(t, err)
	e.vote(t, "c1", stale.ID)

	live, err := e.c.Initiate("c2", "safe-multisig", "live emergency")
	require.NoError(t, err)
	assert.Equal(t, []uint64{stale.ID, live.ID}, e.c.OpenIDs())

	for _, who := range []string{"c2", "c3", "dir"} {
		e.vote(t, who, live.ID)
	}
	out := e.vote(t, "c4", live.ID)
	require.True(t, out.QuorumReached)
	assert.Equal(t, "safe-multisig", out.Closure.ReturnAddress)

	_, err = e.c.Complete(live.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, []uint64{stale.ID}, e.c.OpenIDs())

	got, err := e.c.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClosureProposed, got.Status)
	assert.Len(t, got.Votes, 1)
}

func TestCompleteKeepsOtherClosureCommitments(t *testing.T) {
	e := newEnv(t)
	open := func(id uint64, initiator string) *domain.Closure {
		return &domain.Closure{
			ID: id, Initiator: initiator, ReturnAddress: "safe",
			CommitteeQuorum: e.c.Quorum(), DirectorRequired: true,
			Status: domain.ClosureProposed, CreatedAt: e.now,
		}
	}
	require.NoError(t, e.c.Load(State{NextID: 13, Closures: []*domain.Closure{open(1, "c1"), open(12, "c2")}}))

	pending := commitreveal.ComputeDigest("c4", SubjectKey(12), e.dom, []byte("later"))
	require.NoError(t, e.c.CommitApproval("c4", 12, pending))

	for _, who := range []string{"c1", "c2", "dir"} {
		e.vote(t, who, 1)
	}
	require.True(t, e.vote(t, "c3", 1).QuorumReached)
	_, err := e.c.Complete(1, 10)
	require.NoError(t, err)

	_, ok := e.guard.Pending("c4", SubjectKey(12))
	assert.True(t, ok)
	out, err := e.c.Approve("c4", 12, []byte("later"))
	require.NoError(t, err)
	assert.Len(t, out.Closure.Votes, 1)
}

func TestQuorumNeedsCommitteeAndDirector(t *testing.T) {
	e := newEnv(t)
	cl, err := e.c.Initiate("c1", "safe", "r")
	require.NoError(t, err)

	assert.False(t, e.vote(t, "c1", cl.ID).QuorumReached)
	assert.False(t, e.vote(t, "c2", cl.ID).QuorumReached)
	assert.False(t, e.vote(t, "dir", cl.ID).QuorumReached, "director alone does not complete a partial committee")
	out := e.vote(t, "c3", cl.ID)
	require.True(t, out.QuorumReached)
	assert.Equal(t, domain.ClosureApproved, out.Closure.Status)

	done, err := e.c.Complete(cl.ID, 900)
	require.NoError(t, err)
	assert.Equal(t, domain.ClosureExecuted, done.Status)
	assert.Equal(t, uint64(900), done.SweptAmount)
	assert.Empty(t, e.c.OpenIDs())
}

func TestDuplicateVoteRejected(t *testing.T) {
	e := newEnv(t)
	cl, _ := e.c.Initiate("c1", "safe", "r")
	e.vote(t, "c1", cl.ID)

	d := commitreveal.ComputeDigest("c1", SubjectKey(cl.ID), e.dom, []byte("again"))
	assert.ErrorIs(t, e.c.CommitApproval("c1", cl.ID, d), ErrAlreadyVoted)
}

func TestRollbackReopensVoting(t *testing.T) {
	e := newEnv(t)
	cl, _ := e.c.Initiate("c1", "safe", "r")
	e.vote(t, "c1", cl.ID)
	e.vote(t, "c2", cl.ID)
	e.vote(t, "dir", cl.ID)
	out := e.vote(t, "c3", cl.ID)
	require.True(t, out.QuorumReached)

	out.Rollback()
	got, err := e.c.Get(cl.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClosureProposed, got.Status)
	assert.Len(t, got.Votes, 3)
	_, ok := e.guard.Pending("c3", SubjectKey(cl.ID))
	assert.True(t, ok)

	_, err = e.c.Complete(cl.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidStatus)
}

func TestStateRoundTrip(t *testing.T) {
	e := newEnv(t)
	cl, _ := e.c.Initiate("c1", "safe", "r")
	e.vote(t, "c1", cl.ID)

	other := newEnv(t)
	require.NoError(t, other.c.Load(e.c.State()))
	assert.Equal(t, []uint64{cl.ID}, other.c.OpenIDs())
	got, err := other.c.Get(cl.ID)
	require.NoError(t, err)
	assert.Len(t, got.Votes, 1)

	_, err = other.c.Initiate("c1", "safe", "r")
	assert.ErrorIs(t, err, ErrClosureAlreadyOpen)
	next, err := other.c.Initiate("c2", "safe", "r")
	require.NoError(t, err)
	assert.Equal(t, cl.ID+1, next.ID)
}
