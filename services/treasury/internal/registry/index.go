package registry

import "github.com/accordsai/spendlane/services/treasury/internal/apperr"

var (
	ErrActiveIndexFull = apperr.New(apperr.KindResourceLimit, "ACTIVE_INDEX_FULL", "too many active requests")
	ErrRequesterQuota  = apperr.New(apperr.KindResourceLimit, "REQUESTER_QUOTA_EXCEEDED", "requester has too many active requests")
	ErrAlreadyActive   = apperr.New(apperr.KindInternal, "ALREADY_ACTIVE", "request is already in the active index")
	ErrNotActive       = apperr.New(apperr.KindInternal, "NOT_ACTIVE", "request is not in the active index")
)

type entry struct {
	id    uint64
	owner string
}

// ActiveIndex is an insertion-ordered set of non-terminal request ids with a
// global cap and a per-owner cap. A full index rejects; it never evicts.
type ActiveIndex struct {
	max      int
	maxPer   int
	order    []entry
	owners   map[uint64]string
	perOwner map[string]int
}

func NewActiveIndex(max, maxPerOwner int) *ActiveIndex {
	return &ActiveIndex{
		max:      max,
		maxPer:   maxPerOwner,
		owners:   make(map[uint64]string),
		perOwner: make(map[string]int),
	}
}

func (ix *ActiveIndex) Len() int { return len(ix.order) }

func (ix *ActiveIndex) Contains(id uint64) bool {
	_, ok := ix.owners[id]
	return ok
}

func (ix *ActiveIndex) CountFor(owner string) int { return ix.perOwner[owner] }

func (ix *ActiveIndex) CanInsert(owner string) error {
	if len(ix.order) >= ix.max {
		return apperr.Wrap(ErrActiveIndexFull, "limit %d", ix.max)
	}
	if ix.perOwner[owner] >= ix.maxPer {
		return apperr.Wrap(ErrRequesterQuota, "limit %d", ix.maxPer)
	}
	return nil
}

func (ix *ActiveIndex) Insert(id uint64, owner string) error {
	if ix.Contains(id) {
		return ErrAlreadyActive
	}
	if err := ix.CanInsert(owner); err != nil {
		return err
	}
	ix.order = append(ix.order, entry{id: id, owner: owner})
	ix.owners[id] = owner
	ix.perOwner[owner]++
	return nil
}

// Remove deletes id and returns its former position for Reinsert.
func (ix *ActiveIndex) Remove(id uint64) (int, error) {
	owner, ok := ix.owners[id]
	if !ok {
		return -1, ErrNotActive
	}
	pos := -1
	for i, e := range ix.order {
		if e.id == id {
			pos = i
			break
		}
	}
	ix.order = append(ix.order[:pos], ix.order[pos+1:]...)
	delete(ix.owners, id)
	if ix.perOwner[owner]--; ix.perOwner[owner] == 0 {
		delete(ix.perOwner, owner)
	}
	return pos, nil
}

// Reinsert undoes a Remove, restoring the original position. Caps are not
// checked because the slot was held a moment ago.
func (ix *ActiveIndex) Reinsert(id uint64, owner string, pos int) error {
	if ix.Contains(id) {
		return ErrAlreadyActive
	}
	if pos < 0 || pos > len(ix.order) {
		pos = len(ix.order)
	}
	ix.order = append(ix.order, entry{})
	copy(ix.order[pos+1:], ix.order[pos:])
	ix.order[pos] = entry{id: id, owner: owner}
	ix.owners[id] = owner
	ix.perOwner[owner]++
	return nil
}

func (ix *ActiveIndex) IDs() []uint64 {
	out := make([]uint64, len(ix.order))
	for i, e := range ix.order {
		out[i] = e.id
	}
	return out
}

func (ix *ActiveIndex) IDsFor(owner string) []uint64 {
	out := make([]uint64, 0, ix.perOwner[owner])
	for _, e := range ix.order {
		if e.owner == owner {
			out = append(out, e.id)
		}
	}
	return out
}
