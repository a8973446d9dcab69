package daemon

import (
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry is the in-memory source of truth for daemons, indexed by owner
// and by chat. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	byOwner map[string]map[string]struct{}
	byChat  map[string]map[string]struct{}
	pending map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		byOwner: make(map[string]map[string]struct{}),
		byChat:  make(map[string]map[string]struct{}),
		pending: make(map[string]int),
	}
}

// Reservation holds one slot of an owner's daemon limit until it is
// committed by Insert or returned with Release.
type Reservation struct {
	owner string
	reg   *Registry
	spent atomic.Bool
}

// Release returns the slot. It is a no-op after Insert consumed the reservation.
func (res *Reservation) Release() {
	if res == nil || !res.spent.CompareAndSwap(false, true) {
		return
	}
	res.reg.mu.Lock()
	res.reg.unpendLocked(res.owner)
	res.reg.mu.Unlock()
}

// Reserve atomically checks that owner has fewer than limit active daemons,
// counting outstanding reservations, and takes a slot. limit <= 0 disables the check.
func (r *Registry) Reserve(owner string, limit int) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && r.countActiveLocked(owner)+r.pending[owner] >= limit {
		return nil, ErrLimitExceeded
	}
	r.pending[owner]++
	return &Reservation{owner: owner, reg: r}, nil
}

// Insert registers rec and consumes res. On ErrAlreadyExists the reservation
// is left untouched for the caller to release.
func (r *Registry) Insert(rec *Record, res *Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return ErrAlreadyExists
	}
	r.records[rec.ID] = rec
	addIndex(r.byOwner, rec.OwnerID, rec.ID)
	addIndex(r.byChat, rec.ChatID, rec.ID)
	if res != nil && res.spent.CompareAndSwap(false, true) {
		r.unpendLocked(res.owner)
	}
	return nil
}

func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// CountActive returns the number of running or stopping daemons of owner.
func (r *Registry) CountActive(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countActiveLocked(owner)
}

// List yields a point-in-time snapshot of the records matching owner and
// chat, oldest first. An empty filter matches everything. Ranging again
// takes a fresh snapshot.
func (r *Registry) List(owner, chat string) iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		for _, rec := range r.snapshot(owner, chat) {
			if !yield(rec) {
				return
			}
		}
	}
}

func (r *Registry) snapshot(owner, chat string) []*Record {
	r.mu.RLock()
	var out []*Record
	switch {
	case owner != "":
		for id := range r.byOwner[owner] {
			if rec := r.records[id]; chat == "" || rec.ChatID == chat {
				out = append(out, rec)
			}
		}
	case chat != "":
		for id := range r.byChat[chat] {
			out = append(out, r.records[id])
		}
	default:
		out = make([]*Record, 0, len(r.records))
		for _, rec := range r.records {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Remove deletes the record with id and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// EvictTerminated removes terminal records that ended before the cutoff.
func (r *Registry) EvictTerminated(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if !rec.State().Terminal() {
			continue
		}
		if ended := rec.EndedAt(); !ended.IsZero() && ended.Before(before) {
			r.removeLocked(id)
			n++
		}
	}
	return n
}

// Len returns the number of records, terminal ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) removeLocked(id string) bool {
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	delete(r.records, id)
	dropIndex(r.byOwner, rec.OwnerID, id)
	dropIndex(r.byChat, rec.ChatID, id)
	return true
}

func (r *Registry) countActiveLocked(owner string) int {
	n := 0
	for id := range r.byOwner[owner] {
		if r.records[id].State().Active() {
			n++
		}
	}
	return n
}

func (r *Registry) unpendLocked(owner string) {
	if r.pending[owner] <= 1 {
		delete(r.pending, owner)
		return
	}
	r.pending[owner]--
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set := idx[key]
	if set == nil {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, id string) {
	set := idx[key]
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}
