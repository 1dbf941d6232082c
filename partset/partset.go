package partset

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/part"
)

var logger = gologger.NewComponentLogger("partset")

type (
	// PartSet is the set of active parts of one table. Every mutation publishes a new
	// immutable sorted slice under a new version; readers take a Snapshot and keep
	// using it while writers move on. The write lock only covers the slice swap.
	PartSet struct {
		table string

		mu           sync.RWMutex
		version      uint64
		active       []*part.Part
		reservations map[uint64][]part.Info
		nextResID    uint64
		lastBlock    uint64

		onObsolete func(*part.Part)

		subsMu  sync.Mutex
		subs    map[int]func(Event)
		nextSub int
	}

	// Snapshot is an immutable view of the active parts at one version. Each part is
	// held until Release, so its bytes outlive any concurrent removal.
	Snapshot struct {
		Version uint64
		Parts   []*part.Part

		set      *PartSet
		released atomic.Bool
	}

	// Reservation claims block ranges before the parts exist in their final place.
	// Reserved ranges take part in overlap checks but are invisible to readers.
	Reservation struct {
		id    uint64
		infos []part.Info
		set   *PartSet
		done  atomic.Bool
	}
)

// New creates an empty set. onObsolete is called, outside any lock, once a part is
// out of the active set, no longer referenced and still in the outdated state.
func New(table string, onObsolete func(*part.Part)) *PartSet {
	return &PartSet{
		table:        table,
		reservations: map[uint64][]part.Info{},
		onObsolete:   onObsolete,
		subs:         map[int]func(Event){},
	}
}

func (ps *PartSet) Table() string {
	return ps.table
}

func (ps *PartSet) Version() uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.version
}

func (ps *PartSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.active)
}

// Acquire returns the current version's parts, each with a reference taken.
func (ps *PartSet) Acquire() *Snapshot {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, p := range ps.active {
		p.Hold()
	}
	return &Snapshot{Version: ps.version, Parts: ps.active, set: ps}
}

// Release drops the snapshot's references. Calling it more than once is a no-op.
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	for _, p := range s.Parts {
		s.set.Release(p)
	}
}

// Partition returns the snapshot's parts of one partition.
func (s *Snapshot) Partition(id string) []*part.Part {
	var out []*part.Part
	for _, p := range s.Parts {
		if p.Info.PartitionID == id {
			out = append(out, p)
		}
	}
	return out
}

// Get looks up an active part without taking a reference.
func (ps *PartSet) Get(name string) (*part.Part, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, p := range ps.active {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Release drops one reference on p. A removed part whose last reference goes away
// while it is still outdated is handed to the obsolete callback.
func (ps *PartSet) Release(p *part.Part) {
	remaining := p.Unhold()
	if remaining < 0 {
		logger.Error().Str("table", ps.table).Str("part", p.Name()).Int64("refs", remaining).Msg("part released more often than held")
		return
	}
	if remaining == 0 && p.State() == part.StateOutdated {
		p.SetState(part.StateDeleting)
		if ps.onObsolete != nil {
			ps.onObsolete(p)
		}
	}
}

// AllocateBlocks reserves n consecutive block numbers and returns the first one.
// Block numbers are shared by all partitions of the table and never reused.
func (ps *PartSet) AllocateBlocks(n uint64) uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	first := ps.lastBlock + 1
	ps.lastBlock += n
	return first
}

// Reserve claims the ranges of infos. It fails with *part.OverlapError if any range
// intersects an active part, another reservation, or another range of the same call.
func (ps *PartSet) Reserve(infos ...part.Info) (*Reservation, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for i, info := range infos {
		if name, ok := ps.intersecting(info); ok {
			return nil, &part.OverlapError{Part: info.Name(), Partition: info.PartitionID, Conflicting: name}
		}
		for _, other := range infos[:i] {
			if info.Intersects(other) {
				return nil, &part.OverlapError{Part: info.Name(), Partition: info.PartitionID, Conflicting: other.Name()}
			}
		}
	}

	ps.nextResID++
	r := &Reservation{id: ps.nextResID, infos: append([]part.Info(nil), infos...), set: ps}
	ps.reservations[r.id] = r.infos
	for _, info := range infos {
		ps.lastBlock = max(ps.lastBlock, info.MaxBlock)
	}
	return r, nil
}

// intersecting must be called with mu held.
func (ps *PartSet) intersecting(info part.Info) (string, bool) {
	for _, p := range ps.active {
		if p.Info.Intersects(info) {
			return p.Name(), true
		}
	}
	for _, reserved := range ps.reservations {
		for _, r := range reserved {
			if r.Intersects(info) {
				return r.Name() + " (reserved)", true
			}
		}
	}
	return "", false
}

func (r *Reservation) Infos() []part.Info {
	return r.infos
}

// Commit publishes parts, which must match the reserved ranges one to one, in a
// single new version.
func (r *Reservation) Commit(parts ...*part.Part) (uint64, error) {
	if len(parts) != len(r.infos) {
		return 0, fmt.Errorf("reservation holds %d ranges, got %d parts", len(r.infos), len(parts))
	}
	reserved := map[string]bool{}
	for _, info := range r.infos {
		reserved[info.Name()] = true
	}
	for _, p := range parts {
		if !reserved[p.Name()] {
			return 0, fmt.Errorf("part %s was not reserved", p.Name())
		}
	}
	if !r.done.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("reservation already finished")
	}

	ps := r.set
	ps.mu.Lock()
	delete(ps.reservations, r.id)
	next := make([]*part.Part, 0, len(ps.active)+len(parts))
	next = append(next, ps.active...)
	for _, p := range parts {
		p.Hold()
		p.SetState(part.StateActive)
		next = append(next, p)
	}
	sortParts(next)
	ps.active = next
	ps.version++
	version := ps.version

	events := make([]Event, 0, len(parts))
	for _, p := range parts {
		events = append(events, Event{Type: PartActivated, Table: ps.table, Part: p, Version: version, Active: len(ps.active)})
	}
	ps.unlockAndEmit(events)
	return version, nil
}

// Rollback frees the reserved ranges. It is a no-op after Commit.
func (r *Reservation) Rollback() {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.set.mu.Lock()
	defer r.set.mu.Unlock()
	delete(r.set.reservations, r.id)
}

// Remove takes the named parts out of the active set in one version. The active
// set's reference on each part is handed to the caller, who must Release it.
// Removed parts are left outdated; the caller may move them to another state first.
func (ps *PartSet) Remove(names ...string) ([]*part.Part, error) {
	ps.mu.Lock()
	removed, next, err := ps.split(names)
	if err != nil {
		ps.mu.Unlock()
		return nil, err
	}
	ps.active = next
	ps.version++
	version := ps.version
	events := make([]Event, 0, len(removed))
	for _, p := range removed {
		p.SetState(part.StateOutdated)
		events = append(events, Event{Type: PartDeactivated, Table: ps.table, Part: p, Version: version, Active: len(ps.active)})
	}
	ps.unlockAndEmit(events)
	return removed, nil
}

// Replace swaps the named parts for merged, which must cover all of them, in one
// version. The replaced parts become outdated and are deleted once unreferenced.
func (ps *PartSet) Replace(names []string, merged *part.Part) (uint64, error) {
	ps.mu.Lock()
	old, next, err := ps.split(names)
	if err != nil {
		ps.mu.Unlock()
		return 0, err
	}
	for _, p := range old {
		if !merged.Info.Contains(p.Info) {
			ps.mu.Unlock()
			return 0, &part.OverlapError{Part: merged.Name(), Partition: merged.Info.PartitionID, Conflicting: p.Name()}
		}
	}
	for _, p := range next {
		if p.Info.Intersects(merged.Info) {
			ps.mu.Unlock()
			return 0, &part.OverlapError{Part: merged.Name(), Partition: merged.Info.PartitionID, Conflicting: p.Name()}
		}
	}
	for _, reserved := range ps.reservations {
		for _, r := range reserved {
			if r.Intersects(merged.Info) {
				ps.mu.Unlock()
				return 0, &part.OverlapError{Part: merged.Name(), Partition: merged.Info.PartitionID, Conflicting: r.Name() + " (reserved)"}
			}
		}
	}

	merged.Hold()
	merged.SetState(part.StateActive)
	next = append(next, merged)
	sortParts(next)
	ps.active = next
	ps.version++
	version := ps.version

	events := make([]Event, 0, len(old)+1)
	for _, p := range old {
		p.SetState(part.StateOutdated)
		events = append(events, Event{Type: PartDeactivated, Table: ps.table, Part: p, Version: version, Active: len(ps.active)})
	}
	events = append(events, Event{Type: PartActivated, Table: ps.table, Part: merged, Version: version, Active: len(ps.active)})
	ps.unlockAndEmit(events)

	for _, p := range old {
		ps.Release(p)
	}
	return version, nil
}

// split must be called with mu held. It returns the named parts and a new slice of
// the remaining ones, or a *part.NotFoundError naming the first missing part.
func (ps *PartSet) split(names []string) (named, rest []*part.Part, err error) {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	rest = make([]*part.Part, 0, len(ps.active))
	for _, p := range ps.active {
		if want[p.Name()] {
			named = append(named, p)
			delete(want, p.Name())
			continue
		}
		rest = append(rest, p)
	}
	for _, n := range names {
		if want[n] {
			return nil, nil, &part.NotFoundError{Kind: "part", Name: n}
		}
	}
	return named, rest, nil
}

// Load initializes an empty set from the parts found on disk. Parts covered by a
// merge result are not activated and are returned so the caller can delete them.
func (ps *PartSet) Load(parts []*part.Part) (covered []*part.Part, err error) {
	var keep []*part.Part
	for _, p := range parts {
		isCovered := false
		for _, q := range parts {
			if q != p && q.Info.Contains(p.Info) {
				isCovered = true
				break
			}
		}
		if isCovered {
			p.SetState(part.StateOutdated)
			covered = append(covered, p)
			continue
		}
		keep = append(keep, p)
	}
	sortParts(keep)
	for i := 1; i < len(keep); i++ {
		for j := 0; j < i; j++ {
			if keep[i].Info.Intersects(keep[j].Info) {
				return nil, &part.OverlapError{Part: keep[i].Name(), Partition: keep[i].Info.PartitionID, Conflicting: keep[j].Name()}
			}
		}
	}

	ps.mu.Lock()
	if len(ps.active) > 0 {
		ps.mu.Unlock()
		return nil, fmt.Errorf("part set of %s is already loaded", ps.table)
	}
	events := make([]Event, 0, len(keep))
	for _, p := range keep {
		p.Hold()
		p.SetState(part.StateActive)
		ps.lastBlock = max(ps.lastBlock, p.Info.MaxBlock)
	}
	ps.active = keep
	ps.version++
	for _, p := range keep {
		events = append(events, Event{Type: PartActivated, Table: ps.table, Part: p, Version: ps.version, Active: len(ps.active)})
	}
	ps.unlockAndEmit(events)
	return covered, nil
}

func sortParts(parts []*part.Part) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].Info.Less(parts[j].Info) })
}
