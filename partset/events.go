package partset

import "github.com/danthegoodman1/icepart/part"

type EventType int

const (
	PartActivated EventType = iota + 1
	PartDeactivated
)

func (t EventType) String() string {
	switch t {
	case PartActivated:
		return "activated"
	case PartDeactivated:
		return "deactivated"
	}
	return "unknown"
}

type Event struct {
	Type    EventType
	Table   string
	Part    *part.Part
	Version uint64
	// Active is the number of active parts at Version
	Active int
}

// Subscribe registers fn for every event of this set and returns a function that
// removes it. Events are delivered synchronously, in version order, after the set's
// lock is released. fn must not block or call methods of the set.
func (ps *PartSet) Subscribe(fn func(Event)) (unsubscribe func()) {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()
	id := ps.nextSub
	ps.nextSub++
	ps.subs[id] = fn
	return func() {
		ps.subsMu.Lock()
		defer ps.subsMu.Unlock()
		delete(ps.subs, id)
	}
}

// unlockAndEmit hands the write lock over to the subscriber lock so that events of
// consecutive versions cannot be delivered out of order.
func (ps *PartSet) unlockAndEmit(events []Event) {
	ps.subsMu.Lock()
	ps.mu.Unlock()
	defer ps.subsMu.Unlock()
	for _, ev := range events {
		for _, fn := range ps.subs {
			fn(ev)
		}
	}
}
