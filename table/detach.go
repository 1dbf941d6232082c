package table

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/rs/zerolog"
)

type (
	DetachedResult struct {
		Version uint64   `json:"version"`
		Parts   []string `json:"parts"`
		// Cloned lists parts that were still read by a snapshot and were hard linked
		// into detached/ instead of moved.
		Cloned []string `json:"cloned,omitempty"`
	}

	detachMove struct {
		p      *part.Part
		dst    string
		cloned bool
	}
)

// DetachPart moves an active part to detached/.
func (t *Table) DetachPart(ctx context.Context, name string) (res DetachedResult, err error) {
	end, err := t.begin()
	if err != nil {
		return DetachedResult{}, err
	}
	defer end()
	started := time.Now()
	defer func() { metrics.Observe(t.name, "detach", started, err) }()
	ctx = gologger.WithOp(ctx, "detach", t.name)

	if _, ok := t.parts.Get(name); !ok {
		return DetachedResult{}, &part.NotFoundError{Kind: "part", Name: name}
	}
	return t.detach(ctx, []string{name})
}

// DetachPartition moves every active part of the partitions matching pred to
// detached/ in one version.
func (t *Table) DetachPartition(ctx context.Context, pred partitioner.Predicate) (res DetachedResult, err error) {
	end, err := t.begin()
	if err != nil {
		return DetachedResult{}, err
	}
	defer end()
	started := time.Now()
	defer func() { metrics.Observe(t.name, "detach", started, err) }()
	ctx = gologger.WithOp(ctx, "detach", t.name)

	snap := t.parts.Acquire()
	var names []string
	for _, p := range snap.Parts {
		if pred.Matches(p.Info.PartitionID) {
			names = append(names, p.Name())
		}
	}
	snap.Release()
	if len(names) == 0 {
		return DetachedResult{}, &part.NotFoundError{Kind: "partition", Name: pred.String()}
	}
	return t.detach(ctx, names)
}

// detach takes the parts out of the active set first, then moves their bytes. A part
// no snapshot reads anymore is renamed; otherwise its files are hard linked into
// detached/ and the original goes away with the last snapshot. On failure every
// moved part is put back and the parts are admitted again.
func (t *Table) detach(ctx context.Context, names []string) (DetachedResult, error) {
	logger := zerolog.Ctx(ctx)

	for _, name := range names {
		dst := filepath.Join(t.detachedDir, name)
		if _, err := os.Stat(dst); err == nil {
			return DetachedResult{}, fmt.Errorf("detached/%s: %w", name, os.ErrExist)
		}
	}

	removed, err := t.parts.Remove(names...)
	if err != nil {
		return DetachedResult{}, err
	}
	version := t.parts.Version()

	var moves []detachMove
	for _, p := range removed {
		m := detachMove{p: p, dst: filepath.Join(t.detachedDir, p.Name())}
		t.ownDetached.Store(p.Name(), struct{}{})
		if p.Refs() == 1 {
			err = t.ds.AtomicRename(ctx, p.Dir, m.dst)
		} else {
			m.cloned = true
			_, err = t.ds.CloneDirectory(ctx, p.Dir, m.dst, true)
		}
		if err != nil {
			t.ownDetached.Delete(p.Name())
			t.undoDetach(ctx, moves, removed)
			return DetachedResult{}, fmt.Errorf("error detaching part %s: %w", p.Name(), err)
		}
		moves = append(moves, m)
	}

	res := DetachedResult{Version: version}
	for _, m := range moves {
		res.Parts = append(res.Parts, m.p.Name())
		if m.cloned {
			// the original directory is deleted when the last snapshot lets go
			res.Cloned = append(res.Cloned, m.p.Name())
			logger.Info().Str("part", m.p.Name()).Int64("refs", m.p.Refs()-1).Msg("part still read, detached a hard linked clone")
		} else {
			m.p.SetState(part.StateDetached)
			logger.Info().Str("part", m.p.Name()).Msg("detached part")
		}
		t.parts.Release(m.p)
	}
	metrics.PartsMoved.WithLabelValues(t.name, "detach").Add(float64(len(moves)))
	return res, nil
}

func (t *Table) undoDetach(ctx context.Context, moves []detachMove, removed []*part.Part) {
	logger := zerolog.Ctx(ctx)
	for i := len(moves) - 1; i >= 0; i-- {
		m := moves[i]
		var err error
		if m.cloned {
			err = t.ds.Remove(ctx, m.dst)
		} else {
			err = t.ds.AtomicRename(ctx, m.dst, m.p.Dir)
		}
		if err != nil {
			logger.Error().Err(err).Str("part", m.p.Name()).Msg("failed to undo detach")
			continue
		}
		t.ownDetached.Delete(m.p.Name())
	}

	infos := make([]part.Info, len(removed))
	for i, p := range removed {
		infos[i] = p.Info
	}
	res, err := t.parts.Reserve(infos...)
	if err == nil {
		_, err = res.Commit(removed...)
	}
	if err != nil {
		// keep the bytes, the part is picked up again on the next open
		logger.Error().Err(err).Msg("failed to admit parts again after a failed detach")
		for _, p := range removed {
			p.SetState(part.StateDetached)
		}
	}
	for _, p := range removed {
		t.parts.Release(p)
	}
}
