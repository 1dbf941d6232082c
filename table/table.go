package table

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/danthegoodman1/icepart/datastore"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partset"
	"github.com/danthegoodman1/icepart/reconciler"
	"github.com/rs/zerolog"
)

var (
	logger = gologger.NewComponentLogger("table")

	ErrClosed = errors.New("table is closed")
)

const (
	DetachedDir = "detached"
	// BrokenPrefix marks parts moved aside because they failed to load
	BrokenPrefix = "broken_"
)

var removeMaxElapsed = time.Minute

type (
	Table struct {
		name        string
		dir         string
		detachedDir string

		ds    datastore.DataStore
		ms    metastore.MetaStore
		parts *partset.PartSet

		// schemaMu is held shared by operations that write or admit parts, and
		// exclusively by alters.
		schemaMu sync.RWMutex
		schema   metastore.TableSchema

		plansMu sync.Mutex
		plans   map[*part.Part]*reconciler.Plan

		removals    sync.WaitGroup
		unsubscribe func()

		// names this table moved into detached/ itself
		ownDetached sync.Map

		closeMu sync.RWMutex
		closed  bool
	}

	Row struct {
		Part string
		// The row number within the part
		Num     int64
		Granule int64

		// The list of column names, same order as ColVals
		ColNames []string
		// The list of column values, same order as ColNames
		ColVals []any
	}

	PartSummary struct {
		Name        string    `json:"name"`
		Partition   string    `json:"partition"`
		MinBlock    uint64    `json:"min_block"`
		MaxBlock    uint64    `json:"max_block"`
		Level       uint32    `json:"level"`
		Rows        uint64    `json:"rows"`
		BytesOnDisk int64     `json:"bytes_on_disk"`
		Granularity string    `json:"granularity"`
		Layout      string    `json:"layout"`
		State       string    `json:"state"`
		Refs        int64     `json:"refs"`
		ModTime     time.Time `json:"modification_time"`
	}

	DetachedPart struct {
		Name string `json:"name"`
		// Attachable is false for reserved prefixes and names that are not part names
		Attachable bool   `json:"attachable"`
		Partition  string `json:"partition,omitempty"`
	}
)

// Open loads a table whose schema is already in the metastore. Staging leftovers
// are removed, parts that fail to load are renamed to detached/broken_<name>, and
// parts covered by a merge result are deleted.
func Open(ctx context.Context, ds datastore.DataStore, ms metastore.MetaStore, schema metastore.TableSchema, dir string) (*Table, error) {
	t := &Table{
		name:        schema.Name,
		dir:         dir,
		detachedDir: filepath.Join(dir, DetachedDir),
		ds:          ds,
		ms:          ms,
		schema:      schema,
		plans:       map[*part.Part]*reconciler.Plan{},
	}
	ctx = gologger.WithOp(ctx, "open", t.name)
	logger := zerolog.Ctx(ctx)

	if err := ds.CreateDirectory(ctx, t.detachedDir); err != nil {
		return nil, fmt.Errorf("error in CreateDirectory: %w", err)
	}
	removed, err := ds.RemoveStaleTemporaries(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("error in RemoveStaleTemporaries: %w", err)
	}
	for _, name := range removed {
		logger.Warn().Str("dir", name).Msg("removed leftover staging directory")
	}

	t.parts = partset.New(t.name, t.removeObsolete)
	t.unsubscribe = t.parts.Subscribe(t.onPartEvent)

	names, err := ds.ListDirectories(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("error in ListDirectories: %w", err)
	}
	var loaded []*part.Part
	for _, name := range names {
		if name == DetachedDir {
			continue
		}
		p, err := part.Load(filepath.Join(dir, name))
		if err != nil {
			logger.Error().Err(err).Str("part", name).Msg("part failed to load, moving to detached")
			broken := filepath.Join(t.detachedDir, BrokenPrefix+name)
			if err := ds.AtomicRename(ctx, filepath.Join(dir, name), broken); err != nil {
				return nil, fmt.Errorf("error moving broken part %s aside: %w", name, err)
			}
			continue
		}
		loaded = append(loaded, p)
	}

	covered, err := t.parts.Load(loaded)
	if err != nil {
		return nil, fmt.Errorf("error in PartSet.Load: %w", err)
	}
	for _, p := range covered {
		logger.Info().Str("part", p.Name()).Msg("removing part covered by a merge result")
		t.removeObsolete(p)
	}
	logger.Debug().Int("parts", t.parts.Len()).Msg("opened table")
	return t, nil
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Dir() string {
	return t.dir
}

func (t *Table) DetachedDir() string {
	return t.detachedDir
}

func (t *Table) Schema() metastore.TableSchema {
	t.schemaMu.RLock()
	defer t.schemaMu.RUnlock()
	return t.schema
}

// PartSet exposes the registry for snapshotting and event subscription.
func (t *Table) PartSet() *partset.PartSet {
	return t.parts
}

// Acquire takes a snapshot of the active parts.
func (t *Table) Acquire() *partset.Snapshot {
	return t.parts.Acquire()
}

func (t *Table) Parts() []PartSummary {
	snap := t.parts.Acquire()
	defer snap.Release()
	out := make([]PartSummary, 0, len(snap.Parts))
	for _, p := range snap.Parts {
		out = append(out, PartSummary{
			Name:        p.Name(),
			Partition:   p.Info.PartitionID,
			MinBlock:    p.Info.MinBlock,
			MaxBlock:    p.Info.MaxBlock,
			Level:       p.Info.Level,
			Rows:        p.Rows,
			BytesOnDisk: p.BytesOnDisk,
			Granularity: p.Mode.String(),
			Layout:      p.Layout.String(),
			State:       p.State().String(),
			// minus the snapshot's own hold
			Refs:    p.Refs() - 1,
			ModTime: p.ModTime,
		})
	}
	return out
}

func (t *Table) DetachedParts(ctx context.Context) ([]DetachedPart, error) {
	names, err := t.ds.ListDirectories(ctx, t.detachedDir)
	if err != nil {
		return nil, fmt.Errorf("error in ListDirectories: %w", err)
	}
	sort.Strings(names)
	out := make([]DetachedPart, 0, len(names))
	for _, name := range names {
		dp := DetachedPart{Name: name}
		if info, err := part.ParseInfo(name); err == nil && !part.HasReservedPrefix(name) {
			dp.Attachable = true
			dp.Partition = info.PartitionID
		}
		out = append(out, dp)
	}
	return out, nil
}

// DetachedHere reports whether name was put into detached/ by a detach of this table
// and has not been attached since.
func (t *Table) DetachedHere(name string) bool {
	_, ok := t.ownDetached.Load(name)
	return ok
}

// begin guards an operation against a concurrent Close. The returned func ends it.
func (t *Table) begin() (func(), error) {
	t.closeMu.RLock()
	if t.closed {
		t.closeMu.RUnlock()
		return nil, ErrClosed
	}
	return t.closeMu.RUnlock, nil
}

// Close waits for running operations and pending part removals.
func (t *Table) Close() {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return
	}
	t.closed = true
	t.closeMu.Unlock()
	t.unsubscribe()
	t.removals.Wait()
}

// Drop removes every part, the detached directory and the schema.
func (t *Table) Drop(ctx context.Context) error {
	snap := t.parts.Acquire()
	var names []string
	for _, p := range snap.Parts {
		names = append(names, p.Name())
	}
	snap.Release()

	if len(names) > 0 {
		removed, err := t.parts.Remove(names...)
		if err != nil {
			return fmt.Errorf("error in PartSet.Remove: %w", err)
		}
		for _, p := range removed {
			t.parts.Release(p)
		}
	}
	t.Close()
	if err := t.ms.DropTableSchema(ctx, t.name); err != nil {
		return fmt.Errorf("error in DropTableSchema: %w", err)
	}
	if err := t.ds.Remove(ctx, t.dir); err != nil {
		return fmt.Errorf("error removing table directory: %w", err)
	}
	metrics.ActiveParts.DeleteLabelValues(t.name)
	return nil
}

func (t *Table) onPartEvent(ev partset.Event) {
	if ev.Type == partset.PartDeactivated {
		t.plansMu.Lock()
		delete(t.plans, ev.Part)
		t.plansMu.Unlock()
	}
	metrics.ActiveParts.WithLabelValues(t.name).Set(float64(ev.Active))
}

// removeObsolete deletes the directory of a part nobody references anymore. The
// first attempt is synchronous; failures are retried in the background.
func (t *Table) removeObsolete(p *part.Part) {
	ctx := context.Background()
	err := t.ds.Remove(ctx, p.Dir)
	if err == nil {
		logger.Debug().Str("table", t.name).Str("part", p.Name()).Msg("removed obsolete part")
		return
	}
	logger.Warn().Err(err).Str("table", t.name).Str("part", p.Name()).Msg("failed to remove obsolete part, retrying")

	metrics.PendingRemovals.Inc()
	t.removals.Add(1)
	go func() {
		defer t.removals.Done()
		defer metrics.PendingRemovals.Dec()
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = removeMaxElapsed
		err := backoff.Retry(func() error {
			return t.ds.Remove(ctx, p.Dir)
		}, b)
		if err != nil {
			logger.Error().Err(err).Str("table", t.name).Str("part", p.Name()).Str("dir", p.Dir).Msg("giving up removing obsolete part")
		}
	}()
}
