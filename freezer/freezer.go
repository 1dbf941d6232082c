// Package freezer captures consistent, hard linked backups of a table's parts under
// numbered epoch directories.
package freezer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danthegoodman1/icepart/datastore"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/partset"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// IncrementFileName holds the last used epoch inside the shadow directory.
const IncrementFileName = "increment.txt"

var logger = gologger.NewComponentLogger("freezer")

type (
	// Source is a table that can hand out snapshots of its active parts.
	Source interface {
		Name() string
		Acquire() *partset.Snapshot
	}

	Options struct {
		// AllowCopyFallback copies files that cannot be hard linked because the shadow
		// directory is on another filesystem. Otherwise such a freeze fails.
		AllowCopyFallback bool
	}

	Freezer struct {
		ds        datastore.DataStore
		shadowDir string
		opts      Options

		epochMu sync.Mutex
	}

	Result struct {
		Epoch  uint64   `json:"epoch"`
		Path   string   `json:"path"`
		Parts  []string `json:"parts"`
		Files  int      `json:"files"`
		Copied int      `json:"copied,omitempty"`
	}
)

// New prepares shadowDir and removes staging directories of freezes that never
// finished.
func New(ctx context.Context, ds datastore.DataStore, shadowDir string, opts Options) (*Freezer, error) {
	if err := ds.CreateDirectory(ctx, shadowDir); err != nil {
		return nil, fmt.Errorf("error in CreateDirectory: %w", err)
	}
	removed, err := ds.RemoveStaleTemporaries(ctx, shadowDir)
	if err != nil {
		return nil, fmt.Errorf("error in RemoveStaleTemporaries: %w", err)
	}
	for _, name := range removed {
		logger.Warn().Str("dir", name).Msg("removed unfinished freeze")
	}
	return &Freezer{ds: ds, shadowDir: shadowDir, opts: opts}, nil
}

func (f *Freezer) ShadowDir() string {
	return f.shadowDir
}

// Freeze hard links every file of the parts matching pred, as they stand in one
// snapshot, into shadow/<epoch>/data/<table>/<part>/. The epoch directory appears
// only once every link succeeded.
func (f *Freezer) Freeze(ctx context.Context, src Source, pred partitioner.Predicate) (res Result, err error) {
	started := time.Now()
	defer func() { metrics.Observe(src.Name(), "freeze", started, err) }()
	ctx = gologger.WithOp(ctx, "freeze", src.Name())
	logger := zerolog.Ctx(ctx)

	epoch, err := f.nextEpoch()
	if err != nil {
		return Result{}, err
	}

	snap := src.Acquire()
	defer snap.Release()

	var parts []*part.Part
	for _, p := range snap.Parts {
		if pred.Matches(p.Info.PartitionID) {
			parts = append(parts, p)
		}
	}

	stage, err := f.ds.StageDirectory(ctx, f.shadowDir, fmt.Sprintf("%d_", epoch))
	if err != nil {
		return Result{}, fmt.Errorf("error in StageDirectory: %w", err)
	}
	res = Result{Epoch: epoch, Path: filepath.Join(f.shadowDir, strconv.FormatUint(epoch, 10))}

	files, copied, err := f.linkParts(ctx, stage, src.Name(), parts)
	if err == nil {
		err = f.ds.AtomicRename(ctx, stage, res.Path)
	}
	if err != nil {
		if rmErr := f.ds.Remove(ctx, stage); rmErr != nil {
			logger.Error().Err(rmErr).Str("stage", stage).Msg("failed to remove freeze staging directory")
		}
		return Result{}, err
	}

	res.Files, res.Copied = files, copied
	for _, p := range parts {
		res.Parts = append(res.Parts, p.Name())
	}
	metrics.PartsMoved.WithLabelValues(src.Name(), "freeze").Add(float64(len(parts)))
	logger.Info().Uint64("epoch", epoch).Int("parts", len(parts)).Int("files", files).Int("copied", copied).Uint64("version", snap.Version).Msg("froze parts")
	return res, nil
}

func (f *Freezer) linkParts(ctx context.Context, stage, table string, parts []*part.Part) (int, int, error) {
	tableDir := filepath.Join(stage, "data", table)
	if err := f.ds.CreateDirectory(ctx, tableDir); err != nil {
		return 0, 0, fmt.Errorf("error in CreateDirectory: %w", err)
	}
	for _, p := range parts {
		if err := f.ds.CreateDirectory(ctx, filepath.Join(tableDir, p.Name())); err != nil {
			return 0, 0, fmt.Errorf("error in CreateDirectory: %w", err)
		}
	}

	var files, copied atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0) * 2)
	for _, p := range parts {
		for _, file := range p.Files() {
			p, file := p, file
			g.Go(func() error {
				if err := gCtx.Err(); err != nil {
					return err
				}
				dst := filepath.Join(tableDir, p.Name(), file)
				wasCopied, err := f.ds.LinkOrCopyFile(gCtx, filepath.Join(p.Dir, file), dst, f.opts.AllowCopyFallback)
				if err != nil {
					return fmt.Errorf("error freezing %s/%s: %w", p.Name(), file, err)
				}
				files.Add(1)
				if wasCopied {
					copied.Add(1)
					metrics.FilesLinked.WithLabelValues("copy").Inc()
				} else {
					metrics.FilesLinked.WithLabelValues("link").Inc()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return int(files.Load()), int(copied.Load()), nil
}

// nextEpoch bumps the persisted counter. An epoch is never handed out twice, even
// when the freeze using it fails.
func (f *Freezer) nextEpoch() (uint64, error) {
	f.epochMu.Lock()
	defer f.epochMu.Unlock()

	path := filepath.Join(f.shadowDir, IncrementFileName)
	var last uint64
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return 0, fmt.Errorf("error reading %s: %w", IncrementFileName, err)
	default:
		if last, err = strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); err != nil {
			return 0, fmt.Errorf("bad %s content %q: %w", IncrementFileName, string(raw), err)
		}
	}
	// epochs already on disk win over a lost or stale counter
	epochs, err := f.ListEpochs(context.Background())
	if err != nil {
		return 0, err
	}
	if len(epochs) > 0 {
		last = max(last, epochs[len(epochs)-1])
	}

	next := last + 1
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next, 10)), 0644); err != nil {
		return 0, fmt.Errorf("error writing %s: %w", IncrementFileName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("error in os.Rename: %w", err)
	}
	return next, nil
}

// ListEpochs returns the finished epochs in ascending order.
func (f *Freezer) ListEpochs(ctx context.Context) ([]uint64, error) {
	names, err := f.ds.ListDirectories(ctx, f.shadowDir)
	if err != nil {
		return nil, fmt.Errorf("error in ListDirectories: %w", err)
	}
	var epochs []uint64
	for _, name := range names {
		if n, err := strconv.ParseUint(name, 10, 64); err == nil {
			epochs = append(epochs, n)
		}
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// Unfreeze deletes an epoch directory. The parts it captured are unaffected since
// the filesystem counts the links.
func (f *Freezer) Unfreeze(ctx context.Context, epoch uint64) error {
	path := filepath.Join(f.shadowDir, strconv.FormatUint(epoch, 10))
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &part.NotFoundError{Kind: "epoch", Name: strconv.FormatUint(epoch, 10)}
	}
	if err := f.ds.Remove(ctx, path); err != nil {
		return fmt.Errorf("error in Remove: %w", err)
	}
	logger.Info().Uint64("epoch", epoch).Msg("removed frozen epoch")
	return nil
}
