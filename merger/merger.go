// Package merger merges small parts of a partition in the background, driven by the
// part set's activation events.
package merger

import (
	"context"
	"sync"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/partset"
	"github.com/danthegoodman1/icepart/utils"
	"github.com/rs/zerolog"
)

var logger = gologger.NewComponentLogger("merger")

type (
	// Target is a table the merger can inspect and merge.
	Target interface {
		Name() string
		PartSet() *partset.PartSet
		MergePartition(ctx context.Context, partitionID string) (string, error)
	}

	Config struct {
		// MinParts is the number of active parts a partition needs before it is merged
		MinParts int
		// Interval between full sweeps, which catch events dropped under load
		Interval time.Duration
		// MaxElapsed bounds the retries of one failed merge
		MaxElapsed time.Duration
	}

	Merger struct {
		target Target
		cfg    Config

		pending     chan string
		unsubscribe func()

		// failed holds the part set version at which a partition failed permanently;
		// it is retried only once the set changes. Owned by the loop goroutine.
		failed map[string]uint64

		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

func DefaultConfig() Config {
	return Config{
		MinParts:   4,
		Interval:   time.Minute,
		MaxElapsed: time.Minute,
	}
}

func New(target Target, cfg Config) *Merger {
	if cfg.MinParts < 2 {
		cfg.MinParts = 2
	}
	return &Merger{
		target:  target,
		cfg:     cfg,
		pending: make(chan string, 256),
		failed:  map[string]uint64{},
	}
}

// Start subscribes to the target's events and runs the merge loop until Stop.
func (m *Merger) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	// events are delivered under the part set's lock, so only hand them off
	m.unsubscribe = m.target.PartSet().Subscribe(func(ev partset.Event) {
		if ev.Type != partset.PartActivated {
			return
		}
		select {
		case m.pending <- ev.Part.Info.PartitionID:
		default:
		}
	})
	m.wg.Add(1)
	go m.loop(ctx)
	logger.Debug().Str("table", m.target.Name()).Int("minParts", m.cfg.MinParts).Msg("merger started")
}

// Stop ends the loop and waits for a running merge to finish.
func (m *Merger) Stop() {
	if m.cancel == nil {
		return
	}
	m.unsubscribe()
	m.cancel()
	m.wg.Wait()
}

func (m *Merger) loop(ctx context.Context) {
	defer m.wg.Done()
	var tick <-chan time.Time
	if m.cfg.Interval > 0 {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.pending:
			m.maybeMerge(ctx, id)
		case <-tick:
			for _, id := range m.Candidates() {
				m.maybeMerge(ctx, id)
			}
		}
	}
}

// Candidates lists the partitions that currently have enough parts to merge.
func (m *Merger) Candidates() []string {
	snap := m.target.PartSet().Acquire()
	defer snap.Release()
	counts := map[string]int{}
	var out []string
	for _, p := range snap.Parts {
		counts[p.Info.PartitionID]++
		if counts[p.Info.PartitionID] == m.cfg.MinParts {
			out = append(out, p.Info.PartitionID)
		}
	}
	return out
}

func (m *Merger) maybeMerge(ctx context.Context, partitionID string) {
	snap := m.target.PartSet().Acquire()
	n := len(snap.Partition(partitionID))
	version := snap.Version
	snap.Release()
	if n < m.cfg.MinParts {
		return
	}
	if v, ok := m.failed[partitionID]; ok && v == version {
		return
	}
	delete(m.failed, partitionID)
	if _, err := m.Merge(ctx, partitionID); utils.IsPermanent(err) {
		m.failed[partitionID] = version
	}
}

// Merge merges one partition, retrying with exponential backoff until the merge
// succeeds, fails permanently, or MaxElapsed passes.
func (m *Merger) Merge(ctx context.Context, partitionID string) (string, error) {
	ctx = gologger.WithOp(ctx, "merge", m.target.Name())
	logger := zerolog.Ctx(ctx).With().Str("partition", partitionID).Logger()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = m.cfg.MaxElapsed
	var merged string
	err := backoff.Retry(func() error {
		name, err := m.target.MergePartition(ctx, partitionID)
		if err != nil {
			if utils.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			logger.Warn().Err(err).Msg("merge failed, retrying")
			return err
		}
		merged = name
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		logger.Error().Err(err).Msg("giving up merge")
		return "", err
	}
	logger.Debug().Str("part", merged).Msg("merged partition")
	return merged, nil
}
