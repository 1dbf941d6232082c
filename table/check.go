package table

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/danthegoodman1/icepart/part"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type (
	CheckResult struct {
		Table  string      `json:"table"`
		Passed bool        `json:"passed"`
		Parts  []PartCheck `json:"parts"`
	}

	PartCheck struct {
		Part   string `json:"part"`
		Passed bool   `json:"passed"`
		File   string `json:"file,omitempty"`
		Reason string `json:"reason,omitempty"`
	}
)

// verifyPart recomputes every ledger entry of p, checks that the marks of every
// column cover exactly the rows of count.txt and decodes every granule.
func verifyPart(p *part.Part, indexGranularity uint64) error {
	mismatches, err := p.Ledger.Verify(p.Dir)
	if err != nil {
		return fmt.Errorf("error in Ledger.Verify: %w", err)
	}
	if len(mismatches) > 0 {
		m := mismatches[0]
		return &part.CorruptPartError{Part: p.Name(), File: m.File, Reason: m.String()}
	}
	if _, err := p.GranuleRows(indexGranularity); err != nil {
		return err
	}
	for _, c := range p.Columns {
		if _, err := p.ReadColumn(c.Name, indexGranularity); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies the active parts, or only partName when it is not empty. It never
// modifies anything. An error is returned only when the check itself could not run.
func (t *Table) Check(ctx context.Context, partName string) (res CheckResult, err error) {
	end, err := t.begin()
	if err != nil {
		return CheckResult{}, err
	}
	defer end()
	started := time.Now()
	defer func() { metrics.Observe(t.name, "check", started, err) }()
	ctx = gologger.WithOp(ctx, "check", t.name)
	logger := zerolog.Ctx(ctx)

	granularity := t.Schema().Settings.IndexGranularity

	snap := t.parts.Acquire()
	defer snap.Release()

	parts := snap.Parts
	if partName != "" {
		parts = nil
		for _, p := range snap.Parts {
			if p.Name() == partName {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			return CheckResult{}, &part.NotFoundError{Kind: "part", Name: partName}
		}
	}

	res = CheckResult{Table: t.name, Passed: true, Parts: make([]PartCheck, len(parts))}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range parts {
		i, p := i, p
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			pc := PartCheck{Part: p.Name(), Passed: true}
			err := verifyPart(p, granularity)
			var corrupt *part.CorruptPartError
			var malformed *part.MalformedPartError
			switch {
			case err == nil:
			case errors.As(err, &corrupt):
				pc.Passed, pc.File, pc.Reason = false, corrupt.File, corrupt.Reason
			case errors.As(err, &malformed):
				pc.Passed, pc.File, pc.Reason = false, malformed.File, malformed.Reason
			default:
				return fmt.Errorf("error checking part %s: %w", p.Name(), err)
			}
			res.Parts[i] = pc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CheckResult{}, err
	}
	for _, pc := range res.Parts {
		if !pc.Passed {
			res.Passed = false
			logger.Warn().Str("part", pc.Part).Str("file", pc.File).Str("reason", pc.Reason).Msg("part failed check")
		}
	}
	return res, nil
}
