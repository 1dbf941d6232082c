package table

import (
	"context"
	"fmt"
	"time"

	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/utils"
	"github.com/rs/zerolog"
)

var ErrNothingToMerge = utils.PermError("nothing to merge")

// Merge combines the named parts of one partition into a single part one level up,
// written under the current schema, and swaps it in for them in one version. The
// sources stay readable by older snapshots and are deleted once released.
func (t *Table) Merge(ctx context.Context, names []string) (merged string, err error) {
	end, err := t.begin()
	if err != nil {
		return "", err
	}
	defer end()
	started := time.Now()
	defer func() { metrics.Observe(t.name, "merge", started, err) }()
	ctx = gologger.WithOp(ctx, "merge", t.name)

	if len(names) < 2 {
		return "", ErrNothingToMerge
	}

	t.schemaMu.RLock()
	defer t.schemaMu.RUnlock()
	schema := t.schema

	snap := t.parts.Acquire()
	defer snap.Release()

	var sources []*part.Part
	for _, name := range names {
		var found *part.Part
		for _, p := range snap.Parts {
			if p.Name() == name {
				found = p
				break
			}
		}
		if found == nil {
			return "", &part.NotFoundError{Kind: "part", Name: name}
		}
		if len(sources) > 0 && found.Info.PartitionID != sources[0].Info.PartitionID {
			return "", utils.PermError(fmt.Sprintf("parts %s and %s are in different partitions", sources[0].Name(), name))
		}
		sources = append(sources, found)
	}

	info := part.Info{PartitionID: sources[0].Info.PartitionID, MinBlock: sources[0].Info.MinBlock, MaxBlock: sources[0].Info.MaxBlock}
	for _, p := range sources {
		info.MinBlock = min(info.MinBlock, p.Info.MinBlock)
		info.MaxBlock = max(info.MaxBlock, p.Info.MaxBlock)
		info.Level = max(info.Level, p.Info.Level)
	}
	info.Level++

	columns := schema.PartColumns()
	block := part.Block{Columns: columns, Data: make([][]any, len(columns))}
	names = make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	for _, p := range sources {
		data, err := t.readBlock(p, schema, names)
		if err != nil {
			return "", fmt.Errorf("error reading part %s: %w", p.Name(), err)
		}
		for i := range data {
			block.Data[i] = append(block.Data[i], data[i]...)
		}
	}

	p, err := t.writePart(ctx, "merge_", info, block, schema.WriteOptions(uint64(block.Rows())))
	if err != nil {
		return "", err
	}
	sourceNames := make([]string, len(sources))
	for i, s := range sources {
		sourceNames[i] = s.Name()
	}
	if _, err := t.parts.Replace(sourceNames, p); err != nil {
		t.discard(ctx, []*part.Part{p})
		return "", fmt.Errorf("error in Replace: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Strs("sources", sourceNames).Str("part", p.Name()).Uint64("rows", p.Rows).Msg("merged")
	return p.Name(), nil
}

// MergePartition merges every active part of one partition.
func (t *Table) MergePartition(ctx context.Context, partitionID string) (string, error) {
	snap := t.parts.Acquire()
	parts := snap.Partition(partitionID)
	snap.Release()
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.Name()
	}
	return t.Merge(ctx, names)
}
