package part

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/danthegoodman1/icepart/checksums"
	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/klauspost/compress/zstd"
)

type (
	// Block is a columnar batch of rows: Data[i] holds the canonical values of Columns[i].
	Block struct {
		Columns []ColumnDesc
		Data    [][]any
	}

	WriteOptions struct {
		IndexGranularity uint64
		Mode             GranularityMode
		Layout           Layout
	}
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

func (b Block) Rows() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Validate checks that every column has the same number of canonical values.
func (b Block) Validate() error {
	if len(b.Columns) != len(b.Data) {
		return fmt.Errorf("block has %d columns and %d data vectors", len(b.Columns), len(b.Data))
	}
	for i, c := range b.Columns {
		if len(b.Data[i]) != b.Rows() {
			return fmt.Errorf("column %s has %d rows, expected %d", c.Name, len(b.Data[i]), b.Rows())
		}
	}
	return nil
}

// Write serializes block into the existing, empty directory dir and seals it with a
// checksum ledger. dir is expected to be a staging directory that the caller renames
// into place afterwards.
func Write(dir string, block Block, opts WriteOptions) error {
	if err := block.Validate(); err != nil {
		return err
	}
	if opts.IndexGranularity == 0 {
		return fmt.Errorf("index granularity must be positive")
	}
	if opts.Layout == 0 {
		opts.Layout = LayoutWide
	}
	if opts.Mode == 0 || opts.Layout == LayoutCompact {
		opts.Mode = GranularityExplicit
	}

	if err := writeFileSync(filepath.Join(dir, ColumnsFileName), MarshalColumns(block.Columns)); err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(dir, CountFileName), []byte(strconv.Itoa(block.Rows()))); err != nil {
		return err
	}

	var err error
	if opts.Layout == LayoutCompact {
		err = writeCompact(dir, block, opts)
	} else {
		err = writeWide(dir, block, opts)
	}
	if err != nil {
		return err
	}

	ledger, err := checksums.Compute(dir)
	if err != nil {
		return fmt.Errorf("error in checksums.Compute: %w", err)
	}
	if err := checksums.Write(dir, ledger); err != nil {
		return fmt.Errorf("error in checksums.Write: %w", err)
	}
	return nil
}

func writeWide(dir string, block Block, opts WriteOptions) error {
	rows := uint64(block.Rows())
	for i, c := range block.Columns {
		var data []byte
		var marks []Mark
		for start := uint64(0); start < rows; start += opts.IndexGranularity {
			end := min(start+opts.IndexGranularity, rows)
			frame, err := encodeGranule(c.Type, block.Data[i][start:end])
			if err != nil {
				return fmt.Errorf("error encoding column %s: %w", c.Name, err)
			}
			marks = append(marks, Mark{OffsetInFile: uint64(len(data)), Rows: end - start})
			data = append(data, frame...)
		}
		base := EscapeForFileName(c.Name)
		if err := writeFileSync(filepath.Join(dir, base+DataExt), data); err != nil {
			return err
		}
		if err := writeFileSync(filepath.Join(dir, base+opts.Mode.MarksExt()), EncodeMarks(opts.Mode, marks)); err != nil {
			return err
		}
	}
	return nil
}

func writeCompact(dir string, block Block, opts WriteOptions) error {
	rows := uint64(block.Rows())
	var data []byte
	var granules [][]Mark
	for start := uint64(0); start < rows; start += opts.IndexGranularity {
		end := min(start+opts.IndexGranularity, rows)
		cols := make([]Mark, len(block.Columns))
		for i, c := range block.Columns {
			frame, err := encodeGranule(c.Type, block.Data[i][start:end])
			if err != nil {
				return fmt.Errorf("error encoding column %s: %w", c.Name, err)
			}
			cols[i] = Mark{OffsetInFile: uint64(len(data)), Rows: end - start}
			data = append(data, frame...)
		}
		granules = append(granules, cols)
	}
	if err := writeFileSync(filepath.Join(dir, CompactDataName+DataExt), data); err != nil {
		return err
	}
	return writeFileSync(filepath.Join(dir, CompactDataName+CompactMarksExt), EncodeCompactMarks(granules))
}

func encodeGranule(t coltypes.Type, vals []any) ([]byte, error) {
	raw, err := coltypes.AppendValues(nil, t, vals)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, nil), nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("error in os.OpenFile: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("error writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("error syncing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
