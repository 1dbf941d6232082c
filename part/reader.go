package part

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/danthegoodman1/icepart/coltypes"
)

// Marks decodes the marks of one column. indexGranularity is the table setting used
// to size granules of implicit-granularity parts; explicit parts ignore it.
func (p *Part) Marks(column string, indexGranularity uint64) ([]Mark, error) {
	idx := p.columnIndex(column)
	if idx < 0 {
		return nil, &NotFoundError{Kind: "column", Name: p.Name() + "." + column}
	}

	switch p.Layout {
	case LayoutCompact:
		file := CompactDataName + CompactMarksExt
		raw, err := os.ReadFile(filepath.Join(p.Dir, file))
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", file, err)
		}
		granules, err := DecodeCompactMarks(raw, len(p.Columns))
		if err != nil {
			return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: err.Error()}
		}
		marks := make([]Mark, len(granules))
		for i, g := range granules {
			marks[i] = g[idx]
		}
		if err := checkMarkRows(marks, p.Rows); err != nil {
			return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: err.Error()}
		}
		return marks, nil

	default:
		file := EscapeForFileName(column) + p.Mode.MarksExt()
		raw, err := os.ReadFile(filepath.Join(p.Dir, file))
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", file, err)
		}
		marks, err := DecodeMarks(p.Mode, raw, indexGranularity, p.Rows)
		if err == nil {
			err = checkMarkRows(marks, p.Rows)
		}
		if err != nil {
			return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: err.Error()}
		}
		return marks, nil
	}
}

// checkMarkRows requires every granule to hold at least one row and the running
// total to stay within the part's row count.
func checkMarkRows(marks []Mark, total uint64) error {
	var sum uint64
	for i, m := range marks {
		if m.Rows == 0 {
			return fmt.Errorf("mark %d has no rows", i)
		}
		if m.Rows > total-sum {
			return fmt.Errorf("mark %d claims %d rows, only %d of %d left", i, m.Rows, total-sum, total)
		}
		sum += m.Rows
	}
	return nil
}

// ReadColumn decodes every value of column in the part's own on-disk type.
func (p *Part) ReadColumn(column string, indexGranularity uint64) ([]any, error) {
	desc, ok := p.Column(column)
	if !ok {
		return nil, &NotFoundError{Kind: "column", Name: p.Name() + "." + column}
	}
	marks, err := p.Marks(column, indexGranularity)
	if err != nil {
		return nil, err
	}

	file := p.dataFile(column)
	data, err := os.ReadFile(filepath.Join(p.Dir, file))
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", file, err)
	}

	offsets, err := p.frameOffsets(marks)
	if err != nil {
		return nil, err
	}

	var out []any
	for i, m := range marks {
		end := frameEnd(offsets, m.OffsetInFile, uint64(len(data)))
		if m.OffsetInFile > end {
			return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: fmt.Sprintf("mark %d points past the data", i)}
		}
		raw, err := decoder.DecodeAll(data[m.OffsetInFile:end], nil)
		if err != nil {
			return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: fmt.Sprintf("granule %d: %s", i, err)}
		}
		if m.OffsetInBlock > uint64(len(raw)) {
			return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: fmt.Sprintf("granule %d: offset in block out of range", i)}
		}
		vals, err := coltypes.DecodeValues(desc.Type, raw[m.OffsetInBlock:], int(m.Rows))
		if err != nil {
			return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: fmt.Sprintf("granule %d: %s", i, err)}
		}
		out = append(out, vals...)
	}
	if uint64(len(out)) != p.Rows {
		return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: fmt.Sprintf("decoded %d rows, %s says %d", len(out), CountFileName, p.Rows)}
	}
	return out, nil
}

// GranuleRows returns the rows per granule shared by all columns, failing if the
// columns disagree or the total differs from the row count.
func (p *Part) GranuleRows(indexGranularity uint64) ([]uint64, error) {
	var first []uint64
	for i, c := range p.Columns {
		marks, err := p.Marks(c.Name, indexGranularity)
		if err != nil {
			return nil, err
		}
		rows := make([]uint64, len(marks))
		var total uint64
		for j, m := range marks {
			rows[j] = m.Rows
			if total+m.Rows < total {
				return nil, &CorruptPartError{Part: p.Name(), File: p.marksFile(c.Name), Reason: fmt.Sprintf("row count of mark %d overflows", j)}
			}
			total += m.Rows
		}
		if total != p.Rows {
			return nil, &CorruptPartError{Part: p.Name(), File: p.marksFile(c.Name), Reason: fmt.Sprintf("marks cover %d rows, %s says %d", total, CountFileName, p.Rows)}
		}
		if i == 0 {
			first = rows
			continue
		}
		if len(rows) != len(first) {
			return nil, &CorruptPartError{Part: p.Name(), File: p.marksFile(c.Name), Reason: fmt.Sprintf("%d granules, first column has %d", len(rows), len(first))}
		}
		for j := range rows {
			if rows[j] != first[j] {
				return nil, &CorruptPartError{Part: p.Name(), File: p.marksFile(c.Name), Reason: fmt.Sprintf("granule %d has %d rows, first column has %d", j, rows[j], first[j])}
			}
		}
	}
	return first, nil
}

// frameOffsets returns the sorted start offsets of every frame in the column's data
// file. Compact parts interleave columns, so all columns' marks are collected.
func (p *Part) frameOffsets(marks []Mark) ([]uint64, error) {
	var offsets []uint64
	if p.Layout != LayoutCompact {
		for _, m := range marks {
			offsets = append(offsets, m.OffsetInFile)
		}
	} else {
		file := CompactDataName + CompactMarksExt
		raw, err := os.ReadFile(filepath.Join(p.Dir, file))
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", file, err)
		}
		granules, err := DecodeCompactMarks(raw, len(p.Columns))
		if err != nil {
			return nil, &CorruptPartError{Part: p.Name(), File: file, Reason: err.Error()}
		}
		for _, g := range granules {
			for _, m := range g {
				offsets = append(offsets, m.OffsetInFile)
			}
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}

// frameEnd is the first frame offset after start, or the file size.
func frameEnd(offsets []uint64, start, fileSize uint64) uint64 {
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] > start })
	if i < len(offsets) && offsets[i] < fileSize {
		return offsets[i]
	}
	return fileSize
}

func (p *Part) columnIndex(column string) int {
	for i, c := range p.Columns {
		if c.Name == column {
			return i
		}
	}
	return -1
}

func (p *Part) dataFile(column string) string {
	if p.Layout == LayoutCompact {
		return CompactDataName + DataExt
	}
	return EscapeForFileName(column) + DataExt
}

func (p *Part) marksFile(column string) string {
	if p.Layout == LayoutCompact {
		return CompactDataName + CompactMarksExt
	}
	return EscapeForFileName(column) + p.Mode.MarksExt()
}
