package part

import (
	"encoding/binary"
	"fmt"
)

type (
	// GranularityMode says how a part's marks describe granule sizes. It is detected
	// from the marks file extension and is a property of the part, not the table.
	GranularityMode uint8

	// Layout says whether columns live in their own files or share one file.
	Layout uint8

	// Mark locates the start of one granule in a data file.
	Mark struct {
		OffsetInFile  uint64
		OffsetInBlock uint64
		// Rows is only stored for explicit granularity; for implicit parts it is
		// filled in from the table's index granularity when read.
		Rows uint64
	}
)

const (
	GranularityImplicit GranularityMode = iota + 1
	GranularityExplicit
)

const (
	LayoutWide Layout = iota + 1
	LayoutCompact
)

const (
	ImplicitMarksExt = ".mrk"
	ExplicitMarksExt = ".mrk2"
	CompactMarksExt  = ".mrk3"
	DataExt          = ".bin"

	CompactDataName = "data"

	implicitMarkSize = 16
	explicitMarkSize = 24
)

func (m GranularityMode) String() string {
	switch m {
	case GranularityImplicit:
		return "implicit"
	case GranularityExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

func (m GranularityMode) MarksExt() string {
	if m == GranularityImplicit {
		return ImplicitMarksExt
	}
	return ExplicitMarksExt
}

func (l Layout) String() string {
	switch l {
	case LayoutWide:
		return "wide"
	case LayoutCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// EncodeMarks serializes marks of a wide part column in the given mode.
func EncodeMarks(mode GranularityMode, marks []Mark) []byte {
	size := implicitMarkSize
	if mode == GranularityExplicit {
		size = explicitMarkSize
	}
	buf := make([]byte, 0, len(marks)*size)
	for _, m := range marks {
		buf = binary.LittleEndian.AppendUint64(buf, m.OffsetInFile)
		buf = binary.LittleEndian.AppendUint64(buf, m.OffsetInBlock)
		if mode == GranularityExplicit {
			buf = binary.LittleEndian.AppendUint64(buf, m.Rows)
		}
	}
	return buf
}

// DecodeMarks parses a wide marks file. Implicit entries carry no row count, so the
// caller passes the table's index granularity and the part's total rows to derive it.
func DecodeMarks(mode GranularityMode, data []byte, indexGranularity, totalRows uint64) ([]Mark, error) {
	switch mode {
	case GranularityExplicit:
		if len(data)%explicitMarkSize != 0 {
			return nil, fmt.Errorf("marks size %d is not a multiple of %d", len(data), explicitMarkSize)
		}
		marks := make([]Mark, 0, len(data)/explicitMarkSize)
		for off := 0; off < len(data); off += explicitMarkSize {
			marks = append(marks, Mark{
				OffsetInFile:  binary.LittleEndian.Uint64(data[off:]),
				OffsetInBlock: binary.LittleEndian.Uint64(data[off+8:]),
				Rows:          binary.LittleEndian.Uint64(data[off+16:]),
			})
		}
		return marks, nil

	case GranularityImplicit:
		if len(data)%implicitMarkSize != 0 {
			return nil, fmt.Errorf("marks size %d is not a multiple of %d", len(data), implicitMarkSize)
		}
		if indexGranularity == 0 {
			return nil, fmt.Errorf("implicit marks need a non-zero index granularity")
		}
		n := uint64(len(data) / implicitMarkSize)
		if want := granuleCount(totalRows, indexGranularity); n != want {
			return nil, fmt.Errorf("%d implicit marks for %d rows at granularity %d, expected %d", n, totalRows, indexGranularity, want)
		}
		marks := make([]Mark, 0, n)
		remaining := totalRows
		for off := 0; off < len(data); off += implicitMarkSize {
			rows := indexGranularity
			if remaining < rows {
				rows = remaining
			}
			remaining -= rows
			marks = append(marks, Mark{
				OffsetInFile:  binary.LittleEndian.Uint64(data[off:]),
				OffsetInBlock: binary.LittleEndian.Uint64(data[off+8:]),
				Rows:          rows,
			})
		}
		return marks, nil
	}
	return nil, fmt.Errorf("unknown granularity mode %d", mode)
}

// EncodeCompactMarks serializes compact marks: per granule the row count followed by
// one (offset in file, offset in block) pair per column.
func EncodeCompactMarks(granules [][]Mark) []byte {
	var buf []byte
	for _, cols := range granules {
		var rows uint64
		if len(cols) > 0 {
			rows = cols[0].Rows
		}
		buf = binary.LittleEndian.AppendUint64(buf, rows)
		for _, m := range cols {
			buf = binary.LittleEndian.AppendUint64(buf, m.OffsetInFile)
			buf = binary.LittleEndian.AppendUint64(buf, m.OffsetInBlock)
		}
	}
	return buf
}

// DecodeCompactMarks returns marks indexed [granule][column].
func DecodeCompactMarks(data []byte, numColumns int) ([][]Mark, error) {
	entry := 8 + numColumns*16
	if len(data)%entry != 0 {
		return nil, fmt.Errorf("compact marks size %d is not a multiple of %d", len(data), entry)
	}
	var out [][]Mark
	for off := 0; off < len(data); off += entry {
		rows := binary.LittleEndian.Uint64(data[off:])
		cols := make([]Mark, numColumns)
		for c := 0; c < numColumns; c++ {
			base := off + 8 + c*16
			cols[c] = Mark{
				OffsetInFile:  binary.LittleEndian.Uint64(data[base:]),
				OffsetInBlock: binary.LittleEndian.Uint64(data[base+8:]),
				Rows:          rows,
			}
		}
		out = append(out, cols)
	}
	return out, nil
}

func granuleCount(rows, granularity uint64) uint64 {
	if rows == 0 {
		return 0
	}
	return (rows + granularity - 1) / granularity
}
