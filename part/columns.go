package part

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/danthegoodman1/icepart/coltypes"
)

const (
	ColumnsFileName = "columns.txt"
	CountFileName   = "count.txt"

	columnsHeader = "columns format version: 1"
)

type (
	// ColumnDesc is one entry of a part's columns manifest.
	ColumnDesc struct {
		Name string
		Type coltypes.Type
	}
)

func MarshalColumns(cols []ColumnDesc) []byte {
	var b bytes.Buffer
	b.WriteString(columnsHeader + "\n")
	fmt.Fprintf(&b, "%d columns:\n", len(cols))
	for _, c := range cols {
		fmt.Fprintf(&b, "`%s` %s\n", strings.ReplaceAll(c.Name, "`", "\\`"), c.Type)
	}
	return b.Bytes()
}

func UnmarshalColumns(data []byte) ([]ColumnDesc, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() || sc.Text() != columnsHeader {
		return nil, fmt.Errorf("missing columns header")
	}
	if !sc.Scan() || !strings.HasSuffix(sc.Text(), " columns:") {
		return nil, fmt.Errorf("missing column count")
	}
	n, err := strconv.Atoi(strings.TrimSuffix(sc.Text(), " columns:"))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad column count %q", sc.Text())
	}

	cols := make([]ColumnDesc, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("expected %d columns, got %d", n, i)
		}
		line := sc.Text()
		if !strings.HasPrefix(line, "`") {
			return nil, fmt.Errorf("bad column line %q", line)
		}
		end := closingBacktick(line)
		if end < 0 {
			return nil, fmt.Errorf("bad column line %q", line)
		}
		name := strings.ReplaceAll(line[1:end], "\\`", "`")
		typ, err := coltypes.Parse(line[end+1:])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate column %s", name)
		}
		seen[name] = true
		cols = append(cols, ColumnDesc{Name: name, Type: typ})
	}
	return cols, nil
}

func closingBacktick(line string) int {
	for i := 1; i < len(line); i++ {
		if line[i] == '`' && line[i-1] != '\\' {
			return i
		}
	}
	return -1
}

// EscapeForFileName keeps [A-Za-z0-9_] and percent-encodes every other byte.
func EscapeForFileName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}
