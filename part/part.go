package part

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danthegoodman1/icepart/checksums"
)

// State is the lifecycle state of a part.
type State uint32

const (
	StateTemporary State = iota // being written, tmp_ prefix
	StatePreActive              // range reserved in the part set, not visible yet
	StateActive                 // visible to readers
	StateOutdated               // removed from the active set, bytes deleted once unreferenced
	StateDetached               // moved to detached/, bytes belong to the operator
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateTemporary:
		return "temporary"
	case StatePreActive:
		return "pre_active"
	case StateActive:
		return "active"
	case StateOutdated:
		return "outdated"
	case StateDetached:
		return "detached"
	case StateDeleting:
		return "deleting"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

type (
	// Part is an immutable, self-describing directory of column data. Everything but
	// state and refs is fixed once loaded.
	Part struct {
		Info    Info
		Dir     string
		Columns []ColumnDesc
		Rows    uint64
		Mode    GranularityMode
		Layout  Layout
		Ledger  checksums.Ledger

		BytesOnDisk int64
		ModTime     time.Time

		state atomic.Uint32
		refs  atomic.Int64
	}
)

func (p *Part) Name() string {
	return p.Info.Name()
}

func (p *Part) String() string {
	return fmt.Sprintf("Part{%s, rows=%d, mode=%s, layout=%s, state=%s}", p.Name(), p.Rows, p.Mode, p.Layout, p.State())
}

func (p *Part) State() State {
	return State(p.state.Load())
}

func (p *Part) SetState(s State) {
	p.state.Store(uint32(s))
}

// Refs is the number of holders: the active set plus outstanding snapshots.
func (p *Part) Refs() int64 {
	return p.refs.Load()
}

// Hold takes a reference.
func (p *Part) Hold() {
	p.refs.Add(1)
}

// Unhold drops a reference and returns the remaining count.
func (p *Part) Unhold() int64 {
	return p.refs.Add(-1)
}

// Column returns the manifest entry of a column.
func (p *Part) Column(name string) (ColumnDesc, bool) {
	for _, c := range p.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDesc{}, false
}

// Files lists every file of the part, the ledger included, in sorted order.
func (p *Part) Files() []string {
	return append(p.Ledger.Files(), checksums.FileName)
}

// Relocated returns a copy of p living at dir under info. The copy starts with no
// references and in the temporary state.
func (p *Part) Relocated(info Info, dir string) *Part {
	return &Part{
		Info:        info,
		Dir:         dir,
		Columns:     p.Columns,
		Rows:        p.Rows,
		Mode:        p.Mode,
		Layout:      p.Layout,
		Ledger:      p.Ledger,
		BytesOnDisk: p.BytesOnDisk,
		ModTime:     p.ModTime,
	}
}

// Load reads a part's metadata from dir and validates its structure: the manifests
// parse, every column has its data and marks files, all files are listed in the
// ledger and nothing unlisted is present. The directory name must be a part name.
func Load(dir string) (*Part, error) {
	name := filepath.Base(dir)
	info, err := ParseInfo(name)
	if err != nil {
		return nil, malformed(name, "", "%s", err)
	}
	return LoadAs(dir, info)
}

// LoadAs is Load for a directory whose name is not (yet) the part's name.
func LoadAs(dir string, info Info) (*Part, error) {
	name := filepath.Base(dir)
	st, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Kind: "part", Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("error in os.Stat: %w", err)
	}
	if !st.IsDir() {
		return nil, malformed(name, "", "not a directory")
	}

	p := &Part{Info: info, Dir: dir, ModTime: st.ModTime()}

	raw, err := readRequired(dir, name, ColumnsFileName)
	if err != nil {
		return nil, err
	}
	if p.Columns, err = UnmarshalColumns(raw); err != nil {
		return nil, malformed(name, ColumnsFileName, "%s", err)
	}
	if len(p.Columns) == 0 {
		return nil, malformed(name, ColumnsFileName, "no columns")
	}

	raw, err = readRequired(dir, name, CountFileName)
	if err != nil {
		return nil, err
	}
	if p.Rows, err = strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); err != nil {
		return nil, malformed(name, CountFileName, "bad row count %q", string(raw))
	}

	raw, err = readRequired(dir, name, checksums.FileName)
	if err != nil {
		return nil, err
	}
	if p.Ledger, err = checksums.Unmarshal(raw); err != nil {
		return nil, malformed(name, checksums.FileName, "%s", err)
	}
	for f := range p.Ledger {
		if !plainFileName(f) {
			return nil, malformed(name, f, "%s lists a name outside the part", checksums.FileName)
		}
	}

	required, err := p.detectFormat()
	if err != nil {
		return nil, err
	}
	required = append(required, ColumnsFileName, CountFileName)
	for _, f := range required {
		if _, ok := p.Ledger[f]; !ok {
			return nil, malformed(name, f, "not listed in %s", checksums.FileName)
		}
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error in os.ReadDir: %w", err)
	}
	present := make(map[string]struct{}, len(ents))
	for _, ent := range ents {
		if ent.Name() == checksums.FileName {
			continue
		}
		if _, ok := p.Ledger[ent.Name()]; !ok || !ent.Type().IsRegular() {
			return nil, malformed(name, ent.Name(), "unexpected file")
		}
		present[ent.Name()] = struct{}{}
	}
	for f := range p.Ledger {
		if _, ok := present[f]; !ok {
			return nil, malformed(name, f, "listed in %s but missing", checksums.FileName)
		}
	}
	for _, e := range p.Ledger {
		p.BytesOnDisk += e.Size
	}
	return p, nil
}

// detectFormat inspects which marks files exist and returns the data and marks files
// the detected layout requires.
func (p *Part) detectFormat() ([]string, error) {
	name := filepath.Base(p.Dir)
	compactMarks := CompactDataName + CompactMarksExt
	if fileExists(filepath.Join(p.Dir, compactMarks)) {
		p.Layout = LayoutCompact
		p.Mode = GranularityExplicit
		data := CompactDataName + DataExt
		if !fileExists(filepath.Join(p.Dir, data)) {
			return nil, malformed(name, data, "missing")
		}
		return []string{data, compactMarks}, nil
	}

	p.Layout = LayoutWide
	var required []string
	for _, c := range p.Columns {
		base := EscapeForFileName(c.Name)
		data := base + DataExt
		if !fileExists(filepath.Join(p.Dir, data)) {
			return nil, malformed(name, data, "missing data file for column %s", c.Name)
		}
		implicit := fileExists(filepath.Join(p.Dir, base+ImplicitMarksExt))
		explicit := fileExists(filepath.Join(p.Dir, base+ExplicitMarksExt))
		var mode GranularityMode
		switch {
		case implicit && explicit:
			return nil, malformed(name, base+ExplicitMarksExt, "both implicit and explicit marks for column %s", c.Name)
		case implicit:
			mode = GranularityImplicit
		case explicit:
			mode = GranularityExplicit
		default:
			return nil, malformed(name, base+ExplicitMarksExt, "missing marks file for column %s", c.Name)
		}
		if p.Mode != 0 && p.Mode != mode {
			return nil, malformed(name, base+mode.MarksExt(), "column %s uses %s granularity, part uses %s", c.Name, mode, p.Mode)
		}
		p.Mode = mode
		required = append(required, data, base+mode.MarksExt())
	}
	return required, nil
}

// plainFileName reports whether f names an entry directly inside a directory.
func plainFileName(f string) bool {
	return f != "" && f != "." && f != ".." && !strings.ContainsAny(f, `/\`)
}

func readRequired(dir, name, file string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, file))
	if errors.Is(err, os.ErrNotExist) {
		return nil, malformed(name, file, "missing")
	}
	if err != nil {
		return nil, malformed(name, file, "unreadable: %s", err)
	}
	return raw, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
