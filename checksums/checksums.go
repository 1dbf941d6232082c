// Package checksums implements the per-part checksum ledger: a manifest of every file
// in a part directory with its size and BLAKE3 hash.
package checksums

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// FileName is the name of the ledger inside a part directory.
const FileName = "checksums.txt"

const formatHeader = "checksums format version: 1"

type (
	Entry struct {
		Size int64
		Hash string
	}

	// Ledger maps a file name (relative to the part directory) to its entry.
	Ledger map[string]Entry

	// Mismatch describes one file whose on-disk state differs from the ledger.
	Mismatch struct {
		File     string
		Missing  bool
		Expected Entry
		Actual   Entry
	}
)

var (
	ErrBadFormat = errors.New("bad checksums format")
)

func (m Mismatch) String() string {
	if m.Missing {
		return fmt.Sprintf("%s: missing", m.File)
	}
	if m.Expected.Size != m.Actual.Size {
		return fmt.Sprintf("%s: size %d, expected %d", m.File, m.Actual.Size, m.Expected.Size)
	}
	return fmt.Sprintf("%s: hash %s, expected %s", m.File, m.Actual.Hash, m.Expected.Hash)
}

// HashFile computes the entry of a single file.
func HashFile(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Entry{}, fmt.Errorf("error in io.Copy: %w", err)
	}
	return Entry{Size: n, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// HashBytes computes the entry for in-memory content.
func HashBytes(b []byte) Entry {
	sum := blake3.Sum256(b)
	return Entry{Size: int64(len(b)), Hash: hex.EncodeToString(sum[:])}
}

// Compute hashes every regular file in dir except the ledger itself.
func Compute(dir string) (Ledger, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error in os.ReadDir: %w", err)
	}
	l := make(Ledger, len(ents))
	for _, ent := range ents {
		if ent.IsDir() || ent.Name() == FileName {
			continue
		}
		e, err := HashFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("error hashing %s: %w", ent.Name(), err)
		}
		l[ent.Name()] = e
	}
	return l, nil
}

// Files returns the ledger's file names in sorted order.
func (l Ledger) Files() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify recomputes every listed file under dir and returns the mismatches.
func (l Ledger) Verify(dir string) ([]Mismatch, error) {
	var out []Mismatch
	for _, name := range l.Files() {
		want := l[name]
		got, err := HashFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			out = append(out, Mismatch{File: name, Missing: true, Expected: want})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error hashing %s: %w", name, err)
		}
		if got != want {
			out = append(out, Mismatch{File: name, Expected: want, Actual: got})
		}
	}
	return out, nil
}

func (l Ledger) Marshal() []byte {
	var b bytes.Buffer
	b.WriteString(formatHeader + "\n")
	fmt.Fprintf(&b, "%d files:\n", len(l))
	for _, name := range l.Files() {
		e := l[name]
		fmt.Fprintf(&b, "%s\n\tsize: %d\n\thash: %s\n", name, e.Size, e.Hash)
	}
	return b.Bytes()
}

func Unmarshal(data []byte) (Ledger, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}

	line, ok := next()
	if !ok || line != formatHeader {
		return nil, fmt.Errorf("%w: missing header", ErrBadFormat)
	}
	line, ok = next()
	if !ok || !strings.HasSuffix(line, " files:") {
		return nil, fmt.Errorf("%w: missing file count", ErrBadFormat)
	}
	count, err := strconv.Atoi(strings.TrimSuffix(line, " files:"))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: bad file count %q", ErrBadFormat, line)
	}

	l := make(Ledger, count)
	for i := 0; i < count; i++ {
		name, ok := next()
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: truncated at entry %d", ErrBadFormat, i)
		}
		sizeLine, ok1 := next()
		hashLine, ok2 := next()
		if !ok1 || !ok2 || !strings.HasPrefix(sizeLine, "\tsize: ") || !strings.HasPrefix(hashLine, "\thash: ") {
			return nil, fmt.Errorf("%w: bad entry for %s", ErrBadFormat, name)
		}
		size, err := strconv.ParseInt(strings.TrimPrefix(sizeLine, "\tsize: "), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad size for %s", ErrBadFormat, name)
		}
		l[name] = Entry{Size: size, Hash: strings.TrimPrefix(hashLine, "\thash: ")}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error in scanner: %w", err)
	}
	return l, nil
}

// Read loads the ledger of the part at dir.
func Read(dir string) (Ledger, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Write stores the ledger in dir. Parts are written in a staging directory, so a
// plain write is enough here; visibility comes from the directory rename.
func Write(dir string, l Ledger) error {
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error in os.OpenFile: %w", err)
	}
	if _, err := f.Write(l.Marshal()); err != nil {
		_ = f.Close()
		return fmt.Errorf("error writing ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("error syncing ledger: %w", err)
	}
	return f.Close()
}
