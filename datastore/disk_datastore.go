package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/danthegoodman1/icepart/utils"
	"github.com/rs/zerolog"
)

// TempPrefix marks staging directories. Anything carrying it is an orphan once no
// operation is running, and is removed when a table is loaded.
const TempPrefix = "tmp_"

type (
	DiskDataStore struct {
		rootPath string
	}
)

// hooks for tests to inject filesystem failures
var (
	osLink   = os.Link
	osRename = os.Rename
)

func NewDiskDataStore(rootPath string) (*DiskDataStore, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("error in filepath.Abs: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	dds := &DiskDataStore{
		rootPath: abs,
	}

	return dds, nil
}

func (dds *DiskDataStore) Root() string {
	return dds.rootPath
}

// Path joins elems under the store root.
func (dds *DiskDataStore) Path(elems ...string) string {
	return filepath.Join(append([]string{dds.rootPath}, elems...)...)
}

func (dds *DiskDataStore) CreateDirectory(_ context.Context, path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	return nil
}

func (dds *DiskDataStore) StageDirectory(_ context.Context, parent, prefix string) (string, error) {
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	if !strings.HasPrefix(prefix, TempPrefix) {
		prefix = TempPrefix + prefix
	}
	path := filepath.Join(parent, utils.GenKSortedID(prefix))
	if err := os.Mkdir(path, 0755); err != nil {
		return "", fmt.Errorf("error in os.Mkdir: %w", err)
	}
	return path, nil
}

func (dds *DiskDataStore) HardLinkFile(_ context.Context, src, dst string) error {
	err := osLink(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EXDEV) {
		return &CrossDeviceError{Src: src, Dst: dst, Err: err}
	}
	return fmt.Errorf("error in os.Link: %w", err)
}

func (dds *DiskDataStore) CopyFile(_ context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error in os.Open: %w", err)
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return fmt.Errorf("error in Stat: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, st.Mode().Perm())
	if err != nil {
		return fmt.Errorf("error in os.OpenFile: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("error in io.Copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("error syncing %s: %w", dst, err)
	}
	return out.Close()
}

func (dds *DiskDataStore) LinkOrCopyFile(ctx context.Context, src, dst string, allowCopy bool) (bool, error) {
	err := dds.HardLinkFile(ctx, src, dst)
	if err == nil {
		return false, nil
	}
	if !allowCopy || !errors.Is(err, ErrCrossDevice) {
		return false, err
	}
	zerolog.Ctx(ctx).Debug().Str("src", src).Str("dst", dst).Msg("hard link crosses filesystems, copying")
	if err := dds.CopyFile(ctx, src, dst); err != nil {
		return false, err
	}
	return true, nil
}

// CloneDirectory links every file of src into a staging sibling of dst and renames
// the staging directory to dst. On any failure the staging directory is removed and
// dst is never created.
func (dds *DiskDataStore) CloneDirectory(ctx context.Context, src, dst string, allowCopy bool) (CloneStats, error) {
	var stats CloneStats
	stage, err := dds.StageDirectory(ctx, filepath.Dir(dst), "clone_")
	if err != nil {
		return stats, err
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(stage, rel)
		if d.IsDir() {
			return os.Mkdir(target, 0755)
		}
		copied, err := dds.LinkOrCopyFile(ctx, path, target, allowCopy)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err == nil {
			stats.Bytes += info.Size()
		}
		stats.Files++
		if copied {
			stats.Copied++
		}
		return nil
	})
	if err == nil {
		err = dds.AtomicRename(ctx, stage, dst)
	}
	if err != nil {
		if rmErr := os.RemoveAll(stage); rmErr != nil {
			zerolog.Ctx(ctx).Error().Err(rmErr).Str("stage", stage).Msg("failed to remove staging directory")
		}
		return CloneStats{}, err
	}
	return stats, nil
}

func (dds *DiskDataStore) AtomicRename(_ context.Context, src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("error renaming %s: %w", dst, fs.ErrExist)
	}
	if err := osRename(src, dst); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return &CrossDeviceError{Src: src, Dst: dst, Err: err}
		}
		return fmt.Errorf("error in os.Rename: %w", err)
	}
	syncDir(filepath.Dir(dst))
	if filepath.Dir(src) != filepath.Dir(dst) {
		syncDir(filepath.Dir(src))
	}
	return nil
}

func (dds *DiskDataStore) Remove(_ context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("error in os.RemoveAll: %w", err)
	}
	return nil
}

func (dds *DiskDataStore) ListDirectories(_ context.Context, path string) ([]string, error) {
	ents, err := os.ReadDir(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error in os.ReadDir: %w", err)
	}
	var dirs []string
	for _, ent := range ents {
		if ent.IsDir() {
			dirs = append(dirs, ent.Name())
		}
	}
	return dirs, nil
}

// RemoveStaleTemporaries deletes every tmp_ directory directly under dir.
func (dds *DiskDataStore) RemoveStaleTemporaries(ctx context.Context, dir string) ([]string, error) {
	dirs, err := dds.ListDirectories(ctx, dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range dirs {
		if !strings.HasPrefix(name, TempPrefix) {
			continue
		}
		if err := dds.Remove(ctx, filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

func (dds *DiskDataStore) Shutdown(_ context.Context) error {
	return nil
}

// syncDir makes a rename durable. Some filesystems refuse to fsync directories, so
// failures are only logged.
func syncDir(path string) {
	d, err := os.Open(path)
	if err != nil {
		logger.Debug().Err(err).Str("dir", path).Msg("open for fsync failed")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logger.Debug().Err(err).Str("dir", path).Msg("directory fsync failed")
	}
}
