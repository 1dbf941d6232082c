package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/danthegoodman1/icepart/gologger"
)

var (
	logger = gologger.NewComponentLogger("datastore")

	ErrCrossDevice = errors.New("cross-device link")
)

type (
	// DataStore owns the physical bytes of parts. Every multi-file operation is a
	// sequence of per-file links into a staging directory followed by one rename of
	// that directory, so a crash leaves at worst an orphaned tmp_ directory.
	DataStore interface {
		CreateDirectory(ctx context.Context, path string) error
		// StageDirectory creates an empty, uniquely named directory under parent.
		StageDirectory(ctx context.Context, parent, prefix string) (string, error)

		// HardLinkFile fails with a *CrossDeviceError if src and dst are on different filesystems.
		HardLinkFile(ctx context.Context, src, dst string) error
		CopyFile(ctx context.Context, src, dst string) error
		// LinkOrCopyFile hard-links, falling back to a copy on cross-device errors when allowCopy is set.
		LinkOrCopyFile(ctx context.Context, src, dst string, allowCopy bool) (copied bool, err error)
		// CloneDirectory recreates the tree at src under dst using hard links.
		CloneDirectory(ctx context.Context, src, dst string, allowCopy bool) (CloneStats, error)

		// AtomicRename renames src to dst, refusing to replace an existing dst.
		AtomicRename(ctx context.Context, src, dst string) error
		Remove(ctx context.Context, path string) error
		ListDirectories(ctx context.Context, path string) ([]string, error)
		RemoveStaleTemporaries(ctx context.Context, dir string) ([]string, error)

		Shutdown(ctx context.Context) error
	}

	CloneStats struct {
		Files  int
		Copied int
		Bytes  int64
	}

	// CrossDeviceError means a hard link was impossible because src and dst are on
	// different filesystems. The caller decides between copying and refusing.
	CrossDeviceError struct {
		Src string
		Dst string
		Err error
	}
)

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("cannot hard-link %s to %s across filesystems: %s", e.Src, e.Dst, e.Err)
}

func (e *CrossDeviceError) Is(target error) bool { return target == ErrCrossDevice }

func (e *CrossDeviceError) Unwrap() error { return e.Err }
