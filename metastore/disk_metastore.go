package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/utils"
	"github.com/rs/zerolog"
)

type (
	// DiskMetaStore keeps one JSON document per table under dir.
	DiskMetaStore struct {
		dir string
		mu  sync.Mutex
	}
)

func NewDiskMetaStore(dir string) (*DiskMetaStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	return &DiskMetaStore{dir: dir}, nil
}

func (dms *DiskMetaStore) tablePath(table string) string {
	return filepath.Join(dms.dir, table+".json")
}

func (dms *DiskMetaStore) GetTableSchema(ctx context.Context, table string) (TableSchema, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("table", table).Msg("getting table schema")
	ts := TableSchema{}
	raw, err := os.ReadFile(dms.tablePath(table))
	if errors.Is(err, os.ErrNotExist) {
		return ts, &part.NotFoundError{Kind: "table", Name: table}
	}
	if err != nil {
		return ts, fmt.Errorf("error in os.ReadFile: %w", err)
	}

	// Bind JSON string to struct
	err = json.Unmarshal(raw, &ts)
	if err != nil {
		return ts, fmt.Errorf("error in json.Unmarshal: %w", err)
	}

	return ts, nil
}

func (dms *DiskMetaStore) ListTableSchemas(ctx context.Context) ([]TableSchema, error) {
	ents, err := os.ReadDir(dms.dir)
	if err != nil {
		return nil, fmt.Errorf("error in os.ReadDir: %w", err)
	}
	var out []TableSchema
	for _, ent := range ents {
		name, ok := strings.CutSuffix(ent.Name(), ".json")
		if !ok || ent.IsDir() || strings.HasPrefix(name, "tmp_") {
			continue
		}
		ts, err := dms.GetTableSchema(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("error in GetTableSchema for %s: %w", name, err)
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (dms *DiskMetaStore) CreateTableSchema(ctx context.Context, ts TableSchema) (TableSchema, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("table", ts.Name).Msg("creating table schema")
	if err := ts.Validate(); err != nil {
		return ts, err
	}

	dms.mu.Lock()
	defer dms.mu.Unlock()
	if _, err := os.Stat(dms.tablePath(ts.Name)); err == nil {
		return ts, fmt.Errorf("%w: %s", ErrTableExists, ts.Name)
	}

	ts.ID = utils.GenRandomShortID()
	ts.Version = 1
	ts.CreatedAt = time.Now()
	ts.UpdatedAt = ts.CreatedAt
	if err := dms.write(ts); err != nil {
		return ts, err
	}
	return ts, nil
}

func (dms *DiskMetaStore) UpdateTableSchema(ctx context.Context, ts TableSchema) (TableSchema, error) {
	if err := ts.Validate(); err != nil {
		return ts, err
	}

	dms.mu.Lock()
	defer dms.mu.Unlock()
	current, err := dms.GetTableSchema(ctx, ts.Name)
	if err != nil {
		return ts, err
	}
	if current.ID != ts.ID || current.Version != ts.Version {
		return ts, fmt.Errorf("%w: schema of %s changed concurrently (version %d, have %d)", ErrBadAlter, ts.Name, current.Version, ts.Version)
	}
	ts.Version++
	ts.UpdatedAt = time.Now()
	if err := dms.write(ts); err != nil {
		return ts, err
	}
	return ts, nil
}

func (dms *DiskMetaStore) DropTableSchema(_ context.Context, table string) error {
	dms.mu.Lock()
	defer dms.mu.Unlock()
	err := os.Remove(dms.tablePath(table))
	if errors.Is(err, os.ErrNotExist) {
		return &part.NotFoundError{Kind: "table", Name: table}
	}
	if err != nil {
		return fmt.Errorf("error in os.Remove: %w", err)
	}
	return nil
}

func (dms *DiskMetaStore) Shutdown(_ context.Context) error {
	return nil
}

// write replaces the table's document through a temporary file and a rename.
func (dms *DiskMetaStore) write(ts TableSchema) error {
	jsonBytes, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("error in json.Marshal: %w", err)
	}
	tmp := filepath.Join(dms.dir, utils.GenKSortedID("tmp_"+ts.Name+"_")+".json")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("error in os.OpenFile: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("error writing schema: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("error syncing schema: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("error closing schema: %w", err)
	}
	if err := os.Rename(tmp, dms.tablePath(ts.Name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("error in os.Rename: %w", err)
	}
	logger.Debug().Str("table", ts.Name).Int64("version", ts.Version).Msg("wrote table schema")
	return nil
}
