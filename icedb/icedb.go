// Package icedb ties the storage packages together: the table catalog, freeze epochs,
// background merges and the detached directory watcher.
package icedb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/danthegoodman1/icepart/config"
	"github.com/danthegoodman1/icepart/datastore"
	"github.com/danthegoodman1/icepart/freezer"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/merger"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/table"
	"github.com/danthegoodman1/icepart/watcher"
	"github.com/rs/zerolog"
)

var logger = gologger.NewComponentLogger("icedb")

const (
	MetadataDir = "metadata"
	DataDir     = "data"
	ShadowDir   = "shadow"
)

type (
	IceDB struct {
		MetaStore metastore.MetaStore
		DataStore datastore.DataStore
		Freezer   *freezer.Freezer

		cfg     config.Config
		root    string
		watcher *watcher.Watcher

		mu     sync.RWMutex
		tables map[string]*tableHandle
	}

	tableHandle struct {
		tbl    *table.Table
		merger *merger.Merger
	}
)

// Open opens the data root described by cfg and loads every table.
func Open(ctx context.Context, cfg config.Config) (*IceDB, error) {
	ds, err := datastore.NewDiskDataStore(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("error in NewDiskDataStore: %w", err)
	}
	ms, err := metastore.NewDiskMetaStore(ds.Path(MetadataDir))
	if err != nil {
		return nil, fmt.Errorf("error in NewDiskMetaStore: %w", err)
	}
	return NewIceDB(ctx, ms, ds, ds.Root(), cfg)
}

func NewIceDB(ctx context.Context, ms metastore.MetaStore, ds datastore.DataStore, root string, cfg config.Config) (*IceDB, error) {
	fr, err := freezer.New(ctx, ds, filepath.Join(root, ShadowDir), freezer.Options{AllowCopyFallback: cfg.Freeze.AllowCopyFallback})
	if err != nil {
		return nil, fmt.Errorf("error in freezer.New: %w", err)
	}
	icedb := &IceDB{
		MetaStore: ms,
		DataStore: ds,
		Freezer:   fr,
		cfg:       cfg,
		root:      root,
		tables:    map[string]*tableHandle{},
	}

	if cfg.Watch.Enabled {
		if icedb.watcher, err = watcher.New(icedb.onArrival, cfg.Watch.Debounce); err != nil {
			return nil, err
		}
		icedb.watcher.Start()
	}

	schemas, err := ms.ListTableSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("error in ListTableSchemas: %w", err)
	}
	for _, schema := range schemas {
		if err := icedb.openTable(ctx, schema); err != nil {
			icedb.Close(ctx)
			return nil, fmt.Errorf("error opening table %s: %w", schema.Name, err)
		}
	}
	logger.Info().Str("root", root).Int("tables", len(schemas)).Msg("opened icedb")
	return icedb, nil
}

func (i *IceDB) tableDir(name string) string {
	return filepath.Join(i.root, DataDir, name)
}

func (i *IceDB) openTable(ctx context.Context, schema metastore.TableSchema) error {
	tbl, err := table.Open(ctx, i.DataStore, i.MetaStore, schema, i.tableDir(schema.Name))
	if err != nil {
		return err
	}
	h := &tableHandle{tbl: tbl}
	if i.cfg.Merge.Enabled {
		h.merger = merger.New(tbl, merger.Config{
			MinParts:   i.cfg.Merge.MinParts,
			Interval:   i.cfg.Merge.Interval,
			MaxElapsed: i.cfg.Merge.MaxElapsed,
		})
		h.merger.Start()
	}
	if i.watcher != nil {
		if err := i.watcher.Add(schema.Name, tbl.DetachedDir()); err != nil {
			logger.Error().Err(err).Str("table", schema.Name).Msg("failed to watch detached directory")
		}
	}
	i.mu.Lock()
	i.tables[schema.Name] = h
	i.mu.Unlock()
	return nil
}

func (i *IceDB) CreateTable(ctx context.Context, schema metastore.TableSchema) (*table.Table, error) {
	i.mu.RLock()
	_, exists := i.tables[schema.Name]
	i.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", metastore.ErrTableExists, schema.Name)
	}
	stored, err := i.MetaStore.CreateTableSchema(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("error in CreateTableSchema: %w", err)
	}
	if err := i.openTable(ctx, stored); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("table", stored.Name).Str("id", stored.ID).Msg("created table")
	return i.GetTable(stored.Name)
}

func (i *IceDB) GetTable(name string) (*table.Table, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	h, ok := i.tables[name]
	if !ok {
		return nil, &part.NotFoundError{Kind: "table", Name: name}
	}
	return h.tbl, nil
}

func (i *IceDB) ListTables() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.tables))
	for name := range i.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropTable deletes a table with all of its parts. Frozen epochs keep their links.
func (i *IceDB) DropTable(ctx context.Context, name string) error {
	i.mu.Lock()
	h, ok := i.tables[name]
	delete(i.tables, name)
	i.mu.Unlock()
	if !ok {
		return &part.NotFoundError{Kind: "table", Name: name}
	}
	if h.merger != nil {
		h.merger.Stop()
	}
	if i.watcher != nil {
		if err := i.watcher.Remove(h.tbl.DetachedDir()); err != nil {
			logger.Warn().Err(err).Str("table", name).Msg("failed to unwatch detached directory")
		}
	}
	return h.tbl.Drop(ctx)
}

func (i *IceDB) FreezePartition(ctx context.Context, tableName string, pred partitioner.Predicate) (freezer.Result, error) {
	tbl, err := i.GetTable(tableName)
	if err != nil {
		return freezer.Result{}, err
	}
	return i.Freezer.Freeze(ctx, tbl, pred)
}

func (i *IceDB) Unfreeze(ctx context.Context, epoch uint64) error {
	return i.Freezer.Unfreeze(ctx, epoch)
}

func (i *IceDB) AttachPartition(ctx context.Context, tableName string, pred partitioner.Predicate, opts table.AttachOptions) (table.AttachResult, error) {
	tbl, err := i.GetTable(tableName)
	if err != nil {
		return table.AttachResult{}, err
	}
	return tbl.AttachPartition(ctx, pred, opts)
}

func (i *IceDB) AttachPart(ctx context.Context, tableName, partName string, opts table.AttachOptions) (table.AttachResult, error) {
	tbl, err := i.GetTable(tableName)
	if err != nil {
		return table.AttachResult{}, err
	}
	return tbl.AttachPart(ctx, partName, opts)
}

func (i *IceDB) DetachPartition(ctx context.Context, tableName string, pred partitioner.Predicate) (table.DetachedResult, error) {
	tbl, err := i.GetTable(tableName)
	if err != nil {
		return table.DetachedResult{}, err
	}
	return tbl.DetachPartition(ctx, pred)
}

func (i *IceDB) DetachPart(ctx context.Context, tableName, partName string) (table.DetachedResult, error) {
	tbl, err := i.GetTable(tableName)
	if err != nil {
		return table.DetachedResult{}, err
	}
	return tbl.DetachPart(ctx, partName)
}

// CheckTable verifies every active part of the table, or only partName when set.
func (i *IceDB) CheckTable(ctx context.Context, tableName, partName string) (table.CheckResult, error) {
	tbl, err := i.GetTable(tableName)
	if err != nil {
		return table.CheckResult{}, err
	}
	return tbl.Check(ctx, partName)
}

// onArrival auto-attaches a part the watcher found. Malformed and corrupt errors
// are returned so the watcher can retry a part that is still being copied.
func (i *IceDB) onArrival(a watcher.Arrival) error {
	if !i.cfg.Watch.AutoAttach {
		logger.Info().Str("table", a.Table).Str("part", a.Name).Msg("part waiting in detached")
		return nil
	}
	tbl, err := i.GetTable(a.Table)
	if err != nil {
		return nil
	}
	if tbl.DetachedHere(a.Name) {
		return nil
	}
	res, err := tbl.AttachPart(context.Background(), a.Name, table.AttachOptions{})
	if err != nil {
		logger.Error().Err(err).Str("table", a.Table).Str("part", a.Name).Msg("auto attach failed, part left in detached")
		return err
	}
	logger.Info().Str("table", a.Table).Str("source", a.Name).Str("part", res.Parts[0].Name).Msg("auto attached part")
	return nil
}

// Close stops background work and waits for pending part removals.
func (i *IceDB) Close(ctx context.Context) error {
	var errs []error
	if i.watcher != nil {
		errs = append(errs, i.watcher.Stop())
		i.watcher = nil
	}
	i.mu.Lock()
	handles := i.tables
	i.tables = map[string]*tableHandle{}
	i.mu.Unlock()
	for _, h := range handles {
		if h.merger != nil {
			h.merger.Stop()
		}
		h.tbl.Close()
	}
	errs = append(errs, i.MetaStore.Shutdown(ctx), i.DataStore.Shutdown(ctx))
	return errors.Join(errs...)
}
