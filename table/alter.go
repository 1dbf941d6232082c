package table

import (
	"context"
	"fmt"
	"time"

	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/rs/zerolog"
)

type AlterOp string

const (
	AlterAddColumn    AlterOp = "add_column"
	AlterDropColumn   AlterOp = "drop_column"
	AlterModifyColumn AlterOp = "modify_column"
)

type AlterCommand struct {
	Op     AlterOp          `json:"op" validate:"required,oneof=add_column drop_column modify_column"`
	Column metastore.Column `json:"column"`
	// After places an added column after an existing one
	After  string           `json:"after,omitempty"`
}

// Alter changes the schema without touching existing parts. Reads of parts written
// before the change go through the reconciler.
func (t *Table) Alter(ctx context.Context, cmds ...AlterCommand) (schema metastore.TableSchema, err error) {
	end, err := t.begin()
	if err != nil {
		return metastore.TableSchema{}, err
	}
	defer end()
	started := time.Now()
	defer func() { metrics.Observe(t.name, "alter", started, err) }()
	ctx = gologger.WithOp(ctx, "alter", t.name)

	t.schemaMu.Lock()
	defer t.schemaMu.Unlock()

	next := t.schema
	for _, cmd := range cmds {
		switch cmd.Op {
		case AlterAddColumn:
			next, err = next.AddColumn(cmd.Column, cmd.After)
		case AlterDropColumn:
			next, err = next.DropColumn(cmd.Column.Name)
		case AlterModifyColumn:
			next, err = next.ModifyColumn(cmd.Column)
		default:
			err = fmt.Errorf("%w: unknown alter op %q", metastore.ErrBadAlter, cmd.Op)
		}
		if err != nil {
			return metastore.TableSchema{}, err
		}
	}

	stored, err := t.ms.UpdateTableSchema(ctx, next)
	if err != nil {
		return metastore.TableSchema{}, fmt.Errorf("error in UpdateTableSchema: %w", err)
	}
	t.schema = stored
	t.resetPlans()
	zerolog.Ctx(ctx).Info().Int64("version", stored.Version).Int("columns", len(stored.Columns)).Msg("altered table")
	return stored, nil
}
