// Package reconciler decides how the columns of a part written under one schema are
// read under the table's current schema, without rewriting the part.
package reconciler

import (
	"fmt"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/part"
)

type Source int

const (
	FromPart Source = iota + 1
	FromDefault
)

type (
	Options struct {
		// LegacyMetadataFix accepts part columns whose declared type differs from the
		// table's, reading them through a value conversion.
		LegacyMetadataFix bool
		// IndexGranularity sizes the granules of implicit-granularity parts.
		IndexGranularity uint64
	}

	ColumnPlan struct {
		Name   string
		Type   coltypes.Type
		Source Source
		// PartType is the on-disk type when Source is FromPart
		PartType coltypes.Type
		Convert  bool
		Default  coltypes.Default
	}

	// Plan maps every table column to where a part's reader gets its values.
	Plan struct {
		Part    string
		Columns []ColumnPlan
		// Ignored lists part columns the table no longer has
		Ignored []string
		Mode    part.GranularityMode
	}
)

// Reconcile compares a part's manifest with the table schema column by column.
func Reconcile(p *part.Part, schema metastore.TableSchema, opts Options) (*Plan, error) {
	plan := &Plan{Part: p.Name(), Mode: p.Mode}
	for _, col := range schema.Columns {
		cp := ColumnPlan{Name: col.Name, Type: col.Type}
		partCol, ok := p.Column(col.Name)
		if !ok {
			def, err := coltypes.ParseDefault(col.Type, col.Default)
			if err != nil {
				return nil, &part.SchemaIncompatibleError{Part: p.Name(), Column: col.Name, Reason: fmt.Sprintf("default of %s: %s", col.Name, err)}
			}
			cp.Source = FromDefault
			cp.Default = def
			plan.Columns = append(plan.Columns, cp)
			continue
		}

		cp.Source = FromPart
		cp.PartType = partCol.Type
		if partCol.Type != col.Type {
			if !opts.LegacyMetadataFix {
				return nil, &part.SchemaIncompatibleError{Part: p.Name(), Column: col.Name, PartType: partCol.Type.String(), Reason: fmt.Sprintf("table declares %s", col.Type)}
			}
			if !coltypes.CanConvert(partCol.Type, col.Type) {
				return nil, &part.SchemaIncompatibleError{Part: p.Name(), Column: col.Name, PartType: partCol.Type.String(), Reason: fmt.Sprintf("no conversion to %s", col.Type)}
			}
			cp.Convert = true
		}
		plan.Columns = append(plan.Columns, cp)
	}

	for _, c := range p.Columns {
		if _, ok := schema.Column(c.Name); !ok {
			plan.Ignored = append(plan.Ignored, c.Name)
		}
	}

	if p.Mode == part.GranularityImplicit {
		if err := checkImplicitGranularity(p, opts.IndexGranularity); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// checkImplicitGranularity makes sure marks without row counts line up with the
// table's granularity, since that is the only thing that sizes their granules.
func checkImplicitGranularity(p *part.Part, indexGranularity uint64) error {
	if indexGranularity == 0 {
		return &part.SchemaIncompatibleError{Part: p.Name(), Reason: "implicit granularity part needs the table's index_granularity"}
	}
	if _, err := p.GranuleRows(indexGranularity); err != nil {
		return &part.SchemaIncompatibleError{Part: p.Name(), Reason: fmt.Sprintf("marks do not match index_granularity %d: %s", indexGranularity, err)}
	}
	return nil
}

func (pl *Plan) Column(name string) (ColumnPlan, bool) {
	for _, c := range pl.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnPlan{}, false
}

// ReadColumn returns the values of one table column for part p, converting or
// synthesizing them as planned. Defaults are evaluated once per call.
func (pl *Plan) ReadColumn(p *part.Part, name string, indexGranularity uint64) ([]any, error) {
	cp, ok := pl.Column(name)
	if !ok {
		return nil, &part.NotFoundError{Kind: "column", Name: name}
	}
	if cp.Source == FromDefault {
		return cp.Default.Fill(int(p.Rows)), nil
	}
	vals, err := p.ReadColumn(name, indexGranularity)
	if err != nil {
		return nil, err
	}
	if !cp.Convert {
		return vals, nil
	}
	for i, v := range vals {
		if vals[i], err = coltypes.Convert(cp.PartType, cp.Type, v); err != nil {
			return nil, &part.SchemaIncompatibleError{Part: p.Name(), Column: name, PartType: cp.PartType.String(), Reason: fmt.Sprintf("row %d: %s", i, err)}
		}
	}
	return vals, nil
}
