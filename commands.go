package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danthegoodman1/icepart/config"
	"github.com/danthegoodman1/icepart/icedb"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/table"
	"github.com/danthegoodman1/icepart/utils"
	"github.com/urfave/cli/v2"
)

func App() *cli.App {
	return &cli.App{
		Name:  "icepart",
		Usage: "partitioned part storage with freeze, attach and detach",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				Value:   utils.CONFIG_FILE,
			},
			&cli.StringFlag{
				Name:  "data-root",
				Usage: "overrides data_root from the config",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API with background merges",
				Action: serve,
			},
			{
				Name:   "tables",
				Usage:  "list tables",
				Action: offline(func(c *cli.Context, db *icedb.IceDB) (any, error) { return db.ListTables(), nil }),
			},
			{
				Name:  "freeze",
				Usage: "hard link the matching partitions into a new shadow epoch",
				Flags: []cli.Flag{tableFlag(), partitionFlag()},
				Action: offline(func(c *cli.Context, db *icedb.IceDB) (any, error) {
					pred, err := partitioner.ParsePredicate(c.String("partition"))
					if err != nil {
						return nil, err
					}
					return db.FreezePartition(c.Context, c.String("table"), pred)
				}),
			},
			{
				Name:  "unfreeze",
				Usage: "remove a shadow epoch",
				Flags: []cli.Flag{&cli.Uint64Flag{Name: "epoch", Required: true}},
				Action: offline(func(c *cli.Context, db *icedb.IceDB) (any, error) {
					return nil, db.Unfreeze(c.Context, c.Uint64("epoch"))
				}),
			},
			{
				Name:  "attach",
				Usage: "attach a detached part or every detached part of a partition",
				Flags: []cli.Flag{
					tableFlag(), partFlag(), partitionFlag(),
					&cli.BoolFlag{Name: "legacy-metadata-fix", Usage: "accept columns whose stored type converts to the table's"},
					&cli.BoolFlag{Name: "preserve-block-numbers", Usage: "keep the block range of the detached name"},
				},
				Action: offline(func(c *cli.Context, db *icedb.IceDB) (any, error) {
					opts := table.AttachOptions{
						LegacyMetadataFix:    c.Bool("legacy-metadata-fix"),
						PreserveBlockNumbers: c.Bool("preserve-block-numbers"),
					}
					if c.IsSet("part") {
						return db.AttachPart(c.Context, c.String("table"), c.String("part"), opts)
					}
					pred, err := partitioner.ParsePredicate(c.String("partition"))
					if err != nil {
						return nil, err
					}
					return db.AttachPartition(c.Context, c.String("table"), pred, opts)
				}),
			},
			{
				Name:  "detach",
				Usage: "move an active part or the parts of a partition to detached",
				Flags: []cli.Flag{tableFlag(), partFlag(), partitionFlag()},
				Action: offline(func(c *cli.Context, db *icedb.IceDB) (any, error) {
					if c.IsSet("part") {
						return db.DetachPart(c.Context, c.String("table"), c.String("part"))
					}
					pred, err := partitioner.ParsePredicate(c.String("partition"))
					if err != nil {
						return nil, err
					}
					return db.DetachPartition(c.Context, c.String("table"), pred)
				}),
			},
			{
				Name:  "check",
				Usage: "verify checksums and marks of active parts",
				Flags: []cli.Flag{tableFlag(), partFlag()},
				Action: offline(func(c *cli.Context, db *icedb.IceDB) (any, error) {
					res, err := db.CheckTable(c.Context, c.String("table"), c.String("part"))
					if err != nil {
						return nil, err
					}
					if !res.Passed {
						if err := printJSON(c, res); err != nil {
							return nil, err
						}
						return nil, cli.Exit("check failed", 2)
					}
					return res, nil
				}),
			},
		},
	}
}

func tableFlag() cli.Flag {
	return &cli.StringFlag{Name: "table", Aliases: []string{"t"}, Required: true}
}

func partFlag() cli.Flag {
	return &cli.StringFlag{Name: "part", Aliases: []string{"p"}}
}

func partitionFlag() cli.Flag {
	return &cli.StringFlag{Name: "partition", Usage: "partition id, tuple(), ALL, IN a,b or a comparison like >=202301"}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet("data-root") {
		cfg.DataRoot = c.String("data-root")
	}
	return cfg, nil
}

// offline runs fn against an engine without background merges or watching and
// prints its result as JSON.
func offline(fn func(c *cli.Context, db *icedb.IceDB) (any, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		cfg.Merge.Enabled = false
		cfg.Watch.Enabled = false

		db, err := icedb.Open(c.Context, cfg)
		if err != nil {
			return fmt.Errorf("error opening icedb: %w", err)
		}
		defer db.Close(context.Background())

		res, err := fn(c, db)
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		return printJSON(c, res)
	}
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
