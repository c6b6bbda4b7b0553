package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"recordapi/internal/config"
	"recordapi/internal/engine"
	"recordapi/internal/metadata"
	"recordapi/internal/store"
)

func NewSchemaCommand(root *RootOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "schema <api>",
		Short: "Print the JSON schema of a record API",
		Example: `  # Schema of rows returned by the posts API
  recordapi schema posts

  # Schema accepted when creating posts
  recordapi schema posts --mode insert`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := engine.ParseSchemaMode(mode)
			if err != nil {
				return err
			}
			return printSchema(cmd.Context(), root.ConfigPath, args[0], m)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "select", "schema mode (select|insert|update)")
	return cmd
}

func printSchema(ctx context.Context, configPath, name string, mode engine.SchemaMode) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := store.New(ctx, cfg.Database, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	tables, err := db.LoadSchemas(ctx)
	if err != nil {
		return err
	}
	snap, err := metadata.NewSnapshot(cfg.RecordAPIs, tables)
	if err != nil {
		return fmt.Errorf("record apis: %w", err)
	}
	api := snap.API(name)
	if api == nil {
		return fmt.Errorf("unknown record api %q", name)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(engine.BuildJSONSchema(api, mode))
}
