package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"geneatlas/internal/app"
	"geneatlas/internal/config"
	"geneatlas/internal/model"
	"geneatlas/internal/observability"
	"geneatlas/internal/publish"
)

type publishFlags struct {
	release  string
	species  string
	assembly string
	manifest string
	sqlite   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "atlas-server",
		Short:         "Serve and publish genome annotation release datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (ATLAS_* env vars override it)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), configPath, stderr)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return a.ListenAndServe(cmd.Context())
		},
	}

	var pf publishFlags
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Validate and publish one dataset into the artifact store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), configPath, stderr)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return runPublish(cmd.Context(), a, pf, stdout)
		},
	}
	publishCmd.Flags().StringVar(&pf.release, "release", "", "release identifier")
	publishCmd.Flags().StringVar(&pf.species, "species", "", "species identifier")
	publishCmd.Flags().StringVar(&pf.assembly, "assembly", "", "assembly identifier")
	publishCmd.Flags().StringVar(&pf.manifest, "manifest", "", "path to manifest.json")
	publishCmd.Flags().StringVar(&pf.sqlite, "sqlite", "", "path to gene_summary.sqlite")
	for _, name := range []string{"release", "species", "assembly", "manifest", "sqlite"} {
		_ = publishCmd.MarkFlagRequired(name)
	}

	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the published catalog as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), configPath, stderr)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			c, err := a.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(stdout, c)
		},
	}

	root.AddCommand(serveCmd, publishCmd, catalogCmd)
	return root
}

func loadApp(ctx context.Context, configPath string, stderr io.Writer) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, observability.NewLogger(cfg.Log, stderr))
}

func runPublish(ctx context.Context, a *app.App, pf publishFlags, stdout io.Writer) error {
	id, err := model.NewDatasetID(pf.release, pf.species, pf.assembly)
	if err != nil {
		return err
	}
	manifest, err := os.ReadFile(pf.manifest)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	sqlite, err := os.ReadFile(pf.sqlite)
	if err != nil {
		return fmt.Errorf("read sqlite: %w", err)
	}
	pub, err := a.Publisher.Publish(ctx, publish.Bundle{Dataset: id, Manifest: manifest, SQLite: sqlite})
	if err != nil {
		return err
	}
	return writeJSON(stdout, pub)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
