package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"digestbot/internal/app"
	"digestbot/internal/config"
	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

// openStore opens storage from the config without building the rest of the app, so storage
// commands work when notifier secrets are unavailable.
func openStore(opts *RootOptions) (storage.Store, error) {
	cfg, err := config.NewConfigManager(opts.ConfigPath).Load()
	if err != nil {
		return nil, commandError("load config", err)
	}
	sc, err := app.StorageConfig(cfg)
	if err != nil {
		return nil, commandError("storage config", err)
	}
	level := opts.LogLevel
	if level == "" {
		level = "warn"
	}
	st, err := storage.Open(sc, logx.NewConsole(level))
	if err != nil {
		return nil, commandError("open storage", err)
	}
	if st == nil {
		return nil, commandError("open storage", fmt.Errorf("storage.driver is %q", cfg.Storage.Driver))
	}
	return st, nil
}

func NewCatalogCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect or load the target catalog",
	}

	importCmd := &cobra.Command{
		Use:   "import <catalog.yaml>",
		Short: "Replace the sqlite catalog with a catalog document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := storage.LoadCatalog(args[0])
			if err != nil {
				return commandError("read catalog", err)
			}
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			imp, ok := st.(storage.Importer)
			if !ok {
				return commandError("import", fmt.Errorf("storage driver does not support import; the file driver reads storage.catalog_path directly"))
			}
			if err := imp.ImportCatalog(ctxOf(cmd), doc); err != nil {
				return commandError("import", err)
			}
			return printResult(cmd, opts, map[string]int{"targets": len(doc.Targets), "sources": len(doc.Sources), "integrations": len(doc.Integrations)},
				fmt.Sprintf("imported %d targets, %d sources, %d integrations", len(doc.Targets), len(doc.Sources), len(doc.Integrations)))
		},
	}

	listCmd := &cobra.Command{
		Use:   "targets",
		Short: "List active targets and their schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			targets, err := st.ListActiveTargets(ctxOf(cmd))
			if err != nil {
				return commandError("list targets", err)
			}
			if opts.Format == "json" {
				return newPrinter(opts, cmd.OutOrStdout()).json(targets)
			}
			for _, t := range targets {
				sched := t.Schedule()
				if sched == "" {
					sched = "(manual)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID, t.WorkspaceID, sched)
			}
			return nil
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func NewRunsCommand(opts *RootOptions) *cobra.Command {
	var (
		target string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			runs, err := st.ListRuns(ctxOf(cmd), target, limit)
			if err != nil {
				return commandError("list runs", err)
			}
			return newPrinter(opts, cmd.OutOrStdout()).runs(runs)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "only runs of this target")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to show")
	return cmd
}

func printResult(cmd *cobra.Command, opts *RootOptions, v any, text string) error {
	if opts.Format == "json" {
		return newPrinter(opts, cmd.OutOrStdout()).json(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
