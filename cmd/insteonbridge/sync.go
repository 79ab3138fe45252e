package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	bridge "github.com/nerrad567/insteon-bridge/internal/bridges/insteon"
	"github.com/nerrad567/insteon-bridge/internal/device"
	ins "github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/scenes"
)

var (
	syncDryRun    bool
	syncNoRefresh bool
	syncJSON      bool

	importDryRun    bool
	importNoRefresh bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [device|all]",
	Short: "Reconcile link tables with the scenes file",
	Long: `Make the all-link tables of one device, or of every device, match the
scenes file. Each table is re-read from the device first unless
--no-refresh is given. With --dry-run the changes are printed, not written.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var importScenesCmd = &cobra.Command{
	Use:   "import-scenes",
	Short: "Merge live link tables into the scenes file",
	Long: `Read every device's all-link table and add the scenes it describes to the
scenes file. With --dry-run the merged file is printed instead of written.`,
	Args: cobra.NoArgs,
	RunE: runImportScenes,
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Print changes without writing them")
	syncCmd.Flags().BoolVar(&syncNoRefresh, "no-refresh", false, "Diff against the cached tables")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Print JSON instead of text")
	rootCmd.AddCommand(syncCmd)

	importScenesCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Print the merged scenes file")
	importScenesCmd.Flags().BoolVar(&importNoRefresh, "no-refresh", false, "Import from the cached tables")
	rootCmd.AddCommand(importScenesCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	var nodes []device.Node
	if len(args) == 1 && args[0] != bridge.TargetAll {
		node, err := st.registry.Resolve(args[0])
		if err != nil {
			return err
		}
		nodes = []device.Node{node}
	}

	reports, syncErr := st.syncer.Sync(ctx, nodes, syncDryRun, !syncNoRefresh)
	if syncJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(bridge.NewSyncResults(reports)); err != nil {
			return err
		}
	} else if err := writeReports(cmd.OutOrStdout(), reports, st.nodeName); err != nil {
		return err
	}
	return syncErr
}

// writeReports prints one block per node that changed or failed.
func writeReports(w io.Writer, reports []scenes.Report, name func(ins.Address) string) error {
	unchanged := 0
	for _, r := range reports {
		if !r.Changed() && len(r.Failed) == 0 {
			unchanged++
			continue
		}
		verb := "applied"
		if r.DryRun {
			verb = "planned"
		}
		if _, err := fmt.Fprintf(w, "%s (%s): %d added, %d deleted, %d failed (%s)\n",
			name(r.Addr), r.Addr, len(r.Added), len(r.Deleted), len(r.Failed), verb); err != nil {
			return err
		}
		for _, l := range r.Added {
			if _, err := fmt.Fprintf(w, "  + %s\n", l); err != nil {
				return err
			}
		}
		for _, rec := range r.Deleted {
			if _, err := fmt.Fprintf(w, "  - %s\n", rec); err != nil {
				return err
			}
		}
		for _, f := range r.Failed {
			if _, err := fmt.Fprintf(w, "  ! %s %s: %v\n", f.Op, f.Link, f.Err); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "%d of %d devices already in sync\n", unchanged, len(reports))
	return err
}

func runImportScenes(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Scenes.File == "" {
		return errors.New("scenes.file is not configured")
	}
	st, err := openStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	descs, err := st.syncer.Import(ctx, importDryRun, !importNoRefresh)
	if err != nil {
		return err
	}
	if importDryRun {
		data, err := scenes.Marshal(descs, st.nodeName)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d scenes written to %s\n", len(descs), cfg.Scenes.File)
	return err
}
