package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	bridge "github.com/nerrad567/insteon-bridge/internal/bridges/insteon"
	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/config"
	ins "github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

var dbDumpJSON bool

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the link table cache",
}

var dbDumpCmd = &cobra.Command{
	Use:   "dump [device]",
	Short: "Print cached all-link tables",
	Long: `Print the all-link tables held in the SQLite cache without touching the
modem. The device may be a configured name, an address (aa.bb.cc) or
"modem". Without a device every cached table is printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDBDump,
}

func init() {
	dbDumpCmd.Flags().BoolVar(&dbDumpJSON, "json", false, "Print JSON instead of text")
	dbCmd.AddCommand(dbDumpCmd)
	rootCmd.AddCommand(dbCmd)
}

// tableDump is one cached table in JSON output.
type tableDump struct {
	Address string              `json:"address"`
	Name    string              `json:"name,omitempty"`
	Records []bridge.LinkRecord `json:"records"`
}

func runDBDump(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	cache := linkdb.NewSQLiteCache(db.DB)
	names, err := offlineNames(ctx, cfg, device.NewSQLiteRepository(db.DB))
	if err != nil {
		return err
	}

	var addrs []ins.Address
	if len(args) == 1 {
		addr, err := resolveOffline(args[0], names)
		if err != nil {
			return err
		}
		addrs = []ins.Address{addr}
	} else if addrs, err = cache.Addresses(ctx); err != nil {
		return fmt.Errorf("listing cached tables: %w", err)
	}

	var tables []*linkdb.Store
	for _, addr := range addrs {
		store, err := cache.Load(ctx, addr)
		if errors.Is(err, linkdb.ErrNotCached) && len(args) == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", addr, err)
		}
		tables = append(tables, store)
	}

	if dbDumpJSON {
		return writeTablesJSON(cmd.OutOrStdout(), tables, names)
	}
	return writeTables(cmd.OutOrStdout(), tables, names)
}

// offlineNames maps every known address to its name, from configuration
// and the device repository. The modem is always named "modem".
func offlineNames(ctx context.Context, cfg *config.Config, repo device.Repository) (map[ins.Address]string, error) {
	names := make(map[ins.Address]string)

	stored, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading devices: %w", err)
	}
	for _, info := range stored {
		if info.IsModem {
			names[info.Address] = "modem"
		} else if info.Name != "" {
			names[info.Address] = info.Name
		}
	}

	infos, err := cfg.DeviceInfos()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Name != "" {
			names[info.Address] = info.Name
		}
	}
	if addr, ok := cfg.ModemAddress(); ok {
		names[addr] = "modem"
	}
	return names, nil
}

// resolveOffline turns a name (case-insensitive) or address into an
// address without a registry.
func resolveOffline(s string, names map[ins.Address]string) (ins.Address, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for addr, name := range names {
		if strings.ToLower(name) == key {
			return addr, nil
		}
	}
	addr, err := ins.ParseAddress(s)
	if err != nil {
		return ins.Address{}, fmt.Errorf("%w: %q", device.ErrDeviceNotFound, s)
	}
	return addr, nil
}

func writeTables(w io.Writer, tables []*linkdb.Store, names map[ins.Address]string) error {
	sortTables(tables)
	for i, s := range tables {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		header := s.Addr().String()
		if name, ok := names[s.Addr()]; ok {
			header = fmt.Sprintf("%s (%s)", name, header)
		}
		recs := s.Records()
		if _, err := fmt.Fprintf(w, "%s: %d records\n", header, len(recs)); err != nil {
			return err
		}
		for _, r := range recs {
			if _, err := fmt.Fprintf(w, "  %s\n", r); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeTablesJSON(w io.Writer, tables []*linkdb.Store, names map[ins.Address]string) error {
	sortTables(tables)
	out := make([]tableDump, 0, len(tables))
	for _, s := range tables {
		out = append(out, tableDump{
			Address: s.Addr().String(),
			Name:    names[s.Addr()],
			Records: bridge.NewLinkRecords(s.Records()),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func sortTables(tables []*linkdb.Store) {
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].Addr().Uint32() < tables[j].Addr().Uint32()
	})
}
