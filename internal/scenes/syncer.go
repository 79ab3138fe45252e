package scenes

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

// defaultParallelism bounds how many nodes are synchronised at once. The
// send engine already serialises per destination; this only limits how
// much traffic is queued on the shared medium.
const defaultParallelism = 4

// Network is what the Syncer needs from the device registry.
// *device.Registry implements it.
type Network interface {
	Resolver
	Node(addr insteon.Address) (device.Node, error)
	Nodes() []device.Node
	Modem() *device.Modem
}

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	Network Network

	// Path of the scenes file. Sync and Import fail with ErrNoScenesFile
	// when empty.
	Path string

	// Parallelism bounds concurrent node operations. Zero uses the default.
	Parallelism int

	Logger Logger
}

// Syncer reconciles the scenes file with the live link tables.
//
// Thread Safety: all methods are safe for concurrent use. Sync and Import
// reread the scenes file every time so operator edits apply without a
// restart.
type Syncer struct {
	net      Network
	path     string
	parallel int
	logger   Logger

	mu     sync.RWMutex
	scenes []Descriptor
}

// NewSyncer creates a Syncer.
func NewSyncer(opts SyncerOptions) *Syncer {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Syncer{
		net:      opts.Network,
		path:     opts.Path,
		parallel: opts.Parallelism,
		logger:   opts.Logger,
	}
}

// Load reads and validates the scenes file. Modem scenes declared without
// a usable group are assigned one and the file is rewritten.
func (s *Syncer) Load() ([]Descriptor, error) {
	if s.path == "" {
		return nil, ErrNoScenesFile
	}
	modem, err := s.modemAddr()
	if err != nil {
		return nil, err
	}

	descs, err := LoadFile(s.path, s.net)
	if err != nil {
		return nil, err
	}
	changed, err := AssignModemGroups(descs, modem, s.net.Modem().Links())
	if err != nil {
		return nil, err
	}
	if err := ValidateAll(descs); err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("assigned modem scene groups", "path", s.path)
		if err := Save(s.path, descs, s.label); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.scenes = descs
	s.mu.Unlock()

	s.logger.Info("scenes loaded", "path", s.path, "count", len(descs))
	return cloneAll(descs), nil
}

// Scenes returns the scenes read by the last Load, Sync or Import.
func (s *Syncer) Scenes() []Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.scenes)
}

// ModemScene returns the modem group of the named modem scene.
func (s *Syncer) ModemScene(name string) (uint8, bool) {
	modem, err := s.modemAddr()
	if err != nil {
		return 0, false
	}
	g, ok := ModemScenes(s.Scenes(), modem)[name]
	return g, ok
}

// Plan computes the writes for one node without applying them.
//
// Parameters:
//   - ctx: Context for the optional refresh
//   - node: The node to plan for
//   - refresh: Bring the link table up to date first
func (s *Syncer) Plan(ctx context.Context, node device.Node, refresh bool) (Plan, error) {
	descs, err := s.Load()
	if err != nil {
		return Plan{}, err
	}
	modem, err := s.modemAddr()
	if err != nil {
		return Plan{}, err
	}
	if refresh {
		if err := node.Refresh(ctx, false); err != nil {
			return Plan{}, err
		}
	}
	return Diff(descs, node.Addr(), node.Links(), modem), nil
}

// Sync makes the link tables of nodes match the scenes file. No nodes
// means every registered node. Each node is refreshed (when refresh is
// set), diffed and applied independently; a failing node does not stop
// the others. Reports are returned in node order, and the error joins the
// per-node failures.
func (s *Syncer) Sync(ctx context.Context, nodes []device.Node, dryRun, refresh bool) ([]Report, error) {
	descs, err := s.Load()
	if err != nil {
		return nil, err
	}
	modem, err := s.modemAddr()
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		nodes = s.net.Nodes()
	}

	reports := make([]Report, len(nodes))
	errs := make([]error, len(nodes))

	var g errgroup.Group
	g.SetLimit(s.parallel)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			reports[i], errs[i] = s.syncNode(ctx, descs, n, modem, dryRun, refresh)
			return nil
		})
	}
	_ = g.Wait()

	changed := 0
	for _, r := range reports {
		if r.Changed() {
			changed++
		}
	}
	s.logger.Info("scene sync complete", "nodes", len(nodes), "changed", changed, "dry_run", dryRun)
	return reports, errors.Join(errs...)
}

func (s *Syncer) syncNode(ctx context.Context, descs []Descriptor, n device.Node, modem insteon.Address, dryRun, refresh bool) (Report, error) {
	report := Report{Addr: n.Addr(), DryRun: dryRun}
	if refresh {
		if err := n.Refresh(ctx, false); err != nil {
			s.logger.Warn("scene sync refresh failed", "address", n.Addr().String(), "error", err)
			return report, fmt.Errorf("%s: %w", n.Name(), err)
		}
	}

	plan := Diff(descs, n.Addr(), n.Links(), modem)
	if plan.Empty() {
		s.logger.Debug("links already in sync", "address", n.Addr().String())
		return report, nil
	}
	s.logger.Info("syncing links", "address", n.Addr().String(), "add", len(plan.Add), "delete", len(plan.Delete), "dry_run", dryRun)

	report, err := Apply(ctx, plan, n, dryRun, s.logger)
	if err != nil {
		return report, fmt.Errorf("%s: %w", n.Name(), err)
	}
	return report, nil
}

// Import adds the links found on the network to the scenes file. Every
// node is refreshed first (when refresh is set) and any refresh failure
// aborts the import so a partial view never reaches the file. The merged
// scenes are compressed and, unless dryRun is set, saved.
func (s *Syncer) Import(ctx context.Context, dryRun, refresh bool) ([]Descriptor, error) {
	if s.path == "" {
		return nil, ErrNoScenesFile
	}
	modem, err := s.modemAddr()
	if err != nil {
		return nil, err
	}
	existing, err := LoadFile(s.path, s.net)
	if err != nil {
		return nil, err
	}

	nodes := s.net.Nodes()
	if refresh {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.parallel)
		for _, n := range nodes {
			n := n
			g.Go(func() error {
				if err := n.Refresh(gctx, false); err != nil {
					return fmt.Errorf("%s: %w", n.Name(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("import aborted: %w", err)
		}
	}

	stores := make(map[insteon.Address]*linkdb.Store, len(nodes))
	for _, n := range nodes {
		if !n.Addr().IsZero() {
			stores[n.Addr()] = n.Links()
		}
	}

	out := Compress(ImportFromLive(existing, stores, modem))
	s.logger.Info("scenes imported", "before", len(existing), "after", len(out), "dry_run", dryRun)
	if dryRun {
		return out, nil
	}

	if err := Save(s.path, out, s.label); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.scenes = cloneAll(out)
	s.mu.Unlock()
	return out, nil
}

// label is the name written to the scenes file for addr.
func (s *Syncer) label(addr insteon.Address) string {
	if m := s.net.Modem(); m != nil && m.Addr() == addr {
		return "modem"
	}
	if n, err := s.net.Node(addr); err == nil {
		return n.Name()
	}
	return addr.String()
}

func (s *Syncer) modemAddr() (insteon.Address, error) {
	m := s.net.Modem()
	if m == nil || m.Addr().IsZero() {
		return insteon.Address{}, fmt.Errorf("%w: modem address unknown", device.ErrDeviceNotFound)
	}
	return m.Addr(), nil
}

func cloneAll(descs []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Clone())
	}
	return out
}
