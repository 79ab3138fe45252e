package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

// persistTimeout bounds repository writes triggered by a device learning
// something about itself.
const persistTimeout = 5 * time.Second

// modemName is the reserved name that always resolves to the modem.
const modemName = "modem"

// EngineControl receives per-address transmission settings. *plm.Engine
// implements it.
type EngineControl interface {
	SetSleepy(addr insteon.Address, sleepy bool)
	SetMinHops(addr insteon.Address, n int)
}

// RegistryOptions configures NewRegistry.
type RegistryOptions struct {
	// Sender is the send engine every node talks through. Required.
	Sender Sender

	// Cache persists link tables. Defaults to an in-memory cache.
	Cache linkdb.Cache

	// Repository persists device identities. Optional.
	Repository Repository

	// Engine receives sleepy and min-hop settings. Optional.
	Engine EngineControl

	// Logger defaults to a no-op logger.
	Logger Logger
}

// Registry is the coordinator's map of every node on the network.
//
// Nodes are registered once at startup from configuration and from the
// device repository; the registry resolves two-way link peers and names
// for the command and scene layers.
//
// All public methods are thread-safe.
type Registry struct {
	sender Sender
	cache  linkdb.Cache
	repo   Repository
	engine EngineControl
	logger Logger

	mu      sync.RWMutex
	devices map[insteon.Address]*Device
	names   map[string]insteon.Address
	modem   *Modem
}

var _ Lookup = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Cache == nil {
		opts.Cache = linkdb.NewMemoryCache()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Registry{
		sender:  opts.Sender,
		cache:   opts.Cache,
		repo:    opts.Repository,
		engine:  opts.Engine,
		logger:  opts.Logger,
		devices: make(map[insteon.Address]*Device),
		names:   make(map[string]insteon.Address),
	}
}

// SetModem creates the modem model. The address may be zero and learned
// later with Modem().Identify.
func (r *Registry) SetModem(info Info) *Modem {
	m := NewModem(Options{
		Info:   info,
		Sender: r.sender,
		Cache:  r.cache,
		Peers:  r,
		Logger: r.logger,
	})
	r.mu.Lock()
	r.modem = m
	r.mu.Unlock()
	return m
}

// Modem returns the modem model, or nil before SetModem.
func (r *Registry) Modem() *Modem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modem
}

// Add registers a device.
//
// Parameters:
//   - ctx: Context for the repository write
//   - info: Identity and operator settings; Address is required
//
// Returns:
//   - *Device: The registered device model
//   - error: ErrInvalidDevice, ErrDeviceExists, or a repository failure
func (r *Registry) Add(ctx context.Context, info Info) (*Device, error) {
	if info.IsModem {
		return nil, fmt.Errorf("%w: use SetModem for the modem", ErrInvalidDevice)
	}
	if err := ValidateInfo(info); err != nil {
		return nil, err
	}

	// A stored identity keeps what earlier runs learned about the device.
	if r.repo != nil {
		stored, err := r.repo.Get(ctx, info.Address)
		switch {
		case err == nil:
			mergeInfo(&info, *stored)
		case !errors.Is(err, ErrDeviceNotFound):
			return nil, fmt.Errorf("loading device %s: %w", info.Address, err)
		}
	}

	d := New(Options{
		Info:   info,
		Sender: r.sender,
		Cache:  r.cache,
		Peers:  r,
		Logger: r.logger,
		OnInfo: r.persist,
	})

	r.mu.Lock()
	if _, ok := r.devices[info.Address]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, info.Address)
	}
	key := nameKey(info.Name)
	if key != "" {
		if key == modemName {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: name %q is reserved", ErrInvalidDevice, info.Name)
		}
		if other, ok := r.names[key]; ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: name %q already used by %s", ErrDeviceExists, info.Name, other)
		}
		r.names[key] = info.Address
	}
	r.devices[info.Address] = d
	r.mu.Unlock()

	if r.engine != nil {
		if info.Sleepy {
			r.engine.SetSleepy(info.Address, true)
		}
		if info.MinHops > 0 {
			r.engine.SetMinHops(info.Address, info.MinHops)
		}
	}

	if r.repo != nil {
		stored := d.Info()
		if err := r.repo.Upsert(ctx, &stored); err != nil {
			return d, fmt.Errorf("persisting device %s: %w", info.Address, err)
		}
	}

	r.logger.Debug("device registered", "device", info.Address.String(), "name", info.Name)
	return d, nil
}

// Node returns the device or modem with address addr.
func (r *Registry) Node(addr insteon.Address) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.modem != nil && (addr == insteon.ModemAddress || addr == r.modem.Addr()) {
		return r.modem, nil
	}
	if d, ok := r.devices[addr]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, addr)
}

// Device returns the device with address addr.
func (r *Registry) Device(addr insteon.Address) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.devices[addr]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, addr)
}

// Devices returns every registered device ordered by address.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr().Uint32() < out[j].Addr().Uint32() })
	return out
}

// Nodes returns the modem, if set, followed by every device.
func (r *Registry) Nodes() []Node {
	devices := r.Devices()
	out := make([]Node, 0, len(devices)+1)
	if m := r.Modem(); m != nil {
		out = append(out, m)
	}
	for _, d := range devices {
		out = append(out, d)
	}
	return out
}

// Resolve finds a node by name (case-insensitive), by address, or by the
// reserved name "modem".
func (r *Registry) Resolve(s string) (Node, error) {
	key := nameKey(s)
	if key == modemName {
		if m := r.Modem(); m != nil {
			return m, nil
		}
		return nil, fmt.Errorf("%w: modem", ErrDeviceNotFound)
	}

	r.mu.RLock()
	addr, ok := r.names[key]
	r.mu.RUnlock()
	if ok {
		return r.Node(addr)
	}

	addr, err := insteon.ParseAddress(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, s)
	}
	return r.Node(addr)
}

// InboundChecksum returns the checksum scheme to validate on extended
// messages from addr. Only devices known to be I2CS are validated; older
// engines are not consistent about filling the checksum byte.
func (r *Registry) InboundChecksum(addr insteon.Address) insteon.Checksum {
	r.mu.RLock()
	d, ok := r.devices[addr]
	r.mu.RUnlock()
	if ok && d.Info().Engine == insteon.EngineI2CS {
		return insteon.ChecksumSum
	}
	return insteon.ChecksumNone
}

// LoadCache loads every node's link table from the cache.
func (r *Registry) LoadCache(ctx context.Context) error {
	var errs []error
	if m := r.Modem(); m != nil && !m.Addr().IsZero() {
		if err := m.Load(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range r.Devices() {
		if err := d.Load(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.logger.Info("link tables loaded from cache", "devices", len(r.Devices()))
	return nil
}

// LoadRepository merges stored identities into the registry. Devices known
// from earlier runs but absent from configuration are registered too.
// Configured values win over stored ones; stored values fill what the
// configuration leaves unknown.
func (r *Registry) LoadRepository(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	stored, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	added := 0
	for _, s := range stored {
		if s.IsModem {
			if m := r.Modem(); m != nil {
				m.merge(s)
			}
			continue
		}
		if d, err := r.Device(s.Address); err == nil {
			d.merge(s)
			continue
		}
		if _, err := r.Add(ctx, s); err != nil {
			r.logger.Warn("skipping stored device", "device", s.Address.String(), "error", err)
			continue
		}
		added++
	}

	r.logger.Info("device repository loaded", "stored", len(stored), "added", added)
	return nil
}

// persist writes a device's updated identity to the repository.
func (r *Registry) persist(info Info) {
	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.repo.Upsert(ctx, &info); err != nil {
		r.logger.Warn("persisting device failed", "device", info.Address.String(), "error", err)
	}
}

// PersistModem stores the modem identity, typically after Identify.
func (r *Registry) PersistModem(ctx context.Context) error {
	m := r.Modem()
	if r.repo == nil || m == nil || m.Addr().IsZero() {
		return nil
	}
	info := m.Info()
	if err := r.repo.Upsert(ctx, &info); err != nil {
		return fmt.Errorf("persisting modem: %w", err)
	}
	return nil
}

func (d *Device) merge(s Info) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mergeInfo(&d.info, s)
}

func (m *Modem) merge(s Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.info.Address.IsZero() && m.info.Address != s.Address {
		return
	}
	if m.info.Address.IsZero() {
		m.info.Address = s.Address
		m.store = linkdb.NewStore(s.Address)
	}
	mergeInfo(&m.info, s)
}

func mergeInfo(dst *Info, s Info) {
	if dst.Engine == insteon.EngineUnknown {
		dst.Engine = s.Engine
	}
	if dst.Category == 0 && dst.Subcategory == 0 {
		dst.Category = s.Category
		dst.Subcategory = s.Subcategory
	}
	if dst.Firmware == 0 {
		dst.Firmware = s.Firmware
	}
	dst.CreatedAt = s.CreatedAt
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
