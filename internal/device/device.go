package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/plm"
)

// 0x30 scene trigger D2: take the on-level from the link record or from D3.
const (
	sceneUseDbLevel = 0x00
	sceneUseD3Level = 0x01
)

const defaultOnLevel = 0xff

// Operation names used in errors and logs.
const (
	opAddLink    = "add_link"
	opDeleteLink = "delete_link"
)

// Options configures New and NewModem.
type Options struct {
	// Info is the identity and operator settings of the node.
	Info Info

	// Sender is the send engine. Required.
	Sender Sender

	// Cache persists the link table. Defaults to an in-memory cache.
	Cache linkdb.Cache

	// Peers resolves the remote end of two-way links. Without it two-way
	// requests fail after the local half.
	Peers Lookup

	// Logger defaults to a no-op logger.
	Logger Logger

	// OnInfo is called when the node learns something about itself, such
	// as its engine version.
	OnInfo func(Info)
}

func (o *Options) applyDefaults() {
	if o.Cache == nil {
		o.Cache = linkdb.NewMemoryCache()
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

// Device is the model of one Insteon device: its link table image, its
// engine version and its last reported level.
//
// Link table operations on one device are serialised; the table has a
// single writer. Operations on different devices run concurrently through
// the send engine.
type Device struct {
	addr   insteon.Address
	sender Sender
	cache  linkdb.Cache
	peers  Lookup
	logger Logger
	onInfo func(Info)

	mu         sync.RWMutex
	info       Info
	store      *linkdb.Store
	level      uint8
	levelKnown bool

	opMu  sync.Mutex
	stale atomic.Bool
}

var _ Node = (*Device)(nil)

// New creates a device model with an empty link table. Call Load to start
// from the cached table.
func New(opts Options) *Device {
	opts.applyDefaults()
	return &Device{
		addr:   opts.Info.Address,
		sender: opts.Sender,
		cache:  opts.Cache,
		peers:  opts.Peers,
		logger: opts.Logger,
		onInfo: opts.OnInfo,
		info:   opts.Info,
		store:  linkdb.NewStore(opts.Info.Address),
	}
}

// Addr returns the device address.
func (d *Device) Addr() insteon.Address { return d.addr }

// Name returns the configured name, or the address.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.Label()
}

// Info returns a copy of the device identity.
func (d *Device) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// Links returns the current link table image.
func (d *Device) Links() *linkdb.Store {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.store
}

// Level returns the load level from the last status reply or command.
func (d *Device) Level() (uint8, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.level, d.levelKnown
}

// Checksum returns the scheme for extended commands to this device.
func (d *Device) Checksum() insteon.Checksum {
	return d.Info().Engine.Checksum()
}

// Stale reports whether the cached table is known to be out of date.
func (d *Device) Stale() bool {
	if d.stale.Load() {
		return true
	}
	_, known := d.Links().Delta()
	return !known
}

// MarkStale forces the next write to re-read the table first.
func (d *Device) MarkStale() {
	d.stale.Store(true)
}

// Load replaces the table image with the cached copy, if there is one.
func (d *Device) Load(ctx context.Context) error {
	s, err := d.cache.Load(ctx, d.addr)
	if errors.Is(err, linkdb.ErrNotCached) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading cached link table for %s: %w", d.addr, err)
	}
	d.setStore(s)
	return nil
}

// Refresh queries the device's link table delta and downloads the table
// when it differs from the cached delta, or when force is set.
//
// A failed status query or record read returns a *RefreshError and leaves
// the cached table untouched.
func (d *Device) Refresh(ctx context.Context, force bool) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	live, err := d.status(ctx)
	if err != nil {
		return &RefreshError{Addr: d.addr, Err: err}
	}
	cached, known := d.Links().Delta()
	if !force && known && cached == live && !d.stale.Load() {
		d.logger.Debug("link table current", "device", d.addr.String(), "delta", live)
		return nil
	}
	return d.download(ctx, live)
}

// AddLink writes the record described by spec, reusing an unused slot or
// growing the table. An identical record already present is left alone.
//
// With TwoWay set the mirrored record is then written on the remote. If
// that fails the local record stays and a *insteon.LinkConsistencyError is
// returned.
func (d *Device) AddLink(ctx context.Context, spec LinkSpec) error {
	if err := ValidateLinkSpec(d.addr, spec); err != nil {
		return err
	}

	d.opMu.Lock()
	err := d.withCurrentTable(ctx, opAddLink, func(ctx context.Context) error {
		store := d.Links()
		plan, err := store.PlanAdd(spec.Key(), spec.Data)
		if err != nil {
			return fmt.Errorf("planning %s on %s: %w", spec.Key(), d.addr, err)
		}
		if len(plan) == 0 {
			d.logger.Debug("link already present", "device", d.addr.String(), "link", spec.Key().String())
			return nil
		}
		for _, rec := range plan {
			if err := d.writeRecord(ctx, store, rec); err != nil {
				return err
			}
		}
		d.logger.Info("link added", "device", d.addr.String(), "link", spec.Key().String())
		return nil
	})
	d.opMu.Unlock()
	if err != nil || !spec.TwoWay {
		return err
	}

	return mirrorLink(d.addr, d.peers, opAddLink, spec, func(peer Node, m LinkSpec) error {
		return peer.AddLink(ctx, m)
	})
}

// DeleteLink marks the matching record unused. The slot keeps its offset
// and is reused by a later AddLink.
func (d *Device) DeleteLink(ctx context.Context, spec LinkSpec) error {
	if err := ValidateLinkSpec(d.addr, spec); err != nil {
		return err
	}

	d.opMu.Lock()
	err := d.withCurrentTable(ctx, opDeleteLink, func(ctx context.Context) error {
		store := d.Links()
		rec, err := store.PlanDelete(spec.Key())
		if err != nil {
			return fmt.Errorf("%w: %s on %s", ErrLinkNotFound, spec.Key(), d.addr)
		}
		if err := d.writeRecord(ctx, store, rec); err != nil {
			return err
		}
		d.logger.Info("link deleted", "device", d.addr.String(), "link", spec.Key().String())
		return nil
	})
	d.opMu.Unlock()
	if err != nil || !spec.TwoWay {
		return err
	}

	return mirrorLink(d.addr, d.peers, opDeleteLink, spec, func(peer Node, m LinkSpec) error {
		return peer.DeleteLink(ctx, m)
	})
}

// TriggerScene simulates a press of button group. A nil level lets each
// responder use the on-level stored in its link record.
//
// Responders often ignore a device-originated off scene, so after an off
// scene is acknowledged every responder the device controls in group gets
// a direct off command. Failures there are joined into the returned error.
func (d *Device) TriggerScene(ctx context.Context, group uint8, on bool, level *uint8) error {
	cmd1 := insteon.CmdOff
	if on {
		cmd1 = insteon.CmdOn
	}

	var data [insteon.ExtDataLen]byte
	data[0] = group
	data[1] = sceneUseDbLevel
	if !on {
		data[1] = sceneUseD3Level
	}
	if level != nil {
		data[1] = sceneUseD3Level
		data[2] = *level
	}
	data[3] = cmd1
	data[4] = 0x01 // cmd2 sent to responders

	msg := insteon.NewExtendedDirect(d.addr, insteon.CmdSceneTrigger, 0x00, data, d.Checksum())
	if _, err := d.sender.Send(ctx, d.addr, msg, plm.DirectAck(insteon.CmdSceneTrigger)); err != nil {
		return fmt.Errorf("triggering group %d on %s: %w", group, d.addr, err)
	}

	switch {
	case !on:
		d.setLevel(0)
	case level != nil:
		d.setLevel(*level)
	default:
		d.setLevel(defaultOnLevel)
	}
	if on {
		return nil
	}

	var errs []error
	for _, rec := range d.Links().Controllers(group) {
		off := insteon.NewDirect(rec.Addr, insteon.CmdOff, 0x00)
		if _, err := d.sender.Send(ctx, rec.Addr, off, plm.DirectAck(insteon.CmdOff)); err != nil {
			errs = append(errs, fmt.Errorf("direct off to %s: %w", rec.Addr, err))
		}
	}
	return errors.Join(errs...)
}

// GetEngine queries the engine version and stores it. Devices that refuse
// the query because the modem is not in their link table are I2CS.
func (d *Device) GetEngine(ctx context.Context) (insteon.EngineVersion, error) {
	res, err := d.sender.Send(ctx, d.addr,
		insteon.NewDirect(d.addr, insteon.CmdGetEngine, 0x00), plm.DirectAck(insteon.CmdGetEngine))

	var engine insteon.EngineVersion
	var nak *insteon.NakError
	switch {
	case err == nil:
		ack, _ := res.Last()
		engine = insteon.EngineFromReply(ack.Cmd2)
	case errors.As(err, &nak) && nak.Reason == insteon.NakSenderNotInDB:
		engine = insteon.EngineI2CS
	default:
		return insteon.EngineUnknown, fmt.Errorf("querying engine of %s: %w", d.addr, err)
	}

	d.mu.Lock()
	d.info.Engine = engine
	info := d.info
	d.mu.Unlock()

	d.logger.Info("engine detected", "device", d.addr.String(), "engine", engine.String())
	if d.onInfo != nil {
		d.onInfo(info)
	}
	return engine, nil
}

// withCurrentTable runs fn once the cached table is known to match the
// device. A stale table is re-read and the check repeated once.
func (d *Device) withCurrentTable(ctx context.Context, op string, fn func(context.Context) error) error {
	for retried := false; ; retried = true {
		err := d.verify(ctx)
		if err == nil {
			return fn(ctx)
		}
		var stale *insteon.StaleCacheError
		if !errors.As(err, &stale) || retried {
			return err
		}
		d.logger.Info("link table stale, refreshing",
			"device", d.addr.String(),
			"op", op,
			"cached_delta", stale.Cached,
			"live_delta", stale.Live,
		)
		if err := d.download(ctx, stale.Live); err != nil {
			return err
		}
	}
}

// verify compares the cached delta with the device's.
func (d *Device) verify(ctx context.Context) error {
	live, err := d.status(ctx)
	if err != nil {
		return &RefreshError{Addr: d.addr, Err: err}
	}
	cached, known := d.Links().Delta()
	if !known {
		cached = -1
	}
	if d.stale.Load() || cached != live {
		return &insteon.StaleCacheError{Addr: d.addr, Cached: cached, Live: live}
	}
	return nil
}

// status sends a status request. The ACK carries the link table delta in
// cmd1 and the load level in cmd2.
func (d *Device) status(ctx context.Context) (int, error) {
	res, err := d.sender.Send(ctx, d.addr,
		insteon.NewDirect(d.addr, insteon.CmdStatus, 0x00), plm.AnyDirectAck(insteon.CmdStatus))
	if err != nil {
		return 0, err
	}
	ack, _ := res.Last()
	d.setLevel(ack.Cmd2)
	return int(ack.Cmd1), nil
}

// download reads the table one record at a time from the high-water mark
// down to the sentinel and replaces the cached copy.
func (d *Device) download(ctx context.Context, delta int) error {
	fresh := linkdb.NewStore(d.addr)
	scheme := d.Checksum()

	for off := linkdb.HighWater; ; off -= linkdb.RecordSize {
		msg := insteon.NewExtendedDirect(d.addr, insteon.CmdLinkTable, 0x00, linkdb.ReadPayload(off), scheme)
		res, err := d.sender.Send(ctx, d.addr, msg, plm.LinkRecordReply(off))
		if err != nil {
			return &RefreshError{Addr: d.addr, Offset: off, Err: err}
		}
		reply, _ := res.Last()
		rec, err := linkdb.ParseReply(reply.Data)
		if err == nil {
			err = fresh.Apply(rec)
		}
		if err != nil {
			return &RefreshError{Addr: d.addr, Offset: off, Err: err}
		}
		if rec.Flags.Last || off < linkdb.LowWater+linkdb.RecordSize {
			break
		}
	}

	fresh.SetDelta(delta)
	fresh.TakeDirty()
	if err := d.cache.Replace(ctx, fresh); err != nil {
		return fmt.Errorf("caching link table for %s: %w", d.addr, err)
	}
	d.setStore(fresh)
	d.stale.Store(false)

	d.logger.Info("link table downloaded",
		"device", d.addr.String(),
		"records", fresh.Len(),
		"delta", delta,
	)
	return nil
}

// writeRecord writes rec to the device and, once acknowledged, to the
// table image and the cache. The device bumps its delta on every write.
func (d *Device) writeRecord(ctx context.Context, store *linkdb.Store, rec linkdb.Record) error {
	msg := insteon.NewExtendedDirect(d.addr, insteon.CmdLinkTable, 0x00, rec.WritePayload(), d.Checksum())
	if _, err := d.sender.Send(ctx, d.addr, msg, plm.DirectAck(insteon.CmdLinkTable)); err != nil {
		if !errors.Is(err, insteon.ErrNak) {
			// The write may have landed without its ACK reaching us.
			d.stale.Store(true)
		}
		return fmt.Errorf("writing link record %#04x on %s: %w", rec.Offset, d.addr, err)
	}

	if err := store.Apply(rec); err != nil {
		d.stale.Store(true)
		return fmt.Errorf("applying link record %#04x on %s: %w", rec.Offset, d.addr, err)
	}
	if delta, ok := store.Delta(); ok {
		store.SetDelta(delta + 1)
	}
	if err := linkdb.Flush(ctx, d.cache, store); err != nil {
		return fmt.Errorf("caching link record %#04x on %s: %w", rec.Offset, d.addr, err)
	}
	return nil
}

func (d *Device) setStore(s *linkdb.Store) {
	d.mu.Lock()
	d.store = s
	d.mu.Unlock()
}

func (d *Device) setLevel(l uint8) {
	d.mu.Lock()
	d.level = l
	d.levelKnown = true
	d.mu.Unlock()
}

// mirrorLink applies the remote half of a two-way link change.
func mirrorLink(local insteon.Address, peers Lookup, op string, spec LinkSpec, apply func(Node, LinkSpec) error) error {
	var err error
	if peers == nil {
		err = fmt.Errorf("%w: %s", ErrDeviceNotFound, spec.Remote)
	} else {
		var peer Node
		if peer, err = peers.Node(spec.Remote); err == nil {
			err = apply(peer, spec.mirror(local))
		}
	}
	if err != nil {
		return &insteon.LinkConsistencyError{Local: local, Remote: spec.Remote, Op: op, Err: err}
	}
	return nil
}
