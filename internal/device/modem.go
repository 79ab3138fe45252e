package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/plm"
)

// Modem is the model of the PLM or Hub the bridge talks through.
//
// The modem's link database has no memory addresses or delta counter on the
// wire. Records are read in order with get-first/get-next and placed in the
// table image at consecutive synthetic offsets, so the same Store type and
// cache serve both devices and the modem. Changes go through the modem's
// own add/delete commands.
type Modem struct {
	sender Sender
	cache  linkdb.Cache
	peers  Lookup
	logger Logger

	mu     sync.RWMutex
	info   Info
	store  *linkdb.Store
	loaded bool

	opMu sync.Mutex
}

var _ Node = (*Modem)(nil)

// NewModem creates the modem model. Info.Address may be left zero and
// learned with Identify.
func NewModem(opts Options) *Modem {
	opts.applyDefaults()
	opts.Info.IsModem = true
	return &Modem{
		sender: opts.Sender,
		cache:  opts.Cache,
		peers:  opts.Peers,
		logger: opts.Logger,
		info:   opts.Info,
		store:  linkdb.NewStore(opts.Info.Address),
	}
}

// Addr returns the modem's own address.
func (m *Modem) Addr() insteon.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info.Address
}

// Name returns the configured name, or the address.
func (m *Modem) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.info.Name == "" {
		return "modem"
	}
	return m.info.Name
}

// Info returns a copy of the modem identity.
func (m *Modem) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// Links returns the current link table image.
func (m *Modem) Links() *linkdb.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

// Identify asks the modem for its address and product identity.
func (m *Modem) Identify(ctx context.Context) (Info, error) {
	res, err := m.sender.Send(ctx, insteon.ModemAddress,
		insteon.NewModemCommand(insteon.KindModemInfo), plm.ModemAck(insteon.KindModemInfo))
	if err != nil {
		return Info{}, fmt.Errorf("querying modem info: %w", err)
	}
	echo, _ := res.Last()

	m.mu.Lock()
	if echo.From != m.info.Address {
		m.store = linkdb.NewStore(echo.From)
		m.loaded = false
	}
	m.info.Address = echo.From
	m.info.Category = echo.Info[0]
	m.info.Subcategory = echo.Info[1]
	m.info.Firmware = echo.Info[2]
	info := m.info
	m.mu.Unlock()

	m.logger.Info("modem identified",
		"address", info.Address.String(),
		"category", info.Category,
		"subcategory", info.Subcategory,
		"firmware", info.Firmware,
	)
	return info, nil
}

// Load replaces the table image with the cached copy, if there is one.
func (m *Modem) Load(ctx context.Context) error {
	s, err := m.cache.Load(ctx, m.Addr())
	if errors.Is(err, linkdb.ErrNotCached) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading cached modem link table: %w", err)
	}
	m.mu.Lock()
	m.store = s
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// Refresh downloads the modem's link database. The modem keeps no delta,
// so without force a table that was already loaded is kept.
func (m *Modem) Refresh(ctx context.Context, force bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.refresh(ctx, force)
}

func (m *Modem) refresh(ctx context.Context, force bool) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded && !force {
		return nil
	}

	addr := m.Addr()
	fresh := linkdb.NewStore(addr)
	kind := insteon.KindGetFirst
	for off := linkdb.HighWater; ; off -= linkdb.RecordSize {
		res, err := m.sender.Send(ctx, insteon.ModemAddress, insteon.NewModemCommand(kind), plm.ModemRecord(kind))
		if err != nil {
			return &RefreshError{Addr: addr, Offset: off, Err: err}
		}
		reply, _ := res.Last()
		if reply.Kind == kind && reply.Ack == insteon.AckNak {
			break
		}
		if off < linkdb.LowWater+linkdb.RecordSize {
			return &RefreshError{Addr: addr, Offset: off, Err: linkdb.ErrTableFull}
		}

		flags := linkdb.ParseDbFlags(reply.RecordFlags)
		flags.InUse = true
		flags.Last = false
		rec := linkdb.Record{Offset: off, Flags: flags, Group: reply.LinkGroup, Addr: reply.From, Data: reply.Info}
		if err := fresh.Apply(rec); err != nil {
			return &RefreshError{Addr: addr, Offset: off, Err: err}
		}
		kind = insteon.KindGetNext
	}

	fresh.TakeDirty()
	if err := m.cache.Replace(ctx, fresh); err != nil {
		return fmt.Errorf("caching modem link table: %w", err)
	}
	m.mu.Lock()
	m.store = fresh
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info("modem link table downloaded", "records", fresh.Len())
	return nil
}

// AddLink adds or updates one record in the modem's database and mirrors
// it on the remote device when TwoWay is set.
func (m *Modem) AddLink(ctx context.Context, spec LinkSpec) error {
	if err := ValidateLinkSpec(m.Addr(), spec); err != nil {
		return err
	}

	m.opMu.Lock()
	err := m.addLocal(ctx, spec)
	m.opMu.Unlock()
	if err != nil || !spec.TwoWay {
		return err
	}

	return mirrorLink(m.Addr(), m.peers, opAddLink, spec, func(peer Node, ms LinkSpec) error {
		return peer.AddLink(ctx, ms)
	})
}

func (m *Modem) addLocal(ctx context.Context, spec LinkSpec) error {
	if err := m.refresh(ctx, false); err != nil {
		return err
	}
	store := m.Links()
	key := spec.Key()
	if cur, ok := store.Find(key); ok && cur.Data == spec.Data {
		return nil
	}

	if err := m.dbUpdate(ctx, addCode(key.Controller), key, spec.Data); err != nil {
		return err
	}

	plan, err := store.PlanAdd(key, spec.Data)
	if err != nil {
		return fmt.Errorf("planning %s on modem: %w", key, err)
	}
	for _, rec := range plan {
		if err := store.Apply(rec); err != nil {
			return fmt.Errorf("applying %s on modem: %w", key, err)
		}
	}
	if err := linkdb.Flush(ctx, m.cache, store); err != nil {
		return fmt.Errorf("caching modem link: %w", err)
	}
	m.logger.Info("modem link added", "link", key.String())
	return nil
}

// DeleteLink removes one record from the modem's database.
//
// The modem's delete command removes the first record matching address and
// group regardless of role, so every record sharing them is deleted and the
// ones that should stay are added back.
func (m *Modem) DeleteLink(ctx context.Context, spec LinkSpec) error {
	if err := ValidateLinkSpec(m.Addr(), spec); err != nil {
		return err
	}

	m.opMu.Lock()
	err := m.deleteLocal(ctx, spec)
	m.opMu.Unlock()
	if err != nil || !spec.TwoWay {
		return err
	}

	return mirrorLink(m.Addr(), m.peers, opDeleteLink, spec, func(peer Node, ms LinkSpec) error {
		return peer.DeleteLink(ctx, ms)
	})
}

func (m *Modem) deleteLocal(ctx context.Context, spec LinkSpec) error {
	if err := m.refresh(ctx, false); err != nil {
		return err
	}
	store := m.Links()
	key := spec.Key()
	target, ok := store.Find(key)
	if !ok {
		return fmt.Errorf("%w: %s on modem", ErrLinkNotFound, key)
	}

	var shared []linkdb.Record
	for _, r := range store.Records() {
		if r.Addr == target.Addr && r.Group == target.Group {
			shared = append(shared, r)
		}
	}

	for range shared {
		if err := m.dbUpdate(ctx, insteon.DbDelete, key, [3]byte{}); err != nil {
			m.invalidate()
			return err
		}
	}
	for _, r := range shared {
		if r.Key() == key {
			continue
		}
		if err := m.dbUpdate(ctx, addCode(r.Flags.Controller), r.Key(), r.Data); err != nil {
			m.invalidate()
			return err
		}
	}

	if _, err := store.MarkUnused(target.Offset); err != nil {
		return fmt.Errorf("updating modem table image: %w", err)
	}
	if err := linkdb.Flush(ctx, m.cache, store); err != nil {
		return fmt.Errorf("caching modem link: %w", err)
	}
	m.logger.Info("modem link deleted", "link", key.String())
	return nil
}

// TriggerScene sends a modem virtual scene. The modem reports completion
// once every responder was cleaned up. Modem scenes carry no level.
func (m *Modem) TriggerScene(ctx context.Context, group uint8, on bool, _ *uint8) error {
	cmd1 := insteon.CmdOff
	if on {
		cmd1 = insteon.CmdOn
	}
	_, err := m.sender.Send(ctx, insteon.ModemAddress, insteon.NewModemScene(group, cmd1, 0x00), plm.ModemScene())
	if err != nil {
		return fmt.Errorf("triggering modem group %d: %w", group, err)
	}
	return nil
}

func (m *Modem) dbUpdate(ctx context.Context, code byte, key linkdb.Key, data [3]byte) error {
	var flags byte
	if code != insteon.DbDelete {
		flags = linkdb.DbFlags{InUse: true, Controller: key.Controller}.Byte()
	}
	msg := insteon.NewModemDbUpdate(code, flags, key.Group, key.Addr, data)
	if _, err := m.sender.Send(ctx, insteon.ModemAddress, msg, plm.ModemDbAck()); err != nil {
		return fmt.Errorf("modem link update %s: %w", key, err)
	}
	return nil
}

// invalidate forces the next operation to re-read the modem's database.
func (m *Modem) invalidate() {
	m.mu.Lock()
	m.loaded = false
	m.mu.Unlock()
}

func addCode(controller bool) byte {
	if controller {
		return insteon.DbAddController
	}
	return insteon.DbAddResponder
}
