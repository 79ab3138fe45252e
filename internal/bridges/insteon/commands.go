package insteon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/mqtt"
	ins "github.com/nerrad567/insteon-bridge/internal/insteon"
)

type refreshArgs struct {
	Force bool `json:"force"`
}

type linkArgs struct {
	Group       *uint8   `json:"group"`
	Remote      string   `json:"remote"`
	RemoteGroup *uint8   `json:"remote_group"`
	Controller  bool     `json:"controller"`
	Data        *[3]byte `json:"data"`
	RemoteData  *[3]byte `json:"remote_data"`
	TwoWay      *bool    `json:"two_way"`
}

type sceneArgs struct {
	Group *uint8 `json:"group"`
	Scene string `json:"scene"`
	On    *bool  `json:"on"`
	Level *uint8 `json:"level"`
}

type syncArgs struct {
	DryRun  bool  `json:"dry_run"`
	Refresh *bool `json:"refresh"`
}

// engineQuerier is implemented by nodes that can report their engine.
type engineQuerier interface {
	GetEngine(ctx context.Context) (ins.EngineVersion, error)
}

// executeCommand runs cmd against target and returns the acknowledgment
// result.
func (b *Bridge) executeCommand(ctx context.Context, target string, cmd CommandMessage) (any, error) {
	switch cmd.Command {
	case CmdSync:
		return b.cmdSync(ctx, target, cmd.Args)
	case CmdImportScenes:
		return b.cmdImportScenes(ctx, cmd.Args)
	case CmdTriggerScene:
		return b.cmdTriggerScene(ctx, target, cmd.Args)
	}

	node, err := b.registry.Resolve(target)
	if err != nil {
		return nil, err
	}

	switch cmd.Command {
	case CmdRefresh:
		var args refreshArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		if err := node.Refresh(ctx, args.Force); err != nil {
			return nil, err
		}
		return map[string]any{"records": len(node.Links().Records())}, nil

	case CmdAddLink:
		spec, err := b.linkSpec(cmd.Args)
		if err != nil {
			return nil, err
		}
		return nil, node.AddLink(ctx, spec)

	case CmdDeleteLink:
		spec, err := b.linkSpec(cmd.Args)
		if err != nil {
			return nil, err
		}
		return nil, node.DeleteLink(ctx, spec)

	case CmdDbDump:
		if err := decodeArgs(cmd.Args, &struct{}{}); err != nil {
			return nil, err
		}
		return NewLinkRecords(node.Links().Records()), nil

	case CmdGetEngine:
		q, ok := node.(engineQuerier)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no engine version", device.ErrNotSupported, node.Name())
		}
		engine, err := q.GetEngine(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"engine": engine.String()}, nil

	case CmdMarkAwake:
		b.engine.MarkAwake(node.Addr())
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
}

// linkSpec decodes add_link and delete_link arguments. Group defaults to
// 1, the remote group to the local group, and links are two-way unless
// two_way is false.
func (b *Bridge) linkSpec(raw json.RawMessage) (device.LinkSpec, error) {
	var args linkArgs
	if err := decodeArgs(raw, &args); err != nil {
		return device.LinkSpec{}, err
	}
	if args.Remote == "" {
		return device.LinkSpec{}, fmt.Errorf("%w: remote is required", ErrInvalidArgs)
	}
	remote, err := b.resolveAddr(args.Remote)
	if err != nil {
		return device.LinkSpec{}, err
	}

	spec := device.LinkSpec{
		Group:      1,
		Remote:     remote,
		Controller: args.Controller,
		TwoWay:     true,
	}
	if args.Group != nil {
		spec.Group = *args.Group
	}
	spec.RemoteGroup = spec.Group
	if args.RemoteGroup != nil {
		spec.RemoteGroup = *args.RemoteGroup
	}
	if args.TwoWay != nil {
		spec.TwoWay = *args.TwoWay
	}

	spec.Data = device.DefaultData(spec.Controller, spec.Group)
	if args.Data != nil {
		spec.Data = *args.Data
	}
	spec.RemoteData = device.DefaultData(!spec.Controller, spec.RemoteGroup)
	if args.RemoteData != nil {
		spec.RemoteData = *args.RemoteData
	}
	return spec, nil
}

// resolveAddr turns a device name or address into an address. Addresses
// of devices the bridge does not manage are accepted.
func (b *Bridge) resolveAddr(s string) (ins.Address, error) {
	if n, err := b.registry.Resolve(s); err == nil {
		return n.Addr(), nil
	}
	addr, err := ins.ParseAddress(s)
	if err != nil {
		return ins.Address{}, fmt.Errorf("%w: unknown device %q", ErrInvalidArgs, s)
	}
	return addr, nil
}

// cmdTriggerScene fires a group on the target. A named scene always runs
// on the modem, using the group assigned to it in the scenes file.
func (b *Bridge) cmdTriggerScene(ctx context.Context, target string, raw json.RawMessage) (any, error) {
	var args sceneArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	group := uint8(1)
	if args.Group != nil {
		group = *args.Group
	}
	if args.Scene != "" {
		if b.scenes == nil {
			return nil, ErrScenesDisabled
		}
		g, ok := b.scenes.ModemScene(args.Scene)
		if !ok {
			return nil, fmt.Errorf("%w: unknown scene %q", ErrInvalidArgs, args.Scene)
		}
		group = g
		target = mqtt.ModemTarget
	}
	on := args.On == nil || *args.On

	node, err := b.registry.Resolve(target)
	if err != nil {
		return nil, err
	}
	if err := node.TriggerScene(ctx, group, on, args.Level); err != nil {
		return nil, err
	}
	return map[string]any{"group": group, "on": on}, nil
}

// cmdSync reconciles the target, or every node for "all", with the scenes
// file. Per-node results are returned even when some nodes failed.
func (b *Bridge) cmdSync(ctx context.Context, target string, raw json.RawMessage) (any, error) {
	if b.scenes == nil {
		return nil, ErrScenesDisabled
	}
	var args syncArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	var nodes []device.Node
	if target != TargetAll {
		node, err := b.registry.Resolve(target)
		if err != nil {
			return nil, err
		}
		nodes = []device.Node{node}
	}

	reports, err := b.scenes.Sync(ctx, nodes, args.DryRun, args.Refresh == nil || *args.Refresh)
	if b.recorder != nil {
		for _, r := range reports {
			b.recorder.WriteSync(r.Addr.String(), len(r.Added), len(r.Deleted), len(r.Failed), r.DryRun)
		}
	}
	if reports == nil {
		return nil, err
	}
	return NewSyncResults(reports), err
}

// cmdImportScenes merges the live link tables into the scenes file.
func (b *Bridge) cmdImportScenes(ctx context.Context, raw json.RawMessage) (any, error) {
	if b.scenes == nil {
		return nil, ErrScenesDisabled
	}
	var args syncArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	descs, err := b.scenes.Import(ctx, args.DryRun, args.Refresh == nil || *args.Refresh)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dry_run": args.DryRun, "scenes": descs}, nil
}

// decodeArgs decodes command arguments into v. Missing arguments leave v
// at its zero value; unknown fields are rejected.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrInvalidArgs, err)
	}
	return nil
}
