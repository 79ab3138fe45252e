package insteon

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nerrad567/insteon-bridge/internal/device"
	ins "github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/scenes"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", &ins.TimeoutError{Addr: lampAddr, Attempts: 3}, ErrCodeTimeout},
		{"deadline", fmt.Errorf("refresh: %w", context.DeadlineExceeded), ErrCodeTimeout},
		{"nak", &ins.NakError{Addr: lampAddr, Attempts: 1}, ErrCodeNak},
		{"link down", ins.ErrLinkDown, ErrCodeDisconnected},
		{"consistency", fmt.Errorf("write: %w", ins.ErrLinkConsistency), ErrCodeLinkConsistency},
		{"canceled", ins.ErrCanceled, ErrCodeCanceled},
		{"stopped", ErrStopped, ErrCodeCanceled},
		{"busy", ErrBusy, ErrCodeBusy},
		{"unknown command", ErrUnknownCommand, ErrCodeInvalidCommand},
		{"malformed", ErrMalformedCommand, ErrCodeInvalidCommand},
		{"not supported", device.ErrNotSupported, ErrCodeInvalidCommand},
		{"bad args", errors.Join(ErrInvalidArgs, errors.New("json")), ErrCodeInvalidParameters},
		{"bad link", device.ErrInvalidLink, ErrCodeInvalidParameters},
		{"missing link", device.ErrLinkNotFound, ErrCodeInvalidParameters},
		{"bad scene", scenes.ErrInvalidScene, ErrCodeInvalidParameters},
		{"unknown device", device.ErrDeviceNotFound, ErrCodeNotConfigured},
		{"no scenes file", scenes.ErrNoScenesFile, ErrCodeNotConfigured},
		{"scenes disabled", ErrScenesDisabled, ErrCodeNotConfigured},
		{"other", errors.New("boom"), ErrCodeBridgeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "c1", Command: CmdRefresh}

	ack := NewAckError(cmd, "lamp", &ins.TimeoutError{Addr: lampAddr, Op: "refresh", Attempts: 3})
	if ack.Status != AckTimeout || ack.Error.Attempts != 3 || ack.ID != "c1" || ack.Command != CmdRefresh {
		t.Errorf("timeout ack = %+v %+v", ack, ack.Error)
	}

	ack = NewAckError(cmd, "lamp", ins.ErrLinkDown)
	if ack.Status != AckFailed || ack.Error.Attempts != 0 {
		t.Errorf("link down ack = %+v %+v", ack, ack.Error)
	}
}

func TestNewStateMessage(t *testing.T) {
	tests := []struct {
		cmd1      byte
		wantOK    bool
		wantOn    bool
		wantLevel uint8
		wantName  string
	}{
		{ins.CmdOn, true, true, 0xff, "on"},
		{ins.CmdOnFast, true, true, 0xff, "fast_on"},
		{ins.CmdOff, true, false, 0, "off"},
		{ins.CmdOffFast, true, false, 0, "fast_off"},
		{0x17, false, false, 0, "0x17"},
	}

	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			msg, ok := NewStateMessage(padAddr, "keypad", 3, tt.cmd1)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if msg.Command != tt.wantName || msg.Address != "aa.bb.cc" || msg.Group != 3 {
				t.Errorf("msg = %+v", msg)
			}
			if !ok {
				return
			}
			if msg.On != tt.wantOn || msg.Level == nil || *msg.Level != tt.wantLevel {
				t.Errorf("On = %v Level = %v", msg.On, msg.Level)
			}
		})
	}
}

func TestNewLinkRecords(t *testing.T) {
	recs := []linkdb.Record{
		{Offset: 0x0fff, Flags: linkdb.DbFlags{InUse: true, Controller: true}, Group: 1, Addr: lampAddr, Data: [3]byte{3, 0, 1}},
		{Offset: 0x0ff7, Flags: linkdb.DbFlags{InUse: true}, Group: 5, Addr: modemAddr, Data: [3]byte{0xff, 0x1f, 1}},
	}

	got := NewLinkRecords(recs)

	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Offset != "0fff" || !got[0].Controller || got[0].Address != "11.22.33" {
		t.Errorf("record 0 = %+v", got[0])
	}
	if got[1].Offset != "0ff7" || got[1].Controller || got[1].Group != 5 || got[1].Data[1] != 0x1f {
		t.Errorf("record 1 = %+v", got[1])
	}
}

func TestNewSyncResults(t *testing.T) {
	link := scenes.Link{Key: linkdb.Key{Addr: padAddr, Group: 1, Controller: true}, Data: [3]byte{3, 0, 1}}
	reports := []scenes.Report{{
		Addr:    lampAddr,
		DryRun:  true,
		Added:   []scenes.Link{link},
		Deleted: []linkdb.Record{{Flags: linkdb.DbFlags{InUse: true}, Group: 9, Addr: modemAddr}},
		Failed:  []scenes.Failure{{Op: "add", Link: link, Err: ins.ErrLinkDown}},
	}}

	got := NewSyncResults(reports)

	if len(got) != 1 || got[0].Address != "11.22.33" || !got[0].DryRun {
		t.Fatalf("results = %+v", got)
	}
	if len(got[0].Added) != 1 || got[0].Added[0] != link.String() {
		t.Errorf("Added = %v", got[0].Added)
	}
	if len(got[0].Deleted) != 1 || got[0].Deleted[0] != (linkdb.Key{Addr: modemAddr, Group: 9}).String() {
		t.Errorf("Deleted = %v", got[0].Deleted)
	}
	if len(got[0].Failed) != 1 {
		t.Errorf("Failed = %v", got[0].Failed)
	}
}
