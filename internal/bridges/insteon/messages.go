package insteon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/device"
	ins "github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/scenes"
)

// BridgeID identifies this bridge in health messages.
const BridgeID = "insteon"

// Command names accepted on the command topics.
const (
	CmdRefresh      = "refresh"
	CmdAddLink      = "add_link"
	CmdDeleteLink   = "delete_link"
	CmdTriggerScene = "trigger_scene"
	CmdSync         = "sync"
	CmdImportScenes = "import_scenes"
	CmdDbDump       = "db_dump"
	CmdGetEngine    = "get_engine"
	CmdMarkAwake    = "mark_awake"
)

// TargetAll addresses every node. Only sync accepts it.
const TargetAll = "all"

// CommandMessage is received on a command topic.
// Topic: {prefix}/command/{device} or {prefix}/modem/command
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. A UUID is
	// assigned when the sender leaves it empty.
	ID string `json:"id"`

	// Command is the operation name (e.g. "refresh", "add_link").
	Command string `json:"command"`

	// Address optionally repeats the target. The topic wins when both are
	// present.
	Address string `json:"address,omitempty"`

	// Args holds command-specific arguments, decoded per command.
	Args json.RawMessage `json:"args,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command completed.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates a device did not answer within the retry budget.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is published once per command after it resolves.
// Topic: {prefix}/ack/{device}
type AckMessage struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
	Result    any       `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "TIMEOUT", "NAK").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Attempts is the number of transmissions made, when known.
	Attempts int `json:"attempts,omitempty"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNak               = "NAK"
	ErrCodeDisconnected      = "MODEM_DISCONNECTED"
	ErrCodeLinkConsistency   = "LINK_CONSISTENCY"
	ErrCodeCanceled          = "CANCELED"
	ErrCodeBusy              = "BUSY"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// NewAckMessage creates a successful acknowledgment.
func NewAckMessage(cmd CommandMessage, address string, result any) AckMessage {
	return AckMessage{
		ID:        cmd.ID,
		Address:   address,
		Command:   cmd.Command,
		Status:    AckAccepted,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
}

// NewAckError creates a failed acknowledgment from err.
func NewAckError(cmd CommandMessage, address string, err error) AckMessage {
	code := ErrorCode(err)
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		ID:      cmd.ID,
		Address: address,
		Command: cmd.Command,
		Status:  status,
		Error: &AckError{
			Code:     code,
			Message:  err.Error(),
			Attempts: ins.Attempts(err),
		},
		Timestamp: time.Now().UTC(),
	}
}

// ErrorCode maps err to the code reported in an acknowledgment.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ins.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ins.ErrNak):
		return ErrCodeNak
	case errors.Is(err, ins.ErrLinkDown):
		return ErrCodeDisconnected
	case errors.Is(err, ins.ErrLinkConsistency):
		return ErrCodeLinkConsistency
	case errors.Is(err, ins.ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, ErrStopped):
		return ErrCodeCanceled
	case errors.Is(err, ErrBusy):
		return ErrCodeBusy
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrMalformedCommand),
		errors.Is(err, device.ErrNotSupported):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidArgs), errors.Is(err, ins.ErrInvalidAddress),
		errors.Is(err, device.ErrInvalidLink), errors.Is(err, device.ErrLinkNotFound),
		errors.Is(err, scenes.ErrInvalidScene):
		return ErrCodeInvalidParameters
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, scenes.ErrUnknownDevice),
		errors.Is(err, scenes.ErrNoScenesFile), errors.Is(err, ErrScenesDisabled):
		return ErrCodeNotConfigured
	default:
		return ErrCodeBridgeError
	}
}

// StateMessage is published for every group broadcast a device sends.
// Topic: {prefix}/state/{device}/{group}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Group     uint8     `json:"group"`
	Command   string    `json:"command"`
	On        bool      `json:"on"`
	Level     *uint8    `json:"level,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStateMessage converts a group broadcast from a node into a state
// message. It returns false for commands that carry no state.
func NewStateMessage(addr ins.Address, name string, group uint8, cmd1 byte) (StateMessage, bool) {
	msg := StateMessage{
		Address:   addr.String(),
		Name:      name,
		Group:     group,
		Command:   CommandName(cmd1),
		Timestamp: time.Now().UTC(),
	}
	var level uint8
	switch cmd1 {
	case ins.CmdOn, ins.CmdOnFast:
		msg.On = true
		level = 0xff
	case ins.CmdOff, ins.CmdOffFast:
		level = 0x00
	default:
		return msg, false
	}
	msg.Level = &level
	return msg, true
}

// CommandName returns the name of a broadcast command byte.
func CommandName(cmd1 byte) string {
	switch cmd1 {
	case ins.CmdOn:
		return "on"
	case ins.CmdOnFast:
		return "fast_on"
	case ins.CmdOff:
		return "off"
	case ins.CmdOffFast:
		return "fast_off"
	default:
		return fmt.Sprintf("0x%02x", cmd1)
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: {prefix}/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Site           string            `json:"site,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version,omitempty"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Modem          *ModemStatus      `json:"modem,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ModemStatus describes the serial link to the modem.
type ModemStatus struct {
	// Status is "connected" or "disconnected".
	Status string `json:"status"`

	// QueueDepth is the number of sends queued or in flight.
	QueueDepth int `json:"queue_depth"`
}

// BridgeStatistics contains send engine counters.
type BridgeStatistics struct {
	Sent       uint64 `json:"sent"`
	Retries    uint64 `json:"retries"`
	Naks       uint64 `json:"naks"`
	Timeouts   uint64 `json:"timeouts"`
	Failed     uint64 `json:"failed"`
	FramesRx   uint64 `json:"frames_received"`
	Duplicates uint64 `json:"duplicates"`
}

// NewLWTMessage creates the Last Will and Testament health message.
func NewLWTMessage(site string) HealthMessage {
	return HealthMessage{
		Bridge:    BridgeID,
		Site:      site,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// LinkRecord is one link table entry in a db_dump result.
type LinkRecord struct {
	Offset     string `json:"offset"`
	Address    string `json:"address"`
	Group      uint8  `json:"group"`
	Controller bool   `json:"controller"`
	Data       []int  `json:"data"`
}

// NewLinkRecords converts in-use records for publishing.
func NewLinkRecords(recs []linkdb.Record) []LinkRecord {
	out := make([]LinkRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, LinkRecord{
			Offset:     fmt.Sprintf("%04x", r.Offset),
			Address:    r.Addr.String(),
			Group:      r.Group,
			Controller: r.Flags.Controller,
			Data:       []int{int(r.Data[0]), int(r.Data[1]), int(r.Data[2])},
		})
	}
	return out
}

// SyncResult summarises the scene sync of one node.
type SyncResult struct {
	Address string   `json:"address"`
	DryRun  bool     `json:"dry_run"`
	Added   []string `json:"added,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// NewSyncResults converts sync reports for publishing.
func NewSyncResults(reports []scenes.Report) []SyncResult {
	out := make([]SyncResult, 0, len(reports))
	for _, r := range reports {
		res := SyncResult{Address: r.Addr.String(), DryRun: r.DryRun}
		for _, l := range r.Added {
			res.Added = append(res.Added, l.String())
		}
		for _, rec := range r.Deleted {
			res.Deleted = append(res.Deleted, rec.Key().String())
		}
		for _, f := range r.Failed {
			res.Failed = append(res.Failed, fmt.Sprintf("%s %s: %v", f.Op, f.Link, f.Err))
		}
		out = append(out, res)
	}
	return out
}
