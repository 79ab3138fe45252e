package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the first topic level when none is configured.
const DefaultTopicPrefix = "insteon"

// ModemTarget is the address segment used for the modem in command topics.
const ModemTarget = "modem"

// Topics builds the bridge's MQTT topics under one prefix.
//
// The hierarchy is flat:
//
//	{prefix}/command/{addr}        commands for a device (or "modem")
//	{prefix}/ack/{addr}            command acknowledgements
//	{prefix}/state/{addr}/{group}  retained group state from broadcasts
//	{prefix}/modem/command         modem-level commands (sync, import, scenes)
//	{prefix}/health                retained bridge health
//	{prefix}/status                retained online/offline, also the LWT
//
// Addresses use the dotted lower-case form, e.g. 1a.2b.3c.
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix, trimming any trailing slash.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

// Command returns the command topic for a device.
//
// Example: insteon/command/1a.2b.3c
func (t Topics) Command(addr string) string {
	return fmt.Sprintf("%s/command/%s", t.Prefix, addr)
}

// Ack returns the acknowledgement topic for a device.
//
// Example: insteon/ack/1a.2b.3c
func (t Topics) Ack(addr string) string {
	return fmt.Sprintf("%s/ack/%s", t.Prefix, addr)
}

// State returns the retained state topic for one group of a device.
//
// Example: insteon/state/1a.2b.3c/1
func (t Topics) State(addr string, group int) string {
	return fmt.Sprintf("%s/state/%s/%d", t.Prefix, addr, group)
}

// ModemCommand returns the topic for modem-level commands.
//
// Example: insteon/modem/command
func (t Topics) ModemCommand() string {
	return t.Prefix + "/modem/command"
}

// Health returns the bridge health topic.
func (t Topics) Health() string {
	return t.Prefix + "/health"
}

// Status returns the connection status topic carrying the LWT.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// AllCommands returns a pattern matching every device command topic.
//
// Pattern: insteon/command/+
func (t Topics) AllCommands() string {
	return t.Prefix + "/command/+"
}

// ParseCommand extracts the target from a command topic. It accepts
// {prefix}/command/{target} and {prefix}/modem/command (target "modem").
func (t Topics) ParseCommand(topic string) (target string, ok bool) {
	if topic == t.ModemCommand() {
		return ModemTarget, true
	}
	rest, found := strings.CutPrefix(topic, t.Prefix+"/command/")
	if !found || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
