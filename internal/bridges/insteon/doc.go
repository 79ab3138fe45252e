// Package insteon connects the Insteon network to MQTT.
//
// The bridge sits between the message bus and the device layer:
//
//	┌─────────────────┐          ┌─────────────────┐          ┌──────────┐
//	│   Controllers   │   MQTT   │  Insteon Bridge │   PLM    │ Insteon  │
//	│ (HA, scripts..) │◄────────►│   (this pkg)    │◄────────►│ devices  │
//	└─────────────────┘          └─────────────────┘          └──────────┘
//
// # Key Responsibilities
//
//   - Accept commands on {prefix}/command/{device} and {prefix}/modem/command
//   - Run them on a bounded worker pool and acknowledge on {prefix}/ack/{device}
//   - Relay group broadcasts as retained {prefix}/state/{device}/{group} messages
//   - Publish bridge health on {prefix}/health
//
// # Commands
//
// A command is a JSON object naming the operation and its arguments:
//
//	{"id": "42", "command": "add_link", "args": {"group": 1, "remote": "hall", "controller": true}}
//
// The device in the topic may be an address (any common notation) or a
// configured name. Supported commands are refresh, add_link, delete_link,
// trigger_scene, sync, import_scenes, db_dump, get_engine and mark_awake.
//
// Exactly one acknowledgment is published per command, after it resolves.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package insteon
