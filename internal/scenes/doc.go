// Package scenes reconciles declared controller/responder scenes with the
// link tables held by the devices and the modem.
//
// A scene names one or more controllers and one or more responders. Every
// controller holds a controller record per responder and every responder a
// responder record per controller, all keyed by the controller's group.
//
// # Pipeline
//
//	scenes.yaml ──LoadFile──▶ []Descriptor
//	                               │
//	          node.Refresh ──▶ Diff(descs, node, live, modem) ──▶ Plan
//	                                                               │
//	                                   Apply(plan, node, dryRun) ◀─┘
//	                                   deletes first, then adds
//
// ImportFromLive runs the other way: records found on the network that no
// scene accounts for are folded into the declaration, and Compress merges
// the result into a readable form.
//
// # Bootstrap Links
//
// Pairing a device with the modem creates links that carry its state
// reports and let the modem command it. Diff never adds or deletes them,
// and ImportFromLive never imports them. See Bootstrap.
//
// # Usage
//
//	syncer := scenes.NewSyncer(scenes.SyncerOptions{Network: reg, Path: "scenes.yaml", Logger: log})
//	reports, err := syncer.Sync(ctx, nil, true, true) // dry run across all nodes
package scenes
