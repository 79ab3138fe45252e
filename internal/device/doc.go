// Package device models the nodes of an Insteon network: devices with a
// paged link table and the modem with its own link database.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                          Registry                            │
//	│   address/name → Node     repository merge     engine hints  │
//	└───────────────┬──────────────────────────────┬───────────────┘
//	                │                              │
//	      ┌─────────▼─────────┐          ┌─────────▼─────────┐
//	      │      Device       │          │       Modem       │
//	      │ 0x19 delta check  │          │ 0x69/0x6A reads   │
//	      │ 0x2F read/write   │          │ 0x6F add/delete   │
//	      │ 0x30 scenes       │          │ 0x61 scenes       │
//	      └─────────┬─────────┘          └─────────┬─────────┘
//	                │        Sender (plm.Engine)   │
//	                └──────────────┬───────────────┘
//	                               ▼
//	                 linkdb.Store image + linkdb.Cache
//
// # Link Tables
//
// Each node keeps a linkdb.Store image of its table. A write is applied to
// the image and the cache only after the node acknowledged it, so the cache
// never claims more than the node holds. Before any write the device's delta
// is checked; a mismatch triggers a full download and the write is planned
// again against the fresh table.
//
// # Two-way Links
//
// LinkSpec.TwoWay writes the mirrored record on the remote node, resolved
// through the Registry. A failed mirror leaves the local record in place and
// returns *insteon.LinkConsistencyError.
//
// # Usage
//
//	reg := device.NewRegistry(device.RegistryOptions{Sender: eng, Cache: cache, Engine: eng})
//	reg.SetModem(device.Info{})
//	dev, _ := reg.Add(ctx, device.Info{Address: addr, Name: "porch"})
//	_ = dev.Refresh(ctx, false)
//	_ = dev.AddLink(ctx, device.LinkSpec{Group: 1, Remote: other, RemoteGroup: 1,
//		Controller: true, Data: device.DefaultData(true, 1), TwoWay: true})
package device
