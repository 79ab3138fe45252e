// Package linkdb models Insteon all-link tables.
//
// A device's link table is a block of memory that starts at HighWater and
// grows downward in RecordSize steps. Each slot holds one Record: a link to
// another address in a given group, in the controller or responder role,
// with three device-specific data bytes. The table ends at a sentinel
// record whose "more records" bit is clear.
//
// Store mirrors that memory locally. Edits are planned against the Store
// (PlanAdd, PlanDelete), written to the device one record at a time, and
// applied back to the Store only after the device acknowledges each write.
// A Cache persists the result so a restart does not force a full download.
package linkdb
