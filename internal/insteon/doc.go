// Package insteon implements the Insteon modem wire format.
//
// The PLM/Hub modem exposes the network as an unframed byte stream. Every
// frame starts with 0x02 followed by a message code; the code decides the
// frame length (and, for 0x62, the extended flag does). This package turns
// that stream into immutable Message values and back.
//
// # Architecture
//
//	┌──────────────┐  bytes  ┌──────────────┐ Message ┌──────────────┐
//	│ modem link   │────────►│   Decoder    │────────►│  dispatcher  │
//	│ (serial/tcp) │◄────────│   Encode     │◄────────│  send queue  │
//	└──────────────┘         └──────────────┘         └──────────────┘
//
// # Resynchronisation
//
// Noise and partial frames are normal on the link. The decoder never
// aborts: a bad byte, unknown code, bad echo trailer or checksum failure is
// reported as a *FrameError and exactly one byte is dropped before trying
// again.
//
// # Checksums
//
// Extended commands protect their payload with one of two schemes chosen
// by the target's engine version: the legacy XOR scheme (I1) or the newer
// rolling-sum scheme (I2, I2CS, and any device whose engine is not yet
// known). Thermostat style commands use a separate 2-byte CRC.
//
// # Addresses
//
// Devices are identified by 3-byte addresses written "aa.bb.cc":
//
//	addr, err := insteon.ParseAddress("3a.29.84")
//	if err != nil {
//	    return err
//	}
//	msg := insteon.NewDirect(addr, insteon.CmdOn, 0xff)
package insteon
