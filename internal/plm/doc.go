// Package plm drives an Insteon PowerLinc modem.
//
// It has two halves:
//
//   - Link owns the byte stream (serial port, TCP hub or a serial-to-websocket
//     bridge), decodes frames and reconnects with exponential backoff when the
//     stream fails.
//   - Engine owns the protocol. It queues outbound messages per destination,
//     matches replies to the message in flight, retries on timeout or
//     transient NAK, adapts hop counts, holds sends for sleeping battery
//     devices, and routes unsolicited frames to subscribers.
//
// Wiring:
//
//	link, err := plm.OpenLink(ctx, cfg.Modem, nil, insteon.DecodeOptions{})
//	eng := plm.NewEngine(plm.EngineOptions{Writer: link, Logger: log})
//	link.SetOnFrame(eng.HandleFrame)
//	link.SetOnState(eng.SetLinkUp)
//	go eng.Run(ctx)
//
//	res, err := eng.Send(ctx, addr, insteon.NewDirect(addr, insteon.CmdOn, 0xff),
//	    plm.DirectAck(insteon.CmdOn))
//
// Every send resolves exactly once with success, *insteon.NakError,
// *insteon.TimeoutError, *insteon.LinkDownError or insteon.ErrCanceled.
package plm
