// Package clock provides the one-shot, rearmable timers that stand in for a
// sound card's DMA interrupt. Cancellation is synchronous: once Disarm returns,
// the callback bound to the handle is guaranteed not to be running and will
// never run again.
package clock
