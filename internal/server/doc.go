// Package server exposes the virtual card over the network: a UDP control
// server speaking the TLV protocol of package protocol, and an HTTP API for
// monitoring with Prometheus metrics, WAV snapshots of DMA areas and a
// websocket stream of period events.
package server
