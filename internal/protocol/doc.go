// Package protocol implements the binary control protocol of the card: the
// 8-byte TLV header, request payloads for the substream operations, and the
// RESPONSE and PERIOD_ELAPSED packets sent back to clients.
package protocol
