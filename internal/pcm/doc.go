// Package pcm models the buffer side of a virtual PCM device: sample formats,
// the codec's hardware capabilities, negotiated parameters, the circular
// position tracker advanced by the software clock, and the managed DMA area.
package pcm
