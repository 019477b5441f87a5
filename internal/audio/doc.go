// Package audio holds the data path of the virtual card: the loopback pipe that
// turns consumed playback periods into produced capture periods, and WAV
// encoding for snapshots of a substream's DMA area.
package audio
