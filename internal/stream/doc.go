// Package stream implements the virtual card: substreams with their
// open/configure/prepare/run state machine, the clock-driven tick that advances
// each position one period at a time, period-elapsed sinks, and the manager
// that registers substreams and reaps idle ones.
package stream
