// Package pruner removes fabric entities that have stopped reporting.
// It runs as a periodic background sweep over a state snapshot, so a slow
// tick never blocks readers, and each removal is an ordinary store
// mutation published on the bus like any other.
package pruner
