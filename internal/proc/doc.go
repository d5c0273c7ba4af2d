// Package proc starts subprocesses in their own process group and stops them
// with a graceful signal followed by a forced kill once a grace window ends.
//
// Signals go to the whole group, so helpers a process forked are cleaned up
// with it.
package proc
