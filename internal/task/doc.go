// Package task defines the unit of work dispatched by the supervisor and the
// worker body that runs inside each spawned process or goroutine.
//
// A WorkUnit is created by the supervisor immediately before spawning and is
// passed by value: the worker never sees supervisor memory, and nothing the
// worker does is visible to the supervisor except its TerminalStatus.
//
// Exit codes travel through a byte-wide channel (the process exit status), so
// every code is truncated into 0-255 before it becomes part of a status.
package task
