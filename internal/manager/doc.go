// Package manager implements the Connection Manager.
//
// The Manager:
//   - Establishes client connections and runs server accept loops on one bounded worker pool
//   - Runs a reader and a heartbeat writer for every live connection
//   - Funnels connection events into one FIFO dispatch queue
//   - Delivers queued events to observers from invoker workers
//
// A connection stays registered from its successful establishment until its
// reader exits, at which point it is closed and reported as disconnected.
package manager
