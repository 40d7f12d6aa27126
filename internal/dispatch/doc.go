// Package dispatch implements the Dispatch Queue component.
//
// The Dispatch Queue:
//   - Holds pending callback invocations in one FIFO shared by all connections
//   - Decouples connection I/O goroutines from slow application callbacks
//   - Lets invoker workers block while empty instead of polling
package dispatch
