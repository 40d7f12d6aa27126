// Package workerpool provides the bounded pool shared by every connection.
//
// Connection establishment, accept loops, reader, writer and invoker tasks
// all run here. Submission past Size running plus QueueDepth waiting tasks
// fails fast with ErrRejected.
package workerpool
