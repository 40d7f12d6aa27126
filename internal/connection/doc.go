// Package connection implements the Framed Connection and its factories.
//
// A Conn:
//   - Owns one byte-stream endpoint (TCP socket or WebSocket)
//   - Frames messages as "length=<n>\n" + payload
//   - Serializes writes and tracks the last write time under one lock
//   - Sends heartbeats while idle and suppresses received heartbeats
//
// Client and WSClient dial out; Server and WSServer accept a bounded number
// of inbound connections.
package connection
