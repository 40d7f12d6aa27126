// Package frame implements the length-delimited wire format.
//
// A frame is a text header terminated by a single '\n' byte followed by
// exactly length payload bytes:
//
//	length=5\nhello
//
// The header is a ';' separated list of key=value pairs. Only "length" is
// interpreted; it must be a positive decimal count of payload bytes.
package frame
