package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

const (
	// HeaderTerminator ends the text header of every frame.
	HeaderTerminator = '\n'

	// DefaultMaxPayload bounds the payload a peer may announce in a header.
	DefaultMaxPayload = 16 << 20

	// MaxHeaderSize bounds the header bytes read before the terminator.
	MaxHeaderSize = 4 << 10

	lengthKey = "length"

	// Consecutive (0, nil) reads tolerated before giving up, as in bufio.
	maxEmptyReads = 100
)

// ProtocolError reports a malformed or empty frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Reasons carried by ProtocolError.
const (
	ReasonBadHeader  = "failed to parse protocol header"
	ReasonEmpty      = "empty content"
	ReasonTooLarge   = "frame too large"
	ReasonLongHeader = "header too long"
)

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

var buffers bytebufferpool.Pool

// Encode appends the frame for payload to dst.
func Encode(dst, payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return dst, &ProtocolError{Reason: ReasonEmpty}
	}
	dst = append(dst, lengthKey...)
	dst = append(dst, '=')
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, HeaderTerminator)
	return append(dst, payload...), nil
}

// Write writes payload as a single frame with one call to w.Write so that
// header and payload reach the endpoint together.
func Write(w io.Writer, payload []byte) error {
	buf := buffers.Get()
	defer buffers.Put(buf)

	b, err := Encode(buf.B[:0], payload)
	if err != nil {
		return err
	}
	buf.B = b

	if _, err := w.Write(buf.B); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reader decodes frames from a byte stream.
type Reader struct {
	r          io.Reader
	maxPayload int
	one        [1]byte
	header     bytes.Buffer
}

// NewReader returns a Reader. maxPayload <= 0 selects DefaultMaxPayload.
func NewReader(r io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// Read returns the payload of the next frame.
func (fr *Reader) Read() ([]byte, error) {
	header, err := fr.readHeader()
	if err != nil {
		return nil, err
	}

	length, err := ParseLength(header)
	if err != nil {
		return nil, err
	}
	if length > fr.maxPayload {
		return nil, &ProtocolError{Reason: ReasonTooLarge}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}

// readHeader reads byte by byte up to the terminator, which is consumed.
func (fr *Reader) readHeader() (string, error) {
	fr.header.Reset()
	empty := 0
	for {
		n, err := fr.r.Read(fr.one[:])
		if n == 1 {
			empty = 0
			if fr.one[0] == HeaderTerminator {
				return fr.header.String(), nil
			}
			if fr.header.Len() >= MaxHeaderSize {
				return "", &ProtocolError{Reason: ReasonLongHeader}
			}
			fr.header.WriteByte(fr.one[0])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && fr.header.Len() > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("read header: %w", err)
		}
		if empty++; empty >= maxEmptyReads {
			return "", fmt.Errorf("read header: %w", io.ErrNoProgress)
		}
	}
}

// ParseHeader splits a header into its key/value pairs. Pairs that do not
// contain exactly one '=' are skipped.
func ParseHeader(header string) map[string]string {
	params := make(map[string]string)
	for _, kv := range strings.Split(header, ";") {
		parts := strings.Split(kv, "=")
		if len(parts) != 2 {
			continue
		}
		params[parts[0]] = parts[1]
	}
	return params
}

// ParseLength extracts the payload length announced by header.
func ParseLength(header string) (int, error) {
	v, ok := ParseHeader(header)[lengthKey]
	if !ok {
		return 0, &ProtocolError{Reason: ReasonBadHeader}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ProtocolError{Reason: ReasonBadHeader}
	}
	if n < 1 {
		return 0, &ProtocolError{Reason: ReasonEmpty}
	}
	return n, nil
}
