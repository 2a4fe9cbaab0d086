package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

const lengthPrefixSize = 4

// DefaultMaxMessageSize bounds both outgoing payloads and declared incoming
// lengths. 100 MiB.
const DefaultMaxMessageSize uint32 = 100 * 1024 * 1024

var (
	// ErrMessageTooLarge is returned for payloads over the size limit, on
	// send before any bytes hit the wire, on receive before the body is read.
	ErrMessageTooLarge = errors.New("protocol: message exceeds maximum size")

	// ErrUnknownType is returned for well-formed JSON with a missing or
	// unrecognized type discriminator.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Codec frames messages over a byte stream. It holds no buffering of its
// own; a Codec is as concurrency-safe as the stream beneath it, which for
// net.Conn means one sender and one receiver at a time.
type Codec struct {
	rw      io.ReadWriter
	maxSize uint32
}

// NewCodec wraps rw with the default message size limit.
func NewCodec(rw io.ReadWriter) *Codec {
	return NewCodecSize(rw, DefaultMaxMessageSize)
}

// NewCodecSize wraps rw with an explicit message size limit.
func NewCodecSize(rw io.ReadWriter, maxSize uint32) *Codec {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Codec{rw: rw, maxSize: maxSize}
}

// Send marshals msg and writes it as a single length-prefixed frame.
func (c *Codec) Send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if uint64(len(payload)) > uint64(c.maxSize) {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)
	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads one complete frame and decodes it. Short reads are
// reassembled; a stream that ends mid-frame yields io.ErrUnexpectedEOF. A
// declared length over the limit fails before any body bytes are read.
func (c *Codec) Receive() (Message, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.rw, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > c.maxSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrMessageTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return Decode(payload)
}

// IsDisconnect reports whether err is an ordinary peer-gone condition
// rather than a protocol failure worth reporting.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
