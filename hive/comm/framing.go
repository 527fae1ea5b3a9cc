package comm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds the encoded payload of a single frame.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize in either
// direction.
var ErrFrameTooLarge = errors.New("comm: frame exceeds size limit")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes a message with the protocol's deterministic encoding.
func Marshal(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(&m)
}

// Unmarshal decodes a message and validates the envelope.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("comm: decode frame: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Conn frames messages over a bidirectional stream. Each frame is a u32
// little-endian payload length followed by the CBOR payload. Send and Recv
// are each safe for one concurrent caller.
type Conn struct {
	sendMu sync.Mutex
	recvMu sync.Mutex
	rw     io.ReadWriter
}

// NewConn wraps a stream transport. The caller keeps ownership of the
// underlying socket and closes it.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// Send writes one frame.
func (c *Conn) Send(m Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := c.rw.Write(header[:]); err != nil {
		return fmt.Errorf("comm: write frame header: %w", err)
	}
	if _, err := c.rw.Write(payload); err != nil {
		return fmt.Errorf("comm: write frame payload: %w", err)
	}
	return nil
}

// Recv reads one frame. io.EOF is returned unwrapped when the peer closed
// the stream cleanly between frames.
func (c *Conn) Recv() (Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("comm: read frame header: %w", err)
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return Message{}, fmt.Errorf("comm: read frame payload: %w", err)
	}
	return Unmarshal(payload)
}
