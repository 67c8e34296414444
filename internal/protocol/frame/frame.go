package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// HeaderLen is channel id (8) + length (4) + type (1).
	HeaderLen = 13

	// MaxDataLength bounds the payload of one message block (256 KiB).
	MaxDataLength = 256 * 1024
)

// ChannelID addresses a virtual stream multiplexed over one connection.
type ChannelID int64

const (
	DefaultChannelID   ChannelID = 0
	UndefinedChannelID ChannelID = -1
)

// MessageType is the one-byte frame type. Valid values are 1..127.
type MessageType byte

const (
	TypeHandshake         MessageType = 121
	TypeHeartbeat         MessageType = 122
	TypeHeartbeatResponse MessageType = 123
	TypeGoodbye           MessageType = 127

	MinMessageType MessageType = 1
	MaxMessageType MessageType = 127
)

func (t MessageType) Valid() bool {
	return t >= MinMessageType && t <= MaxMessageType
}

// Control reports whether the type is reserved for the session layer.
func (t MessageType) Control() bool {
	switch t {
	case TypeHandshake, TypeHeartbeat, TypeHeartbeatResponse, TypeGoodbye:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeHeartbeatResponse:
		return "HEARTBEAT_RESPONSE"
	case TypeGoodbye:
		return "GOODBYE"
	}
	return fmt.Sprintf("TYPE_%d", byte(t))
}

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrShortPayload       = errors.New("frame: short payload")
	ErrBlockTooLarge      = errors.New("frame: message block data too large")
	ErrInvalidMessageType = errors.New("frame: invalid message type")
	ErrProtocolViolation  = errors.New("frame: protocol violation")
)

// MessageBlock is one typed payload. The zero value is not valid; use
// NewMessageBlock.
type MessageBlock struct {
	typ  MessageType
	data []byte
}

// NewMessageBlock validates the type and size and copies data.
func NewMessageBlock(typ MessageType, data []byte) (MessageBlock, error) {
	if !typ.Valid() {
		return MessageBlock{}, fmt.Errorf("%w: %d", ErrInvalidMessageType, byte(typ))
	}
	if len(data) > MaxDataLength {
		return MessageBlock{}, fmt.Errorf("%w: %d bytes (max %d)", ErrBlockTooLarge, len(data), MaxDataLength)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return MessageBlock{typ: typ, data: cp}, nil
}

// MustMessageBlock is NewMessageBlock for constant inputs; it panics on error.
func MustMessageBlock(typ MessageType, data []byte) MessageBlock {
	b, err := NewMessageBlock(typ, data)
	if err != nil {
		panic(err)
	}
	return b
}

func (b MessageBlock) Type() MessageType {
	return b.typ
}

// Data returns a copy of the payload.
func (b MessageBlock) Data() []byte {
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp
}

func (b MessageBlock) DataLength() int {
	return len(b.data)
}

// MessageBlockWithChannelID is a decoded incoming frame.
type MessageBlockWithChannelID struct {
	MessageBlock
	Channel ChannelID
}

// Priority classifies outgoing blocks for local queueing. It is never
// transmitted.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityDefault
	PriorityForwarding
	PriorityLowNonBlockable
	PriorityLowBlockable
)

// Priorities lists all priorities from most to least urgent.
func Priorities() []Priority {
	return []Priority{
		PriorityHigh,
		PriorityDefault,
		PriorityForwarding,
		PriorityLowNonBlockable,
		PriorityLowBlockable,
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLowBlockable
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityDefault:
		return "DEFAULT"
	case PriorityForwarding:
		return "FORWARDING"
	case PriorityLowNonBlockable:
		return "LOW_NON_BLOCKABLE"
	case PriorityLowBlockable:
		return "LOW_BLOCKABLE"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// MessageBlockWithMetadata is an outgoing block waiting in a local queue.
type MessageBlockWithMetadata struct {
	MessageBlock
	Channel    ChannelID
	Priority   Priority
	EnqueuedAt time.Time
}

func NewMessageBlockWithMetadata(ch ChannelID, block MessageBlock, prio Priority) MessageBlockWithMetadata {
	return MessageBlockWithMetadata{
		MessageBlock: block,
		Channel:      ch,
		Priority:     prio,
		EnqueuedAt:   time.Now(),
	}
}

// EncodeHeader renders the 13-byte frame header.
func EncodeHeader(ch ChannelID, typ MessageType, length int) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(ch))
	binary.BigEndian.PutUint32(buf[8:12], uint32(int32(length)))
	buf[12] = byte(typ)
	return buf
}

// DecodeHeader parses a 13-byte header. The length is returned unchecked.
func DecodeHeader(b []byte) (ChannelID, int32, MessageType, error) {
	if len(b) != HeaderLen {
		return 0, 0, 0, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	ch := ChannelID(int64(binary.BigEndian.Uint64(b[0:8])))
	length := int32(binary.BigEndian.Uint32(b[8:12]))
	return ch, length, MessageType(b[12]), nil
}

// Encode renders one complete frame.
func Encode(ch ChannelID, block MessageBlock) ([]byte, error) {
	if !block.typ.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMessageType, byte(block.typ))
	}
	if len(block.data) > MaxDataLength {
		return nil, ErrBlockTooLarge
	}
	out := make([]byte, 0, HeaderLen+len(block.data))
	out = append(out, EncodeHeader(ch, block.typ, len(block.data))...)
	out = append(out, block.data...)
	return out, nil
}

// WriteFrame writes one frame. It does not flush or lock; see SyncWriter.
func WriteFrame(w io.Writer, ch ChannelID, block MessageBlock) error {
	buf, err := Encode(ch, block)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame blocks until one full frame is read. A clean EOF before any
// header byte is returned as io.EOF; a stream ending mid-frame yields
// ErrShortHeader or ErrShortPayload. Announced lengths outside
// [0, MaxDataLength] fail with ErrProtocolViolation before the payload is
// read.
func ReadFrame(r io.Reader) (MessageBlockWithChannelID, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return MessageBlockWithChannelID{}, ErrShortHeader
		}
		return MessageBlockWithChannelID{}, err
	}

	ch, length, typ, err := DecodeHeader(hdr[:])
	if err != nil {
		return MessageBlockWithChannelID{}, err
	}
	if length < 0 || length > MaxDataLength {
		return MessageBlockWithChannelID{}, fmt.Errorf("%w: announced length %d", ErrProtocolViolation, length)
	}
	if !typ.Valid() {
		return MessageBlockWithChannelID{}, fmt.Errorf("%w: message type %d", ErrProtocolViolation, byte(typ))
	}

	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return MessageBlockWithChannelID{}, ErrShortPayload
			}
			return MessageBlockWithChannelID{}, err
		}
	}
	return MessageBlockWithChannelID{
		MessageBlock: MessageBlock{typ: typ, data: data},
		Channel:      ch,
	}, nil
}
