// Package wire implements the Wire Codec (C1): a framed, length-prefixed
// binary encoding of a tagged union of protocol messages. Encoding is
// canonical — the same logical message always produces the same byte
// string — because session AAD and sender signatures are computed over
// these bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/google/uuid"
)

// MaxFrameSize is the default per-connection maximum frame length.
const MaxFrameSize = 1 << 20 // 1 MiB

var (
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrFrameTooLarge  = errors.New("wire: frame too large")
)

// Tag identifies which union variant a frame carries.
type Tag byte

const (
	TagChatMessage Tag = iota + 1
	TagAck
	TagHandshakeRequest
	TagHandshakeResponse
	TagControlMessage
)

// AckStatus enumerates the disposition of a ChatMessage.
type AckStatus byte

const (
	AckDelivered AckStatus = iota + 1
	AckFailed
	AckExpired
	AckRejected
	AckQueued
	AckSent
)

func (s AckStatus) String() string {
	switch s {
	case AckDelivered:
		return "DELIVERED"
	case AckFailed:
		return "FAILED"
	case AckExpired:
		return "EXPIRED"
	case AckRejected:
		return "REJECTED"
	case AckQueued:
		return "QUEUED"
	case AckSent:
		return "sent"
	default:
		return "UNKNOWN"
	}
}

// ChatMessage is the wire form described in the data model: a signed,
// TTL-bounded envelope carrying an already-encrypted session payload.
type ChatMessage struct {
	MessageID       uuid.UUID
	SenderWallet    [32]byte
	RecipientWallet [32]byte
	Timestamp       int64 // unix seconds, set by the sender and covered by the signature; the relay does not assign it
	EncryptedPayload []byte
	AttachmentURL   string
	TTLSeconds      uint32
	Signature       [64]byte
}

// Ack reports the disposition of a prior ChatMessage.
type Ack struct {
	AckID        uuid.UUID
	RefMessageID uuid.UUID
	Status       AckStatus
}

// HandshakeRequest is the client's response to the server's connection
// challenge, proving ownership of the claimed wallet.
type HandshakeRequest struct {
	Wallet      [32]byte
	ClientNonce [32]byte
	Signature   [64]byte
}

// HandshakeResponse is the server's reply to a HandshakeRequest.
type HandshakeResponse struct {
	Accepted      bool
	SessionParams []byte
}

// ControlMessage carries an opaque application sub-payload (typing,
// read receipts, reactions) that the relay forwards without
// interpreting.
type ControlMessage struct {
	ControlID       uuid.UUID
	SenderWallet    [32]byte
	RecipientWallet [32]byte
	Kind            string
	Payload         []byte
}

// Frame is the decoded form of one wire message: exactly one of the
// typed fields is non-nil, selected by Tag.
type Frame struct {
	Tag               Tag
	ChatMessage       *ChatMessage
	Ack               *Ack
	HandshakeRequest  *HandshakeRequest
	HandshakeResponse *HandshakeResponse
	ControlMessage    *ControlMessage
}

// --- canonical field helpers ---

func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func putString(buf []byte, s string) []byte {
	return putBytes(buf, []byte(s))
}

type byteReader struct {
	b []byte
}

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || n > len(r.b) {
		return nil, ErrMalformedFrame
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out, nil
}

func (r *byteReader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *byteReader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int(n) > len(r.b) {
		return nil, ErrMalformedFrame
	}
	return r.take(int(n))
}

func (r *byteReader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// EncodeChatMessageSignable returns the canonical byte form of a ChatMessage's
// signable fields (all fields except Signature), used both to produce
// and to verify the sender signature.
func EncodeChatMessageSignable(m *ChatMessage) []byte {
	buf := make([]byte, 0, 128+len(m.EncryptedPayload))
	buf = append(buf, m.MessageID[:]...)
	buf = append(buf, m.SenderWallet[:]...)
	buf = append(buf, m.RecipientWallet[:]...)
	buf = putUint64(buf, uint64(m.Timestamp))
	buf = putBytes(buf, m.EncryptedPayload)
	buf = putString(buf, m.AttachmentURL)
	buf = putUint32(buf, m.TTLSeconds)
	return buf
}

func encodeChatMessage(m *ChatMessage) []byte {
	buf := EncodeChatMessageSignable(m)
	return append(buf, m.Signature[:]...)
}

func decodeChatMessage(r *byteReader) (*ChatMessage, error) {
	m := &ChatMessage{}
	idBytes, err := r.take(16)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	m.MessageID = id

	sw, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(m.SenderWallet[:], sw)

	rw, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(m.RecipientWallet[:], rw)

	ts, err := r.uint64()
	if err != nil {
		return nil, err
	}
	m.Timestamp = int64(ts)

	payload, err := r.bytes()
	if err != nil {
		return nil, err
	}
	m.EncryptedPayload = payload

	attach, err := r.string()
	if err != nil {
		return nil, err
	}
	m.AttachmentURL = attach

	ttl, err := r.uint32()
	if err != nil {
		return nil, err
	}
	m.TTLSeconds = ttl

	sig, err := r.take(64)
	if err != nil {
		return nil, err
	}
	copy(m.Signature[:], sig)

	return m, nil
}

func encodeAck(a *Ack) []byte {
	buf := make([]byte, 0, 33)
	buf = append(buf, a.AckID[:]...)
	buf = append(buf, a.RefMessageID[:]...)
	buf = append(buf, byte(a.Status))
	return buf
}

func decodeAck(r *byteReader) (*Ack, error) {
	a := &Ack{}
	idBytes, err := r.take(16)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	a.AckID = id

	refBytes, err := r.take(16)
	if err != nil {
		return nil, err
	}
	ref, err := uuid.FromBytes(refBytes)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	a.RefMessageID = ref

	status, err := r.byte()
	if err != nil {
		return nil, err
	}
	a.Status = AckStatus(status)
	return a, nil
}

func encodeHandshakeRequest(h *HandshakeRequest) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, h.Wallet[:]...)
	buf = append(buf, h.ClientNonce[:]...)
	buf = append(buf, h.Signature[:]...)
	return buf
}

func decodeHandshakeRequest(r *byteReader) (*HandshakeRequest, error) {
	h := &HandshakeRequest{}
	w, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(h.Wallet[:], w)

	n, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(h.ClientNonce[:], n)

	sig, err := r.take(64)
	if err != nil {
		return nil, err
	}
	copy(h.Signature[:], sig)
	return h, nil
}

func encodeHandshakeResponse(h *HandshakeResponse) []byte {
	buf := make([]byte, 0, 8+len(h.SessionParams))
	accepted := byte(0)
	if h.Accepted {
		accepted = 1
	}
	buf = append(buf, accepted)
	buf = putBytes(buf, h.SessionParams)
	return buf
}

func decodeHandshakeResponse(r *byteReader) (*HandshakeResponse, error) {
	h := &HandshakeResponse{}
	b, err := r.byte()
	if err != nil {
		return nil, err
	}
	h.Accepted = b != 0
	params, err := r.bytes()
	if err != nil {
		return nil, err
	}
	h.SessionParams = params
	return h, nil
}

func encodeControlMessage(c *ControlMessage) []byte {
	buf := make([]byte, 0, 64+len(c.Payload))
	buf = append(buf, c.ControlID[:]...)
	buf = append(buf, c.SenderWallet[:]...)
	buf = append(buf, c.RecipientWallet[:]...)
	buf = putString(buf, c.Kind)
	buf = putBytes(buf, c.Payload)
	return buf
}

func decodeControlMessage(r *byteReader) (*ControlMessage, error) {
	c := &ControlMessage{}
	idBytes, err := r.take(16)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	c.ControlID = id

	sw, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(c.SenderWallet[:], sw)

	rw, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(c.RecipientWallet[:], rw)

	kind, err := r.string()
	if err != nil {
		return nil, err
	}
	c.Kind = kind

	payload, err := r.bytes()
	if err != nil {
		return nil, err
	}
	c.Payload = payload
	return c, nil
}

// Encode renders a Frame into its canonical tag-prefixed byte form,
// without the outer length prefix.
func Encode(f Frame) ([]byte, error) {
	var body []byte
	switch f.Tag {
	case TagChatMessage:
		if f.ChatMessage == nil {
			return nil, ErrMalformedFrame
		}
		body = encodeChatMessage(f.ChatMessage)
	case TagAck:
		if f.Ack == nil {
			return nil, ErrMalformedFrame
		}
		body = encodeAck(f.Ack)
	case TagHandshakeRequest:
		if f.HandshakeRequest == nil {
			return nil, ErrMalformedFrame
		}
		body = encodeHandshakeRequest(f.HandshakeRequest)
	case TagHandshakeResponse:
		if f.HandshakeResponse == nil {
			return nil, ErrMalformedFrame
		}
		body = encodeHandshakeResponse(f.HandshakeResponse)
	case TagControlMessage:
		if f.ControlMessage == nil {
			return nil, ErrMalformedFrame
		}
		body = encodeControlMessage(f.ControlMessage)
	default:
		return nil, ErrMalformedFrame
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(f.Tag))
	out = append(out, body...)
	return out, nil
}

// Decode parses a tag-prefixed byte body (without the outer length
// prefix) into a Frame. Decoding is total: it never panics on
// adversarial input, returning ErrMalformedFrame instead.
func Decode(body []byte) (frame Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			frame, err = Frame{}, ErrMalformedFrame
		}
	}()

	if len(body) < 1 {
		return Frame{}, ErrMalformedFrame
	}
	tag := Tag(body[0])
	r := &byteReader{b: body[1:]}

	switch tag {
	case TagChatMessage:
		m, err := decodeChatMessage(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, ChatMessage: m}, nil
	case TagAck:
		a, err := decodeAck(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, Ack: a}, nil
	case TagHandshakeRequest:
		h, err := decodeHandshakeRequest(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, HandshakeRequest: h}, nil
	case TagHandshakeResponse:
		h, err := decodeHandshakeResponse(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, HandshakeResponse: h}, nil
	case TagControlMessage:
		c, err := decodeControlMessage(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Tag: tag, ControlMessage: c}, nil
	default:
		return Frame{}, ErrMalformedFrame
	}
}

// WriteFrame writes a length-prefixed frame to w. maxSize bounds the
// encoded frame length; pass 0 to use MaxFrameSize.
func WriteFrame(w io.Writer, f Frame, maxSize uint32) error {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}
	body, err := Encode(f)
	if err != nil {
		return err
	}
	if uint32(len(body)) > maxSize {
		return ErrFrameTooLarge
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame from r, enforcing maxSize
// (0 means MaxFrameSize).
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > maxSize {
		return Frame{}, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Decode(body)
}
