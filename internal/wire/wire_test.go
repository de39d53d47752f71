package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestChatMessageRoundTrip(t *testing.T) {
	m := &ChatMessage{
		MessageID:        uuid.New(),
		EncryptedPayload: []byte("ciphertext-bytes"),
		AttachmentURL:    "",
		TTLSeconds:       30,
		Timestamp:        1234567890,
	}
	copy(m.SenderWallet[:], bytes.Repeat([]byte{0xAA}, 32))
	copy(m.RecipientWallet[:], bytes.Repeat([]byte{0xBB}, 32))
	copy(m.Signature[:], bytes.Repeat([]byte{0xCC}, 64))

	f := Frame{Tag: TagChatMessage, ChatMessage: m}
	body, err := Encode(f)
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, m, decoded.ChatMessage)
}

func TestEncodeIsCanonical(t *testing.T) {
	m := &ChatMessage{MessageID: uuid.New(), TTLSeconds: 5}
	f := Frame{Tag: TagChatMessage, ChatMessage: m}
	b1, err := Encode(f)
	require.NoError(t, err)
	b2, err := Encode(f)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestDecodeMalformedNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{byte(TagChatMessage)},
		{byte(TagChatMessage), 0xFF, 0xFF, 0xFF, 0xFF},
		{0xFF},
		bytes.Repeat([]byte{0x01}, 3),
	}
	for _, in := range inputs {
		require.NotPanics(t, func() {
			_, _ = Decode(in)
		})
	}
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	ack := &Ack{AckID: uuid.New(), RefMessageID: uuid.New(), Status: AckDelivered}
	f := Frame{Tag: TagAck, Ack: ack}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f, 0))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, ack, got.Ack)
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x20, 0x00, 0x00}) // length = 0x00200000 > 1MiB
	_, err := ReadFrame(&buf, 0)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
