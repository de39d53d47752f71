package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/wire"
	"github.com/stretchr/testify/require"
)

func testWallet(b byte) identity.WalletAddress {
	var w identity.WalletAddress
	for i := range w {
		w[i] = b
	}
	return w
}

func testMessage() *wire.ChatMessage {
	return &wire.ChatMessage{MessageID: uuid.New()}
}

func TestEnqueueDrainRoundTrip(t *testing.T) {
	q := New(0, 0)
	wallet := testWallet(1)

	_, evicted, err := q.Enqueue(wallet, testMessage(), time.Minute)
	require.NoError(t, err)
	require.False(t, evicted)

	delivered, expired := q.Drain(wallet)
	require.Len(t, delivered, 1)
	require.Empty(t, expired)
	require.Equal(t, 0, q.GlobalLen())
}

func TestPerRecipientOverflowEvictsOldest(t *testing.T) {
	q := New(2, 0)
	wallet := testWallet(2)

	first := testMessage()
	_, _, err := q.Enqueue(wallet, first, time.Minute)
	require.NoError(t, err)
	_, _, err = q.Enqueue(wallet, testMessage(), time.Minute)
	require.NoError(t, err)

	evictedEntry, evictedOK, err := q.Enqueue(wallet, testMessage(), time.Minute)
	require.NoError(t, err)
	require.True(t, evictedOK)
	require.Equal(t, first.MessageID, evictedEntry.Message.MessageID)
	require.Equal(t, 2, q.Len(wallet))
}

func TestGlobalOverflowRejects(t *testing.T) {
	q := New(10, 1)
	wallet := testWallet(3)

	_, _, err := q.Enqueue(wallet, testMessage(), time.Minute)
	require.NoError(t, err)

	_, _, err = q.Enqueue(wallet, testMessage(), time.Minute)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	q := New(0, 0)
	wallet := testWallet(4)

	expiredMsg := testMessage()
	_, _, err := q.Enqueue(wallet, expiredMsg, -time.Second)
	require.NoError(t, err)

	freshMsg := testMessage()
	_, _, err = q.Enqueue(wallet, freshMsg, time.Minute)
	require.NoError(t, err)

	expired := q.Sweep()
	require.Len(t, expired, 1)
	require.Equal(t, expiredMsg.MessageID, expired[0].Message.MessageID)
	require.Equal(t, 1, q.Len(wallet))
}

func TestDrainSeparatesExpiredFromDelivered(t *testing.T) {
	q := New(0, 0)
	wallet := testWallet(5)

	expiredMsg := testMessage()
	_, _, err := q.Enqueue(wallet, expiredMsg, -time.Second)
	require.NoError(t, err)
	freshMsg := testMessage()
	_, _, err = q.Enqueue(wallet, freshMsg, time.Minute)
	require.NoError(t, err)

	delivered, expired := q.Drain(wallet)
	require.Len(t, delivered, 1)
	require.Len(t, expired, 1)
	require.Equal(t, freshMsg.MessageID, delivered[0].Message.MessageID)
}
