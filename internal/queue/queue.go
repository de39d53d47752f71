// Package queue implements the Delivery Queue (C7): a per-recipient
// bounded in-memory FIFO with TTL and overflow policy. Unlike the
// durable event stream in internal/clusterbus, this queue deliberately
// does not survive a restart — spec scope explicitly excludes persistent
// cross-restart queues.
package queue

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/wire"
)

// Defaults per the Delivery Queue contract.
const (
	DefaultPerRecipientCap = 100
	DefaultGlobalCap       = 10000
	DefaultSweepInterval   = 10 * time.Second
)

var ErrQueueFull = errors.New("queue: global queue full")

// Entry is a queued message awaiting delivery.
type Entry struct {
	Message   *wire.ChatMessage
	EnqueuedAt time.Time
	ExpiresAt  time.Time
}

func (e Entry) expired(now time.Time) bool { return now.After(e.ExpiresAt) }

// Queue is the relay's bounded, per-recipient FIFO delivery queue.
type Queue struct {
	mu             sync.Mutex
	perRecipientCap int
	globalCap       int
	globalCount     int
	byRecipient     map[identity.WalletAddress]*list.List
}

// New constructs a Queue with the given per-recipient and global caps.
// Zero values fall back to the spec defaults.
func New(perRecipientCap, globalCap int) *Queue {
	if perRecipientCap <= 0 {
		perRecipientCap = DefaultPerRecipientCap
	}
	if globalCap <= 0 {
		globalCap = DefaultGlobalCap
	}
	return &Queue{
		perRecipientCap: perRecipientCap,
		globalCap:       globalCap,
		byRecipient:     make(map[identity.WalletAddress]*list.List),
	}
}

// Enqueue adds msg to recipient's queue. If the per-recipient queue is
// full, the oldest entry is evicted and returned (ok=true) so the caller
// can emit an EXPIRED ack to its sender. If the global queue is full,
// Enqueue returns ErrQueueFull and the message is not accepted.
func (q *Queue) Enqueue(recipient identity.WalletAddress, msg *wire.ChatMessage, ttl time.Duration) (evicted Entry, evictedOK bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.globalCount >= q.globalCap {
		return Entry{}, false, ErrQueueFull
	}

	l, ok := q.byRecipient[recipient]
	if !ok {
		l = list.New()
		q.byRecipient[recipient] = l
	}

	now := time.Now()
	entry := Entry{Message: msg, EnqueuedAt: now, ExpiresAt: now.Add(ttl)}

	if l.Len() >= q.perRecipientCap {
		front := l.Front()
		evicted = front.Value.(Entry)
		l.Remove(front)
		q.globalCount--
		evictedOK = true
	}

	l.PushBack(entry)
	q.globalCount++
	return evicted, evictedOK, nil
}

// Drain removes and returns all entries for recipient in FIFO order.
// Entries whose TTL has already elapsed are returned separately as
// expired rather than delivered.
func (q *Queue) Drain(recipient identity.WalletAddress) (delivered []Entry, expired []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.byRecipient[recipient]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	for e := l.Front(); e != nil; e = e.Next() {
		entry := e.Value.(Entry)
		if entry.expired(now) {
			expired = append(expired, entry)
		} else {
			delivered = append(delivered, entry)
		}
	}
	q.globalCount -= l.Len()
	delete(q.byRecipient, recipient)
	return delivered, expired
}

// Sweep scans every recipient queue and removes expired entries without
// draining the rest, returning the expired entries for ack emission.
// Intended to run on a periodic timer (default DefaultSweepInterval).
func (q *Queue) Sweep() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []Entry
	now := time.Now()
	for recipient, l := range q.byRecipient {
		var next *list.Element
		for e := l.Front(); e != nil; e = next {
			next = e.Next()
			entry := e.Value.(Entry)
			if entry.expired(now) {
				expired = append(expired, entry)
				l.Remove(e)
				q.globalCount--
			}
		}
		if l.Len() == 0 {
			delete(q.byRecipient, recipient)
		}
	}
	return expired
}

// Len returns the current queue length for recipient.
func (q *Queue) Len(recipient identity.WalletAddress) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.byRecipient[recipient]
	if !ok {
		return 0
	}
	return l.Len()
}

// GlobalLen returns the total number of queued entries across all
// recipients.
func (q *Queue) GlobalLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.globalCount
}
