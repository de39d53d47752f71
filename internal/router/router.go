// Package router implements the Message Router (C6): it holds the
// live wallet -> connection registry, validates and routes inbound
// ChatMessages, falls back to the Delivery Queue when a recipient is
// offline, and fans out to every device a wallet has registered.
package router

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/solconnect/relay/internal/cryptoprim"
	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/metrics"
	"github.com/solconnect/relay/internal/queue"
	"github.com/solconnect/relay/internal/wire"
)

// DefaultMaxPayloadSize bounds an EncryptedPayload's size, per §4.6.
const DefaultMaxPayloadSize = 64 * 1024

// Outbound is the minimal surface the router needs from a connection;
// internal/transport.Connection satisfies it.
type Outbound interface {
	Send(wire.Frame) bool
}

// ClusterBus is the minimal surface Router needs to check whether a
// wallet with no local device is connected to a peer relay instance,
// and to forward a frame there. internal/clusterbus.ClusterBus
// satisfies it. Left nil, Router behaves as a single-instance relay.
type ClusterBus interface {
	Locate(wallet identity.WalletAddress) (serverID string, online bool)
	PublishToServer(serverID string, recipient identity.WalletAddress, encodedFrame []byte) error
}

// RouteOutcome is the disposition of a routed ChatMessage.
type RouteOutcome int

const (
	RouteDelivered RouteOutcome = iota
	RouteQueued
	RouteRejected
	RouteDropped // global queue full, no device reachable
)

func (o RouteOutcome) String() string {
	switch o {
	case RouteDelivered:
		return "DELIVERED"
	case RouteQueued:
		return "QUEUED"
	case RouteRejected:
		return "REJECTED"
	case RouteDropped:
		return "DROPPED"
	default:
		return "UNKNOWN"
	}
}

// Router holds the registry of online wallets and their devices, and
// the delivery queue backing offline wallets. Grounded on the
// teacher's Hub: a single mutex guarding the registry, non-blocking
// sends to each device, and stale-device eviction on send failure.
type Router struct {
	mu       sync.RWMutex
	devices  map[identity.WalletAddress]map[Outbound]struct{}
	queue    *queue.Queue
	maxPayload int

	serverID  string
	bus       ClusterBus
	sweepStop chan struct{}
}

// SetClusterBus wires an optional ClusterBus into the router, enabling
// cross-instance delivery for wallets with no locally registered
// device. Passing nil disables it again.
func (r *Router) SetClusterBus(bus ClusterBus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = bus
}

// New constructs a Router backed by the given delivery queue. serverID
// labels the router's metrics series, matching the other per-instance
// gauges and counters in internal/metrics.
func New(q *queue.Queue, serverID string) *Router {
	if q == nil {
		q = queue.New(0, 0)
	}
	return &Router{
		devices:    make(map[identity.WalletAddress]map[Outbound]struct{}),
		queue:      q,
		maxPayload: DefaultMaxPayloadSize,
		serverID:   serverID,
	}
}

// Register adds a device connection for wallet and drains any queued
// messages to it, returning how many were delivered. Expired entries
// found during the drain are reported as expired, not delivered.
func (r *Router) Register(wallet identity.WalletAddress, conn Outbound) (delivered int) {
	r.mu.Lock()
	set, ok := r.devices[wallet]
	if !ok {
		set = make(map[Outbound]struct{})
		r.devices[wallet] = set
	}
	set[conn] = struct{}{}
	r.mu.Unlock()

	toDeliver, expired := r.queue.Drain(wallet)
	for _, entry := range toDeliver {
		if conn.Send(wire.Frame{Tag: wire.TagChatMessage, ChatMessage: entry.Message}) {
			delivered++
		}
	}
	for _, entry := range expired {
		metrics.RecordExpired(r.serverID)
		r.sendAck(entry.Message.SenderWallet, entry.Message.MessageID, wire.AckExpired)
	}
	r.reportGauges()
	return delivered
}

// Unregister removes a device connection for wallet.
func (r *Router) Unregister(wallet identity.WalletAddress, conn Outbound) {
	r.mu.Lock()
	set, ok := r.devices[wallet]
	if ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.devices, wallet)
		}
	}
	r.mu.Unlock()
	r.reportGauges()
}

// reportGauges refreshes the registered-wallets and queue-depth gauges
// from current state.
func (r *Router) reportGauges() {
	metrics.SetRegisteredWallets(r.serverID, r.RegisteredWallets())
	metrics.SetQueuedEntries(r.serverID, r.queue.GlobalLen())
}

func (r *Router) devicesFor(wallet identity.WalletAddress) []Outbound {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.devices[wallet]
	if !ok {
		return nil
	}
	out := make([]Outbound, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Route validates and delivers msg. The sender's signature is checked
// against the signable fields using SenderWallet itself as the Ed25519
// public key, since a WalletAddress is its owner's identity key.
// Multi-device wallets receive a fanned-out copy on every reachable
// device; a device whose Send fails is treated as stale and
// unregistered. If no device accepts the message it falls back to the
// delivery queue.
func (r *Router) Route(msg *wire.ChatMessage) RouteOutcome {
	start := time.Now()
	metrics.RecordBytesIn(r.serverID, len(msg.EncryptedPayload))

	if msg.TTLSeconds == 0 {
		metrics.RecordRejected(r.serverID, "ttl_zero", time.Since(start))
		r.sendAck(msg.SenderWallet, msg.MessageID, wire.AckRejected)
		return RouteRejected
	}
	if len(msg.EncryptedPayload) > r.maxPayload {
		metrics.RecordRejected(r.serverID, "payload_too_large", time.Since(start))
		r.sendAck(msg.SenderWallet, msg.MessageID, wire.AckRejected)
		return RouteRejected
	}

	if err := cryptoprim.Verify(msg.SenderWallet[:], wire.EncodeChatMessageSignable(msg), msg.Signature[:]); err != nil {
		metrics.RecordRejected(r.serverID, "bad_signature", time.Since(start))
		r.sendAck(msg.SenderWallet, msg.MessageID, wire.AckRejected)
		return RouteRejected
	}

	recipient := identity.WalletAddress(msg.RecipientWallet)
	devices := r.devicesFor(recipient)

	delivered := false
	for _, conn := range devices {
		if conn.Send(wire.Frame{Tag: wire.TagChatMessage, ChatMessage: msg}) {
			delivered = true
			metrics.RecordBytesOut(r.serverID, len(msg.EncryptedPayload))
		} else {
			r.Unregister(recipient, conn)
		}
	}

	if delivered {
		metrics.RecordRouted(r.serverID, time.Since(start))
		r.sendAck(msg.SenderWallet, msg.MessageID, wire.AckDelivered)
		return RouteDelivered
	}

	if r.relayToClusterPeer(recipient, msg) {
		metrics.RecordRouted(r.serverID, time.Since(start))
		r.sendAck(msg.SenderWallet, msg.MessageID, wire.AckDelivered)
		return RouteDelivered
	}

	ttl := time.Duration(msg.TTLSeconds) * time.Second
	evicted, evictedOK, err := r.queue.Enqueue(recipient, msg, ttl)
	if err != nil {
		log.Printf("[ROUTER] global queue full, dropping message %s", msg.MessageID)
		metrics.RecordRejected(r.serverID, "queue_full", time.Since(start))
		r.sendAck(msg.SenderWallet, msg.MessageID, wire.AckFailed)
		return RouteDropped
	}
	if evictedOK {
		metrics.RecordExpired(r.serverID)
		r.sendAck(evicted.Message.SenderWallet, evicted.Message.MessageID, wire.AckExpired)
	}
	metrics.RecordQueued(r.serverID, time.Since(start))
	metrics.SetQueuedEntries(r.serverID, r.queue.GlobalLen())
	r.sendAck(msg.SenderWallet, msg.MessageID, wire.AckQueued)
	return RouteQueued
}

// relayToClusterPeer checks whether recipient is connected to a
// different relay instance via the ClusterBus and, if so, forwards the
// encoded frame there instead of falling back to the local queue.
func (r *Router) relayToClusterPeer(recipient identity.WalletAddress, msg *wire.ChatMessage) bool {
	r.mu.RLock()
	bus := r.bus
	r.mu.RUnlock()
	if bus == nil {
		return false
	}

	serverID, online := bus.Locate(recipient)
	if !online || serverID == r.serverID {
		return false
	}

	encoded, err := wire.Encode(wire.Frame{Tag: wire.TagChatMessage, ChatMessage: msg})
	if err != nil {
		return false
	}
	if err := bus.PublishToServer(serverID, recipient, encoded); err != nil {
		log.Printf("[ROUTER] clusterbus publish to %s failed: %v", serverID, err)
		return false
	}
	return true
}

// RouteControlMessage forwards a ControlMessage to every online device
// of its recipient. Control messages are not queued: an offline
// recipient simply misses them, matching the opaque pass-through
// contract for typing/read-receipt/reaction signals.
func (r *Router) RouteControlMessage(msg *wire.ControlMessage) bool {
	recipient := identity.WalletAddress(msg.RecipientWallet)
	delivered := false
	for _, conn := range r.devicesFor(recipient) {
		if conn.Send(wire.Frame{Tag: wire.TagControlMessage, ControlMessage: msg}) {
			delivered = true
		} else {
			r.Unregister(recipient, conn)
		}
	}
	return delivered
}

// sendAck delivers a best-effort Ack to sender; an offline sender
// simply does not receive it, it is never queued.
func (r *Router) sendAck(senderWallet [32]byte, refID uuid.UUID, status wire.AckStatus) {
	sender := identity.WalletAddress(senderWallet)
	ack := &wire.Ack{AckID: uuid.New(), RefMessageID: refID, Status: status}
	for _, conn := range r.devicesFor(sender) {
		conn.Send(wire.Frame{Tag: wire.TagAck, Ack: ack})
	}
}

// StartSweep runs the queue's periodic TTL sweep on interval (the
// spec's default is queue.DefaultSweepInterval) until stopped, emitting
// an EXPIRED ack for every entry it evicts. Mirrors the teacher's
// timer-driven cutoff-sweep idiom.
func (r *Router) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = queue.DefaultSweepInterval
	}
	r.sweepStop = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, entry := range r.queue.Sweep() {
					metrics.RecordExpired(r.serverID)
					r.sendAck(entry.Message.SenderWallet, entry.Message.MessageID, wire.AckExpired)
				}
				metrics.SetQueuedEntries(r.serverID, r.queue.GlobalLen())
			case <-r.sweepStop:
				return
			}
		}
	}()
}

// StopSweep stops the periodic sweep started by StartSweep.
func (r *Router) StopSweep() {
	if r.sweepStop != nil {
		close(r.sweepStop)
		r.sweepStop = nil
	}
}

// RegisteredWallets returns the number of distinct wallets with at
// least one live device, for the metrics gauge.
func (r *Router) RegisteredWallets() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
