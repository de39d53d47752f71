// Package clusterbus bridges multiple relay instances over Redis. The
// core Message Router (internal/router) is single-instance and entirely
// in-memory; ClusterBus is an optional add-on a deployment can wire in
// when it horizontally scales the relay across processes, so that a
// wallet connected to instance B can still receive a frame routed by
// instance A. It is disabled by default, matching the single-instance
// scope the router itself assumes.
package clusterbus

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/registry"
)

const (
	connKeyPrefix   = "solconnect:conn:"
	connTTL         = 2 * time.Minute
	serverChannel   = "solconnect:server:"
	archivalStream  = "solconnect:archive"
)

// ClusterBus registers which relay instance each wallet is connected to
// and republishes frames destined for a wallet connected elsewhere.
type ClusterBus struct {
	client   *redis.Client
	ctx      context.Context
	serverID string

	healthyMu sync.RWMutex
	healthy   map[string]struct{} // nil until TrackRegistry runs
}

// New constructs a ClusterBus bound to the given Redis address and this
// relay instance's identifier.
func New(addr, serverID string) (*ClusterBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 5,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &ClusterBus{client: client, ctx: ctx, serverID: serverID}, nil
}

func (c *ClusterBus) Close() error { return c.client.Close() }

// Client exposes the underlying Redis client so callers can build other
// Redis-backed components (e.g. ArchivalStream) that share ClusterBus's
// connection pool instead of opening a second one.
func (c *ClusterBus) Client() *redis.Client { return c.client }

// TrackRegistry seeds ClusterBus's view of which peer relay instances
// are currently healthy from reg, and keeps it updated for the life of
// the process via reg.WatchServices. Locate consults this so a wallet's
// Redis connection entry (which only expires after connTTL) is not
// trusted once Consul has already marked that instance unhealthy.
func (c *ClusterBus) TrackRegistry(reg *registry.ConsulRegistry) {
	if servers, err := reg.GetHealthyServers(); err == nil {
		c.setHealthyServers(servers)
	} else {
		log.Printf("[CLUSTERBUS] initial healthy-server fetch failed: %v", err)
	}
	go reg.WatchServices(c.setHealthyServers)
}

func (c *ClusterBus) setHealthyServers(servers []string) {
	set := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		set[s] = struct{}{}
	}
	c.healthyMu.Lock()
	c.healthy = set
	c.healthyMu.Unlock()
}

// isHealthy reports whether serverID is known-healthy. Before
// TrackRegistry ever runs (no Consul configured, or its first fetch is
// still in flight) it has no opinion and defers to Redis.
func (c *ClusterBus) isHealthy(serverID string) bool {
	c.healthyMu.RLock()
	defer c.healthyMu.RUnlock()
	if c.healthy == nil {
		return true
	}
	_, ok := c.healthy[serverID]
	return ok
}

// RegisterWallet records that wallet is connected to this relay
// instance, refreshed periodically by the caller.
func (c *ClusterBus) RegisterWallet(wallet identity.WalletAddress) {
	key := connKeyPrefix + wallet.String()
	c.client.Set(c.ctx, key, c.serverID, connTTL)
}

// UnregisterWallet removes the registration for wallet on this instance.
func (c *ClusterBus) UnregisterWallet(wallet identity.WalletAddress) {
	key := connKeyPrefix + wallet.String()
	val, err := c.client.Get(c.ctx, key).Result()
	if err == nil && val == c.serverID {
		c.client.Del(c.ctx, key)
	}
}

// Refresh extends the registration TTL for wallet on this instance.
func (c *ClusterBus) Refresh(wallet identity.WalletAddress) {
	key := connKeyPrefix + wallet.String()
	c.client.Expire(c.ctx, key, connTTL)
}

// Locate returns the relay instance id a wallet is connected to, and
// whether it is known to be online anywhere in the cluster.
func (c *ClusterBus) Locate(wallet identity.WalletAddress) (serverID string, online bool) {
	key := connKeyPrefix + wallet.String()
	val, err := c.client.Get(c.ctx, key).Result()
	if err != nil || val == "" {
		return "", false
	}
	if !c.isHealthy(val) {
		return "", false
	}
	return val, true
}

// RelayedFrame is the payload published to a remote relay instance's
// channel when a wallet it owns has an inbound frame.
type RelayedFrame struct {
	RecipientWallet identity.WalletAddress
	EncodedFrame    []byte
}

// PublishToServer forwards an already-encoded wire frame to the relay
// instance that owns recipient's connection.
func (c *ClusterBus) PublishToServer(serverID string, recipient identity.WalletAddress, encodedFrame []byte) error {
	payload, err := json.Marshal(RelayedFrame{RecipientWallet: recipient, EncodedFrame: encodedFrame})
	if err != nil {
		return err
	}
	return c.client.Publish(c.ctx, serverChannel+serverID, payload).Err()
}

// SubscribeToServerChannel subscribes to frames addressed to this
// instance by peer relays, invoking handler for each.
func (c *ClusterBus) SubscribeToServerChannel(handler func(RelayedFrame)) {
	sub := c.client.Subscribe(c.ctx, serverChannel+c.serverID)
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var rf RelayedFrame
			if err := json.Unmarshal([]byte(msg.Payload), &rf); err != nil {
				log.Printf("[CLUSTERBUS] malformed relayed frame: %v", err)
				continue
			}
			handler(rf)
		}
	}()
}

// ArchivalEvent is a post-delivery-decision event published to the
// archival/analytics stream. It exists so the Redis Streams dependency
// stays wired to a real component without contradicting the core
// queue's in-memory-only, no-cross-restart-persistence invariant: this
// stream records decisions for external analytics, it is never read
// back to reconstruct delivery state.
type ArchivalEvent struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Outcome   string    `json:"outcome"` // router.RouteOutcome string: DELIVERED, QUEUED, REJECTED, DROPPED
	Timestamp time.Time `json:"timestamp"`
}

// ArchivalStream publishes routing-decision events to a Redis Stream for
// an external archival/analytics consumer.
type ArchivalStream struct {
	client    *redis.Client
	ctx       context.Context
	streamKey string
}

// NewArchivalStream wraps an existing Redis client for archival writes.
func NewArchivalStream(client *redis.Client, streamKey string) *ArchivalStream {
	if streamKey == "" {
		streamKey = archivalStream
	}
	return &ArchivalStream{client: client, ctx: context.Background(), streamKey: streamKey}
}

// Publish enqueues a routing-decision event.
func (a *ArchivalStream) Publish(evt ArchivalEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return a.client.XAdd(a.ctx, &redis.XAddArgs{
		Stream: a.streamKey,
		Values: map[string]interface{}{
			"data":      string(data),
			"timestamp": time.Now().UnixNano(),
		},
	}).Err()
}

// StartConsumer processes archived events via a Redis Streams consumer
// group, mirroring the teacher's XReadGroup/XAck processing loop.
func (a *ArchivalStream) StartConsumer(ctx context.Context, consumerGroup, consumerName string, handler func(ArchivalEvent) error) {
	a.client.XGroupCreateMkStream(a.ctx, a.streamKey, consumerGroup, "0")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := a.client.XReadGroup(a.ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{a.streamKey, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				log.Printf("[ARCHIVAL] read error: %v", err)
				time.Sleep(time.Second)
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				var evt ArchivalEvent
				if err := json.Unmarshal([]byte(data), &evt); err != nil {
					log.Printf("[ARCHIVAL] malformed event: %v", err)
					continue
				}
				if err := handler(evt); err != nil {
					log.Printf("[ARCHIVAL] handler error for %s: %v", evt.MessageID, err)
					continue
				}
				a.client.XAck(a.ctx, a.streamKey, consumerGroup, message.ID)
			}
		}
	}
}

// newEventID returns a fresh random UUID string. It is unexported and
// nothing calls it; cmd/relay fills ArchivalEvent.MessageID from the
// routed message's own MessageID.
func newEventID() string { return uuid.NewString() }
