package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/copilot/internal/copilot"
)

const (
	eventChannelPrefix = "copilot:events:"
	presencePrefix     = "copilot:conn:"
	presenceTTL        = 2 * pongWait
)

type envelope struct {
	ConnectionRef string        `json:"connection_ref"`
	InstanceID    string        `json:"instance_id"`
	Event         copilot.Event `json:"event"`
}

// Relay carries events from the queue worker to whichever server instance
// owns the websocket, over redis pub/sub. It also implements Presence.
type Relay struct {
	client     *redis.Client
	instanceID string
}

func NewRelay(client *redis.Client, instanceID string) *Relay {
	return &Relay{client: client, instanceID: instanceID}
}

func channelFor(connID string) string { return eventChannelPrefix + connID }

func (r *Relay) Announce(ctx context.Context, connID string) error {
	return r.client.Set(ctx, presencePrefix+connID, r.instanceID, presenceTTL).Err()
}

func (r *Relay) Withdraw(ctx context.Context, connID string) error {
	return r.client.Del(ctx, presencePrefix+connID).Err()
}

// Online reports whether some instance still holds connID.
func (r *Relay) Online(ctx context.Context, connID string) (bool, error) {
	n, err := r.client.Exists(ctx, presencePrefix+connID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Relay) Publish(ctx context.Context, connID string, ev copilot.Event) error {
	data, err := json.Marshal(envelope{ConnectionRef: connID, InstanceID: r.instanceID, Event: ev})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channelFor(connID), data).Err()
}

// Emitter returns an emitter for a connection that may live on another
// instance.
func (r *Relay) Emitter(connID string) copilot.Emitter {
	return &relayEmitter{relay: r, connID: connID}
}

type relayEmitter struct {
	relay  *Relay
	connID string
}

func (e *relayEmitter) Emit(ctx context.Context, ev copilot.Event) error {
	online, err := e.relay.Online(ctx, e.connID)
	if err != nil {
		return fmt.Errorf("relay presence: %w", err)
	}
	if !online {
		return copilot.ErrConnectionGone
	}
	return e.relay.Publish(ctx, e.connID, ev)
}

func (e *relayEmitter) Streaming() bool { return true }

// Run subscribes to relayed events and hands each to deliver until ctx ends.
func (r *Relay) Run(ctx context.Context, deliver func(ctx context.Context, connID string, ev copilot.Event) error) error {
	sub := r.client.PSubscribe(ctx, eventChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	slog.Info("relay listening", "instance", r.instanceID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("relay: bad payload", "channel", msg.Channel, "error", err)
				continue
			}
			connID := env.ConnectionRef
			if connID == "" {
				connID = strings.TrimPrefix(msg.Channel, eventChannelPrefix)
			}
			dctx, cancel := context.WithTimeout(ctx, writeWait)
			err := deliver(dctx, connID, env.Event)
			cancel()
			if err != nil && !errors.Is(err, copilot.ErrConnectionGone) {
				slog.Warn("relay delivery failed", "connection", connID, "error", err)
			}
		}
	}
}
