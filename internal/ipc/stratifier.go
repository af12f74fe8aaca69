// Package ipc implements the outbound stratifier notifications of §6: a
// best-effort, fire-and-forget pub/sub channel carrying the five message
// strings subscribe, notify, diff, update, and shutdown. A stratifier that
// is slow or unreachable never blocks or fails the generator's own work —
// every publish is logged and dropped on error.
package ipc

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message strings defined by §6.
const (
	MsgSubscribe = "subscribe"
	MsgNotify    = "notify"
	MsgDiff      = "diff"
	MsgUpdate    = "update"
	MsgShutdown  = "shutdown"
)

const publishTimeout = time.Second

// Stratifier publishes generator state transitions to a Redis channel for an
// external stratifier process to consume.
type Stratifier struct {
	client  *redis.Client
	channel string
}

// New dials Redis and returns a Stratifier. Connection failures are logged,
// not fatal: a Stratifier with an unreachable client degrades to a no-op
// publisher, since the generator's correctness never depends on the
// stratifier being up (§6: best-effort).
func New(addr, channel string, dialTimeout time.Duration) *Stratifier {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  publishTimeout,
		WriteTimeout: publishTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("generator: ipc: stratifier at %s unreachable, continuing degraded: %v", addr, err)
	}

	return &Stratifier{client: client, channel: channel}
}

// Close releases the underlying Redis connection.
func (s *Stratifier) Close() error {
	return s.client.Close()
}

func (s *Stratifier) publish(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		log.Printf("generator: ipc: publish %q failed: %v", msg, err)
	}
}

// NotifySubscribe implements proxy.Notifier.
func (s *Stratifier) NotifySubscribe() { s.publish(MsgSubscribe) }

// NotifyJob implements proxy.Notifier; upstreamJobID and clean are not
// used, the wire message is the bare "notify" string (§6).
func (s *Stratifier) NotifyJob(upstreamJobID string, clean bool) { s.publish(MsgNotify) }

// NotifyDifficulty implements proxy.Notifier.
func (s *Stratifier) NotifyDifficulty(diff float64) { s.publish(MsgDiff) }

// NotifyShareResult implements proxy.Notifier. Share accept/reject is not in
// the stratifier's message vocabulary (§6), so this only logs locally.
func (s *Stratifier) NotifyShareResult(localShareID int64, accepted bool) {
	log.Printf("generator: share %d accepted=%v", localShareID, accepted)
}

// NotifyUpdate signals a fresh block template after a successful
// server-mode submitblock (§4.10).
func (s *Stratifier) NotifyUpdate() { s.publish(MsgUpdate) }

// NotifyShutdown signals process exit to the supervisor (§6 exit codes).
func (s *Stratifier) NotifyShutdown() { s.publish(MsgShutdown) }
