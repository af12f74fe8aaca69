// Package proxy implements the Receive Loop (C6) and Send Loop (C7) that
// drive one upstream Session once it has completed subscribe/authorize.
package proxy

import (
	"log"
	"sync"
	"time"

	"github.com/chimera-pool/generator/internal/session"
)

// maxConsecutiveIdle bounds how many successive idle reads (§4.6: each one a
// ReadLine call that timed out without data) the receive loop tolerates
// before treating the upstream as stalled and forcing a reconnect.
const maxConsecutiveIdle = 24

// Notifier is the thin seam to the stratifier IPC side (internal/ipc):
// best-effort, fire-and-forget announcements of state the dispatcher
// observes. A nil Notifier is valid and simply means nothing is announced.
type Notifier interface {
	NotifyJob(upstreamJobID string, clean bool)
	NotifyDifficulty(diff float64)
	NotifyShareResult(localShareID int64, accepted bool)
	// NotifySubscribe fires once per successful (re)subscribe, telling the
	// stratifier to re-fetch extranonce1/nonce2 length (§4.7).
	NotifySubscribe()
}

// Driver owns one upstream Session end to end: the receive loop, the send
// loop, and the reconnect trigger shared between them.
type Driver struct {
	Sess     *session.Session
	Notifier Notifier

	// ReconnectGap is the sleep between failed reconnect attempts (§4.7).
	ReconnectGap time.Duration
	// ReadTimeout is the per-ReadLine timeout used by the receive loop;
	// 24 consecutive timeouts of this length mark the upstream stalled.
	ReadTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewDriver wires a Driver around an already-subscribed, already-authorized
// Session. notifier may be nil.
func NewDriver(sess *session.Session, notifier Notifier, reconnectGap, readTimeout time.Duration) *Driver {
	return &Driver{
		Sess:         sess,
		Notifier:     notifier,
		ReconnectGap: reconnectGap,
		ReadTimeout:  readTimeout,
		stop:         make(chan struct{}),
	}
}

// Start launches the receive and send loops as background goroutines.
func (d *Driver) Start() {
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.receiveLoop()
	}()
	go func() {
		defer d.wg.Done()
		d.sendLoop()
	}()
}

// Stop signals both loops to exit and waits for them.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Driver) reconnect() {
	logf("upstream %s stalled or failed, reconnecting", d.Sess.Addr)
	d.Sess.Reconnect(d.ReconnectGap, d.dispatchPush)
	if d.Notifier != nil {
		d.Notifier.NotifySubscribe()
	}
}

func logf(format string, args ...interface{}) {
	log.Printf("generator: proxy: "+format, args...)
}
