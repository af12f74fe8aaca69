package proxy

import (
	"time"

	"github.com/chimera-pool/generator/internal/session"
	"github.com/chimera-pool/generator/internal/stratumrpc"
)

// sendLoop is the Send Loop (C7): it dequeues SubmitRequest values in FIFO
// order, re-keys the local job id to the upstream job id under the
// notification cache's own lock, and transmits mining.submit (§4.5). A
// request whose local job id has already aged out is dropped and logged
// rather than sent with a stale or empty job id.
func (d *Driver) sendLoop() {
	for {
		select {
		case <-d.stop:
			return
		case req, ok := <-d.Sess.SendQueue:
			if !ok {
				return
			}
			d.submit(req)
		}
	}
}

func (d *Driver) submit(req session.SubmitRequest) {
	notif, ok := d.Sess.Jobs.Get(req.LocalJobID)
	if !ok {
		logf("dropping share: local job id %d unresolved (aged out)", req.LocalJobID)
		return
	}

	localID := d.Sess.Shares.Insert(req.ClientID, req.ClientMsgID, req.LocalJobID, time.Now())

	params := []interface{}{
		d.Sess.User,
		notif.UpstreamJobID,
		req.Nonce2,
		req.NTime,
		req.Nonce,
	}
	line, err := stratumrpc.Encode(int(localID), "mining.submit", params)
	if err != nil {
		logf("failed to encode mining.submit: %v", err)
		d.Sess.Shares.Remove(localID)
		return
	}

	conn := d.Sess.Conn()
	if conn == nil {
		d.Sess.Shares.Remove(localID)
		return
	}
	if err := conn.Write(line); err != nil {
		logf("write failed to %s, closing: %v", d.Sess.Addr, err)
		d.Sess.Close()
	}
}
