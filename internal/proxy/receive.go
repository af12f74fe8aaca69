package proxy

import (
	"encoding/json"
	"time"

	"github.com/chimera-pool/generator/internal/jobcache"
	"github.com/chimera-pool/generator/internal/stratumrpc"
	"github.com/chimera-pool/generator/internal/transport"
)

const maxMerkleBranch = 16

// receiveLoop is the Receive Loop (C6): it ages both caches once per pass,
// reads one line with ReadTimeout, and dispatches whatever arrived. After
// maxConsecutiveIdle straight timeouts with nothing read, the upstream is
// considered stalled and the session is reconnected (§4.6).
func (d *Driver) receiveLoop() {
	idle := 0
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		now := time.Now()
		d.Sess.Jobs.AgeOut(now)
		d.Sess.Shares.AgeOut(now)

		conn := d.Sess.Conn()
		if conn == nil {
			d.reconnect()
			idle = 0
			continue
		}

		line, status := conn.ReadLine(d.ReadTimeout)
		switch status {
		case transport.ReadOK:
			idle = 0
			resp, err := stratumrpc.Decode(line)
			if err != nil {
				logf("malformed message from %s: %v", d.Sess.Addr, err)
				continue
			}
			d.dispatch(resp)
		case transport.ReadIdle:
			idle++
			if idle >= maxConsecutiveIdle {
				d.reconnect()
				idle = 0
			}
		case transport.ReadFailed:
			d.reconnect()
			idle = 0
		}
	}
}

// dispatch routes one decoded message: push notifications go to their
// handlers, and anything carrying a recognizable request id is treated as a
// response to an earlier mining.submit.
func (d *Driver) dispatch(resp *stratumrpc.Response) {
	if resp.Method != "" {
		d.dispatchPush(resp)
		return
	}
	d.dispatchSubmitResult(resp)
}

// dispatchPush handles the five push methods a pool may send (§4.2). It is
// also passed as the pushHandler to Reconnect, which hands it to Authorize,
// so pushes arriving mid-handshake aren't dropped.
func (d *Driver) dispatchPush(resp *stratumrpc.Response) {
	switch resp.Method {
	case "mining.notify":
		d.handleNotify(resp.Params)
	case "mining.set_difficulty":
		d.handleSetDifficulty(resp.Params)
	case "client.reconnect":
		d.handleClientReconnect(resp.Params)
	case "client.get_version":
		d.handleGetVersion(resp.ID)
	case "client.show_message":
		d.handleShowMessage(resp.Params)
	default:
		logf("unhandled push method %q from %s", resp.Method, d.Sess.Addr)
	}
}

// handleNotify decodes the nine positional mining.notify fields (§4.2) and
// inserts a new Notification, or logs and drops the update if it's
// malformed rather than tearing down the connection over it.
func (d *Driver) handleNotify(params json.RawMessage) {
	var fields []json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil || len(fields) < 9 {
		logf("malformed mining.notify from %s: wrong field count", d.Sess.Addr)
		return
	}

	var jobID, prevHash, coinb1, coinb2, version, nbits, ntime string
	var merkle []string
	var clean bool
	if err := json.Unmarshal(fields[0], &jobID); err != nil {
		logf("malformed mining.notify job id from %s", d.Sess.Addr)
		return
	}
	if err := json.Unmarshal(fields[1], &prevHash); err != nil {
		logf("malformed mining.notify prevhash from %s", d.Sess.Addr)
		return
	}
	if err := json.Unmarshal(fields[2], &coinb1); err != nil {
		logf("malformed mining.notify coinbase1 from %s", d.Sess.Addr)
		return
	}
	if err := json.Unmarshal(fields[3], &coinb2); err != nil {
		logf("malformed mining.notify coinbase2 from %s", d.Sess.Addr)
		return
	}
	if err := json.Unmarshal(fields[4], &merkle); err != nil {
		logf("malformed mining.notify merkle branch from %s", d.Sess.Addr)
		return
	}
	if len(merkle) > maxMerkleBranch {
		logf("mining.notify merkle branch overflow (%d), truncating to %d from %s", len(merkle), maxMerkleBranch, d.Sess.Addr)
		merkle = merkle[:maxMerkleBranch]
	}
	if err := json.Unmarshal(fields[5], &version); err != nil {
		logf("malformed mining.notify version from %s", d.Sess.Addr)
		return
	}
	if err := json.Unmarshal(fields[6], &nbits); err != nil {
		logf("malformed mining.notify nbits from %s", d.Sess.Addr)
		return
	}
	if err := json.Unmarshal(fields[7], &ntime); err != nil {
		logf("malformed mining.notify ntime from %s", d.Sess.Addr)
		return
	}
	_ = json.Unmarshal(fields[8], &clean)

	n := &jobcache.Notification{
		UpstreamJobID: jobID,
		PrevHash:      prevHash,
		Coinbase1:     coinb1,
		Coinbase2:     coinb2,
		MerkleBranch:  merkle,
		Version:       version,
		NBits:         nbits,
		NTime:         ntime,
		Clean:         clean,
		ReceivedAt:    time.Now(),
	}
	d.Sess.Jobs.Insert(n)
	if d.Notifier != nil {
		d.Notifier.NotifyJob(jobID, clean)
	}
}

func (d *Driver) handleSetDifficulty(params json.RawMessage) {
	var arr []float64
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) < 1 {
		logf("malformed mining.set_difficulty from %s", d.Sess.Addr)
		return
	}
	if d.Sess.SetDifficulty(arr[0]) && d.Notifier != nil {
		d.Notifier.NotifyDifficulty(arr[0])
	}
}

// handleClientReconnect honors an upstream-directed reconnect (§4.2): if a
// new host:port is given the session moves there, otherwise it simply
// redials the same address. This is a real reconnect, not a no-op.
func (d *Driver) handleClientReconnect(params json.RawMessage) {
	var arr []json.RawMessage
	_ = json.Unmarshal(params, &arr)

	if len(arr) >= 2 {
		var host string
		var port json.Number
		_ = json.Unmarshal(arr[0], &host)
		_ = json.Unmarshal(arr[1], &port)
		if host != "" && port != "" {
			d.Sess.Addr = host + ":" + port.String()
		}
	}

	go d.reconnect()
}

// getVersionReply is the shape client.get_version expects back: a plain
// result/error pair, not an echoed request.
type getVersionReply struct {
	ID     int     `json:"id"`
	Result string  `json:"result"`
	Error  *string `json:"error"`
}

func (d *Driver) handleGetVersion(id json.RawMessage) {
	conn := d.Sess.Conn()
	if conn == nil {
		return
	}
	var reqID int
	_ = json.Unmarshal(id, &reqID)
	data, err := json.Marshal(getVersionReply{ID: reqID, Result: d.Sess.ClientTag})
	if err != nil {
		return
	}
	_ = conn.Write(data)
}

func (d *Driver) handleShowMessage(params json.RawMessage) {
	var arr []string
	_ = json.Unmarshal(params, &arr)
	if len(arr) > 0 {
		logf("message from %s: %s", d.Sess.Addr, arr[0])
	}
}

// dispatchSubmitResult correlates a response id back to its in-flight share
// and reports accept/reject (§4.5). A response with no matching entry is a
// late arrival for an already-reaped share and is logged and dropped.
func (d *Driver) dispatchSubmitResult(resp *stratumrpc.Response) {
	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		return
	}
	inflight, ok := d.Sess.Shares.Remove(id)
	if !ok {
		logf("share result for unknown id %d from %s, dropping", id, d.Sess.Addr)
		return
	}
	accepted := !resp.IsErrorResult() && stratumrpc.Truthy(resp.ResultOrNil())
	if d.Notifier != nil {
		d.Notifier.NotifyShareResult(inflight.LocalID, accepted)
	}
}
