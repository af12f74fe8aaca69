package control

import (
	"encoding/json"
	"log"

	"github.com/chimera-pool/generator/internal/jobcache"
	"github.com/chimera-pool/generator/internal/session"
)

// ProxyHandler implements the proxy-mode Control Server verbs of §4.9 over
// one already-subscribed Session.
type ProxyHandler struct {
	Sess     *session.Session
	Shutdown func()
}

// shareSubmission is the share round-trip request shape (§8 scenario 3):
// client_id/msg_id identify the caller, the rest is forwarded as a
// mining.submit once the local job id is re-keyed by the send loop.
type shareSubmission struct {
	ClientID int64  `json:"client_id"`
	MsgID    int64  `json:"msg_id"`
	JobID    int64  `json:"jobid"`
	Nonce2   string `json:"nonce2"`
	NTime    string `json:"ntime"`
	Nonce    string `json:"nonce"`
}

type notifyView struct {
	JobID     int64    `json:"jobid"`
	PrevHash  string   `json:"prevhash"`
	Coinbase1 string   `json:"coinb1"`
	Coinbase2 string   `json:"coinb2"`
	Merkle    []string `json:"merkle"`
	Version   string   `json:"version"`
	NBits     string   `json:"nbits"`
	NTime     string   `json:"ntime"`
	Clean     bool     `json:"clean"`
}

// Handle answers one control request (§4.9).
func (h *ProxyHandler) Handle(req []byte) []byte {
	switch string(req) {
	case "shutdown":
		if h.Shutdown != nil {
			h.Shutdown()
		}
		return []byte(`{"ok":true}`)
	case "getsubscribe":
		return mustJSON(map[string]interface{}{
			"enonce1":   h.Sess.Enonce1(),
			"nonce2len": h.Sess.Nonce2Len(),
		})
	case "getnotify":
		return h.getNotify()
	case "getdiff":
		return mustJSON(map[string]interface{}{"diff": h.Sess.Difficulty()})
	case "ping":
		return []byte("pong")
	default:
		return h.submitShare(req)
	}
}

func (h *ProxyHandler) getNotify() []byte {
	n := h.Sess.Jobs.Current()
	if n == nil {
		return mustJSON(map[string]interface{}{"error": "no notification available"})
	}
	return mustJSON(notifyFromCache(n))
}

func notifyFromCache(n *jobcache.Notification) notifyView {
	return notifyView{
		JobID:     n.LocalID,
		PrevHash:  n.PrevHash,
		Coinbase1: n.Coinbase1,
		Coinbase2: n.Coinbase2,
		Merkle:    n.MerkleBranch,
		Version:   n.Version,
		NBits:     n.NBits,
		NTime:     n.NTime,
		Clean:     n.Clean,
	}
}

func (h *ProxyHandler) submitShare(req []byte) []byte {
	var sub shareSubmission
	if err := json.Unmarshal(req, &sub); err != nil {
		return mustJSON(map[string]interface{}{"error": "malformed request"})
	}

	select {
	case h.Sess.SendQueue <- session.SubmitRequest{
		ClientID:    sub.ClientID,
		ClientMsgID: sub.MsgID,
		LocalJobID:  sub.JobID,
		Nonce2:      sub.Nonce2,
		NTime:       sub.NTime,
		Nonce:       sub.Nonce,
	}:
		return mustJSON(map[string]interface{}{"queued": true})
	default:
		log.Printf("generator: control: send queue full, dropping share from client %d", sub.ClientID)
		return mustJSON(map[string]interface{}{"error": "send queue full"})
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal encoding failure"}`)
	}
	return data
}
