package control

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/generator/internal/jobcache"
	"github.com/chimera-pool/generator/internal/session"
)

func newHandler() *ProxyHandler {
	s := session.New("upstream:3333", "miner.user", "x", "generator/1.0", time.Second, time.Second)
	return &ProxyHandler{Sess: s}
}

func TestHandle_Ping(t *testing.T) {
	h := newHandler()
	assert.Equal(t, []byte("pong"), h.Handle([]byte("ping")))
}

func TestHandle_GetNotify_EmptyCache(t *testing.T) {
	h := newHandler()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(h.Handle([]byte("getnotify")), &resp))
	assert.Contains(t, resp, "error")
}

func TestHandle_GetNotify_UsesLocalJobID(t *testing.T) {
	h := newHandler()
	localID := h.Sess.Jobs.Insert(&jobcache.Notification{
		UpstreamJobID: "upstream-job-99",
		PrevHash:      "abc123",
		MerkleBranch:  []string{"m1", "m2"},
		ReceivedAt:    time.Now(),
	})

	var view notifyView
	require.NoError(t, json.Unmarshal(h.Handle([]byte("getnotify")), &view))
	assert.Equal(t, localID, view.JobID)
	assert.Equal(t, "abc123", view.PrevHash)
	assert.Equal(t, []string{"m1", "m2"}, view.Merkle)
}

func TestHandle_Shutdown_InvokesCallback(t *testing.T) {
	h := newHandler()
	called := false
	h.Shutdown = func() { called = true }

	h.Handle([]byte("shutdown"))
	assert.True(t, called)
}

func TestHandle_SubmitShare_Queues(t *testing.T) {
	h := newHandler()
	req, _ := json.Marshal(shareSubmission{ClientID: 7, MsgID: 42, JobID: 3, Nonce2: "0011", NTime: "5f5e1000", Nonce: "cafebabe"})

	h.Handle(req)

	select {
	case queued := <-h.Sess.SendQueue:
		assert.Equal(t, int64(7), queued.ClientID)
		assert.Equal(t, int64(42), queued.ClientMsgID)
		assert.Equal(t, int64(3), queued.LocalJobID)
	default:
		t.Fatal("expected a queued submission")
	}
}

func TestHandle_UnknownVerbTreatedAsMalformedShare(t *testing.T) {
	h := newHandler()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(h.Handle([]byte("not json at all")), &resp))
	assert.Contains(t, resp, "error")
}
