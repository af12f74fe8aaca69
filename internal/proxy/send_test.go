package proxy

import (
	"bufio"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/generator/internal/jobcache"
	"github.com/chimera-pool/generator/internal/session"
)

func TestSubmit_DropsWhenJobUnresolved(t *testing.T) {
	d, server := newDriverPair(t)
	defer server.Close()

	d.submit(session.SubmitRequest{ClientID: 1, ClientMsgID: 2, LocalJobID: 999, Nonce2: "0011", NTime: "5f5e1000", Nonce: "deadbeef"})

	assert.Equal(t, 0, d.Sess.Shares.Len())
}

func TestSubmit_ReKeysToUpstreamJobID(t *testing.T) {
	d, server := newDriverPair(t)
	defer server.Close()

	localJobID := d.Sess.Jobs.Insert(&jobcache.Notification{
		UpstreamJobID: "upstream-job-7",
		ReceivedAt:    time.Now(),
	})

	d.submit(session.SubmitRequest{
		ClientID:    1,
		ClientMsgID: 2,
		LocalJobID:  localJobID,
		Nonce2:      "0011",
		NTime:       "5f5e1000",
		Nonce:       "deadbeef",
	})

	r := bufio.NewReader(server)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)

	var req struct {
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(line, &req))
	assert.Equal(t, "mining.submit", req.Method)
	require.Len(t, req.Params, 5)
	assert.Equal(t, "upstream-job-7", req.Params[1])
	assert.Equal(t, 1, d.Sess.Shares.Len())
}

func TestSubmit_CloseOnWriteFailure(t *testing.T) {
	d, server := newDriverPair(t)
	localJobID := d.Sess.Jobs.Insert(&jobcache.Notification{UpstreamJobID: "j1", ReceivedAt: time.Now()})
	server.Close()
	d.Sess.Close()

	d.submit(session.SubmitRequest{LocalJobID: localJobID, Nonce2: "0011", NTime: "5f5e1000", Nonce: "deadbeef"})
}
