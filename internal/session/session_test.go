package session

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/generator/internal/stratumrpc"
	"github.com/chimera-pool/generator/internal/transport"
)

// newPipedSession wires a Session directly to one end of a net.Pipe so the
// handshake methods can be exercised without a real dialer.
func newPipedSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	s := New("pipe", "user", "pass", "generator/1.0", time.Second, 200*time.Millisecond)
	s.conn.Store(transport.NewForTest(client))
	return s, server
}

func readRequest(t *testing.T, server net.Conn) map[string]interface{} {
	t.Helper()
	r := bufio.NewReader(server)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &req))
	return req
}

func writeResponse(t *testing.T, server net.Conn, id interface{}, result, errVal string) {
	t.Helper()
	var raw string
	if errVal != "" {
		raw = `{"id":` + idJSON(id) + `,"result":null,"error":` + errVal + `}` + "\n"
	} else {
		raw = `{"id":` + idJSON(id) + `,"result":` + result + `,"error":null}` + "\n"
	}
	_, err := server.Write([]byte(raw))
	require.NoError(t, err)
}

func idJSON(id interface{}) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestSubscribe_ThreeTierFallback(t *testing.T) {
	s, server := newPipedSession(t)
	defer server.Close()

	sid := "resumeme"
	s.mu.Lock()
	s.sessionID = &sid
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.Subscribe() }()

	// tier 1: [client-tag, sessionid] — rejected
	req := readRequest(t, server)
	assert.Equal(t, "mining.subscribe", req["method"])
	params := req["params"].([]interface{})
	require.Len(t, params, 2)
	assert.Equal(t, "resumeme", params[1])
	writeResponse(t, server, req["id"], "", `"unknown session"`)
	err := <-done
	require.Error(t, err)

	s.mu.Lock()
	assert.True(t, s.noSessionID)
	assert.False(t, s.noParams)
	assert.Nil(t, s.sessionID)
	s.mu.Unlock()

	// tier 2: [client-tag] — rejected
	go func() { done <- s.Subscribe() }()
	req = readRequest(t, server)
	params = req["params"].([]interface{})
	require.Len(t, params, 1)
	writeResponse(t, server, req["id"], "", `"nope"`)
	err = <-done
	require.Error(t, err)

	s.mu.Lock()
	assert.True(t, s.noSessionID)
	assert.True(t, s.noParams)
	s.mu.Unlock()

	// tier 3: [] — accepted
	go func() { done <- s.Subscribe() }()
	req = readRequest(t, server)
	params = req["params"].([]interface{})
	require.Len(t, params, 0)
	writeResponse(t, server, req["id"], `[["mining.notify","newsid"],"ab12cd34",4]`, "")
	err = <-done
	require.NoError(t, err)

	assert.True(t, s.Exhausted())
	assert.Equal(t, "ab12cd34", s.Enonce1())
	assert.Equal(t, 4, s.Nonce2Len())
}

func TestSubscribe_Enonce1BoundaryRejected(t *testing.T) {
	s, server := newPipedSession(t)
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- s.Subscribe() }()

	req := readRequest(t, server)
	// 32 bytes hex-encoded is 64 chars: over the 15-byte cap
	over := ""
	for i := 0; i < 64; i++ {
		over += "a"
	}
	writeResponse(t, server, req["id"], `[["mining.notify","sid"],"`+over+`",4]`, "")
	err := <-done
	require.Error(t, err)
}

func TestSubscribe_Nonce2LenBoundaries(t *testing.T) {
	cases := []struct {
		n2len int
		ok    bool
	}{
		{3, false},
		{4, true},
		{8, true},
		{9, false},
	}
	for _, tc := range cases {
		s, server := newPipedSession(t)
		done := make(chan error, 1)
		go func() { done <- s.Subscribe() }()

		req := readRequest(t, server)
		result := `[["mining.notify","sid"],"ab12",` + itoa(tc.n2len) + `]`
		writeResponse(t, server, req["id"], result, "")
		err := <-done
		if tc.ok {
			assert.NoError(t, err, "n2len=%d", tc.n2len)
		} else {
			assert.Error(t, err, "n2len=%d", tc.n2len)
		}
		server.Close()
	}
}

func TestAuthorize_SkipsPushesThenMatches(t *testing.T) {
	s, server := newPipedSession(t)
	defer server.Close()

	var pushed []string
	done := make(chan error, 1)
	go func() {
		done <- s.Authorize(func(resp *stratumrpc.Response) {
			pushed = append(pushed, resp.Method)
		})
	}()

	req := readRequest(t, server)
	assert.Equal(t, "mining.authorize", req["method"])

	// an unsolicited push arrives before the authorize response
	_, err := server.Write([]byte(`{"id":null,"method":"mining.set_difficulty","params":[64]}` + "\n"))
	require.NoError(t, err)

	writeResponse(t, server, req["id"], "true", "")
	require.NoError(t, <-done)
	assert.Equal(t, []string{"mining.set_difficulty"}, pushed)
}

func TestAuthorize_RejectedResult(t *testing.T) {
	s, server := newPipedSession(t)
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- s.Authorize(nil) }()

	req := readRequest(t, server)
	writeResponse(t, server, req["id"], "false", "")
	assert.Error(t, <-done)
}

func TestSetDifficulty_Idempotence(t *testing.T) {
	s := New("addr", "u", "p", "tag", time.Second, time.Second)

	assert.True(t, s.SetDifficulty(512))
	assert.False(t, s.SetDifficulty(512), "same value must not report a change")
	assert.False(t, s.SetDifficulty(0), "zero must never apply")
	assert.True(t, s.SetDifficulty(1024))
	assert.Equal(t, float64(1024), s.Difficulty())
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
