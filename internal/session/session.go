// Package session implements the Upstream Session (C3): the per-upstream
// mutable state plus the three-tier subscribe protocol, authorize, and the
// fallback/reconnect ladder of §4.3.
package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-pool/generator/internal/jobcache"
	"github.com/chimera-pool/generator/internal/sharetracker"
	"github.com/chimera-pool/generator/internal/stratumrpc"
	"github.com/chimera-pool/generator/internal/transport"
)

const (
	minNonce2Len  = 4
	maxNonce2Len  = 8
	maxEnonce1Bin = 15
)

// SubmitRequest is one queued outbound mining.submit (§4.5). ClientID and
// ClientMsgID identify the originating local connection and its own
// request id; the send loop records both in the share tracker, which
// assigns the local share id used as the request id, and re-keys LocalJobID
// to the upstream job id before transmission.
type SubmitRequest struct {
	ClientID    int64
	ClientMsgID int64
	LocalJobID  int64
	Nonce2      string
	NTime       string
	Nonce       string
}

// Session holds everything the receive/send/control triple shares for one
// upstream Stratum connection.
type Session struct {
	Addr       string
	User       string
	Password   string
	ClientTag  string
	InstanceID uuid.UUID

	DialTimeout time.Duration
	ReadTimeout time.Duration

	conn atomic.Value // holds *transport.Conn

	reqID uint64 // monotonic JSON-RPC request id counter (never reused, §3)

	mu          sync.Mutex // guards session-identity fields below
	sessionID   *string
	enonce1     string
	enonce1bin  []byte
	nonce2Len   int
	diff        float64
	diffChanged bool
	noSessionID bool
	noParams    bool

	Jobs   *jobcache.Cache
	Shares *sharetracker.Tracker

	SendQueue chan SubmitRequest
}

// New constructs a Session with its caches and send queue ready to use.
func New(addr, user, password, clientTag string, dialTimeout, readTimeout time.Duration) *Session {
	return &Session{
		Addr:        addr,
		User:        user,
		Password:    password,
		ClientTag:   clientTag,
		InstanceID:  uuid.New(),
		DialTimeout: dialTimeout,
		ReadTimeout: readTimeout,
		Jobs:        jobcache.New(),
		Shares:      sharetracker.New(),
		SendQueue:   make(chan SubmitRequest, 256),
	}
}

// Conn returns the current live connection, or nil if not connected.
func (s *Session) Conn() *transport.Conn {
	c, _ := s.conn.Load().(*transport.Conn)
	return c
}

// nextReqID returns the next request id for this session.
func (s *Session) nextReqID() int {
	return int(atomic.AddUint64(&s.reqID, 1))
}

// Dial opens the TCP connection to Addr.
func (s *Session) Dial() error {
	c, err := transport.Dial(s.Addr, s.DialTimeout)
	if err != nil {
		return err
	}
	s.conn.Store(c)
	return nil
}

// SetConnForTest injects an already-established connection (e.g. one end of
// a net.Pipe) without dialing. It exists so other packages' tests can drive
// a Session's handshake and loop logic without a real socket.
func (s *Session) SetConnForTest(c *transport.Conn) {
	s.conn.Store(c)
}

// Close tears down the current connection, if any.
func (s *Session) Close() {
	if c := s.Conn(); c != nil {
		_ = c.Close()
	}
}

// send writes one JSON-RPC request and returns the id used.
func (s *Session) send(method string, params []interface{}) (int, error) {
	id := s.nextReqID()
	line, err := stratumrpc.Encode(id, method, params)
	if err != nil {
		return 0, err
	}
	conn := s.Conn()
	if conn == nil {
		return 0, fmt.Errorf("session not connected")
	}
	if err := conn.Write(line); err != nil {
		return 0, err
	}
	return id, nil
}

// readOne blocks (within ReadTimeout, retried) for one line and decodes it.
// Unlike the receive loop, this is used only during the synchronous
// subscribe/authorize handshake.
func (s *Session) readOne() (*stratumrpc.Response, error) {
	conn := s.Conn()
	if conn == nil {
		return nil, fmt.Errorf("session not connected")
	}
	for {
		line, status := conn.ReadLine(s.ReadTimeout)
		switch status {
		case transport.ReadOK:
			return stratumrpc.Decode(line)
		case transport.ReadIdle:
			continue
		default:
			return nil, fmt.Errorf("connection failed during handshake")
		}
	}
}

// Subscribe implements the three-tier subscribe protocol of §4.3.
func (s *Session) Subscribe() error {
	s.mu.Lock()
	sessionID := s.sessionID
	noParams := s.noParams
	s.mu.Unlock()

	var params []interface{}
	switch {
	case sessionID != nil:
		params = []interface{}{s.ClientTag, *sessionID}
	case !noParams:
		params = []interface{}{s.ClientTag}
	default:
		params = []interface{}{}
	}

	if _, err := s.send("mining.subscribe", params); err != nil {
		return s.onSubscribeFailure(err)
	}

	resp, err := s.readOne()
	if err != nil {
		return s.onSubscribeFailure(err)
	}
	if resp.IsErrorResult() {
		return s.onSubscribeFailure(fmt.Errorf("upstream rejected subscribe"))
	}

	arr, err := stratumrpc.ParseArrayResult(resp.Result)
	if err != nil || len(arr) < 3 {
		return s.onSubscribeFailure(fmt.Errorf("malformed subscribe response"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if notify := stratumrpc.FindNotify(arr[0]); notify != nil {
		if !s.noSessionID && !s.noParams && len(notify) >= 2 {
			if sid, ok := notify[1].(string); ok {
				s.sessionID = &sid
			}
		}
	}

	enonce1Hex, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("malformed extranonce1")
	}
	if len(enonce1Hex)%2 != 0 || len(enonce1Hex)/2 > maxEnonce1Bin {
		return fmt.Errorf("extranonce1 too long: %d hex chars", len(enonce1Hex))
	}
	bin, err := hex.DecodeString(enonce1Hex)
	if err != nil {
		return fmt.Errorf("extranonce1 not hex: %w", err)
	}

	n2len, ok := arr[2].(float64)
	if !ok {
		return fmt.Errorf("malformed nonce2 length")
	}
	if int(n2len) < minNonce2Len || int(n2len) > maxNonce2Len {
		return fmt.Errorf("nonce2 length %d out of range [%d,%d]", int(n2len), minNonce2Len, maxNonce2Len)
	}

	s.enonce1 = enonce1Hex
	s.enonce1bin = bin
	s.nonce2Len = int(n2len)
	return nil
}

// onSubscribeFailure implements the fallback ladder of §4.3: discard the
// session id unconditionally, then escalate exactly one capability flag per
// failure — no_sessionid first, then no_params — and only declare defeat
// once both are set.
func (s *Session) onSubscribeFailure(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionID = nil

	switch {
	case !s.noSessionID:
		s.noSessionID = true
		return fmt.Errorf("subscribe failed, retrying without session id: %w", cause)
	case !s.noParams:
		s.noParams = true
		return fmt.Errorf("subscribe failed, retrying with empty params: %w", cause)
	default:
		return fmt.Errorf("subscribe exhausted all fallback tiers: %w", cause)
	}
}

// Exhausted reports whether the fallback ladder has been fully tried, i.e.
// both capability flags are set (§8 invariant).
func (s *Session) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noSessionID && s.noParams
}

// Authorize sends mining.authorize and waits for a truthy result, skipping
// over any unsolicited push methods that arrive first (§4.3). pushHandler is
// invoked for each skipped push so the receive dispatcher can process it
// instead of dropping it silently.
func (s *Session) Authorize(pushHandler func(*stratumrpc.Response)) error {
	id, err := s.send("mining.authorize", []interface{}{s.User, s.Password})
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	for {
		resp, err := s.readOne()
		if err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		if resp.Method != "" {
			if pushHandler != nil {
				pushHandler(resp)
			}
			continue
		}
		var respID int
		_ = decodeID(resp.ID, &respID)
		if respID != id {
			// response to a different in-flight id; not expected during the
			// synchronous handshake, but don't block forever on it.
			continue
		}
		if !stratumrpc.Truthy(resp.ResultOrNil()) {
			return fmt.Errorf("upstream rejected authorize")
		}
		return nil
	}
}

// Enonce1 returns the current hex extranonce1.
func (s *Session) Enonce1() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enonce1
}

// Nonce2Len returns the current negotiated nonce2 length.
func (s *Session) Nonce2Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce2Len
}

// SetDifficulty updates diff if the value is nonzero and different,
// returning true exactly when it changed (§4.6, §8 idempotence property).
func (s *Session) SetDifficulty(d float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == 0 || d == s.diff {
		return false
	}
	s.diff = d
	s.diffChanged = true
	return true
}

// Difficulty returns the current difficulty value.
func (s *Session) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diff
}

// Reconnect implements §4.7: flush the notification cache, then loop
// dial/subscribe/authorize until all succeed, sleeping gap between
// attempts. It never gives up — the caller runs it from the receive loop
// on stall or on a write failure it observes on the socket.
func (s *Session) Reconnect(gap time.Duration, pushHandler func(*stratumrpc.Response)) {
	s.Jobs.Flush()

	for {
		s.Close()
		if err := s.Dial(); err != nil {
			log.Printf("generator: reconnect dial %s failed: %v", s.Addr, err)
			time.Sleep(gap)
			continue
		}
		lastTier := s.Exhausted()
		if err := s.Subscribe(); err != nil {
			log.Printf("generator: reconnect subscribe %s failed: %v", s.Addr, err)
			if lastTier {
				// reset for the next connection attempt; exhaustion during
				// reconnect only means this attempt's ladder ran out, not
				// that the upstream is fatally incompatible (§7 kind 2 is
				// fatal only at startup).
				s.mu.Lock()
				s.noSessionID = false
				s.noParams = false
				s.mu.Unlock()
			}
			time.Sleep(gap)
			continue
		}
		if err := s.Authorize(pushHandler); err != nil {
			log.Printf("generator: reconnect authorize %s failed: %v", s.Addr, err)
			time.Sleep(gap)
			continue
		}
		return
	}
}

func decodeID(raw []byte, out *int) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
