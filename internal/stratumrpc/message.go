// Package stratumrpc implements the line-delimited JSON-RPC codec spoken
// between the generator and both upstream Stratum pools (proxy mode) and
// local clients of the notify/submit pipeline.
package stratumrpc

import (
	"encoding/json"
	"fmt"
)

// Request is an outbound JSON-RPC call: {id, method, params}.
type Request struct {
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Response is a decoded inbound JSON-RPC message. Method is non-empty only
// for push notifications (mining.notify, mining.set_difficulty, ...); Result
// and Error are populated for request/response pairs.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Encode marshals a request as a single line (without the trailing newline;
// callers append it when writing to the wire).
func Encode(id int, method string, params []interface{}) ([]byte, error) {
	req := Request{ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return data, nil
}

// Decode parses one line into a Response.
func Decode(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &resp, nil
}

// IsErrorResult reports whether the response carries a non-null error,
// meaning Result (per §4.2) should be treated as absent.
func (r *Response) IsErrorResult() bool {
	return len(r.Error) > 0 && string(r.Error) != "null"
}

// ResultOrNil returns the raw result value, or nil when the payload carries
// a non-null error (§4.2).
func (r *Response) ResultOrNil() json.RawMessage {
	if r.IsErrorResult() {
		return nil
	}
	return r.Result
}

// maxNotifyDepth bounds the reentrant notify search (§9: guard against
// malicious deep nesting; not present in the original source).
const maxNotifyDepth = 32

// FindNotify recursively searches arrays for one whose first element is the
// string "mining.notify" (§4.2). It tolerates upstreams that nest the notify
// descriptor inside an extra wrapping array. Returns nil if absent or if the
// nesting exceeds maxNotifyDepth.
func FindNotify(v interface{}) []interface{} {
	return findNotify(v, 0)
}

func findNotify(v interface{}, depth int) []interface{} {
	if depth > maxNotifyDepth {
		return nil
	}
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return nil
	}
	if s, ok := arr[0].(string); ok && s == "mining.notify" {
		return arr
	}
	for _, elem := range arr {
		if found := findNotify(elem, depth+1); found != nil {
			return found
		}
	}
	return nil
}

// ParseArrayResult unmarshals a raw JSON result into a generic array,
// the shape every subscribe response and most notify payloads take.
func ParseArrayResult(raw json.RawMessage) ([]interface{}, error) {
	var arr []interface{}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("expected array result: %w", err)
	}
	return arr, nil
}

// Truthy reports whether a raw JSON value decodes to a non-zero, non-false,
// non-null value, used to interpret the authorize response's result (§4.3).
func Truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
