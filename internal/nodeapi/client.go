// Package nodeapi implements the node RPC adapter (§6): the capability
// surface server mode and the startup probe need from a local bitcoind-
// compatible node, over HTTP JSON-RPC with Basic Auth.
package nodeapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is one configured upstream node connection.
type Client struct {
	URL      string
	User     string
	Password string

	http *http.Client
}

// New constructs a Client with the given request timeout.
func New(url, user, password string, timeout time.Duration) *Client {
	return &Client{
		URL:      url,
		User:     user,
		Password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequest(http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.SetBasicAuth(c.User, c.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// BlockTemplate fetches a new block template (getbase / startup probe).
func (c *Client) BlockTemplate(rules []string) (json.RawMessage, error) {
	return c.call("getblocktemplate", []interface{}{map[string]interface{}{"rules": rules}})
}

// BestBlockHash returns the hash of the current chain tip (getbest).
func (c *Client) BestBlockHash() (string, error) {
	result, err := c.call("getbestblockhash", nil)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("decode bestblockhash: %w", err)
	}
	return hash, nil
}

// BlockCount returns the current chain height.
func (c *Client) BlockCount() (int64, error) {
	result, err := c.call("getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, fmt.Errorf("decode blockcount: %w", err)
	}
	return count, nil
}

// BlockHash returns the hash at the given height (getlast: current height).
func (c *Client) BlockHash(height int64) (string, error) {
	result, err := c.call("getblockhash", []interface{}{height})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("decode blockhash: %w", err)
	}
	return hash, nil
}

// SubmitBlock submits a solved block's hex-encoded serialization.
func (c *Client) SubmitBlock(blockHex string) error {
	result, err := c.call("submitblock", []interface{}{blockHex})
	if err != nil {
		return err
	}
	// bitcoind returns null on success and a reject-reason string otherwise.
	var reason *string
	if err := json.Unmarshal(result, &reason); err != nil {
		return fmt.Errorf("decode submitblock result: %w", err)
	}
	if reason != nil {
		return fmt.Errorf("block rejected: %s", *reason)
	}
	return nil
}

// AddressValidation is the subset of validateaddress this adapter cares
// about: whether the node reports the configured payout address as valid.
type AddressValidation struct {
	IsValid bool   `json:"isvalid"`
	Address string `json:"address"`
}

// ValidateAddress checks the configured payout address against the node.
func (c *Client) ValidateAddress(address string) (*AddressValidation, error) {
	result, err := c.call("validateaddress", []interface{}{address})
	if err != nil {
		return nil, err
	}
	var v AddressValidation
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, fmt.Errorf("decode validateaddress: %w", err)
	}
	return &v, nil
}
