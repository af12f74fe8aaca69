// Package servermode implements the Server-mode Fetcher (C9): a startup
// probe across configured nodes followed by a single-endpoint command
// interpreter served over the same control socket primitive proxy mode
// uses (§4.10).
package servermode

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chimera-pool/generator/internal/config"
	"github.com/chimera-pool/generator/internal/ipc"
	"github.com/chimera-pool/generator/internal/nodeapi"
)

// templateRules mirrors the rule set the teacher's node adapter requests;
// server mode only needs one template to validate liveness.
var templateRules = []string{"segwit"}

// Probe iterates the configured nodes in order, validating each by
// fetching one block template and checking the payout address, and returns
// the first alive client (§4.10: "pick the first alive node", no runtime
// failover). It returns an error only once every node has failed.
func Probe(nodes []config.NodeConfig, timeout time.Duration) (*nodeapi.Client, error) {
	var failures []string
	for _, n := range nodes {
		client := nodeapi.New(n.URL, n.User, n.Password, timeout)

		if _, err := client.BlockTemplate(templateRules); err != nil {
			failures = append(failures, fmt.Sprintf("%s: template fetch failed: %v", n.URL, err))
			continue
		}
		validation, err := client.ValidateAddress(n.Address)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: address validation failed: %v", n.URL, err))
			continue
		}
		if !validation.IsValid {
			failures = append(failures, fmt.Sprintf("%s: payout address %s invalid", n.URL, n.Address))
			continue
		}

		log.Printf("generator: servermode: node %s alive, using it", n.URL)
		return client, nil
	}
	return nil, fmt.Errorf("no live node survived startup probe: %s", strings.Join(failures, "; "))
}

// Handler answers the server-mode control verbs of §4.10 against one
// already-probed node client.
type Handler struct {
	Client   *nodeapi.Client
	Notifier *ipc.Stratifier
	Shutdown func()
}

// Handle dispatches one request. submitblock:<hex> is the one verb with an
// embedded argument; everything else is a bare literal.
func (h *Handler) Handle(req []byte) []byte {
	cmd := string(req)
	switch {
	case cmd == "ping":
		return []byte("pong")
	case cmd == "shutdown":
		if h.Shutdown != nil {
			h.Shutdown()
		}
		return []byte(`{"ok":true}`)
	case cmd == "getbase":
		return h.getBase()
	case cmd == "getbest":
		return h.getBest()
	case cmd == "getlast":
		return h.getLast()
	case strings.HasPrefix(cmd, "submitblock:"):
		return h.submitBlock(strings.TrimPrefix(cmd, "submitblock:"))
	default:
		return []byte(`{"error":"unknown command"}`)
	}
}

func (h *Handler) getBase() []byte {
	tmpl, err := h.Client.BlockTemplate(templateRules)
	if err != nil {
		return errorJSON(err)
	}
	return tmpl
}

func (h *Handler) getBest() []byte {
	hash, err := h.Client.BestBlockHash()
	if err != nil {
		return errorJSON(err)
	}
	return []byte(`{"hash":"` + hash + `"}`)
}

func (h *Handler) getLast() []byte {
	height, err := h.Client.BlockCount()
	if err != nil {
		return errorJSON(err)
	}
	hash, err := h.Client.BlockHash(height)
	if err != nil {
		return errorJSON(err)
	}
	return []byte(`{"height":` + fmt.Sprint(height) + `,"hash":"` + hash + `"}`)
}

func (h *Handler) submitBlock(blockHex string) []byte {
	if err := h.Client.SubmitBlock(blockHex); err != nil {
		return errorJSON(err)
	}
	if h.Notifier != nil {
		h.Notifier.NotifyUpdate()
	}
	return []byte(`{"ok":true}`)
}

func errorJSON(err error) []byte {
	return []byte(`{"error":"` + strings.ReplaceAll(err.Error(), `"`, `'`) + `"}`)
}
