// Package delegate talks to the delegate process: the secondary MCP server
// that implements every tool the relay does not serve natively.
package delegate

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zcad-products/jobboss2-relay/logger"
	"github.com/zcad-products/jobboss2-relay/mcp"
)

const clientName = "jobboss2-relay"

// DelegateError reports a JSON-RPC error or a malformed response from the
// delegate. It is surfaced to the client as a tool error, never fatal to the
// relay.
type DelegateError struct {
	Method string
	RPC    *mcp.RPCError // nil when the response itself was malformed
	Detail string
}

func (e *DelegateError) Error() string {
	if e.RPC != nil {
		return fmt.Sprintf("delegate rpc error: %s", e.RPC.String())
	}
	return fmt.Sprintf("delegate rpc error: %s: %s", e.Method, e.Detail)
}

type rawResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Channel is a request/response client over the delegate's stdio. Calls are
// serialized: at most one request is outstanding, so every frame read while
// it waits either answers that request or is discarded.
type Channel struct {
	mu     sync.Mutex
	writer *mcp.FrameWriter
	reader *mcp.FrameReader
	nextID int64
	log    *slog.Logger
}

// NewChannel creates a Channel writing requests to w and reading responses
// from r. Identifiers start at 1.
func NewChannel(r io.Reader, w io.Writer) *Channel {
	return &Channel{
		writer: mcp.NewFrameWriter(w),
		reader: mcp.NewFrameReader(r),
		nextID: 1,
		log:    logger.WithComponent("delegate"),
	}
}

// Call sends method with params and blocks until the response carrying the
// same identifier arrives.
func (c *Channel) Call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	req := mcp.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
		Params:  rawParams,
	}
	if err := c.writer.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send %s to delegate: %w", method, err)
	}
	c.log.Debug("sent request", "method", method, "id", id)

	for {
		payload, err := c.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("failed to read delegate response to %s: %w", method, err)
		}

		// Members stay raw so a badly shaped error cannot hide a matching id
		var resp rawResponse
		if err := json.Unmarshal(payload, &resp); err != nil || !mcp.IDEquals(resp.ID, id) {
			c.log.Debug("discarding unmatched frame", "want", id, "id", string(resp.ID))
			continue
		}

		if len(resp.Error) > 0 && string(resp.Error) != "null" {
			var rpcErr mcp.RPCError
			if err := json.Unmarshal(resp.Error, &rpcErr); err != nil {
				return nil, &DelegateError{Method: method, Detail: fmt.Sprintf("malformed error: %s", resp.Error)}
			}
			return nil, &DelegateError{Method: method, RPC: &rpcErr}
		}
		if len(resp.Result) == 0 {
			return nil, &DelegateError{Method: method, Detail: "missing result"}
		}
		return resp.Result, nil
	}
}

// Notify sends a notification; no response is expected.
func (c *Channel) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := mcp.Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	if err := c.writer.Write(req); err != nil {
		return fmt.Errorf("failed to send %s to delegate: %w", method, err)
	}
	return nil
}

// Initialize performs the MCP handshake and announces completion.
func (c *Channel) Initialize() error {
	_, err := c.Call("initialize", mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.ClientInfo{Name: clientName, Version: mcp.ServerVersion},
	})
	if err != nil {
		return fmt.Errorf("delegate initialize failed: %w", err)
	}
	return c.Notify("notifications/initialized", nil)
}

// ListTools returns the delegate's tools/list result unchanged.
func (c *Channel) ListTools() (json.RawMessage, error) {
	return c.Call("tools/list", struct{}{})
}

// CallTool forwards a tool call with its arguments verbatim.
func (c *Channel) CallTool(name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return c.Call("tools/call", mcp.ToolCallParams{Name: name, Arguments: args})
}

var _ mcp.Delegate = (*Channel)(nil)
