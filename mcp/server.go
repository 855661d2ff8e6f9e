package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/zcad-products/jobboss2-relay/logger"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "jobboss2-relay"
	ServerVersion   = "0.3.0"
)

// NativeTools serves tools implemented directly against the REST API.
// Supports and Call must consult the same table.
type NativeTools interface {
	Supports(name string) bool
	Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Delegate forwards the tool catalog and non-native tool calls to the
// delegate process.
type Delegate interface {
	ListTools() (json.RawMessage, error)
	CallTool(name string, args json.RawMessage) (json.RawMessage, error)
}

// Server is the client-facing dispatcher. It handles one request at a time:
// read a frame, resolve it fully, write the response, then read the next.
type Server struct {
	reader   *FrameReader
	writer   *FrameWriter
	native   NativeTools
	delegate Delegate
	log      *slog.Logger
}

// ServerOption is a functional option for configuring Server
type ServerOption func(*Server)

// WithLogger replaces the component logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// NewServer creates a dispatcher reading client frames from r and writing
// responses to w.
func NewServer(r io.Reader, w io.Writer, native NativeTools, delegate Delegate, opts ...ServerOption) *Server {
	s := &Server{
		reader:   NewFrameReader(r),
		writer:   NewFrameWriter(w),
		native:   native,
		delegate: delegate,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.WithComponent("mcp")
	}
	return s
}

// Run serves the client until its input closes. A clean close at a frame
// boundary returns nil; a malformed frame or failed write returns an error.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("server starting")

	for {
		payload, err := s.reader.Read()
		if err != nil {
			if IsCleanEOF(err) {
				s.log.Info("EOF received, shutting down")
				return nil
			}
			s.log.Error("read error", "error", err)
			return err
		}

		s.log.Debug("received message", "bytes", len(payload))

		resp := s.handleMessage(ctx, payload)
		if resp == nil {
			continue
		}
		if err := s.writer.Write(resp); err != nil {
			s.log.Error("failed to write response", "error", err)
			return fmt.Errorf("write response failed: %w", err)
		}
	}
}

// handleMessage resolves one inbound payload. It returns nil when nothing
// should be written back.
func (s *Server) handleMessage(ctx context.Context, payload json.RawMessage) *Response {
	var req Request
	// A valid frame that is not a request object, or whose members have the
	// wrong JSON types, still gets a reply so the client is never left waiting.
	// Its id cannot be trusted, so the reply carries a null id.
	if err := json.Unmarshal(payload, &req); err != nil {
		s.log.Warn("invalid request", "error", err)
		return errorResponse(nullID, CodeInvalidRequest, "Invalid Request")
	}

	if req.Method == "" {
		s.log.Debug("ignoring message without method")
		return nil
	}
	if req.IsNotification() {
		s.log.Debug("notification received", "method", req.Method)
		return nil
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(&req)
	case "ping":
		return resultResponse(req.ID, json.RawMessage("{}"))
	case "tools/list":
		return s.handleToolsList(&req)
	case "tools/call":
		return s.handleToolsCall(ctx, &req)
	default:
		s.log.Warn("unknown method", "method", req.Method)
		return errorResponse(req.ID, CodeMethodNotFound, "Method not found")
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	return s.marshalResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capability{
			Tools: &ToolCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
	})
}

// handleToolsList forwards the catalog request. A failing delegate yields an
// empty list with the error inline instead of an error response.
func (s *Server) handleToolsList(req *Request) *Response {
	tools, err := s.delegate.ListTools()
	if err != nil {
		s.log.Warn("delegate tools/list failed", "error", err)
		return s.marshalResult(req.ID, degradedToolList{Tools: []any{}, Error: err.Error()})
	}
	return resultResponse(req.ID, tools)
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeServerError, fmt.Sprintf("invalid tools/call params: %v", err))
		}
	}
	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	log := s.log.With("tool", params.Name)

	if s.native.Supports(params.Name) {
		log.Debug("serving native tool")
		out, err := s.native.Call(ctx, params.Name, args)
		if err != nil {
			log.Warn("native tool failed", "error", err)
			return errorResponse(req.ID, CodeServerError, err.Error())
		}
		return s.marshalResult(req.ID, ToolCallResult{
			Content: []ContentItem{{Type: "text", Text: compactJSON(out)}},
		})
	}

	log.Debug("forwarding tool to delegate")
	out, err := s.delegate.CallTool(params.Name, args)
	if err != nil {
		log.Warn("delegated tool failed", "error", err)
		return errorResponse(req.ID, CodeServerError, err.Error())
	}
	return resultResponse(req.ID, out)
}

func (s *Server) marshalResult(id json.RawMessage, v any) *Response {
	data, err := marshalFrame(v)
	if err != nil {
		s.log.Error("failed to marshal result", "error", err)
		return errorResponse(id, CodeServerError, err.Error())
	}
	return resultResponse(id, data)
}

func resultResponse(id json.RawMessage, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// compactJSON renders a native tool result as compact JSON text.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
