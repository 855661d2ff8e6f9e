// Package mcp implements the client-facing side of the relay: Content-Length
// framing for JSON-RPC 2.0 messages and the dispatcher that routes each
// request to a native tool or to the delegate process.
//
// # Framing
//
// Every message on both transports (relay stdin/stdout and the delegate's
// stdin/stdout) is one frame:
//
//	Content-Length: <N>\r\n
//	\r\n
//	<N bytes of UTF-8 JSON>
//
// N counts bytes of the serialized payload, not characters. ReadFrame and
// WriteFrame are the codec; FrameReader and FrameWriter wrap a stream.
// A malformed or truncated frame is reported as a *FramingError and ends the
// stream that produced it.
//
// # Dispatch
//
//	client frame
//	    ↓
//	Server.Run (one request at a time)
//	    ├─ initialize  → static capabilities
//	    ├─ tools/list  → Delegate.ListTools (empty list + error on failure)
//	    ├─ tools/call  → NativeTools.Call (wrapped as text content)
//	    │                or Delegate.CallTool (result passed through)
//	    └─ other       → -32601 Method not found
//	    ↓
//	response frame
//
// Requests without an id are notifications and receive no response. Tool
// failures become -32000 error responses; the client connection is never
// torn down because a tool failed.
package mcp
