package delegate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zcad-products/jobboss2-relay/exec"
	"github.com/zcad-products/jobboss2-relay/logger"
	"github.com/zcad-products/jobboss2-relay/mcp"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

// responder returns the frames a fake delegate writes for one inbound message.
type responder func(req mcp.Request) []any

// fakeDelegate serves frames until its stdin closes, recording every message.
type fakeDelegate struct {
	mu       sync.Mutex
	received []mcp.Request
	respond  responder
}

func (f *fakeDelegate) handler(stdin io.Reader, stdout io.Writer) error {
	r := bufio.NewReader(stdin)
	w := bufio.NewWriter(stdout)
	for {
		payload, err := mcp.ReadFrame(r)
		if err != nil {
			if mcp.IsCleanEOF(err) {
				return nil
			}
			return err
		}
		var req mcp.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return err
		}
		f.mu.Lock()
		f.received = append(f.received, req)
		f.mu.Unlock()

		for _, frame := range f.respond(req) {
			if err := mcp.WriteFrame(w, frame); err != nil {
				return err
			}
		}
	}
}

func (f *fakeDelegate) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.received {
		out = append(out, r.Method)
	}
	return out
}

func result(id json.RawMessage, v any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "result": v}
}

// startChannel wires a Channel to a fake delegate through a MockSpawner.
func startChannel(t *testing.T, respond responder) (*Channel, *fakeDelegate) {
	t.Helper()
	fake := &fakeDelegate{respond: respond}
	spawner := exec.NewMockSpawner()
	spawner.AddHandler("fake", fake.handler)

	proc, err := spawner.Spawn(context.Background(), exec.Spec{Name: "fake"})
	require.NoError(t, err)
	t.Cleanup(func() {
		proc.Kill()
		proc.Wait()
	})
	return NewChannel(proc.Stdout(), proc.Stdin()), fake
}

func TestCall_DiscardsFramesWithForeignIDs(t *testing.T) {
	ch, _ := startChannel(t, func(req mcp.Request) []any {
		return []any{
			result(json.RawMessage("99"), "decoy"),
			map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{}},
			result(json.RawMessage(`"1"`), "string id decoy"),
			result(req.ID, map[string]any{"ok": true}),
		}
	})

	got, err := ch.Call("tools/call", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestCall_AllocatesIncreasingIDs(t *testing.T) {
	ch, fake := startChannel(t, func(req mcp.Request) []any {
		return []any{result(req.ID, string(req.ID))}
	})

	for want := 1; want <= 3; want++ {
		got, err := ch.Call("ping", struct{}{})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(`"%d"`, want), string(got))
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for i, req := range fake.received {
		assert.True(t, mcp.IDEquals(req.ID, int64(i+1)), "request %d has id %s", i, req.ID)
		assert.Equal(t, "2.0", req.JSONRPC)
	}
}

func TestCall_ErrorResponse(t *testing.T) {
	ch, _ := startChannel(t, func(req mcp.Request) []any {
		return []any{map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32602, "message": "Tool not found: bogus"},
		}}
	})

	_, err := ch.CallTool("bogus", nil)
	require.Error(t, err)

	var de *DelegateError
	require.ErrorAs(t, err, &de)
	require.NotNil(t, de.RPC)
	assert.Equal(t, -32602, de.RPC.Code)
	assert.Contains(t, err.Error(), "Tool not found: bogus")
}

func TestCall_MissingResult(t *testing.T) {
	ch, _ := startChannel(t, func(req mcp.Request) []any {
		return []any{map[string]any{"jsonrpc": "2.0", "id": req.ID}}
	})

	_, err := ch.ListTools()
	var de *DelegateError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "missing result", de.Detail)
	assert.Nil(t, de.RPC)
}

func TestCall_MalformedErrorMember(t *testing.T) {
	for _, errMember := range []any{
		"tool exploded",
		map[string]any{"code": "-32000", "message": "bad code type"},
		map[string]any{"code": 1.5, "message": "fractional code"},
	} {
		ch, _ := startChannel(t, func(req mcp.Request) []any {
			return []any{map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": errMember}}
		})

		done := make(chan error, 1)
		go func() {
			_, err := ch.CallTool("create_order", nil)
			done <- err
		}()

		select {
		case err := <-done:
			var de *DelegateError
			require.ErrorAs(t, err, &de, "error member %v", errMember)
			assert.Nil(t, de.RPC)
			assert.Contains(t, de.Detail, "malformed error")
		case <-time.After(2 * time.Second):
			t.Fatalf("Call did not return for error member %v", errMember)
		}
	}
}

func TestCall_NullResultIsAResult(t *testing.T) {
	ch, _ := startChannel(t, func(req mcp.Request) []any {
		return []any{map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": nil}}
	})

	got, err := ch.Call("ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(got))
}

func TestCall_StreamClosed(t *testing.T) {
	ch := NewChannel(eofReader{}, io.Discard)

	_, err := ch.Call("ping", nil)
	var fe *mcp.FramingError
	require.ErrorAs(t, err, &fe)
	assert.True(t, mcp.IsCleanEOF(err))
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func TestCallTool_ForwardsArgumentsVerbatim(t *testing.T) {
	ch, fake := startChannel(t, func(req mcp.Request) []any {
		return []any{result(req.ID, map[string]any{"content": []any{}})}
	})

	args := json.RawMessage(`{"customerCode":"ACME","lines":[{"qty":2}]}`)
	_, err := ch.CallTool("create_order", args)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.received, 1)
	var params mcp.ToolCallParams
	require.NoError(t, json.Unmarshal(fake.received[0].Params, &params))
	assert.Equal(t, "create_order", params.Name)
	assert.JSONEq(t, string(args), string(params.Arguments))
}

func TestCall_ConcurrentCallersAreSerialized(t *testing.T) {
	ch, _ := startChannel(t, func(req mcp.Request) []any {
		var p map[string]int
		json.Unmarshal(req.Params, &p)
		return []any{result(req.ID, p["n"])}
	})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for n := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ch.Call("echo", map[string]int{"n": n})
			if err != nil {
				errs <- err
				return
			}
			if string(got) != fmt.Sprint(n) {
				errs <- fmt.Errorf("caller %d got %s", n, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStart_Handshake(t *testing.T) {
	fake := &fakeDelegate{respond: func(req mcp.Request) []any {
		switch req.Method {
		case "initialize":
			return []any{result(req.ID, map[string]any{"protocolVersion": mcp.ProtocolVersion})}
		case "tools/list":
			return []any{result(req.ID, map[string]any{"tools": []any{map[string]any{"name": "create_order"}}})}
		}
		return nil
	}}
	spawner := exec.NewMockSpawner()
	spawner.AddHandler("bun", fake.handler)

	proc, err := Start(context.Background(), spawner, Options{Command: "bun", Args: []string{"run", "start"}})
	require.NoError(t, err)

	tools, err := proc.ListTools()
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[{"name":"create_order"}]}`, string(tools))

	require.NoError(t, proc.Close(time.Second))
	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list"}, fake.methods())

	var init mcp.InitializeParams
	require.NoError(t, json.Unmarshal(fake.received[0].Params, &init))
	assert.Equal(t, "jobboss2-relay", init.ClientInfo.Name)
	assert.Equal(t, mcp.ProtocolVersion, init.ProtocolVersion)
}

func TestStart_HandshakeFailureIsFatal(t *testing.T) {
	fake := &fakeDelegate{respond: func(req mcp.Request) []any {
		return []any{map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32603, "message": "missing env"},
		}}
	}}
	spawner := exec.NewMockSpawner()
	spawner.AddHandler("bun", fake.handler)

	_, err := Start(context.Background(), spawner, Options{Command: "bun"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delegate initialize failed")

	var de *DelegateError
	assert.ErrorAs(t, err, &de)
}

func TestStart_SpawnFailure(t *testing.T) {
	spawner := exec.NewMockSpawner()
	boom := errors.New("exec: \"bun\": executable file not found in $PATH")
	spawner.AddRule(exec.MockRule{Match: func(exec.Spec) bool { return true }, Err: boom})

	_, err := Start(context.Background(), spawner, Options{Command: "bun"})
	assert.ErrorIs(t, err, boom)
}
