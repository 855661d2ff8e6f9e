package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/zcad-products/jobboss2-relay/mcp"
)

type toolKind int

const (
	kindList toolKind = iota
	kindByKey
	kindCustom
)

// nativeTool describes how one tool name maps onto a REST request.
type nativeTool struct {
	kind   toolKind
	path   string
	keyArg string
	schema *gojsonschema.Schema
}

const listSchema = `{
	"type": "object",
	"properties": {
		"fields": {"type": "string"},
		"sort":   {"type": "string"},
		"skip":   {"type": "integer", "minimum": 0},
		"take":   {"type": "integer", "minimum": 0},
		"query":  {"type": "object"}
	}
}`

const customSchema = `{
	"type": "object",
	"properties": {
		"method": {"type": "string", "minLength": 1},
		"path":   {"type": "string", "minLength": 1},
		"query":  {"type": "object"}
	},
	"required": ["method", "path"]
}`

// listQueryArgs are the top-level list arguments forwarded as query parameters.
var listQueryArgs = []string{"fields", "sort", "skip", "take"}

var customMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// nativeTools is the only place a tool is classified as native. Supports and
// Call both read it.
var nativeTools = map[string]nativeTool{
	"get_orders":                  listTool("/api/v2/orders"),
	"get_order_by_id":             byKeyTool("/api/v2/orders", "orderNumber"),
	"get_customers":               listTool("/api/v2/customers"),
	"get_customer_by_code":        byKeyTool("/api/v2/customers", "customerCode"),
	"get_quotes":                  listTool("/api/v2/quotes"),
	"get_quote_by_id":             byKeyTool("/api/v2/quotes", "quoteNumber"),
	"get_materials":               listTool("/api/v2/materials"),
	"get_material_by_part_number": byKeyTool("/api/v2/materials", "partNumber"),
	"get_employees":               listTool("/api/v2/employees"),
	"custom_api_call":             {kind: kindCustom, schema: mustSchema(customSchema)},
}

func listTool(path string) nativeTool {
	return nativeTool{kind: kindList, path: path, schema: mustSchema(listSchema)}
}

func byKeyTool(path, keyArg string) nativeTool {
	schema := fmt.Sprintf(`{
		"type": "object",
		"properties": {
			%q: {"type": "string", "minLength": 1},
			"fields": {"type": "string"}
		},
		"required": [%q]
	}`, keyArg, keyArg)
	return nativeTool{kind: kindByKey, path: path, keyArg: keyArg, schema: mustSchema(schema)}
}

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid tool schema: %v", err))
	}
	return schema
}

// NativeToolNames returns the natively served tool names in sorted order.
func NativeToolNames() []string {
	names := make([]string, 0, len(nativeTools))
	for name := range nativeTools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Supports reports whether name is served by the gateway rather than the
// delegate.
func (g *Gateway) Supports(name string) bool {
	_, ok := nativeTools[name]
	return ok
}

// Call validates args for the named tool and executes the matching request.
func (g *Gateway) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	tool, ok := nativeTools[name]
	if !ok {
		return nil, fmt.Errorf("unsupported native tool: %s", name)
	}

	if t := bytes.TrimSpace(args); len(t) == 0 || bytes.Equal(t, []byte("null")) {
		args = json.RawMessage("{}")
	}
	if err := validate(name, tool.schema, args); err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil {
		return nil, &ValidationError{Tool: name, Reason: "arguments must be an object"}
	}

	switch tool.kind {
	case kindList:
		query, err := buildQuery(name, fields, listQueryArgs...)
		if err != nil {
			return nil, err
		}
		return g.Execute(ctx, http.MethodGet, tool.path, query, nil)

	case kindByKey:
		var key string
		if err := json.Unmarshal(fields[tool.keyArg], &key); err != nil {
			return nil, &ValidationError{Tool: name, Reason: "missing required field: " + tool.keyArg}
		}
		// PathEscape leaves dot segments intact
		if key == "." || key == ".." {
			return nil, &ValidationError{Tool: name, Reason: fmt.Sprintf("invalid %s: %q", tool.keyArg, key)}
		}
		query, err := buildQuery(name, fields, "fields")
		if err != nil {
			return nil, err
		}
		return g.Execute(ctx, http.MethodGet, tool.path+"/"+url.PathEscape(key), query, nil)

	default:
		return g.customCall(ctx, name, fields)
	}
}

func (g *Gateway) customCall(ctx context.Context, name string, fields map[string]json.RawMessage) (json.RawMessage, error) {
	var method, path string
	if err := json.Unmarshal(fields["method"], &method); err != nil {
		return nil, &ValidationError{Tool: name, Reason: "missing required field: method"}
	}
	if err := json.Unmarshal(fields["path"], &path); err != nil {
		return nil, &ValidationError{Tool: name, Reason: "missing required field: path"}
	}

	method = strings.ToUpper(method)
	if !slices.Contains(customMethods, method) {
		return nil, &ValidationError{Tool: name, Reason: "invalid method: " + method}
	}
	if !strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return nil, &ValidationError{Tool: name, Reason: "invalid path: " + path}
	}

	query, err := buildQuery(name, fields)
	if err != nil {
		return nil, err
	}

	var body json.RawMessage
	if raw, ok := fields["body"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		body = raw
	}
	return g.Execute(ctx, method, path, query, body)
}

func validate(name string, schema *gojsonschema.Schema, args json.RawMessage) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &ValidationError{Tool: name, Reason: fmt.Sprintf("invalid arguments: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &ValidationError{Tool: name, Reason: strings.Join(details, "; ")}
}

// buildQuery collects the lifted top-level arguments and every entry of the
// "query" object. Strings are sent verbatim, other values as their JSON text.
func buildQuery(name string, fields map[string]json.RawMessage, lifted ...string) (url.Values, error) {
	query := url.Values{}
	for _, key := range lifted {
		if raw, ok := fields[key]; ok {
			query.Add(key, queryValue(raw))
		}
	}

	raw, ok := fields["query"]
	if !ok {
		return query, nil
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, &ValidationError{Tool: name, Reason: "query must be an object"}
	}
	for key, value := range extra {
		query.Add(key, queryValue(value))
	}
	return query, nil
}

func queryValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

var _ mcp.NativeTools = (*Gateway)(nil)
