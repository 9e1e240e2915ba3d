package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/dispatch"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/vbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(cmd vbox.Command) (*vbox.RunResult, error)
}

func (f *fakeRunner) Run(_ context.Context, cmd vbox.Command) (*vbox.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd.Args)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(cmd)
	}
	return &vbox.RunResult{}, nil
}

func (f *fakeRunner) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		return nil
	}
	return f.calls[i]
}

func newTestServer(mode string, respond func(cmd vbox.Command) (*vbox.RunResult, error)) (*Server, *fakeRunner) {
	runner := &fakeRunner{respond: respond}
	locks := registry.New(discardLogger())
	d := dispatch.New(runner, locks, nil, discardLogger(), dispatch.Options{})
	s := New(d, &config.MCPConfig{Mode: mode}, "test", discardLogger())
	return s, runner
}

// rpc drives the server through its JSON-RPC entry point and returns
// the result payload. Protocol errors fail the test.
func rpc(t *testing.T, s *Server, method string, params any) json.RawMessage {
	t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		msg["params"] = params
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}

	resp := s.mcp.HandleMessage(context.Background(), raw)
	if resp == nil {
		t.Fatalf("no response for %s", method)
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("encoding response: %v", err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(encoded, &envelope); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if envelope.Error != nil {
		t.Fatalf("%s failed: %s", method, envelope.Error.Message)
	}
	return envelope.Result
}

func initialize(t *testing.T, s *Server) {
	t.Helper()
	rpc(t, s, "initialize", map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo":      map[string]any{"name": "test", "version": "0.0.1"},
		"capabilities":    map[string]any{},
	})
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	} `json:"inputSchema"`
}

func listTools(t *testing.T, s *Server) map[string]toolInfo {
	t.Helper()
	result := rpc(t, s, "tools/list", nil)
	var payload struct {
		Tools []toolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		t.Fatalf("decoding tool list: %v", err)
	}
	byName := make(map[string]toolInfo, len(payload.Tools))
	for _, tool := range payload.Tools {
		byName[tool.Name] = tool
	}
	return byName
}

type callOutcome struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) callOutcome {
	t.Helper()
	result := rpc(t, s, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	var outcome callOutcome
	if err := json.Unmarshal(result, &outcome); err != nil {
		t.Fatalf("decoding call result: %v", err)
	}
	return outcome
}

func (c callOutcome) text(t *testing.T) string {
	t.Helper()
	if len(c.Content) == 0 {
		t.Fatal("call result has no content")
	}
	return c.Content[0].Text
}

func TestProductionRegistersOnlyDomainTools(t *testing.T) {
	s, _ := newTestServer("production", nil)
	initialize(t, s)

	tools := listTools(t, s)
	catalog := dispatch.Catalog()
	if len(tools) != len(catalog) {
		t.Fatalf("registered %d tools, want %d", len(tools), len(catalog))
	}
	for _, domain := range catalog {
		if _, ok := tools[domain.Name+"_management"]; !ok {
			t.Errorf("missing tool %s_management", domain.Name)
		}
	}
	if _, ok := tools["vm_start"]; ok {
		t.Error("production mode must not register flat action tools")
	}
	if s.ToolCount() != len(catalog) {
		t.Errorf("ToolCount = %d, want %d", s.ToolCount(), len(catalog))
	}
}

func TestDomainToolSchema(t *testing.T) {
	s, _ := newTestServer("production", nil)
	initialize(t, s)

	vm, ok := listTools(t, s)["vm_management"]
	if !ok {
		t.Fatal("vm_management not registered")
	}

	if !slices.Contains(vm.InputSchema.Required, "action") {
		t.Errorf("required = %v, want action", vm.InputSchema.Required)
	}
	if len(vm.InputSchema.Required) != 1 {
		t.Errorf("union schema must only require the action discriminator, got %v", vm.InputSchema.Required)
	}

	actionProp, ok := vm.InputSchema.Properties["action"]
	if !ok {
		t.Fatal("schema missing action property")
	}
	var action struct {
		Enum []string `json:"enum"`
	}
	if err := json.Unmarshal(actionProp, &action); err != nil {
		t.Fatalf("decoding action property: %v", err)
	}
	for _, want := range []string{"list", "create", "start", "stop", "clone", "modify"} {
		if !slices.Contains(action.Enum, want) {
			t.Errorf("action enum missing %q", want)
		}
	}

	for _, param := range []string{"name", "memory_mb", "headless", "wait"} {
		if _, ok := vm.InputSchema.Properties[param]; !ok {
			t.Errorf("union schema missing parameter %q", param)
		}
	}

	if !strings.Contains(vm.Description, "clone") {
		t.Errorf("description should digest the actions, got %q", vm.Description)
	}
}

func TestTestingModeAddsFlatActionTools(t *testing.T) {
	s, _ := newTestServer("testing", nil)
	initialize(t, s)

	catalog := dispatch.Catalog()
	wantCount := len(catalog)
	for _, domain := range catalog {
		wantCount += len(domain.Actions)
	}

	tools := listTools(t, s)
	if len(tools) != wantCount {
		t.Fatalf("registered %d tools, want %d", len(tools), wantCount)
	}

	start, ok := tools["vm_start"]
	if !ok {
		t.Fatal("testing mode should register vm_start")
	}
	if !slices.Contains(start.InputSchema.Required, "name") {
		t.Errorf("vm_start required = %v, want name", start.InputSchema.Required)
	}
	if _, ok := tools["sandbox_compile_config"]; !ok {
		t.Error("testing mode should register sandbox_compile_config")
	}
}

func TestDomainToolDispatches(t *testing.T) {
	s, runner := newTestServer("production", func(cmd vbox.Command) (*vbox.RunResult, error) {
		return &vbox.RunResult{Stdout: "\"alpha\" {11111111-2222-3333-4444-555555555555}\n"}, nil
	})
	initialize(t, s)

	outcome := callTool(t, s, "vm_management", map[string]any{"action": "list"})
	if outcome.IsError {
		t.Fatalf("call failed: %s", outcome.text(t))
	}

	var vms []vbox.VMSummary
	if err := json.Unmarshal([]byte(outcome.text(t)), &vms); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(vms) != 1 || vms[0].Name != "alpha" {
		t.Errorf("result = %+v, want one machine named alpha", vms)
	}

	if got := runner.call(0); !slices.Equal(got, []string{"list", "vms"}) {
		t.Errorf("runner saw %v, want [list vms]", got)
	}
}

func TestDomainToolRejectsBadRequests(t *testing.T) {
	s, runner := newTestServer("production", nil)
	initialize(t, s)

	// Missing required parameter: surfaced as a tool error, no process spawned.
	outcome := callTool(t, s, "vm_management", map[string]any{"action": "info"})
	if !outcome.IsError {
		t.Fatal("expected tool error for missing name")
	}
	if text := outcome.text(t); !strings.Contains(text, "name") {
		t.Errorf("error text should name the missing parameter, got %q", text)
	}

	outcome = callTool(t, s, "vm_management", map[string]any{"action": "detonate"})
	if !outcome.IsError {
		t.Fatal("expected tool error for unknown action")
	}

	outcome = callTool(t, s, "vm_management", nil)
	if !outcome.IsError {
		t.Fatal("expected tool error for missing action")
	}

	if got := runner.call(0); got != nil {
		t.Errorf("rejected requests must not spawn processes, saw %v", got)
	}
}

func TestFlatToolDispatches(t *testing.T) {
	s, runner := newTestServer("testing", nil)
	initialize(t, s)

	outcome := callTool(t, s, "vm_stop", map[string]any{"name": "web"})
	if outcome.IsError {
		t.Fatalf("call failed: %s", outcome.text(t))
	}

	if got := runner.call(0); !slices.Equal(got, []string{"controlvm", "web", "acpipowerbutton"}) {
		t.Errorf("runner saw %v, want [controlvm web acpipowerbutton]", got)
	}
}

func TestDiscoveryToolExposesSchema(t *testing.T) {
	s, _ := newTestServer("production", nil)
	initialize(t, s)

	outcome := callTool(t, s, "discovery_management", map[string]any{
		"action": "schema",
		"domain": "snapshot",
	})
	if !outcome.IsError {
		t.Fatal("expected tool error for schema request without action_name")
	}

	outcome = callTool(t, s, "discovery_management", map[string]any{
		"action":      "schema",
		"domain":      "snapshot",
		"action_name": "take",
	})
	if outcome.IsError {
		t.Fatalf("schema call failed: %s", outcome.text(t))
	}
	var schema dispatch.Action
	if err := json.Unmarshal([]byte(outcome.text(t)), &schema); err != nil {
		t.Fatalf("schema result is not JSON: %v", err)
	}
	if schema.Name != "take" || len(schema.Params) == 0 {
		t.Errorf("schema = %+v, want the take action with parameters", schema)
	}

	outcome = callTool(t, s, "discovery_management", map[string]any{"action": "domains"})
	if outcome.IsError {
		t.Fatalf("domains call failed: %s", outcome.text(t))
	}
	if text := outcome.text(t); !strings.Contains(text, "snapshot") {
		t.Errorf("domain listing should mention snapshot, got %q", text)
	}
}
