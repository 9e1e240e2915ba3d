// Package mcpserver exposes the operation catalog over the Model
// Context Protocol on stdio. The tool surface is deliberately small:
// production mode registers one consolidated tool per domain, keyed by
// an action parameter, so 42 operations hide behind 7 tools. Testing
// mode additionally registers one flat tool per catalog action for
// harnesses that need a 1:1 surface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/dispatch"
)

// ModeTesting widens the tool surface with flat per-action tools.
// Anything else selects the production surface.
const ModeTesting = "testing"

const instructions = "Each *_management tool consolidates one domain's operations " +
	"behind an action parameter. Required parameters differ per action; call the " +
	"discovery_management tool with action \"schema\" for the exact parameter set " +
	"of any action before composing complex requests."

// Server wires the dispatcher to an MCP stdio server.
type Server struct {
	dispatcher *dispatch.Dispatcher
	mcp        *server.MCPServer
	logger     *slog.Logger
	tools      int
}

// New builds the MCP server and registers the tool surface selected by
// cfg. The dispatcher must not be nil.
func New(dispatcher *dispatch.Dispatcher, cfg *config.MCPConfig, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatcher: dispatcher,
		logger:     logger,
		mcp: server.NewMCPServer("sanduku", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
	}

	mode := cfg.ModeName()
	s.registerDomainTools()
	if mode == ModeTesting {
		s.registerActionTools()
	}

	logger.Info("mcp server ready",
		slog.String("mode", mode),
		slog.Int("tools", s.tools),
	)
	return s
}

// Serve runs the stdio transport until the client disconnects or the
// stream fails.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}

// ToolCount reports how many tools are registered.
func (s *Server) ToolCount() int {
	return s.tools
}

// registerDomainTools adds one consolidated tool per catalog domain,
// named after the domain ("vm_management", "snapshot_management", ...).
func (s *Server) registerDomainTools() {
	for _, domain := range dispatch.Catalog() {
		d := domain
		s.mcp.AddTool(domainTool(&d), s.domainHandler(d.Name))
		s.tools++
	}
}

// registerActionTools adds one flat tool per catalog action, named
// "<domain>_<action>", each with the action's exact parameter schema.
func (s *Server) registerActionTools() {
	for _, domain := range dispatch.Catalog() {
		for i := range domain.Actions {
			action := &domain.Actions[i]
			s.mcp.AddTool(actionTool(domain.Name, action), s.actionHandler(domain.Name, action.Name))
			s.tools++
		}
	}
}

func (s *Server) domainHandler(domain string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		action, err := req.RequireString("action")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		raw := req.GetArguments()
		params := make(map[string]any, len(raw))
		for k, v := range raw {
			if k == "action" {
				continue
			}
			params[k] = v
		}
		return s.call(ctx, domain, action, params)
	}
}

func (s *Server) actionHandler(domain, action string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.call(ctx, domain, action, req.GetArguments())
	}
}

// call runs one dispatch and wraps the outcome. Operation failures are
// tool results carrying the error text, not protocol errors: the caller
// is expected to read them and correct the request.
func (s *Server) call(ctx context.Context, domain, action string, params map[string]any) (*mcp.CallToolResult, error) {
	result, err := s.dispatcher.Dispatch(ctx, domain, action, params)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// domainTool builds the consolidated tool for one domain: a required
// action enum plus the union of the domain's parameters. Required flags
// and defaults are per-action and enforced at dispatch, so the union
// schema advertises names, types and descriptions only.
func domainTool(d *dispatch.Domain) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(domainDescription(d)),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Operation to perform"),
			mcp.Enum(actionNames(d)...),
		),
	}

	seen := map[string]bool{"action": true}
	for i := range d.Actions {
		a := &d.Actions[i]
		for j := range a.Params {
			p := &a.Params[j]
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			opts = append(opts, paramOption(p, false))
		}
	}
	return mcp.NewTool(d.Name+"_management", opts...)
}

// actionTool builds one flat tool with the action's exact schema,
// required flags and defaults included.
func actionTool(domain string, a *dispatch.Action) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(a.Description)}
	for i := range a.Params {
		opts = append(opts, paramOption(&a.Params[i], true))
	}
	return mcp.NewTool(domain+"_"+a.Name, opts...)
}

var folderItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"host_folder":    map[string]any{"type": "string", "description": "Absolute host path to share"},
		"sandbox_folder": map[string]any{"type": "string", "description": "Mount point inside the sandbox"},
		"read_only":      map[string]any{"type": "boolean"},
	},
	"required": []string{"host_folder"},
}

func paramOption(p *dispatch.Param, exact bool) mcp.ToolOption {
	var props []mcp.PropertyOption
	if p.Description != "" {
		props = append(props, mcp.Description(p.Description))
	}
	if exact && p.Required {
		props = append(props, mcp.Required())
	}

	switch p.Type {
	case dispatch.TypeInt:
		if exact {
			if def, ok := p.Default.(int); ok {
				props = append(props, mcp.DefaultNumber(float64(def)))
			}
		}
		return mcp.WithNumber(p.Name, props...)

	case dispatch.TypeBool:
		if exact {
			if def, ok := p.Default.(bool); ok {
				props = append(props, mcp.DefaultBool(def))
			}
		}
		return mcp.WithBoolean(p.Name, props...)

	case dispatch.TypeStringList:
		props = append(props, mcp.Items(map[string]any{"type": "string"}))
		return mcp.WithArray(p.Name, props...)

	case dispatch.TypeFolderList:
		props = append(props, mcp.Items(folderItemSchema))
		return mcp.WithArray(p.Name, props...)

	default: // TypeString
		if len(p.Enum) > 0 {
			props = append(props, mcp.Enum(p.Enum...))
		}
		if exact {
			if def, ok := p.Default.(string); ok {
				props = append(props, mcp.DefaultString(def))
			}
		}
		return mcp.WithString(p.Name, props...)
	}
}

// domainDescription renders the domain summary plus an action digest so
// a client can pick the right action without a discovery round-trip.
func domainDescription(d *dispatch.Domain) string {
	var sb strings.Builder
	sb.WriteString(d.Description)
	sb.WriteString(". Actions: ")
	for i := range d.Actions {
		a := &d.Actions[i]
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(a.Name)
		if req := requiredNames(a); len(req) > 0 {
			sb.WriteString(" (requires ")
			sb.WriteString(strings.Join(req, ", "))
			sb.WriteString(")")
		}
	}
	return sb.String()
}

func actionNames(d *dispatch.Domain) []string {
	names := make([]string, len(d.Actions))
	for i := range d.Actions {
		names[i] = d.Actions[i].Name
	}
	return names
}

func requiredNames(a *dispatch.Action) []string {
	var names []string
	for i := range a.Params {
		if a.Params[i].Required {
			names = append(names, a.Params[i].Name)
		}
	}
	return names
}
