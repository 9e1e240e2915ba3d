package dispatch

import (
	"context"

	"github.com/jkaninda/sanduku/internal/wsb"
)

func registerSandboxHandlers(handlers map[string]Handler) {
	handlers["sandbox/create"] = sandboxCreate
	handlers["sandbox/list"] = sandboxList
	handlers["sandbox/stop"] = sandboxStop
	handlers["sandbox/compile_config"] = sandboxCompileConfig
}

func sandboxConfigFromArgs(args Args) wsb.Config {
	return wsb.Config{
		Name:          args.String("name"),
		MemoryMB:      args.Int("memory_mb"),
		Networking:    args.Bool("networking"),
		VGPU:          args.Bool("vgpu"),
		MappedFolders: args.Folders("mapped_folders"),
		LogonCommands: args.Strings("logon_commands"),
	}
}

// SandboxCreateResult reports a launched session, or just the written
// config when config_only was set.
type SandboxCreateResult struct {
	Instance   *wsb.Instance `json:"instance,omitempty"`
	ConfigPath string        `json:"config_path,omitempty"`
	Config     string        `json:"config,omitempty"`
}

func sandboxCreate(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	if d.sandboxes == nil {
		return nil, ErrSandboxDisabled
	}
	cfg := sandboxConfigFromArgs(args)

	if args.Bool("config_only") {
		path, doc, err := d.sandboxes.WriteConfig(cfg)
		if err != nil {
			return nil, err
		}
		return &SandboxCreateResult{ConfigPath: path, Config: string(doc)}, nil
	}

	inst, err := d.sandboxes.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SandboxCreateResult{Instance: inst, ConfigPath: inst.ConfigPath}, nil
}

func sandboxList(_ context.Context, d *Dispatcher, _ Args) (any, error) {
	if d.sandboxes == nil {
		return nil, ErrSandboxDisabled
	}
	return d.sandboxes.List(), nil
}

func sandboxStop(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	if d.sandboxes == nil {
		return nil, ErrSandboxDisabled
	}
	name := args.String("name")
	if err := d.sandboxes.Stop(ctx, name, args.Bool("force")); err != nil {
		return nil, err
	}
	return ack(name, "stop", ""), nil
}

// sandboxCompileConfig is the pure path: it returns the document
// without touching the filesystem, so it works even when sandbox
// support is disabled.
func sandboxCompileConfig(_ context.Context, _ *Dispatcher, args Args) (any, error) {
	doc, err := wsb.Compile(sandboxConfigFromArgs(args))
	if err != nil {
		return nil, err
	}
	return &SandboxCreateResult{Config: string(doc)}, nil
}
