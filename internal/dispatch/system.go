package dispatch

import (
	"context"
	"strings"

	"github.com/jkaninda/sanduku/internal/vbox"
)

func registerSystemHandlers(handlers map[string]Handler) {
	handlers["system/host_info"] = systemHostInfo
	handlers["system/version"] = systemVersion
	handlers["system/os_types"] = systemOSTypes
	handlers["system/metrics"] = systemMetrics
	handlers["system/screenshot"] = systemScreenshot
}

func systemHostInfo(ctx context.Context, d *Dispatcher, _ Args) (any, error) {
	out, err := d.run(ctx, vbox.HostInfoCommand())
	if err != nil {
		return nil, err
	}
	return vbox.ParseHostInfo(out)
}

// VersionInfo is the tool's own version string.
type VersionInfo struct {
	Version string `json:"version"`
}

func systemVersion(ctx context.Context, d *Dispatcher, _ Args) (any, error) {
	out, err := d.run(ctx, vbox.VersionCommand())
	if err != nil {
		return nil, err
	}
	return &VersionInfo{Version: strings.TrimSpace(out)}, nil
}

func systemOSTypes(ctx context.Context, d *Dispatcher, _ Args) (any, error) {
	out, err := d.run(ctx, vbox.OSTypesCommand())
	if err != nil {
		return nil, err
	}
	return vbox.ParseOSTypes(out)
}

func systemMetrics(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	cmd, err := vbox.MetricsCommand(args.String("name"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return vbox.ParseMetrics(out)
}

func systemScreenshot(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.ScreenshotCommand(name, args.String("output_path"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	result := ack(name, "screenshot", out)
	if result.Detail == "" {
		result.Detail = args.String("output_path")
	}
	return result, nil
}
