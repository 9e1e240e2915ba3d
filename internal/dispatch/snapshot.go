package dispatch

import (
	"context"
	"errors"

	"github.com/jkaninda/sanduku/internal/vbox"
)

func registerSnapshotHandlers(handlers map[string]Handler) {
	handlers["snapshot/list"] = snapshotList
	handlers["snapshot/take"] = snapshotTake
	handlers["snapshot/restore"] = snapshotRestore
	handlers["snapshot/delete"] = snapshotDelete
}

// snapshotList treats "no snapshots" as an empty list, not an error.
// Depending on the tool version the phrase arrives on stdout with exit
// zero or on stderr with a nonzero exit.
func snapshotList(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	cmd, err := vbox.ListSnapshotsCommand(args.String("name"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		var toolErr *vbox.ToolError
		if errors.As(err, &toolErr) && vbox.IsNoSnapshots(toolErr.Stderr) {
			return []vbox.Snapshot{}, nil
		}
		return nil, err
	}
	return vbox.ParseSnapshots(out)
}

func snapshotTake(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.TakeSnapshotCommand(name, args.String("snapshot_name"), args.String("description"), args.Bool("live"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "take", out), nil
}

func snapshotRestore(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.RestoreSnapshotCommand(name, args.String("snapshot_name"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "restore", out), nil
}

func snapshotDelete(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.DeleteSnapshotCommand(name, args.String("snapshot_name"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "delete", out), nil
}
