package dispatch

import (
	"context"

	"github.com/jkaninda/sanduku/internal/vbox"
)

func registerStorageHandlers(handlers map[string]Handler) {
	handlers["storage/list_controllers"] = storageListControllers
	handlers["storage/add_controller"] = storageAddController
	handlers["storage/remove_controller"] = storageRemoveController
	handlers["storage/create_disk"] = storageCreateDisk
	handlers["storage/attach_disk"] = storageAttachDisk
	handlers["storage/detach_disk"] = storageDetachDisk
	handlers["storage/list_disks"] = storageListDisks
}

// ControllerList pairs a machine's controllers with their current
// attachments.
type ControllerList struct {
	Controllers []vbox.StorageController `json:"controllers"`
	Attachments []vbox.DiskAttachment    `json:"attachments"`
}

func storageListControllers(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	details, err := d.vmDetails(ctx, args.String("name"))
	if err != nil {
		return nil, err
	}
	return &ControllerList{
		Controllers: details.StorageControllers(),
		Attachments: details.Attachments(),
	}, nil
}

func storageAddController(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.AddControllerCommand(vbox.AddControllerRequest{
		Name:           name,
		ControllerName: args.String("controller_name"),
		Bus:            args.String("bus"),
		Chipset:        args.String("chipset"),
		Ports:          args.Int("ports"),
	})
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "add_controller", out), nil
}

func storageRemoveController(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.RemoveControllerCommand(name, args.String("controller_name"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "remove_controller", out), nil
}

func storageCreateDisk(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	path := args.String("path")
	cmd, err := vbox.CreateDiskCommand(vbox.CreateDiskRequest{
		Path:    path,
		SizeMB:  args.Int("size_mb"),
		Format:  args.String("format"),
		Variant: args.String("variant"),
	})
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(path, "create_disk", out), nil
}

func storageAttachDisk(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.AttachDiskCommand(vbox.AttachDiskRequest{
		Name:           name,
		ControllerName: args.String("controller_name"),
		Port:           args.Int("port"),
		Device:         args.Int("device"),
		Path:           args.String("path"),
		DiskType:       args.String("disk_type"),
	})
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "attach_disk", out), nil
}

func storageDetachDisk(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.DetachDiskCommand(name, args.String("controller_name"), args.Int("port"), args.Int("device"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "detach_disk", out), nil
}

func storageListDisks(ctx context.Context, d *Dispatcher, _ Args) (any, error) {
	out, err := d.run(ctx, vbox.ListDisksCommand())
	if err != nil {
		return nil, err
	}
	return vbox.ParseDisks(out)
}
