package dispatch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jkaninda/sanduku/internal/vbox"
)

// bootControllerName is the controller created for the optional boot
// disk during vm create.
const bootControllerName = "SATA"

func registerVMHandlers(handlers map[string]Handler) {
	handlers["vm/list"] = vmList
	handlers["vm/info"] = vmInfo
	handlers["vm/create"] = vmCreate
	handlers["vm/delete"] = vmDelete
	handlers["vm/start"] = vmStart
	handlers["vm/stop"] = vmStop
	handlers["vm/pause"] = vmControl("pause")
	handlers["vm/resume"] = vmControl("resume")
	handlers["vm/reset"] = vmControl("reset")
	handlers["vm/clone"] = vmClone
	handlers["vm/modify"] = vmModify
}

func vmList(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	out, err := d.run(ctx, vbox.ListVMsCommand(args.Bool("running_only")))
	if err != nil {
		return nil, err
	}
	return vbox.ParseVMList(out)
}

func vmInfo(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	return d.vmDetails(ctx, args.String("name"))
}

// VMCreateResult reports what vm create produced. Details is nil when
// the machine was left unregistered: an unregistered machine cannot be
// queried by name.
type VMCreateResult struct {
	Name       string          `json:"name"`
	Registered bool            `json:"registered"`
	DiskPath   string          `json:"disk_path,omitempty"`
	Details    *vbox.VMDetails `json:"details,omitempty"`
}

// vmCreate is a composite: create the definition, apply hardware
// settings, then optionally create and attach a boot disk next to the
// machine's settings file. All steps run under the one resource lock
// Dispatch acquired.
func vmCreate(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	register := args.Bool("register")

	cmd, err := vbox.CreateVMCommand(name, args.String("os_type"), register)
	if err != nil {
		return nil, err
	}
	if _, err := d.run(ctx, cmd); err != nil {
		return nil, err
	}

	result := &VMCreateResult{Name: name, Registered: register}
	if !register {
		return result, nil
	}

	modify, err := vbox.ModifyVMCommand(vbox.ModifyVMRequest{
		Name:     name,
		MemoryMB: args.Int("memory_mb"),
		CPUs:     args.Int("cpus"),
	})
	if err != nil {
		return nil, err
	}
	if _, err := d.run(ctx, modify); err != nil {
		return nil, err
	}

	if diskMB := args.Int("disk_mb"); diskMB > 0 {
		diskPath, err := d.createBootDisk(ctx, name, diskMB)
		if err != nil {
			return nil, err
		}
		result.DiskPath = diskPath
	}

	details, err := d.vmDetails(ctx, name)
	if err != nil {
		return nil, err
	}
	result.Details = details
	return result, nil
}

// createBootDisk creates a disk image in the machine's own directory,
// adds a controller for it and attaches it to port 0.
func (d *Dispatcher) createBootDisk(ctx context.Context, name string, sizeMB int) (string, error) {
	details, err := d.vmDetails(ctx, name)
	if err != nil {
		return "", err
	}
	if details.ConfigFile == "" {
		return "", fmt.Errorf("machine %q has no settings file path, cannot place boot disk", name)
	}
	diskPath := filepath.Join(filepath.Dir(details.ConfigFile), name+".vdi")

	createDisk, err := vbox.CreateDiskCommand(vbox.CreateDiskRequest{
		Path:   diskPath,
		SizeMB: sizeMB,
		Format: "VDI",
	})
	if err != nil {
		return "", err
	}
	if _, err := d.run(ctx, createDisk); err != nil {
		return "", err
	}

	addController, err := vbox.AddControllerCommand(vbox.AddControllerRequest{
		Name:           name,
		ControllerName: bootControllerName,
		Bus:            "sata",
	})
	if err != nil {
		return "", err
	}
	if _, err := d.run(ctx, addController); err != nil {
		return "", err
	}

	attach, err := vbox.AttachDiskCommand(vbox.AttachDiskRequest{
		Name:           name,
		ControllerName: bootControllerName,
		Port:           0,
		Device:         0,
		Path:           diskPath,
		DiskType:       "hdd",
	})
	if err != nil {
		return "", err
	}
	if _, err := d.run(ctx, attach); err != nil {
		return "", err
	}
	return diskPath, nil
}

func vmDelete(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.DeleteVMCommand(name, args.Bool("delete_files"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "delete", out), nil
}

func vmStart(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.StartVMCommand(name, args.Bool("headless"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "start", out), nil
}

func vmStop(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.StopVMCommand(name, args.Bool("force"))
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "stop", out), nil
}

func vmControl(verb string) Handler {
	return func(ctx context.Context, d *Dispatcher, args Args) (any, error) {
		name := args.String("name")
		cmd, err := vbox.ControlVMCommand(name, verb)
		if err != nil {
			return nil, err
		}
		out, err := d.run(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return ack(name, verb, out), nil
	}
}

func vmClone(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	cloneName := args.String("clone_name")
	cmd, err := vbox.CloneVMCommand(vbox.CloneVMRequest{
		Name:      args.String("name"),
		CloneName: cloneName,
		Snapshot:  args.String("snapshot"),
		Full:      args.Bool("full"),
	})
	if err != nil {
		return nil, err
	}
	if _, err := d.run(ctx, cmd); err != nil {
		return nil, err
	}
	return d.vmDetails(ctx, cloneName)
}

func vmModify(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	cmd, err := vbox.ModifyVMCommand(vbox.ModifyVMRequest{
		Name:        name,
		MemoryMB:    args.Int("memory_mb"),
		CPUs:        args.Int("cpus"),
		VRAMMB:      args.Int("vram_mb"),
		Description: args.String("description"),
	})
	if err != nil {
		return nil, err
	}
	if _, err := d.run(ctx, cmd); err != nil {
		return nil, err
	}
	return d.vmDetails(ctx, name)
}
