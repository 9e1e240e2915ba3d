// Package dispatch consolidates the full operation catalog behind a
// small number of domain entry points. Every operation is described by
// a static schema; Dispatch validates a request against it, takes the
// per-resource lock for mutations, and hands off to the operation's
// handler.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/jkaninda/sanduku/internal/vbox"
)

// ParamType is the wire type of one operation parameter.
type ParamType string

const (
	TypeString     ParamType = "string"
	TypeInt        ParamType = "int"
	TypeBool       ParamType = "bool"
	TypeStringList ParamType = "string_list"
	TypeFolderList ParamType = "folder_list" // Objects with host_folder, sandbox_folder, read_only.
)

// Param describes one parameter of an operation.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"` // Applied when the parameter is absent.
	Enum        []string  `json:"enum,omitempty"`    // Allowed values, matched case-insensitively.
}

// Action describes one operation of a domain. LockParam names the
// parameter whose value keys the resource lock; read-only actions have
// none and never touch the lock registry.
type Action struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	ReadOnly    bool    `json:"read_only"`
	LockParam   string  `json:"lock_param,omitempty"`
	Params      []Param `json:"params,omitempty"`
}

// Domain groups the actions reachable through one entry point.
type Domain struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Actions     []Action `json:"actions"`
}

// WaitParam is accepted by every mutating action: true (the default)
// queues behind an in-flight operation on the same resource, false
// fails fast with a busy error instead.
const WaitParam = "wait"

var waitParam = Param{
	Name:        WaitParam,
	Type:        TypeBool,
	Description: "Queue behind an in-flight operation on the same resource; false fails fast when busy",
	Default:     true,
}

// withWait appends the shared wait parameter to a mutating action's
// parameter list.
func withWait(params ...Param) []Param {
	return append(params, waitParam)
}

var catalog = []Domain{
	{
		Name:        "vm",
		Description: "Virtual machine lifecycle: create, inspect, run, clone, reconfigure",
		Actions: []Action{
			{
				Name:        "list",
				Description: "List registered machines",
				ReadOnly:    true,
				Params: []Param{
					{Name: "running_only", Type: TypeBool, Description: "Only machines that are currently running", Default: false},
				},
			},
			{
				Name:        "info",
				Description: "Full detail record for one machine",
				ReadOnly:    true,
				Params: []Param{
					{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
				},
			},
			{
				Name:        "create",
				Description: "Create and register a machine, optionally with a boot disk",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name", Required: true},
					Param{Name: "os_type", Type: TypeString, Description: "Guest OS type identifier", Default: "Other_64"},
					Param{Name: "memory_mb", Type: TypeInt, Description: "Memory grant in MiB", Default: 2048},
					Param{Name: "cpus", Type: TypeInt, Description: "Virtual CPU count", Default: 2},
					Param{Name: "disk_mb", Type: TypeInt, Description: "Create and attach a boot disk of this size in MiB"},
					Param{Name: "register", Type: TypeBool, Description: "Register the machine after creation", Default: true},
				),
			},
			{
				Name:        "delete",
				Description: "Unregister a machine and optionally delete its files",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "delete_files", Type: TypeBool, Description: "Also delete the machine's files", Default: true},
				),
			},
			{
				Name:        "start",
				Description: "Boot a machine",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "headless", Type: TypeBool, Description: "Start without a display frontend", Default: true},
				),
			},
			{
				Name:        "stop",
				Description: "Stop a machine: ACPI power button, or cut power with force",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "force", Type: TypeBool, Description: "Cut power instead of pressing the ACPI button", Default: false},
				),
			},
			{
				Name:        "pause",
				Description: "Pause a running machine",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
				),
			},
			{
				Name:        "resume",
				Description: "Resume a paused machine",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
				),
			},
			{
				Name:        "reset",
				Description: "Hard-reset a running machine",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
				),
			},
			{
				Name:        "clone",
				Description: "Clone a machine and register the clone",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Source machine name or UUID", Required: true},
					Param{Name: "clone_name", Type: TypeString, Description: "Name for the clone", Required: true},
					Param{Name: "snapshot", Type: TypeString, Description: "Clone from this snapshot instead of current state"},
					Param{Name: "full", Type: TypeBool, Description: "Full clone; false creates a linked clone", Default: true},
				),
			},
			{
				Name:        "modify",
				Description: "Change hardware settings of a powered-off machine",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "memory_mb", Type: TypeInt, Description: "New memory grant in MiB"},
					Param{Name: "cpus", Type: TypeInt, Description: "New virtual CPU count"},
					Param{Name: "vram_mb", Type: TypeInt, Description: "New video memory in MiB"},
					Param{Name: "description", Type: TypeString, Description: "New machine description"},
				),
			},
		},
	},
	{
		Name:        "network",
		Description: "NAT networks, adapter wiring and port forwarding",
		Actions: []Action{
			{
				Name:        "list_networks",
				Description: "List NAT networks",
				ReadOnly:    true,
			},
			{
				Name:        "create_network",
				Description: "Create and enable a NAT network",
				LockParam:   "network_name",
				Params: withWait(
					Param{Name: "network_name", Type: TypeString, Description: "Network name", Required: true},
					Param{Name: "network", Type: TypeString, Description: "Network range in CIDR notation; defaults to 10.0.2.0/24"},
					Param{Name: "enable_dhcp", Type: TypeBool, Description: "Run the built-in DHCP server", Default: true},
				),
			},
			{
				Name:        "remove_network",
				Description: "Remove a NAT network",
				LockParam:   "network_name",
				Params: withWait(
					Param{Name: "network_name", Type: TypeString, Description: "Network name", Required: true},
				),
			},
			{
				Name:        "list_adapters",
				Description: "List a machine's network adapters",
				ReadOnly:    true,
				Params: []Param{
					{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
				},
			},
			{
				Name:        "configure_adapter",
				Description: "Rewire one network adapter slot",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "adapter_slot", Type: TypeInt, Description: "Adapter slot, 1-8", Required: true},
					Param{Name: "attachment", Type: TypeString, Description: "Attachment type", Required: true,
						Enum: []string{"nat", "bridged", "intnet", "hostonly", "natnetwork", "none"}},
					Param{Name: "network_name", Type: TypeString, Description: "Interface or network to attach to; required except for nat and none"},
					Param{Name: "cable_connected", Type: TypeBool, Description: "Plug or unplug the virtual cable; absent leaves it unchanged"},
				),
			},
			{
				Name:        "add_port_forward",
				Description: "Add a NAT port-forwarding rule; targets the live machine when it is running",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "rule_name", Type: TypeString, Description: "Rule name, unique per adapter", Required: true},
					Param{Name: "host_port", Type: TypeInt, Description: "Host port, 1-65535", Required: true},
					Param{Name: "guest_port", Type: TypeInt, Description: "Guest port, 1-65535", Required: true},
					Param{Name: "protocol", Type: TypeString, Description: "Forwarded protocol", Default: "tcp", Enum: []string{"tcp", "udp"}},
					Param{Name: "adapter_slot", Type: TypeInt, Description: "NAT adapter slot", Default: 1},
					Param{Name: "host_ip", Type: TypeString, Description: "Host address to bind; empty binds all"},
					Param{Name: "guest_ip", Type: TypeString, Description: "Guest address; empty uses the guest's DHCP address"},
				),
			},
			{
				Name:        "remove_port_forward",
				Description: "Remove a NAT port-forwarding rule by name",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "rule_name", Type: TypeString, Description: "Rule name", Required: true},
					Param{Name: "adapter_slot", Type: TypeInt, Description: "NAT adapter slot", Default: 1},
				),
			},
			{
				Name:        "list_port_forwards",
				Description: "List a machine's NAT port-forwarding rules",
				ReadOnly:    true,
				Params: []Param{
					{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
				},
			},
		},
	},
	{
		Name:        "snapshot",
		Description: "Machine snapshots: point-in-time capture and rollback",
		Actions: []Action{
			{
				Name:        "list",
				Description: "List a machine's snapshot tree",
				ReadOnly:    true,
				Params: []Param{
					{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
				},
			},
			{
				Name:        "take",
				Description: "Take a snapshot of a machine",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "snapshot_name", Type: TypeString, Description: "Snapshot name", Required: true},
					Param{Name: "description", Type: TypeString, Description: "Snapshot description"},
					Param{Name: "live", Type: TypeBool, Description: "Snapshot a running machine without pausing it", Default: false},
				),
			},
			{
				Name:        "restore",
				Description: "Restore a snapshot; without a name, restores the current one",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "snapshot_name", Type: TypeString, Description: "Snapshot to restore; absent restores the current snapshot"},
				),
			},
			{
				Name:        "delete",
				Description: "Delete a snapshot, merging its state",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "snapshot_name", Type: TypeString, Description: "Snapshot name", Required: true},
				),
			},
		},
	},
	{
		Name:        "storage",
		Description: "Storage controllers, disk images and attachments",
		Actions: []Action{
			{
				Name:        "list_controllers",
				Description: "List a machine's storage controllers and attachments",
				ReadOnly:    true,
				Params: []Param{
					{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
				},
			},
			{
				Name:        "add_controller",
				Description: "Add a storage controller to a machine",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "controller_name", Type: TypeString, Description: "Controller name", Required: true},
					Param{Name: "bus", Type: TypeString, Description: "Controller bus type", Default: "sata",
						Enum: []string{"sata", "ide", "scsi", "sas", "nvme", "usb", "pcie", "floppy"}},
					Param{Name: "chipset", Type: TypeString, Description: "Controller chipset, e.g. IntelAhci"},
					Param{Name: "ports", Type: TypeInt, Description: "Port count, 1-30"},
				),
			},
			{
				Name:        "remove_controller",
				Description: "Remove a storage controller",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "controller_name", Type: TypeString, Description: "Controller name", Required: true},
				),
			},
			{
				Name:        "create_disk",
				Description: "Create a disk image file",
				LockParam:   "path",
				Params: withWait(
					Param{Name: "path", Type: TypeString, Description: "Absolute path for the image file", Required: true},
					Param{Name: "size_mb", Type: TypeInt, Description: "Image size in MiB", Required: true},
					Param{Name: "format", Type: TypeString, Description: "Image format", Default: "VDI", Enum: []string{"VDI", "VMDK", "VHD"}},
					Param{Name: "variant", Type: TypeString, Description: "Image variant, e.g. Standard or Fixed"},
				),
			},
			{
				Name:        "attach_disk",
				Description: "Attach a medium to a controller port",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "controller_name", Type: TypeString, Description: "Controller name", Required: true},
					Param{Name: "port", Type: TypeInt, Description: "Controller port, 0-29", Required: true},
					Param{Name: "path", Type: TypeString, Description: "Absolute path of the medium", Required: true},
					Param{Name: "device", Type: TypeInt, Description: "Device number on the port", Default: 0},
					Param{Name: "disk_type", Type: TypeString, Description: "Medium type", Default: "hdd", Enum: []string{"hdd", "dvddrive", "fdd"}},
				),
			},
			{
				Name:        "detach_disk",
				Description: "Detach whatever medium occupies a controller port",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "controller_name", Type: TypeString, Description: "Controller name", Required: true},
					Param{Name: "port", Type: TypeInt, Description: "Controller port, 0-29", Required: true},
					Param{Name: "device", Type: TypeInt, Description: "Device number on the port", Default: 0},
				),
			},
			{
				Name:        "list_disks",
				Description: "List registered disk images",
				ReadOnly:    true,
			},
		},
	},
	{
		Name:        "system",
		Description: "Host facts, tool version, guest OS types and metrics",
		Actions: []Action{
			{
				Name:        "host_info",
				Description: "Host hardware and OS facts",
				ReadOnly:    true,
			},
			{
				Name:        "version",
				Description: "Hypervisor tool version",
				ReadOnly:    true,
			},
			{
				Name:        "os_types",
				Description: "Supported guest OS types",
				ReadOnly:    true,
			},
			{
				Name:        "metrics",
				Description: "Sample hypervisor metrics for one machine or all objects",
				ReadOnly:    true,
				Params: []Param{
					{Name: "name", Type: TypeString, Description: "Machine name; absent samples every object"},
				},
			},
			{
				Name:        "screenshot",
				Description: "Capture a running machine's display to a PNG file",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Machine name or UUID", Required: true},
					Param{Name: "output_path", Type: TypeString, Description: "Absolute path for the PNG file", Required: true},
				),
			},
		},
	},
	{
		Name:        "sandbox",
		Description: "Windows Sandbox sessions compiled from declarative configs",
		Actions: []Action{
			{
				Name:        "create",
				Description: "Compile a sandbox config and launch a session",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Sandbox name, unique among running sessions", Required: true},
					Param{Name: "memory_mb", Type: TypeInt, Description: "Memory grant in MiB, 1024-32768", Default: 2048},
					Param{Name: "networking", Type: TypeBool, Description: "Enable networking inside the sandbox", Default: true},
					Param{Name: "vgpu", Type: TypeBool, Description: "Enable virtual GPU sharing", Default: false},
					Param{Name: "mapped_folders", Type: TypeFolderList, Description: "Host folders to share into the sandbox"},
					Param{Name: "logon_commands", Type: TypeStringList, Description: "Commands to run at logon, in order"},
					Param{Name: "config_only", Type: TypeBool, Description: "Write the config file without launching", Default: false},
				),
			},
			{
				Name:        "list",
				Description: "List sandbox sessions tracked by this server",
				ReadOnly:    true,
			},
			{
				Name:        "stop",
				Description: "End a running sandbox session",
				LockParam:   "name",
				Params: withWait(
					Param{Name: "name", Type: TypeString, Description: "Sandbox name", Required: true},
					Param{Name: "force", Type: TypeBool, Description: "Kill immediately instead of signalling first", Default: false},
				),
			},
			{
				Name:        "compile_config",
				Description: "Compile a sandbox config to XML without writing or launching anything",
				ReadOnly:    true,
				Params: []Param{
					{Name: "name", Type: TypeString, Description: "Sandbox name", Required: true},
					{Name: "memory_mb", Type: TypeInt, Description: "Memory grant in MiB, 1024-32768", Default: 2048},
					{Name: "networking", Type: TypeBool, Description: "Enable networking inside the sandbox", Default: true},
					{Name: "vgpu", Type: TypeBool, Description: "Enable virtual GPU sharing", Default: false},
					{Name: "mapped_folders", Type: TypeFolderList, Description: "Host folders to share into the sandbox"},
					{Name: "logon_commands", Type: TypeStringList, Description: "Commands to run at logon, in order"},
				},
			},
		},
	},
	{
		Name:        "discovery",
		Description: "Introspection over the operation catalog itself",
		Actions: []Action{
			{
				Name:        "domains",
				Description: "List operation domains",
				ReadOnly:    true,
			},
			{
				Name:        "actions",
				Description: "List actions, for one domain or all of them",
				ReadOnly:    true,
				Params: []Param{
					{Name: "domain", Type: TypeString, Description: "Restrict to one domain"},
				},
			},
			{
				Name:        "schema",
				Description: "Full parameter schema of one action",
				ReadOnly:    true,
				// action_name, not action: the consolidated tools already
				// use action as their discriminator.
				Params: []Param{
					{Name: "domain", Type: TypeString, Description: "Domain name", Required: true},
					{Name: "action_name", Type: TypeString, Description: "Action name", Required: true},
				},
			},
		},
	},
}

// Catalog returns the full operation catalog. Callers must treat it as
// read-only; it backs discovery, the MCP tool surface and the HTTP API.
func Catalog() []Domain {
	return catalog
}

// LookupDomain finds one domain by name.
func LookupDomain(domain string) (*Domain, error) {
	for i := range catalog {
		if catalog[i].Name == domain {
			return &catalog[i], nil
		}
	}
	return nil, &vbox.InvalidRequestError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", domain)}
}

// LookupAction finds one action by domain and name.
func LookupAction(domain, action string) (*Action, error) {
	d, err := LookupDomain(domain)
	if err != nil {
		return nil, err
	}
	for i := range d.Actions {
		if d.Actions[i].Name == action {
			return &d.Actions[i], nil
		}
	}
	return nil, &vbox.InvalidRequestError{
		Field:  "action",
		Reason: fmt.Sprintf("unknown action %q in domain %q", action, domain),
	}
}

func (a *Action) param(name string) *Param {
	for i := range a.Params {
		if a.Params[i].Name == name {
			return &a.Params[i]
		}
	}
	return nil
}

// enumMatch reports whether v matches one of the allowed values,
// ignoring case.
func enumMatch(allowed []string, v string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}
