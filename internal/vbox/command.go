package vbox

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// TimeoutClass selects the wall-clock budget for a command. Budgets are
// resolved by the Runner from its config; the builder only tags each
// command with the class it belongs to.
type TimeoutClass string

const (
	TimeoutCommand  TimeoutClass = "command"  // Queries and quick mutations.
	TimeoutStart    TimeoutClass = "start"    // Machine start (firmware boot can be slow).
	TimeoutStop     TimeoutClass = "stop"     // Graceful or forced stop.
	TimeoutSnapshot TimeoutClass = "snapshot" // Snapshot take/restore/delete.
	TimeoutLong     TimeoutClass = "long"     // Create/clone/delete with media I/O.
)

// Command pairs an argument vector with its timeout class. Args never pass
// through a shell; they go to the child process verbatim.
type Command struct {
	Args    []string
	Timeout TimeoutClass
}

// invalidNameChars are rejected in resource names. The set mirrors what the
// tool itself refuses plus anything that could be misread as a flag.
const invalidNameChars = `/\:*?"<>|`

// ValidateName checks a machine, snapshot or network name. The builder
// fails closed: a name that cannot be proven safe is rejected rather than
// escaped into shape.
func ValidateName(field, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &InvalidRequestError{Field: field, Reason: "must not be empty"}
	}
	if len(name) > 128 {
		return &InvalidRequestError{Field: field, Reason: "must be at most 128 characters"}
	}
	if strings.HasPrefix(name, "-") {
		return &InvalidRequestError{Field: field, Reason: "must not start with '-'"}
	}
	if strings.ContainsAny(name, invalidNameChars) {
		return &InvalidRequestError{Field: field, Reason: `must not contain any of / \ : * ? " < > |`}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return &InvalidRequestError{Field: field, Reason: "must not contain control characters"}
		}
	}
	return nil
}

// validateAbsPath checks a host filesystem path parameter.
func validateAbsPath(field, path string) error {
	if strings.TrimSpace(path) == "" {
		return &InvalidRequestError{Field: field, Reason: "must not be empty"}
	}
	if !filepath.IsAbs(path) {
		return &InvalidRequestError{Field: field, Reason: "must be an absolute path"}
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return &InvalidRequestError{Field: field, Reason: "must not contain control characters"}
		}
	}
	return nil
}

func validateRange(field string, v, min, max int) error {
	if v < min || v > max {
		return &InvalidRequestError{
			Field:  field,
			Reason: fmt.Sprintf("must be between %d and %d, got %d", min, max, v),
		}
	}
	return nil
}

func validateAdapterSlot(slot int) error {
	return validateRange("adapter_slot", slot, 1, maxAdapterSlots)
}

// --- Machine lifecycle ---

// ListVMsCommand lists registered machines, or only the running ones.
func ListVMsCommand(runningOnly bool) Command {
	sub := "vms"
	if runningOnly {
		sub = "runningvms"
	}
	return Command{Args: []string{"list", sub}, Timeout: TimeoutCommand}
}

// VMInfoCommand queries a machine's detail record in machine-readable form.
func VMInfoCommand(name string) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	return Command{
		Args:    []string{"showvminfo", name, "--machinereadable"},
		Timeout: TimeoutCommand,
	}, nil
}

// CreateVMCommand registers a new machine. Memory, CPUs and media are
// applied by follow-up commands; this only creates the definition.
func CreateVMCommand(name, osType string, register bool) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("os_type", osType); err != nil {
		return Command{}, err
	}
	args := []string{"createvm", "--name", name, "--ostype", osType}
	if register {
		args = append(args, "--register")
	}
	return Command{Args: args, Timeout: TimeoutLong}, nil
}

// ModifyVMRequest carries the mutable hardware settings. Zero values mean
// "leave unchanged" and emit no flag.
type ModifyVMRequest struct {
	Name        string
	MemoryMB    int
	CPUs        int
	VRAMMB      int
	Description string
}

// ModifyVMCommand changes machine hardware settings. At least one setting
// must be present; an all-zero request is rejected rather than emitting a
// no-op invocation.
func ModifyVMCommand(req ModifyVMRequest) (Command, error) {
	if err := ValidateName("name", req.Name); err != nil {
		return Command{}, err
	}
	args := []string{"modifyvm", req.Name}
	if req.MemoryMB != 0 {
		if err := validateRange("memory_mb", req.MemoryMB, 4, 2<<20); err != nil {
			return Command{}, err
		}
		args = append(args, "--memory", strconv.Itoa(req.MemoryMB))
	}
	if req.CPUs != 0 {
		if err := validateRange("cpus", req.CPUs, 1, 64); err != nil {
			return Command{}, err
		}
		args = append(args, "--cpus", strconv.Itoa(req.CPUs))
	}
	if req.VRAMMB != 0 {
		if err := validateRange("vram_mb", req.VRAMMB, 1, 256); err != nil {
			return Command{}, err
		}
		args = append(args, "--vram", strconv.Itoa(req.VRAMMB))
	}
	if req.Description != "" {
		args = append(args, "--description", req.Description)
	}
	if len(args) == 2 {
		return Command{}, &InvalidRequestError{Reason: "no settings to modify"}
	}
	return Command{Args: args, Timeout: TimeoutCommand}, nil
}

// DeleteVMCommand unregisters a machine, optionally deleting its files.
func DeleteVMCommand(name string, deleteFiles bool) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	args := []string{"unregistervm", name}
	if deleteFiles {
		args = append(args, "--delete")
	}
	return Command{Args: args, Timeout: TimeoutLong}, nil
}

// StartVMCommand boots a machine headless or with a frontend.
func StartVMCommand(name string, headless bool) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	kind := "gui"
	if headless {
		kind = "headless"
	}
	return Command{
		Args:    []string{"startvm", name, "--type", kind},
		Timeout: TimeoutStart,
	}, nil
}

// StopVMCommand stops a machine. force=false requests an ACPI power button
// press (graceful); force=true cuts power.
func StopVMCommand(name string, force bool) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	action := "acpipowerbutton"
	if force {
		action = "poweroff"
	}
	return Command{
		Args:    []string{"controlvm", name, action},
		Timeout: TimeoutStop,
	}, nil
}

// ControlVMCommand issues a simple runtime control verb: pause, resume or
// reset.
func ControlVMCommand(name, verb string) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	switch verb {
	case "pause", "resume", "reset":
	default:
		return Command{}, &InvalidRequestError{Field: "verb", Reason: "must be pause, resume or reset"}
	}
	return Command{
		Args:    []string{"controlvm", name, verb},
		Timeout: TimeoutCommand,
	}, nil
}

// CloneVMRequest describes a machine clone.
type CloneVMRequest struct {
	Name      string
	CloneName string
	Snapshot  string // Optional: clone from this snapshot instead of current state.
	Full      bool   // false = linked clone.
}

// CloneVMCommand clones a machine and registers the clone.
func CloneVMCommand(req CloneVMRequest) (Command, error) {
	if err := ValidateName("name", req.Name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("clone_name", req.CloneName); err != nil {
		return Command{}, err
	}
	args := []string{"clonevm", req.Name, "--name", req.CloneName, "--register"}
	if req.Snapshot != "" {
		if err := ValidateName("snapshot", req.Snapshot); err != nil {
			return Command{}, err
		}
		args = append(args, "--snapshot", req.Snapshot)
	}
	if !req.Full {
		args = append(args, "--options", "link")
	}
	return Command{Args: args, Timeout: TimeoutLong}, nil
}

// --- Snapshots ---

// ListSnapshotsCommand lists a machine's snapshot tree in machine-readable form.
func ListSnapshotsCommand(name string) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	return Command{
		Args:    []string{"snapshot", name, "list", "--machinereadable"},
		Timeout: TimeoutCommand,
	}, nil
}

// TakeSnapshotCommand takes a snapshot. live=true snapshots a running
// machine without pausing it.
func TakeSnapshotCommand(name, snapshot, description string, live bool) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("snapshot_name", snapshot); err != nil {
		return Command{}, err
	}
	args := []string{"snapshot", name, "take", snapshot}
	if description != "" {
		args = append(args, "--description", description)
	}
	if live {
		args = append(args, "--live")
	}
	return Command{Args: args, Timeout: TimeoutSnapshot}, nil
}

// RestoreSnapshotCommand restores a named snapshot, or the current one when
// snapshot is empty.
func RestoreSnapshotCommand(name, snapshot string) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	args := []string{"snapshot", name}
	if snapshot == "" {
		args = append(args, "restorecurrent")
	} else {
		if err := ValidateName("snapshot_name", snapshot); err != nil {
			return Command{}, err
		}
		args = append(args, "restore", snapshot)
	}
	return Command{Args: args, Timeout: TimeoutSnapshot}, nil
}

// DeleteSnapshotCommand deletes a snapshot, merging its state.
func DeleteSnapshotCommand(name, snapshot string) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("snapshot_name", snapshot); err != nil {
		return Command{}, err
	}
	return Command{
		Args:    []string{"snapshot", name, "delete", snapshot},
		Timeout: TimeoutSnapshot,
	}, nil
}

// --- Networking ---

// ListNetworksCommand lists NAT networks.
func ListNetworksCommand() Command {
	return Command{Args: []string{"natnetwork", "list"}, Timeout: TimeoutCommand}
}

// CreateNetworkRequest describes a new NAT network.
type CreateNetworkRequest struct {
	Name    string
	Network string // CIDR, e.g. "10.0.5.0/24". Empty picks the tool default.
	DHCP    bool
}

// CreateNetworkCommand creates and enables a NAT network.
func CreateNetworkCommand(req CreateNetworkRequest) (Command, error) {
	if err := ValidateName("network_name", req.Name); err != nil {
		return Command{}, err
	}
	cidr := req.Network
	if cidr == "" {
		cidr = "10.0.2.0/24"
	}
	if err := validateCIDR("network", cidr); err != nil {
		return Command{}, err
	}
	args := []string{"natnetwork", "add", "--netname", req.Name, "--network", cidr, "--enable"}
	if req.DHCP {
		args = append(args, "--dhcp", "on")
	} else {
		args = append(args, "--dhcp", "off")
	}
	return Command{Args: args, Timeout: TimeoutCommand}, nil
}

// RemoveNetworkCommand removes a NAT network.
func RemoveNetworkCommand(name string) (Command, error) {
	if err := ValidateName("network_name", name); err != nil {
		return Command{}, err
	}
	return Command{
		Args:    []string{"natnetwork", "remove", "--netname", name},
		Timeout: TimeoutCommand,
	}, nil
}

// ConfigureAdapterRequest describes an adapter slot change.
type ConfigureAdapterRequest struct {
	Name           string
	Slot           int
	Attachment     string // "nat", "bridged", "intnet", "hostonly", "natnetwork", "none".
	Network        string // Bridge interface / internal net / host-only if / NAT network name.
	CableConnected *bool  // nil = leave unchanged.
}

// ConfigureAdapterCommand rewires a network adapter slot.
func ConfigureAdapterCommand(req ConfigureAdapterRequest) (Command, error) {
	if err := ValidateName("name", req.Name); err != nil {
		return Command{}, err
	}
	if err := validateAdapterSlot(req.Slot); err != nil {
		return Command{}, err
	}
	slot := strconv.Itoa(req.Slot)
	args := []string{"modifyvm", req.Name, "--nic" + slot, req.Attachment}
	switch req.Attachment {
	case "nat", "none", "null":
	case "bridged":
		if req.Network == "" {
			return Command{}, &InvalidRequestError{Field: "network_name", Reason: "required for bridged attachment"}
		}
		args = append(args, "--bridgeadapter"+slot, req.Network)
	case "intnet":
		if req.Network == "" {
			return Command{}, &InvalidRequestError{Field: "network_name", Reason: "required for intnet attachment"}
		}
		args = append(args, "--intnet"+slot, req.Network)
	case "hostonly":
		if req.Network == "" {
			return Command{}, &InvalidRequestError{Field: "network_name", Reason: "required for hostonly attachment"}
		}
		args = append(args, "--hostonlyadapter"+slot, req.Network)
	case "natnetwork":
		if req.Network == "" {
			return Command{}, &InvalidRequestError{Field: "network_name", Reason: "required for natnetwork attachment"}
		}
		args = append(args, "--nat-network"+slot, req.Network)
	default:
		return Command{}, &InvalidRequestError{Field: "attachment", Reason: "unknown attachment type " + strconv.Quote(req.Attachment)}
	}
	if req.CableConnected != nil {
		v := "off"
		if *req.CableConnected {
			v = "on"
		}
		args = append(args, "--cableconnected"+slot, v)
	}
	return Command{Args: args, Timeout: TimeoutCommand}, nil
}

// AddPortForwardRequest describes a NAT port-forwarding rule.
type AddPortForwardRequest struct {
	Name      string
	RuleName  string
	Slot      int
	Protocol  string // "tcp" or "udp".
	HostIP    string
	HostPort  int
	GuestIP   string
	GuestPort int
	Running   bool // true targets a running machine (controlvm path).
}

// AddPortForwardCommand adds a NAT port-forwarding rule. The rule string is
// comma-delimited by the tool's grammar, so names and addresses must not
// contain commas.
func AddPortForwardCommand(req AddPortForwardRequest) (Command, error) {
	if err := ValidateName("name", req.Name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("rule_name", req.RuleName); err != nil {
		return Command{}, err
	}
	if strings.Contains(req.RuleName, ",") {
		return Command{}, &InvalidRequestError{Field: "rule_name", Reason: "must not contain ','"}
	}
	if err := validateAdapterSlot(req.Slot); err != nil {
		return Command{}, err
	}
	proto := strings.ToLower(req.Protocol)
	if proto != "tcp" && proto != "udp" {
		return Command{}, &InvalidRequestError{Field: "protocol", Reason: "must be tcp or udp"}
	}
	if err := validateRange("host_port", req.HostPort, 1, 65535); err != nil {
		return Command{}, err
	}
	if err := validateRange("guest_port", req.GuestPort, 1, 65535); err != nil {
		return Command{}, err
	}
	for _, ip := range []struct{ field, v string }{{"host_ip", req.HostIP}, {"guest_ip", req.GuestIP}} {
		if strings.Contains(ip.v, ",") {
			return Command{}, &InvalidRequestError{Field: ip.field, Reason: "must not contain ','"}
		}
	}

	rule := fmt.Sprintf("%s,%s,%s,%d,%s,%d", req.RuleName, proto, req.HostIP, req.HostPort, req.GuestIP, req.GuestPort)
	slot := strconv.Itoa(req.Slot)
	if req.Running {
		return Command{
			Args:    []string{"controlvm", req.Name, "natpf" + slot, rule},
			Timeout: TimeoutCommand,
		}, nil
	}
	return Command{
		Args:    []string{"modifyvm", req.Name, "--natpf" + slot, rule},
		Timeout: TimeoutCommand,
	}, nil
}

// RemovePortForwardCommand removes a NAT port-forwarding rule by name.
func RemovePortForwardCommand(name, ruleName string, slot int, running bool) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("rule_name", ruleName); err != nil {
		return Command{}, err
	}
	if err := validateAdapterSlot(slot); err != nil {
		return Command{}, err
	}
	n := strconv.Itoa(slot)
	if running {
		return Command{
			Args:    []string{"controlvm", name, "natpf" + n, "delete", ruleName},
			Timeout: TimeoutCommand,
		}, nil
	}
	return Command{
		Args:    []string{"modifyvm", name, "--natpf" + n, "delete", ruleName},
		Timeout: TimeoutCommand,
	}, nil
}

// --- Storage ---

// AddControllerRequest describes a new storage controller.
type AddControllerRequest struct {
	Name           string
	ControllerName string
	Bus            string // "sata", "ide", "scsi", "nvme", "usb".
	Chipset        string // Optional controller chipset (e.g. "IntelAhci").
	Ports          int    // 0 = tool default.
}

// AddControllerCommand adds a storage controller to a machine.
func AddControllerCommand(req AddControllerRequest) (Command, error) {
	if err := ValidateName("name", req.Name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("controller_name", req.ControllerName); err != nil {
		return Command{}, err
	}
	bus := strings.ToLower(req.Bus)
	switch bus {
	case "sata", "ide", "scsi", "sas", "nvme", "usb", "pcie", "floppy":
	default:
		return Command{}, &InvalidRequestError{Field: "bus", Reason: "unknown bus type " + strconv.Quote(req.Bus)}
	}
	args := []string{"storagectl", req.Name, "--name", req.ControllerName, "--add", bus}
	if req.Chipset != "" {
		if err := ValidateName("chipset", req.Chipset); err != nil {
			return Command{}, err
		}
		args = append(args, "--controller", req.Chipset)
	}
	if req.Ports != 0 {
		if err := validateRange("ports", req.Ports, 1, 30); err != nil {
			return Command{}, err
		}
		args = append(args, "--portcount", strconv.Itoa(req.Ports))
	}
	return Command{Args: args, Timeout: TimeoutCommand}, nil
}

// RemoveControllerCommand removes a storage controller.
func RemoveControllerCommand(name, controllerName string) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("controller_name", controllerName); err != nil {
		return Command{}, err
	}
	return Command{
		Args:    []string{"storagectl", name, "--name", controllerName, "--remove"},
		Timeout: TimeoutCommand,
	}, nil
}

// CreateDiskRequest describes a new disk image.
type CreateDiskRequest struct {
	Path    string
	SizeMB  int
	Format  string // "VDI", "VMDK", "VHD".
	Variant string // Optional, e.g. "Standard", "Fixed".
}

// CreateDiskCommand creates a disk image file.
func CreateDiskCommand(req CreateDiskRequest) (Command, error) {
	if err := validateAbsPath("path", req.Path); err != nil {
		return Command{}, err
	}
	if err := validateRange("size_mb", req.SizeMB, 1, 2<<20); err != nil {
		return Command{}, err
	}
	format := strings.ToUpper(req.Format)
	switch format {
	case "VDI", "VMDK", "VHD":
	default:
		return Command{}, &InvalidRequestError{Field: "format", Reason: "must be VDI, VMDK or VHD"}
	}
	args := []string{"createmedium", "disk", "--filename", req.Path, "--size", strconv.Itoa(req.SizeMB), "--format", format}
	if req.Variant != "" {
		if err := ValidateName("variant", req.Variant); err != nil {
			return Command{}, err
		}
		args = append(args, "--variant", req.Variant)
	}
	return Command{Args: args, Timeout: TimeoutLong}, nil
}

// AttachDiskRequest describes a medium attachment.
type AttachDiskRequest struct {
	Name           string
	ControllerName string
	Port           int
	Device         int
	Path           string
	DiskType       string // "hdd", "dvddrive", "fdd".
}

// AttachDiskCommand attaches a medium to a controller port/device.
func AttachDiskCommand(req AttachDiskRequest) (Command, error) {
	if err := ValidateName("name", req.Name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("controller_name", req.ControllerName); err != nil {
		return Command{}, err
	}
	if err := validateRange("port", req.Port, 0, 29); err != nil {
		return Command{}, err
	}
	if err := validateRange("device", req.Device, 0, 1); err != nil {
		return Command{}, err
	}
	if err := validateAbsPath("path", req.Path); err != nil {
		return Command{}, err
	}
	diskType := strings.ToLower(req.DiskType)
	switch diskType {
	case "hdd", "dvddrive", "fdd":
	default:
		return Command{}, &InvalidRequestError{Field: "disk_type", Reason: "must be hdd, dvddrive or fdd"}
	}
	return Command{
		Args: []string{
			"storageattach", req.Name,
			"--storagectl", req.ControllerName,
			"--port", strconv.Itoa(req.Port),
			"--device", strconv.Itoa(req.Device),
			"--type", diskType,
			"--medium", req.Path,
		},
		Timeout: TimeoutCommand,
	}, nil
}

// DetachDiskCommand detaches whatever medium occupies a controller
// port/device.
func DetachDiskCommand(name, controllerName string, port, device int) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	if err := ValidateName("controller_name", controllerName); err != nil {
		return Command{}, err
	}
	if err := validateRange("port", port, 0, 29); err != nil {
		return Command{}, err
	}
	if err := validateRange("device", device, 0, 1); err != nil {
		return Command{}, err
	}
	return Command{
		Args: []string{
			"storageattach", name,
			"--storagectl", controllerName,
			"--port", strconv.Itoa(port),
			"--device", strconv.Itoa(device),
			"--medium", "none",
		},
		Timeout: TimeoutCommand,
	}, nil
}

// ListDisksCommand lists registered disk images.
func ListDisksCommand() Command {
	return Command{Args: []string{"list", "hdds"}, Timeout: TimeoutCommand}
}

// --- Host / system ---

// HostInfoCommand queries host hardware and OS facts.
func HostInfoCommand() Command {
	return Command{Args: []string{"list", "hostinfo"}, Timeout: TimeoutCommand}
}

// VersionCommand queries the tool version.
func VersionCommand() Command {
	return Command{Args: []string{"--version"}, Timeout: TimeoutCommand}
}

// OSTypesCommand lists supported guest OS types.
func OSTypesCommand() Command {
	return Command{Args: []string{"list", "ostypes"}, Timeout: TimeoutCommand}
}

// MetricsCommand samples metrics for one machine, or for every object when
// name is empty.
func MetricsCommand(name string) (Command, error) {
	target := "*"
	if name != "" {
		if err := ValidateName("name", name); err != nil {
			return Command{}, err
		}
		target = name
	}
	return Command{
		Args:    []string{"metrics", "query", target},
		Timeout: TimeoutCommand,
	}, nil
}

// ScreenshotCommand captures a running machine's display to a PNG file.
func ScreenshotCommand(name, outputPath string) (Command, error) {
	if err := ValidateName("name", name); err != nil {
		return Command{}, err
	}
	if err := validateAbsPath("output_path", outputPath); err != nil {
		return Command{}, err
	}
	return Command{
		Args:    []string{"controlvm", name, "screenshotpng", outputPath},
		Timeout: TimeoutCommand,
	}, nil
}

// validateCIDR is a shape check (a.b.c.d/nn), not a full parse; the tool
// gives the authoritative verdict.
func validateCIDR(field, cidr string) error {
	slash := strings.IndexByte(cidr, '/')
	if slash <= 0 || slash == len(cidr)-1 {
		return &InvalidRequestError{Field: field, Reason: "must be CIDR notation (e.g. 10.0.5.0/24)"}
	}
	bits, err := strconv.Atoi(cidr[slash+1:])
	if err != nil || bits < 0 || bits > 32 {
		return &InvalidRequestError{Field: field, Reason: "prefix length must be 0-32"}
	}
	dots := strings.Count(cidr[:slash], ".")
	if dots != 3 {
		return &InvalidRequestError{Field: field, Reason: "must be CIDR notation (e.g. 10.0.5.0/24)"}
	}
	return nil
}
