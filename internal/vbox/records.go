package vbox

import (
	"strconv"
	"strings"
)

// Fields holds every key/value pair decoded from one record, including keys
// the typed projections below do not model. The tool's output schema is not
// a versioned contract, so nothing is discarded and nothing is defaulted:
// presence is always observable through Has/Get, and a missing key is
// "unknown", not a zero value.
type Fields map[string]string

// Has reports whether the key was present in the output.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// Get returns the raw value and whether the key was present.
func (f Fields) Get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

// Int returns the key decoded as an integer. ok is false when the key is
// absent or not numeric.
func (f Fields) Int(key string) (int, bool) {
	v, present := f[key]
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool returns the key decoded as a boolean. The tool writes booleans as
// "on"/"off", "true"/"false" or "enabled"/"disabled" depending on the
// subcommand; all are accepted.
func (f Fields) Bool(key string) (bool, bool) {
	v, present := f[key]
	if !present {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "yes", "enabled", "1":
		return true, true
	case "off", "false", "no", "disabled", "0":
		return false, true
	default:
		return false, false
	}
}

// VMSummary is one line of the registered-machine listing.
type VMSummary struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// VMDetails is the typed projection of a single machine's detail output.
// Typed fields are conveniences over Fields; consult Fields to distinguish
// an absent value from a zero one.
type VMDetails struct {
	Name        string `json:"name"`
	UUID        string `json:"uuid"`
	State       string `json:"state"` // e.g. "running", "poweroff", "paused", "saved".
	OSType      string `json:"os_type"`
	MemoryMB    int    `json:"memory_mb"`
	CPUs        int    `json:"cpus"`
	VRAMMB      int    `json:"vram_mb"`
	Firmware    string `json:"firmware"`
	Description string `json:"description"`
	ConfigFile  string `json:"config_file"`

	Fields Fields `json:"fields"` // Complete decoded map, unmapped keys included.
}

// Adapters derives the network adapter list from the detail fields
// (nicN, macaddressN, cableconnectedN and the attachment-specific keys).
// Slots with nicN="none" are skipped.
func (d *VMDetails) Adapters() []AdapterInfo {
	var out []AdapterInfo
	for slot := 1; slot <= maxAdapterSlots; slot++ {
		n := strconv.Itoa(slot)
		attachment, ok := d.Fields.Get("nic" + n)
		if !ok || attachment == "none" {
			continue
		}
		a := AdapterInfo{Slot: slot, Attachment: attachment}
		a.MACAddress, _ = d.Fields.Get("macaddress" + n)
		a.CableConnected, _ = d.Fields.Bool("cableconnected" + n)
		switch attachment {
		case "bridged":
			a.Network, _ = d.Fields.Get("bridgeadapter" + n)
		case "intnet":
			a.Network, _ = d.Fields.Get("intnet" + n)
		case "hostonly":
			a.Network, _ = d.Fields.Get("hostonlyadapter" + n)
		case "natnetwork":
			a.Network, _ = d.Fields.Get("nat-network" + n)
		}
		out = append(out, a)
	}
	return out
}

// PortForwards derives NAT port-forwarding rules from the detail fields
// (Forwarding(0)="name,proto,hostip,hostport,guestip,guestport" per slot).
func (d *VMDetails) PortForwards() []PortForwardRule {
	var out []PortForwardRule
	for slot := 1; slot <= maxAdapterSlots; slot++ {
		prefix := forwardingPrefix(slot)
		for i := 0; ; i++ {
			raw, ok := d.Fields.Get(prefix + "(" + strconv.Itoa(i) + ")")
			if !ok {
				break
			}
			rule, err := decodeForwardRule(slot, raw)
			if err != nil {
				continue // Malformed rule lines are skipped, not fatal.
			}
			out = append(out, rule)
		}
	}
	return out
}

// StorageControllers derives the controller list from the detail fields
// (storagecontrollernameN, storagecontrollertypeN, ...).
func (d *VMDetails) StorageControllers() []StorageController {
	var out []StorageController
	for i := 0; ; i++ {
		n := strconv.Itoa(i)
		name, ok := d.Fields.Get("storagecontrollername" + n)
		if !ok {
			break
		}
		c := StorageController{Name: name, Instance: i}
		c.Type, _ = d.Fields.Get("storagecontrollertype" + n)
		c.Bootable, _ = d.Fields.Bool("storagecontrollerbootable" + n)
		c.Ports, _ = d.Fields.Int("storagecontrollerportcount" + n)
		out = append(out, c)
	}
	return out
}

// Attachments derives attached media from the detail fields
// ("<Controller>-<port>-<device>"="/path/to.vdi", "none" entries skipped).
func (d *VMDetails) Attachments() []DiskAttachment {
	var out []DiskAttachment
	for _, c := range d.StorageControllers() {
		ports := c.Ports
		if ports == 0 {
			ports = 30 // SATA maximum; absent port counts degrade to a full scan.
		}
		for port := 0; port < ports; port++ {
			for device := 0; device < 2; device++ {
				key := c.Name + "-" + strconv.Itoa(port) + "-" + strconv.Itoa(device)
				path, ok := d.Fields.Get(key)
				if !ok || path == "none" {
					continue
				}
				att := DiskAttachment{
					Controller: c.Name,
					Port:       port,
					Device:     device,
					Path:       path,
				}
				att.UUID, _ = d.Fields.Get(c.Name + "-ImageUUID-" + strconv.Itoa(port) + "-" + strconv.Itoa(device))
				out = append(out, att)
			}
		}
	}
	return out
}

// forwardingPrefix returns the key prefix for NAT forwarding rules on a
// slot. Slot 1 uses the bare "Forwarding" prefix.
func forwardingPrefix(slot int) string {
	if slot == 1 {
		return "Forwarding"
	}
	return "Forwarding" + strconv.Itoa(slot)
}

func decodeForwardRule(slot int, raw string) (PortForwardRule, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 6 {
		return PortForwardRule{}, &ParseError{Record: "port forward rule", Raw: raw, Reason: "expected 6 comma-separated fields"}
	}
	hostPort, _ := strconv.Atoi(parts[3])
	guestPort, _ := strconv.Atoi(parts[5])
	return PortForwardRule{
		Slot:      slot,
		Name:      parts[0],
		Protocol:  strings.ToLower(parts[1]),
		HostIP:    parts[2],
		HostPort:  hostPort,
		GuestIP:   parts[4],
		GuestPort: guestPort,
	}, nil
}

// AdapterInfo describes one virtual network adapter slot.
type AdapterInfo struct {
	Slot           int    `json:"slot"`
	Attachment     string `json:"attachment"` // "nat", "bridged", "intnet", "hostonly", "natnetwork".
	Network        string `json:"network,omitempty"`
	MACAddress     string `json:"mac_address,omitempty"`
	CableConnected bool   `json:"cable_connected"`
}

// PortForwardRule is one NAT port-forwarding rule on an adapter slot.
type PortForwardRule struct {
	Slot      int    `json:"slot"`
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	HostIP    string `json:"host_ip,omitempty"`
	HostPort  int    `json:"host_port"`
	GuestIP   string `json:"guest_ip,omitempty"`
	GuestPort int    `json:"guest_port"`
}

// StorageController is one storage controller on a machine.
type StorageController struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Ports    int    `json:"ports"`
	Bootable bool   `json:"bootable"`
	Instance int    `json:"instance"`
}

// DiskAttachment is one medium attached to a controller port/device.
type DiskAttachment struct {
	Controller string `json:"controller"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
	Path       string `json:"path"`
	UUID       string `json:"uuid,omitempty"`
}

// Snapshot is one node of a machine's snapshot tree. Path encodes the tree
// position as the machine-readable key suffix ("" for the root, "1" for its
// first child, "1-1" below that), so the flat list preserves the hierarchy.
type Snapshot struct {
	Name    string `json:"name"`
	UUID    string `json:"uuid"`
	Path    string `json:"path"`
	Current bool   `json:"current"`
}

// NetworkInfo describes one NAT network or host-only network.
type NetworkInfo struct {
	Name    string `json:"name"`
	Network string `json:"network,omitempty"` // CIDR, e.g. "10.0.2.0/24".
	Gateway string `json:"gateway,omitempty"`
	DHCP    bool   `json:"dhcp"`
	Enabled bool   `json:"enabled"`

	Fields Fields `json:"fields"`
}

// DiskInfo describes one registered disk image.
type DiskInfo struct {
	UUID         string `json:"uuid"`
	Path         string `json:"path"`
	Format       string `json:"format"`
	State        string `json:"state"`
	CapacityMB   int    `json:"capacity_mb"`
	SizeOnDiskMB int    `json:"size_on_disk_mb"`

	Fields Fields `json:"fields"`
}

// HostInfo describes the virtualization host.
type HostInfo struct {
	OS              string `json:"os"`
	OSVersion       string `json:"os_version"`
	CPUCount        int    `json:"cpu_count"`
	CPUOnlineCount  int    `json:"cpu_online_count"`
	MemorySizeMB    int    `json:"memory_size_mb"`
	MemoryFreeMB    int    `json:"memory_free_mb"`
	ProcessorSpeed  string `json:"processor_speed,omitempty"`
	ProcessorDescr  string `json:"processor_description,omitempty"`

	Fields Fields `json:"fields"`
}

// OSType is one guest OS type the tool can virtualize.
type OSType struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	FamilyID    string `json:"family_id,omitempty"`
	Is64Bit     bool   `json:"is_64bit"`
}

// Metric is one host or guest metric sample.
type Metric struct {
	Object string `json:"object"`
	Name   string `json:"name"`
	Value  string `json:"value"` // Verbatim, unit included (e.g. "12.5%", "1024 kB").
}

const maxAdapterSlots = 8
