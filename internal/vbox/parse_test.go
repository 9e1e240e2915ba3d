package vbox

import (
	"errors"
	"testing"
)

const sampleVMDetails = `name="ubuntu-dev"
groups="/"
ostype="Ubuntu (64-bit)"
UUID="8a1c2f30-77aa-4c8e-9df0-30c4e3b1f001"
CfgFile="/home/vbox/VirtualBox VMs/ubuntu-dev/ubuntu-dev.vbox"
memory=4096
pagefusion="off"
vram=16
cpus=2
firmware="BIOS"
VMState="running"
VMStateChangeTime="2026-08-25T08:12:44.000000000"
nic1="nat"
macaddress1="080027BD34C9"
cableconnected1="on"
nic2="bridged"
bridgeadapter2="eth0"
macaddress2="080027AA11E2"
cableconnected2="off"
nic3="none"
Forwarding(0)="ssh,tcp,,2222,,22"
Forwarding(1)="web,tcp,127.0.0.1,8080,10.0.2.15,80"
storagecontrollername0="SATA"
storagecontrollertype0="IntelAhci"
storagecontrollerinstance0="0"
storagecontrollermaxportcount0="30"
storagecontrollerportcount0="2"
storagecontrollerbootable0="on"
"SATA-0-0"="/home/vbox/VirtualBox VMs/ubuntu-dev/ubuntu-dev.vdi"
"SATA-ImageUUID-0-0"="41b013cf-4d1e-444f-8f5a-7b5999aa0001"
"SATA-1-0"="none"
somefuturekey="surprise"
`

func TestParseVMDetails(t *testing.T) {
	d, err := ParseVMDetails(sampleVMDetails)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Name != "ubuntu-dev" {
		t.Errorf("name = %q, want ubuntu-dev", d.Name)
	}
	if d.State != "running" {
		t.Errorf("state = %q, want running", d.State)
	}
	if d.MemoryMB != 4096 || d.CPUs != 2 || d.VRAMMB != 16 {
		t.Errorf("hardware = %d MB / %d cpus / %d vram, want 4096/2/16", d.MemoryMB, d.CPUs, d.VRAMMB)
	}
	if d.UUID != "8a1c2f30-77aa-4c8e-9df0-30c4e3b1f001" {
		t.Errorf("uuid = %q", d.UUID)
	}
}

func TestParseVMDetailsToleratesUnknownKeys(t *testing.T) {
	d, err := ParseVMDetails(sampleVMDetails)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A key the projection has never heard of must survive in the field map.
	v, ok := d.Fields.Get("somefuturekey")
	if !ok {
		t.Fatal("unknown key dropped by the decoder")
	}
	if v != "surprise" {
		t.Errorf("overflow value = %q, want surprise", v)
	}
}

func TestParseVMDetailsAbsentFieldsStayAbsent(t *testing.T) {
	d, err := ParseVMDetails("name=\"bare\"\nUUID=\"123\"\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Fields.Has("memory") {
		t.Error("memory reported present in output that never mentioned it")
	}
	if _, ok := d.Fields.Int("memory"); ok {
		t.Error("Int on absent key reported ok")
	}
	if d.MemoryMB != 0 {
		t.Errorf("absent memory projected as %d", d.MemoryMB)
	}
}

func TestParseVMDetailsEmpty(t *testing.T) {
	_, err := ParseVMDetails("  \n\n")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if parseErr.Record != "vm details" {
		t.Errorf("record = %q, want vm details", parseErr.Record)
	}
}

func TestVMDetailsAdapters(t *testing.T) {
	d, err := ParseVMDetails(sampleVMDetails)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	adapters := d.Adapters()
	if len(adapters) != 2 {
		t.Fatalf("adapter count = %d, want 2 (nic3 is none)", len(adapters))
	}
	if adapters[0].Attachment != "nat" || !adapters[0].CableConnected {
		t.Errorf("slot 1 = %+v, want nat with cable connected", adapters[0])
	}
	if adapters[1].Attachment != "bridged" || adapters[1].Network != "eth0" {
		t.Errorf("slot 2 = %+v, want bridged on eth0", adapters[1])
	}
	if adapters[1].CableConnected {
		t.Error("slot 2 cable reported connected, output says off")
	}
}

func TestVMDetailsPortForwards(t *testing.T) {
	d, err := ParseVMDetails(sampleVMDetails)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rules := d.PortForwards()
	if len(rules) != 2 {
		t.Fatalf("rule count = %d, want 2", len(rules))
	}
	if rules[0].Name != "ssh" || rules[0].HostPort != 2222 || rules[0].GuestPort != 22 {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[1].HostIP != "127.0.0.1" || rules[1].GuestIP != "10.0.2.15" {
		t.Errorf("rule 1 addresses = %+v", rules[1])
	}
}

func TestVMDetailsStorage(t *testing.T) {
	d, err := ParseVMDetails(sampleVMDetails)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	controllers := d.StorageControllers()
	if len(controllers) != 1 {
		t.Fatalf("controller count = %d, want 1", len(controllers))
	}
	if controllers[0].Name != "SATA" || controllers[0].Type != "IntelAhci" || !controllers[0].Bootable {
		t.Errorf("controller = %+v", controllers[0])
	}

	attachments := d.Attachments()
	if len(attachments) != 1 {
		t.Fatalf("attachment count = %d, want 1 (the 'none' slot is skipped)", len(attachments))
	}
	att := attachments[0]
	if att.Controller != "SATA" || att.Port != 0 || att.Device != 0 {
		t.Errorf("attachment position = %+v", att)
	}
	if att.UUID != "41b013cf-4d1e-444f-8f5a-7b5999aa0001" {
		t.Errorf("attachment uuid = %q", att.UUID)
	}
}

func TestParseVMList(t *testing.T) {
	out := `"ubuntu-dev" {8a1c2f30-77aa-4c8e-9df0-30c4e3b1f001}
"win11 test" {0c9e5f02-1d20-4a8f-aaaa-bbbbcccc0002}
`
	vms, err := ParseVMList(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vms) != 2 {
		t.Fatalf("vm count = %d, want 2", len(vms))
	}
	if vms[1].Name != "win11 test" {
		t.Errorf("name = %q, want %q", vms[1].Name, "win11 test")
	}
	if vms[0].UUID != "8a1c2f30-77aa-4c8e-9df0-30c4e3b1f001" {
		t.Errorf("uuid = %q", vms[0].UUID)
	}
}

func TestParseVMListEmptyIsValid(t *testing.T) {
	vms, err := ParseVMList("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vms) != 0 {
		t.Errorf("vm count = %d, want 0", len(vms))
	}
}

func TestParseVMListUnreadable(t *testing.T) {
	_, err := ParseVMList("Oracle VM VirtualBox Command Line Management Interface\n")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if parseErr.Raw == "" {
		t.Error("raw output not attached to parse error")
	}
}

func TestParseSnapshots(t *testing.T) {
	out := `SnapshotName="base"
SnapshotUUID="aaaa-0001"
SnapshotName-1="configured"
SnapshotUUID-1="aaaa-0002"
SnapshotName-1-1="with-tools"
SnapshotUUID-1-1="aaaa-0003"
CurrentSnapshotName="with-tools"
CurrentSnapshotUUID="aaaa-0003"
CurrentSnapshotNode="SnapshotName-1-1"
`
	snaps, err := ParseSnapshots(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshot count = %d, want 3", len(snaps))
	}
	if snaps[0].Name != "base" || snaps[0].Path != "" {
		t.Errorf("root = %+v", snaps[0])
	}
	if snaps[1].Path != "1" || snaps[2].Path != "1-1" {
		t.Errorf("paths = %q, %q, want 1 and 1-1", snaps[1].Path, snaps[2].Path)
	}
	if !snaps[2].Current {
		t.Error("current snapshot not flagged")
	}
	if snaps[0].Current || snaps[1].Current {
		t.Error("non-current snapshot flagged current")
	}
}

func TestParseSnapshotsNone(t *testing.T) {
	snaps, err := ParseSnapshots("This machine does not have any snapshots\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("snapshot count = %d, want 0", len(snaps))
	}
}

func TestParseNetworks(t *testing.T) {
	out := `NAT Networks:

Name:         testnet
Network:      10.0.5.0/24
Gateway:      10.0.5.1
DHCP Server:  Yes
Enabled:      Yes

Name:         other
Network:      192.168.15.0/24
Gateway:      192.168.15.1
DHCP Server:  No
Enabled:      No

2 networks found
`
	nets, err := ParseNetworks(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nets) != 2 {
		t.Fatalf("network count = %d, want 2", len(nets))
	}
	if nets[0].Name != "testnet" || !nets[0].DHCP || !nets[0].Enabled {
		t.Errorf("first network = %+v", nets[0])
	}
	if nets[1].Network != "192.168.15.0/24" || nets[1].DHCP {
		t.Errorf("second network = %+v", nets[1])
	}
}

func TestParseHostInfo(t *testing.T) {
	out := `Host Information:

Host time: 2026-08-25T10:14:02.733000000Z
Processor online count: 8
Processor count: 8
Processor#0 speed: 2600 MHz
Processor#0 description: Intel(R) Xeon(R) CPU
Memory size: 16384 MByte
Memory available: 9216 MByte
Operating system: Linux
Operating system version: 6.8.0-45-generic
`
	h, err := ParseHostInfo(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.CPUCount != 8 {
		t.Errorf("cpu count = %d, want 8", h.CPUCount)
	}
	if h.MemorySizeMB != 16384 || h.MemoryFreeMB != 9216 {
		t.Errorf("memory = %d/%d, want 16384/9216", h.MemorySizeMB, h.MemoryFreeMB)
	}
	if h.OS != "Linux" {
		t.Errorf("os = %q, want Linux", h.OS)
	}
	if _, ok := h.Fields.Get("Host time"); !ok {
		t.Error("unprojected key missing from field map")
	}
}

func TestParseHostInfoUnreadable(t *testing.T) {
	_, err := ParseHostInfo("")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
}

func TestParseOSTypes(t *testing.T) {
	out := `ID:          Ubuntu_64
Description: Ubuntu (64-bit)
Family ID:   Linux
Family Desc: Linux
64 bit:      true

ID:          Windows11_64
Description: Windows 11 (64-bit)
Family ID:   Windows
Family Desc: Microsoft Windows
64 bit:      true
`
	types, err := ParseOSTypes(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("type count = %d, want 2", len(types))
	}
	if types[0].ID != "Ubuntu_64" || types[0].FamilyID != "Linux" || !types[0].Is64Bit {
		t.Errorf("first type = %+v", types[0])
	}
}

func TestParseDisks(t *testing.T) {
	out := `UUID:           41b013cf-4d1e-444f-8f5a-7b5999aa0001
State:          created
Type:           normal
Location:       /home/vbox/VirtualBox VMs/ubuntu-dev/ubuntu-dev.vdi
Storage format: VDI
Capacity:       20480 MBytes
Size on disk:   6144 MBytes
Encryption:     disabled
`
	disks, err := ParseDisks(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disks) != 1 {
		t.Fatalf("disk count = %d, want 1", len(disks))
	}
	d := disks[0]
	if d.Format != "VDI" || d.CapacityMB != 20480 || d.SizeOnDiskMB != 6144 {
		t.Errorf("disk = %+v", d)
	}
}

func TestParseMetrics(t *testing.T) {
	out := `Object     Metric               Value
host       CPU/Load/User:avg    12.50%
host       RAM/Usage/Free       9216000 kB
ubuntu-dev Guest/CPU/Load/User  3.00%
`
	metrics, err := ParseMetrics(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(metrics) != 3 {
		t.Fatalf("metric count = %d, want 3", len(metrics))
	}
	if metrics[1].Value != "9216000 kB" {
		t.Errorf("value with unit = %q, want %q", metrics[1].Value, "9216000 kB")
	}
	if metrics[2].Object != "ubuntu-dev" {
		t.Errorf("object = %q, want ubuntu-dev", metrics[2].Object)
	}
}

func TestFieldsBool(t *testing.T) {
	f := Fields{"a": "on", "b": "off", "c": "Yes", "d": "disabled", "e": "maybe"}
	if v, ok := f.Bool("a"); !ok || !v {
		t.Error("on not decoded as true")
	}
	if v, ok := f.Bool("b"); !ok || v {
		t.Error("off not decoded as false")
	}
	if v, ok := f.Bool("c"); !ok || !v {
		t.Error("Yes not decoded as true")
	}
	if v, ok := f.Bool("d"); !ok || v {
		t.Error("disabled not decoded as false")
	}
	if _, ok := f.Bool("e"); ok {
		t.Error("unrecognized boolean text decoded as present")
	}
	if _, ok := f.Bool("missing"); ok {
		t.Error("absent key decoded as present")
	}
}
