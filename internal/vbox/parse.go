package vbox

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// The tool's output is not a versioned contract, so every decoder here
// is tolerant: unknown keys land in the record's Fields map, unparseable
// lines are skipped, and absent keys stay absent. A ParseError is
// reserved for output that cannot be segmented into records at all.

// listLineRE matches one registered-machine listing line: "name" {uuid}.
var listLineRE = regexp.MustCompile(`^"(.+)"\s+\{([0-9a-fA-F-]+)\}$`)

// ParseVMList decodes the registered-machine listing. Empty output is a
// valid empty list; non-empty output with no decodable line is a
// ParseError.
func ParseVMList(out string) ([]VMSummary, error) {
	vms := []VMSummary{}
	sawText := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sawText = true
		m := listLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		vms = append(vms, VMSummary{Name: m[1], UUID: m[2]})
	}
	if sawText && len(vms) == 0 {
		return nil, &ParseError{Record: "vm list", Raw: out, Reason: "no line matched the \"name\" {uuid} grammar"}
	}
	return vms, nil
}

// parseMachineReadable decodes key=value / key="value" lines into Fields.
// Quoted keys and values are unquoted; lines without '=' are skipped.
func parseMachineReadable(out string) Fields {
	fields := make(Fields)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := unquote(strings.TrimSpace(line[:eq]))
		value := unquote(strings.TrimSpace(line[eq+1:]))
		if key == "" {
			continue
		}
		fields[key] = value
	}
	return fields
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// ParseVMDetails decodes a machine's machine-readable detail output into a
// typed record. The complete field map rides along for keys the projection
// does not model.
func ParseVMDetails(out string) (*VMDetails, error) {
	fields := parseMachineReadable(out)
	if len(fields) == 0 {
		return nil, &ParseError{Record: "vm details", Raw: out, Reason: "no key=value lines found"}
	}
	d := &VMDetails{Fields: fields}
	d.Name, _ = fields.Get("name")
	d.UUID, _ = fields.Get("UUID")
	d.State, _ = fields.Get("VMState")
	d.OSType, _ = fields.Get("ostype")
	d.MemoryMB, _ = fields.Int("memory")
	d.CPUs, _ = fields.Int("cpus")
	d.VRAMMB, _ = fields.Int("vram")
	d.Firmware, _ = fields.Get("firmware")
	d.Description, _ = fields.Get("description")
	d.ConfigFile, _ = fields.Get("CfgFile")
	return d, nil
}

// noSnapshotsMarker appears when a machine has no snapshot tree. The tool
// reports this as a failure; callers treat it as an empty list.
const noSnapshotsMarker = "does not have any snapshots"

// IsNoSnapshots reports whether tool output or a tool diagnostic is the
// "no snapshots" case rather than a real failure.
func IsNoSnapshots(text string) bool {
	return strings.Contains(strings.ToLower(text), noSnapshotsMarker)
}

// ParseSnapshots decodes machine-readable snapshot output. The key suffix
// ("SnapshotName-1-2") encodes the tree position and is preserved as the
// node's Path.
func ParseSnapshots(out string) ([]Snapshot, error) {
	if IsNoSnapshots(out) {
		return []Snapshot{}, nil
	}
	fields := parseMachineReadable(out)
	if len(fields) == 0 {
		if strings.TrimSpace(out) == "" {
			return []Snapshot{}, nil
		}
		return nil, &ParseError{Record: "snapshot list", Raw: out, Reason: "no key=value lines found"}
	}

	currentUUID, _ := fields.Get("CurrentSnapshotUUID")

	var snapshots []Snapshot
	for key, name := range fields {
		if !strings.HasPrefix(key, "SnapshotName") {
			continue
		}
		path := strings.TrimPrefix(strings.TrimPrefix(key, "SnapshotName"), "-")
		uuidKey := "SnapshotUUID"
		if path != "" {
			uuidKey += "-" + path
		}
		uuid, _ := fields.Get(uuidKey)
		snapshots = append(snapshots, Snapshot{
			Name:    name,
			UUID:    uuid,
			Path:    path,
			Current: uuid != "" && uuid == currentUUID,
		})
	}
	// Map iteration order is random; order by tree path so parents precede
	// children.
	sort.Slice(snapshots, func(i, j int) bool {
		return pathLess(snapshots[i].Path, snapshots[j].Path)
	})
	return snapshots, nil
}

func pathLess(a, b string) bool {
	if a == "" {
		return b != ""
	}
	if b == "" {
		return false
	}
	as := strings.Split(a, "-")
	bs := strings.Split(b, "-")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, _ := strconv.Atoi(as[i])
		bi, _ := strconv.Atoi(bs[i])
		if ai != bi {
			return ai < bi
		}
	}
	return len(as) < len(bs)
}

// splitBlocks segments "Key: value" output into per-record field maps.
// Records are separated by blank lines; lines without ':' (headers,
// footers) are skipped.
func splitBlocks(out string) []Fields {
	var blocks []Fields
	current := make(Fields)
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, current)
			current = make(Fields)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		colon := strings.Index(trimmed, ":")
		if colon <= 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:colon])
		value := strings.TrimSpace(trimmed[colon+1:])
		if key == "" || value == "" {
			continue
		}
		current[key] = value
	}
	flush()
	return blocks
}

// ParseNetworks decodes the NAT network listing.
func ParseNetworks(out string) ([]NetworkInfo, error) {
	nets := []NetworkInfo{}
	for _, block := range splitBlocks(out) {
		name, ok := block.Get("Name")
		if !ok {
			continue // Header or footer block.
		}
		n := NetworkInfo{Name: name, Fields: block}
		n.Network, _ = block.Get("Network")
		n.Gateway, _ = block.Get("Gateway")
		n.DHCP, _ = block.Bool("DHCP Server")
		n.Enabled, _ = block.Bool("Enabled")
		nets = append(nets, n)
	}
	return nets, nil
}

// ParseDisks decodes the registered disk image listing.
func ParseDisks(out string) ([]DiskInfo, error) {
	disks := []DiskInfo{}
	for _, block := range splitBlocks(out) {
		uuid, ok := block.Get("UUID")
		if !ok {
			continue
		}
		d := DiskInfo{UUID: uuid, Fields: block}
		d.Path, _ = block.Get("Location")
		d.Format, _ = block.Get("Storage format")
		d.State, _ = block.Get("State")
		if v, ok := block.Get("Capacity"); ok {
			d.CapacityMB, _ = leadingInt(v)
		}
		if v, ok := block.Get("Size on disk"); ok {
			d.SizeOnDiskMB, _ = leadingInt(v)
		}
		disks = append(disks, d)
	}
	return disks, nil
}

// ParseHostInfo decodes the host information block.
func ParseHostInfo(out string) (*HostInfo, error) {
	blocks := splitBlocks(out)
	if len(blocks) == 0 {
		return nil, &ParseError{Record: "host info", Raw: out, Reason: "no key: value lines found"}
	}
	// The output is one logical record; headers split it into several
	// blocks, so merge them.
	fields := make(Fields)
	for _, b := range blocks {
		for k, v := range b {
			fields[k] = v
		}
	}
	h := &HostInfo{Fields: fields}
	h.OS, _ = fields.Get("Operating system")
	h.OSVersion, _ = fields.Get("Operating system version")
	h.CPUCount, _ = fields.Int("Processor count")
	h.CPUOnlineCount, _ = fields.Int("Processor online count")
	if v, ok := fields.Get("Memory size"); ok {
		h.MemorySizeMB, _ = leadingInt(v)
	}
	if v, ok := fields.Get("Memory available"); ok {
		h.MemoryFreeMB, _ = leadingInt(v)
	}
	h.ProcessorSpeed, _ = fields.Get("Processor#0 speed")
	h.ProcessorDescr, _ = fields.Get("Processor#0 description")
	return h, nil
}

// ParseOSTypes decodes the guest OS type listing.
func ParseOSTypes(out string) ([]OSType, error) {
	types := []OSType{}
	for _, block := range splitBlocks(out) {
		id, ok := block.Get("ID")
		if !ok {
			continue
		}
		t := OSType{ID: id}
		t.Description, _ = block.Get("Description")
		t.FamilyID, _ = block.Get("Family ID")
		if is64, ok := block.Bool("64 bit"); ok {
			t.Is64Bit = is64
		} else {
			t.Is64Bit = strings.HasSuffix(id, "_64")
		}
		types = append(types, t)
	}
	if len(types) == 0 && strings.TrimSpace(out) != "" {
		return nil, &ParseError{Record: "os types", Raw: out, Reason: "no ID blocks found"}
	}
	return types, nil
}

// ParseMetrics decodes the whitespace-aligned metrics table. The value
// column is kept verbatim, unit included.
func ParseMetrics(out string) ([]Metric, error) {
	metrics := []Metric{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Object") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		metrics = append(metrics, Metric{
			Object: parts[0],
			Name:   parts[1],
			Value:  strings.Join(parts[2:], " "),
		})
	}
	return metrics, nil
}

// leadingInt parses the integer prefix of strings like "16384 MByte".
func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
