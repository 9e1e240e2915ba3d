package dispatch

import (
	"context"

	"github.com/jkaninda/sanduku/internal/vbox"
)

func registerNetworkHandlers(handlers map[string]Handler) {
	handlers["network/list_networks"] = networkList
	handlers["network/create_network"] = networkCreate
	handlers["network/remove_network"] = networkRemove
	handlers["network/list_adapters"] = networkListAdapters
	handlers["network/configure_adapter"] = networkConfigureAdapter
	handlers["network/add_port_forward"] = networkAddPortForward
	handlers["network/remove_port_forward"] = networkRemovePortForward
	handlers["network/list_port_forwards"] = networkListPortForwards
}

func networkList(ctx context.Context, d *Dispatcher, _ Args) (any, error) {
	out, err := d.run(ctx, vbox.ListNetworksCommand())
	if err != nil {
		return nil, err
	}
	return vbox.ParseNetworks(out)
}

func networkCreate(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("network_name")
	cmd, err := vbox.CreateNetworkCommand(vbox.CreateNetworkRequest{
		Name:    name,
		Network: args.String("network"),
		DHCP:    args.Bool("enable_dhcp"),
	})
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "create_network", out), nil
}

func networkRemove(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("network_name")
	cmd, err := vbox.RemoveNetworkCommand(name)
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "remove_network", out), nil
}

func networkListAdapters(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	details, err := d.vmDetails(ctx, args.String("name"))
	if err != nil {
		return nil, err
	}
	return details.Adapters(), nil
}

func networkConfigureAdapter(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	req := vbox.ConfigureAdapterRequest{
		Name:       name,
		Slot:       args.Int("adapter_slot"),
		Attachment: args.String("attachment"),
		Network:    args.String("network_name"),
	}
	// Absent means leave the cable state alone.
	if args.Has("cable_connected") {
		connected := args.Bool("cable_connected")
		req.CableConnected = &connected
	}
	cmd, err := vbox.ConfigureAdapterCommand(req)
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "configure_adapter", out), nil
}

// networkAddPortForward targets the live machine when it is running:
// rules added through the offline path do not reach a running NAT
// engine until the next boot.
func networkAddPortForward(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	running, err := d.vmRunning(ctx, name)
	if err != nil {
		return nil, err
	}
	cmd, err := vbox.AddPortForwardCommand(vbox.AddPortForwardRequest{
		Name:      name,
		RuleName:  args.String("rule_name"),
		Slot:      args.Int("adapter_slot"),
		Protocol:  args.String("protocol"),
		HostIP:    args.String("host_ip"),
		HostPort:  args.Int("host_port"),
		GuestIP:   args.String("guest_ip"),
		GuestPort: args.Int("guest_port"),
		Running:   running,
	})
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "add_port_forward", out), nil
}

func networkRemovePortForward(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	name := args.String("name")
	running, err := d.vmRunning(ctx, name)
	if err != nil {
		return nil, err
	}
	cmd, err := vbox.RemovePortForwardCommand(name, args.String("rule_name"), args.Int("adapter_slot"), running)
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ack(name, "remove_port_forward", out), nil
}

func networkListPortForwards(ctx context.Context, d *Dispatcher, args Args) (any, error) {
	details, err := d.vmDetails(ctx, args.String("name"))
	if err != nil {
		return nil, err
	}
	return details.PortForwards(), nil
}
