package netinit

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/tinyrange/vminit/internal/backoff"
	"github.com/tinyrange/vminit/internal/dhcp"
)

// InterfaceInfo is the slice of link state this package works with.
type InterfaceInfo struct {
	Name      string
	Mac       net.HardwareAddr
	IsVirtual bool
	Ifindex   int
}

// ignoredPrefixes rules interfaces out of bootstrap candidacy by name,
// independent of what the kernel reports about their kind.
var ignoredPrefixes = []string{
	"lo", "veth", "docker", "br", "virbr", "vlan", "tun", "tap",
	"macvtap", "bond", "team", "wg", "ppp", "dummy",
}

// isVirtualKind decides from the kernel's link info kind whether the
// interface is software-defined. Physical devices report no kind (or
// "device"); everything else, including kinds this code has never heard
// of, is virtual. Dummy devices are the exception: they carry a kind but
// are already excluded by name prefix.
func isVirtualKind(kind string) bool {
	switch kind {
	case "", "device", "dummy":
		return false
	}
	return true
}

// getInterfaces enumerates all links.
func getInterfaces() ([]InterfaceInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("unable to list links: %w", err)
	}
	interfaces := make([]InterfaceInfo, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		info := InterfaceInfo{
			Name:      attrs.Name,
			Ifindex:   attrs.Index,
			IsVirtual: isVirtualKind(link.Type()),
		}
		if len(attrs.HardwareAddr) == 6 {
			info.Mac = attrs.HardwareAddr
		}
		interfaces = append(interfaces, info)
	}
	return interfaces, nil
}

func findByMac(interfaces []InterfaceInfo, mac string) (InterfaceInfo, bool) {
	for _, iface := range interfaces {
		if iface.Mac != nil && iface.Mac.String() == mac {
			return iface, true
		}
	}
	return InterfaceInfo{}, false
}

func findByName(interfaces []InterfaceInfo, name string) (InterfaceInfo, bool) {
	for _, iface := range interfaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return InterfaceInfo{}, false
}

func linkUp(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("unable to get link %d: %w", ifindex, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("unable to set link %s up: %w", link.Attrs().Name, err)
	}
	return nil
}

func linkRename(ifindex int, newName string) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("unable to get link %d: %w", ifindex, err)
	}
	if err := netlink.LinkSetName(link, newName); err != nil {
		return fmt.Errorf("unable to rename link %s to %s: %w",
			link.Attrs().Name, newName, err)
	}
	return nil
}

// ensureLoopback brings lo up with its standard addresses. Adding an
// address that is already present is not an error.
func ensureLoopback(interfaces []InterfaceInfo) error {
	lo, ok := findByName(interfaces, "lo")
	if !ok {
		return nil
	}
	if err := linkUp(lo.Ifindex); err != nil {
		return err
	}
	link, err := netlink.LinkByIndex(lo.Ifindex)
	if err != nil {
		return fmt.Errorf("unable to get loopback link: %w", err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("unable to list loopback addresses: %w", err)
	}
	haveV4, haveV6 := false, false
	for _, addr := range addrs {
		if addr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
			haveV4 = true
		}
		if addr.IP.Equal(net.IPv6loopback) {
			haveV6 = true
		}
	}
	if !haveV4 {
		slog.Info("adding loopback IPv4 127.0.0.1/8")
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   net.IPv4(127, 0, 0, 1),
			Mask: net.CIDRMask(8, 32),
		}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("unable to add loopback IPv4 address: %w", err)
		}
	}
	if !haveV6 {
		slog.Info("adding loopback IPv6 ::1/128")
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   net.IPv6loopback,
			Mask: net.CIDRMask(128, 128),
		}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("unable to add loopback IPv6 address: %w", err)
		}
	}
	return nil
}

// waitForCarrier polls the link's operational state until it reports up.
func waitForCarrier(ifindex int, timeout time.Duration) error {
	start := time.Now()
	wait := backoff.New(500 * time.Millisecond)
	for {
		link, err := netlink.LinkByIndex(ifindex)
		if err != nil {
			return fmt.Errorf("unable to get link %d: %w", ifindex, err)
		}
		state := link.Attrs().OperState
		if state == netlink.OperUp {
			return nil
		}
		if time.Since(start) >= timeout {
			return fmt.Errorf("no carrier detected on interface within %v", timeout)
		}
		wait.Wait()
	}
}

// flushInterface removes the default route and all addresses from the
// interface, best effort. Used to tear down bootstrap config when the
// bootstrap NIC turned out not to be the primary.
func flushInterface(ifindex int) {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return
	}
	route := &netlink.Route{
		LinkIndex: ifindex,
		Dst:       &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
	}
	if err := netlink.RouteDel(route); err != nil {
		slog.Debug("unable to delete default route",
			slog.Int("ifindex", ifindex), slog.String("error", err.Error()))
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return
	}
	for _, addr := range addrs {
		if err := netlink.AddrDel(link, &addr); err != nil {
			slog.Debug("unable to delete address",
				slog.String("address", addr.IP.String()), slog.String("error", err.Error()))
		}
	}
}

// applyLease configures the interface's address and default route from a
// DHCP lease and writes the resolver configuration.
func applyLease(ifindex int, lease *dhcp.Lease) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("unable to get link %d: %w", ifindex, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   lease.Address,
		Mask: net.CIDRMask(lease.PrefixLen, 32),
	}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to add IP address: %w", err)
	}
	route := &netlink.Route{LinkIndex: ifindex, Gw: lease.Gateway}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to add default route: %w", err)
	}
	return dhcp.WriteResolverConfig(lease)
}

// interfaceAddressConfig reads the current IPv4 address and default
// gateway of an already-configured interface back out of the kernel.
func interfaceAddressConfig(ifindex int) (*dhcp.Lease, error) {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("unable to get link %d: %w", ifindex, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("unable to list addresses: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no IPv4 address found on interface")
	}
	prefixLen, _ := addrs[0].Mask.Size()

	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("unable to list routes: %w", err)
	}
	var gateway net.IP
	for _, route := range routes {
		if route.LinkIndex != ifindex || route.Gw == nil {
			continue
		}
		if isDefault := route.Dst == nil || route.Dst.IP.IsUnspecified(); isDefault {
			gateway = route.Gw
			break
		}
	}
	if gateway == nil {
		return nil, fmt.Errorf("no default gateway found for interface")
	}
	return &dhcp.Lease{
		Address:   addrs[0].IP,
		PrefixLen: prefixLen,
		Gateway:   gateway,
	}, nil
}

// runDhcp acquires a lease on the interface and applies it.
func runDhcp(iface InterfaceInfo) (*dhcp.Lease, error) {
	if iface.Mac == nil {
		return nil, fmt.Errorf("no MAC address available for interface %s", iface.Name)
	}
	lease, err := dhcp.Acquire(iface.Name, iface.Mac)
	if err != nil {
		return nil, err
	}
	if err := applyLease(iface.Ifindex, lease); err != nil {
		return nil, err
	}
	return lease, nil
}
