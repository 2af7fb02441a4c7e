// Package dhcp implements a minimal DHCPv4 client for one interface: a
// DISCOVER/REQUEST exchange over a broadcast UDP socket bound to the
// device, with bounded retries. It produces a Lease; applying the lease to
// the kernel is the caller's business.
package dhcp

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/tinyrange/vminit/internal/backoff"
	"github.com/tinyrange/vminit/internal/fsx"
	"github.com/tinyrange/vminit/internal/paths"
)

const (
	// Budget for waiting on one reply (the OFFER or the ACK).
	messageTimeout = 10 * time.Second
	// Budget for all attempts on one interface.
	acquireTimeout = 30 * time.Second
	// Kernel receive timeout on the socket.
	readTimeout = 3 * time.Second

	maxMessageSize = 1500
)

// Lease is the network configuration obtained from the DHCP server.
type Lease struct {
	Address    net.IP
	PrefixLen  int
	Gateway    net.IP
	DNSServers []net.IP
	DomainName string
	SearchList []string
}

// Acquire runs the DHCP exchange on the named interface until it succeeds
// or the 30 second budget runs out. Each failed attempt recreates the
// socket and backs off with jitter.
func Acquire(iface string, mac net.HardwareAddr) (*Lease, error) {
	start := time.Now()
	wait := backoff.New(5 * time.Second)
	var lastErr error

	for {
		lease, err := attempt(iface, mac)
		if err == nil {
			return lease, nil
		}
		slog.Warn("DHCP attempt failed",
			slog.String("interface", iface), slog.String("error", err.Error()))
		lastErr = err
		if time.Since(start) >= acquireTimeout {
			break
		}
		wait.Wait()
	}
	return nil, fmt.Errorf("DHCP failed on %s after %v: %w", iface, acquireTimeout, lastErr)
}

func attempt(iface string, mac net.HardwareAddr) (*Lease, error) {
	sock, err := newSocket(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	defer sock.Close()

	discover, err := dhcpv4.NewDiscovery(mac,
		dhcpv4.WithBroadcast(true),
		dhcpv4.WithRequestedOptions(
			dhcpv4.OptionSubnetMask,
			dhcpv4.OptionRouter,
			dhcpv4.OptionDomainNameServer,
			dhcpv4.OptionDomainName,
			dhcpv4.OptionDNSDomainSearchList,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build DHCPDISCOVER: %w", err)
	}
	if err := sock.Broadcast(discover); err != nil {
		return nil, err
	}
	slog.Info("sent DHCPDISCOVER", slog.String("interface", iface))

	offer, err := sock.WaitForMessage(discover.TransactionID, dhcpv4.MessageTypeOffer)
	if err != nil {
		return nil, err
	}
	if offer.ServerIdentifier() == nil {
		return nil, fmt.Errorf("no server ID returned from DHCP server")
	}

	request, err := dhcpv4.NewRequestFromOffer(offer, dhcpv4.WithBroadcast(true))
	if err != nil {
		return nil, fmt.Errorf("failed to build DHCPREQUEST: %w", err)
	}
	if err := sock.Broadcast(request); err != nil {
		return nil, err
	}
	slog.Info("sent DHCPREQUEST", slog.String("interface", iface))

	ack, err := sock.WaitForMessage(request.TransactionID, dhcpv4.MessageTypeAck)
	if err != nil {
		return nil, err
	}
	return LeaseFromAck(ack)
}

// LeaseFromAck extracts the lease from a DHCPACK. The subnet mask and
// router options are required; resolver options are optional.
func LeaseFromAck(ack *dhcpv4.DHCPv4) (*Lease, error) {
	mask := ack.SubnetMask()
	if mask == nil {
		return nil, fmt.Errorf("no subnet returned from DHCP server")
	}
	routers := ack.Router()
	if len(routers) == 0 {
		return nil, fmt.Errorf("no gateway returned from DHCP server")
	}
	prefixLen, _ := net.IPMask(mask).Size()

	lease := &Lease{
		Address:    ack.YourIPAddr,
		PrefixLen:  prefixLen,
		Gateway:    routers[0],
		DNSServers: ack.DNS(),
		DomainName: ack.DomainName(),
	}
	if search := ack.DomainSearch(); search != nil {
		lease.SearchList = search.Labels
	}
	return lease, nil
}

// WriteResolverConfig atomically writes /etc/resolv.conf from the lease.
// Nothing is written when the server supplied no DNS servers.
func WriteResolverConfig(lease *Lease) error {
	if len(lease.DNSServers) == 0 {
		return nil
	}
	return fsx.AtomicWrite(paths.EtcResolvConf, func(w io.Writer) error {
		return writeResolverConfig(w, lease)
	})
}

func writeResolverConfig(w io.Writer, lease *Lease) error {
	if lease.DomainName != "" {
		if _, err := fmt.Fprintf(w, "domain %s\n", lease.DomainName); err != nil {
			return err
		}
	}
	if len(lease.SearchList) > 0 {
		if _, err := fmt.Fprintf(w, "search %s\n", strings.Join(lease.SearchList, " ")); err != nil {
			return err
		}
	}
	for _, server := range lease.DNSServers {
		if _, err := fmt.Fprintf(w, "nameserver %s\n", server); err != nil {
			return err
		}
	}
	return nil
}
