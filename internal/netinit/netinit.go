// Package netinit brings the instance's network up: restore persisted
// interface names, pick and rename the primary NIC, acquire or restore its
// address configuration, and persist the result for the next boot.
//
// On first boot the primary is not knowable locally, because the metadata
// service is only reachable over the network. A bootstrap interface is
// brought up first (lowest ifindex that looks physical and gets a lease),
// the metadata service then names the MAC with device number 0, and if the
// bootstrap guess was wrong its configuration is flushed and redone on the
// real primary.
package netinit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/backoff"
	"github.com/tinyrange/vminit/internal/dhcp"
)

const (
	initializeTimeout = 60 * time.Second
	carrierTimeout    = 30 * time.Second
	imdsWaitTimeout   = 10 * time.Second
)

// Imds is the metadata surface this package needs.
type Imds interface {
	GetMetadata(ctx context.Context, path string) (string, error)
	WaitFor(ctx context.Context, timeout time.Duration) error
}

// Initialize runs the full network bring-up, retrying transient failures
// with jitter inside a fixed budget.
func Initialize(ctx context.Context, imds Imds) error {
	start := time.Now()
	wait := backoff.New(2 * time.Second)
	var lastErr error
	for {
		err := initialize(ctx, imds)
		if err == nil {
			return nil
		}
		slog.Warn("network initialization attempt failed", slog.String("error", err.Error()))
		lastErr = err
		if time.Since(start) >= initializeTimeout {
			return lastErr
		}
		wait.Wait()
	}
}

func initialize(ctx context.Context, imds Imds) error {
	persisted := loadPersistedState()

	interfaces, err := restoreInterfaces(persisted)
	if err != nil {
		return err
	}
	if err := ensureLoopback(interfaces); err != nil {
		return err
	}

	primary, bootstrapIfindex, err := selectPrimary(ctx, imds, interfaces, persisted)
	if err != nil {
		return err
	}
	primary, err = applyPrimaryNaming(interfaces, primary, persisted)
	if err != nil {
		return err
	}

	lease, err := configurePrimary(primary, bootstrapIfindex, persisted)
	if err != nil {
		return err
	}

	finalInterfaces, err := getInterfaces()
	if err != nil {
		return err
	}
	if err := persistInterfaces(finalInterfaces, primary.Name, lease); err != nil {
		return err
	}

	return setHostname(ctx, imds)
}

// restoreInterfaces renames any interface whose MAC the persisted state
// maps to a different name, and returns the (re-enumerated) interfaces.
func restoreInterfaces(persisted *PersistedNetworkState) ([]InterfaceInfo, error) {
	interfaces, err := getInterfaces()
	if err != nil {
		return nil, err
	}
	names := persisted.Names()
	if len(names) == 0 {
		return interfaces, nil
	}
	indices := persisted.FamilyMaxIndices()
	current := interfaces
	for _, iface := range interfaces {
		if iface.Mac == nil {
			continue
		}
		desired, ok := names[iface.Mac.String()]
		if !ok || desired == iface.Name {
			continue
		}
		if err := renameWithCollision(current, iface.Ifindex, desired, indices); err != nil {
			return nil, err
		}
		if current, err = getInterfaces(); err != nil {
			return nil, err
		}
	}
	return current, nil
}

// selectPrimary determines the primary NIC. With a persisted primary whose
// MAC is still present, no bootstrap is needed and the second return is
// -1. Otherwise bootstrap connectivity is established first and the
// metadata service is asked which MAC is device number 0.
func selectPrimary(ctx context.Context, imds Imds, interfaces []InterfaceInfo,
	persisted *PersistedNetworkState) (InterfaceInfo, int, error) {

	if mac, ok := persisted.PrimaryMac(); ok {
		if primary, found := findByMac(interfaces, mac); found {
			slog.Info("using persisted primary interface", slog.String("interface", primary.Name))
			return primary, -1, nil
		}
	}

	bootstrapIfindex, err := establishBootstrapConnectivity(interfaces)
	if err != nil {
		return InterfaceInfo{}, -1, err
	}
	primaryMac, err := discoverPrimaryMac(ctx, imds)
	if err != nil {
		return InterfaceInfo{}, -1, err
	}
	primary, found := findByMac(interfaces, primaryMac)
	if !found {
		return InterfaceInfo{}, -1, fmt.Errorf("failed to find interface info for MAC %s", primaryMac)
	}
	slog.Info("using discovered primary interface", slog.String("interface", primary.Name))
	return primary, bootstrapIfindex, nil
}

// applyPrimaryNaming renames the primary to index 0 of its family, moving
// a colliding interface aside first. Protected names pass through.
func applyPrimaryNaming(interfaces []InterfaceInfo, primary InterfaceInfo,
	persisted *PersistedNetworkState) (InterfaceInfo, error) {

	desired, ok := desiredPrimaryName(primary.Name)
	if !ok {
		return primary, nil
	}
	if desired != primary.Name {
		indices := persisted.FamilyMaxIndices()
		if err := renameWithCollision(interfaces, primary.Ifindex, desired, indices); err != nil {
			return InterfaceInfo{}, err
		}
	}
	final, err := getInterfaces()
	if err != nil {
		return InterfaceInfo{}, err
	}
	if renamed, found := findByName(final, desired); found {
		return renamed, nil
	}
	return primary, nil
}

// configurePrimary gets address configuration onto the primary interface:
// redo DHCP after flushing a wrong bootstrap, reuse the kernel state when
// the bootstrap was the primary, or on a persisted boot try the persisted
// lease before falling back to DHCP.
func configurePrimary(primary InterfaceInfo, bootstrapIfindex int,
	persisted *PersistedNetworkState) (*dhcp.Lease, error) {

	if bootstrapIfindex >= 0 {
		if bootstrapIfindex != primary.Ifindex {
			flushInterface(bootstrapIfindex)
			if err := linkUp(primary.Ifindex); err != nil {
				return nil, err
			}
			return runDhcp(primary)
		}
		// The bootstrap interface is the primary; it is already
		// configured, so read the configuration back for persistence. The
		// resolver config was already written by the bootstrap DHCP run.
		return interfaceAddressConfig(primary.Ifindex)
	}

	if err := linkUp(primary.Ifindex); err != nil {
		return nil, err
	}
	if lease, ok := persisted.PrimaryLease(); ok {
		slog.Info("using persisted IP configuration",
			slog.String("address", fmt.Sprintf("%s/%d", lease.Address, lease.PrefixLen)))
		if err := applyLease(primary.Ifindex, lease); err != nil {
			return nil, err
		}
		return lease, nil
	}
	return runDhcp(primary)
}

// establishBootstrapConnectivity brings up candidate interfaces in
// ascending ifindex order until one gets a carrier and a DHCP lease, and
// returns its ifindex.
func establishBootstrapConnectivity(interfaces []InterfaceInfo) (int, error) {
	var candidates []InterfaceInfo
	for _, iface := range interfaces {
		if iface.IsVirtual || hasIgnoredPrefix(iface.Name) {
			continue
		}
		candidates = append(candidates, iface)
	}
	slog.Info("evaluating bootstrap candidates", slog.Int("count", len(candidates)))
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Ifindex < candidates[j].Ifindex
	})

	for _, iface := range candidates {
		slog.Info("attempting bootstrap connectivity", slog.String("interface", iface.Name))
		if err := linkUp(iface.Ifindex); err != nil {
			slog.Warn("failed to bring up interface",
				slog.String("interface", iface.Name), slog.String("error", err.Error()))
			continue
		}
		if err := waitForCarrier(iface.Ifindex, carrierTimeout); err != nil {
			slog.Warn("no carrier",
				slog.String("interface", iface.Name), slog.String("error", err.Error()))
			continue
		}
		if _, err := runDhcp(iface); err != nil {
			slog.Warn("DHCP failed",
				slog.String("interface", iface.Name), slog.String("error", err.Error()))
			continue
		}
		slog.Info("bootstrap connectivity established", slog.String("interface", iface.Name))
		return iface.Ifindex, nil
	}
	return -1, fmt.Errorf("failed to establish DHCP connectivity")
}

func hasIgnoredPrefix(name string) bool {
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// discoverPrimaryMac asks the metadata service which attached MAC has
// device number 0; that NIC is the primary by definition.
func discoverPrimaryMac(ctx context.Context, imds Imds) (string, error) {
	if err := imds.WaitFor(ctx, imdsWaitTimeout); err != nil {
		return "", err
	}
	macsList, err := imds.GetMetadata(ctx, "network/interfaces/macs/")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(macsList, "\n") {
		mac := strings.TrimSuffix(strings.TrimSpace(line), "/")
		if mac == "" {
			continue
		}
		devnum, err := imds.GetMetadata(ctx,
			fmt.Sprintf("network/interfaces/macs/%s/device-number", mac))
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(devnum) == "0" {
			slog.Info("discovered primary MAC", slog.String("mac", mac))
			return mac, nil
		}
	}
	return "", fmt.Errorf("no interface found with device number 0")
}

func setHostname(ctx context.Context, imds Imds) error {
	hostname, err := imds.GetMetadata(ctx, "local-hostname")
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.TrimSpace(hostname)
	slog.Info("setting hostname", slog.String("hostname", hostname))
	if err := unix.Sethostname([]byte(hostname)); err != nil {
		return fmt.Errorf("failed to set hostname: %w", err)
	}
	return nil
}
