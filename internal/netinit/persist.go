package netinit

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/tinyrange/vminit/internal/dhcp"
	"github.com/tinyrange/vminit/internal/fsx"
	"github.com/tinyrange/vminit/internal/paths"
)

// InterfaceEntry is one interface in the persisted network state. The
// primary's entry also records its DHCP lease so a later boot can skip
// DHCP entirely.
type InterfaceEntry struct {
	Iface      string   `json:"iface"`
	Mac        string   `json:"mac,omitempty"`
	Family     string   `json:"family"`
	Index      *uint32  `json:"index,omitempty"`
	Primary    bool     `json:"primary"`
	Present    bool     `json:"present"`
	LastSeen   string   `json:"last_seen"`
	IPAddress  string   `json:"ip_address,omitempty"`
	PrefixLen  *int     `json:"prefix_len,omitempty"`
	Gateway    string   `json:"gateway,omitempty"`
	DNSServers []string `json:"dns_servers,omitempty"`
	DomainName string   `json:"domain_name,omitempty"`
	SearchList []string `json:"search_list,omitempty"`
}

// PersistedNetworkState is the document written to interfaces.json. At
// most one entry has Primary set.
type PersistedNetworkState struct {
	Interfaces []InterfaceEntry `json:"interfaces"`
}

// PrimaryMac returns the persisted primary's MAC address, if any.
func (s *PersistedNetworkState) PrimaryMac() (string, bool) {
	for _, entry := range s.Interfaces {
		if entry.Primary && entry.Mac != "" {
			return entry.Mac, true
		}
	}
	return "", false
}

// Names maps persisted MAC addresses to interface names for non-protected
// interfaces, used to restore stable names on later boots.
func (s *PersistedNetworkState) Names() map[string]string {
	names := make(map[string]string)
	for _, entry := range s.Interfaces {
		if entry.Family == protectedFamily || entry.Family == "" {
			continue
		}
		if entry.Mac != "" && entry.Iface != "" {
			names[entry.Mac] = entry.Iface
		}
	}
	return names
}

// FamilyMaxIndices returns the highest persisted index per family.
func (s *PersistedNetworkState) FamilyMaxIndices() map[string]uint32 {
	indices := make(map[string]uint32)
	for _, entry := range s.Interfaces {
		if entry.Family == protectedFamily || entry.Family == "" || entry.Index == nil {
			continue
		}
		if *entry.Index > indices[entry.Family] {
			indices[entry.Family] = *entry.Index
		}
	}
	return indices
}

// PrimaryLease reconstructs the persisted primary's DHCP lease. All of
// address, prefix length, and gateway must be present and parsable;
// otherwise there is no usable lease and DHCP has to run.
func (s *PersistedNetworkState) PrimaryLease() (*dhcp.Lease, bool) {
	for _, entry := range s.Interfaces {
		if !entry.Primary {
			continue
		}
		if entry.IPAddress == "" || entry.PrefixLen == nil || entry.Gateway == "" {
			return nil, false
		}
		address := net.ParseIP(entry.IPAddress)
		gateway := net.ParseIP(entry.Gateway)
		if address == nil || gateway == nil {
			return nil, false
		}
		lease := &dhcp.Lease{
			Address:    address,
			PrefixLen:  *entry.PrefixLen,
			Gateway:    gateway,
			DomainName: entry.DomainName,
			SearchList: entry.SearchList,
		}
		for _, server := range entry.DNSServers {
			if ip := net.ParseIP(server); ip != nil {
				lease.DNSServers = append(lease.DNSServers, ip)
			}
		}
		return lease, true
	}
	return nil, false
}

// loadPersistedState reads the state file. A missing or unreadable file
// yields the empty state; this is the first-boot path.
func loadPersistedState() *PersistedNetworkState {
	data, err := os.ReadFile(paths.NetState)
	if err != nil {
		return &PersistedNetworkState{}
	}
	var state PersistedNetworkState
	if err := json.Unmarshal(data, &state); err != nil {
		return &PersistedNetworkState{}
	}
	return &state
}

// persistInterfaces writes the current interface set atomically, marking
// the primary and recording its lease.
func persistInterfaces(interfaces []InterfaceInfo, primaryName string, lease *dhcp.Lease) error {
	entries := buildEntries(interfaces, primaryName, lease, time.Now().UTC())
	if err := fsx.MkdirAll(filepath.Dir(paths.NetState), 0o755); err != nil {
		return err
	}
	return fsx.AtomicWrite(paths.NetState, func(w io.Writer) error {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(PersistedNetworkState{Interfaces: entries}); err != nil {
			return fmt.Errorf("unable to encode network state: %w", err)
		}
		return nil
	})
}

func buildEntries(interfaces []InterfaceInfo, primaryName string, lease *dhcp.Lease, now time.Time) []InterfaceEntry {
	lastSeen := now.Format(time.RFC3339)
	entries := make([]InterfaceEntry, 0, len(interfaces))
	for _, iface := range interfaces {
		family, index := familyInfo(iface.Name)
		entry := InterfaceEntry{
			Iface:    iface.Name,
			Family:   family,
			Index:    index,
			Primary:  iface.Name == primaryName,
			Present:  true,
			LastSeen: lastSeen,
		}
		if iface.Mac != nil {
			entry.Mac = iface.Mac.String()
		}
		if entry.Primary && lease != nil {
			entry.IPAddress = lease.Address.String()
			prefixLen := lease.PrefixLen
			entry.PrefixLen = &prefixLen
			entry.Gateway = lease.Gateway.String()
			for _, server := range lease.DNSServers {
				entry.DNSServers = append(entry.DNSServers, server.String())
			}
			entry.DomainName = lease.DomainName
			entry.SearchList = lease.SearchList
		}
		entries = append(entries, entry)
	}
	return entries
}
