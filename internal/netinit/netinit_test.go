package netinit

import (
	"encoding/json"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/vminit/internal/dhcp"
)

func TestParseFamily(t *testing.T) {
	cases := []struct {
		name   string
		prefix string
		index  uint32
		simple bool
	}{
		{name: "eth0", prefix: "eth", index: 0, simple: true},
		{name: "eth123", prefix: "eth", index: 123, simple: true},
		{name: "ens5", prefix: "ens", index: 5, simple: true},
		{name: "lo", simple: false},
		{name: "eth", simple: false},
		{name: "docker0bridge", simple: false},
		{name: "0eth", simple: false},
		{name: "", simple: false},
	}
	for _, c := range cases {
		family, ok := parseFamily(c.name)
		if ok != c.simple {
			t.Fatalf("parseFamily(%q) ok = %v, want %v", c.name, ok, c.simple)
		}
		if !c.simple {
			continue
		}
		if family.Prefix != c.prefix || family.Index != c.index {
			t.Fatalf("parseFamily(%q) = %+v, want {%s %d}", c.name, family, c.prefix, c.index)
		}
	}
}

func TestDesiredPrimaryName(t *testing.T) {
	cases := []struct {
		name string
		want string
		ok   bool
	}{
		{name: "eth0", want: "eth0", ok: true},
		{name: "eth5", want: "eth0", ok: true},
		{name: "ens192", want: "ens0", ok: true},
		{name: "lo", ok: false},
		{name: "docker0bridge", ok: false},
	}
	for _, c := range cases {
		got, ok := desiredPrimaryName(c.name)
		if ok != c.ok || got != c.want {
			t.Fatalf("desiredPrimaryName(%q) = (%q, %v), want (%q, %v)",
				c.name, got, ok, c.want, c.ok)
		}
	}
}

func TestDesiredPrimaryNameIdempotent(t *testing.T) {
	// Applying the naming policy twice equals applying it once. Protected
	// names, which have no desired name, are covered by
	// TestDesiredPrimaryName.
	for _, name := range []string{"eth5", "ens192", "eth0"} {
		once, ok := desiredPrimaryName(name)
		if !ok {
			t.Fatalf("desiredPrimaryName(%q) unexpectedly protected", name)
		}
		twice, ok := desiredPrimaryName(once)
		if !ok || twice != once {
			t.Fatalf("policy not idempotent for %q: %q -> %q", name, once, twice)
		}
	}
}

func TestFamilyInfo(t *testing.T) {
	family, index := familyInfo("eth0")
	if family != "eth" || index == nil || *index != 0 {
		t.Fatalf("familyInfo(eth0) = (%q, %v)", family, index)
	}
	family, index = familyInfo("ens5")
	if family != "ens" || index == nil || *index != 5 {
		t.Fatalf("familyInfo(ens5) = (%q, %v)", family, index)
	}
	family, index = familyInfo("lo")
	if family != "protected" || index != nil {
		t.Fatalf("familyInfo(lo) = (%q, %v)", family, index)
	}
}

func TestNextFamilyIndex(t *testing.T) {
	interfaces := []InterfaceInfo{
		{Name: "eth0", Ifindex: 2},
		{Name: "eth3", Ifindex: 3},
		{Name: "ens1", Ifindex: 4},
		{Name: "lo", Ifindex: 1},
	}
	if got := nextFamilyIndex(interfaces, "eth", nil); got != 4 {
		t.Fatalf("nextFamilyIndex(eth) = %d, want 4", got)
	}
	if got := nextFamilyIndex(interfaces, "ens", nil); got != 2 {
		t.Fatalf("nextFamilyIndex(ens) = %d, want 2", got)
	}
	// Persisted history holds the high-water mark.
	if got := nextFamilyIndex(interfaces, "eth", map[string]uint32{"eth": 7}); got != 8 {
		t.Fatalf("nextFamilyIndex(eth, persisted 7) = %d, want 8", got)
	}
	if got := nextFamilyIndex(nil, "eth", nil); got != 1 {
		t.Fatalf("nextFamilyIndex on empty = %d, want 1", got)
	}
}

func TestIsVirtualKind(t *testing.T) {
	for _, kind := range []string{"veth", "bridge", "vlan", "wireguard", "geneve", "unknownkind"} {
		if !isVirtualKind(kind) {
			t.Fatalf("isVirtualKind(%q) = false", kind)
		}
	}
	for _, kind := range []string{"", "device", "dummy"} {
		if isVirtualKind(kind) {
			t.Fatalf("isVirtualKind(%q) = true", kind)
		}
	}
}

func TestHasIgnoredPrefix(t *testing.T) {
	for _, name := range []string{"lo", "docker0", "veth12ab", "br-4f2a", "wg0", "tap3"} {
		if !hasIgnoredPrefix(name) {
			t.Fatalf("hasIgnoredPrefix(%q) = false", name)
		}
	}
	for _, name := range []string{"eth0", "ens5", "enp0s3"} {
		if hasIgnoredPrefix(name) {
			t.Fatalf("hasIgnoredPrefix(%q) = true", name)
		}
	}
}

func TestFindByMac(t *testing.T) {
	mac, _ := net.ParseMAC("00:11:22:33:44:55")
	interfaces := []InterfaceInfo{
		{Name: "lo", Ifindex: 1},
		{Name: "eth0", Ifindex: 2, Mac: mac},
	}
	found, ok := findByMac(interfaces, "00:11:22:33:44:55")
	if !ok || found.Name != "eth0" {
		t.Fatalf("findByMac = %#v, %v", found, ok)
	}
	if _, ok := findByMac(interfaces, "ff:ff:ff:ff:ff:ff"); ok {
		t.Fatal("findByMac unexpectedly matched")
	}
}

func persistedFixture() *PersistedNetworkState {
	index := uint32(0)
	prefixLen := 24
	return &PersistedNetworkState{
		Interfaces: []InterfaceEntry{
			{
				Iface:      "eth0",
				Mac:        "00:11:22:33:44:55",
				Family:     "eth",
				Index:      &index,
				Primary:    true,
				Present:    true,
				LastSeen:   "2026-01-01T00:00:00Z",
				IPAddress:  "10.0.2.15",
				PrefixLen:  &prefixLen,
				Gateway:    "10.0.2.2",
				DNSServers: []string{"8.8.8.8", "8.8.4.4"},
				DomainName: "example.com",
				SearchList: []string{"example.com"},
			},
			{
				Iface:    "lo",
				Family:   "protected",
				Primary:  false,
				Present:  true,
				LastSeen: "2026-01-01T00:00:00Z",
			},
		},
	}
}

func TestPersistedPrimaryMac(t *testing.T) {
	state := persistedFixture()
	mac, ok := state.PrimaryMac()
	if !ok || mac != "00:11:22:33:44:55" {
		t.Fatalf("PrimaryMac = %q, %v", mac, ok)
	}
	if _, ok := (&PersistedNetworkState{}).PrimaryMac(); ok {
		t.Fatal("empty state should have no primary")
	}
}

func TestPersistedNames(t *testing.T) {
	names := persistedFixture().Names()
	want := map[string]string{"00:11:22:33:44:55": "eth0"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Names mismatch\n got: %#v\nwant: %#v", names, want)
	}
}

func TestPersistedPrimaryLease(t *testing.T) {
	lease, ok := persistedFixture().PrimaryLease()
	if !ok {
		t.Fatal("expected a lease")
	}
	if !lease.Address.Equal(net.ParseIP("10.0.2.15")) || lease.PrefixLen != 24 {
		t.Fatalf("address = %v/%d", lease.Address, lease.PrefixLen)
	}
	if !lease.Gateway.Equal(net.ParseIP("10.0.2.2")) {
		t.Fatalf("gateway = %v", lease.Gateway)
	}
	if len(lease.DNSServers) != 2 || lease.DomainName != "example.com" {
		t.Fatalf("resolver = %#v", lease)
	}
}

func TestPersistedPrimaryLeaseIncomplete(t *testing.T) {
	state := persistedFixture()
	state.Interfaces[0].Gateway = ""
	if _, ok := state.PrimaryLease(); ok {
		t.Fatal("lease with a missing gateway should be unusable")
	}

	state = persistedFixture()
	state.Interfaces[0].IPAddress = "not-an-ip"
	if _, ok := state.PrimaryLease(); ok {
		t.Fatal("lease with an unparsable address should be unusable")
	}

	state = persistedFixture()
	state.Interfaces[0].Primary = false
	if _, ok := state.PrimaryLease(); ok {
		t.Fatal("state without a primary should have no lease")
	}
}

func TestInterfaceEntrySerialization(t *testing.T) {
	state := persistedFixture()
	buf, err := json.Marshal(state.Interfaces[0])
	if err != nil {
		t.Fatal(err)
	}
	s := string(buf)
	for _, fragment := range []string{
		`"ip_address":"10.0.2.15"`,
		`"prefix_len":24`,
		`"gateway":"10.0.2.2"`,
		`"dns_servers":["8.8.8.8","8.8.4.4"]`,
		`"domain_name":"example.com"`,
	} {
		if !strings.Contains(s, fragment) {
			t.Fatalf("serialized entry missing %s: %s", fragment, s)
		}
	}

	// Lease fields of a non-primary entry are omitted entirely.
	buf, err = json.Marshal(state.Interfaces[1])
	if err != nil {
		t.Fatal(err)
	}
	s = string(buf)
	for _, fragment := range []string{"ip_address", "prefix_len", "gateway", "dns_servers"} {
		if strings.Contains(s, fragment) {
			t.Fatalf("serialized entry unexpectedly contains %s: %s", fragment, s)
		}
	}

	var parsed InterfaceEntry
	if err := json.Unmarshal(buf, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Iface != "lo" || parsed.Family != "protected" {
		t.Fatalf("round trip mismatch: %#v", parsed)
	}
}

func TestBuildEntries(t *testing.T) {
	mac0, _ := net.ParseMAC("00:11:22:33:44:55")
	mac1, _ := net.ParseMAC("00:11:22:33:44:56")
	interfaces := []InterfaceInfo{
		{Name: "eth0", Ifindex: 2, Mac: mac0},
		{Name: "eth1", Ifindex: 3, Mac: mac1},
		{Name: "lo", Ifindex: 1},
	}
	lease := &dhcp.Lease{
		Address:    net.ParseIP("10.0.0.15"),
		PrefixLen:  24,
		Gateway:    net.ParseIP("10.0.0.1"),
		DNSServers: []net.IP{net.ParseIP("8.8.8.8")},
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := buildEntries(interfaces, "eth0", lease, now)
	if len(entries) != 3 {
		t.Fatalf("entry count = %d", len(entries))
	}

	// At most one entry may be primary, and only it carries the lease.
	primaries := 0
	for _, entry := range entries {
		if entry.Primary {
			primaries++
			if entry.IPAddress != "10.0.0.15" || entry.Gateway != "10.0.0.1" {
				t.Fatalf("primary entry lease mismatch: %#v", entry)
			}
		} else if entry.IPAddress != "" || entry.Gateway != "" {
			t.Fatalf("non-primary entry carries lease fields: %#v", entry)
		}
		if entry.LastSeen != "2026-01-01T00:00:00Z" {
			t.Fatalf("last_seen = %q", entry.LastSeen)
		}
		if !entry.Present {
			t.Fatalf("entry not marked present: %#v", entry)
		}
	}
	if primaries != 1 {
		t.Fatalf("primary count = %d, want 1", primaries)
	}

	lo := entries[2]
	if lo.Family != "protected" || lo.Index != nil {
		t.Fatalf("lo entry family = %q, index = %v", lo.Family, lo.Index)
	}
}
