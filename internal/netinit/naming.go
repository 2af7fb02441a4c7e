package netinit

import (
	"fmt"
	"strconv"
	"strings"
)

// Interface names fall into two families. A Simple name is an alphabetic
// prefix followed by digits ("eth5", "ens192") and may be renamed within
// its family; anything else ("lo", "docker0bridge") is Protected and never
// touched. The primary NIC must end up at index 0 of its family so its
// name is stable across instance types.

const protectedFamily = "protected"

type ifFamily struct {
	Prefix string
	Index  uint32
}

// parseFamily splits a Simple name into prefix and index. ok is false for
// Protected names.
func parseFamily(name string) (ifFamily, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) || i == 0 {
		return ifFamily{}, false
	}
	prefix := name[:i]
	for _, c := range prefix {
		if !isASCIIAlpha(c) {
			return ifFamily{}, false
		}
	}
	index, err := strconv.ParseUint(name[i:], 10, 32)
	if err != nil {
		return ifFamily{}, false
	}
	return ifFamily{Prefix: prefix, Index: uint32(index)}, true
}

func isASCIIAlpha(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// familyInfo renders a name's family for persistence: the prefix and index
// for Simple names, the protected marker otherwise.
func familyInfo(name string) (string, *uint32) {
	family, ok := parseFamily(name)
	if !ok {
		return protectedFamily, nil
	}
	index := family.Index
	return family.Prefix, &index
}

// desiredPrimaryName returns the name the primary interface should carry:
// index 0 of its family. Protected names have no desired name.
func desiredPrimaryName(current string) (string, bool) {
	family, ok := parseFamily(current)
	if !ok {
		return "", false
	}
	return family.Prefix + "0", true
}

// nextFamilyIndex picks an index one past the highest in use within the
// family, counting both live interfaces and persisted history so a name is
// never reissued to a different device.
func nextFamilyIndex(interfaces []InterfaceInfo, prefix string, persisted map[string]uint32) uint32 {
	var maxIndex uint32
	for _, iface := range interfaces {
		rest, ok := strings.CutPrefix(iface.Name, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.ParseUint(rest, 10, 32); err == nil && uint32(n) > maxIndex {
			maxIndex = uint32(n)
		}
	}
	if n, ok := persisted[prefix]; ok && n > maxIndex {
		maxIndex = n
	}
	if maxIndex == ^uint32(0) {
		return maxIndex
	}
	return maxIndex + 1
}

// renameWithCollision renames the interface at ifindex to desired. If a
// different interface already owns the desired name, that interface is
// first moved aside to the next free index of the family.
func renameWithCollision(interfaces []InterfaceInfo, ifindex int, desired string,
	persisted map[string]uint32) error {

	existing, inUse := findByName(interfaces, desired)
	if !inUse {
		return linkRename(ifindex, desired)
	}
	if existing.Ifindex == ifindex {
		return nil
	}
	family, ok := parseFamily(desired)
	if !ok {
		return fmt.Errorf("refusing to displace protected interface name %s", desired)
	}
	moveAside := fmt.Sprintf("%s%d", family.Prefix, nextFamilyIndex(interfaces, family.Prefix, persisted))
	if err := linkRename(existing.Ifindex, moveAside); err != nil {
		return err
	}
	return linkRename(ifindex, desired)
}
