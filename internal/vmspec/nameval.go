package vmspec

import "strings"

// NameValue is one environment variable or sysctl setting. Order matters
// everywhere NameValues appear, so they are slices rather than maps.
type NameValue struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// NameValues is an ordered list of name/value pairs.
type NameValues []NameValue

// Find returns the first entry with the given name.
func (nvs NameValues) Find(name string) (NameValue, bool) {
	for _, nv := range nvs {
		if nv.Name == name {
			return nv, true
		}
	}
	return NameValue{}, false
}

// Merge overlays other onto nvs: entries of nvs whose names appear in
// other are dropped, then all of other is appended. The result preserves
// "others first, then overrides" ordering.
func (nvs NameValues) Merge(other NameValues) NameValues {
	merged := make(NameValues, 0, len(nvs)+len(other))
	for _, nv := range nvs {
		if _, ok := other.Find(nv.Name); !ok {
			merged = append(merged, nv)
		}
	}
	return append(merged, other...)
}

// ToStrings renders the list as NAME=VALUE strings for execve.
func (nvs NameValues) ToStrings() []string {
	env := make([]string, 0, len(nvs))
	for _, nv := range nvs {
		env = append(env, nv.Name+"="+nv.Value)
	}
	return env
}

// ToMap converts the list to a map, later entries winning.
func (nvs NameValues) ToMap() map[string]string {
	m := make(map[string]string, len(nvs))
	for _, nv := range nvs {
		m[nv.Name] = nv.Value
	}
	return m
}

// NameValuesFromStrings parses NAME=VALUE strings. A string without "="
// becomes a name with an empty value.
func NameValuesFromStrings(env []string) NameValues {
	nvs := make(NameValues, 0, len(env))
	for _, s := range env {
		name, value, _ := strings.Cut(s, "=")
		nvs = append(nvs, NameValue{Name: name, Value: value})
	}
	return nvs
}
