// Package vmspec defines the resolved boot plan for the instance: what to
// run, as whom, with which environment, volumes, and services. A VmSpec is
// assembled once during boot from the container image configuration and
// the instance's user data, then treated as immutable.
package vmspec

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vminit/internal/container"
	"github.com/tinyrange/vminit/internal/login"
	"github.com/tinyrange/vminit/internal/paths"
)

const defaultShutdownGracePeriod = 10

// VmSpec is the fully merged boot plan.
type VmSpec struct {
	Args                []string
	Command             []string
	Debug               bool
	DisableServices     []string
	Env                 NameValues
	EnvFrom             []EnvFromSource
	InitScripts         []string
	ReplaceInit         bool
	Security            Security
	ShutdownGracePeriod uint64
	Sysctls             NameValues
	Volumes             []Volume
	WorkingDir          string
}

// Security carries the identity and root-filesystem settings the workload
// runs with. The ids always hold a usable value; zero means root.
type Security struct {
	ReadonlyRootFS bool
	RunAsGroupID   uint32
	RunAsUserID    uint32
}

// EnvFromSource resolves environment variables from one external source.
// Exactly one of the variant fields is set.
type EnvFromSource struct {
	Imds           *ImdsEnvSource           `yaml:"imds"`
	S3             *S3EnvSource             `yaml:"s3"`
	SecretsManager *SecretsManagerEnvSource `yaml:"secrets-manager"`
	Ssm            *SsmEnvSource            `yaml:"ssm"`
}

// ImdsEnvSource names a single metadata path to expose as a variable.
type ImdsEnvSource struct {
	Name     string `yaml:"name"`
	Optional bool   `yaml:"optional"`
	Path     string `yaml:"path"`
}

// S3EnvSource reads a variable (or a map of variables) from an object.
type S3EnvSource struct {
	Base64Encode bool   `yaml:"base64-encode"`
	Bucket       string `yaml:"bucket"`
	Key          string `yaml:"key"`
	Name         string `yaml:"name"`
	Optional     bool   `yaml:"optional"`
}

// SecretsManagerEnvSource reads a variable (or a map) from a secret.
type SecretsManagerEnvSource struct {
	Base64Encode bool   `yaml:"base64-encode"`
	Name         string `yaml:"name"`
	Optional     bool   `yaml:"optional"`
	SecretID     string `yaml:"secret-id"`
}

// SsmEnvSource reads a variable (or a map) from a parameter.
type SsmEnvSource struct {
	Base64Encode bool   `yaml:"base64-encode"`
	Name         string `yaml:"name"`
	Optional     bool   `yaml:"optional"`
	Path         string `yaml:"path"`
}

// Volume is one volume to materialize before the workload starts. Exactly
// one of the variant fields is set.
type Volume struct {
	Ebs            *EbsVolumeSource            `yaml:"ebs"`
	S3             *S3VolumeSource             `yaml:"s3"`
	SecretsManager *SecretsManagerVolumeSource `yaml:"secrets-manager"`
	Ssm            *SsmVolumeSource            `yaml:"ssm"`
}

// EbsVolumeSource attaches and mounts a block volume.
type EbsVolumeSource struct {
	Attachment *EbsVolumeAttachment `yaml:"attachment"`
	Device     string               `yaml:"device"`
	FsType     string               `yaml:"fs-type"`
	Mount      Mount                `yaml:"mount"`
}

// EbsVolumeAttachment describes how to find and attach the volume via the
// cloud API when it is not attached at boot.
type EbsVolumeAttachment struct {
	Tags    []Tag   `yaml:"tags"`
	Timeout *uint64 `yaml:"timeout"`
}

// Tag is a cloud resource tag filter; a nil value matches any value.
type Tag struct {
	Key   string  `yaml:"key"`
	Value *string `yaml:"value"`
}

// S3VolumeSource copies every object under a key prefix to a directory.
type S3VolumeSource struct {
	Bucket    string `yaml:"bucket"`
	KeyPrefix string `yaml:"key-prefix"`
	Mount     Mount  `yaml:"mount"`
	Optional  bool   `yaml:"optional"`
}

// SecretsManagerVolumeSource writes a secret to a single file at the mount
// destination.
type SecretsManagerVolumeSource struct {
	Mount    Mount  `yaml:"mount"`
	Optional bool   `yaml:"optional"`
	SecretID string `yaml:"secret-id"`
}

// SsmVolumeSource writes parameters under a path to a directory.
type SsmVolumeSource struct {
	Mount    Mount  `yaml:"mount"`
	Optional bool   `yaml:"optional"`
	Path     string `yaml:"path"`
}

// Mount describes where and as whom volume content lands.
type Mount struct {
	Destination string   `yaml:"destination"`
	GroupID     *uint32  `yaml:"group-id"`
	Mode        string   `yaml:"mode"`
	Options     []string `yaml:"options"`
	UserID      *uint32  `yaml:"user-id"`
}

// UserData is the user-supplied YAML override document. Every field is
// optional; absent fields leave the merged spec untouched.
type UserData struct {
	Args                *[]string       `yaml:"args"`
	Command             *[]string       `yaml:"command"`
	Debug               *bool           `yaml:"debug"`
	DisableServices     []string        `yaml:"disable-services"`
	Env                 NameValues      `yaml:"env"`
	EnvFrom             []EnvFromSource `yaml:"env-from"`
	InitScripts         []string        `yaml:"init-scripts"`
	ReplaceInit         *bool           `yaml:"replace-init"`
	Security            *SecurityPatch  `yaml:"security"`
	ShutdownGracePeriod *uint64         `yaml:"shutdown-grace-period"`
	Sysctls             NameValues      `yaml:"sysctls"`
	Volumes             []Volume        `yaml:"volumes"`
	WorkingDir          *string         `yaml:"working-dir"`
}

// SecurityPatch is the user-data form of Security, with field presence.
type SecurityPatch struct {
	ReadonlyRootFS *bool   `yaml:"readonly-root-fs"`
	RunAsGroupID   *uint32 `yaml:"run-as-group-id"`
	RunAsUserID    *uint32 `yaml:"run-as-user-id"`
}

// ParseUserData decodes a user-data document. An empty document yields
// nil, which merges as a no-op.
func ParseUserData(data string) (*UserData, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var userData UserData
	if err := yaml.Unmarshal([]byte(data), &userData); err != nil {
		return nil, fmt.Errorf("unable to parse user data: %w", err)
	}
	return &userData, nil
}

// New returns a VmSpec holding only defaults.
func New() *VmSpec {
	return &VmSpec{
		ShutdownGracePeriod: defaultShutdownGracePeriod,
		WorkingDir:          paths.Root,
	}
}

// FromConfigFile builds a VmSpec from the container image configuration:
// entrypoint becomes the command, cmd the args, and the image's user
// string is resolved against the login databases.
func FromConfigFile(configFile *container.ConfigFile) (*VmSpec, error) {
	spec := New()
	config := configFile.Config
	if config == nil {
		return spec, nil
	}
	spec.Env = NameValuesFromStrings(config.Env)
	spec.Args = config.Cmd
	spec.Command = config.Entrypoint
	if config.WorkingDir != "" {
		spec.WorkingDir = config.WorkingDir
	}
	if config.User != "" {
		userName, groupName, err := splitUserGroup(config.User)
		if err != nil {
			return nil, err
		}
		uid, err := lookupID(paths.EtcPasswd, userName)
		if err != nil {
			return nil, err
		}
		spec.Security.RunAsUserID = uid
		if groupName != "" {
			gid, err := lookupID(paths.EtcGroup, groupName)
			if err != nil {
				return nil, err
			}
			spec.Security.RunAsGroupID = gid
		}
	}
	return spec, nil
}

// splitUserGroup parses a "user[:group]" string from the image config.
func splitUserGroup(s string) (user, group string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("user group string cannot be empty")
	}
	fields := strings.Split(s, ":")
	if len(fields) > 2 {
		return "", "", fmt.Errorf("too many fields in user group string %q", s)
	}
	user = fields[0]
	if user == "" {
		return "", "", fmt.Errorf("user group string %q has an empty user", s)
	}
	if len(fields) == 2 {
		group = fields[1]
		if group == "" {
			return "", "", fmt.Errorf("user group string %q has an empty group", s)
		}
	}
	return user, group, nil
}

func lookupID(dbPath, name string) (uint32, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return 0, fmt.Errorf("unable to open %s: %w", dbPath, err)
	}
	defer f.Close()
	return login.UserGroupID(f, name)
}

// MergeUserData overlays user data onto the spec and applies defaults.
func (s *VmSpec) MergeUserData(other *UserData) {
	if other == nil {
		s.applyDefaults()
		return
	}
	if other.Args != nil {
		s.Args = *other.Args
	}
	if other.Command != nil {
		s.Command = *other.Command
		// The image's args only make sense with the image's command; when
		// the command is overridden without new args, drop them.
		if other.Args == nil {
			s.Args = nil
		}
	}
	if other.Debug != nil {
		s.Debug = *other.Debug
	}
	if len(other.DisableServices) > 0 {
		s.DisableServices = other.DisableServices
	}
	if other.Env != nil {
		s.Env = s.Env.Merge(other.Env)
	}
	if other.EnvFrom != nil {
		s.EnvFrom = other.EnvFrom
	}
	if other.InitScripts != nil {
		s.InitScripts = other.InitScripts
	}
	if other.ReplaceInit != nil {
		s.ReplaceInit = *other.ReplaceInit
	}
	if other.Security != nil {
		s.Security.merge(other.Security)
	}
	if other.ShutdownGracePeriod != nil {
		s.ShutdownGracePeriod = *other.ShutdownGracePeriod
	}
	if other.Sysctls != nil {
		s.Sysctls = s.Sysctls.Merge(other.Sysctls)
	}
	if other.Volumes != nil {
		s.Volumes = other.Volumes
	}
	if other.WorkingDir != nil {
		s.WorkingDir = *other.WorkingDir
	}
	s.applyDefaults()
}

func (sec *Security) merge(patch *SecurityPatch) {
	if patch.ReadonlyRootFS != nil {
		sec.ReadonlyRootFS = *patch.ReadonlyRootFS
	}
	if patch.RunAsGroupID != nil {
		sec.RunAsGroupID = *patch.RunAsGroupID
	}
	if patch.RunAsUserID != nil {
		sec.RunAsUserID = *patch.RunAsUserID
	}
}

// applyDefaults fills in the mount identity and mode of every volume that
// does not declare its own.
func (s *VmSpec) applyDefaults() {
	for i := range s.Volumes {
		if mount := s.Volumes[i].mount(); mount != nil {
			if mount.UserID == nil {
				uid := s.Security.RunAsUserID
				mount.UserID = &uid
			}
			if mount.GroupID == nil {
				gid := s.Security.RunAsGroupID
				mount.GroupID = &gid
			}
			if mount.Mode == "" {
				mount.Mode = "0755"
			}
		}
	}
}

func (v *Volume) mount() *Mount {
	switch {
	case v.Ebs != nil:
		return &v.Ebs.Mount
	case v.S3 != nil:
		return &v.S3.Mount
	case v.SecretsManager != nil:
		return &v.SecretsManager.Mount
	case v.Ssm != nil:
		return &v.Ssm.Mount
	}
	return nil
}

// EbsMountPoints lists the mount destinations of every EBS volume, in
// declaration order. The shutdown path unmounts these.
func (s *VmSpec) EbsMountPoints() []string {
	var mountPoints []string
	for _, v := range s.Volumes {
		if v.Ebs != nil {
			mountPoints = append(mountPoints, v.Ebs.Mount.Destination)
		}
	}
	return mountPoints
}
