// Package container holds the read-only container image configuration as
// serialized by image builders. Only the fields the boot pipeline consumes
// carry behavior; the rest are preserved so the file round-trips.
package container

import "time"

// ConfigFile is the top-level image configuration document.
type ConfigFile struct {
	Architecture  string     `json:"architecture"`
	Author        string     `json:"author,omitempty"`
	Container     string     `json:"container,omitempty"`
	Created       *time.Time `json:"created,omitempty"`
	DockerVersion string     `json:"docker_version,omitempty"`
	History       []History  `json:"history,omitempty"`
	OS            string     `json:"os"`
	OSVersion     string     `json:"os.version,omitempty"`
	OSFeatures    []string   `json:"os.features,omitempty"`
	RootFS        RootFS     `json:"rootfs"`
	Config        *Config    `json:"config,omitempty"`
	Variant       string     `json:"variant,omitempty"`
}

// History is one layer history record.
type History struct {
	Author     string     `json:"author,omitempty"`
	Created    *time.Time `json:"created,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	EmptyLayer bool       `json:"empty_layer,omitempty"`
}

// RootFS describes the image's filesystem layers.
type RootFS struct {
	Type    string   `json:"type"`
	DiffIDs []string `json:"diff_ids"`
}

// Config is the runtime configuration of the image: the pieces of it the
// boot pipeline reads are Entrypoint, Cmd, Env, User, and WorkingDir.
type Config struct {
	AttachStderr bool                `json:"AttachStderr,omitempty"`
	AttachStdin  bool                `json:"AttachStdin,omitempty"`
	AttachStdout bool                `json:"AttachStdout,omitempty"`
	Cmd          []string            `json:"Cmd,omitempty"`
	DomainName   string              `json:"Domainname,omitempty"`
	Entrypoint   []string            `json:"Entrypoint,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Hostname     string              `json:"Hostname,omitempty"`
	Image        string              `json:"Image,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	OnBuild      []string            `json:"OnBuild,omitempty"`
	OpenStdin    bool                `json:"OpenStdin,omitempty"`
	Shell        []string            `json:"Shell,omitempty"`
	StdinOnce    bool                `json:"StdinOnce,omitempty"`
	StopSignal   string              `json:"StopSignal,omitempty"`
	Tty          bool                `json:"Tty,omitempty"`
	User         string              `json:"User,omitempty"`
	Volumes      map[string]struct{} `json:"Volumes,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
}
