// Package paths holds the filesystem layout baked into images built for
// this init. Everything the image build places outside the container's own
// filesystem lives under Base so it cannot collide with image content.
package paths

const (
	Dev          = "/dev"
	DevHugepages = "/dev/hugepages"
	DevMqueue    = "/dev/mqueue"
	DevPts       = "/dev/pts"
	DevShm       = "/dev/shm"
	Proc         = "/proc"
	Root         = "/"
	Sys          = "/sys"
	SysFsCgroup  = "/sys/fs/cgroup"
	SysKernelDbg = "/sys/kernel/debug"

	Base     = "/.vminit"
	Bin      = Base + "/bin"
	Etc      = Base + "/etc"
	Home     = Base + "/home"
	Run      = Base + "/run"
	Sbin     = Base + "/sbin"
	Services = Base + "/services"

	Metadata      = Etc + "/metadata.json"
	NetState      = Etc + "/net/interfaces.json"
	EtcPasswd     = "/etc/passwd"
	EtcGroup      = "/etc/group"
	EtcResolvConf = "/etc/resolv.conf"
	ProcMounts    = Proc + "/mounts"
	SysBlock      = Sys + "/block"
)

// DefaultPath is appended to the resolved environment when the image and
// user data leave PATH unset.
const DefaultPath = "/usr/local/bin:/usr/local/sbin:/usr/bin:/usr/sbin:/bin:/sbin"

// Well-known service accounts created by the image build.
const (
	UserChrony = "svc-chrony"
	UserSsh    = "svc-ssh"
)
