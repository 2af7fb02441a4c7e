package uevent

import (
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/vminit/internal/blockdev"
)

func message(header string, vars ...string) []byte {
	parts := append([]string{header}, vars...)
	return []byte(strings.Join(parts, "\x00") + "\x00")
}

func TestParseMessage(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want *blockdev.DeviceInfo
		err  bool
	}{
		{
			name: "partition add",
			buf: message("add@/devices/pci0000:00/0000:00:04.0/nvme/nvme1/nvme1n1/nvme1n1p1",
				"ACTION=add", "SUBSYSTEM=block", "DEVNAME=nvme1n1p1", "PARTN=1"),
			want: &blockdev.DeviceInfo{Name: "nvme1n1p1", PartNum: "1"},
		},
		{
			name: "disk add",
			buf: message("add@/devices/pci0000:00/0000:00:04.0/nvme/nvme1/nvme1n1",
				"ACTION=add", "SUBSYSTEM=block", "DEVNAME=nvme1n1"),
			want: &blockdev.DeviceInfo{Name: "nvme1n1"},
		},
		{
			name: "remove ignored",
			buf: message("remove@/devices/pci0000:00/0000:00:04.0/nvme/nvme1/nvme1n1",
				"ACTION=remove", "SUBSYSTEM=block", "DEVNAME=nvme1n1"),
			want: nil,
		},
		{
			name: "non-block subsystem ignored",
			buf: message("add@/devices/platform/serial8250/tty/ttyS1",
				"ACTION=add", "SUBSYSTEM=tty", "DEVNAME=ttyS1"),
			want: nil,
		},
		{
			name: "no devname ignored",
			buf:  message("add@/devices/virtual/block/loop0", "ACTION=add", "SUBSYSTEM=block"),
			want: nil,
		},
		{
			name: "short message",
			buf:  []byte("ad"),
			err:  true,
		},
	}
	for _, c := range cases {
		got, err := parseMessage(c.buf)
		if c.err {
			if err == nil {
				t.Fatalf("%s: expected an error", c.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("%s: mismatch\n got: %#v\nwant: %#v", c.name, got, c.want)
		}
	}
}
