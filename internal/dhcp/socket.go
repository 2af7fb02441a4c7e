package dhcp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/backoff"
)

// socket is a broadcast UDP socket bound to one interface on the DHCP
// client port, with a kernel receive timeout so waits stay bounded.
type socket struct {
	fd int
}

func newSocket(iface string) (*socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	s := &socket{fd: fd}
	for _, opt := range []struct {
		level, name, value int
	}{
		{unix.SOL_SOCKET, unix.SO_REUSEADDR, 1},
		{unix.SOL_SOCKET, unix.SO_REUSEPORT, 1},
		{unix.SOL_SOCKET, unix.SO_BROADCAST, 1},
	} {
		if err := unix.SetsockoptInt(s.fd, opt.level, opt.name, opt.value); err != nil {
			s.Close()
			return nil, err
		}
	}
	if err := unix.SetsockoptString(s.fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
		s.Close()
		return nil, err
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		s.Close()
		return nil, err
	}
	if err := unix.Bind(s.fd, &unix.SockaddrInet4{Port: dhcpv4.ClientPort}); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *socket) Close() error {
	return unix.Close(s.fd)
}

// Broadcast sends the message to 255.255.255.255 on the server port.
func (s *socket) Broadcast(msg *dhcpv4.DHCPv4) error {
	dest := &unix.SockaddrInet4{
		Port: dhcpv4.ServerPort,
		Addr: [4]byte{255, 255, 255, 255},
	}
	if err := unix.Sendto(s.fd, msg.ToBytes(), 0, dest); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.MessageType(), err)
	}
	return nil
}

// WaitForMessage receives until a message with the wanted transaction id
// and type arrives or the phase budget runs out. Other messages and
// undecodable packets are discarded.
func (s *socket) WaitForMessage(xid dhcpv4.TransactionID, msgType dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	start := time.Now()
	wait := backoff.New(time.Second)
	buf := make([]byte, maxMessageSize)

	for {
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
			if time.Since(start) >= messageTimeout {
				return nil, fmt.Errorf("timeout waiting for %s", msgType)
			}
			wait.Wait()
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to receive %s: %w", msgType, err)
		}

		msg, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			slog.Warn("failed to decode DHCP message", slog.String("error", err.Error()))
			continue
		}
		if msg.TransactionID == xid && msg.MessageType() == msgType {
			return msg, nil
		}
	}
}
