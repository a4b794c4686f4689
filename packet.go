// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

var errUnsupportedSockaddr = errors.New("unsupported sockaddr family")

// MaxDatagramSize bounds a single received datagram. RTP/RTCP packets never
// approach this; it exists to give the recv buffer a fixed, reusable size.
const MaxDatagramSize = 8192

// Packet owns a received datagram's bytes plus everything the forwarding
// and address-learning logic needs to know about where it came from and
// where it landed.
type Packet struct {
	Payload   []byte
	Peer      *net.UDPAddr
	Local     *net.UDPAddr
	LocalPort int
	RecvTime  float64
}

// Size is the wire size of the datagram's payload, the quantity the
// low-bitrate double-send threshold compares against.
func (p *Packet) Size() int { return len(p.Payload) }

// recvFrom performs one non-blocking read on fd, classifying errors into
// WouldBlock when nothing is queued, Transient for any other recoverable
// condition. Both cause the reactor to move on to the next ready
// descriptor rather than retry.
func recvFrom(fd int, buf []byte, localPort int, laddr *net.UDPAddr, now float64) (*Packet, error) {
	n, from, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return nil, classifyRecvError(err)
	}
	peer, ok := sockaddrToUDPAddr(from)
	if !ok {
		return nil, newErr(KindTransient, "recvfrom", errUnsupportedSockaddr)
	}
	payload := make([]byte, n)
	copy(payload, buf[:n])
	return &Packet{
		Payload:   payload,
		Peer:      peer,
		Local:     laddr,
		LocalPort: localPort,
		RecvTime:  now,
	}, nil
}

func classifyRecvError(err error) error {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return newErr(KindWouldBlock, "recvfrom", err)
	}
	return newErr(KindTransient, "recvfrom", err)
}

func sockaddrToUDPAddr(sa unix.Sockaddr) (*net.UDPAddr, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}, true
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port, Zone: zoneFromIfindex(a.ZoneId)}, true
	default:
		return nil, false
	}
}

func zoneFromIfindex(idx uint32) string {
	if idx == 0 {
		return ""
	}
	if iface, err := net.InterfaceByIndex(int(idx)); err == nil {
		return iface.Name
	}
	return ""
}

func udpAddrToSockaddr(addr *net.UDPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

// sameHost reports whether two addresses share the same IP, ignoring port --
// the comparison asymmetric legs use (§4.E step 3).
func sameHost(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP)
}

// sameAddr reports byte-exact host+port equality, the comparison symmetric
// legs use (§4.E step 2).
func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
