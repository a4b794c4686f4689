// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

// bindUDP opens a non-blocking UDP socket bound to host:port, returning the
// raw file descriptor and the address the kernel actually bound (useful
// when port == 0, not used by this package today but kept general). tos,
// when nonzero, is applied via IP_TOS/IPV6_TCLASS.
func bindUDP(host net.IP, port int, tos int) (fd int, bound *net.UDPAddr, err error) {
	family := unix.AF_INET
	if host.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err = unix.Socket(family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, nil, newErr(KindSocketUnavailable, "socket", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, newErr(KindSocketUnavailable, "setnonblock", err)
	}
	var sa unix.Sockaddr
	if family == unix.AF_INET {
		a := &unix.SockaddrInet4{Port: port}
		if ip4 := host.To4(); ip4 != nil {
			copy(a.Addr[:], ip4)
		}
		sa = a
	} else {
		a := &unix.SockaddrInet6{Port: port}
		copy(a.Addr[:], host.To16())
		sa = a
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, newErr(KindSocketUnavailable, "bind", err)
	}
	if tos != 0 {
		if family == unix.AF_INET {
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
		} else {
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		}
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, newErr(KindSocketUnavailable, "getsockname", err)
	}
	laddr, ok := sockaddrToUDPAddr(local)
	if !ok {
		unix.Close(fd)
		return -1, nil, newErr(KindSocketUnavailable, "getsockname", errUnsupportedSockaddr)
	}
	if laddr.IP == nil || laddr.IP.IsUnspecified() {
		laddr.IP = host
	}
	return fd, laddr, nil
}

// sendTo writes payload to addr on fd, classifying errors into the Kind
// taxonomy (both WouldBlock and Transient are dropped silently by the
// caller).
func sendTo(fd int, payload []byte, addr *net.UDPAddr) error {
	if err := unix.Sendto(fd, payload, 0, udpAddrToSockaddr(addr)); err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return newErr(KindWouldBlock, "sendto", err)
		}
		return newErr(KindTransient, "sendto", err)
	}
	return nil
}
