// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
)

// IPv4ToAddr converts a host-order IPv4 address into a [netip.Addr].
func IPv4ToAddr(address uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], address)
	return netip.AddrFrom4(b)
}

// IPv4FromAddr converts addr into a host-order IPv4 address, returning
// zero when addr is not an IPv4 (or IPv4-mapped IPv6) address.
func IPv4FromAddr(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

// AddressOfHost resolves name using [NewSystemResolver].
//
// See [LookupAddressOfHost] for the semantics.
func AddressOfHost(name string) uint32 {
	return LookupAddressOfHost(context.Background(), NewSystemResolver(), name)
}

// LookupAddressOfHost resolves a dotted-quad string or a host name to a
// host-order IPv4 address. Dotted quads are parsed without consulting the
// resolver. Returns zero on failure.
func LookupAddressOfHost(ctx context.Context, resolver Resolver, name string) uint32 {
	if addr, err := netip.ParseAddr(name); err == nil {
		return IPv4FromAddr(addr)
	}
	addrs, err := resolver.LookupIPv4(ctx, name)
	if err != nil {
		return 0
	}
	for _, addr := range addrs {
		if address := IPv4FromAddr(addr); address != 0 {
			return address
		}
	}
	return 0
}

// InterfaceAddresses returns the IPv4 addresses of all the local network
// interfaces that are up, in host order.
func InterfaceAddresses() []uint32 {
	return interfaceAddresses(0)
}

// interfaceAddresses is like [InterfaceAddresses] but only considers
// interfaces having all the flags in required.
func interfaceAddresses(required net.Flags) []uint32 {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []uint32
	for _, iface := range ifaces {
		flags := net.FlagUp | required
		if iface.Flags&flags != flags {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			if address := IPv4FromAddr(ip); address != 0 {
				out = append(out, address)
			}
		}
	}
	return out
}

// multicastInterfaceAddresses returns the IPv4 addresses of the interfaces
// that are up and support multicast.
func multicastInterfaceAddresses() []uint32 {
	return interfaceAddresses(net.FlagMulticast)
}

// addrPortString formats a host-order address and port for logging.
func addrPortString(address uint32, port uint16) string {
	return netip.AddrPortFrom(IPv4ToAddr(address), port).String()
}
