/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"net/netip"
)

type IP32 uint32 // IPv4 address in host order

func (ip IP32) String() string {
	return fmt.Sprintf("%v.%v.%v.%v", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

func (ip IP32) put(b []byte) {
	be.PutUint32(b[:4], uint32(ip))
}

func (ip IP32) addr() netip.Addr {

	var ipb [4]byte
	be.PutUint32(ipb[:], uint32(ip))
	return netip.AddrFrom4(ipb)
}

func (ip IP32) is_mcast() bool {
	return ip&0xf0000000 == 0xe0000000
}

func ip32_from_slice(b []byte) IP32 {
	return IP32(be.Uint32(b[:4]))
}

func ip32_from_addr(addr netip.Addr) IP32 {

	if !addr.Is4() {
		panic("expected IPv4 address")
	}
	ipb := addr.As4()
	return IP32(be.Uint32(ipb[:]))
}

func parse_ip32(s string) (IP32, error) {

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	if !addr.Is4() {
		return 0, fmt.Errorf("not an IPv4 address: %v", s)
	}
	return ip32_from_addr(addr), nil
}

// Parse address with prefix length, e.g. 10.0.0.1/24. Returns the address and
// the netmask.
func parse_ifc_addr(s string) (IP32, IP32, error) {

	pfx, err := netip.ParsePrefix(s)
	if err != nil {
		return 0, 0, err
	}
	if !pfx.Addr().Is4() {
		return 0, 0, fmt.Errorf("not an IPv4 prefix: %v", s)
	}
	return ip32_from_addr(pfx.Addr()), mask_from_len(pfx.Bits()), nil
}

func mask_from_len(bits int) IP32 {

	if bits <= 0 {
		return 0
	}
	if bits >= 32 {
		return 0xffffffff
	}
	return IP32(^uint32(0) << (32 - bits))
}

func mask_len(mask IP32) int {

	bits := 0
	for m := uint32(mask); m&0x80000000 != 0; m <<= 1 {
		bits++
	}
	return bits
}

func prefix_of(ip, mask IP32) netip.Prefix {
	return netip.PrefixFrom((ip & mask).addr(), mask_len(mask))
}
