/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

const (
	// codes for ICMP_UNREACH
	ICMP_UNREACH_NET      = 0
	ICMP_UNREACH_HOST     = 1
	ICMP_UNREACH_PROTOCOL = 2
	ICMP_UNREACH_PORT     = 3
	ICMP_UNREACH_NEEDFRAG = 4

	// codes for ICMP_TIMXCEED
	ICMP_TIMXCEED_INTRANS = 0
	ICMP_TIMXCEED_REASS   = 1

	ICMP_ENCAP_MAX_LEN = 576
	ICMP_SEND_TTL      = 64

	ICMP_RATE_LIMIT  = 10 // per second per destination
	ICMP_RATE_BURST  = 20
	ICMP_LIMITER_TTL = time.Minute
	ICMP_LIMITER_MAX = 4096
)

/* ICMP errors

Errors are generated when a packet cannot be forwarded: time exceeded, no
room in translation tables, fragmentation needed. The error carries as much
of the offending packet as fits in ICMP_ENCAP_MAX_LEN and is sent back to its
source, from the address of the device the packet came in on.

No error is sent about an icmp error, a non-first fragment, or a packet from
a broadcast, multicast, or zero source. Errors to each destination are rate
limited.
*/

type IcmpErr struct {
	routes *Routes
	limits *ttlcache.Cache[IP32, *rate.Limiter]
	limit  rate.Limit
	burst  int
}

func new_icmp_err(routes *Routes, limit rate.Limit, burst int) *IcmpErr {

	ie := &IcmpErr{
		routes: routes,
		limits: ttlcache.New(
			ttlcache.WithTTL[IP32, *rate.Limiter](ICMP_LIMITER_TTL),
			ttlcache.WithCapacity[IP32, *rate.Limiter](ICMP_LIMITER_MAX),
		),
		limit: limit,
		burst: burst,
	}
	go ie.limits.Start()
	return ie
}

func (ie *IcmpErr) stop() {
	ie.limits.Stop()
}

func (ie *IcmpErr) allow(dst IP32) bool {

	if item := ie.limits.Get(dst); item != nil {
		return item.Value().Allow()
	}
	lim := rate.NewLimiter(ie.limit, ie.burst)
	ie.limits.Set(dst, lim, ttlcache.DefaultTTL)
	return lim.Allow()
}

// Whether an error may be sent about the packet.
func icmp_err_allowed(orig []byte) bool {

	if len(orig) < IPv4_HDR_MIN_LEN || orig[IP_VER]&0xf0 != 0x40 {
		return false
	}
	src := ip32_from_slice(orig[IPv4_SRC:])
	if src == 0 || src == 0xffffffff || src.is_mcast() {
		return false
	}
	if be.Uint16(orig[IPv4_FRAG:IPv4_FRAG+2])&IPv4_FRAG_OFF != 0 {
		return false
	}
	if orig[IPv4_PROTO] == ICMP {
		ihl := int(orig[IP_VER]&0x0f) << 2
		if len(orig) <= ihl {
			return false
		}
		typ := orig[ihl+ICMP_TYPE]
		if typ == ICMP_REDIRECT || (typ < 32 && (1<<typ)&ICMP_BIT_ERRORS != 0) {
			return false
		}
	}
	return true
}

// Build an icmp error about orig addressed to its source.
func icmp_err_packet(orig []byte, src IP32, typ, code byte, mtu int) ([]byte, error) {

	dst := ip32_from_slice(orig[IPv4_SRC:])
	data := orig[:min(len(orig), ICMP_ENCAP_MAX_LEN-IPv4_HDR_MIN_LEN-ICMP_DATA)]

	body := make([]byte, 4+len(data))
	if typ == ICMP_UNREACH && code == ICMP_UNREACH_NEEDFRAG {
		be.PutUint16(body[2:4], uint16(mtu))
	}
	copy(body[4:], data)

	msg := icmp.Message{
		Type: ipv4.ICMPType(typ),
		Code: int(code),
		Body: &icmp.RawBody{Data: body},
	}
	icmpb, err := msg.Marshal(nil)
	if err != nil {
		return nil, err
	}

	var id [2]byte
	rand.Read(id[:])

	hdr := ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(icmpb),
		ID:       int(be.Uint16(id[:])),
		TTL:      ICMP_SEND_TTL,
		Protocol: ICMP,
		Src:      net.IP(src.addr().AsSlice()),
		Dst:      net.IP(dst.addr().AsSlice()),
	}
	hdrb, err := hdr.Marshal()
	if err != nil {
		return nil, err
	}
	if len(hdrb) != IPv4_HDR_MIN_LEN {
		return nil, fmt.Errorf("unexpected header length: %v", len(hdrb))
	}
	// marshal leaves length and fragment fields in host order on some systems
	be.PutUint16(hdrb[IPv4_LEN:IPv4_LEN+2], uint16(hdr.TotalLen))
	be.PutUint16(hdrb[IPv4_FRAG:IPv4_FRAG+2], 0)
	be.PutUint16(hdrb[IPv4_CSUM:IPv4_CSUM+2], ip_csum(hdrb))

	return append(hdrb, icmpb...), nil
}

// Send an icmp error about orig received on rdev.
func (ie *IcmpErr) send(orig []byte, rdev Device, typ, code byte, mtu int) {

	if !icmp_err_allowed(orig) {
		return
	}
	dst := ip32_from_slice(orig[IPv4_SRC:])

	if !ie.allow(dst) {
		if cli.debug["icmp"] {
			log.debug("icmp: rate limited type(%v) code(%v) to %v", typ, code, dst)
		}
		return
	}

	rt, ok := ie.routes.lookup(dst)
	if !ok || rt.dev == nil {
		log.err("icmp: no route to %v, cannot send type(%v) code(%v)", dst, typ, code)
		return
	}
	nexthop := dst
	if rt.gw != 0 {
		nexthop = rt.gw
	}

	pkt, err := icmp_err_packet(orig, rdev.addr(), typ, code, mtu)
	if err != nil {
		log.err("icmp: cannot build type(%v) code(%v) to %v: %v", typ, code, dst, err)
		return
	}

	pb := PktBuf{pkt: pkt, tail: len(pkt)}

	if cli.trace {
		pb.pp_net("icmp out: ")
		pb.pp_tran("icmp out: ")
	}

	if err := rt.dev.output(&pb, nexthop); err != nil {
		log.err("icmp: %v output error: %v", rt.dev.name(), err)
	}
}
