/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

/* Packet flow

               ╭──────────╮     ┏━━━━━━━━━━━━┓
       ╭────▷──┤ recv_int ├──▷──┨  fwd_int   ┠──▷───────────────╮
       │       ╰──────────╯     ┗━━━━━━━┯━━━━┛                  │
    ┏━━┷━━┓                             │ translate           ┏━━┷━━┓
 ─▷─┨ tun ┃                         ┏━━━┷━━━┓                 ┃ raw ┠─▷─
 ─◁─┨ ifc ┃                         ┃  nat  ┃                 ┃ ifc ┠─◁─
    ┗━━┯━━┛                         ┗━━━┯━━━┛                 ┗━━┯━━┛
       │                                │ translate              │
       │                        ┏━━━━━━━┷━━━━┓     ╭──────────╮  │
       ╰────◁───────────────────┨  fwd_ext   ┠──◁──┤ recv_ext ├◁─╯
                                ┗━━━━━━━━━━━━┛     ╰──────────╯

Each device has its own receiver and forwarder. Output is synchronous from
within translate, the forwarder returns the buffer to the pool when translate
is done with it. A forwarder ends when its device closes, taking nat down with
it.
*/

// Check IPv4 header and trim the packet to its total length.
func ipv4_valid(pb *PktBuf) bool {

	pkt := pb.ip()

	if len(pkt) < IPv4_HDR_MIN_LEN || pkt[IP_VER]&0xf0 != 0x40 {
		return false
	}
	ihl := int(pkt[IP_VER]&0x0f) << 2
	if ihl < IPv4_HDR_MIN_LEN || ihl > len(pkt) {
		return false
	}
	tlen := int(be.Uint16(pkt[IPv4_LEN : IPv4_LEN+2]))
	if tlen < ihl || tlen > len(pkt) {
		return false
	}
	if csum_add(0, pkt[:ihl]) != 0xffff {
		return false
	}
	pb.tail = pb.data + tlen
	return true
}

// Forward a packet exempt from translation along the route to its
// destination.
func forward_plain(routes *Routes, rdev Device, pb *PktBuf) {

	pkt := pb.ip()
	dst := pb.dst()

	if pkt[IPv4_TTL] <= 1 {
		return
	}

	rt, ok := routes.lookup(dst)
	if !ok || rt.dev == nil || rt.dev.name() == rdev.name() || rt.dev.addr() == dst {
		if cli.debug["fwd"] {
			log.debug("fwd: no route to %v, dropping", dst)
		}
		return
	}
	if len(pkt) > rt.dev.mtu() {
		if cli.debug["fwd"] {
			log.debug("fwd: %v exceeds mtu of %v, dropping", pb.pp_pkt(), rt.dev.name())
		}
		return
	}
	nexthop := dst
	if rt.gw != 0 {
		nexthop = rt.gw
	}

	var old [2]byte
	copy(old[:], pkt[IPv4_TTL:IPv4_TTL+2])
	pkt[IPv4_TTL]--
	adjust_csum(pkt[IPv4_CSUM:IPv4_CSUM+2], old[:], pkt[IPv4_TTL:IPv4_TTL+2])

	if err := rt.dev.output(pb, nexthop); err != nil {
		log.err("fwd: %v output error: %v", rt.dev.name(), err)
	}
}

// Translate packets received on an internal device. Packets not subject to
// translation are forwarded as they are.
func fwd_int(n *Nat, dev Device, recv <-chan *PktBuf) {

	for pb := range recv {

		status := n.translate(dev, pb)
		stat_packet(dev.name(), status)

		if status == NAT_NO_NAT {
			if cli.debug["fwd"] {
				log.debug("fwd_int: no nat %v", pb.pp_pkt())
			}
			forward_plain(n.routes, dev, pb)
		}

		retbuf <- pb
	}

	n.routes.del_dev(dev)
	n.remove_interface(dev.name())
}

// Translate packets received on the external device. Packets not subject to
// translation are dropped.
func fwd_ext(n *Nat, dev Device, recv <-chan *PktBuf) {

	for pb := range recv {

		status := n.translate(dev, pb)
		stat_packet(dev.name(), status)

		if status == NAT_NO_NAT && cli.debug["fwd"] {
			log.debug("fwd_ext: not translated, dropping %v", pb.pp_pkt())
		}

		retbuf <- pb
	}

	n.routes.del_dev(dev)
	n.remove_interface(dev.name())
}
