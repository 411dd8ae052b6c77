/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	ICMP        = 1
	TCP         = 6
	UDP         = 17
	PKTQLEN     = 16
	MAX_PKT_LEN = 0xffff
	// IPv4 header offests
	IP_VER           = 0
	IPv4_DSCP        = 1
	IPv4_LEN         = 2
	IPv4_ID          = 4
	IPv4_FRAG        = 6
	IPv4_TTL         = 8
	IPv4_PROTO       = 9
	IPv4_CSUM        = 10
	IPv4_SRC         = 12
	IPv4_DST         = 16
	IPv4_HDR_MIN_LEN = 20
	// IPv4 fragment field
	IPv4_DF       = 0x4000
	IPv4_MF       = 0x2000
	IPv4_FRAG_OFF = 0x1fff
	// UDP offsets
	UDP_SPORT   = 0
	UDP_DPORT   = 2
	UDP_LEN     = 4
	UDP_CSUM    = 6
	UDP_HDR_LEN = 8
	// TCP offsets
	TCP_SPORT       = 0
	TCP_DPORT       = 2
	TCP_SEQ         = 4
	TCP_ACK         = 8
	TCP_OFF         = 12
	TCP_FLAGS       = 13
	TCP_CSUM        = 16
	TCP_HDR_MIN_LEN = 20
	// TCP control bits
	TCP_FIN  = 0x01
	TCP_SYN  = 0x02
	TCP_RST  = 0x04
	TCP_PSH  = 0x08
	TCP_ACKF = 0x10
	// ICMP offsets
	ICMP_TYPE = 0
	ICMP_CODE = 1
	ICMP_CSUM = 2
	ICMP_BODY = 4
	ICMP_ID   = 4
	ICMP_SEQ  = 6
	ICMP_MTU  = 6
	ICMP_DATA = 8
)

type PktBuf struct {
	pkt   []byte
	data  int    // the beginning of the packet data; all data before should be ignored
	tail  int    // the end of the packet data; all data after should be ignored
	ifc   string // name of the receiving device
	peer  string // peer or source name, human readable
	bcast bool   // link level broadcast or multicast
}

func (pb *PktBuf) len() int {
	return pb.tail - pb.data
}

func (pb *PktBuf) clear() {
	*pb = PktBuf{pkt: pb.pkt}
}

// Make sure the packet can extend to the given length past data. Packet data
// is preserved, the underlying buffer may be replaced.
func (pb *PktBuf) grow(pktlen int) {

	if pb.data+pktlen <= len(pb.pkt) {
		return
	}
	npkt := make([]byte, pb.data+pktlen+64)
	copy(npkt[pb.data:pb.tail], pb.pkt[pb.data:pb.tail])
	pb.pkt = npkt
}

// packet as seen from the IP header
func (pb *PktBuf) ip() []byte {
	return pb.pkt[pb.data:pb.tail]
}

func (pb *PktBuf) ip_hdr_len() int {

	if pb.len() < IPv4_HDR_MIN_LEN {
		return pb.len()
	}
	return min(int(pb.pkt[pb.data]&0xf)*4, pb.len())
}

func (pb *PktBuf) src() IP32 {
	return ip32_from_slice(pb.pkt[pb.data+IPv4_SRC:])
}

func (pb *PktBuf) dst() IP32 {
	return ip32_from_slice(pb.pkt[pb.data+IPv4_DST:])
}

func ip_proto_name(proto byte) string {

	switch proto {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case ICMP:
		return "ICMP"
	}
	return fmt.Sprintf("%v", proto)
}

func (pb *PktBuf) pp_pkt() (ss string) {

	// IPv4(udp)  192.168.84.97  192.168.84.98  len(60)  data/tail(0/60)

	pkt := pb.pkt[pb.data:pb.tail]

	if len(pkt) < IPv4_HDR_MIN_LEN || pkt[IP_VER]&0xf0 != 0x40 {
		return fmt.Sprintf("PKT  short  data/tail(%v/%v)", pb.data, pb.tail)
	}

	flags := ""
	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	if frag_field&(IPv4_MF|IPv4_FRAG_OFF) != 0 {
		flags += " IF"
	}
	if frag_field&IPv4_DF != 0 {
		flags += " DF"
	}
	return fmt.Sprintf("IPv4(%v)%v  %v  %v  len(%v)  data/tail(%v/%v)",
		ip_proto_name(pkt[IPv4_PROTO]),
		flags,
		ip32_from_slice(pkt[IPv4_SRC:]),
		ip32_from_slice(pkt[IPv4_DST:]),
		be.Uint16(pkt[IPv4_LEN:IPv4_LEN+2]),
		pb.data, pb.tail)
}

func (pb *PktBuf) pp_raw(pfx string) {

	// RAW  45 00 00 74 2e 52 40 00 40 11 d0 b6 0a fb 1b 6f c0 a8 54 5e 04 15 04 15 00 ..

	const max = 128 + 32
	var sb strings.Builder

	pkt := pb.pkt[pb.data:pb.tail]
	sb.WriteString(pfx)
	sb.WriteString("RAW ")
	for ii := 0; ii < len(pkt); ii++ {
		if ii < max {
			sb.WriteString(" ")
			sb.WriteString(hex.EncodeToString(pkt[ii : ii+1]))
		} else {
			sb.WriteString("  ..")
			break
		}
	}
	log.trace(sb.String())
}

func (pb *PktBuf) pp_net(pfx string) {

	// IPv4(udp) 4500  192.168.84.93  10.254.22.202  len(64) id(1) ttl(64) csum:0000

	pkt := pb.pkt[pb.data:pb.tail]

	if len(pkt) < IPv4_HDR_MIN_LEN || pkt[IP_VER]&0xf0 != 0x40 {
		log.trace(pfx + pb.pp_pkt())
		return
	}

	flags := ""
	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	if frag_field&(IPv4_MF|IPv4_FRAG_OFF) != 0 {
		flags += " IF"
	}
	if frag_field&IPv4_DF != 0 {
		flags += " DF"
	}
	log.trace("%vIPv4(%v)%v  %v  %v  len(%v) id(%v) ttl(%v) csum: %04x",
		pfx,
		ip_proto_name(pkt[IPv4_PROTO]),
		flags,
		ip32_from_slice(pkt[IPv4_SRC:]),
		ip32_from_slice(pkt[IPv4_DST:]),
		be.Uint16(pkt[IPv4_LEN:IPv4_LEN+2]),
		be.Uint16(pkt[IPv4_ID:IPv4_ID+2]),
		pkt[IPv4_TTL],
		be.Uint16(pkt[IPv4_CSUM:IPv4_CSUM+2]))
}

func (pb *PktBuf) pp_tran(pfx string) {

	pkt := pb.pkt[pb.data:pb.tail]

	if len(pkt) < IPv4_HDR_MIN_LEN || pkt[IP_VER]&0xf0 != 0x40 {
		return
	}
	proto := pkt[IPv4_PROTO]
	if be.Uint16(pkt[IPv4_FRAG:IPv4_FRAG+2])&IPv4_FRAG_OFF != 0 {
		return // not first fragment
	}
	pkt = pkt[pb.ip_hdr_len():]

	switch proto {
	case TCP:

		// TCP  61000  21  seq(3911) ack(0) flags(02) csum: 12af

		if len(pkt) < TCP_HDR_MIN_LEN {
			return
		}
		log.trace("%vTCP  %v  %v  seq(%v) ack(%v) flags(%02x) csum: %04x",
			pfx,
			be.Uint16(pkt[TCP_SPORT:TCP_SPORT+2]),
			be.Uint16(pkt[TCP_DPORT:TCP_DPORT+2]),
			be.Uint32(pkt[TCP_SEQ:TCP_SEQ+4]),
			be.Uint32(pkt[TCP_ACK:TCP_ACK+4]),
			pkt[TCP_FLAGS],
			be.Uint16(pkt[TCP_CSUM:TCP_CSUM+2]))

	case UDP:

		// UDP  1045  1045  len(96) csum 0

		if len(pkt) < UDP_HDR_LEN {
			return
		}
		log.trace("%vUDP  %v  %v  len(%v) csum: %04x",
			pfx,
			be.Uint16(pkt[UDP_SPORT:UDP_SPORT+2]),
			be.Uint16(pkt[UDP_DPORT:UDP_DPORT+2]),
			be.Uint16(pkt[UDP_LEN:UDP_LEN+2]),
			be.Uint16(pkt[UDP_CSUM:UDP_CSUM+2]))

	case ICMP:

		// ICMP  type(8) code(0) seq(3) csum: 4c1e

		if len(pkt) < ICMP_DATA {
			return
		}
		log.trace("%vICMP  type(%v) code(%v) seq(%v) csum: %04x",
			pfx,
			pkt[ICMP_TYPE],
			pkt[ICMP_CODE],
			be.Uint16(pkt[ICMP_SEQ:ICMP_SEQ+2]),
			be.Uint16(pkt[ICMP_CSUM:ICMP_CSUM+2]))
	}
}

func (pb *PktBuf) verify_csum() bool {

	pkt := pb.pkt[pb.data:pb.tail]

	if len(pkt) < IPv4_HDR_MIN_LEN {
		return false
	}
	ihl := pb.ip_hdr_len()
	if csum_add(0, pkt[:ihl]) != 0xffff {
		return false
	}
	if be.Uint16(pkt[IPv4_FRAG:IPv4_FRAG+2])&(IPv4_MF|IPv4_FRAG_OFF) != 0 {
		return true // cannot verify l4 of a fragment
	}
	src := ip32_from_slice(pkt[IPv4_SRC:])
	dst := ip32_from_slice(pkt[IPv4_DST:])
	proto := pkt[IPv4_PROTO]
	pkt = pkt[ihl:]

	switch proto {

	case TCP:

		if len(pkt) < TCP_HDR_MIN_LEN {
			return false
		}
		if csum_add(pseudo_csum(src, dst, TCP, len(pkt)), pkt) != 0xffff {
			return false
		}

	case UDP:

		if len(pkt) < UDP_HDR_LEN {
			return false
		}
		if be.Uint16(pkt[UDP_CSUM:UDP_CSUM+2]) == 0 {
			return true // no checksum
		}
		if csum_add(pseudo_csum(src, dst, UDP, len(pkt)), pkt) != 0xffff {
			return false
		}

	case ICMP:

		if len(pkt) < ICMP_DATA {
			return false
		}
		if csum_add(0, pkt) != 0xffff {
			return false
		}
	}

	return true
}

var be = binary.BigEndian

var getbuf chan (*PktBuf)
var retbuf chan (*PktBuf)

/* Buffer allocator

We use getbuf channel of length 1. As soon as it gets empty we try to put
a packet into it.  We try to get it from the retbuf but if not availale we
allocate a new one but no more than maxbuf in total. Buffers that grew past
the configured length (reassembly, ftp alg) are dropped on return and replaced
by new ones.
*/

func pkt_buffers() {

	var pb *PktBuf
	allocated := 0 // num of allocated buffers

	log.debug("pkt: packet buflen(%v)", cli.pktbuflen)

	for {

		select {
		case pb = <-retbuf:
			if len(pb.pkt) != cli.pktbuflen {
				pb.pkt = make([]byte, cli.pktbuflen)
			}
			pb.clear()
		default:
			if allocated >= cli.maxbuf {
				pb = <-retbuf // wait for one to come back
				if len(pb.pkt) != cli.pktbuflen {
					pb.pkt = make([]byte, cli.pktbuflen)
				}
				pb.clear()
				break
			}
			pb = &PktBuf{pkt: make([]byte, cli.pktbuflen)}
			allocated += 1
			log.debug("pkt: new PktBuf allocated, total(%v)", allocated)
			if allocated%10 == 0 {
				log.info("pkt: buffer allocation: %v of %v", allocated, cli.maxbuf)
			}
		}

		pb.pkt[pb.data] = 0xbd // corrupt IP header to detect reuse of freed pkt
		getbuf <- pb
	}
}
