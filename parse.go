/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

// embedded packet of an icmp error message
type IcmpParsed struct {
	type_bit uint32 // 1 << icmp type
	seq      uint16
	proto    byte // protocol of the embedded packet, 0 if not tcp or udp
	src      IP32 // embedded source
	dst      IP32 // embedded destination
	sport    uint16
	dport    uint16
	ip_csum  uint16 // embedded ip header checksum
	ihl      int    // embedded ip header length
	csum     uint16 // icmp checksum
	csum_len int    // length of the icmp message
}

type Parsed struct {
	proto     byte
	side      int
	ihl       int
	src       IP32
	dst       IP32
	sport     uint16
	dport     uint16
	ip_csum   uint16
	tran_csum uint16
	flags     byte // tcp control bits
	tran_hlen int
	data_len  int
	icmp      IcmpParsed
}

// Extract fields of an IPv4 packet needed for translation. The packet must
// already be validated as IPv4 with its tail matching the total length.
func parse_packet(pb *PktBuf, side int) (Parsed, Status) {

	var p Parsed

	pkt := pb.ip()
	if len(pkt) < IPv4_HDR_MIN_LEN {
		return p, NAT_NO_ENTRY
	}

	p.side = side
	p.proto = pkt[IPv4_PROTO]
	p.src = ip32_from_slice(pkt[IPv4_SRC:])
	p.dst = ip32_from_slice(pkt[IPv4_DST:])
	p.ip_csum = be.Uint16(pkt[IPv4_CSUM : IPv4_CSUM+2])
	p.ihl = int(pkt[IP_VER]&0x0f) << 2

	if p.ihl < IPv4_HDR_MIN_LEN || p.ihl > len(pkt) {
		return p, NAT_NO_ENTRY
	}
	tran := pkt[p.ihl:]

	switch p.proto {

	case TCP:

		if len(tran) < TCP_HDR_MIN_LEN {
			return p, NAT_NO_ENTRY
		}
		p.sport = be.Uint16(tran[TCP_SPORT : TCP_SPORT+2])
		p.dport = be.Uint16(tran[TCP_DPORT : TCP_DPORT+2])
		p.tran_csum = be.Uint16(tran[TCP_CSUM : TCP_CSUM+2])
		p.flags = tran[TCP_FLAGS]
		p.tran_hlen = int(tran[TCP_OFF]>>4) << 2
		if p.tran_hlen < TCP_HDR_MIN_LEN || p.tran_hlen > len(tran) {
			return p, NAT_NO_ENTRY
		}
		p.data_len = len(tran) - p.tran_hlen

	case UDP:

		if len(tran) < UDP_HDR_LEN {
			return p, NAT_NO_ENTRY
		}
		p.sport = be.Uint16(tran[UDP_SPORT : UDP_SPORT+2])
		p.dport = be.Uint16(tran[UDP_DPORT : UDP_DPORT+2])
		p.tran_csum = be.Uint16(tran[UDP_CSUM : UDP_CSUM+2])
		p.tran_hlen = UDP_HDR_LEN
		p.data_len = len(tran) - p.tran_hlen

	case ICMP:

		if len(tran) < ICMP_DATA {
			return p, NAT_NO_ENTRY
		}
		parse_icmp(tran, &p.icmp)

	default:
		return p, NAT_NO_ENTRY
	}

	return p, NAT_SUCCESS
}

// Decode icmp type and sequence. For error messages also decode the embedded
// packet if it is tcp or udp and long enough to carry ports.
func parse_icmp(msg []byte, ip *IcmpParsed) {

	*ip = IcmpParsed{}

	if typ := msg[ICMP_TYPE]; typ < 32 {
		ip.type_bit = 1 << typ
	}
	ip.seq = be.Uint16(msg[ICMP_SEQ : ICMP_SEQ+2])

	if ip.type_bit&ICMP_BIT_ERRORS == 0 {
		return
	}

	emb := msg[ICMP_DATA:]
	if len(emb) < IPv4_HDR_MIN_LEN {
		return
	}
	proto := emb[IPv4_PROTO]
	if proto != TCP && proto != UDP {
		return
	}
	eihl := int(emb[IP_VER]&0x0f) << 2
	if eihl < IPv4_HDR_MIN_LEN || len(emb) < eihl+4 {
		return
	}

	ip.proto = proto
	ip.src = ip32_from_slice(emb[IPv4_SRC:])
	ip.dst = ip32_from_slice(emb[IPv4_DST:])
	ip.ip_csum = be.Uint16(emb[IPv4_CSUM : IPv4_CSUM+2])
	ip.ihl = eihl
	ip.csum = be.Uint16(msg[ICMP_CSUM : ICMP_CSUM+2])
	ip.csum_len = len(msg)
	// tcp and udp ports are at the same offsets
	ip.sport = be.Uint16(emb[eihl+UDP_SPORT : eihl+UDP_SPORT+2])
	ip.dport = be.Uint16(emb[eihl+UDP_DPORT : eihl+UDP_DPORT+2])
}
