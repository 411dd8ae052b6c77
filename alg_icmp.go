/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

/* ICMP ALG

An icmp error carries the beginning of the packet that caused it. For the
error to make sense to the receiver, the embedded packet must look the way
that receiver sent it:

	from external: embedded source is the external address and port, restore
	               the internal address and port
	from internal: embedded destination is the internal address and port,
	               replace them with the external address and port

Changing the embedded header invalidates the embedded ip checksum and, for
udp, the embedded udp checksum. Both are patched incrementally. The icmp
checksum covers all of the embedded data, so it is patched last, over every
embedded word that changed including the embedded checksums themselves.
*/

func (n *Nat) icmp_translate(pb *PktBuf, p *Parsed, ix int, old []byte) Status {

	if p.icmp.type_bit&ICMP_BIT_ERRORS == 0 {
		return NAT_SUCCESS
	}
	ct := n.table(p.icmp.proto)
	if ct == nil || ix < 0 || ix >= len(ct.ents) {
		return NAT_SUCCESS
	}
	ent := &ct.ents[ix]

	pkt := pb.ip()
	msg := pkt[p.ihl:]
	emb := ICMP_DATA
	eihl := p.icmp.ihl
	if len(msg) < emb+eihl+4 {
		return NAT_SUCCESS
	}
	// changed region of the embedded packet: ip header and first 8 bytes
	end := emb + eihl + UDP_HDR_LEN
	has_udp_csum := p.icmp.proto == UDP && len(msg) >= end
	if len(msg) < end {
		end = emb + eihl + 4
	}

	var before [IPv4_HDR_MIN_LEN + 40 + UDP_HDR_LEN]byte
	orig := before[:end-emb]
	copy(orig, msg[emb:end])

	var addr_off, port_off int
	var new_ip IP32
	var new_port uint16

	if p.side == NAT_EXTERNAL {
		addr_off = emb + IPv4_SRC
		port_off = emb + eihl + UDP_SPORT
		new_ip = ent.int_ip
		new_port = ent.int_port
	} else {
		addr_off = emb + IPv4_DST
		port_off = emb + eihl + UDP_DPORT
		new_ip = n.ext_dev.addr()
		new_port = n.ext_port(ent)
	}

	var old_addr [4]byte
	var old_port [2]byte
	copy(old_addr[:], msg[addr_off:addr_off+4])
	copy(old_port[:], msg[port_off:port_off+2])

	new_ip.put(msg[addr_off:])
	be.PutUint16(msg[port_off:port_off+2], new_port)

	// embedded ip checksum

	ecsum := emb + IPv4_CSUM
	adjust_csum(msg[ecsum:ecsum+2], old_addr[:], msg[addr_off:addr_off+4])

	// embedded udp checksum, zero means none

	if has_udp_csum {
		ucsum := emb + eihl + UDP_CSUM
		if be.Uint16(msg[ucsum:ucsum+2]) != 0 {
			adjust_csum(msg[ucsum:ucsum+2], old_port[:], msg[port_off:port_off+2])
			adjust_csum(msg[ucsum:ucsum+2], old_addr[:], msg[addr_off:addr_off+4])
			if be.Uint16(msg[ucsum:ucsum+2]) == 0 {
				be.PutUint16(msg[ucsum:ucsum+2], 0xffff)
			}
		}
	}

	// icmp checksum over everything that changed above

	adjust_csum(msg[ICMP_CSUM:ICMP_CSUM+2], orig, msg[emb:end])

	if cli.debug["alg_icmp"] {
		log.debug("icmp alg: embedded %v %v:%v -> %v:%v", ip_proto_name(p.icmp.proto),
			IP32(be.Uint32(old_addr[:])), be.Uint16(old_port[:]), new_ip, new_port)
	}

	return NAT_SUCCESS
}
