/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"bytes"
	"strconv"
)

/* FTP ALG

Commands on an ftp control connection carry the address and port of the data
connection in ascii. Three forms are recognized at the start of a segment
leaving the internal network:

	PORT h1,h2,h3,h4,p1,p2\r\n                      client announces data port
	127 Entering Passive Mode (h1,h2,h3,h4,p1,p2)   reply to PASV
	EPRT |1|h1.h2.h3.h4|port|\r\n                   extended PORT, IPv4 only

The announced endpoint gets a translation entry and the text is replaced with
the external address and port. The replacement usually differs in length from
the original which shifts the tcp sequence space of the control connection.
The accumulated shift is kept per control connection in an ftp entry and
applied to every later segment: segments from the client side have their
sequence number advanced, segments from the host side have their ack number
moved back.
*/

const (
	FTP_CTL_PORT  = 21
	FTP_DATA_PORT = 20

	FTP_PORT_CMD = 1
	FTP_PASV_CMD = 2
	FTP_EPRT_CMD = 3

	FTP_PORT_ARG = 5
	FTP_PASV_ARG = 27
	FTP_EPRT_ARG = 8

	FTP_ADDR_MAX  = 16 // ascii address
	FTP_FIELD_MAX = 5  // ascii port field

	FTP_CLIENT = 1
	FTP_HOST   = 2
)

type FtpEntry struct {
	tcp_ix  int // control connection, -1 if free
	side    int
	delta   int32
	timeout uint32
}

type FtpTable struct {
	ents []FtpEntry
	next int
}

func (ft *FtpTable) init(size int) {

	ft.ents = make([]FtpEntry, size)
	for ix := range ft.ents {
		ft.ents[ix].tcp_ix = -1
	}
	ft.next = -1
}

// Record the sequence delta of a control connection. Returns the entry index
// or -1 if the table is full.
func (n *Nat) add_ftp_entry(tcp_ix int, delta int32) int {

	ft := &n.ftp
	num := len(ft.ents)

	ix := ft.next
	if ix < 0 || ix >= num || ft.ents[ix].timeout != 0 {
		ix = -1
		ft.next = -1
		for ii := range ft.ents {
			if ft.ents[ii].timeout == 0 {
				if ix < 0 {
					ix = ii
				} else {
					ft.next = ii
					break
				}
			}
		}
		if ix < 0 {
			return -1
		}
	} else {
		ft.next = -1
		next := ix + 1
		for ii := 0; ii < num-1; ii, next = ii+1, next+1 {
			if next >= num {
				next = 0
			}
			if ft.ents[next].timeout == 0 {
				ft.next = next
				break
			}
		}
	}

	ft.ents[ix] = FtpEntry{
		tcp_ix:  tcp_ix,
		delta:   delta,
		timeout: n.clock.now(),
	}
	n.tcp.ents[tcp_ix].ftp_ix = ix

	return ix
}

// Find the ftp entry of the control connection a segment belongs to. Also
// determine which side of the control connection sent the segment.
func (n *Nat) find_ftp_entry(side int, src IP32, sport uint16, dst IP32, dport uint16, pm *PortmapEntry) int {

	tcp_ix := n.find_entry(TCP, side, src, sport, dst, dport, pm)
	if tcp_ix < 0 {
		return -1
	}

	for ix := range n.ftp.ents {
		ent := &n.ftp.ents[ix]
		if ent.timeout != 0 && ent.tcp_ix == tcp_ix {
			ent.timeout = n.clock.now()
			if n.tcp.ents[tcp_ix].dst_ip == dst {
				ent.side = FTP_CLIENT
			} else {
				ent.side = FTP_HOST
			}
			return ix
		}
	}
	return -1
}

func (n *Nat) delete_ftp_entry(ix int) {

	if ix >= 0 && ix < len(n.ftp.ents) {
		n.ftp.ents[ix] = FtpEntry{tcp_ix: -1}
	}
}

// Shift sequence (client side) or ack (host side) number of a tcp segment by
// delta adjusting tcp checksum accordingly.
func ftp_adjust_seq(pb *PktBuf, ihl int, side int, delta int32) {

	tcp := pb.pkt[pb.data+ihl : pb.tail]

	off := TCP_SEQ
	if side == FTP_HOST {
		off = TCP_ACK
	}

	var old [4]byte
	copy(old[:], tcp[off:off+4])

	val := be.Uint32(tcp[off : off+4])
	if side == FTP_HOST {
		val -= uint32(delta)
	} else {
		val += uint32(delta)
	}
	be.PutUint32(tcp[off:off+4], val)

	adjust_csum(tcp[TCP_CSUM:TCP_CSUM+2], old[:], tcp[off:off+4])
}

// Render the external address as ascii. With ',' the address is followed by
// a comma as in PORT. With '.' the address is followed by '|' as in EPRT.
func ftp_compute_addr(ip IP32, delim byte) ([]byte, bool) {

	buf := make([]byte, 0, FTP_ADDR_MAX+4)

	for ii := 0; ii < 4; ii++ {
		buf = strconv.AppendUint(buf, uint64(byte(ip>>(24-8*ii))), 10)
		if ii == 3 && delim == '.' {
			buf = append(buf, '|')
		} else {
			buf = append(buf, delim)
		}
	}

	if len(buf) > FTP_ADDR_MAX {
		return nil, false
	}
	return buf, true
}

// Read a decimal field of at most FTP_FIELD_MAX characters ending with term.
// Only leading digits count, eg. "136)." reads as 136.
func ftp_field(arg []byte, pos int, term byte) (int, int, bool) {

	beg := pos
	for pos < len(arg) && arg[pos] != term {
		if pos-beg >= FTP_FIELD_MAX {
			return 0, pos, false
		}
		pos++
	}
	if pos >= len(arg) {
		return 0, pos, false
	}

	field := arg[beg:pos]
	digits := 0
	for digits < len(field) && field[digits] >= '0' && field[digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return 0, pos, false
	}
	val, err := strconv.Atoi(string(field[:digits]))
	if err != nil {
		return 0, pos, false
	}
	return val, pos, true
}

// Extract the port from the command argument at offset argoff of payload.
func ftp_parse_port(payload []byte, argoff int, cmd int, delim byte) (uint16, bool) {

	pos := argoff

	// skip address

	for ii := 0; ii < 4; ii++ {
		for pos < len(payload) && payload[pos] != delim && payload[pos] != '.' {
			pos++
		}
		if pos >= len(payload) {
			return 0, false
		}
		pos++
	}

	if cmd == FTP_EPRT_CMD {
		port, _, ok := ftp_field(payload, pos, delim)
		if !ok || port > 0xffff {
			return 0, false
		}
		return uint16(port), true
	}

	hi, pos, ok := ftp_field(payload, pos, delim)
	if !ok || hi > 0xff {
		return 0, false
	}
	lo, _, ok := ftp_field(payload, pos+1, '\r')
	if !ok || lo > 0xff {
		return 0, false
	}
	return uint16(hi<<8 | lo), true
}

// Rewrite PORT, EPRT, and PASV reply leaving the internal network. The
// segment belongs to control connection tcp_ix. Returns COMPUTE_CHECKSUM if
// the payload was rewritten, NO_NAT if the segment carries no such command.
func (n *Nat) ftp_translate(pb *PktBuf, p *Parsed, tcp_ix int, old []byte, dev Device) Status {

	off := p.ihl + p.tran_hlen
	if pb.len() <= off {
		return NAT_NO_NAT
	}
	payload := pb.pkt[pb.data+off : pb.tail]

	var cmd, argoff int
	var delim byte

	switch {
	case bytes.HasPrefix(payload, []byte("PORT ")):
		cmd, argoff, delim = FTP_PORT_CMD, FTP_PORT_ARG, ','
	case bytes.HasPrefix(payload, []byte("127 ")):
		cmd, argoff, delim = FTP_PASV_CMD, FTP_PASV_ARG, ','
	case bytes.HasPrefix(payload, []byte("EPRT ")):
		if !bytes.HasPrefix(payload[5:], []byte("|1|")) {
			return NAT_NO_NAT // IPv6 or unknown family
		}
		cmd, argoff, delim = FTP_EPRT_CMD, FTP_EPRT_ARG, '|'
	default:
		return NAT_NO_NAT
	}

	port, ok := ftp_parse_port(payload, argoff, cmd, delim)
	if !ok {
		log.debug("ftp alg: malformed command from %v:%v, ignoring", p.src, p.sport)
		return NAT_NO_NAT
	}

	data_ix := n.add_entry(TCP, p.src, port, p.dst, FTP_DATA_PORT, dev, nil)
	if data_ix < 0 {
		log.err("ftp alg: no room for data connection %v:%v", p.src, port)
		return NAT_NO_MEMORY
	}
	ext_port := n.ext_port(&n.tcp.ents[data_ix])

	// build replacement text

	var text []byte
	var ok_addr bool
	if cmd == FTP_EPRT_CMD {
		text, ok_addr = ftp_compute_addr(n.ext_dev.addr(), '.')
		text = strconv.AppendUint(text, uint64(ext_port), 10)
		text = append(text, '|')
	} else {
		text, ok_addr = ftp_compute_addr(n.ext_dev.addr(), delim)
		text = strconv.AppendUint(text, uint64(ext_port>>8), 10)
		text = append(text, ',')
		text = strconv.AppendUint(text, uint64(ext_port&0xff), 10)
	}
	if !ok_addr {
		n.delete_entry(TCP, data_ix)
		return NAT_NO_NAT
	}
	text = append(text, '\r', '\n')

	new_len := off + argoff + len(text)
	delta := int32(new_len - pb.len())

	fix := n.find_ftp_entry(p.side, p.src, p.sport, p.dst, p.dport, n.tcp.ents[tcp_ix].pmap)
	if fix < 0 {
		if delta != 0 && n.add_ftp_entry(tcp_ix, delta) < 0 {
			log.err("ftp alg: no room for control connection %v:%v", p.src, p.sport)
			n.delete_entry(TCP, data_ix)
			return NAT_NO_MEMORY
		}
	} else {
		ent := &n.ftp.ents[fix]
		ftp_adjust_seq(pb, p.ihl, ent.side, ent.delta)
		ent.delta += delta
	}

	// splice

	pb.grow(new_len)
	copy(pb.pkt[pb.data+off+argoff:], text)
	pb.tail = pb.data + new_len

	pkt := pb.ip()
	be.PutUint16(pkt[IPv4_LEN:IPv4_LEN+2], uint16(new_len))
	adjust_csum(pkt[IPv4_CSUM:IPv4_CSUM+2], old[IPv4_LEN:IPv4_LEN+2], pkt[IPv4_LEN:IPv4_LEN+2])

	if cli.debug["alg_ftp"] {
		log.debug("ftp alg: %v:%v data port %v -> %v:%v delta(%v)", p.src, p.sport, port,
			n.ext_dev.addr(), ext_port, delta)
	}

	return NAT_COMPUTE_CHECKSUM
}

// Apply the accumulated sequence delta to a control connection segment that
// carries no command.
func (n *Nat) ftp_renumber(pb *PktBuf, p *Parsed, tcp_ix int) Status {

	fix := n.find_ftp_entry(p.side, p.src, p.sport, p.dst, p.dport, n.tcp.ents[tcp_ix].pmap)
	if fix < 0 {
		return NAT_SUCCESS
	}
	ent := &n.ftp.ents[fix]
	if ent.delta != 0 {
		ftp_adjust_seq(pb, p.ihl, ent.side, ent.delta)
	}
	return NAT_SUCCESS
}
