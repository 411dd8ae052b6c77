/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"time"
)

/* Translation tables

Each protocol has a fixed size table of slots. A slot with zero timeout is
free. A live slot maps an internal endpoint talking to a remote endpoint onto
an external port of the external device. The external port is either owned by
the entry through the port list (port_ix) or comes from a portmap entry when
an internal server is published on a fixed external port.

Free slots are found the same way as free ports: a hint points at a slot
believed to be free and is recomputed with a forward scan after each insert.

tcp entries follow a simplified connection state machine:

	NEW --SYN--> SYN_SENT --ACK--> ESTABLISHED --FIN--> FIN_WAIT_1 --ACK--> CLOSING
	any --RST--> CLOSED

SYN_SENT and FIN_WAIT_1 run the connection timer, CLOSING and CLOSED run the
close timer. Either timer deletes the entry when it fires.
*/

const (
	TCP_NEW = iota - 1
	_
	TCP_SYN_SENT
	TCP_ESTABLISHED
	TCP_FIN_WAIT_1
	TCP_CLOSING
	TCP_CLOSED
)

var tcp_states = map[int]string{
	TCP_NEW:         "new",
	TCP_SYN_SENT:    "syn sent",
	TCP_ESTABLISHED: "established",
	TCP_FIN_WAIT_1:  "fin wait 1",
	TCP_CLOSING:     "closing",
	TCP_CLOSED:      "closed",
}

type ConnEntry struct {
	int_ip   IP32
	int_port uint16
	dst_ip   IP32
	dst_port uint16
	port_ix  int           // port list index, -1 if published through portmap
	pmap     *PortmapEntry // nil unless published through portmap
	dev      Device        // internal device of the internal endpoint
	state    int           // tcp only
	timeout  uint32        // time of last use, 0 if slot is free
	ftp_ix   int           // tcp only, ftp alg entry or -1
	gen      uint32        // slot generation, changes with every insert
}

type ConnTable struct {
	proto byte
	ents  []ConnEntry
	next  int
	gen   uint32
}

func (ct *ConnTable) init(proto byte, size int) {

	ct.proto = proto
	ct.ents = make([]ConnEntry, size)
	for ix := range ct.ents {
		ct.ents[ix] = ConnEntry{port_ix: -1, state: TCP_NEW, ftp_ix: -1}
	}
	ct.next = -1
	ct.gen = 0
}

func (ct *ConnTable) used() int {

	cnt := 0
	for ix := range ct.ents {
		if ct.ents[ix].timeout != 0 {
			cnt++
		}
	}
	return cnt
}

func (n *Nat) table(proto byte) *ConnTable {

	switch proto {
	case TCP:
		return &n.tcp
	case UDP:
		return &n.udp
	}
	return nil
}

// external port used by the entry
func (n *Nat) ext_port(ent *ConnEntry) uint16 {

	if ent.pmap != nil {
		return ent.pmap.ext_port
	}
	return uint16(n.ports.ents[ent.port_ix].port)
}

// Find a live entry for the flow. Packets from the external side are looked
// up by the external port they are addressed to, either through the port list
// or, if a portmap entry is given, among entries published through portmap.
// Packets from the internal side match on the full tuple. A match refreshes
// the entry.
func (n *Nat) find_entry(proto byte, side int, src IP32, sport uint16, dst IP32, dport uint16, pm *PortmapEntry) int {

	ct := n.table(proto)
	if ct == nil {
		return -1
	}
	now := n.clock.now()

	if side == NAT_EXTERNAL {

		if dst != n.ext_dev.addr() {
			return -1
		}

		if pm == nil {

			pix := n.ports.index(int(dport))
			if pix < 0 {
				return -1
			}
			ix := n.ports.owner(proto, pix)
			if ix < 0 || ix >= len(ct.ents) {
				return -1
			}
			ent := &ct.ents[ix]
			if ent.timeout == 0 || ent.port_ix != pix || ent.dst_port != sport || ent.dst_ip != src {
				return -1 // stale
			}
			ent.timeout = now
			return ix
		}

		for ix := range ct.ents {
			ent := &ct.ents[ix]
			if ent.timeout != 0 &&
				ent.pmap != nil &&
				ent.pmap.proto == proto &&
				ent.pmap.ext_port == dport &&
				ent.dst_port == sport &&
				ent.dst_ip == src {

				ent.timeout = now
				return ix
			}
		}
		return -1
	}

	for ix := range ct.ents {
		ent := &ct.ents[ix]
		if ent.timeout != 0 &&
			ent.dst_port == dport &&
			ent.int_port == sport &&
			ent.dst_ip == dst &&
			ent.int_ip == src {

			ent.timeout = now
			return ix
		}
	}
	return -1
}

// Insert a new entry for a flow between internal src and remote dst. Unless
// published through portmap, an external port is allocated. Returns the slot
// index or -1 if there is no free slot or no free port.
func (n *Nat) add_entry(proto byte, src IP32, sport uint16, dst IP32, dport uint16, dev Device, pm *PortmapEntry) int {

	ct := n.table(proto)
	if ct == nil {
		return -1
	}
	num := len(ct.ents)

	ix := ct.next
	if ix < 0 || ix >= num || ct.ents[ix].timeout != 0 {
		ix = -1
		for ii := range ct.ents {
			if ct.ents[ii].timeout == 0 {
				ix = ii
				break
			}
		}
	}
	if ix < 0 {
		return -1
	}

	port_ix := -1
	if pm == nil {
		if port_ix = n.ports.assign(proto); port_ix < 0 {
			return -1
		}
		n.ports.set_owner(proto, port_ix, ix)
	}

	ct.gen++
	ct.ents[ix] = ConnEntry{
		int_ip:   src,
		int_port: sport,
		dst_ip:   dst,
		dst_port: dport,
		port_ix:  port_ix,
		pmap:     pm,
		dev:      dev,
		state:    TCP_NEW,
		timeout:  n.clock.now(),
		ftp_ix:   -1,
		gen:      ct.gen,
	}

	ct.next = -1
	next := ix + 1
	for ii := 0; ii < num-1; ii, next = ii+1, next+1 {
		if next >= num {
			next = 0
		}
		if ct.ents[next].timeout == 0 {
			ct.next = next
			break
		}
	}

	if cli.debug["xlate"] {
		log.debug("xlate: add %v[%v] %v:%v -> %v:%v ext port(%v)", ip_proto_name(proto), ix,
			src, sport, dst, dport, n.ext_port(&ct.ents[ix]))
	}

	return ix
}

// Free a live entry together with its port and ftp alg state. Deleting a free
// slot or deleting when nat is not running does nothing.
func (n *Nat) delete_entry(proto byte, ix int) {

	if !n.initialized {
		return
	}
	ct := n.table(proto)
	if ct == nil || ix < 0 || ix >= len(ct.ents) {
		return
	}
	ent := &ct.ents[ix]
	if ent.timeout == 0 {
		return
	}

	if ent.port_ix >= 0 && n.ports.owner(proto, ent.port_ix) == ix {
		n.ports.free(proto, ent.port_ix)
	}
	if proto == TCP {
		if ent.ftp_ix >= 0 {
			n.delete_ftp_entry(ent.ftp_ix)
		}
		n.timers.unset(TMR_TCP_CONN, ix)
		n.timers.unset(TMR_TCP_CLOSE, ix)
	}

	if cli.debug["xlate"] {
		log.debug("xlate: delete %v[%v] %v:%v -> %v:%v", ip_proto_name(proto), ix,
			ent.int_ip, ent.int_port, ent.dst_ip, ent.dst_port)
	}

	*ent = ConnEntry{port_ix: -1, state: TCP_NEW, ftp_ix: -1}
}

// Advance tcp state of an entry according to control bits of a packet that
// has just been forwarded.
func (n *Nat) update_tcp(flags byte, ix int) {

	if ix < 0 || ix >= len(n.tcp.ents) {
		return
	}
	ent := &n.tcp.ents[ix]
	prev := ent.state

	if flags&TCP_RST != 0 {

		if ent.state != TCP_CLOSED {
			switch ent.state {
			case TCP_SYN_SENT, TCP_FIN_WAIT_1, TCP_CLOSING:
				// already timing out
			default:
				n.timers.set(TMR_TCP_CLOSE, ix, ent.gen, n.cfg.close_timeout)
			}
			ent.state = TCP_CLOSED
		}

	} else {

		switch ent.state {
		case TCP_NEW:
			if flags&TCP_SYN != 0 {
				ent.state = TCP_SYN_SENT
				n.timers.set(TMR_TCP_CONN, ix, ent.gen, n.cfg.conn_timeout)
			}
		case TCP_SYN_SENT:
			if flags&TCP_ACKF != 0 {
				ent.state = TCP_ESTABLISHED
				n.timers.unset(TMR_TCP_CONN, ix)
			}
		case TCP_ESTABLISHED:
			if flags&TCP_FIN != 0 {
				ent.state = TCP_FIN_WAIT_1
				n.timers.set(TMR_TCP_CONN, ix, ent.gen, n.cfg.conn_timeout)
			}
		case TCP_FIN_WAIT_1:
			if flags&TCP_ACKF != 0 {
				ent.state = TCP_CLOSING
				n.timers.unset(TMR_TCP_CONN, ix)
				n.timers.set(TMR_TCP_CLOSE, ix, ent.gen, n.cfg.close_timeout)
			}
		}
	}

	if cli.debug["xlate"] && prev != ent.state {
		log.debug("xlate: tcp[%v] %v -> %v", ix, tcp_states[prev], tcp_states[ent.state])
	}
}

/* ICMP queries

Outbound echo, timestamp, and information requests get an entry recording the
internal host. Replies are matched by the remote address, the sequence number,
and the reply type. Each entry also accepts unreachable, time exceeded, and
parameter problem messages. An entry is consumed by the first reply.
*/

const (
	ICMP_ECHOREPLY    = 0
	ICMP_UNREACH      = 3
	ICMP_SOURCEQUENCH = 4
	ICMP_REDIRECT     = 5
	ICMP_ECHO         = 8
	ICMP_TIMXCEED     = 11
	ICMP_PARAPROB     = 12
	ICMP_TSTAMP       = 13
	ICMP_TSTAMPREPLY  = 14
	ICMP_IREQ         = 15
	ICMP_IREQREPLY    = 16
)

const (
	ICMP_BIT_ECHOREPLY    = 1 << ICMP_ECHOREPLY
	ICMP_BIT_UNREACH      = 1 << ICMP_UNREACH
	ICMP_BIT_SOURCEQUENCH = 1 << ICMP_SOURCEQUENCH
	ICMP_BIT_ECHO         = 1 << ICMP_ECHO
	ICMP_BIT_TIMXCEED     = 1 << ICMP_TIMXCEED
	ICMP_BIT_PARAPROB     = 1 << ICMP_PARAPROB
	ICMP_BIT_TSTAMP       = 1 << ICMP_TSTAMP
	ICMP_BIT_TSTAMPREPLY  = 1 << ICMP_TSTAMPREPLY
	ICMP_BIT_IREQ         = 1 << ICMP_IREQ
	ICMP_BIT_IREQREPLY    = 1 << ICMP_IREQREPLY

	ICMP_BIT_ERRORS = ICMP_BIT_UNREACH | ICMP_BIT_SOURCEQUENCH | ICMP_BIT_TIMXCEED | ICMP_BIT_PARAPROB
)

type IcmpEntry struct {
	int_ip     IP32
	dst_ip     IP32
	reply_mask uint32
	seq        uint16
	timeout    uint32
	dev        Device
}

type IcmpTable struct {
	ents []IcmpEntry
	next int
}

func (it *IcmpTable) init(size int) {

	it.ents = make([]IcmpEntry, size)
	it.next = -1
}

func (it *IcmpTable) used() int {

	cnt := 0
	for ix := range it.ents {
		if it.ents[ix].timeout != 0 {
			cnt++
		}
	}
	return cnt
}

// Record an outbound icmp request. Returns the slot index, -1 if the table is
// full, or -2 if the message is not a request.
func (n *Nat) add_icmp_entry(src, dst IP32, type_bit uint32, seq uint16, dev Device) int {

	reply_mask := uint32(ICMP_BIT_UNREACH | ICMP_BIT_TIMXCEED | ICMP_BIT_PARAPROB)

	switch {
	case type_bit&ICMP_BIT_ECHO != 0:
		reply_mask |= ICMP_BIT_ECHOREPLY
	case type_bit&ICMP_BIT_TSTAMP != 0:
		reply_mask |= ICMP_BIT_TSTAMPREPLY
	case type_bit&ICMP_BIT_IREQ != 0:
		reply_mask |= ICMP_BIT_IREQREPLY
	default:
		return -2
	}

	it := &n.icmp
	num := len(it.ents)

	ix := it.next
	if ix < 0 || ix >= num || it.ents[ix].timeout != 0 {
		ix = -1
		it.next = -1
		for ii := range it.ents {
			if it.ents[ii].timeout == 0 {
				if ix < 0 {
					ix = ii
				} else {
					it.next = ii
					break
				}
			}
		}
		if ix < 0 {
			return -1
		}
	} else {
		it.next = -1
		next := ix + 1
		for ii := 0; ii < num-1; ii, next = ii+1, next+1 {
			if next >= num {
				next = 0
			}
			if it.ents[next].timeout == 0 {
				it.next = next
				break
			}
		}
	}

	it.ents[ix] = IcmpEntry{
		int_ip:     src,
		dst_ip:     dst,
		reply_mask: reply_mask,
		seq:        seq,
		timeout:    n.clock.now(),
		dev:        dev,
	}

	return ix
}

// Find the request a reply coming from src answers.
func (n *Nat) find_icmp_entry(src IP32, type_bit uint32, seq uint16) int {

	for ix := range n.icmp.ents {
		ent := &n.icmp.ents[ix]
		if ent.timeout != 0 && ent.seq == seq && ent.reply_mask&type_bit != 0 && ent.dst_ip == src {
			ent.timeout = n.clock.now()
			return ix
		}
	}
	return -1
}

func (n *Nat) delete_icmp_entry(ix int) {

	if ix >= 0 && ix < len(n.icmp.ents) {
		n.icmp.ents[ix] = IcmpEntry{}
	}
}

/* Sweeps

Each table is swept periodically. Entries idle for at least the protocol
timeout are deleted. The sweep timer is re-armed with the same period
regardless of what the sweep found.
*/

func (n *Nat) cleanup_tcp() {

	if !n.initialized {
		return
	}
	now := n.clock.now()
	for ix := range n.tcp.ents {
		tout := n.tcp.ents[ix].timeout
		if tout != 0 && time_diff(now, tout) >= n.cfg.tcp_timeout {
			n.delete_entry(TCP, ix)
		}
	}
	n.timers.set(TMR_CLEANUP_TCP, 0, 0, time.Duration(n.cfg.tcp_timeout)*time.Second)
}

func (n *Nat) cleanup_udp() {

	if !n.initialized {
		return
	}
	now := n.clock.now()
	for ix := range n.udp.ents {
		tout := n.udp.ents[ix].timeout
		if tout != 0 && time_diff(now, tout) >= n.cfg.udp_timeout {
			n.delete_entry(UDP, ix)
		}
	}
	n.timers.set(TMR_CLEANUP_UDP, 0, 0, time.Duration(n.cfg.udp_timeout)*time.Second)
}

func (n *Nat) cleanup_icmp() {

	if !n.initialized {
		return
	}
	now := n.clock.now()
	for ix := range n.icmp.ents {
		tout := n.icmp.ents[ix].timeout
		if tout != 0 && time_diff(now, tout) >= n.cfg.icmp_timeout {
			n.delete_icmp_entry(ix)
		}
	}
	n.timers.set(TMR_CLEANUP_ICMP, 0, 0, time.Duration(n.cfg.icmp_timeout)*time.Second)
}
