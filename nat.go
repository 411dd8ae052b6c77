/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"sync"
	"time"
)

/* Address translation

Packets arrive from internal devices (hosts on private networks behind the
gateway) or from the external device (the one facing the Internet). Internal
packets leaving through the external device have their source replaced with
the address of the external device and an external port owned by a translation
entry. External packets addressed to an external port of a live entry have
their destination restored to the internal host.

	           ┏━━━━━━━━━━━━━┓    ╭────────╮    ┏━━━━━━━━━━━━━┓
	 int ─▷────┨ recv_int    ┠─▷──┤        ├─▷──┨ ext output  ┠────▷─ ext
	 ifc       ┗━━━━━━━━━━━━━┛    │  nat   │    ┗━━━━━━━━━━━━━┛       ifc
	 int ─◁────┨ int output  ┠─◁──┤        ├─◁──┨ recv_ext    ┠────◁─ ext
	           ┗━━━━━━━━━━━━━┛    ╰────────╯    ┗━━━━━━━━━━━━━┛

All tables are owned by the Nat value and guarded by its mutex. Translation
runs to completion for each packet. Timer events are applied by a separate
goroutine under the same mutex.
*/

type Status int

const (
	NAT_SUCCESS Status = iota
	NAT_NO_NAT
	NAT_NO_MEMORY
	NAT_NO_ENTRY
	NAT_NO_ROUTE
	NAT_ICMP_TIMXCEED
	NAT_COMPUTE_CHECKSUM
	NAT_INVAL_PARM
	NAT_MSGSIZE
	NAT_NO_DATA_TRANSFER
)

var status_names = map[Status]string{
	NAT_SUCCESS:          "success",
	NAT_NO_NAT:           "no nat",
	NAT_NO_MEMORY:        "no memory",
	NAT_NO_ENTRY:         "no entry",
	NAT_NO_ROUTE:         "no route",
	NAT_ICMP_TIMXCEED:    "icmp time exceeded",
	NAT_COMPUTE_CHECKSUM: "compute checksum",
	NAT_INVAL_PARM:       "invalid parameter",
	NAT_MSGSIZE:          "message size",
	NAT_NO_DATA_TRANSFER: "no data transfer",
}

func (s Status) String() string {

	if name, ok := status_names[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

const (
	NAT_INTERNAL = 1
	NAT_EXTERNAL = 2
)

// Device is a network interface packets are received from and sent to.
// Output writes the packet synchronously, the buffer remains with the caller.
type Device interface {
	name() string
	addr() IP32
	mask() IP32
	mtu() int
	up() bool
	output(pb *PktBuf, nexthop IP32) error
}

type NatConfig struct {
	min_port      int
	max_conns     int // slots per tcp and udp table, also the number of ports
	max_icmp      int
	max_ftp       int
	tcp_timeout   uint32 // seconds
	udp_timeout   uint32
	icmp_timeout  uint32
	conn_timeout  time.Duration // tcp handshake and close handshake
	close_timeout time.Duration // tcp linger after close or reset
}

func default_nat_config() NatConfig {

	return NatConfig{
		min_port:      61000,
		max_conns:     1024,
		max_icmp:      64,
		max_ftp:       32,
		tcp_timeout:   7440,
		udp_timeout:   300,
		icmp_timeout:  60,
		conn_timeout:  240 * time.Second,
		close_timeout: 30 * time.Second,
	}
}

func (cfg *NatConfig) validate() error {

	switch {
	case cfg.min_port <= 0 || cfg.max_conns <= 0 || cfg.min_port+cfg.max_conns > 0x10000:
		return fmt.Errorf("%w: port range %v..%v", errInvalParm, cfg.min_port, cfg.min_port+cfg.max_conns-1)
	case cfg.max_icmp <= 0 || cfg.max_ftp <= 0:
		return fmt.Errorf("%w: table sizes icmp(%v) ftp(%v)", errInvalParm, cfg.max_icmp, cfg.max_ftp)
	case cfg.tcp_timeout == 0 || cfg.udp_timeout == 0 || cfg.icmp_timeout == 0:
		return fmt.Errorf("%w: zero timeout", errInvalParm)
	case cfg.conn_timeout <= 0 || cfg.close_timeout <= 0:
		return fmt.Errorf("%w: zero tcp timer", errInvalParm)
	}
	return nil
}

type Nat struct {
	mtx         sync.Mutex
	initialized bool
	cfg         NatConfig
	int_devs    []Device
	ext_dev     Device
	ports       PortList
	tcp         ConnTable
	udp         ConnTable
	icmp        IcmpTable
	ftp         FtpTable
	portmaps    PortmapTable
	clock       Clock
	timers      *Timers
	routes      *Routes
	frags       *Reassembler
	icmperr     *IcmpErr
	persist     func(cmd int, rec PortmapRec) // portmap changes, may be nil
	scratch     [ICMP_ENCAP_MAX_LEN]byte      // header snapshot of the packet in translation
}

// Allocate tables and start periodic sweeps. Tables of a previous run are
// discarded.
func (n *Nat) nat_init(cfg NatConfig, int_devs []Device, ext_dev Device, routes *Routes, icmperr *IcmpErr, clock Clock) error {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	if n.initialized {
		n.cleanup()
	}

	if err := cfg.validate(); err != nil {
		return err
	}
	if ext_dev == nil || len(int_devs) == 0 {
		return fmt.Errorf("%w: missing internal or external device", errInvalParm)
	}
	for _, dev := range int_devs {
		if dev == nil || dev.name() == ext_dev.name() {
			return fmt.Errorf("%w: invalid internal device", errInvalParm)
		}
	}
	if routes == nil || clock == nil {
		return fmt.Errorf("%w: missing routes or clock", errInvalParm)
	}

	n.cfg = cfg
	n.int_devs = append([]Device(nil), int_devs...)
	n.ext_dev = ext_dev
	n.routes = routes
	n.icmperr = icmperr
	n.clock = clock

	n.ports.init(cfg.min_port, cfg.max_conns)
	n.tcp.init(TCP, cfg.max_conns)
	n.udp.init(UDP, cfg.max_conns)
	n.icmp.init(cfg.max_icmp)
	n.ftp.init(cfg.max_ftp)
	n.portmaps = PortmapTable{}

	frags, err := new_reassembler(FRAG_MAX_QUEUES)
	if err != nil {
		return err
	}
	n.frags = frags

	n.timers = new_timers(PKTQLEN)
	go n.timer_events(n.timers)

	n.timers.set(TMR_CLEANUP_TCP, 0, 0, time.Duration(cfg.tcp_timeout)*time.Second)
	n.timers.set(TMR_CLEANUP_UDP, 0, 0, time.Duration(cfg.udp_timeout)*time.Second)
	n.timers.set(TMR_CLEANUP_ICMP, 0, 0, time.Duration(cfg.icmp_timeout)*time.Second)

	n.initialized = true

	log.info("nat: external %v %v, ports %v..%v", ext_dev.name(), ext_dev.addr(),
		cfg.min_port, cfg.min_port+cfg.max_conns-1)
	for _, dev := range int_devs {
		log.info("nat: internal %v %v", dev.name(), prefix_of(dev.addr(), dev.mask()))
	}

	return nil
}

func is_subnet_bcast(ip IP32, dev Device) bool {

	mask := dev.mask()
	return mask != 0xffffffff && mask != 0xfffffffe && ip == dev.addr()|^mask
}

func (n *Nat) is_internal(dev Device) bool {

	for _, idev := range n.int_devs {
		if idev.name() == dev.name() {
			return true
		}
	}
	return false
}

// Translate a packet received on dev. The packet buffer is never taken over,
// the caller returns it to the pool. Returns NO_NAT if the packet should be
// forwarded untranslated.
func (n *Nat) translate(dev Device, pb *PktBuf) Status {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	if !n.initialized {
		return NAT_NO_NAT
	}

	pkt := pb.ip()
	if len(pkt) < IPv4_HDR_MIN_LEN || pkt[IP_VER]&0xf0 != 0x40 {
		return NAT_NO_NAT
	}
	dst := pb.dst()

	// broadcast and multicast are never translated

	if pb.bcast || dst.is_mcast() || dst == 0xffffffff || is_subnet_bcast(dst, dev) {
		return NAT_NO_NAT
	}

	if pkt[IPv4_TTL] <= 1 {
		n.send_icmp_err(pkt, dev, ICMP_TIMXCEED, 0, 0)
		return NAT_ICMP_TIMXCEED
	}

	side := NAT_EXTERNAL
	no_nat := false
	for _, idev := range n.int_devs {
		if idev.up() && idev.addr()&idev.mask() == dst&idev.mask() {
			no_nat = true
		}
		if idev.name() == dev.name() {
			side = NAT_INTERNAL
		}
	}
	if no_nat {
		if side == NAT_EXTERNAL {
			return NAT_NO_ENTRY
		}
		return NAT_NO_NAT
	}

	if side == NAT_EXTERNAL {
		if dst != n.ext_dev.addr() {
			return NAT_NO_NAT
		}
	} else if dst == dev.addr() || dst == n.ext_dev.addr() {
		return NAT_NO_NAT
	}

	if be.Uint16(pkt[IPv4_FRAG:IPv4_FRAG+2])&(IPv4_MF|IPv4_FRAG_OFF) != 0 {
		switch n.frags.reassemble(pb) {
		case FRAG_DONE:
			if cli.debug["nat"] {
				log.debug("nat: reassembled %v", pb.pp_pkt())
			}
		case FRAG_PENDING:
			return NAT_SUCCESS
		default:
			return NAT_SUCCESS // dropped
		}
	}

	p, status := parse_packet(pb, side)
	if status != NAT_SUCCESS {
		if cli.debug["nat"] {
			log.debug("nat: cannot parse %v", pb.pp_pkt())
		}
		return status
	}

	// find or create the entry

	ix := -1
	icmp_ix := -1
	stateless := false
	var pm *PortmapEntry

	switch p.proto {

	case ICMP:

		ix = n.find_entry(p.icmp.proto, side, p.icmp.dst, p.icmp.dport, p.icmp.src, p.icmp.sport, nil)
		if ix >= 0 {
			break
		}
		if side == NAT_EXTERNAL {
			icmp_ix = n.find_icmp_entry(p.src, p.icmp.type_bit, p.icmp.seq)
			break
		}
		switch icmp_ix = n.add_icmp_entry(p.src, p.dst, p.icmp.type_bit, p.icmp.seq, dev); icmp_ix {
		case -1:
			log.err("nat: icmp table full, dropping icmp from %v", p.src)
			n.send_icmp_err(pb.ip(), dev, ICMP_SOURCEQUENCH, 0, 0)
			return NAT_NO_MEMORY
		case -2:
			stateless = true // not a query, translate source only
		}

	case TCP, UDP:

		if side == NAT_EXTERNAL {

			pm = n.find_portmap_entry(p.proto, side, p.src, p.sport, p.dst, p.dport)
			ix = n.find_entry(p.proto, side, p.src, p.sport, p.dst, p.dport, pm)
			if ix >= 0 {
				break
			}
			if pm == nil {
				return NAT_NO_NAT
			}
			n.update_portmap_table(pm)
			ix = n.add_entry(p.proto, pm.int_ip, pm.int_port, p.src, p.sport, pm.dev, pm)
			if ix < 0 {
				log.err("nat: %v table full, dropping %v:%v -> %v", ip_proto_name(p.proto), p.src, p.sport, pm.ext_port)
				n.send_icmp_err(pb.ip(), dev, ICMP_UNREACH, ICMP_UNREACH_PORT, 0)
				return NAT_NO_MEMORY
			}

		} else {

			ix = n.find_entry(p.proto, side, p.src, p.sport, p.dst, p.dport, nil)
			if ix >= 0 {
				break
			}
			pm = n.find_portmap_entry(p.proto, side, p.src, p.sport, p.dst, p.dport)
			ix = n.add_entry(p.proto, p.src, p.sport, p.dst, p.dport, dev, pm)
			if ix < 0 {
				log.err("nat: %v table full, dropping %v:%v -> %v:%v", ip_proto_name(p.proto), p.src, p.sport, p.dst, p.dport)
				n.send_icmp_err(pb.ip(), dev, ICMP_SOURCEQUENCH, 0, 0)
				return NAT_NO_MEMORY
			}
		}
	}

	if ix < 0 && icmp_ix < 0 && !stateless {
		return NAT_NO_NAT
	}

	var conn *ConnEntry
	if ix >= 0 {
		if p.proto == ICMP {
			conn = &n.table(p.icmp.proto).ents[ix]
		} else {
			conn = &n.table(p.proto).ents[ix]
		}
	}

	// snapshot of the header before any change

	pkt = pb.ip()
	old := n.scratch[:min(len(pkt), len(n.scratch))]
	copy(old, pkt)

	status = n.alg_modify_payload(pb, &p, ix, old, dev)
	if status == NAT_NO_MEMORY {
		return status
	}
	pkt = pb.ip() // alg may have replaced the buffer

	// rebuild header

	var ip IP32 // internal destination
	var odev Device

	if side == NAT_INTERNAL {

		n.ext_dev.addr().put(pkt[IPv4_SRC:])
		if conn != nil && p.proto != ICMP {
			be.PutUint16(pkt[p.ihl+TCP_SPORT:p.ihl+TCP_SPORT+2], n.ext_port(conn))
		}

	} else if conn != nil {

		ip = conn.int_ip
		odev = conn.dev
		ip.put(pkt[IPv4_DST:])
		if p.proto != ICMP {
			be.PutUint16(pkt[p.ihl+TCP_DPORT:p.ihl+TCP_DPORT+2], conn.int_port)
		}

	} else {

		ient := &n.icmp.ents[icmp_ix]
		ip = ient.int_ip
		odev = ient.dev
		ip.put(pkt[IPv4_DST:])
		n.delete_icmp_entry(icmp_ix)
	}

	// checksums

	if status == NAT_COMPUTE_CHECKSUM {
		tcp := pkt[p.ihl:]
		be.PutUint16(tcp[TCP_CSUM:TCP_CSUM+2], 0)
		csum := tran_csum(tcp, ip32_from_slice(pkt[IPv4_SRC:]), ip32_from_slice(pkt[IPv4_DST:]), TCP)
		be.PutUint16(tcp[TCP_CSUM:TCP_CSUM+2], csum)
	} else {
		adjust_tran_csum(pkt, &p, old)
	}

	if side == NAT_INTERNAL {
		adjust_csum(pkt[IPv4_CSUM:IPv4_CSUM+2], old[IPv4_SRC:IPv4_SRC+4], pkt[IPv4_SRC:IPv4_SRC+4])
	} else {
		adjust_csum(pkt[IPv4_CSUM:IPv4_CSUM+2], old[IPv4_DST:IPv4_DST+4], pkt[IPv4_DST:IPv4_DST+4])
	}

	pkt[IPv4_TTL]--
	adjust_csum(pkt[IPv4_CSUM:IPv4_CSUM+2], old[IPv4_TTL:IPv4_TTL+2], pkt[IPv4_TTL:IPv4_TTL+2])

	if cli.trace {
		pb.pp_net("nat out:  ")
		pb.pp_tran("nat out:  ")
	}

	status = n.transmit(pb, &p, ip, odev, dev, old)

	switch status {
	case NAT_SUCCESS:
		if p.proto == TCP && conn != nil {
			n.update_tcp(p.flags, ix)
		}
	case NAT_NO_NAT:
	default:
		if cli.debug["nat"] {
			log.debug("nat: transmit failed: %v", status)
		}
		status = NAT_SUCCESS
	}

	return status
}

// Patch tcp or udp checksum after the port and address of one side changed.
// A udp checksum of zero means none and stays that way.
func adjust_tran_csum(pkt []byte, p *Parsed, old []byte) {

	var csum_off int

	switch p.proto {
	case TCP:
		csum_off = p.ihl + TCP_CSUM
	case UDP:
		csum_off = p.ihl + UDP_CSUM
		if be.Uint16(pkt[csum_off:csum_off+2]) == 0 {
			return
		}
	default:
		return
	}

	port_off := p.ihl + TCP_DPORT
	addr_off := IPv4_DST
	if p.side == NAT_INTERNAL {
		port_off = p.ihl + TCP_SPORT
		addr_off = IPv4_SRC
	}

	field := pkt[csum_off : csum_off+2]
	adjust_csum(field, old[port_off:port_off+2], pkt[port_off:port_off+2])
	adjust_csum(field, old[addr_off:addr_off+4], pkt[addr_off:addr_off+4])

	if p.proto == UDP && be.Uint16(field) == 0 {
		be.PutUint16(field, 0xffff)
	}
}

// Route and send a translated packet. Packets from the internal side go where
// the route to their destination points. Packets from the external side go out
// the internal device of their entry (odev) towards internal address ip. Packets
// larger than the device mtu are fragmented unless DF is set in which case the
// source is told the mtu. The rdev is the device the packet was received on.
func (n *Nat) transmit(pb *PktBuf, p *Parsed, ip IP32, odev, rdev Device, old []byte) Status {

	dst := ip
	if p.side == NAT_INTERNAL {
		dst = pb.dst()
	}

	rt, ok := n.routes.lookup(dst)
	if !ok {
		if cli.debug["nat"] {
			log.debug("nat: no route to %v", dst)
		}
		return NAT_NO_NAT
	}
	if p.side == NAT_INTERNAL {
		odev = rt.dev
	}
	if odev == nil {
		return NAT_INVAL_PARM
	}
	nexthop := dst
	if rt.gw != 0 {
		nexthop = rt.gw
	}

	pkt := pb.ip()
	mtu := odev.mtu()

	if len(pkt) > mtu {

		if be.Uint16(pkt[IPv4_FRAG:IPv4_FRAG+2])&IPv4_DF != 0 {
			n.send_icmp_err(old, rdev, ICMP_UNREACH, ICMP_UNREACH_NEEDFRAG, mtu)
			return NAT_MSGSIZE
		}

		frags, err := ip_fragment(pkt, mtu)
		if err != nil {
			log.err("nat: cannot fragment %v: %v", pb.pp_pkt(), err)
			return NAT_NO_DATA_TRANSFER
		}
		for _, frag := range frags {
			fpb := PktBuf{pkt: frag, tail: len(frag), ifc: pb.ifc}
			if err := odev.output(&fpb, nexthop); err != nil {
				log.err("nat: %v output error: %v", odev.name(), err)
				return NAT_NO_DATA_TRANSFER
			}
		}
		return NAT_SUCCESS
	}

	if err := odev.output(pb, nexthop); err != nil {
		log.err("nat: %v output error: %v", odev.name(), err)
		return NAT_NO_DATA_TRANSFER
	}
	return NAT_SUCCESS
}

func (n *Nat) send_icmp_err(pkt []byte, rdev Device, typ, code byte, mtu int) {

	if n.icmperr != nil {
		n.icmperr.send(pkt, rdev, typ, code, mtu)
	}
}

func (n *Nat) handle_timer(ev TimerEvent) {

	if !n.initialized {
		return
	}

	if cli.debug["nat"] {
		log.debug("nat: timer %v[%v] gen(%v)", timer_names[ev.kind], ev.ix, ev.gen)
	}

	switch ev.kind {

	case TMR_CLEANUP_TCP:
		n.cleanup_tcp()

	case TMR_CLEANUP_UDP:
		n.cleanup_udp()

	case TMR_CLEANUP_ICMP:
		n.cleanup_icmp()

	case TMR_TCP_CONN, TMR_TCP_CLOSE:
		if ev.ix < 0 || ev.ix >= len(n.tcp.ents) {
			return
		}
		ent := &n.tcp.ents[ev.ix]
		if ent.timeout == 0 || ent.gen != ev.gen {
			return // slot freed or reused since
		}
		n.delete_entry(TCP, ev.ix)
	}
}

func (n *Nat) timer_events(t *Timers) {

	for {
		select {
		case ev := <-t.events:
			n.mtx.Lock()
			if n.timers == t {
				n.handle_timer(ev)
			}
			n.mtx.Unlock()
		case <-t.done:
			return
		}
	}
}

// Free all tables and stop timers. Must be called with the lock held.
func (n *Nat) cleanup() {

	if !n.initialized {
		return
	}
	n.initialized = false

	if n.timers != nil {
		n.timers.stop_all()
	}
	if n.frags != nil {
		n.frags.purge()
	}

	n.portmaps = PortmapTable{}
	n.ports = PortList{}
	n.tcp = ConnTable{}
	n.udp = ConnTable{}
	n.icmp = IcmpTable{}
	n.ftp = FtpTable{}
	n.int_devs = nil

	log.info("nat: tables released")
}

// Stop translation. Waits for any packet in translation to finish.
func (n *Nat) shutdown() Status {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.cleanup()
	return NAT_SUCCESS
}

// Nat cannot run with a partial set of devices. Removing any of its devices
// shuts it down.
func (n *Nat) remove_interface(name string) {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	if !n.initialized {
		return
	}

	found := n.ext_dev.name() == name
	for _, dev := range n.int_devs {
		if dev.name() == name {
			found = true
		}
	}
	if found {
		log.info("nat: interface %v removed, stopping", name)
		n.cleanup()
	}
}

func (n *Nat) used_tcp() int {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.tcp.used()
}

func (n *Nat) used_udp() int {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.udp.used()
}

func (n *Nat) used_icmp() int {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.icmp.used()
}

func (n *Nat) portmap_total() int {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.portmaps.total()
}

func (n *Nat) free_ports(proto byte) int {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.ports.free_count(proto)
}
