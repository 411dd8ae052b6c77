/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mdlayher/arp"
	"github.com/mdlayher/raw"
	"golang.org/x/net/bpf"
)

/* External device

The external device is an ethernet interface opened as a packet socket. The
kernel strips the link header (SOCK_DGRAM) and a socket filter passes only
IPv4 packets addressed to the external address. The external address belongs
to the gateway alone, it is not configured in the kernel. The gateway answers
arp requests for it and resolves next hops with its own arp client.

Next hop resolution never waits. A packet to a next hop with no known link
address triggers an arp request and is dropped, same as a router with a full
resolution queue would.
*/

const (
	NEIGH_MAX = 1024
	NEIGH_TTL = 5 * time.Minute
	BPF_SNAP  = 0x40000
)

type RawDev struct {
	ifc     *net.Interface
	ip      IP32
	netmask IP32
	conn    *raw.Conn
	arpc    *arp.Client
	neigh   *expirable.LRU[IP32, net.HardwareAddr]
	isup    atomic.Bool
	recv    chan *PktBuf
}

func (rd *RawDev) name() string { return rd.ifc.Name }
func (rd *RawDev) addr() IP32   { return rd.ip }
func (rd *RawDev) mask() IP32   { return rd.netmask }
func (rd *RawDev) mtu() int     { return rd.ifc.MTU }
func (rd *RawDev) up() bool     { return rd.isup.Load() }

func (rd *RawDev) output(pb *PktBuf, nexthop IP32) error {

	if cli.debug["gw"] {
		log.debug("gw out:  %v via %v", pb.pp_pkt(), nexthop)
	}

	if cli.trace {
		pb.pp_net("gw out:  ")
		pb.pp_tran("gw out:  ")
		pb.pp_raw("gw out:  ")
	}

	mac, ok := rd.neigh.Get(nexthop)
	if !ok {
		if err := rd.arpc.Request(nexthop.addr()); err != nil {
			return fmt.Errorf("arp request for %v failed: %w", nexthop, err)
		}
		if cli.debug["gw"] {
			log.debug("gw out:  resolving %v, dropping %v", nexthop, pb.pp_pkt())
		}
		return nil
	}

	wlen, err := rd.conn.WriteTo(pb.ip(), &raw.Addr{HardwareAddr: mac})
	if err != nil {
		return fmt.Errorf("write to %v failed: %w", rd.ifc.Name, err)
	}
	if wlen != pb.len() {
		return fmt.Errorf("write to %v truncated: wlen(%v) len(%v)", rd.ifc.Name, wlen, pb.len())
	}
	return nil
}

func (rd *RawDev) receiver() {

	maxmsg := 3

	for {

		pb := <-getbuf

		rlen, addr, err := rd.conn.ReadFrom(pb.pkt[pb.data:])
		if err != nil {
			retbuf <- pb
			if !rd.isup.Load() {
				close(rd.recv)
				return
			}
			if maxmsg > 0 {
				log.err("gw in:   read from %v failed: %v", rd.ifc.Name, err)
				maxmsg--
			}
			time.Sleep(769 * time.Millisecond)
			continue
		}

		pb.tail = pb.data + rlen
		pb.ifc = rd.ifc.Name
		if addr != nil {
			pb.peer = addr.String()
		}

		if !ipv4_valid(pb) {
			if cli.debug["gw"] {
				log.debug("gw in:   invalid IPv4 packet from %v, dropping", pb.peer)
			}
			retbuf <- pb
			continue
		}

		if cli.debug["gw"] {
			log.debug("gw in:   %v", pb.pp_pkt())
		}

		if cli.trace {
			pb.pp_net("gw in:   ")
			pb.pp_tran("gw in:   ")
			pb.pp_raw("gw in:   ")
		}

		rd.recv <- pb
	}
}

// Answer requests for the external address. Learn link addresses of all
// senders.
func (rd *RawDev) arp_responder() {

	ext := rd.ip.addr()
	maxmsg := 3

	for {

		req, _, err := rd.arpc.Read()
		if err != nil {
			if !rd.isup.Load() {
				return
			}
			if maxmsg > 0 {
				log.err("arp: read from %v failed: %v", rd.ifc.Name, err)
				maxmsg--
			}
			time.Sleep(769 * time.Millisecond)
			continue
		}

		if req.SenderIP.Is4() && !req.SenderIP.IsUnspecified() {
			sender := ip32_from_addr(req.SenderIP)
			if _, ok := rd.neigh.Peek(sender); !ok && cli.debug["gw"] {
				log.debug("arp: %v is at %v", sender, req.SenderHardwareAddr)
			}
			rd.neigh.Add(sender, req.SenderHardwareAddr)
		}

		if req.Operation != arp.OperationRequest || req.TargetIP != ext {
			continue
		}
		if err := rd.arpc.Reply(req, rd.arpc.HardwareAddr(), ext); err != nil {
			log.err("arp: reply to %v failed: %v", req.SenderIP, err)
		}
	}
}

func (rd *RawDev) close() {

	if rd.isup.Swap(false) {
		rd.conn.Close()
		rd.arpc.Close()
	}
}

// socket filter: IPv4 to the external address only
func ext_filter(ip IP32) ([]bpf.RawInstruction, error) {

	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: IP_VER, Size: 1},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xf0},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0x40, SkipTrue: 3},
		bpf.LoadAbsolute{Off: IPv4_DST, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(ip), SkipTrue: 1},
		bpf.RetConstant{Val: BPF_SNAP},
		bpf.RetConstant{Val: 0},
	})
}

func open_raw(ifname string, ip, mask IP32) (*RawDev, error) {

	ifc, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("cannot find interface %v: %w", ifname, err)
	}
	if ifc.MTU <= IPv4_HDR_MIN_LEN || ifc.MTU >= 0xffff {
		return nil, fmt.Errorf("invalid mtu of %v: %v", ifname, ifc.MTU)
	}

	filter, err := ext_filter(ip)
	if err != nil {
		return nil, fmt.Errorf("cannot assemble socket filter: %w", err)
	}

	conn, err := raw.ListenPacket(ifc, ETHER_IPv4, &raw.Config{LinuxSockDGRAM: true})
	if err != nil {
		return nil, fmt.Errorf("cannot open packet socket on %v: %w", ifname, err)
	}
	if err := conn.SetBPF(filter); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot set socket filter on %v: %w", ifname, err)
	}

	arpc, err := arp.Dial(ifc)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot open arp client on %v: %w", ifname, err)
	}

	rd := &RawDev{
		ifc:     ifc,
		ip:      ip,
		netmask: mask,
		conn:    conn,
		arpc:    arpc,
		neigh:   expirable.NewLRU[IP32, net.HardwareAddr](NEIGH_MAX, nil, NEIGH_TTL),
		recv:    make(chan *PktBuf, PKTQLEN),
	}
	rd.isup.Store(true)

	log.info("gw: external %v %v/%v mtu(%v) mac(%v)", ifname, ip, mask_len(mask), ifc.MTU, ifc.HardwareAddr)

	go rd.receiver()
	go rd.arp_responder()

	return rd, nil
}

// Ask for the link address of the gateway ahead of the first packet.
func (rd *RawDev) prime(ip IP32) {

	if ip == 0 || !prefix_of(rd.ip, rd.netmask).Contains(ip.addr()) {
		return
	}
	if err := rd.arpc.Request(ip.addr()); err != nil {
		log.err("arp: request for %v failed: %v", ip, err)
	}
}
