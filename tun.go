/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

/* Internal devices

An internal device is a tun interface. The kernel routes packets from hosts
on the internal networks into the tun where they are picked up for
translation. Translated packets from the external side are written back into
the tun for the kernel to deliver.
*/

const (
	TUN_HDR_LEN = 4
	TUN_IFF_TUN = uint16(0x0001)
	TUN_IPv4    = uint16(0x0800)
	// TUN header offsets
	TUN_FLAGS = 0
	TUN_PROTO = 2
	// ETHER types
	ETHER_IPv4 = 0x0800
	ETHER_IPv6 = 0x86dd
)

type TunDev struct {
	ifname  string
	ip      IP32
	netmask IP32
	ifmtu   int
	fd      *os.File
	rc      syscall.RawConn
	isup    atomic.Bool
	recv    chan *PktBuf
}

func (td *TunDev) name() string { return td.ifname }
func (td *TunDev) addr() IP32   { return td.ip }
func (td *TunDev) mask() IP32   { return td.netmask }
func (td *TunDev) mtu() int     { return td.ifmtu }
func (td *TunDev) up() bool     { return td.isup.Load() }

func (td *TunDev) output(pb *PktBuf, nexthop IP32) error {

	if cli.debug["tun"] {
		log.debug("tun out: %v %v", td.ifname, pb.pp_pkt())
	}

	if cli.trace {
		pb.pp_net("tun out: ")
		pb.pp_tran("tun out: ")
		pb.pp_raw("tun out: ")
	}

	var hdr [TUN_HDR_LEN]byte
	be.PutUint16(hdr[TUN_FLAGS:TUN_FLAGS+2], TUN_IFF_TUN)
	be.PutUint16(hdr[TUN_PROTO:TUN_PROTO+2], TUN_IPv4)

	var wlen int
	var err error
	werr := td.rc.Write(func(fd uintptr) bool {
		wlen, err = unix.Writev(int(fd), [][]byte{hdr[:], pb.ip()})
		return err != unix.EAGAIN
	})
	if werr != nil {
		err = werr
	}
	if err != nil {
		return fmt.Errorf("send to %v failed: %w", td.ifname, err)
	}
	if wlen != TUN_HDR_LEN+pb.len() {
		return fmt.Errorf("send to %v truncated: wlen(%v) len(%v)", td.ifname, wlen, pb.len())
	}
	return nil
}

func (td *TunDev) receiver() {

	maxmsg := 3

	for {

		pb := <-getbuf
		pkt := pb.pkt[pb.data:]

		rlen, err := td.fd.Read(pkt)
		if err != nil {
			retbuf <- pb
			if !td.isup.Load() {
				close(td.recv)
				return
			}
			if maxmsg > 0 {
				log.err("tun in: error reading from %v: %v", td.ifname, err)
				maxmsg--
			}
			time.Sleep(769 * time.Millisecond)
			continue
		}

		if rlen < TUN_HDR_LEN+IPv4_HDR_MIN_LEN {
			log.err("tun in: packet too short, dropping")
			retbuf <- pb
			continue
		}

		proto := be.Uint16(pkt[TUN_PROTO : TUN_PROTO+2])
		if proto != ETHER_IPv4 {
			if cli.debug["tun"] {
				if proto == ETHER_IPv6 {
					log.debug("tun in: IPv6 packet, dropping")
				} else {
					log.debug("tun in: non-IP packet: %04x, dropping", proto)
				}
			}
			retbuf <- pb
			continue
		}

		pb.tail = pb.data + rlen
		pb.data += TUN_HDR_LEN
		pb.ifc = td.ifname
		pb.peer = td.ifname

		if !ipv4_valid(pb) {
			log.err("tun in: invalid IPv4 packet, dropping")
			retbuf <- pb
			continue
		}

		if cli.debug["tun"] {
			log.debug("tun in: %v", pb.pp_pkt())
		}

		if cli.trace {
			pb.pp_net("tun in:  ")
			pb.pp_tran("tun in:  ")
			pb.pp_raw("tun in:  ")
		}

		td.recv <- pb
	}
}

func (td *TunDev) close() {

	if td.isup.Swap(false) {
		td.fd.Close()
	}
}

// Create a tun interface, assign address, and bring it up.
func open_tun(ifname string, ip, mask IP32, mtu int) (*TunDev, error) {

	type IfReq struct {
		name  [unix.IFNAMSIZ]byte
		flags uint16
		pad   [40 - unix.IFNAMSIZ - 2]byte
	}

	ufd, err := unix.Open("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot get tun device: %w", err)
	}

	ifreq := IfReq{flags: unix.IFF_TUN}
	copy(ifreq.name[:unix.IFNAMSIZ-1], ifname)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ufd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifreq)))
	if errno != 0 {
		unix.Close(ufd)
		return nil, fmt.Errorf("cannot setup tun device %v: %w", ifname, errno)
	}

	if err = unix.SetNonblock(ufd, true); err != nil {
		unix.Close(ufd)
		return nil, fmt.Errorf("cannot make tun device non blocking: %w", err)
	}

	td := &TunDev{
		ifname:  strings.Trim(string(ifreq.name[:]), "\x00"),
		ip:      ip,
		netmask: mask,
		ifmtu:   mtu,
		fd:      os.NewFile(uintptr(ufd), "/dev/net/tun"),
		recv:    make(chan *PktBuf, PKTQLEN),
	}

	if td.rc, err = td.fd.SyscallConn(); err != nil {
		td.fd.Close()
		return nil, fmt.Errorf("cannot access tun device: %w", err)
	}

	// bring tun device up

	for _, cmdline := range []string{
		fmt.Sprintf("ip l set %v mtu %v", td.ifname, mtu),
		fmt.Sprintf("ip a add %v/%v dev %v", ip, mask_len(mask), td.ifname),
		fmt.Sprintf("ip l set dev %v up", td.ifname),
	} {
		cmd, out, ret := shell("%v", cmdline)
		if ret != 0 {
			log.debug("tun: %v", cmd)
			log.debug("tun: %v", out)
			td.fd.Close()
			return nil, fmt.Errorf("cannot configure %v: %v", td.ifname, cmd)
		}
	}

	td.isup.Store(true)
	log.info("tun: netifc %v %v/%v mtu(%v)", td.ifname, ip, mask_len(mask), mtu)

	go td.receiver()

	return td, nil
}
