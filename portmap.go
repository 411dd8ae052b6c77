/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"errors"
	"fmt"
)

/* Portmap

A portmap entry publishes an internal server on a fixed external port. Entries
are kept in a singly linked list sorted by external port. Several entries may
publish the same (protocol, external port) pair, each pointing at a different
internal server. Exactly one of such duplicates is marked used. The used one
receives the next new inbound connection after which the mark moves on to the
next duplicate in list order, wrapping around at the end of the list.

Administrative records exchanged with portmapper have a fixed binary layout,
big endian:

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                      internal source ip                       |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|     proto     |                      pad                      |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|     internal source port      |     external source port      |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

const (
	PM_ADD = iota + 1
	PM_DELETE
	PM_READ
)

const (
	PM_REC_LEN      = 12
	PM_REC_INT_IP   = 0
	PM_REC_PROTO    = 4
	PM_REC_INT_PORT = 8
	PM_REC_EXT_PORT = 10
)

var (
	errNotInit     = errors.New("nat not initialized")
	errInvalParm   = errors.New("invalid parameter")
	errNoRoute     = errors.New("no route to internal address")
	errEntryExists = errors.New("portmap entry exists")
	errNotFound    = errors.New("portmap entry not found")
)

type PortmapEntry struct {
	proto    byte
	int_ip   IP32
	int_port uint16
	ext_port uint16
	dev      Device
	used     bool
	next     *PortmapEntry
}

type PortmapRec struct {
	proto    byte
	int_ip   IP32
	int_port uint16
	ext_port uint16
}

func (rec PortmapRec) String() string {
	return fmt.Sprintf("%v %v:%v %v", ip_proto_name(rec.proto), rec.int_ip, rec.int_port, rec.ext_port)
}

func (rec PortmapRec) encode(b []byte) {

	clear(b[:PM_REC_LEN])
	rec.int_ip.put(b[PM_REC_INT_IP:])
	b[PM_REC_PROTO] = rec.proto
	be.PutUint16(b[PM_REC_INT_PORT:PM_REC_INT_PORT+2], rec.int_port)
	be.PutUint16(b[PM_REC_EXT_PORT:PM_REC_EXT_PORT+2], rec.ext_port)
}

func decode_portmap_rec(b []byte) (PortmapRec, error) {

	if len(b) < PM_REC_LEN {
		return PortmapRec{}, fmt.Errorf("%w: portmap record too short: %v", errInvalParm, len(b))
	}
	return PortmapRec{
		proto:    b[PM_REC_PROTO],
		int_ip:   ip32_from_slice(b[PM_REC_INT_IP:]),
		int_port: be.Uint16(b[PM_REC_INT_PORT : PM_REC_INT_PORT+2]),
		ext_port: be.Uint16(b[PM_REC_EXT_PORT : PM_REC_EXT_PORT+2]),
	}, nil
}

type PortmapTable struct {
	head *PortmapEntry
}

func (pt *PortmapTable) total() int {

	cnt := 0
	for pm := pt.head; pm != nil; pm = pm.next {
		cnt++
	}
	return cnt
}

// Find the portmap entry for a packet. From the external side the entry must
// be the used one among duplicates of the destination port. From the internal
// side the packet must come from a published server.
func (n *Nat) find_portmap_entry(proto byte, side int, src IP32, sport uint16, dst IP32, dport uint16) *PortmapEntry {

	if side == NAT_EXTERNAL {

		if dst != n.ext_dev.addr() {
			return nil
		}
		for pm := n.portmaps.head; pm != nil; pm = pm.next {
			if pm.ext_port > dport {
				break
			}
			if pm.ext_port == dport && pm.proto == proto && pm.used {
				return pm
			}
		}
		return nil
	}

	// list is sorted by external port, internal lookups see the whole list

	for pm := n.portmaps.head; pm != nil; pm = pm.next {
		if pm.int_port == sport && pm.proto == proto && pm.int_ip == src {
			return pm
		}
	}
	return nil
}

// Move the used mark from pm to the next duplicate in list order.
func (n *Nat) update_portmap_table(pm *PortmapEntry) {

	cur := pm.next
	if cur == nil {
		cur = n.portmaps.head
	}
	for cur != nil && cur != pm {
		if cur.ext_port == pm.ext_port && cur.proto == pm.proto && !cur.used {
			cur.used = true
			pm.used = false
			return
		}
		cur = cur.next
		if cur == nil {
			cur = n.portmaps.head
		}
	}
}

func (n *Nat) portmap_add(rec PortmapRec) error {

	switch rec.proto {
	case TCP, UDP:
	default:
		return fmt.Errorf("%w: protocol: %v", errInvalParm, rec.proto)
	}
	if rec.int_ip == 0 || rec.int_port == 0 || rec.ext_port == 0 {
		return fmt.Errorf("%w: %v", errInvalParm, rec)
	}
	if n.ports.index(int(rec.ext_port)) >= 0 {
		return fmt.Errorf("%w: external port %v in the translation port range", errInvalParm, rec.ext_port)
	}

	rt, ok := n.routes.lookup(rec.int_ip)
	if !ok || rt.dev == nil || !n.is_internal(rt.dev) {
		return fmt.Errorf("%w: %v", errNoRoute, rec.int_ip)
	}

	used := true
	for pm := n.portmaps.head; pm != nil; pm = pm.next {
		if pm.proto == rec.proto && pm.int_ip == rec.int_ip && pm.int_port == rec.int_port && pm.ext_port == rec.ext_port {
			return fmt.Errorf("%w: %v", errEntryExists, rec)
		}
		if pm.proto == rec.proto && pm.ext_port == rec.ext_port && pm.used {
			used = false // keep the current one active
		}
	}

	npm := &PortmapEntry{
		proto:    rec.proto,
		int_ip:   rec.int_ip,
		int_port: rec.int_port,
		ext_port: rec.ext_port,
		dev:      rt.dev,
		used:     used,
	}

	// insert after all entries with the same or lower external port

	var prev *PortmapEntry
	for cur := n.portmaps.head; cur != nil && cur.ext_port <= npm.ext_port; cur = cur.next {
		prev = cur
	}
	if prev == nil {
		npm.next = n.portmaps.head
		n.portmaps.head = npm
	} else {
		npm.next = prev.next
		prev.next = npm
	}

	return nil
}

func (n *Nat) portmap_delete(rec PortmapRec) error {

	var prev *PortmapEntry
	for pm := n.portmaps.head; pm != nil; prev, pm = pm, pm.next {

		if pm.ext_port > rec.ext_port {
			break
		}
		if pm.proto != rec.proto || pm.int_ip != rec.int_ip || pm.int_port != rec.int_port || pm.ext_port != rec.ext_port {
			continue
		}

		if pm.used {
			n.update_portmap_table(pm) // hand the mark over to a duplicate, if any
		}

		if prev == nil {
			n.portmaps.head = pm.next
		} else {
			prev.next = pm.next
		}

		// flows published through the entry go with it

		for _, ct := range []*ConnTable{&n.tcp, &n.udp} {
			for ix := range ct.ents {
				if ct.ents[ix].pmap == pm {
					n.delete_entry(ct.proto, ix)
				}
			}
		}
		pm.next = nil
		return nil
	}

	return fmt.Errorf("%w: %v", errNotFound, rec)
}

// Serialize entries into buf, return the number of entries written.
func (n *Nat) portmap_read(buf []byte) int {

	cnt := 0
	for pm := n.portmaps.head; pm != nil && len(buf) >= PM_REC_LEN; pm = pm.next {
		PortmapRec{pm.proto, pm.int_ip, pm.int_port, pm.ext_port}.encode(buf)
		buf = buf[PM_REC_LEN:]
		cnt++
	}
	return cnt
}

// Administrative interface to the portmap table. ADD and DELETE take a single
// record in buf and return 0 on success. READ fills buf with as many records
// as fit and returns their count.
func (n *Nat) portmapper(cmd int, buf []byte) (int, error) {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	if !n.initialized {
		return 0, errNotInit
	}

	switch cmd {

	case PM_ADD, PM_DELETE:

		rec, err := decode_portmap_rec(buf)
		if err != nil {
			return 0, err
		}
		if cmd == PM_ADD {
			err = n.portmap_add(rec)
		} else {
			err = n.portmap_delete(rec)
		}
		if err != nil {
			log.err("portmap: %v", err)
			return 0, err
		}
		log.info("portmap: %v %v", map[int]string{PM_ADD: "added", PM_DELETE: "deleted"}[cmd], rec)
		if n.persist != nil {
			n.persist(cmd, rec)
		}
		return 0, nil

	case PM_READ:

		return n.portmap_read(buf), nil
	}

	return 0, fmt.Errorf("%w: portmapper command: %v", errInvalParm, cmd)
}
