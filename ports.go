/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

/* External ports

External ports form a contiguous range [min_port, min_port + max_conns). Each
port may be owned by one tcp and, independently, one udp translation entry.
An owner value of -1 means the port is free for that protocol.

Allocation uses a per protocol hint pointing at a port believed to be free.
Freeing a port does not touch the hint.
*/

type PortEntry struct {
	port int
	tcp  int // owning tcp entry or -1
	udp  int // owning udp entry or -1
}

type PortList struct {
	ents     []PortEntry
	min_port int
	next_tcp int
	next_udp int
}

func (pl *PortList) init(min_port, max_conns int) {

	pl.ents = make([]PortEntry, max_conns)
	pl.min_port = min_port
	for ix := range pl.ents {
		pl.ents[ix] = PortEntry{min_port + ix, -1, -1}
	}
	pl.next_tcp = -1
	pl.next_udp = -1
}

func (pl *PortList) owner(proto byte, ix int) int {

	switch proto {
	case TCP:
		return pl.ents[ix].tcp
	case UDP:
		return pl.ents[ix].udp
	}
	return -1
}

func (pl *PortList) set_owner(proto byte, ix, owner int) {

	switch proto {
	case TCP:
		pl.ents[ix].tcp = owner
	case UDP:
		pl.ents[ix].udp = owner
	}
}

func (pl *PortList) hint(proto byte) *int {

	switch proto {
	case TCP:
		return &pl.next_tcp
	case UDP:
		return &pl.next_udp
	}
	return nil
}

// Find a free port for the protocol, return its index or -1 if none. The port
// is not marked as owned, the caller does it with set_owner.
func (pl *PortList) assign(proto byte) int {

	hint := pl.hint(proto)
	if hint == nil || len(pl.ents) == 0 {
		return -1
	}
	num := len(pl.ents)
	next := *hint

	if next < 0 || next >= num || pl.owner(proto, next) != -1 {

		// no usable hint, first free slot is the result, second is the new hint

		next = -1
		*hint = -1
		for ix := 0; ix < num; ix++ {
			if pl.owner(proto, ix) == -1 {
				if next < 0 {
					next = ix
				} else {
					*hint = ix
					break
				}
			}
		}
		return next
	}

	*hint = -1
	ix := next + 1
	for ii := 0; ii < num-1; ii, ix = ii+1, ix+1 {
		if ix >= num {
			ix = 0
		}
		if pl.owner(proto, ix) == -1 {
			*hint = ix
			break
		}
	}
	return next
}

// Release ownership of a port.
func (pl *PortList) free(proto byte, ix int) {

	if ix >= 0 && ix < len(pl.ents) {
		pl.set_owner(proto, ix, -1)
	}
}

// port list index of a port number or -1 if out of range
func (pl *PortList) index(port int) int {

	ix := port - pl.min_port
	if ix < 0 || ix >= len(pl.ents) {
		return -1
	}
	return ix
}

func (pl *PortList) free_count(proto byte) int {

	cnt := 0
	for ix := range pl.ents {
		if pl.owner(proto, ix) == -1 {
			cnt++
		}
	}
	return cnt
}
