/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

/* Fragments

Translation needs transport ports which only the first fragment carries.
Fragments are therefore collected until the whole datagram is present and
translated as one packet. Datagrams are identified by source, destination,
protocol, and ip identification. Incomplete datagrams are dropped after
FRAG_TIMEOUT, the oldest ones go first when more than FRAG_MAX_QUEUES are
pending.

On output, packets exceeding the mtu of the outgoing device are split again.
*/

const (
	FRAG_MAX_QUEUES = 64
	FRAG_MAX_FRAGS  = 64 // per datagram
	FRAG_TIMEOUT    = 30 * time.Second
)

const (
	FRAG_DONE = iota
	FRAG_PENDING
	FRAG_FAILED
)

type FragKey struct {
	src   IP32
	dst   IP32
	id    uint16
	proto byte
}

type Frag struct {
	off  int
	data []byte
}

type FragQueue struct {
	hdr   []byte // ip header of the first fragment, nil until received
	total int    // datagram payload length, -1 until the last fragment arrives
	frags []Frag
}

type Reassembler struct {
	queues *expirable.LRU[FragKey, *FragQueue]
}

func new_reassembler(size int) (*Reassembler, error) {

	if size <= 0 {
		return nil, fmt.Errorf("%w: reassembly queues: %v", errInvalParm, size)
	}

	onevict := func(key FragKey, fq *FragQueue) {
		if cli.debug["frag"] {
			log.debug("frag: released %v %v -> %v id(%v) frags(%v)", ip_proto_name(key.proto),
				key.src, key.dst, key.id, len(fq.frags))
		}
	}

	return &Reassembler{expirable.NewLRU[FragKey, *FragQueue](size, onevict, FRAG_TIMEOUT)}, nil
}

func (r *Reassembler) purge() {
	r.queues.Purge()
}

func (r *Reassembler) pending() int {
	return r.queues.Len()
}

// Add a fragment. When the datagram is complete, pb is replaced with the
// reassembled packet and FRAG_DONE is returned.
func (r *Reassembler) reassemble(pb *PktBuf) int {

	pkt := pb.ip()
	ihl := pb.ip_hdr_len()
	if ihl < IPv4_HDR_MIN_LEN {
		return FRAG_FAILED
	}

	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	off := int(frag_field&IPv4_FRAG_OFF) << 3
	mf := frag_field&IPv4_MF != 0
	data := pkt[ihl:]

	if (mf && len(data)&0x7 != 0) || off+len(data) > MAX_PKT_LEN-ihl {
		log.err("frag: invalid fragment %v, dropping", pb.pp_pkt())
		return FRAG_FAILED
	}

	key := FragKey{
		src:   pb.src(),
		dst:   pb.dst(),
		id:    be.Uint16(pkt[IPv4_ID : IPv4_ID+2]),
		proto: pkt[IPv4_PROTO],
	}

	fq, ok := r.queues.Get(key)
	if !ok {
		fq = &FragQueue{total: -1}
		r.queues.Add(key, fq)
	}

	if len(fq.frags) >= FRAG_MAX_FRAGS {
		log.err("frag: too many fragments %v, dropping datagram", pb.pp_pkt())
		r.queues.Remove(key)
		return FRAG_FAILED
	}

	// fragments must end within the datagram length once it is known

	end := off + len(data)
	bad := fq.total >= 0 && (end > fq.total || (!mf && end != fq.total))
	if !mf {
		for _, frag := range fq.frags {
			bad = bad || frag.off+len(frag.data) > end
		}
	}
	if bad {
		log.err("frag: fragment past end of datagram %v, dropping datagram", pb.pp_pkt())
		r.queues.Remove(key)
		return FRAG_FAILED
	}

	if off == 0 {
		fq.hdr = slices.Clone(pkt[:ihl])
	}
	if !mf {
		fq.total = end
	}
	fq.frags = append(fq.frags, Frag{off, slices.Clone(data)})

	if fq.hdr == nil || fq.total < 0 {
		return FRAG_PENDING
	}

	// complete if fragments cover the whole payload

	slices.SortStableFunc(fq.frags, func(a, b Frag) int { return a.off - b.off })
	covered := 0
	for _, frag := range fq.frags {
		if frag.off > covered {
			return FRAG_PENDING
		}
		covered = max(covered, frag.off+len(frag.data))
	}
	if covered < fq.total {
		return FRAG_PENDING
	}

	r.queues.Remove(key)

	hlen := len(fq.hdr)
	pktlen := hlen + fq.total
	pb.grow(pktlen)
	pb.tail = pb.data + pktlen
	pkt = pb.ip()

	copy(pkt, fq.hdr)
	for _, frag := range fq.frags {
		if frag.off < fq.total {
			copy(pkt[hlen+frag.off:pktlen], frag.data)
		}
	}

	be.PutUint16(pkt[IPv4_LEN:IPv4_LEN+2], uint16(pktlen))
	be.PutUint16(pkt[IPv4_FRAG:IPv4_FRAG+2], be.Uint16(pkt[IPv4_FRAG:IPv4_FRAG+2])&IPv4_DF)
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], 0)
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], ip_csum(pkt[:hlen]))

	return FRAG_DONE
}

// Split an IPv4 packet into fragments no larger than mtu. The header, options
// included, is repeated in every fragment.
func ip_fragment(pkt []byte, mtu int) ([][]byte, error) {

	if len(pkt) < IPv4_HDR_MIN_LEN {
		return nil, fmt.Errorf("packet too short: %v", len(pkt))
	}
	ihl := int(pkt[IP_VER]&0x0f) << 2
	if ihl < IPv4_HDR_MIN_LEN || ihl > len(pkt) {
		return nil, fmt.Errorf("invalid header length: %v", ihl)
	}
	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	if frag_field&IPv4_DF != 0 {
		return nil, fmt.Errorf("don't fragment set")
	}

	maxdata := (mtu - ihl) &^ 0x7
	if maxdata <= 0 {
		return nil, fmt.Errorf("mtu too small: %v", mtu)
	}

	base := int(frag_field&IPv4_FRAG_OFF) << 3
	last_mf := frag_field & IPv4_MF
	data := pkt[ihl:]

	var frags [][]byte

	for off := 0; off < len(data); off += maxdata {

		end := min(off+maxdata, len(data))
		frag := make([]byte, ihl+end-off)
		copy(frag, pkt[:ihl])
		copy(frag[ihl:], data[off:end])

		field := uint16((base+off)>>3) & IPv4_FRAG_OFF
		if end < len(data) {
			field |= IPv4_MF
		} else {
			field |= last_mf
		}
		be.PutUint16(frag[IPv4_LEN:IPv4_LEN+2], uint16(len(frag)))
		be.PutUint16(frag[IPv4_FRAG:IPv4_FRAG+2], field)
		be.PutUint16(frag[IPv4_CSUM:IPv4_CSUM+2], 0)
		be.PutUint16(frag[IPv4_CSUM:IPv4_CSUM+2], ip_csum(frag[:ihl]))

		frags = append(frags, frag)
	}

	return frags, nil
}
