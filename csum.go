/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

/* Checksums

Header rewrites never recompute a checksum over the whole packet. Instead the
stored checksum is patched with the difference between old and new bytes as
described in RFC 1624 [eqn. 3]:

	HC' = ~(~HC + ~m + m')

All arithmetic is one's complement over 16-bit big endian words. Values passed
to and returned from csum_add are sums, not inverted checksums.
*/

// one's complement sum of data added to csum, odd length data is padded with zero
func csum_add(csum uint16, data []byte) uint16 {

	sum := uint32(csum)

	for ii := 0; ii+1 < len(data); ii += 2 {
		sum += uint32(be.Uint16(data[ii : ii+2]))
	}
	if len(data)%2 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return uint16(sum)
}

// one's complement sum of inverted words of data added to csum
func csum_subtract(csum uint16, data []byte) uint16 {

	sum := uint32(csum)

	for ii := 0; ii+1 < len(data); ii += 2 {
		sum += uint32(^be.Uint16(data[ii : ii+2]))
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return uint16(sum)
}

// Patch the checksum stored in field (two bytes, big endian) to reflect
// replacement of old bytes with new bytes. Both lengths must be even.
func adjust_csum(field, old, new []byte) {

	if len(old)%2 != 0 || len(new)%2 != 0 {
		log.fatal("csum: odd length adjustment old(%v) new(%v)", len(old), len(new))
		return
	}

	sum := ^be.Uint16(field[:2])
	sum = csum_subtract(sum, old)
	sum = csum_add(sum, new)
	be.PutUint16(field[:2], ^sum)
}

// sum of the TCP/UDP pseudo header
func pseudo_csum(src, dst IP32, proto byte, length int) uint16 {

	var hdr [12]byte

	src.put(hdr[0:4])
	dst.put(hdr[4:8])
	hdr[9] = proto
	be.PutUint16(hdr[10:12], uint16(length))

	return csum_add(0, hdr[:])
}

// Full TCP or UDP checksum over segment with pseudo header. The checksum field
// of the segment must be zero.
func tran_csum(seg []byte, src, dst IP32, proto byte) uint16 {

	csum := ^csum_add(pseudo_csum(src, dst, proto, len(seg)), seg)
	if proto == UDP && csum == 0 {
		csum = 0xffff
	}
	return csum
}

// Full IPv4 header checksum. The checksum field of the header must be zero.
func ip_csum(hdr []byte) uint16 {
	return ^csum_add(0, hdr)
}
