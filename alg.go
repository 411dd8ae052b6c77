/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

// Let application level gateways rewrite the payload. The ix is the index of
// the translation entry of the packet, or of the embedded flow for icmp, or
// -1 if there is none.
func (n *Nat) alg_modify_payload(pb *PktBuf, p *Parsed, ix int, old []byte, dev Device) Status {

	if ix < 0 {
		return NAT_SUCCESS
	}

	switch p.proto {

	case ICMP:

		return n.icmp_translate(pb, p, ix, old)

	case TCP:

		if p.sport != FTP_CTL_PORT && p.dport != FTP_CTL_PORT {
			break
		}
		if p.side == NAT_INTERNAL {
			if status := n.ftp_translate(pb, p, ix, old, dev); status != NAT_NO_NAT {
				return status
			}
		}
		return n.ftp_renumber(pb, p, ix)
	}

	return NAT_SUCCESS
}
