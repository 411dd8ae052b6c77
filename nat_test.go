/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/time/rate"
)

// device capturing output

type TestPkt struct {
	pkt     []byte
	nexthop IP32
}

type TestDev struct {
	ifname  string
	ip      IP32
	netmask IP32
	ifmtu   int
	down    bool
	sent    []TestPkt
}

func (td *TestDev) name() string { return td.ifname }
func (td *TestDev) addr() IP32   { return td.ip }
func (td *TestDev) mask() IP32   { return td.netmask }
func (td *TestDev) mtu() int     { return td.ifmtu }
func (td *TestDev) up() bool     { return !td.down }

func (td *TestDev) output(pb *PktBuf, nexthop IP32) error {
	td.sent = append(td.sent, TestPkt{bytes.Clone(pb.ip()), nexthop})
	return nil
}

// return and forget captured packets
func (td *TestDev) take() []TestPkt {
	sent := td.sent
	td.sent = nil
	return sent
}

type TestClock struct {
	tick uint32
}

func (c *TestClock) now() uint32 { return c.tick }

type TestNat struct {
	*Nat
	in    *TestDev
	ext   *TestDev
	clock *TestClock
}

func mustip(s string) IP32 {
	ip, err := parse_ip32(s)
	if err != nil {
		panic(err)
	}
	return ip
}

func nip(ip IP32) net.IP {
	return net.IP(ip.addr().AsSlice())
}

var (
	int_gw  = mustip("10.0.0.1")
	host5   = mustip("10.0.0.5")
	host6   = mustip("10.0.0.6")
	host7   = mustip("10.0.0.7")
	ext_ip  = mustip("198.51.100.2")
	ext_gw  = mustip("198.51.100.1")
	remote  = mustip("203.0.113.9")
	remote2 = mustip("203.0.113.10")
	remote3 = mustip("203.0.113.11")
)

func test_config() NatConfig {

	cfg := default_nat_config()
	cfg.max_conns = 8
	cfg.max_icmp = 4
	cfg.max_ftp = 2
	return cfg
}

// Nat with one internal device 10.0.0.1/24 and external device
// 198.51.100.2/24 with default gateway 198.51.100.1
func new_test_nat(t *testing.T, cfg NatConfig) *TestNat {

	t.Helper()

	log.set(ERROR, false)

	in := &TestDev{ifname: "natin0", ip: int_gw, netmask: mask_from_len(24), ifmtu: 1500}
	ext := &TestDev{ifname: "eth0", ip: ext_ip, netmask: mask_from_len(24), ifmtu: 1500}

	routes := new_routes()
	routes.add_dev(in)
	routes.add_dev(ext)
	routes.add(netip.MustParsePrefix("0.0.0.0/0"), ext, ext_gw)

	icmperr := new_icmp_err(routes, rate.Inf, 1)
	clock := &TestClock{100}

	tn := &TestNat{&Nat{}, in, ext, clock}
	if err := tn.nat_init(cfg, []Device{in}, ext, routes, icmperr, clock); err != nil {
		t.Fatalf("nat init failed: %v", err)
	}
	t.Cleanup(func() {
		tn.shutdown()
		icmperr.stop()
	})
	return tn
}

func test_pkt(t *testing.T, ls ...gopacket.SerializableLayer) *PktBuf {

	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("cannot serialize packet: %v", err)
	}
	data := buf.Bytes()

	pb := &PktBuf{pkt: make([]byte, TUN_HDR_LEN+len(data)+128)}
	pb.data = TUN_HDR_LEN
	pb.tail = pb.data + copy(pb.pkt[pb.data:], data)
	return pb
}

func ip_layer(src, dst IP32, proto layers.IPProtocol) *layers.IPv4 {

	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       0x4d2,
		TTL:      64,
		Protocol: proto,
		SrcIP:    nip(src),
		DstIP:    nip(dst),
	}
}

func tcp_pb(t *testing.T, src IP32, sport uint16, dst IP32, dport uint16, flags byte, seq, ack uint32, payload string) *PktBuf {

	t.Helper()

	ip := ip_layer(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		Ack:     ack,
		Window:  8192,
		FIN:     flags&TCP_FIN != 0,
		SYN:     flags&TCP_SYN != 0,
		RST:     flags&TCP_RST != 0,
		PSH:     flags&TCP_PSH != 0,
		ACK:     flags&TCP_ACKF != 0,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return test_pkt(t, ip, tcp, gopacket.Payload(payload))
}

func udp_pb(t *testing.T, src IP32, sport uint16, dst IP32, dport uint16, payload []byte) *PktBuf {

	t.Helper()

	ip := ip_layer(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	udp.SetNetworkLayerForChecksum(ip)
	return test_pkt(t, ip, udp, gopacket.Payload(payload))
}

func icmp_pb(t *testing.T, src, dst IP32, typ, code uint8, id, seq uint16, payload []byte) *PktBuf {

	t.Helper()

	ip := ip_layer(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, code), Id: id, Seq: seq}
	return test_pkt(t, ip, icmp, gopacket.Payload(payload))
}

type TestFlow struct {
	src   IP32
	sport uint16
	dst   IP32
	dport uint16
	ttl   byte
}

func pkt_flow(pkt []byte) TestFlow {

	ihl := int(pkt[IP_VER]&0x0f) << 2
	flow := TestFlow{
		src: ip32_from_slice(pkt[IPv4_SRC:]),
		dst: ip32_from_slice(pkt[IPv4_DST:]),
		ttl: pkt[IPv4_TTL],
	}
	switch pkt[IPv4_PROTO] {
	case TCP, UDP:
		flow.sport = be.Uint16(pkt[ihl : ihl+2])
		flow.dport = be.Uint16(pkt[ihl+2 : ihl+4])
	}
	return flow
}

func csum_ok(pkt []byte) bool {
	return (&PktBuf{pkt: pkt, tail: len(pkt)}).verify_csum()
}

// Send exactly one packet through translate, return what came out of dev.
func one_out(t *testing.T, tn *TestNat, rdev Device, pb *PktBuf, odev *TestDev) TestPkt {

	t.Helper()

	if status := tn.translate(rdev, pb); status != NAT_SUCCESS {
		t.Fatalf("translate: unexpected status: %v", status)
	}
	sent := odev.take()
	if len(sent) != 1 {
		t.Fatalf("expected one packet out of %v, got %v", odev.name(), len(sent))
	}
	if !csum_ok(sent[0].pkt) {
		t.Errorf("invalid checksum in translated packet: % x", sent[0].pkt)
	}
	return sent[0]
}

func TestOutboundTcp(t *testing.T) {

	tn := new_test_nat(t, test_config())

	out := one_out(t, tn, tn.in, tcp_pb(t, host5, 40000, remote, 80, TCP_SYN, 1000, 0, ""), tn.ext)

	want := TestFlow{ext_ip, 61000, remote, 80, 63}
	if diff := cmp.Diff(want, pkt_flow(out.pkt), cmp.AllowUnexported(TestFlow{})); diff != "" {
		t.Errorf("outbound syn mismatch (-want +got):\n%v", diff)
	}
	if out.nexthop != ext_gw {
		t.Errorf("unexpected next hop: %v", out.nexthop)
	}
	if tn.used_tcp() != 1 {
		t.Errorf("expected one tcp entry, got %v", tn.used_tcp())
	}
	if tn.tcp.ents[0].state != TCP_SYN_SENT {
		t.Errorf("unexpected tcp state: %v", tcp_states[tn.tcp.ents[0].state])
	}

	// same flow reuses the entry

	one_out(t, tn, tn.in, tcp_pb(t, host5, 40000, remote, 80, TCP_ACKF, 1001, 5001, "hello"), tn.ext)
	if tn.used_tcp() != 1 {
		t.Errorf("expected one tcp entry, got %v", tn.used_tcp())
	}
}

func TestInboundTcp(t *testing.T) {

	tn := new_test_nat(t, test_config())

	one_out(t, tn, tn.in, tcp_pb(t, host5, 40000, remote, 80, TCP_SYN, 1000, 0, ""), tn.ext)

	out := one_out(t, tn, tn.ext, tcp_pb(t, remote, 80, ext_ip, 61000, TCP_SYN|TCP_ACKF, 5000, 1001, ""), tn.in)

	want := TestFlow{remote, 80, host5, 40000, 63}
	if diff := cmp.Diff(want, pkt_flow(out.pkt), cmp.AllowUnexported(TestFlow{})); diff != "" {
		t.Errorf("inbound reply mismatch (-want +got):\n%v", diff)
	}
	if out.nexthop != host5 {
		t.Errorf("unexpected next hop: %v", out.nexthop)
	}
	if tn.tcp.ents[0].state != TCP_ESTABLISHED {
		t.Errorf("unexpected tcp state: %v", tcp_states[tn.tcp.ents[0].state])
	}

	// wrong remote port, unknown external port

	for _, pb := range []*PktBuf{
		tcp_pb(t, remote, 81, ext_ip, 61000, TCP_ACKF, 5001, 1001, ""),
		tcp_pb(t, remote, 80, ext_ip, 61001, TCP_ACKF, 5001, 1001, ""),
		tcp_pb(t, remote, 80, ext_ip, 2000, TCP_SYN, 5001, 0, ""),
	} {
		if status := tn.translate(tn.ext, pb); status != NAT_NO_NAT {
			t.Errorf("unsolicited %v: unexpected status: %v", pb.pp_pkt(), status)
		}
	}
	if len(tn.in.take()) != 0 {
		t.Errorf("unsolicited packets forwarded")
	}
}

func TestUdpChecksum(t *testing.T) {

	tn := new_test_nat(t, test_config())

	out := one_out(t, tn, tn.in, udp_pb(t, host5, 5000, remote, 53, []byte("query")), tn.ext)
	if pkt_flow(out.pkt).sport != 61000 {
		t.Errorf("unexpected source port: %v", pkt_flow(out.pkt).sport)
	}

	// zero checksum means none and stays zero

	pb := udp_pb(t, host5, 5001, remote, 53, []byte("query"))
	pkt := pb.ip()
	be.PutUint16(pkt[IPv4_HDR_MIN_LEN+UDP_CSUM:], 0)

	out = one_out(t, tn, tn.in, pb, tn.ext)
	if csum := be.Uint16(out.pkt[IPv4_HDR_MIN_LEN+UDP_CSUM:]); csum != 0 {
		t.Errorf("zero udp checksum changed to %04x", csum)
	}
}

func TestNoNat(t *testing.T) {

	tn := new_test_nat(t, test_config())

	cases := []struct {
		desc   string
		dev    Device
		pb     *PktBuf
		status Status
	}{
		{"internal to internal", tn.in, udp_pb(t, host5, 5000, host7, 53, nil), NAT_NO_NAT},
		{"internal to gateway", tn.in, udp_pb(t, host5, 5000, int_gw, 53, nil), NAT_NO_NAT},
		{"internal to external address", tn.in, udp_pb(t, host5, 5000, ext_ip, 53, nil), NAT_NO_NAT},
		{"subnet broadcast", tn.in, udp_pb(t, host5, 5000, mustip("10.0.0.255"), 53, nil), NAT_NO_NAT},
		{"broadcast", tn.in, udp_pb(t, host5, 5000, mustip("255.255.255.255"), 53, nil), NAT_NO_NAT},
		{"multicast", tn.in, udp_pb(t, host5, 5000, mustip("224.0.0.251"), 5353, nil), NAT_NO_NAT},
		{"external to internal", tn.ext, udp_pb(t, remote, 53, host5, 5000, nil), NAT_NO_ENTRY},
		{"external to other", tn.ext, udp_pb(t, remote, 53, remote2, 5000, nil), NAT_NO_NAT},
		{"unsupported protocol", tn.in, test_pkt(t, ip_layer(host5, remote, layers.IPProtocolGRE), gopacket.Payload("gre")), NAT_NO_ENTRY},
	}

	for _, tc := range cases {
		if status := tn.translate(tc.dev, tc.pb); status != tc.status {
			t.Errorf("%v: unexpected status: %v, expected: %v", tc.desc, status, tc.status)
		}
	}
	if len(tn.in.take()) != 0 || len(tn.ext.take()) != 0 {
		t.Errorf("untranslated packets sent")
	}
	if tn.used_udp() != 0 {
		t.Errorf("entries created for untranslated packets: %v", tn.used_udp())
	}
}

func TestTtlExceeded(t *testing.T) {

	tn := new_test_nat(t, test_config())

	pb := udp_pb(t, host5, 5000, remote, 53, []byte("query"))
	orig := bytes.Clone(pb.ip())
	pkt := pb.ip()
	pkt[IPv4_TTL] = 1
	orig[IPv4_TTL] = 1

	if status := tn.translate(tn.in, pb); status != NAT_ICMP_TIMXCEED {
		t.Fatalf("unexpected status: %v", status)
	}
	if len(tn.ext.take()) != 0 {
		t.Errorf("expired packet forwarded")
	}

	sent := tn.in.take()
	if len(sent) != 1 {
		t.Fatalf("expected one icmp error, got %v", len(sent))
	}
	if !csum_ok(sent[0].pkt) {
		t.Errorf("invalid checksum in icmp error")
	}

	dec := gopacket.NewPacket(sent[0].pkt, layers.LayerTypeIPv4, gopacket.Default)
	ip, _ := dec.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	icmp, _ := dec.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if ip == nil || icmp == nil {
		t.Fatalf("cannot decode icmp error: % x", sent[0].pkt)
	}
	if !ip.SrcIP.Equal(nip(int_gw)) || !ip.DstIP.Equal(nip(host5)) {
		t.Errorf("unexpected icmp error addresses: %v -> %v", ip.SrcIP, ip.DstIP)
	}
	if icmp.TypeCode.Type() != ICMP_TIMXCEED || icmp.TypeCode.Code() != ICMP_TIMXCEED_INTRANS {
		t.Errorf("unexpected icmp type: %v", icmp.TypeCode)
	}
	if !bytes.Equal(icmp.Payload, orig) {
		t.Errorf("icmp error does not carry original packet:\n% x\n% x", icmp.Payload, orig)
	}
}

func TestTableFull(t *testing.T) {

	cfg := test_config()
	cfg.max_conns = 2
	tn := new_test_nat(t, cfg)

	one_out(t, tn, tn.in, udp_pb(t, host5, 5000, remote, 53, nil), tn.ext)
	one_out(t, tn, tn.in, udp_pb(t, host5, 5001, remote, 53, nil), tn.ext)

	if status := tn.translate(tn.in, udp_pb(t, host5, 5002, remote, 53, nil)); status != NAT_NO_MEMORY {
		t.Errorf("unexpected status: %v", status)
	}
	if len(tn.ext.take()) != 0 {
		t.Errorf("packet forwarded without an entry")
	}

	sent := tn.in.take()
	if len(sent) != 1 {
		t.Fatalf("expected source quench, got %v packets", len(sent))
	}
	ihl := int(sent[0].pkt[IP_VER]&0x0f) << 2
	if typ := sent[0].pkt[ihl+ICMP_TYPE]; typ != ICMP_SOURCEQUENCH {
		t.Errorf("unexpected icmp type: %v", typ)
	}

	// tcp has its own ports

	one_out(t, tn, tn.in, tcp_pb(t, host5, 5002, remote, 80, TCP_SYN, 1, 0, ""), tn.ext)
}

func TestFragmentOnOutput(t *testing.T) {

	tn := new_test_nat(t, test_config())
	tn.ext.ifmtu = 576

	pb := udp_pb(t, host5, 5000, remote, 53, make([]byte, 1000))

	if status := tn.translate(tn.in, pb); status != NAT_SUCCESS {
		t.Fatalf("unexpected status: %v", status)
	}
	sent := tn.ext.take()
	if len(sent) != 2 {
		t.Fatalf("expected two fragments, got %v", len(sent))
	}

	type Frag struct {
		Len   int
		Field uint16
	}
	want := []Frag{{572, IPv4_MF}, {476, 69}}
	var got []Frag
	for _, frag := range sent {
		got = append(got, Frag{len(frag.pkt), be.Uint16(frag.pkt[IPv4_FRAG:])})
		if !csum_ok(frag.pkt) {
			t.Errorf("invalid fragment header checksum")
		}
		if pkt_flow(frag.pkt).src != ext_ip {
			t.Errorf("fragment not translated: %v", pkt_flow(frag.pkt).src)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fragments mismatch (-want +got):\n%v", diff)
	}
}

func TestFragmentNeeded(t *testing.T) {

	tn := new_test_nat(t, test_config())
	tn.ext.ifmtu = 576

	ip := ip_layer(host5, remote, layers.IPProtocolUDP)
	ip.Flags = layers.IPv4DontFragment
	udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	pb := test_pkt(t, ip, udp, gopacket.Payload(make([]byte, 1000)))

	if status := tn.translate(tn.in, pb); status != NAT_SUCCESS {
		t.Fatalf("unexpected status: %v", status)
	}
	if len(tn.ext.take()) != 0 {
		t.Errorf("oversized packet with DF sent")
	}

	sent := tn.in.take()
	if len(sent) != 1 {
		t.Fatalf("expected one icmp error, got %v", len(sent))
	}
	pkt := sent[0].pkt
	msg := pkt[IPv4_HDR_MIN_LEN:]
	if msg[ICMP_TYPE] != ICMP_UNREACH || msg[ICMP_CODE] != ICMP_UNREACH_NEEDFRAG {
		t.Errorf("unexpected icmp type(%v) code(%v)", msg[ICMP_TYPE], msg[ICMP_CODE])
	}
	if mtu := be.Uint16(msg[ICMP_MTU:]); mtu != 576 {
		t.Errorf("unexpected mtu: %v", mtu)
	}
	// the host sees its own packet, not the translated one
	if emb := pkt_flow(msg[ICMP_DATA:]); emb.src != host5 || emb.sport != 5000 {
		t.Errorf("unexpected embedded source: %v:%v", emb.src, emb.sport)
	}
	if len(pkt) > ICMP_ENCAP_MAX_LEN {
		t.Errorf("icmp error too long: %v", len(pkt))
	}
}

func TestInboundFragments(t *testing.T) {

	tn := new_test_nat(t, test_config())

	one_out(t, tn, tn.in, udp_pb(t, host5, 5000, remote, 53, []byte("query")), tn.ext)

	reply := udp_pb(t, remote, 53, ext_ip, 61000, make([]byte, 1200))
	frags, err := ip_fragment(reply.ip(), 576)
	if err != nil {
		t.Fatalf("cannot fragment: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %v", len(frags))
	}

	for ii := len(frags) - 1; ii >= 0; ii-- {
		pb := &PktBuf{pkt: bytes.Clone(frags[ii]), tail: len(frags[ii])}
		if status := tn.translate(tn.ext, pb); status != NAT_SUCCESS {
			t.Fatalf("fragment %v: unexpected status: %v", ii, status)
		}
		if ii > 0 && len(tn.in.sent) != 0 {
			t.Fatalf("fragment %v: sent before reassembly", ii)
		}
	}

	sent := tn.in.take()
	if len(sent) != 1 {
		t.Fatalf("expected one reassembled packet, got %v", len(sent))
	}
	if len(sent[0].pkt) != len(reply.ip()) {
		t.Errorf("unexpected reassembled length: %v", len(sent[0].pkt))
	}
	if !csum_ok(sent[0].pkt) {
		t.Errorf("invalid checksum in reassembled packet")
	}
	if flow := pkt_flow(sent[0].pkt); flow.dst != host5 || flow.dport != 5000 {
		t.Errorf("unexpected destination: %v:%v", flow.dst, flow.dport)
	}
}

func TestShutdown(t *testing.T) {

	tn := new_test_nat(t, test_config())

	one_out(t, tn, tn.in, udp_pb(t, host5, 5000, remote, 53, nil), tn.ext)

	if status := tn.shutdown(); status != NAT_SUCCESS {
		t.Errorf("unexpected shutdown status: %v", status)
	}
	if status := tn.translate(tn.in, udp_pb(t, host5, 5000, remote, 53, nil)); status != NAT_NO_NAT {
		t.Errorf("translate after shutdown: unexpected status: %v", status)
	}
	var buf [PM_REC_LEN]byte
	PortmapRec{TCP, host6, 80, 8080}.encode(buf[:])
	if _, err := tn.portmapper(PM_ADD, buf[:]); err != errNotInit {
		t.Errorf("portmapper after shutdown: unexpected error: %v", err)
	}
	if tn.used_udp() != 0 {
		t.Errorf("tables not released")
	}
}

func TestRemoveInterface(t *testing.T) {

	tn := new_test_nat(t, test_config())

	tn.remove_interface("eth9")
	if status := tn.translate(tn.in, udp_pb(t, host5, 5000, remote, 53, nil)); status != NAT_SUCCESS {
		t.Errorf("unrelated interface removal stopped nat: %v", status)
	}

	tn.remove_interface("natin0")
	if status := tn.translate(tn.in, udp_pb(t, host5, 5000, remote, 53, nil)); status != NAT_NO_NAT {
		t.Errorf("nat still running after interface removal: %v", status)
	}
}

func TestNatInitValidation(t *testing.T) {

	log.set(ERROR, false)

	in := &TestDev{ifname: "natin0", ip: int_gw, netmask: mask_from_len(24), ifmtu: 1500}
	ext := &TestDev{ifname: "eth0", ip: ext_ip, netmask: mask_from_len(24), ifmtu: 1500}
	routes := new_routes()
	clock := &TestClock{1}

	bad_port := test_config()
	bad_port.min_port = 65530

	bad_timeout := test_config()
	bad_timeout.udp_timeout = 0

	cases := []struct {
		desc string
		cfg  NatConfig
		ints []Device
		ext  Device
	}{
		{"port range", bad_port, []Device{in}, ext},
		{"timeout", bad_timeout, []Device{in}, ext},
		{"no internal", test_config(), nil, ext},
		{"no external", test_config(), []Device{in}, nil},
		{"same device", test_config(), []Device{ext}, ext},
	}

	for _, tc := range cases {
		var n Nat
		if err := n.nat_init(tc.cfg, tc.ints, tc.ext, routes, nil, clock); err == nil {
			n.shutdown()
			t.Errorf("%v: invalid configuration accepted", tc.desc)
		}
	}
}
