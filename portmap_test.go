/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func pm_cmd(tn *TestNat, cmd int, rec PortmapRec) error {

	var buf [PM_REC_LEN]byte
	rec.encode(buf[:])
	_, err := tn.portmapper(cmd, buf[:])
	return err
}

func pm_read(t *testing.T, tn *TestNat) []PortmapRec {

	t.Helper()

	buf := make([]byte, 16*PM_REC_LEN)
	cnt, err := tn.portmapper(PM_READ, buf)
	if err != nil {
		t.Fatalf("portmap read failed: %v", err)
	}
	var recs []PortmapRec
	for ii := 0; ii < cnt; ii++ {
		rec, _ := decode_portmap_rec(buf[ii*PM_REC_LEN:])
		recs = append(recs, rec)
	}
	return recs
}

func TestPortmapRecord(t *testing.T) {

	rec := PortmapRec{TCP, mustip("10.0.0.5"), 80, 8080}

	buf := make([]byte, PM_REC_LEN)
	for ii := range buf {
		buf[ii] = 0xee // pad must be cleared
	}
	rec.encode(buf)

	want := []byte{10, 0, 0, 5, TCP, 0, 0, 0, 0, 80, 0x1f, 0x90}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("encoded record mismatch (-want +got):\n%v", diff)
	}

	if dec, err := decode_portmap_rec(buf); err != nil || dec != rec {
		t.Errorf("decoded record: %v %v", dec, err)
	}
	if _, err := decode_portmap_rec(buf[:PM_REC_LEN-1]); !errors.Is(err, errInvalParm) {
		t.Errorf("short record: unexpected error: %v", err)
	}
}

func TestPortmapper(t *testing.T) {

	tn := new_test_nat(t, test_config())

	var persisted []DbReq
	tn.persist = func(cmd int, rec PortmapRec) {
		persisted = append(persisted, DbReq{cmd, rec})
	}

	web6 := PortmapRec{TCP, host6, 80, 8080}
	web7 := PortmapRec{TCP, host7, 80, 8080}
	dns := PortmapRec{UDP, host5, 53, 53}
	ssh := PortmapRec{TCP, host5, 22, 2222}

	for _, rec := range []PortmapRec{web6, ssh, dns, web7} {
		if err := pm_cmd(tn, PM_ADD, rec); err != nil {
			t.Fatalf("add %v: %v", rec, err)
		}
	}

	// sorted by external port, duplicates in order of addition

	want := []PortmapRec{dns, ssh, web6, web7}
	if diff := cmp.Diff(want, pm_read(t, tn), cmp.AllowUnexported(PortmapRec{})); diff != "" {
		t.Errorf("portmap table mismatch (-want +got):\n%v", diff)
	}

	errs := []struct {
		cmd int
		rec PortmapRec
		err error
	}{
		{PM_ADD, web6, errEntryExists},
		{PM_ADD, PortmapRec{ICMP, host5, 1, 1}, errInvalParm},
		{PM_ADD, PortmapRec{TCP, host5, 0, 80}, errInvalParm},
		{PM_ADD, PortmapRec{TCP, host5, 80, 0}, errInvalParm},
		{PM_ADD, PortmapRec{TCP, host5, 80, 61000}, errInvalParm},
		{PM_ADD, PortmapRec{UDP, host5, 53, 61007}, errInvalParm},
		{PM_ADD, PortmapRec{TCP, remote, 80, 80}, errNoRoute},
		{PM_ADD, PortmapRec{TCP, ext_gw, 80, 80}, errNoRoute},
		{PM_DELETE, PortmapRec{TCP, host5, 22, 2223}, errNotFound},
		{PM_DELETE, PortmapRec{UDP, host5, 22, 2222}, errNotFound},
		{99, ssh, errInvalParm},
	}
	for _, tc := range errs {
		if err := pm_cmd(tn, tc.cmd, tc.rec); !errors.Is(err, tc.err) {
			t.Errorf("cmd(%v) %v: unexpected error: %v", tc.cmd, tc.rec, err)
		}
	}

	if err := pm_cmd(tn, PM_DELETE, ssh); err != nil {
		t.Errorf("delete %v: %v", ssh, err)
	}
	want = []PortmapRec{dns, web6, web7}
	if diff := cmp.Diff(want, pm_read(t, tn), cmp.AllowUnexported(PortmapRec{})); diff != "" {
		t.Errorf("portmap table mismatch (-want +got):\n%v", diff)
	}

	// only successful changes are persisted

	wantp := []DbReq{{PM_ADD, web6}, {PM_ADD, ssh}, {PM_ADD, dns}, {PM_ADD, web7}, {PM_DELETE, ssh}}
	if diff := cmp.Diff(wantp, persisted, cmp.AllowUnexported(DbReq{}, PortmapRec{})); diff != "" {
		t.Errorf("persisted changes mismatch (-want +got):\n%v", diff)
	}

	// read into a short buffer

	buf := make([]byte, 2*PM_REC_LEN+5)
	if cnt, err := tn.portmapper(PM_READ, buf); cnt != 2 || err != nil {
		t.Errorf("short read: %v %v", cnt, err)
	}
}

func TestPortmapRoundRobin(t *testing.T) {

	tn := new_test_nat(t, test_config())

	for _, rec := range []PortmapRec{{TCP, host6, 80, 8080}, {TCP, host7, 80, 8080}} {
		if err := pm_cmd(tn, PM_ADD, rec); err != nil {
			t.Fatalf("add %v: %v", rec, err)
		}
	}

	// new connections alternate between servers

	servers := []IP32{host6, host7, host6}
	for ii, srv := range servers {
		out := one_out(t, tn, tn.ext, tcp_pb(t, remote, uint16(1000+ii), ext_ip, 8080, TCP_SYN, 100, 0, ""), tn.in)
		flow := pkt_flow(out.pkt)
		if flow.dst != srv || flow.dport != 80 {
			t.Errorf("connection %v: sent to %v:%v, expected %v", ii, flow.dst, flow.dport, srv)
		}
	}

	// existing connection sticks to its server

	out := one_out(t, tn, tn.ext, tcp_pb(t, remote, 1001, ext_ip, 8080, TCP_ACKF, 101, 1, ""), tn.in)
	if flow := pkt_flow(out.pkt); flow.dst != host7 {
		t.Errorf("existing connection moved to %v", flow.dst)
	}

	// replies leave from the published port

	out = one_out(t, tn, tn.in, tcp_pb(t, host7, 80, remote, 1001, TCP_SYN|TCP_ACKF, 1, 101, ""), tn.ext)
	want := TestFlow{ext_ip, 8080, remote, 1001, 63}
	if diff := cmp.Diff(want, pkt_flow(out.pkt), cmp.AllowUnexported(TestFlow{})); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%v", diff)
	}
	if tn.used_tcp() != 3 {
		t.Errorf("unexpected number of entries: %v", tn.used_tcp())
	}
	if free := tn.free_ports(TCP); free != tn.cfg.max_conns {
		t.Errorf("published flows took ports: free(%v)", free)
	}

	// server behind a deleted entry loses its flows, the other one takes over

	if err := pm_cmd(tn, PM_DELETE, PortmapRec{TCP, host6, 80, 8080}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if tn.used_tcp() != 1 {
		t.Errorf("flows of deleted entry survived: %v", tn.used_tcp())
	}
	out = one_out(t, tn, tn.ext, tcp_pb(t, remote, 2000, ext_ip, 8080, TCP_SYN, 100, 0, ""), tn.in)
	if flow := pkt_flow(out.pkt); flow.dst != host7 {
		t.Errorf("new connection sent to %v", flow.dst)
	}

	// last one gone, port closed

	if err := pm_cmd(tn, PM_DELETE, PortmapRec{TCP, host7, 80, 8080}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if status := tn.translate(tn.ext, tcp_pb(t, remote, 3000, ext_ip, 8080, TCP_SYN, 100, 0, "")); status != NAT_NO_NAT {
		t.Errorf("unpublished port: unexpected status: %v", status)
	}
}
