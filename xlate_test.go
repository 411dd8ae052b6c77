/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"testing"
)

func TestTcpStates(t *testing.T) {

	tn := new_test_nat(t, test_config())

	tn.mtx.Lock()
	defer tn.mtx.Unlock()

	ix := tn.add_entry(TCP, host5, 40000, remote, 80, tn.in, nil)
	if ix != 0 {
		t.Fatalf("unexpected slot: %v", ix)
	}

	steps := []struct {
		flags byte
		state int
		conn  bool
		close bool
	}{
		{TCP_PSH, TCP_NEW, false, false},
		{TCP_SYN, TCP_SYN_SENT, true, false},
		{TCP_SYN, TCP_SYN_SENT, true, false},
		{TCP_ACKF, TCP_ESTABLISHED, false, false},
		{TCP_ACKF | TCP_PSH, TCP_ESTABLISHED, false, false},
		{TCP_FIN | TCP_ACKF, TCP_FIN_WAIT_1, true, false},
		{TCP_ACKF, TCP_CLOSING, false, true},
		{TCP_RST, TCP_CLOSED, false, true},
	}

	for ii, step := range steps {
		tn.update_tcp(step.flags, ix)
		ent := &tn.tcp.ents[ix]
		if ent.state != step.state {
			t.Errorf("step %v: state %v, expected %v", ii, tcp_states[ent.state], tcp_states[step.state])
		}
		if tn.timers.is_set(TMR_TCP_CONN, ix) != step.conn {
			t.Errorf("step %v: conn timer set: %v", ii, !step.conn)
		}
		if tn.timers.is_set(TMR_TCP_CLOSE, ix) != step.close {
			t.Errorf("step %v: close timer set: %v", ii, !step.close)
		}
	}

	// reset of an established connection starts the close timer

	ix = tn.add_entry(TCP, host5, 40001, remote, 80, tn.in, nil)
	tn.update_tcp(TCP_SYN, ix)
	tn.update_tcp(TCP_ACKF, ix)
	tn.update_tcp(TCP_RST|TCP_ACKF, ix)
	if tn.tcp.ents[ix].state != TCP_CLOSED || !tn.timers.is_set(TMR_TCP_CLOSE, ix) {
		t.Errorf("reset: state %v, close timer %v", tcp_states[tn.tcp.ents[ix].state],
			tn.timers.is_set(TMR_TCP_CLOSE, ix))
	}

	// delete cancels timers

	tn.delete_entry(TCP, ix)
	if tn.timers.is_set(TMR_TCP_CLOSE, ix) {
		t.Errorf("close timer survived delete")
	}
}

func TestTcpTimerGeneration(t *testing.T) {

	tn := new_test_nat(t, test_config())

	tn.mtx.Lock()
	defer tn.mtx.Unlock()

	ix := tn.add_entry(TCP, host5, 40000, remote, 80, tn.in, nil)
	tn.update_tcp(TCP_SYN, ix)
	gen := tn.tcp.ents[ix].gen

	// event armed for a previous occupant of the slot

	tn.handle_timer(TimerEvent{TMR_TCP_CONN, ix, gen - 1})
	if tn.tcp.ents[ix].timeout == 0 {
		t.Fatalf("stale timer deleted live entry")
	}

	tn.handle_timer(TimerEvent{TMR_TCP_CONN, ix, gen})
	if tn.tcp.ents[ix].timeout != 0 {
		t.Fatalf("timer did not delete entry")
	}
	if cnt := tn.ports.free_count(TCP); cnt != tn.cfg.max_conns {
		t.Errorf("port not released: free(%v)", cnt)
	}

	// event for a free slot

	tn.handle_timer(TimerEvent{TMR_TCP_CLOSE, ix, gen})
	tn.handle_timer(TimerEvent{TMR_TCP_CLOSE, 1000, gen})

	// slot reuse changes generation

	nix := tn.add_entry(TCP, host6, 40000, remote, 80, tn.in, nil)
	if nix == ix && tn.tcp.ents[nix].gen == gen {
		t.Errorf("reused slot kept generation: %v", gen)
	}
}

func TestEntrySlots(t *testing.T) {

	tn := new_test_nat(t, test_config())

	tn.mtx.Lock()
	defer tn.mtx.Unlock()

	var ixs []int
	for ii := 0; ii < tn.cfg.max_conns; ii++ {
		ix := tn.add_entry(UDP, host5, uint16(5000+ii), remote, 53, tn.in, nil)
		if ix != ii {
			t.Fatalf("entry %v: unexpected slot: %v", ii, ix)
		}
		if port := tn.ext_port(&tn.udp.ents[ix]); port != uint16(61000+ii) {
			t.Errorf("entry %v: unexpected port: %v", ii, port)
		}
		ixs = append(ixs, ix)
	}
	if ix := tn.add_entry(UDP, host5, 6000, remote, 53, tn.in, nil); ix != -1 {
		t.Errorf("add to full table: %v", ix)
	}

	tn.delete_entry(UDP, ixs[3])
	if ix := tn.add_entry(UDP, host6, 6000, remote, 53, tn.in, nil); ix != 3 {
		t.Errorf("freed slot not reused: %v", ix)
	}
	if port := tn.ext_port(&tn.udp.ents[3]); port != 61003 {
		t.Errorf("freed port not reused: %v", port)
	}

	// deleting twice or out of range does nothing

	tn.delete_entry(UDP, ixs[5])
	tn.delete_entry(UDP, ixs[5])
	tn.delete_entry(UDP, -1)
	tn.delete_entry(UDP, 100)
	if used := tn.udp.used(); used != tn.cfg.max_conns-1 {
		t.Errorf("unexpected used count: %v", used)
	}
}

func TestFindEntry(t *testing.T) {

	tn := new_test_nat(t, test_config())

	tn.mtx.Lock()
	defer tn.mtx.Unlock()

	ix := tn.add_entry(UDP, host5, 5000, remote, 53, tn.in, nil)

	cases := []struct {
		desc  string
		side  int
		src   IP32
		sport uint16
		dst   IP32
		dport uint16
		ix    int
	}{
		{"internal", NAT_INTERNAL, host5, 5000, remote, 53, ix},
		{"internal other port", NAT_INTERNAL, host5, 5001, remote, 53, -1},
		{"internal other remote", NAT_INTERNAL, host5, 5000, remote2, 53, -1},
		{"external", NAT_EXTERNAL, remote, 53, ext_ip, 61000, ix},
		{"external other remote port", NAT_EXTERNAL, remote, 54, ext_ip, 61000, -1},
		{"external other remote", NAT_EXTERNAL, remote2, 53, ext_ip, 61000, -1},
		{"external unused port", NAT_EXTERNAL, remote, 53, ext_ip, 61001, -1},
		{"external out of range", NAT_EXTERNAL, remote, 53, ext_ip, 1000, -1},
		{"external other address", NAT_EXTERNAL, remote, 53, remote3, 61000, -1},
	}

	for _, tc := range cases {
		if got := tn.find_entry(UDP, tc.side, tc.src, tc.sport, tc.dst, tc.dport, nil); got != tc.ix {
			t.Errorf("%v: unexpected index: %v", tc.desc, got)
		}
	}

	if got := tn.find_entry(TCP, NAT_INTERNAL, host5, 5000, remote, 53, nil); got != -1 {
		t.Errorf("found udp entry in tcp table: %v", got)
	}
	if got := tn.find_entry(ICMP, NAT_INTERNAL, host5, 5000, remote, 53, nil); got != -1 {
		t.Errorf("found entry for icmp: %v", got)
	}
}

func TestSweep(t *testing.T) {

	tn := new_test_nat(t, test_config())

	tn.mtx.Lock()
	defer tn.mtx.Unlock()

	tout := tn.cfg.udp_timeout

	stale := tn.add_entry(UDP, host5, 5000, remote, 53, tn.in, nil)
	fresh := tn.add_entry(UDP, host5, 5001, remote, 53, tn.in, nil)

	tn.clock.tick = 100 + tout/2
	if tn.find_entry(UDP, NAT_INTERNAL, host5, 5001, remote, 53, nil) != fresh {
		t.Fatalf("cannot find fresh entry")
	}

	tn.clock.tick = 100 + tout - 1
	tn.handle_timer(TimerEvent{TMR_CLEANUP_UDP, 0, 0})
	if tn.udp.ents[stale].timeout == 0 {
		t.Errorf("entry swept before timeout")
	}

	tn.clock.tick = 100 + tout
	tn.handle_timer(TimerEvent{TMR_CLEANUP_UDP, 0, 0})
	if tn.udp.ents[stale].timeout != 0 {
		t.Errorf("idle entry not swept")
	}
	if tn.udp.ents[fresh].timeout == 0 {
		t.Errorf("refreshed entry swept")
	}
	if !tn.timers.is_set(TMR_CLEANUP_UDP, 0) {
		t.Errorf("sweep not re-armed")
	}

	// icmp

	tn.clock.tick = 1000
	if ix := tn.add_icmp_entry(host5, remote, ICMP_BIT_ECHO, 1, tn.in); ix < 0 {
		t.Fatalf("cannot add icmp entry: %v", ix)
	}
	tn.clock.tick = 1000 + tn.cfg.icmp_timeout
	tn.handle_timer(TimerEvent{TMR_CLEANUP_ICMP, 0, 0})
	if tn.icmp.used() != 0 {
		t.Errorf("idle icmp entry not swept")
	}
}

func TestIcmpEntries(t *testing.T) {

	tn := new_test_nat(t, test_config())

	tn.mtx.Lock()
	defer tn.mtx.Unlock()

	ix := tn.add_icmp_entry(host5, remote, ICMP_BIT_ECHO, 7, tn.in)
	if ix != 0 {
		t.Fatalf("unexpected slot: %v", ix)
	}
	if res := tn.add_icmp_entry(host5, remote, ICMP_BIT_UNREACH, 7, tn.in); res != -2 {
		t.Errorf("non-query added: %v", res)
	}

	cases := []struct {
		src      IP32
		type_bit uint32
		seq      uint16
		ix       int
	}{
		{remote, ICMP_BIT_ECHOREPLY, 8, -1},
		{remote2, ICMP_BIT_ECHOREPLY, 7, -1},
		{remote, ICMP_BIT_TSTAMPREPLY, 7, -1},
		{remote, ICMP_BIT_UNREACH, 7, ix},
		{remote, ICMP_BIT_ECHOREPLY, 7, ix},
	}
	for _, tc := range cases {
		if got := tn.find_icmp_entry(tc.src, tc.type_bit, tc.seq); got != tc.ix {
			t.Errorf("find %v type(%032b) seq(%v): %v, expected %v", tc.src, tc.type_bit, tc.seq, got, tc.ix)
		}
	}

	tn.delete_icmp_entry(ix)
	if got := tn.find_icmp_entry(remote, ICMP_BIT_ECHOREPLY, 7); got != -1 {
		t.Errorf("deleted entry found: %v", got)
	}

	// fill up

	for ii := 0; ii < tn.cfg.max_icmp; ii++ {
		if res := tn.add_icmp_entry(host5, remote, ICMP_BIT_TSTAMP, uint16(ii), tn.in); res < 0 {
			t.Fatalf("entry %v: table full too early", ii)
		}
	}
	if res := tn.add_icmp_entry(host5, remote, ICMP_BIT_IREQ, 100, tn.in); res != -1 {
		t.Errorf("add to full table: %v", res)
	}
}
