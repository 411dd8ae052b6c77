/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

var goexit chan (string)

func shell(cmdline string, args ...interface{}) (string, string, int) {

	ret := 0
	cmd := fmt.Sprintf(cmdline, args...)
	runcmd := exec.Command("/bin/sh", "-c", cmd)
	runcmd.Dir = "/"
	out, err := runcmd.CombinedOutput()

	// find out exit code which should be non-negative
	if err != nil {
		toks := strings.Fields(err.Error())
		if len(toks) == 3 && toks[0] == "exit" && toks[1] == "status" {
			res, err := strconv.ParseInt(toks[2], 0, 0)
			if err == nil {
				ret = int(res)
			} else {
				ret = -1
			}
		} else {
			ret = -1 // some other error, not an exit code
		}
	}
	return cmd, strings.TrimSpace(string(out)), ret
}

func catch_signals() {

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigchan

	signal.Stop(sigchan)
	goexit <- "signal(" + sig.String() + ")"
}

func main() {

	parse_cli() // also initializes log

	log.info("START nat gateway")

	goexit = make(chan string)
	go catch_signals()

	getbuf = make(chan *PktBuf, 1)
	retbuf = make(chan *PktBuf, cli.maxbuf)

	go pkt_buffers()

	start_db()

	// devices

	var tuns []*TunDev
	var int_devs []Device

	for _, ifc := range cli.int_ifcs {
		td, err := open_tun(ifc.name, ifc.ip, ifc.mask, cli.tun_mtu)
		if err != nil {
			log.fatal("%v", err)
		}
		tuns = append(tuns, td)
		int_devs = append(int_devs, td)
	}

	rd, err := open_raw(cli.ext_ifc.name, cli.ext_ifc.ip, cli.ext_ifc.mask)
	if err != nil {
		log.fatal("%v", err)
	}

	// routes

	routes := new_routes()
	for _, dev := range int_devs {
		routes.add_dev(dev)
	}
	for _, net := range cli.int_nets {
		for _, dev := range int_devs {
			if prefix_of(dev.addr(), dev.mask()).Contains(net.gw.addr()) {
				routes.add(net.pfx, dev, net.gw)
				break
			}
		}
	}
	routes.add_dev(rd)
	if cli.gw_ip != 0 {
		routes.add(netip.PrefixFrom(netip.IPv4Unspecified(), 0), rd, cli.gw_ip)
		rd.prime(cli.gw_ip)
	}

	// nat

	icmperr := new_icmp_err(routes, ICMP_RATE_LIMIT, ICMP_RATE_BURST)

	nat := &Nat{persist: db_persist}
	if err := nat.nat_init(cli.nat, int_devs, rd, routes, icmperr, new_sys_clock()); err != nil {
		log.fatal("cannot initialize nat: %v", err)
	}

	db_restore_portmaps(nat)
	stop_db_restore()

	go portmap_watcher(nat)
	start_stats(nat)

	for _, td := range tuns {
		go fwd_int(nat, td, td.recv)
	}
	go fwd_ext(nat, rd, rd.recv)

	msg := <-goexit

	nat.shutdown()
	for _, td := range tuns {
		td.close()
	}
	rd.close()
	icmperr.stop()
	stop_db()

	log.info("STOP nat gateway: %v", msg)
}
