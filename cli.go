/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"gopkg.in/yaml.v3"
)

const (
	ddir = "/var/lib/natgw"
)

// device given as name=addr/len
type IfcSpec struct {
	name string
	ip   IP32
	mask IP32
}

// internal network reached through a router on an internal device
type IntNet struct {
	pfx netip.Prefix
	gw  IP32
}

// repeatable flag
type StrList []string

func (sl *StrList) String() string {
	return strings.Join(*sl, ",")
}

func (sl *StrList) Set(val string) error {
	*sl = append(*sl, val)
	return nil
}

var cli struct { // no locks, once setup in cli, never modified thereafter
	debuglist     string
	trace         bool
	stamps        bool
	loglevel      string
	config        string
	datadir       string
	internal      StrList
	routes        StrList
	external      string
	gateway       string
	metrics       string
	portmaps      string
	tun_mtu       int
	maxbuf        int
	min_port      int
	max_conns     int
	max_icmp      int
	max_ftp       int
	tcp_timeout   time.Duration
	udp_timeout   time.Duration
	icmp_timeout  time.Duration
	conn_timeout  time.Duration
	close_timeout time.Duration
	// derived
	debug     map[string]bool
	log_level uint
	int_ifcs  []IfcSpec
	int_nets  []IntNet
	ext_ifc   IfcSpec
	gw_ip     IP32
	ext_mtu   int
	pktbuflen int
	nat       NatConfig
}

// Config file parser for ff. Top level keys are flag names, lists set
// repeatable flags once per item.
func yaml_parser(r io.Reader, set func(name, value string) error) error {

	var m map[string]interface{}

	if err := yaml.NewDecoder(r).Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	for name, val := range m {
		vals, ok := val.([]interface{})
		if !ok {
			vals = []interface{}{val}
		}
		for _, v := range vals {
			if v == nil {
				continue
			}
			if err := set(name, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func parse_ifc_spec(s string) (IfcSpec, error) {

	toks := strings.SplitN(s, "=", 2)
	if len(toks) != 2 || len(toks[0]) == 0 {
		return IfcSpec{}, fmt.Errorf("expecting name=addr/len: %v", s)
	}
	ip, mask, err := parse_ifc_addr(toks[1])
	if err != nil {
		return IfcSpec{}, err
	}
	if ip == 0 || ip.is_mcast() || ip == 0xffffffff {
		return IfcSpec{}, fmt.Errorf("not a unicast address: %v", toks[1])
	}
	return IfcSpec{toks[0], ip, mask}, nil
}

func parse_cli() {

	dflt := default_nat_config()

	flag.StringVar(&cli.debuglist, "debug", "", "enable debug in listed files, comma separated")
	flag.BoolVar(&cli.trace, "trace", false, "enable packet trace")
	flag.BoolVar(&cli.stamps, "time-stamps", false, "print logs with time stamps")
	flag.StringVar(&cli.loglevel, "log-level", "info", "log level: trace, debug, info, error, fatal, none")
	flag.StringVar(&cli.config, "config", "", "yaml config file, keys are flag names")
	flag.StringVar(&cli.datadir, "data", ddir, "data directory")
	flag.Var(&cli.internal, "internal", "internal tun device as name=addr/len, repeat for more devices")
	flag.Var(&cli.routes, "route", "internal network behind a router as addr/len=gateway, repeat for more networks")
	flag.StringVar(&cli.external, "external", "", "external ethernet device as name=addr/len")
	flag.StringVar(&cli.gateway, "gateway", "", "default gateway on the external network")
	flag.StringVar(&cli.metrics, "metrics", "", "serve prometheus metrics on this address, eg. :9478")
	flag.StringVar(&cli.portmaps, "portmaps", "", "portmap file to watch")
	flag.IntVar(&cli.tun_mtu, "tun-mtu", 1500, "MTU of internal tun devices")
	flag.IntVar(&cli.maxbuf, "max-buffers", 64, "max number of packet buffers")
	flag.IntVar(&cli.min_port, "min-port", dflt.min_port, "first external port used for translation")
	flag.IntVar(&cli.max_conns, "max-conns", dflt.max_conns, "max tcp and udp translations each, also the number of external ports")
	flag.IntVar(&cli.max_icmp, "max-icmp", dflt.max_icmp, "max icmp query translations")
	flag.IntVar(&cli.max_ftp, "max-ftp", dflt.max_ftp, "max ftp control connections with adjusted sequence numbers")
	flag.DurationVar(&cli.tcp_timeout, "tcp-timeout", time.Duration(dflt.tcp_timeout)*time.Second, "idle tcp translation timeout")
	flag.DurationVar(&cli.udp_timeout, "udp-timeout", time.Duration(dflt.udp_timeout)*time.Second, "idle udp translation timeout")
	flag.DurationVar(&cli.icmp_timeout, "icmp-timeout", time.Duration(dflt.icmp_timeout)*time.Second, "idle icmp translation timeout")
	flag.DurationVar(&cli.conn_timeout, "conn-timeout", dflt.conn_timeout, "tcp open and close handshake timeout")
	flag.DurationVar(&cli.close_timeout, "close-timeout", dflt.close_timeout, "tcp linger time after close or reset")
	flag.Usage = func() {
		toks := strings.Split(os.Args[0], "/")
		prog := toks[len(toks)-1]
		fmt.Println("User space IPv4 network address translator. Hosts on internal tun")
		fmt.Println("devices share the address of a single external ethernet device.")
		fmt.Println("")
		fmt.Println("   ", prog, "[FLAGS]")
		fmt.Println("")
		fmt.Println("Flags may also be given in environment as NATGW_<FLAG> or in a yaml")
		fmt.Println("config file.")
		fmt.Println("")
		flag.PrintDefaults()
	}

	err := ff.Parse(flag.CommandLine, os.Args[1:],
		ff.WithEnvVarPrefix("NATGW"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(yaml_parser),
	)

	// initialize logger

	cli.debug = make(map[string]bool)

	for _, fname := range strings.Split(cli.debuglist, ",") {

		if len(fname) == 0 {
			continue
		}
		bix := 0
		eix := len(fname)
		if ix := strings.LastIndex(fname, "/"); ix >= 0 {
			bix = ix + 1
		}
		if ix := strings.LastIndex(fname, "."); ix >= 0 {
			eix = ix
		}
		cli.debug[fname[bix:eix]] = true
	}

	if cli.trace {
		cli.log_level = TRACE
	} else {
		level, lerr := parse_log_level(cli.loglevel)
		if lerr != nil {
			fmt.Fprintln(os.Stderr, lerr)
		}
		cli.log_level = level
	}

	log.set(cli.log_level, cli.stamps)

	if err != nil {
		log.fatal("invalid configuration: %v", err)
	}

	// devices

	if len(cli.internal) == 0 {
		log.fatal("missing internal device (try -internal natin=10.0.0.1/24)")
	}
	for _, spec := range cli.internal {
		ifc, err := parse_ifc_spec(spec)
		if err != nil {
			log.fatal("invalid internal device: %v", err)
		}
		cli.int_ifcs = append(cli.int_ifcs, ifc)
	}

	for _, spec := range cli.routes {
		toks := strings.SplitN(spec, "=", 2)
		if len(toks) != 2 {
			log.fatal("invalid route, expecting addr/len=gateway: %v", spec)
		}
		pfx, err := netip.ParsePrefix(toks[0])
		if err != nil || !pfx.Addr().Is4() {
			log.fatal("invalid route network: %v", toks[0])
		}
		gw, err := parse_ip32(toks[1])
		if err != nil {
			log.fatal("invalid route gateway: %v", toks[1])
		}
		onlink := false
		for _, ifc := range cli.int_ifcs {
			if prefix_of(ifc.ip, ifc.mask).Contains(gw.addr()) {
				onlink = true
			}
		}
		if !onlink {
			log.fatal("route gateway %v not on any internal network", gw)
		}
		cli.int_nets = append(cli.int_nets, IntNet{pfx.Masked(), gw})
	}

	if len(cli.external) == 0 {
		log.fatal("missing external device (try -external eth0=198.51.100.2/24)")
	}
	cli.ext_ifc, err = parse_ifc_spec(cli.external)
	if err != nil {
		log.fatal("invalid external device: %v", err)
	}
	for _, ifc := range cli.int_ifcs {
		if ifc.name == cli.ext_ifc.name {
			log.fatal("device is both internal and external: %v", ifc.name)
		}
	}

	if len(cli.gateway) != 0 {
		cli.gw_ip, err = parse_ip32(cli.gateway)
		if err != nil {
			log.fatal("invalid gateway address: %v: %v", cli.gateway, err)
		}
		if !prefix_of(cli.ext_ifc.ip, cli.ext_ifc.mask).Contains(cli.gw_ip.addr()) {
			log.fatal("gateway %v not on external network %v", cli.gw_ip, prefix_of(cli.ext_ifc.ip, cli.ext_ifc.mask))
		}
	}

	// deduce external interface mtu

	if ifc, err := net.InterfaceByName(cli.ext_ifc.name); err == nil {
		cli.ext_mtu = ifc.MTU
	} else {
		log.err("cannot deduce mtu of external interface %v: %v, using default", cli.ext_ifc.name, err)
		cli.ext_mtu = 1500
	}

	if cli.tun_mtu <= IPv4_HDR_MIN_LEN || cli.tun_mtu >= 0xffff {
		log.fatal("invalid tun mtu: %v", cli.tun_mtu)
	}
	if cli.ext_mtu <= IPv4_HDR_MIN_LEN || cli.ext_mtu >= 0xffff {
		log.fatal("invalid external interface mtu: %v", cli.ext_mtu)
	}

	cli.pktbuflen = TUN_HDR_LEN + max(cli.tun_mtu, cli.ext_mtu) + 8
	cli.pktbuflen += 7
	cli.pktbuflen &^= 7

	// nat settings

	cli.nat = NatConfig{
		min_port:      cli.min_port,
		max_conns:     cli.max_conns,
		max_icmp:      cli.max_icmp,
		max_ftp:       cli.max_ftp,
		tcp_timeout:   uint32(cli.tcp_timeout / time.Second),
		udp_timeout:   uint32(cli.udp_timeout / time.Second),
		icmp_timeout:  uint32(cli.icmp_timeout / time.Second),
		conn_timeout:  cli.conn_timeout,
		close_timeout: cli.close_timeout,
	}
	if err := cli.nat.validate(); err != nil {
		log.fatal("invalid nat settings: %v", err)
	}

	// validate file paths

	cli.datadir = absolute("data directory path", cli.datadir)
	if len(cli.portmaps) != 0 {
		cli.portmaps = absolute("portmap file path", cli.portmaps)
	}

	// validate maxbuf

	if cli.maxbuf < 16 {
		cli.maxbuf = 16
	}
	if cli.maxbuf > 1024 {
		cli.maxbuf = 1024
	}
}

func absolute(desc, path string) string {

	if len(path) == 0 {
		log.fatal("missing %v", desc)
	}

	apath, err := filepath.Abs(path)
	if err != nil {
		log.fatal("invalid %v: %v: %v", desc, path, err)
	}
	return apath
}
