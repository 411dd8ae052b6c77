/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"bufio"
	"bytes"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DEBOUNCE = time.Duration(4765 * time.Millisecond) // [s] file event debounce time
)

/* Portmap file

The portmap file lists internal servers published on external ports, one per
line:

	# proto  internal         external port
	tcp      10.0.0.5:80      8080
	tcp      10.0.0.6:80      8080   # second server on the same port
	udp      10.0.0.7:53      53

We watch the file for changes, then debounce file events before parsing. The
parsing routine waits for its debounce timer to fire. The timer is restarted
on every file event. That way a series of rapid file events is reduced to a
single timer event.

When present, the file is authoritative. After each parse, entries not in the
file are removed from the portmap table and entries missing from the table are
added to it.
*/

// parse portmap file, return records in file order
func parse_portmap_file(fname string, input io.Reader) []PortmapRec {

	var recs []PortmapRec
	seen := make(map[PortmapRec]bool) // detect duplicate entries
	line_scanner := bufio.NewScanner(input)
	lno := 0

	for line_scanner.Scan() {

		lno += 1

		toks := strings.Fields(strings.Split(line_scanner.Text(), "#")[0])

		if len(toks) == 0 {
			continue // empty or comment line
		}
		if len(toks) != 3 {
			log.err("portmap file: %v(%v): expecting: proto addr:port port", fname, lno)
			continue
		}

		rec := PortmapRec{}

		switch strings.ToLower(toks[0]) {
		case "tcp":
			rec.proto = TCP
		case "udp":
			rec.proto = UDP
		default:
			log.err("portmap file: %v(%v): invalid protocol: %v", fname, lno, toks[0])
			continue
		}

		addrport, err := netip.ParseAddrPort(toks[1])
		if err != nil || !addrport.Addr().Is4() {
			log.err("portmap file: %v(%v): invalid internal address: %v", fname, lno, toks[1])
			continue
		}
		rec.int_ip = ip32_from_addr(addrport.Addr())
		rec.int_port = addrport.Port()
		if rec.int_ip == 0 || rec.int_port == 0 {
			log.err("portmap file: %v(%v): invalid internal address: %v", fname, lno, toks[1])
			continue
		}

		ext_port, err := strconv.ParseUint(toks[2], 10, 16)
		if err != nil || ext_port == 0 {
			log.err("portmap file: %v(%v): invalid external port: %v", fname, lno, toks[2])
			continue
		}
		rec.ext_port = uint16(ext_port)

		if seen[rec] {
			log.err("portmap file: %v(%v): duplicate entry: %v", fname, lno, rec)
			continue
		}
		seen[rec] = true
		recs = append(recs, rec)

		log.debug("portmap file: %v %3d  %v", fname, lno, rec)
	}

	return recs
}

// Bring the portmap table in line with the records.
func install_portmap_records(n *Nat, recs []PortmapRec) {

	want := make(map[PortmapRec]bool)
	for _, rec := range recs {
		want[rec] = true
	}

	// current table

	buf := make([]byte, (n.portmap_total()+1)*PM_REC_LEN)
	cnt, err := n.portmapper(PM_READ, buf)
	if err != nil {
		log.err("portmap file: cannot read portmap table: %v", err)
		return
	}
	have := make(map[PortmapRec]bool)
	for ii := 0; ii < cnt; ii++ {
		rec, _ := decode_portmap_rec(buf[ii*PM_REC_LEN:])
		have[rec] = true
	}

	var rbuf [PM_REC_LEN]byte
	added, deleted := 0, 0

	for rec := range have {
		if want[rec] {
			continue
		}
		rec.encode(rbuf[:])
		if _, err := n.portmapper(PM_DELETE, rbuf[:]); err == nil {
			deleted++
		}
	}

	for _, rec := range recs {
		if have[rec] {
			continue
		}
		rec.encode(rbuf[:])
		if _, err := n.portmapper(PM_ADD, rbuf[:]); err == nil {
			added++
		}
	}

	log.info("portmap file: added(%v) deleted(%v) total(%v)", added, deleted, n.portmap_total())
}

func parse_portmaps(n *Nat, path string, timer *time.Timer) {

	fname := filepath.Base(path)

	for range timer.C {

		wholefile, err := os.ReadFile(path)
		if err != nil {
			log.err("portmap file: cannot read file %v: %v", fname, err)
			continue
		}
		log.debug("portmap file: parsing file: %v", fname)
		recs := parse_portmap_file(fname, bytes.NewReader(wholefile))
		log.info("portmap file: parsing file: %v: total number of portmap records: %v", fname, len(recs))

		install_portmap_records(n, recs)
	}
}

// watch portmap file for changes
func portmap_watcher(n *Nat) {

	if len(cli.portmaps) == 0 {
		log.info("portmap file: nothing to watch, exiting")
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.fatal("portmap file: cannot setup file watcher: %v", err)
	}
	defer watcher.Close()

	path := cli.portmaps
	fname := filepath.Base(path)
	timer := time.NewTimer(1) // parse immediately

	if err := watcher.Add(path); err != nil {
		log.fatal("portmap file: cannot watch file %v: %v", fname, err)
	}
	go parse_portmaps(n, path, timer)
	log.info("portmap file: watching file: %v", fname)

	// watch file changes

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			log.debug("portmap file: file changed: %v %v", filepath.Base(event.Name), event.Op)
			if event.Name != path {
				log.err("portmap file: unexpected event from file: %v", filepath.Base(event.Name))
				continue
			}
			timer.Stop()
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// re-install watcher (no need to remove first)
				if err := watcher.Add(event.Name); err != nil {
					log.err("portmap file: cannot re-watch file %v: %v", fname, err)
				}
			}
			timer.Reset(DEBOUNCE)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.err("portmap file: file watch: %v", err)
		}
	}
}
