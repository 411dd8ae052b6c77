/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* Statistics

Table occupancy is sampled from nat on every scrape. Packets are counted per
receiving device and translation status.
*/

var pkt_counter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "natgw",
		Name:      "packets_total",
		Help:      "Packets received, by device and translation status.",
	},
	[]string{"dev", "status"},
)

func stat_packet(dev string, status Status) {
	pkt_counter.WithLabelValues(dev, status.String()).Inc()
}

func (n *Nat) frags_pending() int {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	if n.frags == nil {
		return 0
	}
	return n.frags.pending()
}

func nat_collectors(n *Nat) []prometheus.Collector {

	gauge := func(name, help string, fn func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "natgw", Name: name, Help: help},
			func() float64 { return float64(fn()) },
		)
	}

	return []prometheus.Collector{
		pkt_counter,
		gauge("tcp_entries", "TCP translation entries in use.", n.used_tcp),
		gauge("udp_entries", "UDP translation entries in use.", n.used_udp),
		gauge("icmp_entries", "ICMP query entries in use.", n.used_icmp),
		gauge("portmap_entries", "Published internal servers.", n.portmap_total),
		gauge("tcp_free_ports", "External TCP ports available.", func() int { return n.free_ports(TCP) }),
		gauge("udp_free_ports", "External UDP ports available.", func() int { return n.free_ports(UDP) }),
		gauge("frag_queues", "Datagrams awaiting reassembly.", n.frags_pending),
	}
}

func start_stats(n *Nat) {

	if len(cli.metrics) == 0 {
		log.info("stats: no metrics address, not serving")
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(nat_collectors(n)...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.info("stats: serving metrics on %v", cli.metrics)

	go func() {
		if err := http.ListenAndServe(cli.metrics, mux); err != nil {
			log.err("stats: metrics server failed: %v", err)
		}
	}()
}
