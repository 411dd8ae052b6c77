/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
)

/* Routes

Each device contributes a connected route for its subnet. A default route
through the configured gateway points at the external device. Internal
networks beyond the directly attached subnets may be added with a gateway on
an internal device.
*/

type Route struct {
	dev Device
	gw  IP32 // next hop, 0 if directly connected
}

type Routes struct {
	mtx sync.RWMutex
	tbl bart.Table[Route]
}

func new_routes() *Routes {
	return &Routes{}
}

func (r *Routes) add(pfx netip.Prefix, dev Device, gw IP32) {

	r.mtx.Lock()
	r.tbl.Insert(pfx.Masked(), Route{dev, gw})
	r.mtx.Unlock()

	if gw == 0 {
		log.info("route: %v dev %v", pfx.Masked(), dev.name())
	} else {
		log.info("route: %v via %v dev %v", pfx.Masked(), gw, dev.name())
	}
}

// connected route of a device
func (r *Routes) add_dev(dev Device) {
	r.add(prefix_of(dev.addr(), dev.mask()), dev, 0)
}

// Remove all routes through a device.
func (r *Routes) del_dev(dev Device) {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	var pfxs []netip.Prefix
	for pfx, rt := range r.tbl.All4() {
		if rt.dev != nil && rt.dev.name() == dev.name() {
			pfxs = append(pfxs, pfx)
		}
	}
	for _, pfx := range pfxs {
		r.tbl.Delete(pfx)
	}
}

func (r *Routes) lookup(ip IP32) (Route, bool) {

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.tbl.Lookup(ip.addr())
}
