/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	bolt "go.etcd.io/bbolt"
)

func TestDbRestore(t *testing.T) {

	log.set(ERROR, false)
	cli.datadir = t.TempDir()

	web := PortmapRec{TCP, host5, 80, 8080}
	dns := PortmapRec{UDP, host6, 53, 5353}
	gone := PortmapRec{TCP, remote, 80, 80} // no longer routed internally

	// previous run

	start_db()
	db_persist(PM_ADD, web)
	db_persist(PM_ADD, dns)
	db_persist(PM_ADD, gone)
	db_persist(PM_DELETE, web)
	db_persist(PM_ADD, web)
	db_persist(PM_DELETE, dns)
	stop_db()

	// restore into a new nat, restored entries are saved again

	start_db()

	tn := new_test_nat(t, test_config())
	tn.persist = db_persist

	db_restore_portmaps(tn.Nat)
	stop_db_restore()

	want := []PortmapRec{web}
	if diff := cmp.Diff(want, pm_read(t, tn), cmp.AllowUnexported(PortmapRec{})); diff != "" {
		t.Errorf("restored portmaps mismatch (-want +got):\n%v", diff)
	}

	tn.persist = nil
	stop_db()

	// what the next run would see

	start_db()
	defer stop_db()

	var saved []PortmapRec
	err := rdb.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pmbkt))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(key, val []byte) error {
			rec, err := decode_portmap_rec(key)
			if err != nil {
				return err
			}
			if len(val) != 8 || be.Uint64(val) == 0 {
				t.Errorf("invalid time stamp of %v: % x", rec, val)
			}
			saved = append(saved, rec)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("cannot read saved portmaps: %v", err)
	}
	if diff := cmp.Diff(want, saved, cmp.AllowUnexported(PortmapRec{})); diff != "" {
		t.Errorf("saved portmaps mismatch (-want +got):\n%v", diff)
	}
}

func TestDbEmpty(t *testing.T) {

	log.set(ERROR, false)
	cli.datadir = t.TempDir()

	start_db()
	defer stop_db()

	if rdb != nil {
		t.Errorf("restore DB opened on first run")
	}

	tn := new_test_nat(t, test_config())
	db_restore_portmaps(tn.Nat)
	if tn.portmap_total() != 0 {
		t.Errorf("portmaps restored from nothing: %v", tn.portmap_total())
	}
}
