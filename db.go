/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"os"
	"path"
	"time"

	bolt "go.etcd.io/bbolt"
)

/* Persistent store and restore

The DB holds portmap entries for restoration on start up. On start, the DB
from the previous run is renamed with a '~' suffix and opened read only. Its
entries are installed through portmapper which, in turn, saves them into the
new DB. Entries that no longer install, eg. for lack of a route, are not
carried over.

Storing data in DB is accomplished by sending requests to DB channel so that
portmapper never waits for the disk.
*/

const (
	dbname = "natgw.db"
	pmbkt  = "portmap" // portmap record -> time added
)

type DbReq struct {
	cmd int
	rec PortmapRec
}

var db *bolt.DB  // current DB
var rdb *bolt.DB // restore DB
var dbchan chan DbReq
var dbdone chan struct{}

// portmapper hook
func db_persist(cmd int, rec PortmapRec) {
	dbchan <- DbReq{cmd, rec}
}

func db_restore_portmaps(n *Nat) {

	if rdb == nil {
		return
	}

	var recs []PortmapRec

	rdb.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pmbkt))
		if bkt == nil {
			return nil
		}
		log.info("db: restoring portmap entries")
		return bkt.ForEach(func(key, val []byte) error {
			rec, err := decode_portmap_rec(key)
			if err != nil {
				log.err("db: invalid portmap record: %v, discarding", err)
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})

	var buf [PM_REC_LEN]byte
	restored := 0

	for _, rec := range recs {
		rec.encode(buf[:])
		if _, err := n.portmapper(PM_ADD, buf[:]); err != nil {
			log.err("db: cannot restore portmap %v: %v, discarding", rec, err)
			continue
		}
		restored++
	}

	log.info("db: restored portmap entries: %v of %v", restored, len(recs))
}

func db_save_portmap(rec PortmapRec) {

	key := make([]byte, PM_REC_LEN)
	rec.encode(key)
	val := make([]byte, 8)
	be.PutUint64(val, uint64(time.Now().Unix()))

	err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(pmbkt))
		if err != nil {
			return err
		}
		return bkt.Put(key, val)
	})
	if err != nil {
		log.err("db save portmap: failed to save %v: %v", rec, err)
		return
	}
	log.debug("db save portmap: %v", rec)
}

func db_delete_portmap(rec PortmapRec) {

	key := make([]byte, PM_REC_LEN)
	rec.encode(key)

	err := db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pmbkt))
		if bkt == nil {
			return nil
		}
		return bkt.Delete(key)
	})
	if err != nil {
		log.err("db delete portmap: failed to delete %v: %v", rec, err)
		return
	}
	log.debug("db delete portmap: %v", rec)
}

func db_listen() {

	defer close(dbdone)

	for req := range dbchan {

		switch req.cmd {
		case PM_ADD:
			db_save_portmap(req.rec)
		case PM_DELETE:
			db_delete_portmap(req.rec)
		default: // invalid
			log.err("db: unrecognized cmd: %v", req.cmd)
		}
	}
}

func stop_db_restore() {

	if rdb != nil {
		log.info("closing restore DB: %v", dbname+"~")
		rdb.Close()
		rdb = nil
	}
	rdbpath := path.Join(cli.datadir, dbname+"~")
	os.Remove(rdbpath)
}

func stop_db() {

	if dbchan != nil {
		close(dbchan) // drain pending requests first
		<-dbdone
		dbchan = nil
	}
	if db != nil {
		log.info("closing DB: %v", dbname)
		db.Close()
		db = nil
	}
	stop_db_restore()
}

func start_db() {

	var err error

	dbpath := path.Join(cli.datadir, dbname)
	rdbpath := dbpath + "~"

	log.info("opening DB: %v", dbname)

	if err := os.Rename(dbpath, rdbpath); err != nil {
		if os.IsNotExist(err) {
			rdb = nil
		} else {
			log.fatal("cannot rename %v: %v", dbname, err)
		}
	} else {
		rdb, err = bolt.Open(rdbpath, 0666, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
		if err != nil {
			log.fatal("cannot open %v: %v", dbname+"~", err)
		}
	}

	os.MkdirAll(cli.datadir, 0775)
	db, err = bolt.Open(dbpath, 0664, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.fatal("cannot create %v: %v", dbname, err)
	}

	dbchan = make(chan DbReq, PKTQLEN)
	dbdone = make(chan struct{})
	go db_listen()
}
