// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var logsBucket = []byte("logs-v1")

const defaultMaxKeys = 100000

// DB persists log entries to a bbolt file, keyed by timestamp, pruning
// the oldest entry once maxKeys is reached.
type DB struct {
	dbPath  string
	maxKeys int

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for the last entry to be written before closing the db.
	saveWG *sync.WaitGroup
}

// NewDB new log database.
func NewDB(dbPath string, wg *sync.WaitGroup) *DB {
	return &DB{
		dbPath:  dbPath,
		maxKeys: defaultMaxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// Init opens the database and schedules its shutdown on ctx cancel.
func (d *DB) Init(ctx context.Context) error {
	db, err := bolt.Open(d.dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open log database %v: %w", d.dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create bucket: %w", err)
	}

	d.db = db

	d.wg.Add(1)
	go func() {
		<-ctx.Done()
		d.saveWG.Wait()
		db.Close()
		d.wg.Done()
	}()

	return nil
}

// SaveLogs stores entries from the logger until ctx is canceled.
func (d *DB) SaveLogs(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	d.saveWG.Add(1)
	for {
		select {
		case <-ctx.Done():
			d.saveWG.Done()
			return
		case entry := <-feed:
			if err := d.saveLog(entry); err != nil {
				fmt.Fprintf(os.Stderr, "could not save log: %v %v", entry.Msg, err)
				l.Error().Src("app").Msgf("could not save log: '%v' %v", entry.Msg, err)
			}
		}
	}
}

func (d *DB) saveLog(entry Log) error {
	value, _ := json.Marshal(entry)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logsBucket)

		if b.Stats().KeyN >= d.maxKeys {
			oldest, _ := b.Cursor().First()
			if err := b.Delete(oldest); err != nil {
				return fmt.Errorf("prune oldest entry: %w", err)
			}
		}
		return b.Put(encodeKey(uint64(entry.Time)), value)
	})
}

// Query filters for reading entries back, newest first. Nil filter
// fields match everything.
type Query struct {
	Levels  []Level
	Time    UnixMillisecond // Start before this time, 0 means newest.
	Sources []string
	Paths   []string
	Limit   int
}

func (q *Query) match(entry Log) bool {
	return matchLevel(entry.Level, q.Levels) &&
		matchString(entry.Src, q.Sources) &&
		matchString(entry.Path, q.Paths)
}

// Query returns matching entries walking backward from q.Time.
func (d *DB) Query(q Query) ([]Log, error) {
	limit := q.Limit
	if limit == 0 {
		limit = defaultMaxKeys
	}

	var logs []Log
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()

		var key, value []byte
		if q.Time == 0 {
			key, value = c.Last()
		} else {
			c.Seek(encodeKey(uint64(q.Time)))
			key, value = c.Prev()
		}

		for ; key != nil; key, value = c.Prev() {
			var entry Log
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("unmarshal log: %w", err)
			}
			if q.match(entry) {
				logs = append(logs, entry)
				if len(logs) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return logs, nil
}

func matchLevel(level Level, levels []Level) bool {
	if levels == nil {
		return true
	}
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

func matchString(v string, values []string) bool {
	if values == nil {
		return true
	}
	for _, v2 := range values {
		if v2 == v {
			return true
		}
	}
	return false
}

func encodeKey(key uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, key)
	return out
}
