// Package eventlog is the append-only record of task/session state
// transitions (spec §3 Event, §6 "append-only segment files"). It is kept
// separate from the relational storage engine and backed by BoltDB, the way
// cuemby-warren's pkg/storage/boltdb.go backs its cluster state: one bucket
// per session, keys are zero-padded task ids so ForEach iterates in order.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"path/filepath"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/flameerr"
	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("events")

// Log is the append-only event store for one session-manager instance.
type Log struct {
	db *bolt.DB
}

// Open creates/opens the bbolt-backed segment file under dataDir.
func Open(dataDir string) (*Log, error) {
	path := filepath.Join(dataDir, "events.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "open event log")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, flameerr.Wrap(flameerr.Storage, err, "init event log bucket")
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

func sessionBucketName(sessionID string) []byte {
	return []byte("ssn/" + sessionID)
}

func eventKey(taskID uint64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], taskID)
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// Append records one event for (sessionID, taskID). taskID is 0 for events
// about the session itself rather than a specific task.
func (l *Log) Append(ev apis.Event) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		bucket, err := root.CreateBucketIfNotExists(sessionBucketName(ev.SessionID))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return bucket.Put(eventKey(ev.TaskID, seq), data)
	})
}

// ForTask returns every event recorded for one task, in append order.
func (l *Log) ForTask(sessionID string, taskID uint64) ([]apis.Event, error) {
	var out []apis.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		bucket := root.Bucket(sessionBucketName(sessionID))
		if bucket == nil {
			return nil
		}
		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, taskID)
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ev apis.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "read task events")
	}
	return out, nil
}

// ForSession returns every event recorded under a session (session-level
// and all of its tasks), in append order within each task bucket region.
func (l *Log) ForSession(sessionID string) ([]apis.Event, error) {
	var out []apis.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		bucket := root.Bucket(sessionBucketName(sessionID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var ev apis.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "read session events")
	}
	return out, nil
}

// DeleteSession purges every event recorded for a session. Called only by
// session deletion (spec: "purged when the owning session is deleted").
func (l *Log) DeleteSession(sessionID string) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root.Bucket(sessionBucketName(sessionID)) == nil {
			return nil
		}
		return root.DeleteBucket(sessionBucketName(sessionID))
	})
	if err != nil {
		return flameerr.Wrap(flameerr.Storage, err, "delete session events")
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
