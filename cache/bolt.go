package cache

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("minichat")

// BoltKV implements IKeyValue on a single bbolt bucket.
type BoltKV struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*BoltKV, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: create bucket: %w", err)
	}

	glog.V(5).Infof("cache: opened bolt file %s", path)
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Get(key string) (string, bool, error) {
	var (
		out   string
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt == nil {
			return nil
		}
		// value is only valid inside the transaction, copy it out.
		if v := bkt.Get([]byte(key)); v != nil {
			out = string(v)
			found = true
		}
		return nil
	})
	return out, found, err
}

func (b *BoltKV) Set(key, value string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), []byte(value))
	})
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}
