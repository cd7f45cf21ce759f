package db

import (
	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var ErrBucketNotFound = errors.New("bucket not found")

type Bucket struct {
	db   *bbolt.DB
	Name []byte
}

func (c *Client) Bucket(name string) (*Bucket, error) {
	if err := c.BoltDB.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	}); err != nil {
		return nil, errors.Wrapf(err, "create bucket %s", name)
	}
	return &Bucket{db: c.BoltDB, Name: []byte(name)}, nil
}

func (b *Bucket) Update(fn func(bucket *bbolt.Bucket) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.Name)
		if bucket == nil {
			return errors.Wrapf(ErrBucketNotFound, "%s", b.Name)
		}
		return fn(bucket)
	})
}

func (b *Bucket) View(fn func(bucket *bbolt.Bucket) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.Name)
		if bucket == nil {
			return errors.Wrapf(ErrBucketNotFound, "%s", b.Name)
		}
		return fn(bucket)
	})
}

func (b *Bucket) Delete(key []byte) error {
	return b.Update(func(bucket *bbolt.Bucket) error {
		return bucket.Delete(key)
	})
}

func (b *Bucket) Count() (int, error) {
	var count int
	err := b.View(func(bucket *bbolt.Bucket) error {
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// Records stores values of V under string keys, gob encoded.
type Records[V any] struct {
	*Bucket
	ser *pool.Serializer
}

func NewRecords[V any](b *Bucket) *Records[V] {
	return &Records[V]{Bucket: b, ser: pool.DefaultSerializer}
}

func (r *Records[V]) Put(key string, v *V) error {
	data, err := r.ser.Serialize(v)
	if err != nil {
		return err
	}
	return r.Update(func(bucket *bbolt.Bucket) error {
		return bucket.Put([]byte(key), data)
	})
}

// Get returns nil when key is absent.
func (r *Records[V]) Get(key string) (*V, error) {
	var out *V
	err := r.View(func(bucket *bbolt.Bucket) error {
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		out = new(V)
		return r.ser.Deserialize(data, out)
	})
	return out, err
}

// Modify decodes the record under key, applies fn and stores it back in one
// transaction. It reports whether the key existed.
func (r *Records[V]) Modify(key string, fn func(v *V)) (bool, error) {
	found := false
	err := r.Update(func(bucket *bbolt.Bucket) error {
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		v := new(V)
		if err := r.ser.Deserialize(data, v); err != nil {
			return err
		}
		fn(v)
		enc, err := r.ser.Serialize(v)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), enc)
	})
	return found, err
}

// ForEach visits records in key order until fn returns false. Undecodable
// records are skipped with a warning.
func (r *Records[V]) ForEach(fn func(key string, v *V) bool) error {
	return r.View(func(bucket *bbolt.Bucket) error {
		c := bucket.Cursor()
		for k, data := c.First(); k != nil; k, data = c.Next() {
			v := new(V)
			if err := r.ser.Deserialize(data, v); err != nil {
				logger.Warnf("skipping record %s/%s: %v", r.Name, k, err)
				continue
			}
			if !fn(string(k), v) {
				return nil
			}
		}
		return nil
	})
}

func (r *Records[V]) Remove(key string) error {
	return r.Delete([]byte(key))
}
