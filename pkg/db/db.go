// Package db wraps a bbolt file with named buckets of gob-encoded records.
package db

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

var logger = logrus.WithField("pkg", "db")

type Client struct {
	BoltDB *bbolt.DB
	path   string
}

// DefaultOptions keeps the file small and fails fast when another process
// holds the lock.
func DefaultOptions() *bbolt.Options {
	return &bbolt.Options{
		Timeout:      2 * time.Second,
		PageSize:     16 * 1024,
		NoGrowSync:   true,
		FreelistType: bbolt.FreelistArrayType,
	}
}

func Open(dbPath string) (*Client, error) {
	return OpenWithOptions(dbPath, DefaultOptions())
}

func OpenWithOptions(dbPath string, opts *bbolt.Options) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}
	bdb, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", dbPath)
	}
	logger.Debugf("database opened: %s", dbPath)
	return &Client{BoltDB: bdb, path: dbPath}, nil
}

func (c *Client) Path() string {
	return c.path
}

func (c *Client) Close() error {
	return c.BoltDB.Close()
}
