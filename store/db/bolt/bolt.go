package bolt

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/store"
)

// Buckets within the single database file.
var (
	conversationBucket    = []byte("conversation")
	conversationKeyBucket = []byte("conversation_key")
	turnBucket            = []byte("turn")
	// logBucket holds one nested bucket per conversation, keyed by order key bytes.
	logBucket = []byte("log")
)

type DB struct {
	db      *bolt.DB
	profile *profile.Profile
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}
	if err := os.MkdirAll(filepath.Dir(profile.DSN), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}
	db, err := bolt.Open(profile.DSN, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bolt database: %s", profile.DSN)
	}
	return &DB{db: db, profile: profile}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
