package store

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/judyhq/judy/internal/profile"
)

// Driver is the storage engine behind the Message Log.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	UpsertConversation(ctx context.Context, upsert *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)

	CreateExchange(ctx context.Context, create *CreateExchange) (*Turn, *Turn, error)
	GetTurn(ctx context.Context, id string) (*Turn, error)
	ListTurns(ctx context.Context, find *FindTurn) ([]*Turn, error)
	UpdateTurn(ctx context.Context, update *UpdateTurn) (*Turn, error)
	DeleteTurns(ctx context.Context, delete *DeleteTurn) (int64, error)
}

const turnLockStripes = 64

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// turnLocks serialize writes per turn id.
	turnLocks [turnLockStripes]sync.Mutex
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) turnLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.turnLocks[h.Sum32()%turnLockStripes]
}
