package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/judyhq/judy/store"
)

type turnRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           store.Role      `json:"role"`
	Content        string          `json:"content"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	Revision       int64           `json:"revision"`
	CreatedTs      int64           `json:"createdTs"`
	UpdatedTs      int64           `json:"updatedTs"`
}

type conversationRecord struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	CounterpartID string `json:"counterpartId"`
	Backend       string `json:"backend"`
	Title         string `json:"title"`
	CreatedTs     int64  `json:"createdTs"`
	UpdatedTs     int64  `json:"updatedTs"`
}

func conversationKey(ownerID, counterpartID, backend string) []byte {
	return []byte(ownerID + "\x00" + counterpartID + "\x00" + backend)
}

func (d *DB) Migrate(_ context.Context) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationBucket, conversationKeyBucket, turnBucket, logBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "failed to create bucket %s", name)
			}
		}
		return nil
	})
}

func encodeTurn(t *store.Turn) ([]byte, error) {
	status, meta, err := store.MarshalTurnMeta(t.Meta)
	if err != nil {
		return nil, err
	}
	return json.Marshal(turnRecord{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		Role:           t.Role,
		Content:        t.Content,
		Status:         string(status),
		Metadata:       json.RawMessage(meta),
		Revision:       t.Revision,
		CreatedTs:      t.CreatedTs,
		UpdatedTs:      t.UpdatedTs,
	})
}

func decodeTurn(raw []byte) (*store.Turn, error) {
	var rec turnRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode turn")
	}
	meta, err := store.UnmarshalTurnMeta(store.TurnStatus(rec.Status), string(rec.Metadata))
	if err != nil {
		return nil, err
	}
	return &store.Turn{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		Role:           rec.Role,
		Content:        rec.Content,
		Meta:           meta,
		Revision:       rec.Revision,
		CreatedTs:      rec.CreatedTs,
		UpdatedTs:      rec.UpdatedTs,
	}, nil
}

func decodeConversation(raw []byte) (*store.Conversation, error) {
	var rec conversationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode conversation")
	}
	return &store.Conversation{
		ID:            rec.ID,
		OwnerID:       rec.OwnerID,
		CounterpartID: rec.CounterpartID,
		Backend:       rec.Backend,
		Title:         rec.Title,
		CreatedTs:     rec.CreatedTs,
		UpdatedTs:     rec.UpdatedTs,
	}, nil
}

func putConversation(tx *bolt.Tx, c *store.Conversation) error {
	raw, err := json.Marshal(conversationRecord(*c))
	if err != nil {
		return err
	}
	return tx.Bucket(conversationBucket).Put([]byte(c.ID), raw)
}

func (d *DB) UpsertConversation(_ context.Context, upsert *store.Conversation) (*store.Conversation, error) {
	var result *store.Conversation
	err := d.db.Update(func(tx *bolt.Tx) error {
		key := conversationKey(upsert.OwnerID, upsert.CounterpartID, upsert.Backend)
		if id := tx.Bucket(conversationKeyBucket).Get(key); id != nil {
			c, err := decodeConversation(tx.Bucket(conversationBucket).Get(id))
			if err != nil {
				return err
			}
			result = c
			return nil
		}
		c := *upsert
		if err := putConversation(tx, &c); err != nil {
			return err
		}
		if err := tx.Bucket(conversationKeyBucket).Put(key, []byte(c.ID)); err != nil {
			return err
		}
		if _, err := tx.Bucket(logBucket).CreateBucketIfNotExists([]byte(c.ID)); err != nil {
			return err
		}
		result = &c
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert conversation")
	}
	return result, nil
}

func (d *DB) ListConversations(_ context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	var list []*store.Conversation
	match := func(c *store.Conversation) bool {
		return (find.ID == nil || c.ID == *find.ID) &&
			(find.OwnerID == nil || c.OwnerID == *find.OwnerID) &&
			(find.CounterpartID == nil || c.CounterpartID == *find.CounterpartID) &&
			(find.Backend == nil || c.Backend == *find.Backend)
	}
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationBucket)
		if find.ID != nil {
			raw := b.Get([]byte(*find.ID))
			if raw == nil {
				return nil
			}
			c, err := decodeConversation(raw)
			if err != nil {
				return err
			}
			if match(c) {
				list = append(list, c)
			}
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			c, err := decodeConversation(v)
			if err != nil {
				return err
			}
			if match(c) {
				list = append(list, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedTs != list[j].UpdatedTs {
			return list[i].UpdatedTs > list[j].UpdatedTs
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (d *DB) UpdateConversation(_ context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	var result *store.Conversation
	err := d.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(conversationBucket).Get([]byte(update.ID))
		if raw == nil {
			return store.ErrNotFound
		}
		c, err := decodeConversation(raw)
		if err != nil {
			return err
		}
		if update.Title != nil {
			c.Title = *update.Title
		}
		if update.UpdatedTs != nil {
			c.UpdatedTs = *update.UpdatedTs
		}
		result = c
		return putConversation(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *DB) CreateExchange(_ context.Context, create *store.CreateExchange) (*store.Turn, *store.Turn, error) {
	var userTurn, assistantTurn *store.Turn
	err := d.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(conversationBucket).Get([]byte(create.ConversationID))
		if raw == nil {
			return store.ErrNotFound
		}
		log, err := tx.Bucket(logBucket).CreateBucketIfNotExists([]byte(create.ConversationID))
		if err != nil {
			return err
		}
		var newestTs int64
		k, _ := log.Cursor().Last()
		newest, hasNewest := store.ParseOrderKey(k)
		if hasNewest {
			newestTs = newest.Ts
		}
		userTurn, assistantTurn, err = store.NewExchangeTurns(create, newestTs, hasNewest)
		if err != nil {
			return err
		}
		turns := tx.Bucket(turnBucket)
		for _, t := range []*store.Turn{userTurn, assistantTurn} {
			if turns.Get([]byte(t.ID)) != nil {
				return errors.Errorf("turn %s already exists", t.ID)
			}
			enc, err := encodeTurn(t)
			if err != nil {
				return err
			}
			if err := turns.Put([]byte(t.ID), enc); err != nil {
				return err
			}
			if err := log.Put(t.OrderKey().Bytes(), []byte(t.ID)); err != nil {
				return err
			}
		}
		c, err := decodeConversation(raw)
		if err != nil {
			return err
		}
		c.UpdatedTs = create.NowTs / 1_000_000
		return putConversation(tx, c)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, errors.Wrap(err, "failed to create exchange")
	}
	return userTurn, assistantTurn, nil
}

func (d *DB) GetTurn(_ context.Context, id string) (*store.Turn, error) {
	var turn *store.Turn
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(turnBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		t, err := decodeTurn(raw)
		turn = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return turn, nil
}

func (d *DB) ListTurns(_ context.Context, find *store.FindTurn) ([]*store.Turn, error) {
	var list []*store.Turn
	err := d.db.View(func(tx *bolt.Tx) error {
		log := tx.Bucket(logBucket).Bucket([]byte(find.ConversationID))
		if log == nil {
			return nil
		}
		turns := tx.Bucket(turnBucket)
		var before []byte
		if find.Before != nil {
			before = find.Before.Bytes()
		}

		c := log.Cursor()
		var k, v []byte
		next := c.Next
		if find.Desc {
			next = c.Prev
			if before == nil {
				k, v = c.Last()
			} else if k, v = c.Seek(before); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.First()
		}

		for ; k != nil; k, v = next() {
			if !find.Desc && before != nil && bytes.Compare(k, before) >= 0 {
				break
			}
			t, err := decodeTurn(turns.Get(v))
			if err != nil {
				return err
			}
			if find.Role != nil && t.Role != *find.Role {
				continue
			}
			if find.Status != nil && t.Status() != *find.Status {
				continue
			}
			list = append(list, t)
			if find.Limit > 0 && len(list) >= find.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) UpdateTurn(_ context.Context, update *store.UpdateTurn) (*store.Turn, error) {
	var result *store.Turn
	err := d.db.Update(func(tx *bolt.Tx) error {
		turns := tx.Bucket(turnBucket)
		raw := turns.Get([]byte(update.ID))
		if raw == nil {
			return nil
		}
		t, err := decodeTurn(raw)
		if err != nil {
			return err
		}
		if t.Status() != store.StatusStreaming || t.Revision >= update.Revision {
			return nil
		}
		t.Content = update.Content
		t.Meta = update.Meta
		t.Revision = update.Revision
		t.UpdatedTs = update.UpdatedTs
		enc, err := encodeTurn(t)
		if err != nil {
			return err
		}
		result = t
		return turns.Put([]byte(t.ID), enc)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to update turn")
	}
	return result, nil
}

func (d *DB) DeleteTurns(_ context.Context, delete *store.DeleteTurn) (int64, error) {
	var count int64
	err := d.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(logBucket)
		log := logs.Bucket([]byte(delete.ConversationID))
		if log == nil {
			return nil
		}
		turns := tx.Bucket(turnBucket)
		if err := log.ForEach(func(_, v []byte) error {
			count++
			return turns.Delete(v)
		}); err != nil {
			return err
		}
		if err := logs.DeleteBucket([]byte(delete.ConversationID)); err != nil {
			return err
		}
		_, err := logs.CreateBucket([]byte(delete.ConversationID))
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete turns")
	}
	return count, nil
}
