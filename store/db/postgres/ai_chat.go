package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/judyhq/judy/store"
)

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id             TEXT    PRIMARY KEY,
			owner_id       TEXT    NOT NULL,
			counterpart_id TEXT    NOT NULL,
			backend        TEXT    NOT NULL,
			title          TEXT    NOT NULL DEFAULT '',
			created_ts     BIGINT  NOT NULL,
			updated_ts     BIGINT  NOT NULL,
			UNIQUE (owner_id, counterpart_id, backend)
		)`,
		`CREATE TABLE IF NOT EXISTS turn (
			id              TEXT    PRIMARY KEY,
			conversation_id TEXT    NOT NULL REFERENCES conversation(id) ON DELETE CASCADE,
			role            TEXT    NOT NULL,
			content         TEXT    NOT NULL DEFAULT '',
			status          TEXT    NOT NULL,
			metadata        TEXT    NOT NULL DEFAULT '{}',
			revision        BIGINT  NOT NULL DEFAULT 0,
			created_ts      BIGINT  NOT NULL,
			updated_ts      BIGINT  NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turn_conversation_order ON turn(conversation_id, created_ts, id COLLATE "C")`,
		`CREATE INDEX IF NOT EXISTS idx_turn_conversation_status ON turn(conversation_id, status)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
	}
	return nil
}

func (d *DB) UpsertConversation(ctx context.Context, upsert *store.Conversation) (*store.Conversation, error) {
	stmt := `INSERT INTO conversation (id, owner_id, counterpart_id, backend, title, created_ts, updated_ts)
	         VALUES ($1, $2, $3, $4, $5, $6, $7)
	         ON CONFLICT (owner_id, counterpart_id, backend) DO NOTHING`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.ID, upsert.OwnerID, upsert.CounterpartID, upsert.Backend, upsert.Title, upsert.CreatedTs, upsert.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to insert conversation")
	}
	list, err := d.ListConversations(ctx, &store.FindConversation{
		OwnerID:       &upsert.OwnerID,
		CounterpartID: &upsert.CounterpartID,
		Backend:       &upsert.Backend,
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.New("conversation vanished after upsert")
	}
	return list[0], nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.OwnerID; v != nil {
		where, args = append(where, "owner_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.CounterpartID; v != nil {
		where, args = append(where, "counterpart_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Backend; v != nil {
		where, args = append(where, "backend = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, owner_id, counterpart_id, backend, title, created_ts, updated_ts
		 FROM conversation WHERE %s ORDER BY updated_ts DESC, id ASC`,
		strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	var list []*store.Conversation
	for rows.Next() {
		c := &store.Conversation{}
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.CounterpartID, &c.Backend, &c.Title, &c.CreatedTs, &c.UpdatedTs); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}
	if v := update.Title; v != nil {
		set, args = append(set, "title = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.UpdatedTs; v != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(set) > 0 {
		args = append(args, update.ID)
		stmt := fmt.Sprintf(`UPDATE conversation SET %s WHERE id = %s`, strings.Join(set, ", "), placeholder(len(args)))
		if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
			return nil, errors.Wrap(err, "failed to update conversation")
		}
	}
	list, err := d.ListConversations(ctx, &store.FindConversation{ID: &update.ID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[0], nil
}

func (d *DB) CreateExchange(ctx context.Context, create *store.CreateExchange) (*store.Turn, *store.Turn, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to begin exchange")
	}
	defer tx.Rollback()

	// Lock the conversation row so allocations on one conversation are serialized.
	var conversationID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM conversation WHERE id = $1 FOR UPDATE`, create.ConversationID).
		Scan(&conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, errors.Wrap(err, "failed to lock conversation")
	}
	var newest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(created_ts) FROM turn WHERE conversation_id = $1`, create.ConversationID).
		Scan(&newest); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read newest turn")
	}

	userTurn, assistantTurn, err := store.NewExchangeTurns(create, newest.Int64, newest.Valid)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range []*store.Turn{userTurn, assistantTurn} {
		status, meta, err := store.MarshalTurnMeta(t.Meta)
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turn (id, conversation_id, role, content, status, metadata, revision, created_ts, updated_ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.ID, t.ConversationID, t.Role, t.Content, status, meta, t.Revision, t.CreatedTs, t.UpdatedTs,
		); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to insert %s turn", t.Role)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversation SET updated_ts = $1 WHERE id = $2`,
		create.NowTs/1_000_000, create.ConversationID); err != nil {
		return nil, nil, errors.Wrap(err, "failed to touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, errors.Wrap(err, "failed to commit exchange")
	}
	return userTurn, assistantTurn, nil
}

const turnColumns = `id, conversation_id, role, content, status, metadata, revision, created_ts, updated_ts`

func scanTurn(row interface{ Scan(...any) error }) (*store.Turn, error) {
	var (
		t      store.Turn
		status string
		meta   string
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &status, &meta, &t.Revision, &t.CreatedTs, &t.UpdatedTs); err != nil {
		return nil, err
	}
	m, err := store.UnmarshalTurnMeta(store.TurnStatus(status), meta)
	if err != nil {
		return nil, err
	}
	t.Meta = m
	return &t, nil
}

func (d *DB) GetTurn(ctx context.Context, id string) (*store.Turn, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turn WHERE id = $1`, id)
	t, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get turn")
	}
	return t, nil
}

func (d *DB) ListTurns(ctx context.Context, find *store.FindTurn) ([]*store.Turn, error) {
	where, args := []string{"conversation_id = $1"}, []any{find.ConversationID}
	if v := find.Role; v != nil {
		where, args = append(where, "role = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Status; v != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Before; v != nil {
		ts, id := placeholder(len(args)+1), placeholder(len(args)+2)
		where = append(where, fmt.Sprintf(`(created_ts < %s OR (created_ts = %s AND id COLLATE "C" < %s))`, ts, ts, id))
		args = append(args, v.Ts, v.ID)
	}
	order := "ASC"
	if find.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM turn WHERE %s ORDER BY created_ts %s, id COLLATE "C" %s`,
		turnColumns, strings.Join(where, " AND "), order, order)
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list turns")
	}
	defer rows.Close()

	var list []*store.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (d *DB) UpdateTurn(ctx context.Context, update *store.UpdateTurn) (*store.Turn, error) {
	status, meta, err := store.MarshalTurnMeta(update.Meta)
	if err != nil {
		return nil, err
	}
	stmt := `UPDATE turn SET content = $1, status = $2, metadata = $3, revision = $4, updated_ts = $5
	         WHERE id = $6 AND status = 'streaming' AND revision < $4
	         RETURNING ` + turnColumns
	t, err := scanTurn(d.db.QueryRowContext(ctx, stmt, update.Content, status, meta, update.Revision, update.UpdatedTs, update.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to update turn")
	}
	return t, nil
}

func (d *DB) DeleteTurns(ctx context.Context, delete *store.DeleteTurn) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM turn WHERE conversation_id = $1`, delete.ConversationID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete turns")
	}
	return result.RowsAffected()
}
