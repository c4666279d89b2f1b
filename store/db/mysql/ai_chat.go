package mysql

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
		"CREATE TABLE IF NOT EXISTS `conversation` (" +
			"`id` VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY," +
			"`owner_id` VARCHAR(191) NOT NULL," +
			"`counterpart_id` VARCHAR(191) NOT NULL," +
			"`backend` VARCHAR(64) NOT NULL," +
			"`title` TEXT NOT NULL," +
			"`created_ts` BIGINT NOT NULL," +
			"`updated_ts` BIGINT NOT NULL," +
			"UNIQUE KEY `uniq_conversation_pair` (`owner_id`, `counterpart_id`, `backend`)" +
			")",
		"CREATE TABLE IF NOT EXISTS `turn` (" +
			"`id` VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY," +
			"`conversation_id` VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL," +
			"`role` VARCHAR(32) NOT NULL," +
			"`content` LONGTEXT NOT NULL," +
			"`status` VARCHAR(32) NOT NULL," +
			"`metadata` TEXT NOT NULL," +
			"`revision` BIGINT NOT NULL DEFAULT 0," +
			"`created_ts` BIGINT NOT NULL," +
			"`updated_ts` BIGINT NOT NULL," +
			"KEY `idx_turn_conversation_order` (`conversation_id`, `created_ts`, `id`)," +
			"KEY `idx_turn_conversation_status` (`conversation_id`, `status`)," +
			"CONSTRAINT `fk_turn_conversation` FOREIGN KEY (`conversation_id`) REFERENCES `conversation`(`id`) ON DELETE CASCADE" +
			")",
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
	}
	return nil
}

func (d *DB) UpsertConversation(ctx context.Context, upsert *store.Conversation) (*store.Conversation, error) {
	stmt := "INSERT IGNORE INTO `conversation` (`id`, `owner_id`, `counterpart_id`, `backend`, `title`, `created_ts`, `updated_ts`) VALUES (?, ?, ?, ?, ?, ?, ?)"
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
		where, args = append(where, "`id` = ?"), append(args, *v)
	}
	if v := find.OwnerID; v != nil {
		where, args = append(where, "`owner_id` = ?"), append(args, *v)
	}
	if v := find.CounterpartID; v != nil {
		where, args = append(where, "`counterpart_id` = ?"), append(args, *v)
	}
	if v := find.Backend; v != nil {
		where, args = append(where, "`backend` = ?"), append(args, *v)
	}
	query := "SELECT `id`, `owner_id`, `counterpart_id`, `backend`, `title`, `created_ts`, `updated_ts` FROM `conversation` WHERE " +
		strings.Join(where, " AND ") + " ORDER BY `updated_ts` DESC, `id` ASC"
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
		set, args = append(set, "`title` = ?"), append(args, *v)
	}
	if v := update.UpdatedTs; v != nil {
		set, args = append(set, "`updated_ts` = ?"), append(args, *v)
	}
	if len(set) > 0 {
		args = append(args, update.ID)
		stmt := "UPDATE `conversation` SET " + strings.Join(set, ", ") + " WHERE `id` = ?"
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

	var conversationID string
	if err := tx.QueryRowContext(ctx, "SELECT `id` FROM `conversation` WHERE `id` = ? FOR UPDATE", create.ConversationID).
		Scan(&conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, errors.Wrap(err, "failed to lock conversation")
	}
	var newest sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(`created_ts`) FROM `turn` WHERE `conversation_id` = ?", create.ConversationID).
		Scan(&newest); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read newest turn")
	}

	userTurn, assistantTurn, err := store.NewExchangeTurns(create, newest.Int64, newest.Valid)
	if err != nil {
		return nil, nil, err
	}
	stmt := "INSERT INTO `turn` (`id`, `conversation_id`, `role`, `content`, `status`, `metadata`, `revision`, `created_ts`, `updated_ts`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	for _, t := range []*store.Turn{userTurn, assistantTurn} {
		status, meta, err := store.MarshalTurnMeta(t.Meta)
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx, stmt,
			t.ID, t.ConversationID, t.Role, t.Content, status, meta, t.Revision, t.CreatedTs, t.UpdatedTs,
		); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to insert %s turn", t.Role)
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE `conversation` SET `updated_ts` = ? WHERE `id` = ?",
		create.NowTs/1_000_000, create.ConversationID); err != nil {
		return nil, nil, errors.Wrap(err, "failed to touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, errors.Wrap(err, "failed to commit exchange")
	}
	return userTurn, assistantTurn, nil
}

const turnColumns = "`id`, `conversation_id`, `role`, `content`, `status`, `metadata`, `revision`, `created_ts`, `updated_ts`"

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
	t, err := scanTurn(d.db.QueryRowContext(ctx, "SELECT "+turnColumns+" FROM `turn` WHERE `id` = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get turn")
	}
	return t, nil
}

func (d *DB) ListTurns(ctx context.Context, find *store.FindTurn) ([]*store.Turn, error) {
	where, args := []string{"`conversation_id` = ?"}, []any{find.ConversationID}
	if v := find.Role; v != nil {
		where, args = append(where, "`role` = ?"), append(args, *v)
	}
	if v := find.Status; v != nil {
		where, args = append(where, "`status` = ?"), append(args, *v)
	}
	if v := find.Before; v != nil {
		where = append(where, "(`created_ts` < ? OR (`created_ts` = ? AND `id` < ?))")
		args = append(args, v.Ts, v.Ts, v.ID)
	}
	order := "ASC"
	if find.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM `turn` WHERE %s ORDER BY `created_ts` %s, `id` %s",
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
	stmt := "UPDATE `turn` SET `content` = ?, `status` = ?, `metadata` = ?, `revision` = ?, `updated_ts` = ? " +
		"WHERE `id` = ? AND `status` = 'streaming' AND `revision` < ?"
	result, err := d.db.ExecContext(ctx, stmt, update.Content, status, meta, update.Revision, update.UpdatedTs, update.ID, update.Revision)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update turn")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}
	return d.GetTurn(ctx, update.ID)
}

func (d *DB) DeleteTurns(ctx context.Context, delete *store.DeleteTurn) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM `turn` WHERE `conversation_id` = ?", delete.ConversationID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete turns")
	}
	return result.RowsAffected()
}
