package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aiconsole/internal/domain"
)

var _ domain.ChatStore = (*Store)(nil)

// LoadChat rebuilds a chat from its snapshot and the log entries after it.
// A logged mutation that no longer applies is skipped with a warning.
func (s *Store) LoadChat(ctx context.Context, id string) (*domain.Chat, int64, error) {
	var (
		snapshot string
		snapSeq  int64
		lastSeq  int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot, snapshot_seq, last_seq FROM chats WHERE id = ?", id,
	).Scan(&snapshot, &snapSeq, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", domain.ErrChatNotFound, id)
	}
	if err != nil {
		return nil, 0, s.unavailable("load chat", err)
	}

	var chat domain.Chat
	if err := json.Unmarshal([]byte(snapshot), &chat); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot of chat %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, payload FROM chat_mutations WHERE chat_id = ? AND seq > ? ORDER BY seq", id, snapSeq)
	if err != nil {
		return nil, 0, s.unavailable("read mutation log", err)
	}
	defer rows.Close()

	replayed := 0
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, 0, err
		}
		m, err := domain.UnmarshalMutation([]byte(payload))
		if err == nil {
			err = domain.ApplyMutation(&chat, m)
		}
		if err != nil {
			s.logger.Warn("skipping logged mutation", "chat_id", id, "seq", seq, "error", err)
			continue
		}
		replayed++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if replayed > 0 {
		s.logger.Debug("chat replayed", "chat_id", id, "snapshot_seq", snapSeq, "mutations", replayed)
	}
	return &chat, lastSeq, nil
}

// CreateChat stores chat as its initial snapshot at sequence 0.
func (s *Store) CreateChat(ctx context.Context, chat *domain.Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO chats (id, name, snapshot, snapshot_seq, last_seq, last_modified) VALUES (?, ?, ?, 0, 0, ?)",
		chat.ID, chat.Name, string(data), timestamp(chat.LastModified),
	)
	if err != nil {
		return s.unavailable("create chat", err)
	}
	return nil
}

// AppendMutation adds m to the chat's log and returns its sequence number.
// Chat renames are mirrored into the listing columns.
func (s *Store) AppendMutation(ctx context.Context, chatID string, m domain.Mutation) (int64, error) {
	payload, err := domain.MarshalMutation(m)
	if err != nil {
		return 0, fmt.Errorf("marshal mutation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.unavailable("begin append", err)
	}
	defer tx.Rollback()

	now := timestamp(time.Now())
	var seq int64
	err = tx.QueryRowContext(ctx,
		"UPDATE chats SET last_seq = last_seq + 1, last_modified = ? WHERE id = ? RETURNING last_seq", now, chatID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrChatNotFound, chatID)
	}
	if err != nil {
		return 0, s.unavailable("advance sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO chat_mutations (chat_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		chatID, seq, string(m.Kind()), string(payload), now,
	); err != nil {
		return 0, s.unavailable("append mutation", err)
	}
	if rename, ok := m.(domain.SetNameChatMutation); ok {
		if _, err := tx.ExecContext(ctx, "UPDATE chats SET name = ? WHERE id = ?", rename.Name, chatID); err != nil {
			return 0, s.unavailable("rename chat", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, s.unavailable("commit append", err)
	}
	return seq, nil
}

// SaveSnapshot stores chat as of seq and prunes the log entries it covers.
// An older snapshot than the stored one is ignored.
func (s *Store) SaveSnapshot(ctx context.Context, chat *domain.Chat, seq int64) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.unavailable("begin snapshot", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE chats SET snapshot = ?, snapshot_seq = ?, name = ?, last_modified = ? WHERE id = ? AND snapshot_seq <= ? AND last_seq >= ?",
		string(data), seq, chat.Name, timestamp(chat.LastModified), chat.ID, seq, seq,
	)
	if err != nil {
		return s.unavailable("save snapshot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chat_mutations WHERE chat_id = ? AND seq <= ?", chat.ID, seq,
	); err != nil {
		return s.unavailable("prune mutation log", err)
	}
	return tx.Commit()
}

// ListChats returns every chat, most recently modified first.
func (s *Store) ListChats(ctx context.Context) ([]domain.ChatHeadline, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, last_modified FROM chats ORDER BY last_modified DESC, id")
	if err != nil {
		return nil, s.unavailable("list chats", err)
	}
	defer rows.Close()

	var out []domain.ChatHeadline
	for rows.Next() {
		var (
			h        domain.ChatHeadline
			modified string
		)
		if err := rows.Scan(&h.ID, &h.Name, &modified); err != nil {
			return nil, err
		}
		h.LastModified = parseTime(modified)
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteChat removes a chat and its log.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.unavailable("begin delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chat_mutations WHERE chat_id = ?", id); err != nil {
		return s.unavailable("delete mutation log", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id)
	if err != nil {
		return s.unavailable("delete chat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrChatNotFound, id)
	}
	return tx.Commit()
}

// LogLength returns the number of log entries not yet covered by a snapshot.
func (s *Store) LogLength(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_mutations WHERE chat_id = ?", chatID).Scan(&n)
	return n, err
}

func (s *Store) unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}
