// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Keeps the message log and derived conversation state in single transactions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path, inMemory))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would get its own empty database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// buildDSN applies connection pragmas through the DSN so that every pooled
// connection gets them. Transactions start IMMEDIATE so that writers queue on
// busy_timeout instead of failing on lock upgrade.
func buildDSN(path string, inMemory bool) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if !inMemory {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	return path + "?" + strings.Join(pragmas, "&")
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			pair_key        TEXT NOT NULL UNIQUE,
			booking_ref     TEXT,
			last_message_id INTEGER NOT NULL DEFAULT 0,
			revision        INTEGER NOT NULL DEFAULT 0,
			last_activity   INTEGER NOT NULL,
			archived        INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_activity
			ON conversations(last_activity DESC);

		CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			participant_id  TEXT NOT NULL,
			position        INTEGER NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (conversation_id, participant_id)
		);

		CREATE INDEX IF NOT EXISTS idx_members_participant
			ON conversation_members(participant_id);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id   TEXT NOT NULL REFERENCES conversations(id),
			message_id        INTEGER NOT NULL,
			sender_id         TEXT NOT NULL,
			body              TEXT NOT NULL,
			client_message_id TEXT,
			created_at        INTEGER NOT NULL,

			PRIMARY KEY (conversation_id, message_id)
		);

		CREATE TABLE IF NOT EXISTS message_receipts (
			conversation_id TEXT NOT NULL,
			message_id      INTEGER NOT NULL,
			recipient_id    TEXT NOT NULL,
			status          TEXT NOT NULL,
			updated_at      INTEGER NOT NULL,

			PRIMARY KEY (conversation_id, message_id, recipient_id),
			FOREIGN KEY (conversation_id, message_id) REFERENCES messages(conversation_id, message_id),
			CHECK (status IN ('sent', 'delivered', 'read'))
		);

		CREATE INDEX IF NOT EXISTS idx_receipts_recipient
			ON message_receipts(conversation_id, recipient_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation inserts a conversation and its member rows.
// Returns ErrDuplicateConversation if the participant pair already has one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if len(conv.Participants) != 2 {
		return fmt.Errorf("conversation needs exactly 2 participants, got %d", len(conv.Participants))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, pair_key, booking_ref, last_message_id, revision, last_activity, archived, created_at)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?)
	`,
		conv.ID,
		conv.PairKey,
		conv.BookingRef,
		conv.LastActivity.UnixNano(),
		boolToInt(conv.Archived),
		conv.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i, participantID := range conv.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, participant_id, position, unread_count)
			VALUES (?, ?, ?, 0)
		`, conv.ID, participantID, i); err != nil {
			return fmt.Errorf("inserting conversation member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID, "pair_key", conv.PairKey)
	return nil
}

// conversationColumns is shared by every conversation query so rows can be
// scanned by scanConversationRows. Member columns come last.
const conversationColumns = `
	c.id, c.pair_key, c.booking_ref, c.last_message_id, c.revision,
	c.last_activity, c.archived, c.created_at,
	m.participant_id, m.unread_count
`

// GetConversation retrieves a conversation with its members.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE c.id = ?
		ORDER BY m.position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	defer rows.Close()

	convs, err := scanConversationRows(rows)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, ErrNotFound
	}
	return convs[0], nil
}

// GetConversationByPair retrieves the conversation for a participant pair key.
// Returns ErrNotFound if the pair has no conversation yet.
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, pairKey string) (*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE c.pair_key = ?
		ORDER BY m.position
	`, pairKey)
	if err != nil {
		return nil, fmt.Errorf("querying conversation by pair: %w", err)
	}
	defer rows.Close()

	convs, err := scanConversationRows(rows)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, ErrNotFound
	}
	return convs[0], nil
}

// ListConversationsForParticipant returns the participant's conversations,
// most recent activity first. A single statement produces the whole listing,
// so a concurrent append cannot reorder it half way through.
func (s *SQLiteStore) ListConversationsForParticipant(ctx context.Context, participantID string, includeArchived bool) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversation_members me
		JOIN conversations c ON c.id = me.conversation_id
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE me.participant_id = ? AND (? OR c.archived = 0)
		ORDER BY c.last_activity DESC, c.id, m.position
	`, participantID, boolToInt(includeArchived))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	return scanConversationRows(rows)
}

// scanConversationRows folds one-row-per-member results into conversations,
// preserving the row order of the first member of each conversation.
func scanConversationRows(rows *sql.Rows) ([]*Conversation, error) {
	var convs []*Conversation
	index := make(map[string]*Conversation)

	for rows.Next() {
		var (
			id, pairKey             string
			bookingRef              sql.NullString
			lastMessageID, revision int64
			lastActivity, createdAt int64
			archived                int
			participantID           string
			unread                  int64
		)
		if err := rows.Scan(
			&id, &pairKey, &bookingRef, &lastMessageID, &revision,
			&lastActivity, &archived, &createdAt,
			&participantID, &unread,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv, ok := index[id]
		if !ok {
			conv = &Conversation{
				ID:            id,
				PairKey:       pairKey,
				LastMessageID: lastMessageID,
				Revision:      revision,
				LastActivity:  time.Unix(0, lastActivity).UTC(),
				Archived:      archived != 0,
				CreatedAt:     time.Unix(0, createdAt).UTC(),
				Unread:        make(map[string]int64, 2),
			}
			if bookingRef.Valid {
				ref := bookingRef.String
				conv.BookingRef = &ref
			}
			index[id] = conv
			convs = append(convs, conv)
		}
		conv.Participants = append(conv.Participants, participantID)
		conv.Unread[participantID] = unread
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// SetBookingRef links a conversation to a booking.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SetBookingRef(ctx context.Context, conversationID, bookingRef string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET booking_ref = ? WHERE id = ?`,
		bookingRef, conversationID,
	)
	if err != nil {
		return fmt.Errorf("updating booking ref: %w", err)
	}
	return requireRowsAffected(result)
}

// SetArchived flags or unflags a conversation as archived.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET archived = ? WHERE id = ?`,
		boolToInt(archived), conversationID,
	)
	if err != nil {
		return fmt.Errorf("updating archived flag: %w", err)
	}
	if err := requireRowsAffected(result); err != nil {
		return err
	}

	s.logger.Debug("set archived", "conversation_id", conversationID, "archived", archived)
	return nil
}

// AppendMessage assigns the next message id and writes the message, its
// receipts and the derived conversation state (last activity, revision,
// unread counters) in one transaction. Either all of it commits or none of it.
func (s *SQLiteStore) AppendMessage(ctx context.Context, params AppendParams) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lastID int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_message_id FROM conversations WHERE id = ?`,
		params.ConversationID,
	).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading last message id: %w", err)
	}

	members, err := queryMembers(ctx, tx, params.ConversationID)
	if err != nil {
		return nil, err
	}
	if !contains(members, params.SenderID) {
		return nil, ErrNotParticipant
	}

	msg := &Message{
		ID:              lastID + 1,
		ConversationID:  params.ConversationID,
		SenderID:        params.SenderID,
		Body:            params.Body,
		ClientMessageID: params.ClientMessageID,
		CreatedAt:       params.CreatedAt.UTC(),
		Status:          make(map[string]DeliveryStatus, len(members)-1),
	}
	now := msg.CreatedAt.UnixNano()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, sender_id, body, client_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ConversationID, msg.ID, msg.SenderID, msg.Body, nullString(msg.ClientMessageID), now); err != nil {
		if isConstraintViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	for _, recipient := range members {
		if recipient == msg.SenderID {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_receipts (conversation_id, message_id, recipient_id, status, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ConversationID, msg.ID, recipient, string(StatusSent), now); err != nil {
			return nil, fmt.Errorf("inserting receipt: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_members SET unread_count = unread_count + 1
			WHERE conversation_id = ? AND participant_id = ?
		`, msg.ConversationID, recipient); err != nil {
			return nil, fmt.Errorf("incrementing unread count: %w", err)
		}
		msg.Status[recipient] = StatusSent
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = ?, revision = revision + 1, last_activity = ?, archived = 0
		WHERE id = ? AND last_message_id = ?
	`, msg.ID, now, msg.ConversationID, lastID)
	if err != nil {
		return nil, fmt.Errorf("updating conversation state: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return nil, ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID)
	return msg, nil
}

// ListMessagesSince returns up to limit messages with id > afterID in
// ascending id order, each with its per-recipient delivery status.
// A non-positive limit returns everything after the cursor.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, conversationID string, afterID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.message_id, m.sender_id, m.body, m.client_message_id, m.created_at,
		       r.recipient_id, r.status
		FROM (
			SELECT conversation_id, message_id, sender_id, body, client_message_id, created_at
			FROM messages
			WHERE conversation_id = ? AND message_id > ?
			ORDER BY message_id ASC
			LIMIT ?
		) m
		LEFT JOIN message_receipts r
			ON r.conversation_id = m.conversation_id AND r.message_id = m.message_id
		ORDER BY m.message_id ASC, r.recipient_id ASC
	`, conversationID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	var current *Message
	for rows.Next() {
		var (
			id                  int64
			senderID, body      string
			clientMessageID     sql.NullString
			createdAt           int64
			recipientID, status sql.NullString
		)
		if err := rows.Scan(&id, &senderID, &body, &clientMessageID, &createdAt, &recipientID, &status); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if current == nil || current.ID != id {
			current = &Message{
				ID:              id,
				ConversationID:  conversationID,
				SenderID:        senderID,
				Body:            body,
				ClientMessageID: clientMessageID.String,
				CreatedAt:       time.Unix(0, createdAt).UTC(),
				Status:          make(map[string]DeliveryStatus, 1),
			}
			messages = append(messages, current)
		}
		if recipientID.Valid {
			current.Status[recipientID.String] = DeliveryStatus(status.String)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// MarkRead marks every message up to uptoID not sent by readerID as read and
// recomputes the reader's unread counter from the receipts. Calling it again
// with the same arguments changes nothing. Returns the new unread count.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID string, uptoID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := requireMember(ctx, tx, conversationID, readerID); err != nil {
		return 0, err
	}

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		UPDATE message_receipts SET status = ?, updated_at = ?
		WHERE conversation_id = ? AND recipient_id = ? AND message_id <= ? AND status <> ?
	`, string(StatusRead), now, conversationID, readerID, uptoID, string(StatusRead)); err != nil {
		return 0, fmt.Errorf("updating receipts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_members
		SET unread_count = (
			SELECT COUNT(*) FROM message_receipts
			WHERE conversation_id = ? AND recipient_id = ? AND status <> ?
		)
		WHERE conversation_id = ? AND participant_id = ?
	`, conversationID, readerID, string(StatusRead), conversationID, readerID); err != nil {
		return 0, fmt.Errorf("recomputing unread count: %w", err)
	}

	var unread int64
	if err := tx.QueryRowContext(ctx, `
		SELECT unread_count FROM conversation_members
		WHERE conversation_id = ? AND participant_id = ?
	`, conversationID, readerID).Scan(&unread); err != nil {
		return 0, fmt.Errorf("reading unread count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing read marker: %w", err)
	}

	s.logger.Debug("marked read",
		"conversation_id", conversationID,
		"reader_id", readerID,
		"upto", uptoID,
		"unread", unread)
	return unread, nil
}

// MarkDelivered moves receipts for recipientID from sent to delivered for
// every message up to uptoID. Read receipts are left untouched.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, conversationID, recipientID string, uptoID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_receipts SET status = ?, updated_at = ?
		WHERE conversation_id = ? AND recipient_id = ? AND message_id <= ? AND status = ?
	`, string(StatusDelivered), time.Now().UnixNano(), conversationID, recipientID, uptoID, string(StatusSent))
	if err != nil {
		return fmt.Errorf("marking delivered: %w", err)
	}
	return nil
}

// queryMembers returns the participant ids of a conversation in position order
func queryMembers(ctx context.Context, tx *sql.Tx, conversationID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT participant_id FROM conversation_members
		WHERE conversation_id = ?
		ORDER BY position
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// requireMember returns ErrNotFound for an unknown conversation and
// ErrNotParticipant when participantID is not one of its members.
func requireMember(ctx context.Context, tx *sql.Tx, conversationID, participantID string) error {
	members, err := queryMembers(ctx, tx, conversationID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return ErrNotFound
	}
	if !contains(members, participantID) {
		return ErrNotParticipant
	}
	return nil
}

func requireRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
