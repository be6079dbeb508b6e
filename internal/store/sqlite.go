package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/state"
)

// SQLiteStore implements all repositories using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	Sessions *SQLiteSessionRepo
	Messages *SQLiteMessageRepo
	Contacts *SQLiteContactRepo
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps in-memory databases coherent and sidesteps
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := &SQLiteStore{
		db:       db,
		Sessions: &SQLiteSessionRepo{db: db},
		Messages: &SQLiteMessageRepo{db: db},
		Contacts: &SQLiteContactRepo{db: db},
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	migration := `
	-- Sessions table
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'created',
		phone_number TEXT NOT NULL DEFAULT '',
		qr_code TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_connection TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);

	-- Messages table
	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		remote_jid TEXT NOT NULL,
		from_me BOOLEAN NOT NULL DEFAULT FALSE,
		participant TEXT NOT NULL DEFAULT '',
		push_name TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT 'unknown',
		content TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, message_id),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(session_id, remote_jid, timestamp DESC);

	-- Contacts table
	CREATE TABLE IF NOT EXISTS contacts (
		session_id TEXT NOT NULL,
		jid TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		push_name TEXT NOT NULL DEFAULT '',
		phone_number TEXT NOT NULL DEFAULT '',
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		last_interaction INTEGER NOT NULL DEFAULT 0,
		profile_picture_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, jid),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_contacts_interaction ON contacts(session_id, last_interaction DESC);
	`
	_, err := db.Exec(migration)
	return err
}

// SQLiteSessionRepo implements SessionRepository.
type SQLiteSessionRepo struct {
	db *sql.DB
}

func (r *SQLiteSessionRepo) Create(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO sessions (session_id, owner_id, name, state, phone_number, qr_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.SessionID, s.OwnerID, s.Name, string(s.State), s.PhoneNumber, s.QRCode, s.CreatedAt,
	)
	return err
}

func (r *SQLiteSessionRepo) GetByID(ctx context.Context, sessionID string) (*Session, error) {
	query := `
		SELECT session_id, owner_id, name, state, phone_number, qr_code, created_at, last_connection
		FROM sessions WHERE session_id = ?
	`
	row := r.db.QueryRowContext(ctx, query, sessionID)
	return scanSession(row.Scan)
}

func (r *SQLiteSessionRepo) List(ctx context.Context, ownerID string) ([]Session, error) {
	query := `
		SELECT session_id, owner_id, name, state, phone_number, qr_code, created_at, last_connection
		FROM sessions
	`
	var args []interface{}
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (r *SQLiteSessionRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE owner_id = ?", ownerID).Scan(&count)
	return count, err
}

func (r *SQLiteSessionRepo) UpdateState(ctx context.Context, sessionID string, s state.State) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sessions SET state = ? WHERE session_id = ?", string(s), sessionID)
	return err
}

func (r *SQLiteSessionRepo) SetPhoneNumber(ctx context.Context, sessionID, phone string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sessions SET phone_number = ? WHERE session_id = ?", phone, sessionID)
	return err
}

func (r *SQLiteSessionRepo) SetQRCode(ctx context.Context, sessionID, artifact string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sessions SET qr_code = ? WHERE session_id = ?", artifact, sessionID)
	return err
}

func (r *SQLiteSessionRepo) ClearQRCode(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sessions SET qr_code = '' WHERE session_id = ?", sessionID)
	return err
}

func (r *SQLiteSessionRepo) TouchConnection(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sessions SET last_connection = ? WHERE session_id = ?", at, sessionID)
	return err
}

func (r *SQLiteSessionRepo) Delete(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(scan func(dest ...interface{}) error) (*Session, error) {
	var s Session
	var st string
	var lastConn sql.NullTime
	err := scan(&s.SessionID, &s.OwnerID, &s.Name, &st, &s.PhoneNumber, &s.QRCode, &s.CreatedAt, &lastConn)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.State = state.State(st)
	if lastConn.Valid {
		s.LastConnection = lastConn.Time
	}
	return &s, nil
}

// SQLiteMessageRepo implements MessageRepository.
type SQLiteMessageRepo struct {
	db *sql.DB
}

func (r *SQLiteMessageRepo) Insert(ctx context.Context, msg *Message) (bool, error) {
	query := `
		INSERT INTO messages
		(session_id, message_id, remote_jid, from_me, participant, push_name, timestamp, type, content, media_url, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO NOTHING
	`
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, query,
		msg.SessionID, msg.MessageID, msg.RemoteJID, msg.FromMe, msg.Participant, msg.PushName,
		msg.Timestamp, string(msg.Type), msg.Content, msg.MediaURL, string(msg.Status), createdAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLiteMessageRepo) UpdateStatus(ctx context.Context, sessionID, messageID string, status MessageStatus) (bool, error) {
	// The rank CASE mirrors MessageStatus.Rank; failed is absorbing and may
	// be entered from any state.
	var query string
	var args []interface{}
	if status == StatusFailed {
		query = `UPDATE messages SET status = 'failed' WHERE session_id = ? AND message_id = ? AND status != 'failed'`
		args = []interface{}{sessionID, messageID}
	} else {
		query = `
			UPDATE messages SET status = ?
			WHERE session_id = ? AND message_id = ? AND status != 'failed'
			AND (CASE status
				WHEN 'pending' THEN 0
				WHEN 'sent' THEN 1
				WHEN 'received' THEN 1
				WHEN 'delivered' THEN 2
				WHEN 'read' THEN 3
				ELSE 4 END) < ?
		`
		args = []interface{}{string(status), sessionID, messageID, status.Rank()}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLiteMessageRepo) GetByID(ctx context.Context, sessionID, messageID string) (*Message, error) {
	query := `
		SELECT session_id, message_id, remote_jid, from_me, participant, push_name, timestamp, type, content, media_url, status, created_at
		FROM messages WHERE session_id = ? AND message_id = ?
	`
	row := r.db.QueryRowContext(ctx, query, sessionID, messageID)

	var msg Message
	var typ, status string
	err := row.Scan(
		&msg.SessionID, &msg.MessageID, &msg.RemoteJID, &msg.FromMe, &msg.Participant, &msg.PushName,
		&msg.Timestamp, &typ, &msg.Content, &msg.MediaURL, &status, &msg.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Type = MessageType(typ)
	msg.Status = MessageStatus(status)
	return &msg, nil
}

func (r *SQLiteMessageRepo) History(ctx context.Context, sessionID, remoteJID string, limit int, beforeMillis int64) ([]Message, error) {
	query := `
		SELECT session_id, message_id, remote_jid, from_me, participant, push_name, timestamp, type, content, media_url, status, created_at
		FROM messages
		WHERE session_id = ? AND remote_jid = ?
	`
	args := []interface{}{sessionID, remoteJID}
	if beforeMillis > 0 {
		query += " AND timestamp < ?"
		args = append(args, beforeMillis)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// The page is selected newest-first; callers get ascending order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *SQLiteMessageRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count)
	return count, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var msg Message
		var typ, status string
		err := rows.Scan(
			&msg.SessionID, &msg.MessageID, &msg.RemoteJID, &msg.FromMe, &msg.Participant, &msg.PushName,
			&msg.Timestamp, &typ, &msg.Content, &msg.MediaURL, &status, &msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		msg.Type = MessageType(typ)
		msg.Status = MessageStatus(status)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SQLiteContactRepo implements ContactRepository.
type SQLiteContactRepo struct {
	db *sql.DB
}

func (r *SQLiteContactRepo) Upsert(ctx context.Context, c *Contact) error {
	// Empty strings in the update leave stored values unchanged;
	// last_interaction only moves forward.
	query := `
		INSERT INTO contacts (session_id, jid, name, push_name, phone_number, is_group, last_interaction, profile_picture_url, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), name),
			push_name = COALESCE(NULLIF(excluded.push_name, ''), push_name),
			phone_number = COALESCE(NULLIF(excluded.phone_number, ''), phone_number),
			last_interaction = MAX(last_interaction, excluded.last_interaction),
			profile_picture_url = COALESCE(NULLIF(excluded.profile_picture_url, ''), profile_picture_url),
			status = COALESCE(NULLIF(excluded.status, ''), status),
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		c.SessionID, c.JID, c.Name, c.PushName, c.PhoneNumber, c.IsGroup,
		c.LastInteraction, c.ProfilePictureURL, c.Status, time.Now(),
	)
	return err
}

func (r *SQLiteContactRepo) GetByJID(ctx context.Context, sessionID, jid string) (*Contact, error) {
	query := `
		SELECT session_id, jid, name, push_name, phone_number, is_group, last_interaction, profile_picture_url, status, updated_at
		FROM contacts WHERE session_id = ? AND jid = ?
	`
	row := r.db.QueryRowContext(ctx, query, sessionID, jid)

	var c Contact
	err := row.Scan(&c.SessionID, &c.JID, &c.Name, &c.PushName, &c.PhoneNumber, &c.IsGroup,
		&c.LastInteraction, &c.ProfilePictureURL, &c.Status, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *SQLiteContactRepo) ListBySession(ctx context.Context, sessionID string) ([]Contact, error) {
	query := `
		SELECT session_id, jid, name, push_name, phone_number, is_group, last_interaction, profile_picture_url, status, updated_at
		FROM contacts
		WHERE session_id = ?
		ORDER BY last_interaction DESC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		err := rows.Scan(&c.SessionID, &c.JID, &c.Name, &c.PushName, &c.PhoneNumber, &c.IsGroup,
			&c.LastInteraction, &c.ProfilePictureURL, &c.Status, &c.UpdatedAt)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *SQLiteContactRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts WHERE session_id = ?", sessionID).Scan(&count)
	return count, err
}
