package db

import (
	"database/sql"
	"errors"
	"time"

	"udpim/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoRows = errors.New("no rows found")

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			addr TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient TEXT NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			sent_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_recipient ON mailbox(recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_online ON users(online, last_seen)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Directory methods

// CreateUser registers a new directory entry. The resume token is stored
// hashed, never in the clear.
func (db *DB) CreateUser(username, firstName, addr, token string, now time.Time) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (username, first_name, addr, token_hash, online, last_seen) VALUES (?, ?, ?, ?, 1, ?)",
		username, firstName, addr, string(hashed), now.UTC().Format(time.RFC3339),
	)
	return err
}

func (db *DB) GetUser(username string) (*models.User, error) {
	var u models.User
	var online int
	var lastSeenStr string
	err := db.conn.QueryRow(
		"SELECT username, first_name, addr, online, last_seen FROM users WHERE username = ?",
		username,
	).Scan(&u.Username, &u.FirstName, &u.Addr, &online, &lastSeenStr)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	u.Online = online != 0
	u.LastSeen, _ = time.Parse(time.RFC3339, lastSeenStr)
	return &u, nil
}

func (db *DB) UserExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateAddress moves an existing user to a fresh address and marks it
// online. First name is refreshed as well: the reconnecting peer is
// authoritative for its own display name.
func (db *DB) UpdateAddress(username, firstName, addr string, now time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET first_name = ?, addr = ?, online = 1, last_seen = ? WHERE username = ?",
		firstName, addr, now.UTC().Format(time.RFC3339), username,
	)
	return err
}

// Touch refreshes a user's address and liveness on any inbound request.
func (db *DB) Touch(username, addr string, now time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET addr = ?, online = 1, last_seen = ? WHERE username = ?",
		addr, now.UTC().Format(time.RFC3339), username,
	)
	return err
}

func (db *DB) SetOffline(username string) error {
	_, err := db.conn.Exec("UPDATE users SET online = 0 WHERE username = ?", username)
	return err
}

// ListOnline returns every online user ordered by username.
func (db *DB) ListOnline() ([]models.UserInfo, error) {
	rows, err := db.conn.Query("SELECT username, first_name FROM users WHERE online = 1 ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.UserInfo
	for rows.Next() {
		var u models.UserInfo
		if err := rows.Scan(&u.Username, &u.FirstName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *DB) CountOnline() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE online = 1").Scan(&count)
	return count, err
}

// ReplaceToken rotates a user's resume token.
func (db *DB) ReplaceToken(username, token string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	result, err := db.conn.Exec("UPDATE users SET token_hash = ? WHERE username = ?", string(hashed), username)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

// VerifyToken reports whether token is the user's current resume token.
func (db *DB) VerifyToken(username, token string) (bool, error) {
	var hash string
	err := db.conn.QueryRow("SELECT token_hash FROM users WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	return err == nil, nil
}

// EvictIdle marks users offline whose last request predates cutoff.
// Entries are never deleted: the mailbox and the username claim survive.
func (db *DB) EvictIdle(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec(
		"UPDATE users SET online = 0 WHERE online = 1 AND last_seen < ?",
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Mailbox methods

func (db *DB) AppendMessage(recipient, sender, body string, sentAt time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO mailbox (recipient, sender, body, sent_at) VALUES (?, ?, ?, ?)",
		recipient, sender, body, sentAt.UTC().Format(time.RFC3339),
	)
	return err
}

// DrainMailbox atomically removes and returns every pending message for
// recipient, in enqueue order. An empty mailbox drains to an empty slice.
func (db *DB) DrainMailbox(recipient string) ([]models.Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT id, recipient, sender, body, sent_at FROM mailbox WHERE recipient = ? ORDER BY id ASC",
		recipient,
	)
	if err != nil {
		return nil, err
	}

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var sentAtStr string
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Sender, &m.Body, &sentAtStr); err != nil {
			rows.Close()
			return nil, err
		}
		m.SentAt, _ = time.Parse(time.RFC3339, sentAtStr)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.Exec("DELETE FROM mailbox WHERE recipient = ?", recipient); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (db *DB) MailboxSize(recipient string) (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM mailbox WHERE recipient = ?", recipient).Scan(&count)
	return count, err
}
