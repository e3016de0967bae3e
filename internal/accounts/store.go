package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/teemow/unimail/internal/mailerr"
)

type migration struct {
	version int
	sql     string
}

// migrations must be sequential starting from 1
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	name            TEXT PRIMARY KEY,
	full_name       TEXT NOT NULL,
	email_address   TEXT NOT NULL,
	user_name       TEXT NOT NULL,
	password_enc    TEXT NOT NULL,
	imap_host       TEXT NOT NULL,
	imap_port       INTEGER NOT NULL,
	imap_tls        INTEGER NOT NULL DEFAULT 1,
	smtp_host       TEXT NOT NULL,
	smtp_port       INTEGER NOT NULL,
	smtp_tls        INTEGER NOT NULL DEFAULT 1,
	tls_skip_verify INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// accountRow is the persisted form of an Account
type accountRow struct {
	Name          string `db:"name"`
	FullName      string `db:"full_name"`
	EmailAddress  string `db:"email_address"`
	UserName      string `db:"user_name"`
	PasswordEnc   string `db:"password_enc"`
	IMAPHost      string `db:"imap_host"`
	IMAPPort      int    `db:"imap_port"`
	IMAPTLS       int    `db:"imap_tls"`
	SMTPHost      string `db:"smtp_host"`
	SMTPPort      int    `db:"smtp_port"`
	SMTPTLS       int    `db:"smtp_tls"`
	TLSSkipVerify int    `db:"tls_skip_verify"`
	CreatedAt     int64  `db:"created_at"`
}

// Store persists accounts in SQLite
type Store struct {
	db     *sqlx.DB
	cipher *Cipher
}

// OpenStore opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for a throwaway database.
func OpenStore(path string, c *Cipher) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// from being per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, cipher: c}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Insert stores a new account. It fails with a conflict if the name is taken.
func (s *Store) Insert(ctx context.Context, a Account) error {
	enc, err := s.cipher.Encrypt(a.Password)
	if err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM accounts WHERE name = ?", a.Name); err != nil {
		return fmt.Errorf("checking account %s: %w", a.Name, err)
	}
	if exists > 0 {
		return mailerr.Conflict("account %q already exists", a.Name)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (
			name, full_name, email_address, user_name, password_enc,
			imap_host, imap_port, imap_tls,
			smtp_host, smtp_port, smtp_tls,
			tls_skip_verify, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.FullName, a.EmailAddress, a.UserName, enc,
		a.IMAPHost, a.IMAPPort, boolToInt(a.IMAPTLS),
		a.SMTPHost, a.SMTPPort, boolToInt(a.SMTPTLS),
		boolToInt(a.TLSSkipVerify), a.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return mailerr.Conflict("account %q already exists", a.Name)
		}
		return fmt.Errorf("inserting account %s: %w", a.Name, err)
	}

	return tx.Commit()
}

// Get returns the account with its password decrypted
func (s *Store) Get(ctx context.Context, name string) (Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM accounts WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, mailerr.NotFound("account %q not found", name)
	}
	if err != nil {
		return Account{}, fmt.Errorf("getting account %s: %w", name, err)
	}

	a := row.toAccount()
	a.Password, err = s.cipher.Decrypt(row.PasswordEnc)
	if err != nil {
		return Account{}, fmt.Errorf("decrypting password of account %s: %w", name, err)
	}
	return a, nil
}

// List returns all accounts ordered by name, with passwords redacted.
// Stored ciphertexts are never decrypted here.
func (s *Store) List(ctx context.Context) ([]Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM accounts ORDER BY name"); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	out := make([]Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAccount().Redacted())
	}
	return out, nil
}

// Delete removes the account. It fails with not-found if absent.
func (s *Store) Delete(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", name, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return mailerr.NotFound("account %q not found", name)
	}
	return nil
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (r accountRow) toAccount() Account {
	return Account{
		Name:          r.Name,
		FullName:      r.FullName,
		EmailAddress:  r.EmailAddress,
		UserName:      r.UserName,
		IMAPHost:      r.IMAPHost,
		IMAPPort:      r.IMAPPort,
		IMAPTLS:       r.IMAPTLS != 0,
		SMTPHost:      r.SMTPHost,
		SMTPPort:      r.SMTPPort,
		SMTPTLS:       r.SMTPTLS != 0,
		TLSSkipVerify: r.TLSSkipVerify != 0,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
