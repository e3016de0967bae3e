// Package auth manages the bearer token that gates every server operation
// and the gateway middleware that enforces it.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/teemow/unimail/internal/logging"
)

const (
	tokenFileName   = "token.json"
	historyFileName = "token_history.jsonl"

	// tokenBytes of entropy, encoded as 43 base64url characters
	tokenBytes = 32

	// minEnvTokenLength guards against trivially guessable AUTH_TOKEN values
	minEnvTokenLength = 16

	defaultReloadInterval = time.Second
)

// Token sources
const (
	SourceGenerated   = "generated"
	SourceEnvironment = "environment"
	SourceRotated     = "rotated"
)

// ErrTokenRequired is returned when no token is stored, none is supplied
// through AUTH_TOKEN and the deployment does not allow generating one
var ErrTokenRequired = errors.New("no auth token available: set " + EnvAuthToken)

// Token is the persisted bearer credential
type Token struct {
	Value     string     `json:"token"`
	CreatedAt time.Time  `json:"created_at"`
	Source    string     `json:"source"`
	Context   Deployment `json:"context"`
}

// Fingerprint identifies a token without revealing it
func (t Token) Fingerprint() string {
	return Fingerprint(t.Value)
}

// Fingerprint returns a short SHA-256 prefix of a token value
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}

// Info describes the stored token for status output
type Info struct {
	Exists      bool       `json:"exists"`
	Path        string     `json:"path"`
	Context     Deployment `json:"context"`
	Source      string     `json:"source,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	Length      int        `json:"length,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
}

// Result is the outcome of validating a presented credential
type Result struct {
	Authorized bool
	Reason     string
}

// Authorized is a successful validation result
func Authorized() Result {
	return Result{Authorized: true}
}

// Unauthorized is a failed validation result
func Unauthorized(reason string) Result {
	return Result{Reason: reason}
}

// Options configures a Manager
type Options struct {
	Deployment Deployment

	// Dir overrides the deployment's default storage root
	Dir string

	// EnvToken is adopted as the token when none is stored yet
	EnvToken string

	// AllowGenerate overrides the deployment's default
	AllowGenerate *bool

	// ReloadInterval bounds how often Validate re-reads the token file
	ReloadInterval time.Duration

	// Recorder receives rotation outcomes. May be nil.
	Recorder RotationRecorder

	Logger *slog.Logger
}

// RotationRecorder receives token rotation outcomes
type RotationRecorder interface {
	RecordTokenRotation(ctx context.Context, result string)
}

// Manager owns the token lifecycle: creation, persistence, rotation and
// validation
type Manager struct {
	mu sync.RWMutex

	deployment    Deployment
	dir           string
	envToken      string
	allowGenerate bool

	current   *Token
	modTime   time.Time
	lastCheck time.Time

	reloadInterval time.Duration
	now            func() time.Time
	recorder       RotationRecorder
	logger         *slog.Logger
}

// NewManager creates a token manager. It does not touch the filesystem;
// call GetOrCreate to load or create the token.
func NewManager(opts Options) (*Manager, error) {
	if opts.Deployment == "" {
		opts.Deployment = DeploymentLocal
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReloadInterval == 0 {
		opts.ReloadInterval = defaultReloadInterval
	}

	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = DefaultTokenDir(opts.Deployment); err != nil {
			return nil, err
		}
	}

	allow := opts.Deployment.AllowsGeneration()
	if opts.AllowGenerate != nil {
		allow = *opts.AllowGenerate
	}

	return &Manager{
		deployment:     opts.Deployment,
		dir:            dir,
		envToken:       strings.TrimSpace(opts.EnvToken),
		allowGenerate:  allow,
		reloadInterval: opts.ReloadInterval,
		now:            time.Now,
		recorder:       opts.Recorder,
		logger:         logging.WithService(opts.Logger, "auth"),
	}, nil
}

// Path returns the token file location
func (m *Manager) Path() string {
	return filepath.Join(m.dir, tokenFileName)
}

func (m *Manager) historyPath() string {
	return filepath.Join(m.dir, historyFileName)
}

// Deployment returns the resolved deployment context
func (m *Manager) Deployment() Deployment {
	return m.deployment
}

// GetOrCreate returns the active token. A stored token is loaded;
// otherwise AUTH_TOKEN is adopted or, where allowed, a new one generated.
// Later calls return the same token.
func (m *Manager) GetOrCreate(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return *m.current, nil
	}

	tok, modTime, err := m.load()
	switch {
	case err == nil:
		m.setCurrent(tok, modTime)
		return tok, nil
	case !errors.Is(err, os.ErrNotExist):
		return Token{}, err
	}

	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	switch {
	case m.envToken != "":
		if len(m.envToken) < minEnvTokenLength {
			return Token{}, fmt.Errorf("%s must be at least %d characters", EnvAuthToken, minEnvTokenLength)
		}
		tok = Token{Value: m.envToken, Source: SourceEnvironment}
	case m.allowGenerate:
		value, err := generateValue()
		if err != nil {
			return Token{}, err
		}
		tok = Token{Value: value, Source: SourceGenerated}
	default:
		return Token{}, ErrTokenRequired
	}

	tok.CreatedAt = m.now().UTC()
	tok.Context = m.deployment
	if err := m.persist(tok); err != nil {
		return Token{}, err
	}

	m.logger.Info("auth token created",
		slog.String("source", tok.Source),
		slog.String("path", m.Path()),
		slog.String("fingerprint", tok.Fingerprint()))
	return tok, nil
}

// Rotate replaces the token. The previous token stops validating as soon
// as Rotate returns.
func (m *Manager) Rotate(ctx context.Context) (tok Token, err error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	defer func() {
		if m.recorder == nil {
			return
		}
		result := "success"
		if err != nil {
			result = "error"
		}
		m.recorder.RecordTokenRotation(ctx, result)
	}()

	value, err := generateValue()
	if err != nil {
		return Token{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tok = Token{
		Value:     value,
		CreatedAt: m.now().UTC(),
		Source:    SourceRotated,
		Context:   m.deployment,
	}
	if err := m.persist(tok); err != nil {
		return Token{}, err
	}

	m.logger.Info("auth token rotated",
		slog.String("path", m.Path()),
		slog.String("fingerprint", tok.Fingerprint()))
	return tok, nil
}

// Validate checks a presented credential against the active token.
// A token rotated by another process is picked up within the reload
// interval.
func (m *Manager) Validate(presented string) Result {
	if presented == "" {
		return Unauthorized("missing token")
	}

	m.refresh()

	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur == nil {
		return Unauthorized("server token not initialized")
	}

	// Compare digests so the comparison time does not depend on length
	want := sha256.Sum256([]byte(cur.Value))
	got := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return Unauthorized("invalid token")
	}
	return Authorized()
}

// Info reports on the stored token
func (m *Manager) Info() (Info, error) {
	info := Info{Path: m.Path(), Context: m.deployment}

	tok, _, err := m.load()
	if errors.Is(err, os.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return info, err
	}

	info.Exists = true
	info.Source = tok.Source
	info.CreatedAt = tok.CreatedAt
	info.Length = len(tok.Value)
	info.Fingerprint = tok.Fingerprint()
	return info, nil
}

// refresh reloads the token file when it changed on disk
func (m *Manager) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.current != nil && now.Sub(m.lastCheck) < m.reloadInterval {
		return
	}
	m.lastCheck = now

	fi, err := os.Stat(m.Path())
	if err != nil {
		if m.current != nil {
			m.logger.Warn("token file unavailable, keeping loaded token", logging.Err(err))
		}
		return
	}
	if m.current != nil && fi.ModTime().Equal(m.modTime) {
		return
	}

	tok, modTime, err := m.load()
	if err != nil {
		m.logger.Warn("reloading token file failed, keeping loaded token", logging.Err(err))
		return
	}
	if m.current != nil && m.current.Value != tok.Value {
		m.logger.Info("auth token changed on disk", slog.String("fingerprint", tok.Fingerprint()))
	}
	m.setCurrent(tok, modTime)
}

func (m *Manager) setCurrent(tok Token, modTime time.Time) {
	m.current = &tok
	m.modTime = modTime
	m.lastCheck = m.now()
}

func (m *Manager) load() (Token, time.Time, error) {
	f, err := os.Open(m.Path())
	if err != nil {
		return Token{}, time.Time{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return Token{}, time.Time{}, fmt.Errorf("stat token file: %w", err)
	}

	var tok Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return Token{}, time.Time{}, fmt.Errorf("token file %s is corrupt: %w", m.Path(), err)
	}
	if tok.Value == "" {
		return Token{}, time.Time{}, fmt.Errorf("token file %s has no token", m.Path())
	}
	return tok, fi.ModTime(), nil
}

// persist writes tok atomically, records it in the history and makes it
// current. The caller holds m.mu.
func (m *Manager) persist(tok Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := writeFileAtomic(m.Path(), data, 0600); err != nil {
		return err
	}

	fi, err := os.Stat(m.Path())
	if err != nil {
		return fmt.Errorf("stat token file: %w", err)
	}
	m.setCurrent(tok, fi.ModTime())

	if err := m.appendHistory(tok); err != nil {
		m.logger.Warn("recording token history failed", logging.Err(err))
	}
	return nil
}

type historyEntry struct {
	CreatedAt   time.Time  `json:"created_at"`
	Source      string     `json:"source"`
	Context     Deployment `json:"context"`
	Fingerprint string     `json:"fingerprint"`
}

func (m *Manager) appendHistory(tok Token) error {
	f, err := os.OpenFile(m.historyPath(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(historyEntry{
		CreatedAt:   tok.CreatedAt,
		Source:      tok.Source,
		Context:     tok.Context,
		Fingerprint: tok.Fingerprint(),
	})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func generateValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers see either the old or the new content
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("setting token file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}
