// Package accounts provides the durable registry of configured mail accounts.
//
// Accounts are stored in a local SQLite database with passwords encrypted at
// rest. Everything returned by List carries a redacted password; only Get,
// which is used by the session dial path, returns the plaintext credentials.
package accounts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/teemow/unimail/internal/mailerr"
)

const (
	// DefaultIMAPPort is the implicit-TLS IMAP port
	DefaultIMAPPort = 993

	// DefaultSMTPPort is the implicit-TLS submission port
	DefaultSMTPPort = 465

	// RedactedPassword replaces the password in every account returned to callers
	RedactedPassword = "********"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Account is the configuration of one mail identity
type Account struct {
	Name          string    `json:"account_name"`
	FullName      string    `json:"full_name"`
	EmailAddress  string    `json:"email_address"`
	UserName      string    `json:"user_name"`
	Password      string    `json:"password"`
	IMAPHost      string    `json:"imap_host"`
	IMAPPort      int       `json:"imap_port"`
	IMAPTLS       bool      `json:"imap_use_ssl"`
	SMTPHost      string    `json:"smtp_host"`
	SMTPPort      int       `json:"smtp_port"`
	SMTPTLS       bool      `json:"smtp_use_ssl"`
	TLSSkipVerify bool      `json:"tls_skip_verify"`
	CreatedAt     time.Time `json:"created_at"`
}

// ApplyDefaults fills in the ports left at zero
func (a *Account) ApplyDefaults() {
	if a.IMAPPort == 0 {
		a.IMAPPort = DefaultIMAPPort
	}
	if a.SMTPPort == 0 {
		a.SMTPPort = DefaultSMTPPort
	}
}

// Validate checks the account configuration
func (a Account) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"account_name", a.Name},
		{"full_name", a.FullName},
		{"email_address", a.EmailAddress},
		{"user_name", a.UserName},
		{"password", a.Password},
		{"imap_host", a.IMAPHost},
		{"smtp_host", a.SMTPHost},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return mailerr.InvalidArgument("%s is required", r.field)
		}
	}

	if !namePattern.MatchString(a.Name) {
		return mailerr.InvalidArgument("account_name %q must be 1-64 characters of letters, digits, '.', '_' or '-'", a.Name)
	}

	if _, err := mail.ParseAddress(a.EmailAddress); err != nil {
		return mailerr.InvalidArgument("email_address %q is not a valid address", a.EmailAddress)
	}

	if err := validatePort("imap_port", a.IMAPPort); err != nil {
		return err
	}
	return validatePort("smtp_port", a.SMTPPort)
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return mailerr.InvalidArgument("%s must be between 1 and 65535, got %d", field, port)
	}
	return nil
}

// Redacted returns a copy with the password masked
func (a Account) Redacted() Account {
	a.Password = RedactedPassword
	return a
}

// IMAPAddr returns host:port of the IMAP server
func (a Account) IMAPAddr() string {
	return joinHostPort(a.IMAPHost, a.IMAPPort)
}

// SMTPAddr returns host:port of the SMTP server
func (a Account) SMTPAddr() string {
	return joinHostPort(a.SMTPHost, a.SMTPPort)
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]:" + strconv.Itoa(port)
	}
	return host + ":" + strconv.Itoa(port)
}

// Fingerprint identifies the credentials and endpoints of the account. Two
// accounts with the same fingerprint authenticate identically.
func (a Account) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%s\x00%d", a.UserName, a.Password, a.IMAPHost, a.IMAPPort, a.SMTPHost, a.SMTPPort)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// FromAddress formats the From header value of the account
func (a Account) FromAddress() *mail.Address {
	return &mail.Address{Name: a.FullName, Address: a.EmailAddress}
}
