package accounts

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/teemow/unimail/internal/mailerr"
)

type importFile struct {
	Accounts []importAccount `toml:"accounts"`
}

type importAccount struct {
	AccountName  string       `toml:"account_name"`
	FullName     string       `toml:"full_name"`
	EmailAddress string       `toml:"email_address"`
	Incoming     importServer `toml:"incoming"`
	Outgoing     importServer `toml:"outgoing"`
}

type importServer struct {
	UserName  string `toml:"user_name"`
	Password  string `toml:"password"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	UseSSL    *bool  `toml:"use_ssl"`
	VerifySSL *bool  `toml:"verify_ssl"`
}

// ImportResult is the outcome for one account of an import file
type ImportResult struct {
	Name    string `json:"account_name"`
	Added   bool   `json:"added"`
	Message string `json:"message,omitempty"`
}

// Import adds every account of a TOML accounts file. Accounts that fail
// validation or already exist are reported and skipped.
func (r *Registry) Import(ctx context.Context, path string) ([]ImportResult, error) {
	var f importFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, mailerr.InvalidArgument("decoding %s: %v", path, err)
	}

	results := make([]ImportResult, 0, len(f.Accounts))
	for _, ia := range f.Accounts {
		res := ImportResult{Name: ia.AccountName}

		a, err := ia.toAccount()
		if err == nil {
			err = r.Add(ctx, a)
		}
		if err != nil {
			if mailerr.KindOf(err) == mailerr.KindInternal {
				return results, fmt.Errorf("importing account %s: %w", ia.AccountName, err)
			}
			res.Message = mailerr.Message(err)
		} else {
			res.Added = true
		}
		results = append(results, res)
	}
	return results, nil
}

func (ia importAccount) toAccount() (Account, error) {
	in, out := ia.Incoming, ia.Outgoing
	if out.UserName != "" && (out.UserName != in.UserName || out.Password != in.Password) {
		return Account{}, mailerr.InvalidArgument("separate outgoing credentials are not supported")
	}

	return Account{
		Name:          ia.AccountName,
		FullName:      ia.FullName,
		EmailAddress:  ia.EmailAddress,
		UserName:      in.UserName,
		Password:      in.Password,
		IMAPHost:      in.Host,
		IMAPPort:      in.Port,
		IMAPTLS:       boolOr(in.UseSSL, true),
		SMTPHost:      out.Host,
		SMTPPort:      out.Port,
		SMTPTLS:       boolOr(out.UseSSL, true),
		TLSSkipVerify: !boolOr(in.VerifySSL, true) || !boolOr(out.VerifySSL, true),
	}, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
