// Package environment maps AWS account ids to platform environment names.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/splax/taskwatch/internal/repository"
	"github.com/splax/taskwatch/pkg/config"
)

// ErrInvalidMapping reports a malformed account mapping entry.
var ErrInvalidMapping = errors.New("environment: invalid account mapping")

var _ repository.EnvironmentLookup = (*Lookup)(nil)

// Lookup is an immutable account to environment table.
type Lookup struct {
	accounts map[string]string
}

// fileMapping is the on-disk layout of ACCOUNT_ENVIRONMENTS_FILE.
type fileMapping struct {
	Accounts map[string]string `yaml:"accounts"`
}

// New builds a lookup from the inline mapping and the optional mapping file.
// Inline entries win over file entries for the same account.
func New(cfg config.WatcherConfig) (*Lookup, error) {
	accounts := make(map[string]string)
	if cfg.AccountEnvironmentsFile != "" {
		fromFile, err := LoadFile(cfg.AccountEnvironmentsFile)
		if err != nil {
			return nil, err
		}
		for account, env := range fromFile {
			accounts[account] = env
		}
	}
	inline, err := Parse(cfg.AccountEnvironments)
	if err != nil {
		return nil, err
	}
	for account, env := range inline {
		accounts[account] = env
	}
	return &Lookup{accounts: accounts}, nil
}

// FromMap returns a lookup over a copy of accounts.
func FromMap(accounts map[string]string) *Lookup {
	copied := make(map[string]string, len(accounts))
	for account, env := range accounts {
		copied[account] = env
	}
	return &Lookup{accounts: copied}
}

// FindEnv returns the environment configured for account.
func (l *Lookup) FindEnv(account string) (string, bool) {
	env, ok := l.accounts[strings.TrimSpace(account)]
	return env, ok
}

// Len reports how many accounts are mapped.
func (l *Lookup) Len() int {
	return len(l.accounts)
}

// Parse reads comma separated account:environment pairs, e.g. "111:dev,222:prod".
func Parse(raw string) (map[string]string, error) {
	accounts := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		account, env, ok := strings.Cut(entry, ":")
		account = strings.TrimSpace(account)
		env = strings.TrimSpace(env)
		if !ok || account == "" || env == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMapping, entry)
		}
		accounts[account] = env
	}
	return accounts, nil
}

// LoadFile reads a YAML document of the form:
//
//	accounts:
//	  "111111111111": dev
//	  "222222222222": prod
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read account mappings: %w", err)
	}
	var doc fileMapping
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode account mappings: %w", err)
	}
	accounts := make(map[string]string, len(doc.Accounts))
	for account, env := range doc.Accounts {
		account = strings.TrimSpace(account)
		env = strings.TrimSpace(env)
		if account == "" || env == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMapping, account+":"+env)
		}
		accounts[account] = env
	}
	return accounts, nil
}
