package email

import (
	"errors"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/config"
)

// Account pairs the remote store of an account with its local cache
type Account struct {
	Config *config.AccountConfig
	Remote backend.Backend
	Local  backend.Backend
}

// Close closes both sides
func (a *Account) Close() error {
	var errs []error
	if a.Remote != nil {
		errs = append(errs, a.Remote.Close())
	}
	if a.Local != nil {
		errs = append(errs, a.Local.Close())
	}
	return errors.Join(errs...)
}
