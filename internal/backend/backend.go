// Package backend defines the capability surface every mail store exposes
// to the sync engine.
package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/brandon/mailsync/pkg/types"
)

var (
	ErrFolderNotFound  = errors.New("folder not found")
	ErrFolderExists    = errors.New("folder already exists")
	ErrMessageNotFound = errors.New("message not found")
)

// Backend is implemented by the remote (IMAP) and the local cache
// (Maildir) stores, and by the in-memory store used in tests.
//
// Message ids are backend local. Implementations must be safe for
// concurrent use.
type Backend interface {
	Name() string

	ListFolders(ctx context.Context) ([]string, error)
	AddFolder(ctx context.Context, folder string) error
	DeleteFolder(ctx context.Context, folder string) error
	// ExpungeFolder permanently removes messages flagged \Deleted.
	ExpungeFolder(ctx context.Context, folder string) error

	ListEnvelopes(ctx context.Context, folder string) ([]types.Envelope, error)

	GetMessage(ctx context.Context, folder, id string) ([]byte, error)
	// AddMessage stores raw and returns the new id. The id may be empty when
	// the backend cannot report it.
	AddMessage(ctx context.Context, folder string, raw []byte, flags types.Flags) (string, error)
	DeleteMessage(ctx context.Context, folder, id string) error

	AddFlags(ctx context.Context, folder, id string, flags types.Flags) error
	SetFlags(ctx context.Context, folder, id string, flags types.Flags) error
	RemoveFlags(ctx context.Context, folder, id string, flags types.Flags) error

	Close() error
}

// IsNotFound reports whether err means the folder or message is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFolderNotFound) || errors.Is(err, ErrMessageNotFound)
}
