package access

import (
	"context"
	"time"

	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/models"
)

// Refresher exchanges a refresh token for new credentials
type Refresher interface {
	Refresh(ctx context.Context, creds *models.Credentials) (*models.Credentials, error)
}

// Checker runs the per-command access check
type Checker struct {
	refresher Refresher
	now       func() time.Time
}

// NewChecker creates a checker. refresher may be nil, in which case expired
// credentials are denied.
func NewChecker(refresher Refresher) *Checker {
	return &Checker{refresher: refresher, now: time.Now}
}

// Check returns validated credentials, nil when access is denied, or a
// typed access error. Adapters implementing adapter.AccessChecker decide on
// their own; otherwise expired credentials are refreshed and fresh ones
// pass through.
func (c *Checker) Check(ctx context.Context, a adapter.Adapter, mode models.Mode, cs models.Case, creds *models.Credentials, sender models.Sender) (*models.Credentials, error) {
	if creds == nil {
		return nil, nil
	}
	if custom, ok := a.(adapter.AccessChecker); ok {
		return custom.AccessCheck(ctx, mode, cs, creds, sender)
	}
	return c.Default(ctx, creds)
}

// Default is the built-in access check
func (c *Checker) Default(ctx context.Context, creds *models.Credentials) (*models.Credentials, error) {
	if !creds.Expired(c.now()) {
		return creds, nil
	}
	if c.refresher == nil {
		return nil, nil
	}
	return c.refresher.Refresh(ctx, creds)
}
