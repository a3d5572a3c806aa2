package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/retry"
)

// AccountStatus checks whether the remote account is usable. An unusable
// account is reported, not treated as a failure.
type AccountStatus struct {
	*retry.Call

	mu     sync.Mutex
	status cloud.AccountStatus
}

// NewAccountStatus returns an account check.
func NewAccountStatus(cfg Config) *AccountStatus {
	a := &AccountStatus{}
	a.Call = single("account status", cfg.Policy, func(ctx context.Context, _ *operation.Operation) error {
		st, err := cfg.Store.AccountStatus(ctx)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.status = st
		a.mu.Unlock()

		switch st {
		case cloud.AccountAvailable:
			cfg.logger().Printf("remote account available")
		case cloud.AccountNoAccount:
			cfg.logger().Printf("remote account authentication error: sign in to enable sync")
		default:
			cfg.logger().Printf("remote account %s", st)
		}
		return nil
	})
	return a
}

// Status returns the reported status.
func (a *AccountStatus) Status() cloud.AccountStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// DiscoveryPermission asks for user discoverability and logs the answer.
type DiscoveryPermission struct {
	*retry.Call

	mu      sync.Mutex
	granted bool
}

// NewDiscoveryPermission returns a discoverability request.
func NewDiscoveryPermission(cfg Config) *DiscoveryPermission {
	d := &DiscoveryPermission{}
	d.Call = single("discovery permission", cfg.Policy, func(ctx context.Context, _ *operation.Operation) error {
		granted, err := cfg.Store.RequestDiscoverability(ctx)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.granted = granted
		d.mu.Unlock()

		if granted {
			cfg.logger().Printf("discoverability granted: other users can find you by your account address")
		} else {
			cfg.logger().Printf("discoverability denied: other users cannot find you by your account address")
		}
		return nil
	})
	return d
}

// Granted reports the answer.
func (d *DiscoveryPermission) Granted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.granted
}

// NewInstallSubscription saves sub, replacing any subscription with the
// same id. A signed-out user is logged and not treated as a failure, so
// installing is safe on every launch.
func NewInstallSubscription(cfg Config, sub cloud.Subscription) *retry.Call {
	return single("install subscription "+sub.ID, cfg.Policy, func(ctx context.Context, _ *operation.Operation) error {
		err := cfg.Store.SaveSubscription(ctx, sub)
		if code, _ := cloud.CodeOf(err); code == cloud.CodeNotAuthenticated {
			cfg.logger().Printf("subscription %q not installed: %v", sub.ID, err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to install subscription %q: %w", sub.ID, err)
		}
		return nil
	})
}

// Identity is the signed-in user.
type Identity struct {
	RecordID      cloud.RecordID
	Administrator bool
}

// FetchCurrentUser resolves the signed-in user and their role.
type FetchCurrentUser struct {
	*retry.Call

	mu       sync.Mutex
	identity Identity
}

// NewFetchCurrentUser returns a current-user fetch.
func NewFetchCurrentUser(cfg Config) *FetchCurrentUser {
	f := &FetchCurrentUser{}
	f.Call = single("fetch current user", cfg.Policy, func(ctx context.Context, _ *operation.Operation) error {
		id, err := cfg.Store.CurrentUserID(ctx)
		if err != nil {
			return err
		}
		ident := Identity{RecordID: id}

		r, err := fetchOne(ctx, cfg.Store, id, []string{cloud.KeyAdministrator}, nil)
		switch {
		case err == nil:
			admin, _ := r.Fields.Int(cloud.KeyAdministrator)
			ident.Administrator = admin != 0
		case errors.Is(err, cloud.ErrUnknownItem):
			// No user record yet; the user has no role.
		default:
			return err
		}

		f.mu.Lock()
		f.identity = ident
		f.mu.Unlock()
		return nil
	})
	return f
}

// Identity returns the fetched identity.
func (f *FetchCurrentUser) Identity() Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

// FetchRecord fetches one record.
type FetchRecord struct {
	*retry.Call

	mu     sync.Mutex
	record *cloud.Record
}

// NewFetchRecord returns a fetch of id limited to keys; nil keys fetch
// every field.
func NewFetchRecord(cfg Config, id cloud.RecordID, keys []string) *FetchRecord {
	f := &FetchRecord{}
	f.Call = single("fetch record "+string(id), cfg.Policy, func(ctx context.Context, _ *operation.Operation) error {
		r, err := fetchOne(ctx, cfg.Store, id, keys, nil)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.record = r
		f.mu.Unlock()
		return nil
	})
	return f
}

// Record returns the fetched record, or nil.
func (f *FetchRecord) Record() *cloud.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record
}

// Parent returns the record's parent reference.
func (f *FetchRecord) Parent() (cloud.RecordID, bool) {
	r := f.Record()
	if r == nil {
		return "", false
	}
	return r.Parent()
}

// DisplayName returns the record's display name.
func (f *FetchRecord) DisplayName() string {
	r := f.Record()
	if r == nil {
		return ""
	}
	return r.DisplayName()
}
