package cloud

import (
	"context"
)

// ProgressFunc reports per-record download progress in [0,1].
type ProgressFunc func(id RecordID, fraction float64)

// Store is the remote record service.
//
// Implementations must be safe for concurrent use. Errors describing a
// remote failure are returned as *Error so they can be classified.
type Store interface {
	// AccountStatus reports whether a remote account is usable.
	AccountStatus(ctx context.Context) (AccountStatus, error)

	// RequestDiscoverability asks the user to make their identity
	// discoverable. It returns whether permission was granted.
	RequestDiscoverability(ctx context.Context) (bool, error)

	// CurrentUserID returns the record id of the signed-in user.
	CurrentUserID(ctx context.Context) (RecordID, error)

	// FetchRecords fetches records by id, limited to keys when keys is not
	// nil. Records that could not be fetched are reported in the failures
	// map; the returned error is reserved for whole-request failures.
	FetchRecords(ctx context.Context, ids []RecordID, keys []string, progress ProgressFunc) (map[RecordID]*Record, map[RecordID]error, error)

	// Query returns one page of results. A page may accompany an error:
	// those records were delivered and the page cursor continues after them.
	Query(ctx context.Context, req QueryRequest) (*Page, error)

	// FetchAsset downloads the payload behind ref.
	FetchAsset(ctx context.Context, ref AssetRef, progress func(float64)) ([]byte, error)

	// SaveRecords stores records non-atomically. Each record either appears
	// in saved or in failures.
	SaveRecords(ctx context.Context, records []*Record, assets map[RecordID][]byte) (saved []*Record, failures map[RecordID]error, err error)

	// DeleteRecords removes records non-atomically.
	DeleteRecords(ctx context.Context, ids []RecordID) (deleted []RecordID, failures map[RecordID]error, err error)

	// SaveSubscription creates or replaces a subscription by id.
	SaveSubscription(ctx context.Context, sub Subscription) error

	// Listen registers fn for notifications of every subscription. The
	// returned function unregisters it.
	Listen(fn func(Notification)) (unregister func())
}
