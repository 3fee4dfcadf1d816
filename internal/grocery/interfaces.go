package grocery

import (
	"context"
	"io"
	"time"
)

// Catalog supplies the ordered, de-duplicated product names to search for.
type Catalog interface {
	DistinctNames(ctx context.Context) ([]string, error)
}

// PageFetcher retrieves a URL. Implementations return an error wrapping
// ErrBlocked when the store interrupts the request.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// FetchSession is a PageFetcher owned by a single worker.
type FetchSession interface {
	PageFetcher
	Close() error
}

// SessionFactory opens fresh fetch sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (FetchSession, error)
}

// StoreClient resolves a catalog name against one store.
type StoreClient interface {
	SearchAndResolve(ctx context.Context, name string) (ScrapeRecord, error)
	Close() error
}

// ClientFactory opens store clients bound to a new fetch session.
type ClientFactory interface {
	Store() string
	NewClient(ctx context.Context) (StoreClient, error)
}

// Queue is the shared product backlog.
type Queue interface {
	Enqueue(ctx context.Context, name string) error
	EnqueueStop(ctx context.Context) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Done()
}

// ResultSink accepts worker output.
type ResultSink interface {
	Submit(ctx context.Context, rec ScrapeRecord) error
}

// RetryTracker bounds retries of blocked products.
type RetryTracker interface {
	Add(name string) (attempts int, requeue bool)
	Remove(name string)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Sleeper pauses for a duration or until the context ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// BlobStore persists exported artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits run notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
