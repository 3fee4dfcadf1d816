// Package export ships a finished store run to downstream systems: the
// snapshot mirror, the price index and the run-completed topic.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/logging"
	"github.com/JakeFAU/grocery-price-crawler/internal/pricing"
)

// DefaultPrefix is the mirror path prefix when none is configured.
const DefaultPrefix = "snapshots"

// Config holds mirror and topic naming.
type Config struct {
	Prefix string
	Topic  string
}

// Deps are the optional sinks. Nil sinks are skipped.
type Deps struct {
	Blobs     grocery.BlobStore
	Index     pricing.Upserter
	Publisher grocery.Publisher
	Hasher    grocery.Hasher
}

// Event is the run-completed message body.
type Event struct {
	RunID         string    `json:"run_id"`
	Store         string    `json:"store"`
	Summary       any       `json:"summary"`
	SnapshotURI   string    `json:"snapshot_uri,omitempty"`
	TotalProducts int       `json:"total_products"`
	ProductsFound int       `json:"products_found"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Result reports what each sink accepted.
type Result struct {
	SnapshotURI string
	Upserted    int
	MessageID   string
}

// Exporter fans a snapshot out to the configured sinks.
type Exporter struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and returns an Exporter.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Exporter, error) {
	if deps.Blobs != nil && deps.Hasher == nil {
		return nil, fmt.Errorf("hasher is required when a mirror is configured")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, deps: deps, logger: logger.Named("export")}, nil
}

// Export mirrors, indexes and announces snap. Each sink runs even if an
// earlier one failed; failures are joined into the returned error.
func (e *Exporter) Export(ctx context.Context, runID, store string, snap grocery.Snapshot, summary any) (Result, error) {
	var (
		res  Result
		errs []error
	)
	ctx, span := otel.Tracer("grocery/export").Start(ctx, "export.run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("store", store))
	logger := logging.ForRun(e.logger, runID, store)

	if e.deps.Blobs != nil {
		uri, err := e.mirror(ctx, store, snap)
		if err != nil {
			errs = append(errs, err)
			logger.Warn("snapshot mirror failed", zap.Error(err))
		} else {
			res.SnapshotURI = uri
			logger.Info("snapshot mirrored", zap.String("uri", uri))
		}
	}

	if e.deps.Index != nil {
		n, err := e.deps.Index.Upsert(ctx, snap.Products)
		if err != nil {
			errs = append(errs, fmt.Errorf("index upsert: %w", err))
			logger.Warn("price index upsert failed", zap.Error(err))
		} else {
			res.Upserted = n
			logger.Info("price index updated", zap.Int("upserted", n))
		}
	}

	if e.deps.Publisher != nil {
		event := Event{
			RunID:         runID,
			Store:         store,
			Summary:       summary,
			SnapshotURI:   res.SnapshotURI,
			TotalProducts: snap.TotalProducts,
			ProductsFound: snap.ProductsFound,
			CompletedAt:   snap.ScrapedAt,
		}
		id, err := e.deps.Publisher.Publish(ctx, e.cfg.Topic, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish run event: %w", err))
			logger.Warn("run event publish failed", zap.Error(err))
		} else {
			res.MessageID = id
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export incomplete")
	}
	return res, err
}

func (e *Exporter) mirror(ctx context.Context, store string, snap grocery.Snapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	digest, err := e.deps.Hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	uri, err := e.deps.Blobs.PutObject(ctx, ObjectPath(e.cfg.Prefix, store, digest), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("mirror snapshot: %w", err)
	}
	return uri, nil
}

// ObjectPath is the content-addressed mirror location for a snapshot.
func ObjectPath(prefix, store, digest string) string {
	return path.Join(prefix, store, digest+".json")
}
