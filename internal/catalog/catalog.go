// Package catalog reads the list of products to price from a text or CSV file.
package catalog

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// DefaultColumn is the CSV header holding product names.
const DefaultColumn = "Product"

// Config selects the catalog file and the slice of it this process owns.
type Config struct {
	Path       string
	Column     string
	ShardIndex int
	ShardCount int
}

// File is a grocery.Catalog backed by a .txt or .csv file. Text files hold
// one name per line; lines starting with # are comments.
type File struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a File catalog.
func New(cfg Config, logger *zap.Logger) (*File, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	if cfg.Column == "" {
		cfg.Column = DefaultColumn
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.ShardIndex < 0 || cfg.ShardIndex >= cfg.ShardCount {
		return nil, fmt.Errorf("shard index %d out of range for %d shards", cfg.ShardIndex, cfg.ShardCount)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{cfg: cfg, logger: logger.Named("catalog")}, nil
}

// DistinctNames returns this shard's de-duplicated names in file order.
func (f *File) DistinctNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("catalog read: %w", err)
	}
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	var raw []string
	switch strings.ToLower(filepath.Ext(f.cfg.Path)) {
	case ".csv":
		raw, err = readCSV(file, f.cfg.Column)
	default:
		raw, err = readLines(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", f.cfg.Path, err)
	}

	names := Dedupe(raw)
	shard := Shard(names, f.cfg.ShardIndex, f.cfg.ShardCount)
	f.logger.Info("catalog loaded",
		zap.String("path", f.cfg.Path),
		zap.Int("rows", len(raw)),
		zap.Int("distinct", len(names)),
		zap.Int("shard", f.cfg.ShardIndex),
		zap.Int("shard_size", len(shard)),
	)
	return shard, nil
}

// Dedupe drops blanks and names that normalize to one already seen,
// keeping the first spelling.
func Dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := grocery.NormalizeName(n)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Shard returns the index-th of count contiguous, near-equal slices.
func Shard(names []string, index, count int) []string {
	if count <= 1 {
		return names
	}
	if index < 0 || index >= count {
		return nil
	}
	start := index * len(names) / count
	end := (index + 1) * len(names) / count
	return names[start:end]
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan lines: %w", err)
	}
	return out, nil
}

func readCSV(r io.Reader, column string) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), column) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found in header %v", column, header)
	}

	var out []string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if idx < len(rec) {
			out = append(out, rec[idx])
		}
	}
}
