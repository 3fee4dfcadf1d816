package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/JakeFAU/grocery-price-crawler/internal/storage/atomicfile"
)

// FilePersister stores queue state as a small JSON document.
type FilePersister struct {
	path string
}

// NewFilePersister returns a persister writing to path.
func NewFilePersister(path string) (*FilePersister, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("retry queue path is required")
	}
	return &FilePersister{path: path}, nil
}

// Load reads the state file. A missing file yields an empty state.
func (p *FilePersister) Load(_ context.Context) (State, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{Products: map[string]int{}}, nil
		}
		return State{}, fmt.Errorf("read retry queue: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode retry queue: %w", err)
	}
	if state.Products == nil {
		state.Products = map[string]int{}
	}
	return state, nil
}

// Save atomically replaces the state file.
func (p *FilePersister) Save(_ context.Context, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode retry queue: %w", err)
	}
	if err := atomicfile.WriteFile(p.path, data); err != nil {
		return fmt.Errorf("write retry queue: %w", err)
	}
	return nil
}
