package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no snapshot exists for a ticker.
var ErrNotFound = errors.New("snapshot not found")

// Provider returns the snapshot for a ticker.
type Provider interface {
	Snapshot(ctx context.Context, ticker string) (*CompanySnapshot, error)
}

// FileProvider reads <Dir>/<TICKER>.json.
type FileProvider struct {
	Dir string
}

func (p *FileProvider) Snapshot(ctx context.Context, ticker string) (*CompanySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" || strings.ContainsAny(ticker, `/\.`) {
		return nil, fmt.Errorf("invalid ticker %q", ticker)
	}

	path := filepath.Join(p.Dir, ticker+".json")
	snap, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ticker, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if snap.Ticker == "" {
		snap.Ticker = ticker
	}
	return snap, nil
}

// LoadFile decodes a snapshot JSON file. Missing fields stay zero.
func LoadFile(path string) (*CompanySnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap CompanySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}
