package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseFiscalYear(t *testing.T) {
	tests := []struct {
		label string
		want  int
		ok    bool
	}{
		{"FY24", 2024, true},
		{"2023", 2023, true},
		{"2022-09-30", 2022, true},
		{"fy 21", 2021, true},
		{"", 0, false},
		{"TTM", 0, false},
		{"1999", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseFiscalYear(tt.label)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseFiscalYear(%q) = %d, %v; want %d, %v", tt.label, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLatestFiscalYear(t *testing.T) {
	s := &CompanySnapshot{Historical: []YearRecord{{Year: "FY22"}, {Year: "FY23"}, {Year: "bad"}}}
	if got := s.LatestFiscalYear(); got != 2023 {
		t.Errorf("LatestFiscalYear() = %d, want 2023", got)
	}

	s.Latest.FiscalYear = "2024"
	if got := s.LatestFiscalYear(); got != 2024 {
		t.Errorf("LatestFiscalYear() = %d, want 2024", got)
	}

	if got := (&CompanySnapshot{}).LatestFiscalYear(); got != DefaultFiscalYear {
		t.Errorf("empty snapshot should use default, got %d", got)
	}
}

func TestNetDebt(t *testing.T) {
	reported := 5e9
	tests := []struct {
		name       string
		market     MarketData
		wantValue  float64
		wantSource string
	}{
		{"reported", MarketData{NetDebt: &reported, EnterpriseValue: 100, MarketCap: 50}, 5e9, "reported"},
		{"derived", MarketData{EnterpriseValue: 120e9, MarketCap: 100e9}, 20e9, "ev_minus_market_cap"},
		{"net cash", MarketData{EnterpriseValue: 90e9, MarketCap: 100e9}, -10e9, "ev_minus_market_cap"},
		{"unavailable", MarketData{MarketCap: 100e9}, 0, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &CompanySnapshot{Market: tt.market}
			v, src := s.NetDebt()
			if v != tt.wantValue || src != tt.wantSource {
				t.Errorf("NetDebt() = %v, %s; want %v, %s", v, src, tt.wantValue, tt.wantSource)
			}
		})
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	data := `{"company_name": "Acme Corp", "latest_financials": {"revenue": 1000000000, "shares_outstanding": 100000000}, "market_data": {"current_price": 20}}`
	if err := os.WriteFile(filepath.Join(dir, "ACME.json"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &FileProvider{Dir: dir}
	snap, err := p.Snapshot(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Ticker != "ACME" || snap.Name() != "Acme Corp" || snap.Latest.Revenue != 1e9 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.Historical != nil {
		t.Errorf("missing historical list should stay empty")
	}

	_, err = p.Snapshot(context.Background(), "NOPE")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Snapshot(context.Background(), "../etc"); err == nil {
		t.Error("expected error for path-like ticker")
	}
}
