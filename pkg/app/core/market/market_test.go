package market

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestMarketCreation tests basic market creation and validation
func TestMarketCreation(t *testing.T) {
	m, err := NewMarketWithDefaults("ETH-USD", "vETH", "vUSD")
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}

	if m.Symbol != "ETH-USD" {
		t.Errorf("expected symbol ETH-USD, got %s", m.Symbol)
	}
	if m.Type != Perpetual {
		t.Errorf("expected Perpetual type, got %v", m.Type)
	}
	if m.Status != Active {
		t.Errorf("expected Active status, got %v", m.Status)
	}
	if !m.Tradable() {
		t.Errorf("new market should be tradable")
	}
}

// TestMarketValidation tests parameter validation
func TestMarketValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  MarketParams
		wantErr bool
	}{
		{
			name:    "valid default params",
			params:  DefaultPerpetual,
			wantErr: false,
		},
		{
			name:    "fee at 100%",
			params:  CustomPerpetual(1_000_000, 200, 18, 18),
			wantErr: true,
		},
		{
			name:    "zero tick spacing",
			params:  CustomPerpetual(3000, 0, 18, 18),
			wantErr: true,
		},
		{
			name:    "decimals too large",
			params:  CustomPerpetual(3000, 60, 40, 18),
			wantErr: true,
		},
		{
			name:    "mixed decimals",
			params:  CustomPerpetual(500, 10, 8, 6),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMarket("ETH-USD", "vETH", "vUSD", tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMarket() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := NewMarketRegistry()

	for _, sym := range []string{"SOL-USD", "ETH-USD", "BTC-USD"} {
		m, err := NewMarketWithDefaults(sym, "v"+sym[:3], "vUSD")
		if err != nil {
			t.Fatal(err)
		}
		if err := reg.RegisterMarket(m); err != nil {
			t.Fatalf("register %s: %v", sym, err)
		}
	}

	dup, _ := NewMarketWithDefaults("ETH-USD", "vETH", "vUSD")
	if err := reg.RegisterMarket(dup); !errors.Is(err, ErrMarketExists) {
		t.Errorf("expected ErrMarketExists, got %v", err)
	}
	if _, err := reg.GetMarket("DOGE-USD"); !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}

	list := reg.ListMarkets()
	if len(list) != 3 || list[0].Symbol != "BTC-USD" || list[2].Symbol != "SOL-USD" {
		t.Errorf("markets not sorted by symbol: %v", list)
	}

	// returned markets are copies
	got, _ := reg.GetMarket("ETH-USD")
	got.Status = Settled
	if again, _ := reg.GetMarket("ETH-USD"); again.Status != Active {
		t.Errorf("registry state changed through a returned copy")
	}
}

func TestStatusTransitions(t *testing.T) {
	reg := NewMarketRegistry()
	m, _ := NewMarketWithDefaults("ETH-USD", "vETH", "vUSD")
	if err := reg.RegisterMarket(m); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		to      MarketStatus
		wantErr bool
	}{
		{Paused, false},
		{Active, false},
		{Settled, true}, // must settle first
		{Settling, false},
		{Active, true},
		{Settled, false},
		{Active, true}, // terminal
	}
	for i, s := range steps {
		err := reg.UpdateMarketStatus("ETH-USD", s.to)
		if (err != nil) != s.wantErr {
			t.Fatalf("step %d -> %s: error = %v, wantErr %v", i, s.to, err, s.wantErr)
		}
	}
	if n := len(reg.ListActiveMarkets()); n != 0 {
		t.Errorf("expected no active markets, got %d", n)
	}
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(struct{ Status MarketStatus }{Paused})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"Status":"Paused"}` {
		t.Errorf("unexpected encoding %s", data)
	}

	var back struct{ Status MarketStatus }
	if err := json.Unmarshal([]byte(`{"Status":"Settling"}`), &back); err != nil {
		t.Fatal(err)
	}
	if back.Status != Settling {
		t.Errorf("expected Settling, got %v", back.Status)
	}
}
