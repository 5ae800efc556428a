package ledger

import (
	"math"
	"testing"

	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "9.50", want: 950},
		{in: "10", want: 1000},
		{in: " 15.00 ", want: 1500},
		{in: "0.005", want: 1}, // half-up
		{in: "0", want: 0},
		{in: "-0", want: 0},
		{in: "0.004", wantErr: true},
		{in: "12.345", want: 1235},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "100000000000000000000", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "-0.01", wantErr: true},
		{in: "-1e30", wantErr: true},
		{in: "-92233720368547758.09", wantErr: true},
		{in: "-100000000000000000000", wantErr: true},
		{in: "1e5", wantErr: true},
		{in: "1e-2000000", wantErr: true},
		{in: "1.2.3", wantErr: true},
		{in: ".", wantErr: true},
		{in: "123456789012345678901234567890.123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrice(tt.in)
			if tt.wantErr {
				if !apperr.Is(err, apperr.Validation) {
					t.Fatalf("ParsePrice(%q) error = %v, want ValidationError", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrice(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePrice(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestPriceFromFloat(t *testing.T) {
	if got := PriceFromFloat(9.5); got != 950 {
		t.Errorf("PriceFromFloat(9.5) = %d, want 950", got)
	}
	// 1.005 is not representable exactly; the decimal conversion keeps it at 1.005
	if got := PriceFromFloat(1.005); got != 101 {
		t.Errorf("PriceFromFloat(1.005) = %d, want 101", got)
	}
}

func TestFormatPrice(t *testing.T) {
	cases := map[int64]string{950: "9.50", 1000: "10.00", 1: "0.01", 0: "0.00"}
	for in, want := range cases {
		if got := FormatPrice(in); got != want {
			t.Errorf("FormatPrice(%d) = %q, want %q", in, got, want)
		}
	}
	if PriceToFloat(950) != 9.5 {
		t.Errorf("PriceToFloat(950) = %v", PriceToFloat(950))
	}
}

func TestNotional(t *testing.T) {
	if got, ok := Notional(950, 3); !ok || got != 2850 {
		t.Errorf("Notional(950, 3) = %d, %v", got, ok)
	}
	if got, ok := Notional(math.MaxInt64, 1); !ok || got != math.MaxInt64 {
		t.Errorf("Notional(MaxInt64, 1) = %d, %v", got, ok)
	}
	// 10^15 cents x 10^5 would wrap to a bogus positive amount
	if _, ok := Notional(1_000_000_000_000_000, 100_000); ok {
		t.Error("Notional(1e15, 1e5) should overflow")
	}
	if _, ok := Notional(-1, 1); ok {
		t.Error("Notional(-1, 1) should be rejected")
	}
}
