package normalize

import (
	"strings"
	"testing"

	"banksync-backend/internal/domain"
)

// FuzzParseAmountRoundTrip checks that every rendered amount parses back to
// the same minor units under both separator rules.
func FuzzParseAmountRoundTrip(f *testing.F) {
	f.Add(int64(0), uint8(0))
	f.Add(int64(123456), uint8(2))
	f.Add(int64(-4990), uint8(2))
	f.Add(int64(1_000_000_000), uint8(0))

	f.Fuzz(func(t *testing.T, value int64, rawDigits uint8) {
		if value > 1e15 || value < -1e15 {
			t.Skip()
		}
		digits := int(rawDigits % 4)

		text := domain.FormatMinor(value, digits)
		got, err := ParseAmount(text, domain.CommaThousands, digits)
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		if got != value {
			t.Fatalf("parse %q = %d, want %d", text, got, value)
		}

		swapped := strings.ReplaceAll(text, ".", ",")
		got, err = ParseAmount(swapped, domain.DotThousands, digits)
		if err != nil {
			t.Fatalf("parse %q: %v", swapped, err)
		}
		if got != value {
			t.Fatalf("parse %q = %d, want %d", swapped, got, value)
		}
	})
}

func FuzzParseAmountNeverPanics(f *testing.F) {
	for _, seed := range []string{"$ 1.234.567", "(1.234,50)", "1.234-", "CLP 12", "", "-", "1,2,3", "− 50"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, text string) {
		ParseAmount(text, domain.DotThousands, 0)
		ParseAmount(text, domain.CommaThousands, 2)
	})
}

func FuzzParseDate(f *testing.F) {
	for _, seed := range []string{"05/03/2024 14:22", "2024-03-05", "05-03-2024", "31/02/2024"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, text string) {
		d, err := ParseDate(text)
		if err != nil {
			return
		}
		if d.Hour() != 0 || d.Minute() != 0 || d.Location().String() != "UTC" {
			t.Fatalf("parse %q = %v, want a UTC calendar date", text, d)
		}
	})
}
