package config

import (
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// VarianceThresholds classify |variance %| into a status band.
// A node is on_track below OnTrackBelow, minor below MinorBelow,
// significant below SignificantBelow and critical at or above it.
type VarianceThresholds struct {
	OnTrackBelow     decimal.Decimal
	MinorBelow       decimal.Decimal
	SignificantBelow decimal.Decimal
}

// Env overrides (percent values):
// - VARIANCE_ON_TRACK_BELOW_PCT (default 5)
// - VARIANCE_MINOR_BELOW_PCT (default 15)
// - VARIANCE_SIGNIFICANT_BELOW_PCT (default 50)
func GetVarianceThresholds() VarianceThresholds {
	return VarianceThresholds{
		OnTrackBelow:     decimalFromEnv("VARIANCE_ON_TRACK_BELOW_PCT", decimal.NewFromInt(5)),
		MinorBelow:       decimalFromEnv("VARIANCE_MINOR_BELOW_PCT", decimal.NewFromInt(15)),
		SignificantBelow: decimalFromEnv("VARIANCE_SIGNIFICANT_BELOW_PCT", decimal.NewFromInt(50)),
	}
}

// GetMaterialAmountDelta is the smallest amount difference the import
// reconciler treats as a real change when comparing incoming rows against
// stored values (amount_mismatch conflicts).
//
// Env override: IMPORT_MATERIAL_AMOUNT_DELTA (default 0.01)
func GetMaterialAmountDelta() decimal.Decimal {
	return decimalFromEnv("IMPORT_MATERIAL_AMOUNT_DELTA", decimal.NewFromFloat(0.01))
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}
