package credits

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Pricing resolves the USD cost of a metered operation. The ledger never
// computes prices itself beyond invoking this contract; it is injected at
// service construction.
type Pricing interface {
	CostUSD(provider string, modelID string, featureType string, inputUnits int64, outputUnits int64) (decimal.Decimal, error)
	CreditsPerUSD() decimal.Decimal
}

// ModelRate prices one provider/model pair in USD per million units.
type ModelRate struct {
	InputUSDPerMillion  decimal.Decimal
	OutputUSDPerMillion decimal.Decimal
}

// PricingConfig is the explicit configuration object a TablePricing is built
// from. Rates are keyed "provider/model"; FeatureRates optionally override a
// rate for a specific "provider/model/feature" triple.
type PricingConfig struct {
	CreditsPerUSD float64              `mapstructure:"credits_per_usd"`
	Rates         map[string]RateEntry `mapstructure:"rates"`
	FeatureRates  map[string]RateEntry `mapstructure:"feature_rates"`
	DefaultRate   *RateEntry           `mapstructure:"default_rate"`
}

// RateEntry is the serializable form of a ModelRate.
type RateEntry struct {
	InputUSDPerMillion  float64 `mapstructure:"input_usd_per_million"`
	OutputUSDPerMillion float64 `mapstructure:"output_usd_per_million"`
}

// TablePricing is a static rate-table Pricing implementation.
type TablePricing struct {
	creditsPerUSD decimal.Decimal
	rates         map[string]ModelRate
	featureRates  map[string]ModelRate
	defaultRate   *ModelRate
}

// NewTablePricing validates the configuration and builds the rate table.
func NewTablePricing(config PricingConfig) (*TablePricing, error) {
	if config.CreditsPerUSD <= 0 {
		return nil, fmt.Errorf("%w: credits_per_usd must be positive", ErrInvalidPricingConfig)
	}
	rates := make(map[string]ModelRate, len(config.Rates))
	for key, entry := range config.Rates {
		rate, err := entry.toModelRate()
		if err != nil {
			return nil, fmt.Errorf("%w: rate %q: %v", ErrInvalidPricingConfig, key, err)
		}
		rates[normalizeRateKey(key)] = rate
	}
	featureRates := make(map[string]ModelRate, len(config.FeatureRates))
	for key, entry := range config.FeatureRates {
		rate, err := entry.toModelRate()
		if err != nil {
			return nil, fmt.Errorf("%w: feature rate %q: %v", ErrInvalidPricingConfig, key, err)
		}
		featureRates[normalizeRateKey(key)] = rate
	}
	var defaultRate *ModelRate
	if config.DefaultRate != nil {
		rate, err := config.DefaultRate.toModelRate()
		if err != nil {
			return nil, fmt.Errorf("%w: default rate: %v", ErrInvalidPricingConfig, err)
		}
		defaultRate = &rate
	}
	return &TablePricing{
		creditsPerUSD: decimal.NewFromFloat(config.CreditsPerUSD),
		rates:         rates,
		featureRates:  featureRates,
		defaultRate:   defaultRate,
	}, nil
}

// CostUSD resolves the rate for the classification tags and prices the usage.
func (pricing *TablePricing) CostUSD(provider string, modelID string, featureType string, inputUnits int64, outputUnits int64) (decimal.Decimal, error) {
	rate, err := pricing.resolveRate(provider, modelID, featureType)
	if err != nil {
		return decimal.Zero, err
	}
	million := decimal.NewFromInt(1_000_000)
	inputCost := decimal.NewFromInt(inputUnits).Mul(rate.InputUSDPerMillion).Div(million)
	outputCost := decimal.NewFromInt(outputUnits).Mul(rate.OutputUSDPerMillion).Div(million)
	return inputCost.Add(outputCost), nil
}

// CreditsPerUSD returns the credit-to-currency conversion rate.
func (pricing *TablePricing) CreditsPerUSD() decimal.Decimal {
	return pricing.creditsPerUSD
}

func (pricing *TablePricing) resolveRate(provider string, modelID string, featureType string) (ModelRate, error) {
	if rate, ok := pricing.featureRates[normalizeRateKey(provider+"/"+modelID+"/"+featureType)]; ok {
		return rate, nil
	}
	if rate, ok := pricing.rates[normalizeRateKey(provider+"/"+modelID)]; ok {
		return rate, nil
	}
	if pricing.defaultRate != nil {
		return *pricing.defaultRate, nil
	}
	return ModelRate{}, fmt.Errorf("%w: %s/%s/%s", ErrUnknownModelRate, provider, modelID, featureType)
}

func (entry RateEntry) toModelRate() (ModelRate, error) {
	if entry.InputUSDPerMillion < 0 || entry.OutputUSDPerMillion < 0 {
		return ModelRate{}, fmt.Errorf("rates must not be negative")
	}
	return ModelRate{
		InputUSDPerMillion:  decimal.NewFromFloat(entry.InputUSDPerMillion),
		OutputUSDPerMillion: decimal.NewFromFloat(entry.OutputUSDPerMillion),
	}, nil
}

func normalizeRateKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// creditsForCost converts a USD cost to whole credits, rounding up so a
// settled cost never undercounts a fractional credit.
func creditsForCost(costUSD decimal.Decimal, creditsPerUSD decimal.Decimal) int64 {
	return costUSD.Mul(creditsPerUSD).Ceil().IntPart()
}
