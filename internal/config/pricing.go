package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPrice holds USD prices per million tokens for one model.
type ModelPrice struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// PricingTable maps model name to prices.
type PricingTable map[string]ModelPrice

// DefaultPricing is the compiled-in table used when no PRICING_FILE is
// configured. Unknown models fall back to the "default" row.
func DefaultPricing() PricingTable {
	return PricingTable{
		"grok-2-1212":   {InputPerMillion: 2.00, OutputPerMillion: 10.00},
		"grok-2-vision": {InputPerMillion: 2.00, OutputPerMillion: 10.00},
		"grok-beta":     {InputPerMillion: 5.00, OutputPerMillion: 15.00},
		"default":       {InputPerMillion: 2.00, OutputPerMillion: 10.00},
	}
}

// LoadPricing reads a YAML pricing table, merging over the defaults so a
// partial file only overrides the models it names.
func LoadPricing(path string) (PricingTable, error) {
	table := DefaultPricing()
	if path == "" {
		return table, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadPricing: %w", err)
	}
	var loaded PricingTable
	if err := yaml.Unmarshal(b, &loaded); err != nil {
		return nil, fmt.Errorf("op=config.LoadPricing: %w", err)
	}
	for k, v := range loaded {
		table[k] = v
	}
	return table, nil
}

// PriceFor returns the price row for a model, falling back to "default".
func (t PricingTable) PriceFor(model string) ModelPrice {
	if p, ok := t[model]; ok {
		return p
	}
	return t["default"]
}
