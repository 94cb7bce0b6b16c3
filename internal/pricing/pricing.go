// Package pricing turns gateway usage records into a dollar cost. Prices are
// per 1K tokens, keyed by provider then model.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/gauntlet/internal/gateway"
)

type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type Table struct {
	Providers map[string]map[string]ModelPricing
}

// Load reads a provider -> model -> price YAML file. Negative prices are
// rejected.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file %s: %w", path, err)
	}
	t := &Table{}
	if err := yaml.Unmarshal(data, &t.Providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file %s: %w", path, err)
	}
	for provider, models := range t.Providers {
		for model, p := range models {
			if p.Input < 0 || p.Output < 0 {
				return nil, fmt.Errorf("pricing %s/%s: prices must not be negative", provider, model)
			}
		}
	}
	return t, nil
}

// Lookup finds the price for model. Providers report dated model names
// (claude-sonnet-4-20250514), so when there is no exact entry the longest
// configured name that prefixes model wins.
func (t *Table) Lookup(provider, model string) (ModelPricing, bool) {
	if t == nil {
		return ModelPricing{}, false
	}
	models := t.Providers[provider]
	if p, ok := models[model]; ok {
		return p, true
	}
	best, found := "", false
	for name := range models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best, found = name, true
		}
	}
	return models[best], found
}

// Cost prices one request. Unknown models cost nothing.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1000
}

func (t *Table) UsageCost(records []gateway.UsageRecord) float64 {
	var total float64
	for _, r := range records {
		total += t.Cost(r.Provider, r.Model, r.InputTokens, r.OutputTokens)
	}
	return total
}
