// Package cost converts model token usage and sandbox compute into credits.
package cost

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// ModelPricing is the credit price of a model per 1M tokens.
type ModelPricing struct {
	Model       string  `yaml:"model"`
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// Usage is what one session consumed.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Compute      time.Duration
}

// Breakdown is the unrounded credit cost of a Usage.
type Breakdown struct {
	Input   float64
	Output  float64
	Compute float64
}

// Total returns the charge, rounded up to whole credits.
func (b Breakdown) Total() int64 {
	return int64(math.Ceil(b.Input + b.Output + b.Compute - 1e-9))
}

// DefaultComputeRate is the sandbox surcharge in credits per compute-second.
const DefaultComputeRate = 0.5

// Calculator prices usage. Unknown models use the fallback pricing.
type Calculator struct {
	mu          sync.RWMutex
	pricing     map[string]*ModelPricing
	fallback    ModelPricing
	computeRate float64
}

// NewCalculator creates a calculator with default pricing.
func NewCalculator() *Calculator {
	c := &Calculator{
		pricing:     make(map[string]*ModelPricing),
		fallback:    ModelPricing{Model: "default", InputPer1M: 300, OutputPer1M: 1200},
		computeRate: DefaultComputeRate,
	}
	c.loadDefaultPricing()
	return c
}

// One credit is one US cent of provider list price, rounded.
func (c *Calculator) loadDefaultPricing() {
	models := []*ModelPricing{
		// OpenAI
		{Model: "gpt-4o", InputPer1M: 250, OutputPer1M: 1000},
		{Model: "gpt-4o-mini", InputPer1M: 15, OutputPer1M: 60},
		{Model: "gpt-4.1", InputPer1M: 200, OutputPer1M: 800},
		{Model: "gpt-4.1-mini", InputPer1M: 40, OutputPer1M: 160},
		{Model: "gpt-5", InputPer1M: 125, OutputPer1M: 1000},
		{Model: "o3-mini", InputPer1M: 110, OutputPer1M: 440},

		// Anthropic, via Bedrock
		{Model: "anthropic.claude-3-5-haiku", InputPer1M: 80, OutputPer1M: 400},
		{Model: "anthropic.claude-3-5-sonnet", InputPer1M: 300, OutputPer1M: 1500},
		{Model: "anthropic.claude-3-haiku", InputPer1M: 25, OutputPer1M: 125},

		// Google Gemini
		{Model: "gemini-2.5-pro", InputPer1M: 125, OutputPer1M: 1000},
		{Model: "gemini-2.5-flash", InputPer1M: 30, OutputPer1M: 250},
		{Model: "gemini-2.0-flash", InputPer1M: 10, OutputPer1M: 40},

		// Scripted mock provider
		{Model: "mock", InputPer1M: 0, OutputPer1M: 0},
	}
	for _, p := range models {
		c.pricing[p.Model] = p
	}
}

// AddPricing adds or updates pricing for a model.
func (c *Calculator) AddPricing(pricing *ModelPricing) {
	if pricing == nil {
		return
	}
	p := *pricing
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[p.Model] = &p
}

// SetFallback sets the pricing used for models without an entry.
func (c *Calculator) SetFallback(p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = p
}

// SetComputeRate sets the credits charged per sandbox compute-second.
func (c *Calculator) SetComputeRate(perSecond float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.computeRate = perSecond
}

// GetPricing finds pricing by exact name, then by longest prefix, so
// "gpt-4o-2024-08-06" resolves to "gpt-4o". The result is a copy.
func (c *Calculator) GetPricing(model string) (*ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		cp := *p
		return &cp, true
	}

	keys := make([]string, 0, len(c.pricing))
	for k := range c.pricing {
		keys = append(keys, k)
	}
	// Longest first, then lexical, for deterministic matching.
	slices.SortFunc(keys, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	for _, key := range keys {
		if strings.HasPrefix(model, key) {
			cp := *c.pricing[key]
			return &cp, true
		}
	}
	return nil, false
}

func (c *Calculator) pricingOrFallback(model string) ModelPricing {
	if p, ok := c.GetPricing(model); ok {
		return *p
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

// Calculate returns the unrounded cost of usage.
func (c *Calculator) Calculate(u Usage) (Breakdown, error) {
	if u.InputTokens < 0 || u.OutputTokens < 0 || u.Compute < 0 {
		return Breakdown{}, fmt.Errorf("usage must not be negative: %+v", u)
	}
	p := c.pricingOrFallback(u.Model)

	c.mu.RLock()
	rate := c.computeRate
	c.mu.RUnlock()

	return Breakdown{
		Input:   float64(u.InputTokens) / 1_000_000 * p.InputPer1M,
		Output:  float64(u.OutputTokens) / 1_000_000 * p.OutputPer1M,
		Compute: u.Compute.Seconds() * rate,
	}, nil
}

// Credits returns the rounded-up charge for usage.
func (c *Calculator) Credits(u Usage) (int64, error) {
	b, err := c.Calculate(u)
	if err != nil {
		return 0, err
	}
	return b.Total(), nil
}

// Estimate prices a request before it runs: every prompt token plus the
// full output allowance.
func (c *Calculator) Estimate(model string, promptTokens, maxOutputTokens int) int64 {
	b, err := c.Calculate(Usage{Model: model, InputTokens: promptTokens, OutputTokens: maxOutputTokens})
	if err != nil {
		return 0
	}
	return b.Total()
}

// ListModels returns all models with pricing, sorted.
func (c *Calculator) ListModels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	models := make([]string, 0, len(c.pricing))
	for model := range c.pricing {
		models = append(models, model)
	}
	slices.Sort(models)
	return models
}

// EstimateTokens approximates the token count of text at four bytes per
// token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// DefaultCalculator is the global cost calculator instance
var DefaultCalculator = NewCalculator()
