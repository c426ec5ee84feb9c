// Package fallback decides which model takes over after a classified
// provider failure, bounded by a per-request attempt counter.
package fallback

import (
	"slices"

	gateway "github.com/relaymux/relay/internal"
)

const defaultMaxAttempts = 3

// Availability reports whether a model can serve traffic right now; the
// pipeline wires this to the breaker/health view the router uses.
type Availability func(model string) bool

// Controller resolves fallback rules for failed requests.
type Controller struct {
	enabled     bool
	maxAttempts int
	rules       map[string]gateway.FallbackRule
	available   Availability
}

// New creates a Controller. available may be nil, in which case every
// configured fallback model is considered available.
func New(enabled bool, maxAttempts int, rules []gateway.FallbackRule, available Availability) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	byModel := make(map[string]gateway.FallbackRule, len(rules))
	for _, r := range rules {
		byModel[r.Model] = r
	}
	return &Controller{
		enabled:     enabled,
		maxAttempts: maxAttempts,
		rules:       byModel,
		available:   available,
	}
}

// MaxAttempts returns the per-request fallback bound.
func (c *Controller) MaxAttempts() int { return c.maxAttempts }

// Next returns the model to try after model failed with err. tried holds
// every model already attempted this request, primary included. ok is false
// when no fallback applies: fallbacks disabled, attempts exhausted, no rule,
// ineligible error class, or every fallback already tried or unavailable.
func (c *Controller) Next(model string, err error, tried []string, attempt int) (next string, ok bool) {
	if !c.enabled || attempt >= c.maxAttempts {
		return "", false
	}

	class := gateway.ClassOf(err)
	if !class.Retryable() {
		return "", false
	}

	rule, found := c.rules[model]
	if !found {
		return "", false
	}
	// A rule with an explicit class list narrows eligibility further.
	if len(rule.ErrorClasses) > 0 && !slices.Contains(rule.ErrorClasses, class) {
		return "", false
	}

	for _, fb := range rule.Fallbacks {
		if slices.Contains(tried, fb) {
			continue
		}
		if c.available != nil && !c.available(fb) {
			continue
		}
		return fb, true
	}
	return "", false
}
