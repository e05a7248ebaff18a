package filter

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Chain applies filters in order and stops at the first rejection.
// Disabled filters always pass. A filter that errors or panics counts as a
// rejection with a "filter error" reason.
type Chain struct {
	mu      sync.RWMutex
	filters []Filter
	logger  *slog.Logger
}

// NewChain creates a chain with the given filters in order.
func NewChain(logger *slog.Logger, filters ...Filter) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{filters: slices.Clone(filters), logger: logger}
}

// Add appends a filter, replacing any existing filter with the same name.
func (c *Chain) Add(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.index(f.Name()); i >= 0 {
		c.filters[i] = f
		return
	}
	c.filters = append(c.filters, f)
}

// Remove deletes the named filter and reports whether it existed.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(name)
	if i < 0 {
		return false
	}
	c.filters = slices.Delete(c.filters, i, i+1)
	return true
}

// SetEnabled toggles the named filter and reports whether it exists.
func (c *Chain) SetEnabled(name string, enabled bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.index(name)
	if i < 0 {
		return false
	}
	c.filters[i].SetEnabled(enabled)
	return true
}

// Reorder rearranges the chain to follow names. Unknown names are ignored
// and filters not named keep their relative order after the named ones.
func (c *Chain) Reorder(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Filter, 0, len(c.filters))
	used := make(map[string]bool, len(names))
	for _, n := range names {
		if i := c.index(n); i >= 0 && !used[n] {
			out = append(out, c.filters[i])
			used[n] = true
		}
	}
	for _, f := range c.filters {
		if !used[f.Name()] {
			out = append(out, f)
		}
	}
	c.filters = out
}

// Names returns filter names in application order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

// Len returns the number of filters, enabled or not.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// Apply runs the chain against one alert.
func (c *Chain) Apply(a domain.Alert) Result {
	c.mu.RLock()
	filters := slices.Clone(c.filters)
	c.mu.RUnlock()

	applied := make([]string, 0, len(filters))
	for _, f := range filters {
		if !f.Enabled() {
			continue
		}
		applied = append(applied, f.Name())
		res := c.check(f, a)
		if !res.Passed {
			if res.Metadata == nil {
				res.Metadata = make(map[string]any)
			}
			res.Metadata["filter"] = f.Name()
			res.Metadata["filters_applied"] = applied
			return res
		}
	}
	return Result{
		Passed:   true,
		Reason:   "all filters passed",
		Metadata: map[string]any{"filters_applied": applied},
	}
}

// ApplyAll runs every filter independently and returns each verdict keyed by
// filter name. Disabled filters report a passing "filter disabled" result.
func (c *Chain) ApplyAll(a domain.Alert) map[string]Result {
	c.mu.RLock()
	filters := slices.Clone(c.filters)
	c.mu.RUnlock()

	out := make(map[string]Result, len(filters))
	for _, f := range filters {
		if !f.Enabled() {
			out[f.Name()] = pass("filter disabled")
			continue
		}
		out[f.Name()] = c.check(f, a)
	}
	return out
}

func (c *Chain) check(f Filter, a domain.Alert) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("filter panicked", "filter", f.Name(), "alert_id", a.ID, "panic", r)
			res = reject(fmt.Sprintf("filter error: %v", r), nil)
		}
	}()
	res, err := f.Check(a)
	if err != nil {
		c.logger.Warn("filter failed", "filter", f.Name(), "alert_id", a.ID, "error", err)
		return reject(fmt.Sprintf("filter error: %v", err), nil)
	}
	if !res.Passed && res.Reason == "" {
		res.Reason = "rejected by " + f.Name()
	}
	return res
}

func (c *Chain) index(name string) int {
	return slices.IndexFunc(c.filters, func(f Filter) bool { return f.Name() == name })
}
