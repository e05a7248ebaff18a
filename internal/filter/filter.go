// Package filter implements the ordered, short-circuiting gate chain that
// decides whether an alert continues through the pipeline.
package filter

import (
	"sync/atomic"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Result is a filter verdict. Rejections always carry a reason.
type Result struct {
	Passed   bool           `json:"passed"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Filter is a single named gate. Check returns an error only for internal
// failures; policy rejections are reported through Result.
type Filter interface {
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	Check(a domain.Alert) (Result, error)
}

// base carries the name and enabled flag shared by every filter kind.
type base struct {
	name     string
	disabled atomic.Bool
}

func (b *base) Name() string            { return b.name }
func (b *base) Enabled() bool           { return !b.disabled.Load() }
func (b *base) SetEnabled(enabled bool) { b.disabled.Store(!enabled) }

func pass(reason string) Result {
	return Result{Passed: true, Reason: reason}
}

func reject(reason string, metadata map[string]any) Result {
	return Result{Passed: false, Reason: reason, Metadata: metadata}
}
