// Package engine performs the per-chunk overlay: it apportions numeric
// attributes of a source collection onto the target polygons of a view.
package engine

import (
	"context"
	"errors"

	"github.com/bsaid97/go-spatial-overlay/features"
)

var (
	// ErrEngine wraps every failure of an overlay call.
	ErrEngine = errors.New("overlay engine error")

	// ErrUnavailable indicates the engine cannot run at all on this host.
	ErrUnavailable = errors.New("overlay engine unavailable")

	// ErrOutputExists indicates an overlay into an existing output without append.
	ErrOutputExists = errors.New("output already exists")
)

// Options mirror the overlay tool switches. Workers always pass
// Append=false and SelectionOnly=true; accumulation across chunks belongs
// to the merge step.
type Options struct {
	Append        bool
	SelectionOnly bool
}

// Output describes a written overlay result.
type Output struct {
	Path    string
	Records int
}

// Engine is the overlay collaborator used by workers.
type Engine interface {
	// Check verifies once, before planning, that overlays can run.
	Check(ctx context.Context) error

	// Overlay apportions attributes of source onto the features of view and
	// writes one record per view feature to output.
	Overlay(ctx context.Context, source features.Ref, view *features.View, attributes []string, output string, opts Options) (Output, error)
}

// Releaser is implemented by engines that keep state for the length of a
// run.
type Releaser interface {
	Release()
}
