package videogen

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrAborted is returned when a generation is interrupted. No partial
// result accompanies it.
var ErrAborted = errors.New("generation aborted")

// GenerationContext is handed to every denoiser call so long running
// collaborators can report progress and notice an interrupt.
type GenerationContext struct {
	progress  ProgressFunc
	interrupt *atomic.Bool
	ctx       context.Context
}

// Interrupted reports whether the generation should stop.
func (g *GenerationContext) Interrupted() bool {
	if g == nil {
		return false
	}
	return g.interrupt.Load() || g.ctx.Err() != nil
}

// Progress forwards to the caller's progress callback, if any.
func (g *GenerationContext) Progress(step int, start bool) {
	if g != nil && g.progress != nil {
		g.progress(step, start)
	}
}

// abortErr is the error returned at a poll point that observed an
// interrupt. It always wraps ErrAborted and, when the context ended,
// the context's error too.
func (g *GenerationContext) abortErr() error {
	if err := g.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return ErrAborted
}
