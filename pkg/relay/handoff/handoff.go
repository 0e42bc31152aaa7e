// Package handoff passes finalized transcripts to downstream consumers. Every
// Dispatcher launches its work and returns; none waits for the consumer to
// finish.
package handoff

import (
	"context"
	"errors"
	"fmt"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/metrics"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, a transcript.Artifact) error
}

type DispatcherFunc func(ctx context.Context, a transcript.Artifact) error

func (f DispatcherFunc) Dispatch(ctx context.Context, a transcript.Artifact) error {
	return f(ctx, a)
}

type Target struct {
	Name       string
	Dispatcher Dispatcher
}

// Fanout dispatches to every target. A failing target does not stop the
// others and is not retried.
type Fanout struct {
	Targets []Target
	Metrics *metrics.Metrics
}

func (f *Fanout) Dispatch(ctx context.Context, a transcript.Artifact) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, t := range f.Targets {
		if t.Dispatcher == nil {
			continue
		}
		if err := t.Dispatcher.Dispatch(ctx, a); err != nil {
			f.Metrics.RecordHandoff(t.Name, "error")
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		f.Metrics.RecordHandoff(t.Name, "launched")
	}
	return errors.Join(errs...)
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Targets)
}
