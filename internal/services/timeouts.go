package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
)

// Timeouts bounds a streamed reply. Zero values disable the corresponding limit.
type Timeouts struct {
	// Idle is the longest wait for the next chunk of the reply.
	Idle time.Duration `yaml:"idle"`
	// Request is the longest a whole turn may take.
	Request time.Duration `yaml:"request"`
}

// bound runs the stream opened by open under the limits of t. The context given to open is canceled
// when a limit is hit, and the stream then ends with models.ErrTimeout.
func (t Timeouts) bound(ctx context.Context, open func(ctx context.Context) iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if t.Request > 0 {
			ctx, cancel = context.WithTimeout(ctx, t.Request)
			defer cancel()
		}

		var idle atomic.Bool
		var timer *time.Timer
		if t.Idle > 0 {
			timer = time.AfterFunc(t.Idle, func() {
				idle.Store(true)
				cancel()
			})
			defer timer.Stop()
		}

		timedOut := func() bool {
			return idle.Load() || errors.Is(ctx.Err(), context.DeadlineExceeded)
		}

		for delta, err := range open(ctx) {
			if err != nil {
				if timedOut() {
					err = models.ErrTimeout
				}
				yield("", fmt.Errorf("error streaming reply: %w", err))
				return
			}
			if timer != nil {
				timer.Reset(t.Idle)
			}
			if !yield(delta, nil) {
				return
			}
		}

		// Adapters end quietly on cancellation.
		if timedOut() {
			yield("", fmt.Errorf("error streaming reply: %w", models.ErrTimeout))
		}
	}
}
