package venue

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/observability"
)

// Throttle enforces a venue's request budget: a token bucket for rate and a
// bounded slot queue for concurrency. A full queue refuses immediately instead
// of blocking the submission path.
type Throttle struct {
	venue   string
	limiter *rate.Limiter
	slots   chan struct{}
}

// NewThrottle builds a throttle from per-venue settings.
func NewThrottle(venueName string, perSec float64, burst, queueDepth int) *Throttle {
	if perSec <= 0 {
		perSec = 10
	}
	if burst <= 0 {
		burst = int(perSec)
		if burst == 0 {
			burst = 1
		}
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Throttle{
		venue:   venueName,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		slots:   make(chan struct{}, queueDepth),
	}
}

// Acquire claims a queue slot and waits for a rate token. The returned release
// function must be called once the venue call completes.
func (t *Throttle) Acquire(ctx context.Context) (func(), error) {
	select {
	case t.slots <- struct{}{}:
	default:
		observability.Telemetry().IncCounter(observability.MetricAdapterSends, 1,
			map[string]string{"venue": t.venue, "outcome": "backpressure"})
		return nil, errs.New(t.venue, errs.KindVenueBackpressure,
			errs.WithMessage("venue request queue full"))
	}
	if err := t.limiter.Wait(ctx); err != nil {
		<-t.slots
		// Cancellation means the caller is draining, not that the venue
		// was slow; the kinds keep those outcomes distinguishable.
		kind := errs.KindTimeout
		if errors.Is(err, context.Canceled) {
			kind = errs.KindShutdown
		}
		return nil, errs.New(t.venue, kind,
			errs.WithMessage("rate limit wait aborted"), errs.WithCause(err))
	}
	release := func() { <-t.slots }
	return release, nil
}

// Depth reports how many requests currently hold a queue slot.
func (t *Throttle) Depth() int {
	return len(t.slots)
}
