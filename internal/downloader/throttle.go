package downloader

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// minBurst keeps reads reasonably sized when the configured rate is low.
const minBurst = 32 * 1024

// newLimiter returns a limiter for bytesPerSec, unlimited when it is 0.
func newLimiter(bytesPerSec int64) *rate.Limiter {
	l := rate.NewLimiter(rate.Inf, minBurst)
	applyLimit(l, bytesPerSec)
	return l
}

// applyLimit updates a shared limiter in place so running transfers pick it up.
func applyLimit(l *rate.Limiter, bytesPerSec int64) {
	if bytesPerSec <= 0 {
		if l.Limit() != rate.Inf {
			l.SetLimit(rate.Inf)
		}
		return
	}
	burst := int(bytesPerSec)
	if burst < minBurst {
		burst = minBurst
	}
	if l.Limit() != rate.Limit(bytesPerSec) || l.Burst() != burst {
		l.SetBurst(burst)
		l.SetLimit(rate.Limit(bytesPerSec))
	}
}

// throttledReader charges every read against a limiter shared by all workers and
// pushes the idle deadline forward whenever bytes arrive.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	idle    *time.Timer
	timeout time.Duration
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if t.limiter.Limit() != rate.Inf {
		if burst := t.limiter.Burst(); len(p) > burst {
			p = p[:burst]
		}
	}
	n, err := t.r.Read(p)
	if n > 0 {
		t.touch()
		if t.limiter.Limit() != rate.Inf {
			if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
				return n, werr
			}
			t.touch()
		}
	}
	return n, err
}

func (t *throttledReader) touch() {
	if t.idle != nil {
		t.idle.Reset(t.timeout)
	}
}
