package httpclient

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimiter caps aggregate download throughput across all concurrent
// fetches so creative caching never starves the host app's own traffic.
type RateLimiter struct {
	l *rate.Limiter
}

// NewRateLimiter returns a limiter for bytesPerSec, or nil (unlimited) when
// bytesPerSec <= 0. A nil *RateLimiter is valid and imposes no limit.
func NewRateLimiter(bytesPerSec int) *RateLimiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return &RateLimiter{l: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// Reader wraps r so reads consume rate budget. With a nil limiter, r is
// returned unchanged.
func (rl *RateLimiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if rl == nil {
		return r
	}
	return &limitedReader{ctx: ctx, rl: rl.l, r: r}
}

type limitedReader struct {
	ctx context.Context
	rl  *rate.Limiter
	r   io.Reader
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	// Reads never exceed the limiter burst, otherwise WaitN errors out.
	if burst := lr.rl.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.rl.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
