package throttle

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

const maxBurst = 1024 * 1024

type writer struct {
	ctx     context.Context
	limiter *rate.Limiter
	writer  io.Writer
}

// NewWriter limits the rate at which bytes are written to w. Writes block
// until the limiter allows them or ctx is done. A zero rate returns w as is.
func NewWriter(ctx context.Context, w io.Writer, br Byterate) io.Writer {
	if br <= 0 {
		return w
	}
	burst := int(min(int64(br), maxBurst))
	limiter := rate.NewLimiter(rate.Limit(br), burst)
	// Start empty so the first second is throttled as well.
	limiter.AllowN(time.Now(), burst)
	return &writer{
		ctx:     ctx,
		limiter: limiter,
		writer:  w,
	}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), w.limiter.Burst())]
		err := w.limiter.WaitN(w.ctx, len(chunk))
		if err != nil {
			return written, err
		}
		n, err := w.writer.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
