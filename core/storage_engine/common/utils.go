package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 256 * 1024

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes  int64
	SHA256 []byte
}

// CopyThrottled copies src to dst, waiting on a token bucket so that no more
// than rateBytesPerSec bytes are written per second. A rate <= 0 disables
// throttling. The copy stops early when ctx is cancelled.
func CopyThrottled(ctx context.Context, dst io.Writer, src io.Reader, rateBytesPerSec int64) (CopyResult, error) {
	// Set up throughput limiter using golang.org/x/time/rate
	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	var (
		written int64
		sum     hash.Hash = sha256.New()
	)

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		if err := ctx.Err(); err != nil {
			return CopyResult{Bytes: written}, err
		}
		n, rerr := io.ReadFull(src, buf[:chunkSize])
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopyResult{Bytes: written}, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return CopyResult{Bytes: written}, fmt.Errorf("write error: %w", werr)
			}
			sum.Write(buf[:n])
			written += int64(n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			// any other read error
			return CopyResult{Bytes: written}, fmt.Errorf("read error: %w", rerr)
		}
	}

	return CopyResult{Bytes: written, SHA256: sum.Sum(nil)}, nil
}
