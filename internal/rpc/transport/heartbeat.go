package transport

import (
	"context"
	"sync"
	"time"

	"github.com/animus-coder/agentstream/internal/rpc"
)

// DefaultHeartbeatInterval is used when no interval is configured.
const DefaultHeartbeatInterval = 30 * time.Second

// FrameWriter is the non-blocking write side a heartbeat needs.
type FrameWriter interface {
	Write(f rpc.Frame) (backedUp bool, err error)
	Ready() <-chan struct{}
}

// StartHeartbeat writes a heartbeat frame every interval until ctx ends or the returned
// stop function is called. stop waits for the emitter goroutine to exit and is safe to
// call more than once. A tick is skipped while the writer is backed up; a write error
// ends the emitter.
func StartHeartbeat(ctx context.Context, interval time.Duration, w FrameWriter) (stop func()) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case <-w.Ready():
				default:
					continue
				}
				if _, err := w.Write(rpc.HeartbeatFrame(now.UnixMilli())); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
