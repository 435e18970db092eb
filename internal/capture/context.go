package capture

import (
	"context"
	"sync/atomic"
)

type replaySinkKey struct{}

// ReplaySink carries the id of the record the interceptor creates during a
// loopback dispatch back to the replay engine. The engine plants a sink in
// the dispatch context; the interceptor publishes into it.
type ReplaySink struct {
	id atomic.Int64
}

// RecordID returns the published id, or zero when no capture happened.
func (s *ReplaySink) RecordID() int64 {
	return s.id.Load()
}

func (s *ReplaySink) publish(id int64) {
	s.id.Store(id)
}

// WithReplaySink attaches a sink to the context.
func WithReplaySink(ctx context.Context, sink *ReplaySink) context.Context {
	return context.WithValue(ctx, replaySinkKey{}, sink)
}

func replaySinkFrom(ctx context.Context) *ReplaySink {
	if v := ctx.Value(replaySinkKey{}); v != nil {
		if sink, ok := v.(*ReplaySink); ok {
			return sink
		}
	}
	return nil
}
