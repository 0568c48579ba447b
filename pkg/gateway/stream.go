package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/runcore-io/runcore/pkg/model"
	"github.com/runcore-io/runcore/pkg/models"
)

// GenerateStream opens a streaming completion through the full pipeline.
// The returned stream commits exactly one cost event no matter how it ends:
// the model's final-usage callback carries true usage; if the stream ends,
// errors, or is closed before the callback fires, the preflight estimate is
// committed instead. Over-reporting slightly beats dropping the event.
func (g *Gateway) GenerateStream(ctx context.Context, callCtx models.CallContext, req StreamRequest) (io.ReadCloser, error) {
	estimated, idemKey, err := g.admit(ctx, callCtx, req.System, req.Messages, req.Model)
	if err != nil {
		return nil, err
	}

	committer := &streamCommitter{
		gateway:   g,
		callCtx:   callCtx,
		idemKey:   idemKey,
		estimated: estimated,
	}

	upstream, err := g.client.CreateChatStream(ctx, model.StreamRequest{
		Messages:    req.Messages,
		System:      req.System,
		Model:       req.Model,
		Temperature: req.Temperature,
		OnFinish:    committer.commitActual,
	})
	if err != nil {
		return nil, g.invocationError(err)
	}

	return &costTrackedStream{upstream: upstream, committer: committer}, nil
}

// streamCommitter guards the at-most-once cost commit for one stream.
// Concurrent finalize paths (normal finish, cancel, read error) converge on
// a single commit through the sync.Once.
type streamCommitter struct {
	gateway   *Gateway
	callCtx   models.CallContext
	idemKey   string
	estimated models.LLMUsage
	once      sync.Once
}

// commitActual persists the event with the true usage reported by the model
// client on stream completion.
func (c *streamCommitter) commitActual(usage models.LLMUsage) {
	c.once.Do(func() {
		c.persist(c.gateway.normalizeActual(usage), false)
	})
}

// commitFallback persists the event with the preflight estimate. Used when
// the stream ends without a usage callback.
func (c *streamCommitter) commitFallback() {
	c.once.Do(func() {
		c.gateway.metrics.StreamFallbacks.Inc()
		slog.Warn("Stream ended without usage, committing preflight estimate",
			"run_id", c.callCtx.RunID, "phase", c.callCtx.Phase)
		c.persist(c.estimated, true)
	})
}

func (c *streamCommitter) persist(usage models.LLMUsage, fallback bool) {
	// The caller's context may already be cancelled; the commit must not be.
	ctx := context.WithoutCancel(context.Background())
	if err := c.gateway.commit(ctx, c.callCtx, c.idemKey, usage); err != nil {
		slog.Error("Failed to persist stream cost event",
			"run_id", c.callCtx.RunID, "fallback", fallback, "error", err)
	}
}

// costTrackedStream wraps the upstream byte stream and triggers the fallback
// commit on EOF, read error, or close.
type costTrackedStream struct {
	upstream  io.ReadCloser
	committer *streamCommitter

	mu     sync.Mutex
	closed bool
}

// Read implements io.Reader.
func (s *costTrackedStream) Read(p []byte) (int, error) {
	n, err := s.upstream.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Normal completion: the usage callback has usually fired by
			// now; the fallback is a no-op when it has.
			s.committer.commitFallback()
			return n, io.EOF
		}
		s.committer.commitFallback()
		return n, s.committer.gateway.invocationError(err)
	}
	return n, nil
}

// Close cancels the upstream stream and commits the fallback event if no
// commit happened yet.
func (s *costTrackedStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.upstream.Close()
	s.committer.commitFallback()
	return err
}
