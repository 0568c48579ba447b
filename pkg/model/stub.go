package model

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/runcore-io/runcore/pkg/models"
)

// StubScriptEntry defines a single scripted model response.
type StubScriptEntry struct {
	Text   string
	Object json.RawMessage // for structured calls; falls back to Text
	Usage  models.LLMUsage
	Err    error

	// Stream control
	StreamChunks    []string // chunks emitted by CreateChatStream
	WithholdUsage   bool     // stream ends without firing OnFinish
	BlockUntilDone  bool     // block the call until ctx is cancelled
	FailAfterChunks int      // stream read error after N chunks (0 = never)
}

// StubClient is a deterministic Client for tests: responses are consumed
// from a script in call order. Safe for concurrent use.
type StubClient struct {
	ProviderName string
	Model        string

	mu       sync.Mutex
	script   []StubScriptEntry
	index    int
	captured []GenerateRequest
}

// NewStubClient creates a stub for the given provider/model identity.
func NewStubClient(provider, model string) *StubClient {
	return &StubClient{ProviderName: provider, Model: model}
}

// Add appends a scripted response.
func (c *StubClient) Add(entry StubScriptEntry) *StubClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, entry)
	return c
}

// AddText is shorthand for a text response with the given usage.
func (c *StubClient) AddText(text string, usage models.LLMUsage) *StubClient {
	return c.Add(StubScriptEntry{Text: text, Usage: usage})
}

// Calls returns the number of calls made so far.
func (c *StubClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// CapturedRequests returns the text requests seen so far.
func (c *StubClient) CapturedRequests() []GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GenerateRequest, len(c.captured))
	copy(out, c.captured)
	return out
}

func (c *StubClient) Provider() string     { return c.ProviderName }
func (c *StubClient) DefaultModel() string { return c.Model }

// next consumes the next scripted entry; the last entry repeats when the
// script runs out so open-ended tests stay deterministic.
func (c *StubClient) next() StubScriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		c.index++
		return StubScriptEntry{Text: "ok", Usage: models.LLMUsage{PromptTokens: 10, CompletionTokens: 5}}
	}
	i := c.index
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	c.index++
	return c.script[i]
}

func (c *StubClient) fillUsage(u models.LLMUsage) models.LLMUsage {
	if u.Provider == "" {
		u.Provider = c.ProviderName
	}
	if u.Model == "" {
		u.Model = c.Model
	}
	return u.Normalize()
}

// GenerateText implements Client.
func (c *StubClient) GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	c.mu.Unlock()

	entry := c.next()
	if entry.BlockUntilDone {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	return &GenerateResult{Text: entry.Text, Usage: c.fillUsage(entry.Usage)}, nil
}

// GenerateStructured implements Client.
func (c *StubClient) GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error) {
	entry := c.next()
	if entry.BlockUntilDone {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	object := entry.Object
	if object == nil {
		object = json.RawMessage(entry.Text)
	}
	return &StructuredResult{Object: object, Usage: c.fillUsage(entry.Usage)}, nil
}

// stubStream replays scripted chunks and fires OnFinish at EOF unless the
// script withholds usage.
type stubStream struct {
	mu        sync.Mutex
	chunks    []string
	pos       int
	buf       bytes.Buffer
	failAfter int
	read      int
	onEOF     func()
	closed    bool
}

func (s *stubStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for s.buf.Len() == 0 {
		if s.failAfter > 0 && s.read >= s.failAfter {
			return 0, io.ErrUnexpectedEOF
		}
		if s.pos >= len(s.chunks) {
			if s.onEOF != nil {
				s.onEOF()
				s.onEOF = nil
			}
			return 0, io.EOF
		}
		s.buf.WriteString(s.chunks[s.pos])
		s.pos++
		s.read++
	}
	return s.buf.Read(p)
}

func (s *stubStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// CreateChatStream implements Client.
func (c *StubClient) CreateChatStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	entry := c.next()
	if entry.BlockUntilDone {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	chunks := entry.StreamChunks
	if chunks == nil && entry.Text != "" {
		chunks = []string{entry.Text}
	}
	s := &stubStream{chunks: chunks, failAfter: entry.FailAfterChunks}
	if !entry.WithholdUsage && req.OnFinish != nil {
		usage := c.fillUsage(entry.Usage)
		s.onEOF = func() { req.OnFinish(usage) }
	}
	return s, nil
}
