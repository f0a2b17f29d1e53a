package llm

import "context"

// Stream is the normalized representation every backend produces: a lazy,
// single-pass sequence of chunks plus a separately awaitable full text.
// The producer goroutine owns emit/finish; consumers own Chunks/Wait.
type Stream struct {
	chunks chan Chunk
	done   chan struct{}

	text string
	err  error
}

func newStream() *Stream {
	return &Stream{
		chunks: make(chan Chunk, 16),
		done:   make(chan struct{}),
	}
}

// Chunks returns the live fragment sequence. It is closed when the stream
// finishes, fails, or is cancelled.
func (s *Stream) Chunks() <-chan Chunk {
	return s.chunks
}

// Wait blocks until the stream has finished and returns the accumulated
// text. If the stream failed mid-way, the error describes the failure and
// the text must not be trusted. Callers racing a cancellation should pass a
// ctx so Wait cannot block forever.
func (s *Stream) Wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.text, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// emit forwards one chunk unless ctx is cancelled first.
func (s *Stream) emit(ctx context.Context, c Chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish resolves the full-text future and ends the chunk sequence.
// Must be called exactly once.
func (s *Stream) finish(text string, err error) {
	s.text = text
	s.err = err
	close(s.chunks)
	close(s.done)
}

// NewScriptedStream replays the given chunks and then finishes with err.
// For fakes standing in for a real backend.
func NewScriptedStream(ctx context.Context, chunks []string, err error) *Stream {
	st := newStream()
	go func() {
		var full string
		for _, c := range chunks {
			if !st.emit(ctx, Chunk{Content: c}) {
				st.finish(full, ctx.Err())
				return
			}
			full += c
		}
		st.finish(full, err)
	}()
	return st
}
