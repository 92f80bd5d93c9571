package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/tokens"
)

const readBufferSize = 4096

type PumpOptions struct {
	Provider string
	// IdleTimeout ends the stream with an error when no bytes arrive for this
	// long. Zero disables it.
	IdleTimeout time.Duration
}

type readResult struct {
	data []byte
	err  error
}

// Pump reads body through dec and sends chunks to out until a terminal chunk
// is sent or ctx is done. It closes body and out before returning.
//
// At most one terminal chunk is sent. A clean EOF without one produces a
// finished chunk carrying an output token estimate.
func Pump(ctx context.Context, body io.ReadCloser, dec Decoder, out chan<- domain.StreamChunk, opts PumpOptions) {
	defer close(out)
	defer body.Close()

	done := make(chan struct{})
	defer close(done)

	reads := make(chan readResult)
	go func() {
		for {
			buf := make([]byte, readBufferSize)
			n, err := body.Read(buf)
			select {
			case reads <- readResult{data: buf[:n], err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	e := &emitter{ctx: ctx, out: out}

	var idle <-chan time.Time
	var timer *time.Timer
	if opts.IdleTimeout > 0 {
		timer = time.NewTimer(opts.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-idle:
			slog.Warn("stream idle timeout", "provider", opts.Provider, "timeout", opts.IdleTimeout)
			e.send(domain.StreamChunk{Error: opts.Provider + ": stream timed out"})
			return

		case r := <-reads:
			if timer != nil {
				timer.Reset(opts.IdleTimeout)
			}
			if len(r.data) > 0 && !e.sendAll(dec.Decode(r.data)) {
				return
			}
			if r.err == nil {
				continue
			}

			if errors.Is(r.err, io.EOF) {
				if e.sendAll(dec.Flush()) {
					e.send(domain.StreamChunk{Finished: true})
				}
				return
			}

			if ctx.Err() != nil {
				return
			}
			slog.Warn("stream read failed", "provider", opts.Provider, "error", r.err)
			e.send(domain.StreamChunk{Error: opts.Provider + ": connection interrupted"})
			return
		}
	}
}

// emitter enforces the terminal invariant and tracks output size.
type emitter struct {
	ctx      context.Context
	out      chan<- domain.StreamChunk
	terminal bool
	output   []byte
}

// sendAll reports whether the stream is still open afterwards.
func (e *emitter) sendAll(chunks []domain.StreamChunk) bool {
	for _, c := range chunks {
		if !e.send(c) {
			return false
		}
	}
	return true
}

func (e *emitter) send(c domain.StreamChunk) bool {
	if e.terminal {
		return false
	}
	e.output = append(e.output, c.Content...)
	if c.Finished && c.Tokens == 0 {
		c.Tokens = tokens.Estimate(string(e.output))
	}

	select {
	case e.out <- c:
	case <-e.ctx.Done():
		e.terminal = true
		return false
	}

	if c.Terminal() {
		e.terminal = true
		return false
	}
	return true
}
