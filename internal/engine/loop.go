package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/emberml/kiln/internal/logger"
	"github.com/emberml/kiln/internal/runtime"
	"github.com/emberml/kiln/internal/sampling"
)

// generator runs one request's decode loop. Its state is scoped to the
// request and discarded afterwards.
type generator struct {
	model   runtime.Model
	dctx    runtime.Context
	sampler *sampling.Sampler
	matcher *stopMatcher
	cancel  *atomic.Bool
	log     logger.Logger
}

// run tokenizes the prompt, prefills, then decodes token by token. When
// stream is non-nil, fragments are delivered in order and synchronously;
// the concatenation of delivered fragments always equals the returned text.
func (g *generator) run(ctx context.Context, req Request, stream StreamFunc) (string, error) {
	ids, err := safeTokenize(g.model, req.Prompt)
	if err != nil {
		return "", &TokenizeError{Err: err}
	}
	if len(ids) == 0 {
		return "", &TokenizeError{Err: fmt.Errorf("empty token sequence")}
	}

	// A fresh cache for every request, even right after load.
	g.dctx.Clear()

	prefill := runtime.NewBatch(len(ids))
	for i, id := range ids {
		prefill.Add(id, i, 0, i == len(ids)-1)
	}
	if err := safeDecode(g.dctx, prefill); err != nil {
		return "", &DecodeError{Pos: 0, Prefill: true, Err: err}
	}

	g.log.Debug("prefill complete", "prompt_tokens", len(ids), "max_tokens", req.MaxTokens)

	recent := append([]int(nil), ids...)
	pos := len(ids)
	emitted := 0
	single := runtime.NewBatch(1)

	for i := 0; i < req.MaxTokens; i++ {
		if g.cancel.Load() {
			g.log.Debug("generation cancelled", "tokens", i)
			break
		}
		if err := ctx.Err(); err != nil {
			final := g.matcher.text()
			_, _ = g.emitRange(stream, final, emitted, len(final))
			return final, err
		}

		next := g.sampler.Sample(g.dctx.Logits(), recent, nil)
		if g.model.IsEOS(next) {
			g.log.Debug("end of sequence", "tokens", i)
			break
		}
		recent = append(recent, next)

		if piece := g.model.TokenText(next); piece != "" {
			cutoff, matched := g.matcher.feed(piece)
			if matched {
				final := g.matcher.text()[:cutoff]
				if emitted, err = g.emitRange(stream, final, emitted, len(final)); err != nil {
					return final[:emitted], err
				}
				g.log.Debug("stop sequence hit", "tokens", i)
				return final, nil
			}
			if emitted, err = g.emitRange(stream, g.matcher.text(), emitted, g.matcher.safeLen()); err != nil {
				return g.matcher.text()[:emitted], err
			}
		}

		single.Reset()
		single.Add(next, pos, 0, true)
		if err := safeDecode(g.dctx, single); err != nil {
			final := g.matcher.text()
			if emitted, ferr := g.emitRange(stream, final, emitted, len(final)); ferr != nil {
				return final[:emitted], ferr
			}
			return final, &DecodeError{Pos: pos, Err: err}
		}
		pos++
	}

	final := g.matcher.text()
	if emitted, err = g.emitRange(stream, final, emitted, len(final)); err != nil {
		return final[:emitted], err
	}
	return final, nil
}

// emitRange delivers text[from:to] to the consumer and returns the new
// emitted offset. A consumer panic is reported as ConsumerError.
func (g *generator) emitRange(stream StreamFunc, text string, from, to int) (int, error) {
	if to <= from {
		return from, nil
	}
	if stream == nil {
		return to, nil
	}
	if err := safeStream(stream, text[from:to]); err != nil {
		return from, err
	}
	return to, nil
}

func safeStream(stream StreamFunc, fragment string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ConsumerError{Recovered: rec}
		}
	}()
	stream(fragment)
	return nil
}

func safeTokenize(m runtime.Model, text string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Tokenize: %v", rec)
		}
	}()
	return m.Tokenize(text)
}

func safeDecode(c runtime.Context, b *runtime.Batch) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return c.Decode(b)
}
