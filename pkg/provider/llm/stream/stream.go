// Package stream bridges an OpenAI-compatible server-sent-event stream into a
// plain byte stream of content deltas.
//
// The returned reader is finite, single-consumer and not restartable. Chunks
// that fail to parse are skipped. The "[DONE]" sentinel ends the stream
// without being emitted. Tool-call deltas are ignored: tool calling is only
// supported on the non-streaming path.
//
// The completion callback runs exactly once when the upstream ends cleanly,
// before the reader reports [io.EOF]. It never runs when the upstream fails or
// the consumer closes the reader early; in that case the consumer sees the
// read error and any content already read stays delivered.
package stream

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
)

const doneSentinel = "[DONE]"

// CompleteFunc receives the accumulated content and the usage reported by the
// terminal chunk, or nil if the upstream sent none.
type CompleteFunc func(content string, usage *llm.Tokens)

// Bridge starts draining dec in the background and returns the delta reader.
// service names the upstream in error messages.
func Bridge(dec ssestream.Decoder, service string, onComplete CompleteFunc) io.ReadCloser {
	pr, pw := io.Pipe()
	r := &reader{pr: pr, dec: dec}
	go r.pump(pw, service, onComplete)
	return r
}

type reader struct {
	pr     *io.PipeReader
	dec    ssestream.Decoder
	once   sync.Once
	closed atomic.Bool
}

func (r *reader) Read(p []byte) (int, error) { return r.pr.Read(p) }

// Close stops the pump. Closing the decoder unblocks a pending upstream read.
func (r *reader) Close() error {
	var err error
	r.once.Do(func() {
		r.closed.Store(true)
		_ = r.pr.Close()
		err = r.dec.Close()
	})
	return err
}

func (r *reader) pump(pw *io.PipeWriter, service string, onComplete CompleteFunc) {
	dec := r.dec
	var (
		content strings.Builder
		usage   *llm.Tokens
	)
	for dec.Next() {
		data := bytes.TrimSpace(dec.Event().Data)
		if len(data) == 0 {
			continue
		}
		if string(data) == doneSentinel {
			break
		}
		if !gjson.ValidBytes(data) {
			slog.Debug("stream: skipping malformed chunk", "service", service, "bytes", len(data))
			continue
		}
		if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
			pw.CloseWithError(&apierr.UpstreamError{Service: service, Status: http.StatusBadGateway, Body: msg.String()})
			return
		}
		if u := gjson.GetBytes(data, "usage"); u.IsObject() {
			usage = &llm.Tokens{
				Prompt:     int(u.Get("prompt_tokens").Int()),
				Completion: int(u.Get("completion_tokens").Int()),
				Total:      int(u.Get("total_tokens").Int()),
			}
		}
		delta := gjson.GetBytes(data, "choices.0.delta.content").String()
		if delta == "" {
			continue
		}
		if _, err := io.WriteString(pw, delta); err != nil {
			// The consumer closed the reader.
			return
		}
		content.WriteString(delta)
	}
	if r.closed.Load() {
		return
	}
	if err := dec.Err(); err != nil {
		pw.CloseWithError(err)
		return
	}
	if onComplete != nil {
		onComplete(content.String(), usage)
	}
	pw.Close()
}
