package stream

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/flowexec/pkg/provider/llm"
)

// Delta is one unit produced by a channel-based upstream.
type Delta struct {
	Content string
	Usage   *llm.Tokens
}

// FromChannel adapts an SDK that delivers chunks over channels to the same
// reader contract as [Bridge]. errs is read once deltas is closed. cancel,
// if non-nil, is called when the reader is closed to stop the upstream.
func FromChannel(deltas <-chan Delta, errs <-chan error, cancel func(), onComplete CompleteFunc) io.ReadCloser {
	pr, pw := io.Pipe()
	c := &chanReader{pr: pr, cancel: cancel}
	go func() {
		var (
			content strings.Builder
			usage   *llm.Tokens
			failed  bool
		)
		for d := range deltas {
			if failed {
				continue
			}
			if d.Usage != nil {
				usage = d.Usage
			}
			if d.Content == "" {
				continue
			}
			if _, err := io.WriteString(pw, d.Content); err != nil {
				// Keep draining so the producer is never blocked.
				failed = true
				continue
			}
			content.WriteString(d.Content)
		}
		if failed || c.closed.Load() {
			return
		}
		if errs != nil {
			if err := <-errs; err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		if onComplete != nil {
			onComplete(content.String(), usage)
		}
		pw.Close()
	}()
	return c
}

type chanReader struct {
	pr     *io.PipeReader
	cancel func()
	once   sync.Once
	closed atomic.Bool
}

func (c *chanReader) Read(p []byte) (int, error) { return c.pr.Read(p) }

func (c *chanReader) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		_ = c.pr.Close()
		if c.cancel != nil {
			c.cancel()
		}
	})
	return nil
}
