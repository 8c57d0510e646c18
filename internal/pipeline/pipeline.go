// Package pipeline fans one snapshot stream out to several sinks. The
// stream is generated exactly once; every sink consumes it through its own
// bounded queue and failures stay with the sink they happened on.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"

	"zmt/internal/sink"
)

// Target is one destination for the stream.
type Target struct {
	Group string
	Sink  sink.Sink
}

// Result is the outcome for one target. Checksum and Bytes describe the
// artifact exactly as it was handed to the sink.
type Result struct {
	Group    string
	SinkID   string
	Checksum string
	Bytes    int64
	Err      error
}

// Options bound the pipeline's memory: at most QueueDepth chunks of
// ChunkSize bytes are in flight per sink.
type Options struct {
	ChunkSize  int
	QueueDepth int
}

// Run streams src to every target and blocks until all of them finished
// or failed. A sink that errors is aborted and drained so it never stalls
// the producer; the remaining sinks are unaffected. When the producer
// itself fails, or ctx is canceled, every unfinished artifact is aborted
// and reported failed.
func Run(ctx context.Context, src io.Reader, artifact string, targets []Target, opts Options) []Result {
	results := make([]Result, len(targets))
	queues := make([]chan []byte, len(targets))
	var wg sync.WaitGroup

	var complete bool
	live := 0

	for i, t := range targets {
		results[i] = Result{Group: t.Group, SinkID: t.Sink.ID()}

		h, err := t.Sink.Open(ctx, artifact)
		if err != nil {
			results[i].Err = err
			continue
		}

		q := make(chan []byte, opts.QueueDepth)
		queues[i] = q
		live++
		wg.Add(1)
		go func(res *Result, h sink.Handle) {
			defer wg.Done()
			hasher := blake3.New()
			for chunk := range q {
				if res.Err != nil {
					continue // drain, the producer must not block on us
				}
				if _, err := h.Write(chunk); err != nil {
					res.Err = err
					_ = h.Abort()
					continue
				}
				hasher.Write(chunk)
				res.Bytes += int64(len(chunk))
			}
			if res.Err != nil {
				return
			}
			if !complete {
				_ = h.Abort()
				return
			}
			if err := h.Finalize(ctx); err != nil {
				res.Err = err
				return
			}
			res.Checksum = fmt.Sprintf("%x", hasher.Sum(nil))
		}(&results[i], h)
	}

	if live == 0 {
		return results
	}

	var prodErr error
produce:
	for {
		if err := ctx.Err(); err != nil {
			prodErr = err
			break
		}
		buf := make([]byte, opts.ChunkSize)
		n, err := src.Read(buf)
		if n > 0 {
			// Chunks are shared read-only between the queues; a fresh
			// buffer per read keeps the consumers independent.
			chunk := buf[:n]
			for _, q := range queues {
				if q == nil {
					continue
				}
				select {
				case q <- chunk:
				case <-ctx.Done():
					prodErr = ctx.Err()
					break produce
				}
			}
		}
		if err == io.EOF {
			complete = true
			break
		}
		if err != nil {
			prodErr = err
			break
		}
	}

	for _, q := range queues {
		if q != nil {
			close(q)
		}
	}
	wg.Wait()

	if !complete {
		if prodErr == nil {
			prodErr = fmt.Errorf("stream ended unexpectedly")
		}
		for i := range results {
			if results[i].Err == nil && queues[i] != nil {
				results[i].Err = fmt.Errorf("stream generation failed: %w", prodErr)
			}
		}
	}

	return results
}
