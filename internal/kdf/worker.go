package kdf

import (
	"context"
	"fmt"
	"sync"
)

type deriveRequest struct {
	password []byte
	salt     []byte
	reply    chan deriveResult
}

type deriveResult struct {
	seed []byte
	err  error
}

// Worker serves derivations on a dedicated goroutine, one request at a time.
// Callers talk to it only through the request/reply channels.
type Worker struct {
	params    Params
	requests  chan deriveRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWorker(p Params) (*Worker, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashingUnavailable, err)
	}
	w := &Worker{
		params:   p,
		requests: make(chan deriveRequest),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			seed, err := stretch(w.params, req.password, req.salt)
			zeroBytes(req.password)
			// reply is buffered so an abandoned caller never blocks the worker.
			req.reply <- deriveResult{seed: seed, err: err}
		}
	}
}

// Derive submits a request and waits for the result. Cancelling ctx stops
// the wait; a derivation already running completes and is discarded.
func (w *Worker) Derive(ctx context.Context, password, salt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := deriveRequest{
		password: append([]byte(nil), password...),
		salt:     append([]byte(nil), salt...),
		reply:    make(chan deriveResult, 1),
	}
	select {
	case <-w.done:
		return nil, ErrHashingUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	case w.requests <- req:
	}
	select {
	case res := <-req.reply:
		return res.seed, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker and waits for an in-progress derivation to end.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
