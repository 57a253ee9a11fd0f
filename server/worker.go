package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/parley/vm"
)

// ErrSessionClosed is returned for work submitted to a stopped worker.
var ErrSessionClosed = errors.New("session closed")

// request is a unit of work to be executed on the dialogue goroutine.
type request struct {
	fn   func(*vm.Dialogue) (any, error)
	done chan result
}

// result holds the return value from a dialogue operation.
type result struct {
	value any
	err   error
}

// DialogueWorker serializes all access to one Dialogue through a single
// goroutine. A Dialogue is not safe for concurrent use; every handler
// touching a session must go through its worker.
type DialogueWorker struct {
	dialogue *vm.Dialogue
	requests chan request
	quit     chan struct{}
	stopOnce sync.Once
}

// NewDialogueWorker creates a DialogueWorker and starts the processing goroutine.
func NewDialogueWorker(d *vm.Dialogue) *DialogueWorker {
	w := &DialogueWorker{
		dialogue: d,
		requests: make(chan request, 16),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *DialogueWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			w.dialogue.Stop()
			return
		}
	}
}

// execute runs a function on the dialogue, recovering from panics.
func (w *DialogueWorker) execute(fn func(*vm.Dialogue) (any, error)) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic: %v", r)
		}
	}()
	res.value, res.err = fn(w.dialogue)
	return res
}

// Do submits a function for execution on the dialogue goroutine and blocks
// until it completes or ctx is done. Work already accepted still runs to
// completion after ctx is cancelled.
func (w *DialogueWorker) Do(ctx context.Context, fn func(*vm.Dialogue) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, ErrSessionClosed
	default:
	}

	req := request{
		fn:   fn,
		done: make(chan result, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.quit:
		select {
		case res := <-req.done:
			return res.value, res.err
		default:
			return nil, ErrSessionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine, stopping any running node.
func (w *DialogueWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}
