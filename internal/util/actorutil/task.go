package actorutil

import (
	"errors"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/primetalk/goio/io"
)

var errNilResult = errors.New("background task: result is nil")

// BackgroundTask runs a blocking function off the actor loop and sends its outcome back as a
// message. Results go through the system root context, never through the actor context.
type BackgroundTask[T any] struct {
	sender  *actor.RootContext
	fn      func() (*T, error)
	timeout time.Duration
	recover func(error) T
}

func NewBackgroundTask[T any](ctx actor.Context, fn func() (*T, error)) *BackgroundTask[T] {
	return &BackgroundTask[T]{
		sender: ctx.ActorSystem().Root,
		fn:     fn,
	}
}

func (t *BackgroundTask[T]) WithTimeout(timeout time.Duration) *BackgroundTask[T] {
	t.timeout = timeout
	return t
}

// Recover turns a failure or a timeout into a message. Without it failures are dropped.
func (t *BackgroundTask[T]) Recover(fn func(error) T) *BackgroundTask[T] {
	t.recover = fn
	return t
}

// PipeTo starts the task on its own goroutine and sends the outcome to pid.
func (t *BackgroundTask[T]) PipeTo(pid *actor.PID) {
	go func() {
		if value, ok := t.Await(); ok {
			t.sender.Send(pid, value)
		}
	}()
}

// Await runs the task on the calling goroutine.
func (t *BackgroundTask[T]) Await() (T, bool) {
	task := io.Eval(func() (T, error) {
		var zero T
		value, err := t.fn()
		if err != nil {
			return zero, err
		}
		if value == nil {
			return zero, errNilResult
		}
		return *value, nil
	})
	if t.timeout > 0 {
		task = io.WithTimeout[T](t.timeout)(task)
	}
	result := io.RunSync(task)
	if result.Error == nil {
		return result.Value, true
	}
	if t.recover != nil {
		return t.recover(result.Error), true
	}
	var zero T
	return zero, false
}
