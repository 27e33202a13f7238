package z

import (
	"sync"
)

type (
	// Throttle bounds the number of goroutines doing work at the same time and collects the first error any of them
	// reported. The store uses it to load its partitions in parallel.
	Throttle struct {
		once         sync.Once
		waitGroup    sync.WaitGroup
		channel      chan struct{}
		errorChannel chan error
		finishError  error
	}
)

// NewThrottle creates a new throttle with a max number of workers.
func NewThrottle(max int) *Throttle {
	return &Throttle{
		channel:      make(chan struct{}, max),
		errorChannel: make(chan error, max),
	}
}

// Do must be called before a worker starts. It blocks while max workers are running and returns the error of an
// already finished worker if there is one, in which case the caller should not start its worker.
func (t *Throttle) Do() error {
	for {
		select {
		case t.channel <- struct{}{}:
			t.waitGroup.Add(1)
			return nil
		case err := <-t.errorChannel:
			if err != nil {
				return err
			}
		}
	}
}

// Go runs work on its own goroutine once a slot is free, reporting its result through Done.
func (t *Throttle) Go(work func() error) error {
	if err := t.Do(); err != nil {
		return err
	}

	go func() {
		t.Done(work())
	}()

	return nil
}

// Finish waits for every started worker and returns the first error one of them reported. Calling it again returns
// the same error without waiting.
func (t *Throttle) Finish() error {
	t.once.Do(func() {
		t.waitGroup.Wait()
		close(t.channel)
		close(t.errorChannel)
		for err := range t.errorChannel {
			if err != nil {
				t.finishError = err
				return
			}
		}
	})

	return t.finishError
}

// Done must be called by a worker when it is finished, with the error it ran into if any.
func (t *Throttle) Done(err error) {
	if err != nil {
		t.errorChannel <- err
	}

	select {
	case <-t.channel:
	default:
		panic("Throttle Do Done mismatch")
	}

	t.waitGroup.Done()
}
