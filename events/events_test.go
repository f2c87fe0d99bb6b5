package events

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestDispatcher() *Dispatcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

func TestEmitInvokesRegisteredListeners(t *testing.T) {
	d := newTestDispatcher()
	var got []any
	d.On(Message, func(payload any) error {
		got = append(got, payload)
		return nil
	})

	d.Emit(Message, "hello")
	d.Emit(Message, "world")

	assert.Equal(t, []any{"hello", "world"}, got)
}

func TestEmitRunsListenersInRegistrationOrder(t *testing.T) {
	d := newTestDispatcher()
	var order []int
	d.On(Sent, func(payload any) error {
		order = append(order, 1)
		return nil
	})
	d.On(Sent, func(payload any) error {
		order = append(order, 2)
		return nil
	})
	d.On(Sent, func(payload any) error {
		order = append(order, 3)
		return nil
	})

	d.Emit(Sent, nil)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEmitSwallowsListenerErrors(t *testing.T) {
	d := newTestDispatcher()
	var secondRan bool
	d.On(Error, func(payload any) error {
		return errors.New("boom")
	})
	d.On(Error, func(payload any) error {
		secondRan = true
		return nil
	})

	assert.NotPanics(t, func() {
		d.Emit(Error, nil)
	})
	assert.True(t, secondRan)
}

func TestEmitUnknownEventIsNoop(t *testing.T) {
	d := newTestDispatcher()
	assert.NotPanics(t, func() {
		d.Emit("nothing-registered", nil)
	})
}

func TestOnIsSafeForConcurrentEmit(t *testing.T) {
	d := newTestDispatcher()
	var mu sync.Mutex
	count := 0
	d.On(Receipt, func(payload any) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Emit(Receipt, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}
