// Package irqline services the PMIC interrupt output. The pin handler only
// posts to a buffered channel; register I/O happens on the worker goroutine.
package irqline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"usbdet-go/drivers/cpcap"
)

// Pin is the host side of the PMIC INT line.
type Pin interface {
	SetIRQ(h func()) error
	ClearIRQ() error
}

// Servicer acknowledges pending sources and runs their handlers.
type Servicer interface {
	Service() ([]cpcap.IRQ, error)
}

// maxPasses bounds re-servicing while sources keep latching.
const maxPasses = 4

type Worker struct {
	// Written by the ISR; MUST NOT block it.
	isrQ    chan struct{}
	svc     Servicer
	log     *slog.Logger
	stopped chan struct{}

	drops atomic.Uint32
}

func New(svc Servicer, isrBuf int, log *slog.Logger) *Worker {
	if isrBuf <= 0 {
		isrBuf = 8
	}
	return &Worker{
		isrQ:    make(chan struct{}, isrBuf),
		svc:     svc,
		log:     log,
		stopped: make(chan struct{}),
	}
}

// Attach installs the ISR on pin and returns its release function.
func (w *Worker) Attach(pin Pin) (func(), error) {
	if err := pin.SetIRQ(w.isr); err != nil {
		return nil, err
	}
	return func() { _ = pin.ClearIRQ() }, nil
}

func (w *Worker) isr() {
	select {
	case w.isrQ <- struct{}{}:
	default:
		w.drops.Add(1)
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.isrQ:
				w.service()
			}
		}
	}()
}

func (w *Worker) service() {
	for i := 0; i < maxPasses; i++ {
		fired, err := w.svc.Service()
		if err != nil {
			w.log.Error("irq service", "err", err)
			return
		}
		if len(fired) == 0 {
			return
		}
		w.log.Debug("irq", "sources", fired)
	}
}

// Drops counts ISR posts lost to a full queue.
func (w *Worker) Drops() uint32 { return w.drops.Load() }

// Stopped is closed when the worker goroutine has exited.
func (w *Worker) Stopped() <-chan struct{} { return w.stopped }
