package usbdet

import (
	"context"
	"log/slog"

	"usbdet-go/drivers/cpcap"
	"usbdet-go/services/usbdet/internal/irqline"
)

// IntPin is the host GPIO wired to the PMIC interrupt output.
type IntPin interface {
	SetIRQ(h func()) error
	ClearIRQ() error
}

// IRQServicer acknowledges latched PMIC sources and runs their handlers;
// *cpcap.IRQController is one.
type IRQServicer interface {
	Service() ([]cpcap.IRQ, error)
}

// ServeInterrupts services svc whenever pin fires until ctx ends. The pin
// handler only posts; register I/O runs on a goroutine. The returned
// channel closes once that goroutine has exited and the handler is removed.
func ServeInterrupts(ctx context.Context, pin IntPin, svc IRQServicer, log *slog.Logger) (<-chan struct{}, error) {
	if log == nil {
		log = discardLogger()
	}
	w := irqline.New(svc, 8, log)
	release, err := w.Attach(pin)
	if err != nil {
		return nil, err
	}
	w.Start(ctx)
	done := make(chan struct{})
	go func() {
		<-w.Stopped()
		release()
		if n := w.Drops(); n > 0 {
			log.Warn("pmic interrupts coalesced", "dropped", n)
		}
		close(done)
	}()
	return done, nil
}
