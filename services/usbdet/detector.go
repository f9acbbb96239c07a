// Package usbdet detects what is plugged into the CPCAP USB port and keeps
// the PMIC, the USB rail and the accessory registrations in step with it.
package usbdet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"usbdet-go/drivers/cpcap"
	"usbdet-go/errcode"
	"usbdet-go/services/usbdet/config"
	"usbdet-go/services/usbdet/internal/handshake"
	"usbdet-go/services/usbdet/internal/sense"
	"usbdet-go/services/usbdet/internal/util"
	"usbdet-go/services/usbdet/trace"
)

type reqOp uint8

const (
	opSuspend reqOp = iota
	opStop
)

type request struct {
	op   reqOp
	done chan struct{}
}

// How long Suspend and Close wait on the worker.
const (
	requestTimeout = 300 * time.Millisecond
	stopTimeout    = 300 * time.Millisecond
)

// Detector owns one port. Steps run on the worker goroutine started by
// Start; before Start and after Close the machine is driven directly.
type Detector struct {
	irq Interrupts

	// mu serialises the machine between the worker and a forced cleanup.
	mu sync.Mutex
	m  *machine

	kick  chan struct{}
	reqCh chan request
	done  chan struct{}

	alive  atomic.Bool
	closed atomic.Bool
	// snap packs State<<8 | Verdict for lock-free readers.
	snap atomic.Uint32
}

// New validates cfg, claims the nine interrupt sources and prepares the
// rail. Nothing is sampled until Start.
func New(cfg config.Config, deps Deps) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if name := deps.missing(); name != "" {
		return nil, &errcode.E{C: errcode.ResourceUnavailable, Op: "new", Msg: "missing " + name}
	}
	if cfg.Capabilities.Has(config.TwoWire) && deps.Line == nil {
		return nil, &errcode.E{C: errcode.ResourceUnavailable, Op: "new", Msg: "two-wire capability without a handshake line"}
	}
	if deps.Ticker == nil {
		deps.Ticker = handshake.NewTimerTicker()
	}
	if deps.Trace == nil {
		deps.Trace = trace.Discard{}
	}
	if deps.Log == nil {
		deps.Log = discardLogger()
	}

	d := &Detector{
		irq:   deps.Interrupts,
		m:     newMachine(cfg, deps, sense.NewReader(deps.Registers)),
		kick:  make(chan struct{}, 1),
		reqCh: make(chan request, 4),
		done:  make(chan struct{}),
	}
	if err := d.m.power.Setup(cfg.RailMicrovolts); err != nil {
		return nil, err
	}

	var claimed []cpcap.IRQ
	release := func() {
		for _, q := range claimed {
			d.irq.Free(q)
		}
	}
	for _, q := range cpcap.AllIRQs() {
		if err := d.irq.Register(q, d.post); err != nil {
			release()
			return nil, errcode.Wrap(errcode.ResourceUnavailable, "register "+q.String(), err)
		}
		claimed = append(claimed, q)
	}
	// Clearing ULPI_SPI_SEL gives the USB PHY control of the transceiver
	// over ULPI; the None profile takes it back at teardown.
	if err := deps.Registers.Update(cpcap.RegUSBC3, cpcap.BitULPISPISel, 0); err != nil {
		release()
		return nil, errcode.Wrap(errcode.ResourceUnavailable, "claim usb pulls", err)
	}
	d.publish()
	return d, nil
}

// post is the interrupt callback. It never blocks; a pending kick already
// covers this edge.
func (d *Detector) post() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start launches the worker. The first detection runs immediately.
func (d *Detector) Start(ctx context.Context) error {
	if d.closed.Load() {
		return errcode.Unavailable
	}
	if !d.alive.CompareAndSwap(false, true) {
		return errcode.Busy
	}
	// A worker that exited on its context has already torn the machine down.
	d.mu.Lock()
	torn := d.m == nil
	d.mu.Unlock()
	if torn {
		d.alive.Store(false)
		return errcode.Unavailable
	}
	go d.worker(ctx)
	return nil
}

func (d *Detector) worker(ctx context.Context) {
	defer close(d.done)
	timer := time.NewTimer(0)
	defer util.StopTimer(timer)

	for {
		select {
		case <-ctx.Done():
			d.cleanup()
			d.alive.Store(false)
			return

		case <-d.kick:
			// Every source is masked while Quiet and a step is already
			// scheduled; a stale kick must not cut the settle short.
			if d.quiet() {
				continue
			}
			util.ResetTimer(timer, 0)

		case req := <-d.reqCh:
			switch req.op {
			case opSuspend:
				d.withMachine((*machine).suspend)
				close(req.done)
			case opStop:
				d.cleanup()
				close(req.done)
				return
			}

		case <-timer.C:
			delay, ok, stop := d.runStep()
			if stop {
				return
			}
			if ok {
				util.ResetTimer(timer, delay)
			}
		}
	}
}

func (d *Detector) runStep() (time.Duration, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		return 0, false, true
	}
	delay, ok := d.m.step()
	d.publishLocked()
	return delay, ok, false
}

func (d *Detector) quiet() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m == nil || d.m.posture == PostureQuiet
}

// Suspend masks the VBUS-valid source so a decaying VBUS cannot wake the
// system. Calling it again is harmless.
func (d *Detector) Suspend() error {
	if d.closed.Load() {
		return errcode.Unavailable
	}
	if !d.alive.Load() {
		if !d.withMachine((*machine).suspend) {
			return errcode.Unavailable
		}
		return nil
	}
	return d.request(opSuspend)
}

// withMachine runs fn under the lock unless the port is torn down.
func (d *Detector) withMachine(fn func(*machine)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		return false
	}
	fn(d.m)
	return true
}

func (d *Detector) request(op reqOp) error {
	req := request{op: op, done: make(chan struct{})}
	t := time.NewTimer(requestTimeout)
	defer t.Stop()
	select {
	case d.reqCh <- req:
	case <-d.done:
		return errcode.Unavailable
	case <-t.C:
		return &errcode.E{C: errcode.Timeout, Op: "enqueue"}
	}
	select {
	case <-req.done:
		return nil
	case <-d.done:
		return errcode.Unavailable
	case <-t.C:
		return &errcode.E{C: errcode.Timeout, Op: "await"}
	}
}

// Close stops the worker and tears the port down: handshake timer, None
// profile, rail and inhibitor, registrations, interrupt claims.
func (d *Detector) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.alive.Load() {
		req := request{op: opStop, done: make(chan struct{})}
		select {
		case d.reqCh <- req:
		default:
		}
		t := time.NewTimer(stopTimeout)
		select {
		case <-d.done:
		case <-t.C:
			// Worker did not exit in time: tear down locally so the
			// rail and registrations are not left held.
		}
		t.Stop()
		d.alive.Store(false)
	}
	d.cleanup()

	for _, q := range cpcap.AllIRQs() {
		d.irq.Free(q)
	}
	return nil
}

// cleanup runs the teardown once, from whichever side gets there first.
func (d *Detector) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		return
	}
	d.m.teardown()
	d.publishLocked()
	d.m.rec.Record(trace.Event{
		Timestamp: d.m.now(),
		Seq:       d.m.seq + 1,
		From:      d.m.state.String(),
		To:        d.m.state.String(),
		Verdict:   d.m.verdict.String(),
		Posture:   d.m.posture.String(),
		DelayMS:   -1,
		Note:      "teardown",
	})
	d.m = nil
}

func (d *Detector) publish() {
	d.mu.Lock()
	d.publishLocked()
	d.mu.Unlock()
}

func (d *Detector) publishLocked() {
	if d.m == nil {
		return
	}
	d.snap.Store(uint32(d.m.state)<<8 | uint32(d.m.verdict))
}

// State is the step the worker runs next.
func (d *Detector) State() State { return State(d.snap.Load() >> 8) }

// Verdict is the accessory currently advertised.
func (d *Detector) Verdict() Verdict { return Verdict(d.snap.Load() & 0xFF) }
