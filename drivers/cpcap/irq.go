package cpcap

import (
	"errors"
	"sync"
)

// IRQ identifies one interrupt source used by accessory detection.
type IRQ uint8

const (
	IRQChrgDet IRQ = iota
	IRQChrgCurr1
	IRQSE1
	IRQIDGround
	IRQVbusValid
	IRQIDFloat
	IRQDP
	IRQDM
	IRQSessValid

	NumIRQs
)

var (
	ErrUnknownIRQ = errors.New("unknown_irq")
	ErrIRQInUse   = errors.New("irq_in_use")
)

type irqDesc struct {
	name  string
	latch Reg
	mask  Reg
	bit   uint16
}

var irqs = [NumIRQs]irqDesc{
	IRQChrgDet:   {"chrg_det", RegINT1, RegINTM1, BitChrgDet},
	IRQChrgCurr1: {"chrg_curr1", RegINT2, RegINTM2, BitChrgCurr1},
	IRQSE1:       {"se1", RegINT2, RegINTM2, BitSE1},
	IRQIDGround:  {"id_ground", RegINT1, RegINTM1, BitIDGround},
	IRQVbusValid: {"vbus_valid", RegINT2, RegINTM2, BitVbusValid},
	IRQIDFloat:   {"id_float", RegINT1, RegINTM1, BitIDFloat},
	IRQDP:        {"dp", RegINT4, RegINTM4, BitDP},
	IRQDM:        {"dm", RegINT4, RegINTM4, BitDM},
	IRQSessValid: {"sess_valid", RegINT2, RegINTM2, BitSessValid},
}

func (q IRQ) Valid() bool { return q < NumIRQs }

func (q IRQ) String() string {
	if !q.Valid() {
		return "unknown"
	}
	return irqs[q].name
}

// AllIRQs lists every source in declaration order.
func AllIRQs() []IRQ {
	out := make([]IRQ, 0, NumIRQs)
	for q := IRQ(0); q < NumIRQs; q++ {
		out = append(out, q)
	}
	return out
}

// IRQController drives the mask registers and dispatches latched sources to
// registered handlers. Handlers run on the caller of Service and must not block.
type IRQController struct {
	dev *Device

	mu       sync.Mutex
	handlers [NumIRQs]func()
}

func newIRQController(d *Device) *IRQController { return &IRQController{dev: d} }

func (c *IRQController) Mask(q IRQ) error {
	if !q.Valid() {
		return ErrUnknownIRQ
	}
	return c.dev.Update(irqs[q].mask, irqs[q].bit, irqs[q].bit)
}

func (c *IRQController) Unmask(q IRQ) error {
	if !q.Valid() {
		return ErrUnknownIRQ
	}
	return c.dev.Update(irqs[q].mask, irqs[q].bit, 0)
}

// Register binds fn to q. A source can have one handler.
func (c *IRQController) Register(q IRQ, fn func()) error {
	if !q.Valid() {
		return ErrUnknownIRQ
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[q] != nil {
		return ErrIRQInUse
	}
	c.handlers[q] = fn
	return nil
}

// Free masks q and drops its handler.
func (c *IRQController) Free(q IRQ) {
	if !q.Valid() {
		return
	}
	_ = c.Mask(q)
	c.mu.Lock()
	c.handlers[q] = nil
	c.mu.Unlock()
}

var groups = [...]struct{ latch, mask Reg }{
	{RegINT1, RegINTM1},
	{RegINT2, RegINTM2},
	{RegINT4, RegINTM4},
}

// Service reads every latch group, acknowledges the pending unmasked bits and
// calls the handler of each such source once. It performs SPI I/O and must
// run outside interrupt context.
func (c *IRQController) Service() ([]IRQ, error) {
	var fired []IRQ
	for _, g := range groups {
		latched, err := c.dev.Read(g.latch)
		if err != nil {
			return fired, err
		}
		masked, err := c.dev.Read(g.mask)
		if err != nil {
			return fired, err
		}
		pending := latched &^ masked
		if pending == 0 {
			continue
		}
		if err := c.dev.Update(g.latch, pending, pending); err != nil {
			return fired, err
		}
		for q := IRQ(0); q < NumIRQs; q++ {
			if irqs[q].latch == g.latch && pending&irqs[q].bit != 0 {
				fired = append(fired, q)
			}
		}
	}

	c.mu.Lock()
	hs := c.handlers
	c.mu.Unlock()
	for _, q := range fired {
		if h := hs[q]; h != nil {
			h()
		}
	}
	return fired, nil
}
