// Package cpcapsim is a register-file model of the CPCAP blocks used by USB
// accessory detection. Chip implements drivers.SPI so a cpcap.Device can be
// driven against it on a host.
package cpcapsim

import (
	"errors"
	"sync"

	"usbdet-go/drivers/cpcap"
)

// Lines are the live comparator and sense outputs.
type Lines struct {
	ChrgDet   bool
	IDFloat   bool
	IDGround  bool
	ChrgCurr1 bool
	VbusValid bool
	SessValid bool
	SE1       bool
	DM        bool
	DP        bool
}

// Accessory line presets.
var (
	Unplugged = Lines{IDFloat: true}
	USBHost   = Lines{IDFloat: true, ChrgCurr1: true, VbusValid: true, SessValid: true}
	Factory   = Lines{IDFloat: true, IDGround: true, ChrgCurr1: true, VbusValid: true, SessValid: true}
	Charger   = Lines{ChrgDet: true, ChrgCurr1: true, VbusValid: true, SessValid: true, SE1: true, DM: true, DP: true}
	TwoWire   = Lines{IDFloat: true, ChrgCurr1: true, VbusValid: true, SessValid: true, DP: true}
)

// Write is one register write seen on the bus.
type Write struct {
	Reg   cpcap.Reg
	Value uint16
}

var ErrShortFrame = errors.New("short_frame")

type group struct{ latch, mask, sense cpcap.Reg }

var groups = [...]group{
	{cpcap.RegINT1, cpcap.RegINTM1, cpcap.RegINTS1},
	{cpcap.RegINT2, cpcap.RegINTM2, cpcap.RegINTS2},
	{cpcap.RegINT4, cpcap.RegINTM4, cpcap.RegINTS4},
}

// Chip holds the register state. Zero value is not usable; call New.
type Chip struct {
	mu     sync.Mutex
	regs   map[cpcap.Reg]uint16
	lines  Lines
	fail   map[cpcap.Reg]error
	writes []Write

	pin *IntPin
}

// New returns a chip with every interrupt masked and nothing plugged in.
func New() *Chip {
	c := &Chip{
		regs: map[cpcap.Reg]uint16{},
		fail: map[cpcap.Reg]error{},
		pin:  &IntPin{},
	}
	for _, g := range groups {
		c.regs[g.mask] = 0xFFFF
	}
	c.regs[cpcap.RegUSBC3] = cpcap.BitULPISPISel
	c.applyLines(Unplugged)
	for _, g := range groups {
		c.regs[g.latch] = 0
	}
	return c
}

// SetIdentity sets the VERSC1 vendor and revision fields.
func (c *Chip) SetIdentity(v cpcap.Vendor, rev cpcap.Revision) {
	c.mu.Lock()
	c.regs[cpcap.RegVERSC1] = uint16(v)<<6 | uint16(rev)&0x3F
	c.mu.Unlock()
}

// Plug changes the sense lines; every line that changes latches its
// interrupt bit.
func (c *Chip) Plug(l Lines) {
	c.mu.Lock()
	c.applyLines(l)
	fire := c.updateIntLocked()
	c.mu.Unlock()
	c.pin.deliver(fire)
}

func (c *Chip) Lines() Lines {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines
}

// SetAux presents a bank 0 conversion result.
func (c *Chip) SetAux(r cpcap.AuxReading) {
	c.mu.Lock()
	c.regs[cpcap.RegADCD0+4*cpcap.ADCBattP] = cpcap.RawFor(cpcap.ADCBattP, r.BatteryMV)
	c.regs[cpcap.RegADCD0+4*cpcap.ADCVbus] = cpcap.RawFor(cpcap.ADCVbus, r.VbusMV)
	c.regs[cpcap.RegADCD0+4*cpcap.ADCISense] = cpcap.RawFor(cpcap.ADCISense, r.ChargeCurrentMA)
	c.mu.Unlock()
}

// Fail makes every access to reg return err until Fail(reg, nil).
func (c *Chip) Fail(reg cpcap.Reg, err error) {
	c.mu.Lock()
	if err == nil {
		delete(c.fail, reg)
	} else {
		c.fail[reg] = err
	}
	c.mu.Unlock()
}

// Peek returns a register without going through the bus.
func (c *Chip) Peek(reg cpcap.Reg) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(reg)
}

// Writes returns a copy of the write log.
func (c *Chip) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

func (c *Chip) ResetWrites() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}

// Masked reports whether interrupt source q is masked.
func (c *Chip) Masked(q cpcap.IRQ) bool {
	reg, bit := irqBits(q)
	return c.Peek(reg)&bit != 0
}

// IntPin returns the PMIC interrupt output.
func (c *Chip) IntPin() *IntPin { return c.pin }

// Tx implements drivers.SPI for 4-byte frames.
func (c *Chip) Tx(w, r []byte) error {
	if len(w) < 4 || len(r) < 4 {
		return ErrShortFrame
	}
	write := w[0]&0x80 != 0
	reg := cpcap.Reg((uint16(w[0]&0x7F)<<8 | uint16(w[1])) << 2)
	val := uint16(w[2])<<8 | uint16(w[3])

	c.mu.Lock()
	if err := c.fail[reg]; err != nil {
		c.mu.Unlock()
		return err
	}
	var fire bool
	if write {
		c.writes = append(c.writes, Write{Reg: reg, Value: val})
		c.writeLocked(reg, val)
		fire = c.updateIntLocked()
		r[2], r[3] = 0, 0
	} else {
		v := c.readLocked(reg)
		r[2], r[3] = byte(v>>8), byte(v)
	}
	r[0], r[1] = 0, 0
	c.mu.Unlock()
	c.pin.deliver(fire)
	return nil
}

// Transfer implements drivers.SPI. Single-byte transfers are not used by
// the part and read back zero.
func (c *Chip) Transfer(b byte) (byte, error) { return 0, nil }

func (c *Chip) readLocked(reg cpcap.Reg) uint16 { return c.regs[reg] }

func (c *Chip) writeLocked(reg cpcap.Reg, val uint16) {
	switch {
	case reg.IsLatch():
		c.regs[reg] &^= val
	case reg == cpcap.RegINTS1, reg == cpcap.RegINTS2, reg == cpcap.RegINTS3, reg == cpcap.RegINTS4:
		// read only
	case reg == cpcap.RegADCC2:
		// conversions complete immediately
		c.regs[reg] = val &^ cpcap.BitADCStart
	default:
		c.regs[reg] = val
	}
}

func senseOf(l Lines) (s1, s2, s4 uint16) {
	set := func(v *uint16, on bool, bit uint16) {
		if on {
			*v |= bit
		}
	}
	set(&s1, l.ChrgDet, cpcap.BitChrgDet)
	set(&s1, l.IDFloat, cpcap.BitIDFloat)
	set(&s1, l.IDGround, cpcap.BitIDGround)
	set(&s2, l.ChrgCurr1, cpcap.BitChrgCurr1)
	set(&s2, l.VbusValid, cpcap.BitVbusValid)
	set(&s2, l.SessValid, cpcap.BitSessValid)
	set(&s2, l.SE1, cpcap.BitSE1)
	set(&s4, l.DM, cpcap.BitDM)
	set(&s4, l.DP, cpcap.BitDP)
	return
}

func (c *Chip) applyLines(l Lines) {
	c.lines = l
	s1, s2, s4 := senseOf(l)
	for i, v := range [...]uint16{s1, s2, s4} {
		g := groups[i]
		c.regs[g.latch] |= c.regs[g.sense] ^ v
		c.regs[g.sense] = v
	}
}

// updateIntLocked recomputes the INT output and reports a rising edge.
func (c *Chip) updateIntLocked() bool {
	level := false
	for _, g := range groups {
		if c.regs[g.latch]&^c.regs[g.mask] != 0 {
			level = true
		}
	}
	return c.pin.set(level)
}

func irqBits(q cpcap.IRQ) (cpcap.Reg, uint16) {
	switch q {
	case cpcap.IRQChrgDet:
		return cpcap.RegINTM1, cpcap.BitChrgDet
	case cpcap.IRQIDFloat:
		return cpcap.RegINTM1, cpcap.BitIDFloat
	case cpcap.IRQIDGround:
		return cpcap.RegINTM1, cpcap.BitIDGround
	case cpcap.IRQChrgCurr1:
		return cpcap.RegINTM2, cpcap.BitChrgCurr1
	case cpcap.IRQVbusValid:
		return cpcap.RegINTM2, cpcap.BitVbusValid
	case cpcap.IRQSessValid:
		return cpcap.RegINTM2, cpcap.BitSessValid
	case cpcap.IRQSE1:
		return cpcap.RegINTM2, cpcap.BitSE1
	case cpcap.IRQDM:
		return cpcap.RegINTM4, cpcap.BitDM
	case cpcap.IRQDP:
		return cpcap.RegINTM4, cpcap.BitDP
	}
	return 0, 0
}

// IntPin models the active-high PMIC interrupt output. The handler is called
// on rising edges from the goroutine that caused the edge.
type IntPin struct {
	mu      sync.Mutex
	level   bool
	handler func()
}

func (p *IntPin) Get() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *IntPin) SetIRQ(h func()) error {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
	return nil
}

func (p *IntPin) ClearIRQ() error {
	p.mu.Lock()
	p.handler = nil
	p.mu.Unlock()
	return nil
}

func (p *IntPin) set(level bool) (rising bool) {
	p.mu.Lock()
	rising = level && !p.level
	p.level = level
	p.mu.Unlock()
	return rising
}

func (p *IntPin) deliver(rising bool) {
	if !rising {
		return
	}
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h()
	}
}
