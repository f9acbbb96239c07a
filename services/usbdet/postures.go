package usbdet

import (
	"fmt"

	"usbdet-go/drivers/cpcap"
	"usbdet-go/errcode"
)

// Posture names one set of unmasked interrupt sources. The machine only
// changes masks by arming a posture.
type Posture uint8

const (
	PostureQuiet Posture = iota
	PostureUsbMonitor
	PostureUsbGlitch
	PostureFactory
	PostureCharger
	PostureChargerRetry
	PostureIdleEdge
	PostureIdle
	PostureIdleSuspended
)

type postureDef struct {
	name string
	// unmask is issued in order.
	unmask []cpcap.IRQ
	// pulse sources are unmasked with the rest, then masked again.
	pulse []cpcap.IRQ
}

var postures = [...]postureDef{
	PostureQuiet: {name: "quiet"},
	PostureUsbMonitor: {name: "usb_monitor", unmask: []cpcap.IRQ{
		cpcap.IRQChrgDet, cpcap.IRQChrgCurr1, cpcap.IRQSE1, cpcap.IRQIDGround,
	}},
	PostureUsbGlitch: {name: "usb_glitch"},
	PostureFactory:   {name: "factory", unmask: []cpcap.IRQ{cpcap.IRQSE1}},
	PostureCharger:   {name: "charger", unmask: []cpcap.IRQ{cpcap.IRQSE1, cpcap.IRQIDGround}},
	// VBUSVLD catches a charger re-powered while VBUS decays; it must not
	// stay unmasked into suspend.
	PostureChargerRetry: {
		name:   "charger_retry",
		unmask: []cpcap.IRQ{cpcap.IRQIDGround, cpcap.IRQSE1, cpcap.IRQVbusValid, cpcap.IRQChrgDet},
		pulse:  []cpcap.IRQ{cpcap.IRQVbusValid},
	},
	PostureIdleEdge: {name: "idle_edge", unmask: []cpcap.IRQ{
		cpcap.IRQChrgDet, cpcap.IRQDP, cpcap.IRQDM, cpcap.IRQSE1, cpcap.IRQIDGround,
	}},
	PostureIdle: {name: "idle", unmask: []cpcap.IRQ{
		cpcap.IRQChrgDet, cpcap.IRQChrgCurr1, cpcap.IRQVbusValid,
	}},
	PostureIdleSuspended: {name: "idle_suspended", unmask: []cpcap.IRQ{
		cpcap.IRQChrgDet, cpcap.IRQChrgCurr1,
	}},
}

// allowed lists the postures each state may hold after a step.
var allowed = map[State][]Posture{
	Config:          {PostureQuiet, PostureCharger, PostureChargerRetry, PostureIdleEdge, PostureIdle, PostureIdleSuspended},
	Sample1:         {PostureQuiet},
	Sample2:         {PostureQuiet},
	Identify:        {PostureQuiet},
	UsbMonitor:      {PostureUsbMonitor, PostureUsbGlitch},
	FactoryMonitor:  {PostureFactory},
	HandshakeStart:  {PostureQuiet},
	HandshakeFinish: {PostureCharger},
}

func (p Posture) String() string {
	if int(p) < len(postures) {
		return postures[p].name
	}
	return fmt.Sprintf("posture(%d)", uint8(p))
}

// Unmasked is the set of sources left unmasked once p is armed.
func (p Posture) Unmasked() IRQSet {
	var s IRQSet
	for _, q := range postures[p].unmask {
		s = s.With(q)
	}
	for _, q := range postures[p].pulse {
		s = s.Without(q)
	}
	return s
}

// IRQSet is a bitset over cpcap.IRQ.
type IRQSet uint16

func (s IRQSet) Has(q cpcap.IRQ) bool       { return s&(1<<q) != 0 }
func (s IRQSet) With(q cpcap.IRQ) IRQSet    { return s | 1<<q }
func (s IRQSet) Without(q cpcap.IRQ) IRQSet { return s &^ (1 << q) }

func (s IRQSet) String() string {
	out := "{"
	for _, q := range cpcap.AllIRQs() {
		if s.Has(q) {
			if len(out) > 1 {
				out += ","
			}
			out += q.String()
		}
	}
	return out + "}"
}

// arm moves the interrupt masks to posture p: sources no longer wanted are
// masked, then p's sources are unmasked in table order, then its pulse
// sources are masked again. Mask failures are logged and bookkeeping still
// follows p.
func (m *machine) arm(p Posture) {
	def := postures[p]
	var seq IRQSet
	for _, q := range def.unmask {
		seq = seq.With(q)
	}
	for _, q := range cpcap.AllIRQs() {
		if m.unmasked.Has(q) && !seq.Has(q) {
			m.mask(q)
		}
	}
	for _, q := range def.unmask {
		if err := m.irq.Unmask(q); err != nil {
			m.log.Error("irq unmask", "irq", q.String(), "err", errcode.Wrap(errcode.ConfigError, "unmask", err))
		}
	}
	for _, q := range def.pulse {
		m.mask(q)
	}
	m.unmasked = p.Unmasked()
	m.posture = p
}

// maskAll masks every source regardless of bookkeeping.
func (m *machine) maskAll() {
	for _, q := range cpcap.AllIRQs() {
		m.mask(q)
	}
	m.unmasked = 0
	m.posture = PostureQuiet
}

func (m *machine) mask(q cpcap.IRQ) {
	if err := m.irq.Mask(q); err != nil {
		m.log.Error("irq mask", "irq", q.String(), "err", errcode.Wrap(errcode.ConfigError, "mask", err))
	}
}

// checkPosture verifies the unmasked set matches the armed posture and that
// the posture is one the current state may hold.
func (m *machine) checkPosture() error {
	if m.unmasked != m.posture.Unmasked() {
		return fmt.Errorf("unmasked %s does not match posture %s", m.unmasked, m.posture)
	}
	for _, p := range allowed[m.state] {
		if p == m.posture {
			return nil
		}
	}
	return fmt.Errorf("posture %s not allowed in %s", m.posture, m.state)
}
