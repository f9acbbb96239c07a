// Package power couples the USB rail with the sleep inhibitor.
package power

import (
	"log/slog"

	"usbdet-go/errcode"
)

type Rail interface {
	Enable() error
	Disable() error
	SetVoltage(minUV, maxUV int) error
}

type Inhibitor interface {
	Acquire()
	Release()
	Held() bool
}

// Coordinator keeps the rail and the inhibitor in step. One boolean gates
// both, so Enable and Disable are idempotent.
type Coordinator struct {
	rail Rail
	inh  Inhibitor
	log  *slog.Logger

	enabled bool
}

func New(rail Rail, inh Inhibitor, log *slog.Logger) *Coordinator {
	return &Coordinator{rail: rail, inh: inh, log: log}
}

// Setup fixes the rail voltage. Failure is ResourceUnavailable.
func (c *Coordinator) Setup(uV int) error {
	return errcode.Wrap(errcode.ResourceUnavailable, "rail set_voltage", c.rail.SetVoltage(uV, uV))
}

// Enable acquires the inhibitor, then powers the rail.
func (c *Coordinator) Enable() {
	if c.enabled {
		return
	}
	c.inh.Acquire()
	if err := c.rail.Enable(); err != nil {
		c.log.Error("rail enable", "err", err)
	}
	c.enabled = true
}

// Disable releases the inhibitor, then unpowers the rail.
func (c *Coordinator) Disable() {
	if !c.enabled {
		return
	}
	c.inh.Release()
	if err := c.rail.Disable(); err != nil {
		c.log.Error("rail disable", "err", err)
	}
	c.enabled = false
}

// HoldInhibitor takes the inhibitor regardless of the rail.
func (c *Coordinator) HoldInhibitor() {
	if !c.inh.Held() {
		c.inh.Acquire()
	}
}

// Shutdown disables and drops an inhibitor still held by HoldInhibitor.
func (c *Coordinator) Shutdown() {
	c.Disable()
	if c.inh.Held() {
		c.inh.Release()
	}
}

func (c *Coordinator) Enabled() bool { return c.enabled }
