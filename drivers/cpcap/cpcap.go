// Package cpcap provides a minimal driver for the CPCAP power-management IC
// blocks used by USB accessory detection.
//
// Design notes:
//   - SPI, 32-bit frames (see bus.go); one register per transfer.
//   - Interrupt groups are latch (INTn, write-1-to-clear), mask (INTMn) and
//     sense (INTSn) registers sharing a bit layout.
//   - ADC bank 0 is read synchronously for the VBUS/charge-current check.
//   - USBC1..3 and CRM carry the pull-up/pull-down and transceiver routing
//     applied per accessory profile.
package cpcap

import (
	"sync"

	"tinygo.org/x/drivers"
)

// ---------------- Identity ----------------

type Vendor uint8

const (
	VendorTI Vendor = 0
	VendorST Vendor = 1
)

// Revision is major<<3 | minor.
type Revision uint8

func Rev(major, minor uint8) Revision { return Revision(major<<3 | minor&0x7) }

const Rev2_0 Revision = 2 << 3

type Identity struct {
	Vendor   Vendor
	Revision Revision
}

// NeedsRailForUSB reports the ST 2.0 quirk: the USB rail must stay on while a
// USB-class accessory is presented.
func (id Identity) NeedsRailForUSB() bool {
	return id.Vendor == VendorST && id.Revision == Rev2_0
}

// ---------------- Device ----------------

// Device represents one CPCAP on an SPI bus.
type Device struct {
	spi drivers.SPI

	mu  sync.Mutex // one frame at a time
	rmw sync.Mutex // read-modify-write sequences
	w   [4]byte
	r   [4]byte

	irq *IRQController
}

// New constructs a Device on an SPI bus already configured for the part.
func New(spi drivers.SPI) *Device {
	d := &Device{spi: spi}
	d.irq = newIRQController(d)
	return d
}

// Read returns the 16-bit value of reg.
func (d *Device) Read(reg Reg) (uint16, error) { return d.readReg(reg) }

// Update writes value under mask. For latch registers only value&mask is
// written (bits set to 1 are cleared by the hardware); other registers are
// read-modify-written.
func (d *Device) Update(reg Reg, mask, value uint16) error {
	if reg.IsLatch() {
		return d.writeReg(reg, value&mask)
	}
	d.rmw.Lock()
	defer d.rmw.Unlock()
	cur, err := d.readReg(reg)
	if err != nil {
		return err
	}
	return d.writeReg(reg, (cur&^mask)|(value&mask))
}

// Identify reads vendor and revision.
func (d *Device) Identify() (Identity, error) {
	v, err := d.readReg(RegVERSC1)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Vendor:   Vendor((v >> versVendorShift) & versVendorMask),
		Revision: Revision(v & versRevMask),
	}, nil
}

// IRQ returns the interrupt controller bound to this device.
func (d *Device) IRQ() *IRQController { return d.irq }
