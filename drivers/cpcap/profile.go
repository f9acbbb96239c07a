package cpcap

import (
	"errors"
	"fmt"
)

// Profile is the transceiver/pull configuration presented for an accessory.
type Profile uint8

const (
	ProfileNone Profile = iota
	ProfileUnknown
	ProfileUSB
	ProfileCharger
)

func (p Profile) String() string {
	switch p {
	case ProfileNone:
		return "none"
	case ProfileUnknown:
		return "unknown"
	case ProfileUSB:
		return "usb"
	case ProfileCharger:
		return "charger"
	}
	return fmt.Sprintf("profile(%d)", uint8(p))
}

type regWrite struct {
	reg   Reg
	mask  uint16
	value uint16
}

// Common prefix: SPI owns the pull-up, D+ 150k pull-up only.
var profileCommon = []regWrite{
	{RegUSBC3, BitPUSPI, BitPUSPI},
	{RegUSBC1, BitDP150KPU | BitDP1K5PU | BitDM1K5PU | BitDPPD | BitDMPD, BitDP150KPU},
}

var profileWrites = map[Profile][]regWrite{
	ProfileUSB: {
		{RegUSBC1, BitVbusPD, 0},
		{RegUSBC2, BitUSBXcvrEn, BitUSBXcvrEn},
		{RegUSBC3, usbc3SPIOwners, 0}, // ULPI takes the pulls
	},
	ProfileCharger: {
		{RegCRM, BitRvrsMode, 0},
		{RegUSBC1, BitVbusPD, BitVbusPD},
		{RegUSBC3, BitVbusStbyEn, 0},
	},
	ProfileUnknown: {
		{RegUSBC1, BitVbusPD, 0},
	},
	ProfileNone: {
		{RegUSBC1, BitVbusPD, BitVbusPD},
		{RegUSBC2, BitUSBXcvrEn, 0},
		{RegUSBC3, BitDMPDSPI | BitDPPDSPI | BitSuspendSPI | BitULPISPISel,
			BitDMPDSPI | BitDPPDSPI | BitSuspendSPI | BitULPISPISel},
	},
}

// ApplyProfile issues every write of p even if an earlier one fails and
// returns the joined errors.
func (d *Device) ApplyProfile(p Profile) error {
	ws, ok := profileWrites[p]
	if !ok {
		ws = profileWrites[ProfileNone]
	}
	var errs []error
	for _, w := range append(append([]regWrite(nil), profileCommon...), ws...) {
		if err := d.Update(w.reg, w.mask, w.value); err != nil {
			errs = append(errs, fmt.Errorf("%s reg 0x%04x: %w", p, uint16(w.reg), err))
		}
	}
	return errors.Join(errs...)
}
