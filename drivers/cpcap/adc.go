package cpcap

import (
	"errors"

	"usbdet-go/x/mathx"
)

var ErrADCTimeout = errors.New("adc_timeout")

// Bank 0 channels (ADCD0 + 4*ch).
const (
	ADCBattP  = 0
	ADCVbus   = 2
	ADCISense = 5
)

// Integer scaling of the 10-bit conversions.
const (
	battPuVPerLSB  = 5000  // 5 mV
	vbusuVPerLSB   = 10000 // 10 mV
	isenseuAPerLSB = 2000  // 2 mA
)

// adcPollLimit bounds the wait for ADCC2.ADC_START to self-clear.
const adcPollLimit = 64

// AuxReading is the subset of a bank 0 conversion used to confirm VBUS.
type AuxReading struct {
	ChargeCurrentMA int32
	VbusMV          int32
	BatteryMV       int32
}

// ReadAux runs one immediate bank 0 conversion and returns the scaled
// battery, VBUS and charge current channels.
func (d *Device) ReadAux() (AuxReading, error) {
	if err := d.Update(RegADCC2, BitADCBank1|BitADCStart, BitADCStart); err != nil {
		return AuxReading{}, err
	}
	done := false
	for i := 0; i < adcPollLimit; i++ {
		v, err := d.readReg(RegADCC2)
		if err != nil {
			return AuxReading{}, err
		}
		if v&BitADCStart == 0 {
			done = true
			break
		}
	}
	if !done {
		return AuxReading{}, ErrADCTimeout
	}

	ch := func(n int) (int64, error) {
		raw, err := d.readReg(RegADCD0 + Reg(4*n))
		return int64(raw & 0x03FF), err
	}
	battp, err := ch(ADCBattP)
	if err != nil {
		return AuxReading{}, err
	}
	vbus, err := ch(ADCVbus)
	if err != nil {
		return AuxReading{}, err
	}
	isense, err := ch(ADCISense)
	if err != nil {
		return AuxReading{}, err
	}
	return AuxReading{
		ChargeCurrentMA: int32(isense * isenseuAPerLSB / 1000),
		VbusMV:          int32(vbus * vbusuVPerLSB / 1000),
		BatteryMV:       int32(battp * battPuVPerLSB / 1000),
	}, nil
}

// RawFor converts a scaled value back to the bank 0 code for channel ch. The
// simulator uses it to present readings.
func RawFor(ch int, v int32) uint16 {
	var lsb int64
	switch ch {
	case ADCBattP:
		lsb = battPuVPerLSB
	case ADCVbus:
		lsb = vbusuVPerLSB
	case ADCISense:
		lsb = isenseuAPerLSB
	default:
		return 0
	}
	return uint16(mathx.Clamp(int64(v)*1000/lsb, 0, 0x03FF))
}
