package usbdet

import (
	"io"
	"log/slog"
	"time"

	"usbdet-go/drivers/cpcap"
	"usbdet-go/errcode"
	"usbdet-go/services/usbdet/trace"
)

// Registers is the PMIC register transport.
type Registers interface {
	Read(reg cpcap.Reg) (uint16, error)
	Update(reg cpcap.Reg, mask, value uint16) error
}

// Interrupts is the PMIC interrupt controller.
type Interrupts interface {
	Mask(q cpcap.IRQ) error
	Unmask(q cpcap.IRQ) error
	Register(q cpcap.IRQ, fn func()) error
	Free(q cpcap.IRQ)
}

type AuxSource interface {
	ReadAux() (cpcap.AuxReading, error)
}

type ProfileApplier interface {
	ApplyProfile(p cpcap.Profile) error
}

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

// Registrar is the accessory registration service.
type Registrar interface {
	Add(kind string) (string, error)
	Remove(handle string) error
}

// Line is the two-wire handshake output.
type Line interface {
	Set(high bool)
	Valid() bool
}

// Ticker runs tick every interval while it returns true.
type Ticker interface {
	Start(interval time.Duration, tick func() bool)
	Cancel()
}

// Deps are the detector's collaborators. Line is only needed with the
// two-wire capability; Ticker, Trace and Log have defaults.
type Deps struct {
	Registers  Registers
	Interrupts Interrupts
	Aux        AuxSource
	Profiles   ProfileApplier
	Rail       Rail
	Inhibitor  Inhibitor
	Registrar  Registrar
	Line       Line
	Ticker     Ticker
	Identity   cpcap.Identity
	Trace      trace.Recorder
	Log        *slog.Logger
}

// PMICDeps fills the PMIC-backed collaborators from dev and reads its identity.
func PMICDeps(dev *cpcap.Device) (Deps, error) {
	id, err := dev.Identify()
	if err != nil {
		return Deps{}, errcode.Wrap(errcode.ResourceUnavailable, "identify", err)
	}
	return Deps{
		Registers:  dev,
		Interrupts: dev.IRQ(),
		Aux:        dev,
		Profiles:   dev,
		Identity:   id,
	}, nil
}

func (d Deps) missing() string {
	switch {
	case d.Registers == nil:
		return "registers"
	case d.Interrupts == nil:
		return "interrupts"
	case d.Aux == nil:
		return "aux"
	case d.Profiles == nil:
		return "profiles"
	case d.Rail == nil:
		return "rail"
	case d.Inhibitor == nil:
		return "inhibitor"
	case d.Registrar == nil:
		return "registrar"
	}
	return ""
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
