// Package classify maps a stable sense sample to an accessory verdict.
package classify

import (
	"usbdet-go/drivers/cpcap"
	"usbdet-go/services/usbdet/internal/sense"
)

type Verdict uint8

const (
	None Verdict = iota
	Usb
	Factory
	Charger
	TwoWireCharger
	Unknown
)

func (v Verdict) String() string {
	switch v {
	case None:
		return "none"
	case Usb:
		return "usb"
	case Factory:
		return "factory"
	case Charger:
		return "charger"
	case TwoWireCharger:
		return "two_wire_charger"
	}
	return "unknown"
}

// Action tells the state machine what to do with a classification.
type Action uint8

const (
	// Decide: Result.Verdict is final.
	Decide Action = iota
	// Retry: charger arbitration was inconclusive, restart debouncing.
	Retry
	// Handshake: run the two-wire handshake before deciding.
	Handshake
	// AwaitEdge: VBUS is up but nothing is identifiable yet.
	AwaitEdge
)

func (a Action) String() string {
	switch a {
	case Decide:
		return "decide"
	case Retry:
		return "retry"
	case Handshake:
		return "handshake"
	case AwaitEdge:
		return "await_edge"
	}
	return "unknown"
}

type Result struct {
	Action  Action
	Verdict Verdict
}

// Classify resolves s in priority order; the first matching rule wins.
// cur is the verdict held before this sample. With twoWire false every
// two-wire rule is skipped.
func Classify(s sense.Mask, cur Verdict, auxValid, twoWire bool) Result {
	inTwoWire := twoWire && cur == TwoWireCharger

	switch {
	case s == sense.USB || s == sense.USBFlash:
		return Result{Action: Decide, Verdict: Usb}

	case s == sense.Factory || s == sense.FactoryComparator:
		return Result{Action: Decide, Verdict: Factory}

	case s|sense.VbusValid == sense.ChargerFloat,
		s|sense.VbusValid == sense.Charger,
		inTwoWire,
		s == sense.IDLowCharger:
		exact := s == sense.ChargerFloat || s == sense.Charger || s == sense.IDLowCharger
		if auxValid && (exact || inTwoWire || s&sense.SessionValid != 0) {
			return Result{Action: Decide, Verdict: Charger}
		}
		return Result{Action: Retry, Verdict: cur}

	case twoWire && s == sense.TwoWire && cur == None:
		return Result{Action: Handshake, Verdict: cur}

	case s&sense.VbusValid != 0 && cur == None:
		return Result{Action: AwaitEdge, Verdict: cur}
	}
	return Result{Action: Decide, Verdict: None}
}

// AuxValid vetoes a tentative charger only when the charge current is below
// thresholdMA and VBUS is not above the battery.
func AuxValid(r cpcap.AuxReading, thresholdMA int32) bool {
	return !(r.ChargeCurrentMA < thresholdMA && r.VbusMV < r.BatteryMV)
}
