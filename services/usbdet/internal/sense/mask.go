// Package sense turns the PMIC interrupt status registers into one
// normalised bitmask per sample.
package sense

import "strings"

// Mask is one sample of the port sense lines.
type Mask uint8

const (
	IDFloat Mask = 1 << iota
	IDGround
	ChrgCurr1
	VbusValid
	SessionValid
	SE1
	DM
	DP
)

// Named accessory patterns. Matching is by exact equality unless a caller
// forces a bit.
const (
	USB               = IDFloat | ChrgCurr1 | VbusValid | SessionValid
	USBFlash          = ChrgCurr1 | VbusValid | SessionValid
	TwoWire           = USB | DP
	Factory           = IDFloat | IDGround | ChrgCurr1 | VbusValid | SessionValid
	FactoryComparator = Factory &^ ChrgCurr1 // CHRGCURR1 does not always latch on TI parts
	ChargerFloat      = IDFloat | ChrgCurr1 | VbusValid | SessionValid | SE1 | DM | DP
	Charger           = ChargerFloat &^ IDFloat
	IDLowCharger      = ChrgCurr1 | VbusValid | SessionValid | IDGround | DP
)

func (m Mask) Has(b Mask) bool { return m&b == b }

// IdleLike reports a floating ID with no session and no SE1: what a port
// looks like while a cable is still being inserted.
func (m Mask) IdleLike() bool {
	return m&IDFloat != 0 && m&(IDGround|SessionValid|SE1) == 0
}

var names = [...]string{"id_float", "id_ground", "chrg_curr1", "vbus_valid", "sess_valid", "se1", "dm", "dp"}

func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for i, n := range names {
		if m&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}
