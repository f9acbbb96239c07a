package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"usbdet-go/drivers/cpcap"
	"usbdet-go/services/usbdet/internal/sense"
)

var allVerdicts = []Verdict{None, Usb, Factory, Charger, TwoWireCharger, Unknown}

func TestUsbIgnoresAux(t *testing.T) {
	for _, s := range []sense.Mask{sense.USB, sense.USBFlash} {
		for _, aux := range []bool{true, false} {
			for _, cur := range allVerdicts {
				got := Classify(s, cur, aux, true)
				assert.Equal(t, Result{Decide, Usb}, got, "sense=%s cur=%s aux=%v", s, cur, aux)
			}
		}
	}
}

func TestFactoryBothVariants(t *testing.T) {
	for _, s := range []sense.Mask{sense.Factory, sense.FactoryComparator} {
		for _, aux := range []bool{true, false} {
			assert.Equal(t, Result{Decide, Factory}, Classify(s, None, aux, false), s.String())
		}
	}
}

func TestChargerArbitration(t *testing.T) {
	tests := []struct {
		name string
		s    sense.Mask
		cur  Verdict
		aux  bool
		want Result
	}{
		{"float charger, aux ok", sense.ChargerFloat, None, true, Result{Decide, Charger}},
		{"charger, aux ok", sense.Charger, None, true, Result{Decide, Charger}},
		{"id-low charger, aux ok", sense.IDLowCharger, None, true, Result{Decide, Charger}},
		{"vbus forced, session set, aux ok", sense.Charger &^ sense.VbusValid, None, true, Result{Decide, Charger}},
		{"charger, aux veto", sense.Charger, None, false, Result{Retry, None}},
		{"charger no session, aux veto", sense.Charger &^ sense.SessionValid &^ sense.VbusValid, None, false, Result{Decide, None}},
		{"vbus dropped, aux veto", sense.ChargerFloat &^ sense.VbusValid, None, false, Result{Retry, None}},
		{"two-wire held, aux ok", sense.USB | sense.DP, TwoWireCharger, true, Result{Decide, Charger}},
		{"two-wire held, aux veto", sense.IDFloat, TwoWireCharger, false, Result{Retry, TwoWireCharger}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.s, tc.cur, tc.aux, true))
		})
	}
}

func TestIDLowChargerVetoKeepsVerdict(t *testing.T) {
	got := Classify(sense.IDLowCharger, None, false, false)
	assert.Equal(t, Retry, got.Action)
	assert.Equal(t, None, got.Verdict)
}

func TestTwoWire(t *testing.T) {
	assert.Equal(t, Result{Handshake, None}, Classify(sense.TwoWire, None, true, true))
	// capability off: DP+VBUS with nothing decided waits for an edge
	assert.Equal(t, Result{AwaitEdge, None}, Classify(sense.TwoWire, None, true, false))
	// only while nothing is decided
	assert.Equal(t, Result{Decide, None}, Classify(sense.TwoWire, Usb, true, true))
	// a held two-wire verdict is ignored without the capability
	assert.Equal(t, Result{Decide, None}, Classify(sense.IDFloat, TwoWireCharger, true, false))
}

func TestVbusOnlyAwaitsEdge(t *testing.T) {
	assert.Equal(t, Result{AwaitEdge, None}, Classify(sense.IDFloat|sense.VbusValid, None, true, true))
	assert.Equal(t, Result{Decide, None}, Classify(sense.IDFloat|sense.VbusValid, Usb, true, true))
	assert.Equal(t, Result{Decide, None}, Classify(sense.IDFloat, None, true, true))
}

func TestAuxValid(t *testing.T) {
	assert.True(t, AuxValid(cpcap.AuxReading{ChargeCurrentMA: 60, VbusMV: 3000, BatteryMV: 3800}, 50))
	assert.True(t, AuxValid(cpcap.AuxReading{ChargeCurrentMA: 10, VbusMV: 5000, BatteryMV: 3800}, 50))
	assert.True(t, AuxValid(cpcap.AuxReading{ChargeCurrentMA: 10, VbusMV: 3800, BatteryMV: 3800}, 50))
	assert.False(t, AuxValid(cpcap.AuxReading{ChargeCurrentMA: 10, VbusMV: 3000, BatteryMV: 3800}, 50))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "two_wire_charger", TwoWireCharger.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "await_edge", AwaitEdge.String())
}
