package types

// ------------------------
// Accessory presence (usbdet)
// ------------------------

// Registration kinds advertised by the detector.
const (
	KindUSBCharger       = "usb_charger"
	KindFactory          = "factory"
	KindCharger          = "charger"
	KindUSBConnected     = "usb_connected"
	KindChargerConnected = "charger_connected"
)

// Retained value: accessory/<kind>
type AccessoryPresence struct {
	Kind    string `json:"kind"`
	Handle  string `json:"handle"`
	Present bool   `json:"present"`
	TSms    int64  `json:"ts_ms"`
}

// Retained value: accessory/state
type DetectorState struct {
	State   string `json:"state"`
	Verdict string `json:"verdict"`
	TSms    int64  `json:"ts_ms"`
}
