package usbdet

import "fmt"

// State is the detection step the worker runs next.
type State uint8

const (
	Config State = iota
	Sample1
	Sample2
	Identify
	UsbMonitor
	FactoryMonitor
	HandshakeStart
	HandshakeFinish
)

var stateNames = [...]string{
	Config:          "config",
	Sample1:         "sample1",
	Sample2:         "sample2",
	Identify:        "identify",
	UsbMonitor:      "usb_monitor",
	FactoryMonitor:  "factory_monitor",
	HandshakeStart:  "handshake_start",
	HandshakeFinish: "handshake_finish",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}
