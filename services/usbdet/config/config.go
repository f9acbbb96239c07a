// Package config holds the detector's immutable settings, loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"usbdet-go/errcode"
)

// Debug selects optional log lines.
type Debug uint8

const (
	PrintStatus Debug = 1 << iota
	PrintTransition
)

var debugNames = map[string]Debug{
	"print_status":     PrintStatus,
	"print_transition": PrintTransition,
}

func (d Debug) Has(f Debug) bool { return d&f != 0 }

// UnmarshalYAML accepts either a raw mask or a list of flag names.
func (d *Debug) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var v uint8
		if err := n.Decode(&v); err != nil {
			return err
		}
		*d = Debug(v)
		return nil
	}
	var names []string
	if err := n.Decode(&names); err != nil {
		return err
	}
	var out Debug
	for _, s := range names {
		f, ok := debugNames[s]
		if !ok {
			return fmt.Errorf("line %d: unknown debug flag %q", n.Line, s)
		}
		out |= f
	}
	*d = out
	return nil
}

func (d Debug) MarshalYAML() (any, error) {
	out := []string{}
	for _, s := range []string{"print_status", "print_transition"} {
		if d.Has(debugNames[s]) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Capabilities are the optional detection behaviours of a board.
type Capabilities uint8

const (
	// TwoWire enables the proprietary two-wire charger handshake.
	TwoWire Capabilities = 1 << iota
	// FactoryTestingPower treats a factory cable as a plain power supply.
	FactoryTestingPower
)

var capNames = map[string]Capabilities{
	"two_wire":              TwoWire,
	"factory_testing_power": FactoryTestingPower,
}

func (c Capabilities) Has(f Capabilities) bool { return c&f != 0 }

func (c *Capabilities) UnmarshalYAML(n *yaml.Node) error {
	var names []string
	if err := n.Decode(&names); err != nil {
		return err
	}
	var out Capabilities
	for _, s := range names {
		f, ok := capNames[s]
		if !ok {
			return fmt.Errorf("line %d: unknown capability %q", n.Line, s)
		}
		out |= f
	}
	*c = out
	return nil
}

func (c Capabilities) MarshalYAML() (any, error) {
	out := []string{}
	for _, s := range []string{"two_wire", "factory_testing_power"} {
		if c.Has(capNames[s]) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Timing values are milliseconds.
type Timing struct {
	SettleMS        int `yaml:"settle_ms"`         // Config -> Sample1
	SampleMS        int `yaml:"sample_ms"`         // debounce interval
	IdleGraceMS     int `yaml:"idle_grace_ms"`     // idle-like stable sample -> Identify
	ChargerFinishMS int `yaml:"charger_finish_ms"` // charger verdict -> HandshakeFinish
	BitMS           int `yaml:"bit_ms"`            // handshake bit period
	PollMS          int `yaml:"poll_ms"`           // handshake session poll
	IdleHoldMS      int `yaml:"idle_hold_ms"`      // line low before handshake
	ReadRetryMS     int `yaml:"read_retry_ms"`     // after a sense read error
	UsbRetryMS      int `yaml:"usb_retry_ms"`      // UsbMonitor glitch re-sample
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (t Timing) Settle() time.Duration        { return ms(t.SettleMS) }
func (t Timing) Sample() time.Duration        { return ms(t.SampleMS) }
func (t Timing) IdleGrace() time.Duration     { return ms(t.IdleGraceMS) }
func (t Timing) ChargerFinish() time.Duration { return ms(t.ChargerFinishMS) }
func (t Timing) Bit() time.Duration           { return ms(t.BitMS) }
func (t Timing) Poll() time.Duration          { return ms(t.PollMS) }
func (t Timing) IdleHold() time.Duration      { return ms(t.IdleHoldMS) }
func (t Timing) ReadRetry() time.Duration     { return ms(t.ReadRetryMS) }
func (t Timing) UsbRetry() time.Duration      { return ms(t.UsbRetryMS) }

type Config struct {
	Debug        Debug        `yaml:"debug"`
	Capabilities Capabilities `yaml:"capabilities"`
	Timing       Timing       `yaml:"timing"`

	RetryLimit     int   `yaml:"retry_limit"`
	AuxThresholdMA int32 `yaml:"aux_threshold_ma"`
	RailMicrovolts int   `yaml:"rail_uv"`
	// RailOnUSB keeps the rail up while a USB-class accessory is presented,
	// in addition to parts that report needing it.
	RailOnUSB bool `yaml:"rail_on_usb"`
}

func Default() Config {
	return Config{
		Timing: Timing{
			SettleMS:        11,
			SampleMS:        100,
			IdleGraceMS:     100,
			ChargerFinishMS: 500,
			BitMS:           10,
			PollMS:          10,
			IdleHoldMS:      750,
			ReadRetryMS:     100,
			UsbRetryMS:      100,
		},
		RetryLimit:     5,
		AuxThresholdMA: 50,
		RailMicrovolts: 3300000,
	}
}

// Parse overlays data on Default and validates the result.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errcode.Wrap(errcode.InvalidConfig, "parse", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errcode.Wrap(errcode.InvalidConfig, "read "+path, err)
	}
	return Parse(data)
}

func (c Config) Validate() error {
	bad := func(msg string) error {
		return &errcode.E{C: errcode.InvalidConfig, Op: "validate", Msg: msg}
	}
	switch {
	case c.RetryLimit < 1:
		return bad("retry_limit must be at least 1")
	case c.AuxThresholdMA < 0:
		return bad("aux_threshold_ma must not be negative")
	case c.RailMicrovolts <= 0:
		return bad("rail_uv must be positive")
	case c.Timing.BitMS <= 0 || c.Timing.PollMS <= 0:
		return bad("handshake bit_ms and poll_ms must be positive")
	}
	for name, v := range map[string]int{
		"settle_ms": c.Timing.SettleMS, "sample_ms": c.Timing.SampleMS,
		"idle_grace_ms": c.Timing.IdleGraceMS, "charger_finish_ms": c.Timing.ChargerFinishMS,
		"idle_hold_ms": c.Timing.IdleHoldMS, "read_retry_ms": c.Timing.ReadRetryMS,
		"usb_retry_ms": c.Timing.UsbRetryMS,
	} {
		if v < 0 {
			return bad(name + " must not be negative")
		}
	}
	return nil
}
