// Command usbdet-sim runs the USB accessory detector against a simulated
// CPCAP and replays a plug sequence.
//
// Usage:
//
//	usbdet-sim [flags]
//
// Flags:
//
//	-config string     Detector configuration file (YAML)
//	-script string     Comma separated plug steps, each name[:hold] (default "usb,unplugged,charger,unplugged")
//	-hold duration     Hold time for steps without their own (default 1.5s)
//	-trace string      Append CBOR transition events to this file
//	-log-level string  debug, info, warn, error (default "info")
//	-st-rev20          Present an ST revision 2.0 part (rail kept on for USB)
//
// Step names: unplugged, usb, factory, charger, twowire.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"usbdet-go/bus"
	"usbdet-go/drivers/cpcap"
	"usbdet-go/drivers/cpcap/cpcapsim"
	"usbdet-go/services/accessory"
	"usbdet-go/services/usbdet"
	"usbdet-go/services/usbdet/config"
	"usbdet-go/services/usbdet/trace"
	"usbdet-go/types"
)

var (
	configPath string
	script     string
	hold       time.Duration
	tracePath  string
	logLevel   string
	stRev20    bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "Detector configuration file (YAML)")
	flag.StringVar(&script, "script", "usb,unplugged,charger,unplugged", "Comma separated plug steps, each name[:hold]")
	flag.DurationVar(&hold, "hold", 1500*time.Millisecond, "Hold time for steps without their own")
	flag.StringVar(&tracePath, "trace", "", "Append CBOR transition events to this file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&stRev20, "st-rev20", false, "Present an ST revision 2.0 part")
}

var presets = map[string]cpcapsim.Lines{
	"unplugged": cpcapsim.Unplugged,
	"usb":       cpcapsim.USBHost,
	"factory":   cpcapsim.Factory,
	"charger":   cpcapsim.Charger,
	"twowire":   cpcapsim.TwoWire,
}

type step struct {
	name  string
	lines cpcapsim.Lines
	hold  time.Duration
}

func parseScript(s string, def time.Duration) ([]step, error) {
	var out []step
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		name, d, hasHold := strings.Cut(f, ":")
		l, ok := presets[name]
		if !ok {
			return nil, fmt.Errorf("unknown step %q", name)
		}
		st := step{name: name, lines: l, hold: def}
		if hasHold {
			v, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", name, err)
			}
			st.hold = v
		}
		out = append(out, st)
	}
	return out, nil
}

func main() {
	flag.Parse()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))

	if err := run(log); err != nil {
		log.Error("usbdet-sim", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	steps, err := parseScript(script, hold)
	if err != nil {
		return err
	}

	chip := cpcapsim.New()
	if stRev20 {
		chip.SetIdentity(cpcap.VendorST, cpcap.Rev2_0)
	}
	chip.SetAux(cpcap.AuxReading{ChargeCurrentMA: 500, VbusMV: 5000, BatteryMV: 3800})
	dev := cpcap.New(chip)

	deps, err := usbdet.PMICDeps(dev)
	if err != nil {
		return err
	}
	b := bus.NewBus(32)
	recs := trace.Multi{accessory.NewStatePublisher(b)}
	if tracePath != "" {
		st, err := trace.Create(tracePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Error("trace close", "err", err)
			}
		}()
		recs = append(recs, st)
	}
	deps.Rail = &simRail{log: log}
	deps.Inhibitor = &simInhibitor{log: log}
	deps.Registrar = accessory.NewRegistry(b)
	deps.Line = &simLine{log: log}
	deps.Trace = recs
	deps.Log = log.With("svc", "usbdet")

	det, err := usbdet.New(cfg, deps)
	if err != nil {
		return err
	}
	defer det.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	served, err := usbdet.ServeInterrupts(ctx, chip.IntPin(), dev.IRQ(), log.With("svc", "irq"))
	if err != nil {
		return err
	}
	if err := det.Start(ctx); err != nil {
		return err
	}

	sub := b.NewConnection("sim").Subscribe(bus.T("accessory", "#"))
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case m := <-sub.Channel():
				switch p := m.Payload.(type) {
				case types.AccessoryPresence:
					log.Info("accessory", "kind", p.Kind, "present", p.Present)
				case types.DetectorState:
					log.Debug("detector", "state", p.State, "verdict", p.Verdict)
				}
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		for _, st := range steps {
			log.Info("plug", "step", st.name, "hold", st.hold)
			chip.Plug(st.lines)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(st.hold):
			}
			log.Info("settled", "step", st.name, "state", det.State().String(), "verdict", det.Verdict().String())
		}
		return nil
	})

	err = g.Wait()
	<-served
	return err
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

type simRail struct {
	log *slog.Logger
	on  bool
}

func (r *simRail) Enable() error {
	r.on = true
	r.log.Debug("rail on")
	return nil
}

func (r *simRail) Disable() error {
	r.on = false
	r.log.Debug("rail off")
	return nil
}

func (r *simRail) SetVoltage(minUV, maxUV int) error {
	r.log.Debug("rail voltage", "min_uv", minUV, "max_uv", maxUV)
	return nil
}

type simInhibitor struct {
	log  *slog.Logger
	held bool
}

func (i *simInhibitor) Acquire()   { i.held = true; i.log.Debug("wakelock acquire") }
func (i *simInhibitor) Release()   { i.held = false; i.log.Debug("wakelock release") }
func (i *simInhibitor) Held() bool { return i.held }

// simLine drives nothing; it logs the handshake waveform at debug level.
type simLine struct {
	log *slog.Logger
}

func (l *simLine) Set(high bool) { l.log.Debug("handshake line", "high", high) }
func (l *simLine) Valid() bool   { return true }
