package usbdet

import (
	"log/slog"
	"time"

	"usbdet-go/drivers/cpcap"
	"usbdet-go/errcode"
	"usbdet-go/services/usbdet/config"
	"usbdet-go/services/usbdet/internal/classify"
	"usbdet-go/services/usbdet/internal/handshake"
	"usbdet-go/services/usbdet/internal/notify"
	"usbdet-go/services/usbdet/internal/power"
	"usbdet-go/services/usbdet/internal/sense"
	"usbdet-go/services/usbdet/trace"
)

type Verdict = classify.Verdict

const (
	VerdictNone           = classify.None
	VerdictUsb            = classify.Usb
	VerdictFactory        = classify.Factory
	VerdictCharger        = classify.Charger
	VerdictTwoWireCharger = classify.TwoWireCharger
	VerdictUnknown        = classify.Unknown
)

type senseSource interface {
	Read() (sense.Mask, error)
}

// machine holds the detector aggregate. Only step and the teardown/suspend
// helpers mutate it, all from one goroutine at a time.
type machine struct {
	cfg      config.Config
	identity cpcap.Identity
	log      *slog.Logger
	rec      trace.Recorder

	reader   senseSource
	irq      Interrupts
	aux      AuxSource
	hw       ProfileApplier
	line     Line
	ticker   Ticker
	power    *power.Coordinator
	notifier *notify.Notifier

	state   State
	sense   sense.Mask
	prev    sense.Mask
	verdict Verdict
	// handshook is set once a two-wire session completes and consumed by
	// the Identify that follows.
	handshook bool
	undetect  int
	session   *handshake.Session
	posture   Posture
	unmasked  IRQSet
	seq       uint64

	now func() time.Time
}

func newMachine(cfg config.Config, d Deps, reader senseSource) *machine {
	return &machine{
		cfg:      cfg,
		identity: d.Identity,
		log:      d.Log,
		rec:      d.Trace,
		reader:   reader,
		irq:      d.Interrupts,
		aux:      d.Aux,
		hw:       d.Profiles,
		line:     d.Line,
		ticker:   d.Ticker,
		power:    power.New(d.Rail, d.Inhibitor, d.Log),
		notifier: notify.New(d.Registrar, d.Profiles, d.Log),
		state:    Config,
		verdict:  VerdictNone,
		now:      time.Now,
	}
}

func (m *machine) twoWire() bool { return m.cfg.Capabilities.Has(config.TwoWire) }

// step runs the current state once and returns when to run again. ok false
// means the machine waits for an interrupt.
func (m *machine) step() (delay time.Duration, ok bool) {
	from := m.state
	var stepErr error
	delay, ok, stepErr = m.run()

	if m.cfg.Debug.Has(config.PrintTransition) && from != m.state {
		m.log.Info("transition", "from", from.String(), "to", m.state.String(),
			"verdict", m.verdict.String(), "posture", m.posture.String())
	}
	m.seq++
	ev := trace.Event{
		Timestamp: m.now(),
		Seq:       m.seq,
		From:      from.String(),
		To:        m.state.String(),
		Sense:     uint8(m.sense),
		Verdict:   m.verdict.String(),
		Posture:   m.posture.String(),
		DelayMS:   -1,
	}
	if ok {
		ev.DelayMS = delay.Milliseconds()
	}
	if stepErr != nil {
		ev.Err = string(errcode.Of(stepErr))
	}
	m.rec.Record(ev)
	return delay, ok
}

func (m *machine) run() (time.Duration, bool, error) {
	t := m.cfg.Timing
	switch m.state {
	case Config:
		m.maskAll()
		if err := m.hw.ApplyProfile(cpcap.ProfileUnknown); err != nil {
			m.log.Error("configure hardware", "err", errcode.Wrap(errcode.ConfigError, "profile unknown", err))
		}
		m.undetect = 0
		m.power.Enable()
		m.state = Sample1
		return t.Settle(), true, nil

	case Sample1:
		s, err := m.read()
		if err != nil {
			return m.readFailed(err)
		}
		m.sense = s
		m.state = Sample2
		return t.Sample(), true, nil

	case Sample2:
		s, err := m.read()
		if err != nil {
			return m.readFailed(err)
		}
		m.prev, m.sense = m.sense, s
		if m.prev != m.sense {
			return t.Sample(), true, nil
		}
		m.state = Identify
		if s.IdleLike() {
			return t.IdleGrace(), true, nil
		}
		return 0, true, nil

	case Identify:
		return m.identify()

	case UsbMonitor:
		s, err := m.read()
		if err != nil {
			return m.readFailed(err)
		}
		m.sense = s
		switch {
		case s&(sense.SE1|sense.IDGround) != 0:
			return m.restart()
		case s&sense.VbusValid == 0:
			m.undetect++
			if m.undetect >= m.cfg.RetryLimit {
				return m.restart()
			}
			m.arm(PostureUsbGlitch)
			return t.UsbRetry(), true, nil
		}
		m.undetect = 0
		m.arm(PostureUsbMonitor)
		return 0, false, nil

	case FactoryMonitor:
		s, err := m.read()
		if err != nil {
			return m.readFailed(err)
		}
		m.sense = s
		// only a charger replacing the fixture is observable
		if s&sense.SE1 != 0 {
			return m.restart()
		}
		m.arm(PostureFactory)
		return 0, false, nil

	case HandshakeStart:
		return m.pollHandshake()

	case HandshakeFinish:
		handshake.Idle(m.line)
		m.state = Config
		return 0, false, nil
	}

	m.log.Error("impossible detector state", "state", m.state.String())
	m.power.Disable()
	return m.restart()
}

func (m *machine) identify() (time.Duration, bool, error) {
	t := m.cfg.Timing
	s, err := m.read()
	if err != nil {
		return m.readFailed(err)
	}
	m.sense = s
	m.state = Config

	cur, finishing := m.verdict, m.handshook
	m.handshook = false
	if finishing {
		cur = VerdictTwoWireCharger
	}
	res := classify.Classify(s, cur, m.auxValid(), m.twoWire())
	switch res.Action {
	case classify.Retry:
		m.arm(PostureChargerRetry)
		if m.twoWire() {
			handshake.Idle(m.line)
		}
		return 0, true, nil

	case classify.Handshake:
		if m.line == nil || !m.line.Valid() {
			m.log.Error("two-wire charger detected but handshake line is not configured")
			m.arm(PostureIdleEdge)
			return 0, false, nil
		}
		// hold the line low so the charger idles before the sequence
		m.line.Set(false)
		m.state = HandshakeStart
		return t.IdleHold(), true, nil

	case classify.AwaitEdge:
		m.arm(PostureIdleEdge)
		return 0, false, nil
	}

	switch res.Verdict {
	case VerdictUsb:
		m.notify(VerdictUsb)
		m.usbRailQuirk()
		m.arm(PostureUsbMonitor)
		m.undetect = 0
		m.state = UsbMonitor
		return 0, false, nil

	case VerdictFactory:
		if m.cfg.Capabilities.Has(config.FactoryTestingPower) {
			m.notify(VerdictNone)
			m.power.Disable()
			m.arm(PostureIdle)
			return 0, false, nil
		}
		m.notify(VerdictFactory)
		m.usbRailQuirk()
		m.arm(PostureFactory)
		m.state = FactoryMonitor
		return 0, false, nil

	case VerdictCharger:
		m.power.HoldInhibitor()
		m.notify(VerdictCharger)
		m.arm(PostureCharger)
		if finishing {
			m.state = HandshakeFinish
			return t.ChargerFinish(), true, nil
		}
		return 0, false, nil
	}

	m.notify(VerdictNone)
	m.power.Disable()
	m.arm(PostureIdle)
	return 0, false, nil
}

// pollHandshake is re-entered every poll interval until the session is done
// or the session-valid line drops.
func (m *machine) pollHandshake() (time.Duration, bool, error) {
	t := m.cfg.Timing
	if m.session == nil {
		if m.sense&sense.SessionValid == 0 {
			return m.abortHandshake()
		}
		m.session = handshake.NewSession(m.line)
		m.ticker.Start(t.Bit(), m.session.Tick)
		return t.Poll(), true, nil
	}

	s, err := m.read()
	if err != nil {
		return m.readFailed(err)
	}
	m.sense = s
	switch {
	case s&sense.SessionValid == 0:
		return m.abortHandshake()
	case m.session.Done():
		m.session = nil
		m.handshook = true
		m.state = Identify
		return 0, true, nil
	}
	return t.Poll(), true, nil
}

func (m *machine) abortHandshake() (time.Duration, bool, error) {
	m.log.Error("two-wire charger removed during handshake")
	m.ticker.Cancel()
	if m.session != nil {
		m.session.Abort()
		m.session = nil
	} else {
		handshake.Idle(m.line)
	}
	m.state = Config
	m.arm(PostureIdleEdge)
	return 0, false, nil
}

// restart drops every unmask and re-runs Config straight away.
func (m *machine) restart() (time.Duration, bool, error) {
	m.arm(PostureQuiet)
	m.state = Config
	return 0, true, nil
}

// readFailed keeps the state and retries it later.
func (m *machine) readFailed(err error) (time.Duration, bool, error) {
	m.log.Error("sense read", "state", m.state.String(), "err", err)
	return m.cfg.Timing.ReadRetry(), true, err
}

func (m *machine) read() (sense.Mask, error) {
	s, err := m.reader.Read()
	if err == nil && m.cfg.Debug.Has(config.PrintStatus) {
		m.log.Info("sense", "state", m.state.String(), "mask", s.String())
	}
	return s, err
}

func (m *machine) auxValid() bool {
	r, err := m.aux.ReadAux()
	if err != nil {
		m.log.Error("aux adc read", "err", err)
		return false
	}
	return classify.AuxValid(r, m.cfg.AuxThresholdMA)
}

func (m *machine) notify(v Verdict) {
	m.verdict = v
	if err := m.notifier.Notify(v); err != nil {
		m.log.Error("notify", "verdict", v.String(), "err", err)
	}
}

func (m *machine) usbRailQuirk() {
	if m.identity.NeedsRailForUSB() || m.cfg.RailOnUSB {
		m.power.Enable()
	}
}

// suspend masks the one wake-sensitive source.
func (m *machine) suspend() {
	if m.posture == PostureIdle {
		m.arm(PostureIdleSuspended)
		return
	}
	m.mask(cpcap.IRQVbusValid)
}

// teardown leaves the hardware in the None configuration with nothing held.
func (m *machine) teardown() {
	m.ticker.Cancel()
	if m.session != nil {
		m.session.Abort()
		m.session = nil
	}
	if err := m.hw.ApplyProfile(cpcap.ProfileNone); err != nil {
		m.log.Error("configure hardware", "err", errcode.Wrap(errcode.ConfigError, "profile none", err))
	}
	m.power.Shutdown()
	if err := m.notifier.Clear(); err != nil {
		m.log.Error("clear registrations", "err", err)
	}
	m.verdict = VerdictNone
	m.handshook = false
	m.state = Config
}
