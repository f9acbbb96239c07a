package usbdet

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"usbdet-go/drivers/cpcap"
	"usbdet-go/errcode"
	"usbdet-go/services/usbdet/config"
	"usbdet-go/services/usbdet/internal/sense"
	"usbdet-go/services/usbdet/trace"
)

// journal is shared by the fakes so tests can check cross-collaborator order.
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.ops = append(j.ops, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

func (j *journal) index(op string) int {
	for i, o := range j.snapshot() {
		if o == op {
			return i
		}
	}
	return -1
}

// fakeIRQ tracks the real mask state independently of the machine.
type fakeIRQ struct {
	j        *journal
	unmasked IRQSet
	handlers map[cpcap.IRQ]func()
	regErr   map[cpcap.IRQ]error
	freed    []cpcap.IRQ
}

func newFakeIRQ(j *journal) *fakeIRQ {
	return &fakeIRQ{j: j, handlers: map[cpcap.IRQ]func(){}, regErr: map[cpcap.IRQ]error{}}
}

func (f *fakeIRQ) Mask(q cpcap.IRQ) error {
	f.j.add("mask %s", q)
	f.unmasked = f.unmasked.Without(q)
	return nil
}

func (f *fakeIRQ) Unmask(q cpcap.IRQ) error {
	f.j.add("unmask %s", q)
	f.unmasked = f.unmasked.With(q)
	return nil
}

func (f *fakeIRQ) Register(q cpcap.IRQ, fn func()) error {
	if err := f.regErr[q]; err != nil {
		return err
	}
	f.handlers[q] = fn
	return nil
}

func (f *fakeIRQ) Free(q cpcap.IRQ) {
	f.j.add("free %s", q)
	delete(f.handlers, q)
	f.freed = append(f.freed, q)
}

// fakeRegs backs the ULPI hand-off write in New.
type fakeRegs struct {
	regs map[cpcap.Reg]uint16
	err  error
}

func (f *fakeRegs) Read(reg cpcap.Reg) (uint16, error) { return f.regs[reg], f.err }
func (f *fakeRegs) Update(reg cpcap.Reg, mask, value uint16) error {
	if f.err != nil {
		return f.err
	}
	f.regs[reg] = f.regs[reg]&^mask | value&mask
	return nil
}

// scriptedSense returns queued masks, then keeps returning the last one.
type scriptedSense struct {
	queue []sense.Mask
	cur   sense.Mask
	fail  int
	reads int
}

func (s *scriptedSense) Read() (sense.Mask, error) {
	s.reads++
	if s.fail > 0 {
		s.fail--
		return 0, &errcode.E{C: errcode.ReadError, Op: "read INTS1", Err: fmt.Errorf("spi nack")}
	}
	if len(s.queue) > 0 {
		s.cur, s.queue = s.queue[0], s.queue[1:]
	}
	return s.cur, nil
}

// set makes m the stable reading.
func (s *scriptedSense) set(m sense.Mask) { s.queue, s.cur = nil, m }

type fakeAux struct {
	r   cpcap.AuxReading
	err error
}

func (f *fakeAux) ReadAux() (cpcap.AuxReading, error) { return f.r, f.err }

var (
	auxCharging = cpcap.AuxReading{ChargeCurrentMA: 500, VbusMV: 5000, BatteryMV: 3700}
	auxDecaying = cpcap.AuxReading{ChargeCurrentMA: 10, VbusMV: 3000, BatteryMV: 3700}
)

type fakeProfiles struct {
	j       *journal
	applied []cpcap.Profile
}

func (f *fakeProfiles) ApplyProfile(p cpcap.Profile) error {
	f.j.add("profile %s", p)
	f.applied = append(f.applied, p)
	return nil
}

func (f *fakeProfiles) last() cpcap.Profile { return f.applied[len(f.applied)-1] }

type fakeRail struct {
	j      *journal
	on     bool
	uv     int
	volErr error
}

func (r *fakeRail) Enable() error  { r.j.add("rail on"); r.on = true; return nil }
func (r *fakeRail) Disable() error { r.j.add("rail off"); r.on = false; return nil }
func (r *fakeRail) SetVoltage(minUV, maxUV int) error {
	r.uv = minUV
	return r.volErr
}

type fakeInhibitor struct {
	j    *journal
	held bool
}

func (i *fakeInhibitor) Acquire()   { i.j.add("acquire"); i.held = true }
func (i *fakeInhibitor) Release()   { i.j.add("release"); i.held = false }
func (i *fakeInhibitor) Held() bool { return i.held }

type fakeRegistrar struct {
	j    *journal
	n    int
	live map[string]string
}

func (r *fakeRegistrar) Add(kind string) (string, error) {
	r.n++
	h := fmt.Sprintf("h%d", r.n)
	r.live[h] = kind
	r.j.add("add %s", kind)
	return h, nil
}

func (r *fakeRegistrar) Remove(h string) error {
	kind, ok := r.live[h]
	if !ok {
		return fmt.Errorf("unknown handle %s", h)
	}
	delete(r.live, h)
	r.j.add("remove %s", kind)
	return nil
}

func (r *fakeRegistrar) kinds() map[string]bool {
	out := map[string]bool{}
	for _, k := range r.live {
		out[k] = true
	}
	return out
}

type fakeLine struct {
	valid bool
	bits  []bool
}

func (l *fakeLine) Set(high bool) { l.bits = append(l.bits, high) }
func (l *fakeLine) Valid() bool   { return l.valid }

// manualTicker lets tests drive the handshake emitter one tick at a time.
type manualTicker struct {
	j        *journal
	interval time.Duration
	tick     func() bool
}

func (k *manualTicker) Start(interval time.Duration, tick func() bool) {
	k.interval, k.tick = interval, tick
}

func (k *manualTicker) Cancel() {
	k.j.add("ticker cancel")
	k.tick = nil
}

// drain ticks until the emitter stops and returns the tick count.
func (k *manualTicker) drain() int {
	n := 0
	for k.tick != nil {
		n++
		if !k.tick() {
			k.tick = nil
		}
	}
	return n
}

type rig struct {
	j        *journal
	cfg      config.Config
	irq      *fakeIRQ
	regs     *fakeRegs
	sense    *scriptedSense
	aux      *fakeAux
	profiles *fakeProfiles
	rail     *fakeRail
	inh      *fakeInhibitor
	reg      *fakeRegistrar
	line     *fakeLine
	ticker   *manualTicker
	rec      *trace.Memory
}

func newRig() *rig {
	j := &journal{}
	return &rig{
		j:        j,
		cfg:      config.Default(),
		irq:      newFakeIRQ(j),
		regs:     &fakeRegs{regs: map[cpcap.Reg]uint16{cpcap.RegUSBC3: cpcap.BitULPISPISel}},
		sense:    &scriptedSense{cur: sense.IDFloat},
		aux:      &fakeAux{r: auxCharging},
		profiles: &fakeProfiles{j: j},
		rail:     &fakeRail{j: j},
		inh:      &fakeInhibitor{j: j},
		reg:      &fakeRegistrar{j: j, live: map[string]string{}},
		line:     &fakeLine{valid: true},
		ticker:   &manualTicker{j: j},
		rec:      &trace.Memory{},
	}
}

func (r *rig) deps() Deps {
	return Deps{
		Registers:  r.regs,
		Interrupts: r.irq,
		Aux:        r.aux,
		Profiles:   r.profiles,
		Rail:       r.rail,
		Inhibitor:  r.inh,
		Registrar:  r.reg,
		Line:       r.line,
		Ticker:     r.ticker,
		Trace:      r.rec,
		Log:        discardLogger(),
	}
}

func (r *rig) machine() *machine {
	return newMachine(r.cfg, r.deps(), r.sense)
}

type stepResult struct {
	delay time.Duration
	ok    bool
}

// step runs one step and checks the posture invariant against both the
// machine's bookkeeping and the fake's view of the hardware.
func (r *rig) step(t *testing.T, m *machine) stepResult {
	t.Helper()
	d, ok := m.step()
	require.NoError(t, m.checkPosture(), "after step into %s", m.state)
	require.Equal(t, m.unmasked, r.irq.unmasked, "hardware masks diverged in %s", m.state)
	return stepResult{d, ok}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
