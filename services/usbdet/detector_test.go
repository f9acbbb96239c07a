package usbdet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbdet-go/bus"
	"usbdet-go/drivers/cpcap"
	"usbdet-go/drivers/cpcap/cpcapsim"
	"usbdet-go/errcode"
	"usbdet-go/services/accessory"
	"usbdet-go/services/usbdet/config"
	"usbdet-go/services/usbdet/internal/sense"
	"usbdet-go/types"
)

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.Timing.SettleMS = 1
	cfg.Timing.SampleMS = 2
	cfg.Timing.IdleGraceMS = 2
	cfg.Timing.UsbRetryMS = 2
	cfg.Timing.ReadRetryMS = 2
	return cfg
}

func TestNewRejectsBadSetup(t *testing.T) {
	t.Run("missing rail", func(t *testing.T) {
		r := newRig()
		deps := r.deps()
		deps.Rail = nil
		_, err := New(r.cfg, deps)
		assert.ErrorIs(t, err, errcode.ResourceUnavailable)
	})
	t.Run("two-wire without line", func(t *testing.T) {
		r := newRig()
		r.cfg.Capabilities = config.TwoWire
		deps := r.deps()
		deps.Line = nil
		_, err := New(r.cfg, deps)
		assert.ErrorIs(t, err, errcode.ResourceUnavailable)
	})
	t.Run("invalid config", func(t *testing.T) {
		r := newRig()
		r.cfg.RetryLimit = 0
		_, err := New(r.cfg, r.deps())
		assert.ErrorIs(t, err, errcode.InvalidConfig)
	})
	t.Run("rail voltage refused", func(t *testing.T) {
		r := newRig()
		r.rail.volErr = errors.New("out of range")
		_, err := New(r.cfg, r.deps())
		assert.ErrorIs(t, err, errcode.ResourceUnavailable)
	})
}

func TestNewReleasesClaimedIRQsOnFailure(t *testing.T) {
	r := newRig()
	r.irq.regErr[cpcap.IRQVbusValid] = cpcap.ErrIRQInUse
	_, err := New(r.cfg, r.deps())
	require.ErrorIs(t, err, errcode.ResourceUnavailable)
	assert.ErrorIs(t, err, cpcap.ErrIRQInUse)
	assert.Equal(t, []cpcap.IRQ{cpcap.IRQChrgDet, cpcap.IRQChrgCurr1, cpcap.IRQSE1, cpcap.IRQIDGround}, r.irq.freed)
}

func TestNewClaimsPMIC(t *testing.T) {
	r := newRig()
	d, err := New(r.cfg, r.deps())
	require.NoError(t, err)
	assert.Len(t, r.irq.handlers, int(cpcap.NumIRQs))
	assert.Zero(t, r.regs.regs[cpcap.RegUSBC3]&cpcap.BitULPISPISel)
	assert.Equal(t, 3300000, r.rail.uv)
	assert.Equal(t, Config, d.State())
	assert.Equal(t, VerdictNone, d.Verdict())
}

// newMachineDetector builds a Detector whose machine reads the rig's
// scripted sense source.
func newMachineDetector(t *testing.T, r *rig) *Detector {
	t.Helper()
	d, err := New(r.cfg, r.deps())
	require.NoError(t, err)
	d.m.reader = r.sense
	return d
}

func TestCloseTearsDownInOrder(t *testing.T) {
	r := newRig()
	d := newMachineDetector(t, r)
	r.sense.set(sense.USB)
	for i := 0; i < 4; i++ {
		_, _, stop := d.runStep()
		require.False(t, stop)
	}
	require.Equal(t, VerdictUsb, d.Verdict())
	require.Equal(t, UsbMonitor, d.State())

	require.NoError(t, d.Close())

	order := []string{
		"ticker cancel",
		"profile none",
		"release",
		"rail off",
		"remove usb_charger",
		"remove usb_connected",
		"free chrg_det",
	}
	last := -1
	for _, op := range order {
		i := r.j.index(op)
		require.Greater(t, i, last, "%q out of order in %v", op, r.j.snapshot())
		last = i
	}
	assert.Len(t, r.irq.freed, int(cpcap.NumIRQs))
	assert.Empty(t, r.reg.live)
	assert.False(t, r.inh.held)
	assert.Equal(t, VerdictNone, d.Verdict())
	assert.Equal(t, "teardown", r.rec.Events()[len(r.rec.Events())-1].Note)

	assert.NoError(t, d.Close(), "second close is a no-op")
	assert.ErrorIs(t, d.Suspend(), errcode.Unavailable)
	assert.ErrorIs(t, d.Start(context.Background()), errcode.Unavailable)
	_, _, stop := d.runStep()
	assert.True(t, stop)
}

func TestStartAfterContextTeardownRefused(t *testing.T) {
	r := newRig()
	r.cfg = fastConfig()
	d := newMachineDetector(t, r)
	r.sense.set(sense.USB)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	require.Eventually(t, func() bool { return d.State() == UsbMonitor }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit on cancel")
	}
	assert.Empty(t, r.reg.live)
	assert.Equal(t, VerdictNone, d.Verdict())

	assert.ErrorIs(t, d.Start(context.Background()), errcode.Unavailable)
	assert.False(t, d.alive.Load())

	require.NoError(t, d.Close())
	assert.Len(t, r.irq.freed, int(cpcap.NumIRQs))
}

func TestInterruptDoesNotCutSettleShort(t *testing.T) {
	r := newRig()
	r.cfg = fastConfig()
	r.cfg.Timing.SettleMS = 10000
	d := newMachineDetector(t, r)
	r.sense.set(sense.USB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	require.Eventually(t, func() bool { return d.State() == Sample1 }, time.Second, time.Millisecond)

	r.irq.handlers[cpcap.IRQChrgCurr1]()
	r.irq.handlers[cpcap.IRQVbusValid]()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Sample1, d.State(), "settle timer still pending")

	require.NoError(t, d.Close())
}

func TestCloseReleasesChargerInhibitor(t *testing.T) {
	r := newRig()
	d := newMachineDetector(t, r)
	r.sense.set(sense.Charger)
	for i := 0; i < 4; i++ {
		d.runStep()
	}
	require.Equal(t, VerdictCharger, d.Verdict())
	require.True(t, r.inh.held)

	require.NoError(t, d.Close())
	assert.False(t, r.inh.held)
	assert.False(t, r.rail.on)
	assert.Equal(t, cpcap.ProfileNone, r.profiles.last())
}

func TestSuspendBeforeStart(t *testing.T) {
	r := newRig()
	d := newMachineDetector(t, r)
	r.sense.set(sense.IDFloat)
	for i := 0; i < 4; i++ {
		d.runStep()
	}
	require.NoError(t, d.Suspend())
	assert.False(t, r.irq.unmasked.Has(cpcap.IRQVbusValid))
	require.NoError(t, d.Close())
}

func TestWorkerFollowsInterrupts(t *testing.T) {
	r := newRig()
	r.cfg = fastConfig()
	d := newMachineDetector(t, r)
	r.sense.set(sense.USB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	assert.ErrorIs(t, d.Start(ctx), errcode.Busy)

	require.Eventually(t, func() bool {
		return d.Verdict() == VerdictUsb && d.State() == UsbMonitor
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Suspend())

	// unplug, then raise the interrupt the PMIC would
	d.mu.Lock()
	r.sense.set(sense.IDFloat)
	d.mu.Unlock()
	r.irq.handlers[cpcap.IRQChrgCurr1]()

	require.Eventually(t, func() bool {
		return d.Verdict() == VerdictNone && d.State() == Config
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Close())
	assert.Empty(t, r.reg.live)
	assert.False(t, r.rail.on)
	assert.False(t, r.inh.held)
}

func TestEndToEndWithSimulatedPMIC(t *testing.T) {
	chip := cpcapsim.New()
	chip.SetIdentity(cpcap.VendorTI, cpcap.Rev(2, 1))
	chip.SetAux(auxCharging)
	dev := cpcap.New(chip)

	deps, err := PMICDeps(dev)
	require.NoError(t, err)
	r := newRig()
	b := bus.NewBus(16)
	reg := accessory.NewRegistry(b)
	deps.Rail = r.rail
	deps.Inhibitor = r.inh
	deps.Registrar = reg
	deps.Trace = r.rec

	d, err := New(fastConfig(), deps)
	require.NoError(t, err)
	assert.Zero(t, chip.Peek(cpcap.RegUSBC3)&cpcap.BitULPISPISel)

	ctx, cancel := context.WithCancel(context.Background())
	served, err := ServeInterrupts(ctx, chip.IntPin(), dev.IRQ(), nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))

	// idle: vbus valid armed
	require.Eventually(t, func() bool { return !chip.Masked(cpcap.IRQVbusValid) }, time.Second, time.Millisecond)

	chip.Plug(cpcapsim.USBHost)
	require.Eventually(t, func() bool {
		return d.Verdict() == VerdictUsb && reg.Present(types.KindUSBCharger) && reg.Present(types.KindUSBConnected)
	}, time.Second, time.Millisecond)

	chip.Plug(cpcapsim.Unplugged)
	require.Eventually(t, func() bool {
		return d.Verdict() == VerdictNone && d.State() == Config && !reg.Present(types.KindUSBConnected)
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !chip.Masked(cpcap.IRQVbusValid) }, time.Second, time.Millisecond)

	chip.Plug(cpcapsim.Charger)
	require.Eventually(t, func() bool {
		return d.Verdict() == VerdictCharger && reg.Present(types.KindCharger)
	}, time.Second, time.Millisecond)

	cancel()
	<-served
	require.NoError(t, d.Close())

	assert.False(t, reg.Present(types.KindCharger))
	assert.False(t, reg.Present(types.KindChargerConnected))
	for _, q := range cpcap.AllIRQs() {
		assert.True(t, chip.Masked(q), q.String())
	}
	usbc3 := chip.Peek(cpcap.RegUSBC3)
	assert.NotZero(t, usbc3&cpcap.BitSuspendSPI)
	assert.NotZero(t, usbc3&cpcap.BitULPISPISel)
	assert.NotZero(t, chip.Peek(cpcap.RegUSBC1)&cpcap.BitVbusPD)
	assert.NotEmpty(t, r.rec.Events())
}
