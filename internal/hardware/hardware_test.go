package hardware

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/fingerprint"
	"periph.io/x/conn/v3/gpio"
)

func stubListPorts(t *testing.T, ports []string, err error) {
	t.Helper()
	orig := listPorts
	listPorts = func() ([]string, error) { return ports, err }
	t.Cleanup(func() { listPorts = orig })
}

func withSerial0(candidates []string) []string {
	if SerialPortExists("/dev/serial0") {
		return append([]string{"/dev/serial0"}, candidates...)
	}
	return candidates
}

func TestDiscoverPorts(t *testing.T) {
	stubListPorts(t, []string{"/dev/ttyUSB0", "/dev/ttyACM0", "/dev/ttyAMA0", "/dev/ttyUSB0", "/dev/cu.Bluetooth"}, nil)

	ports, err := DiscoverPorts()
	require.NoError(t, err)
	assert.Equal(t, withSerial0([]string{"/dev/ttyAMA0", "/dev/ttyUSB0", "/dev/ttyACM0"}), ports)
}

func TestDiscoverPortsError(t *testing.T) {
	stubListPorts(t, nil, stderrors.New("permission denied"))
	_, err := DiscoverPorts()
	assert.True(t, errors.Is(err, errors.ErrSerialPortOpen))
}

func TestResolvePort(t *testing.T) {
	name, err := ResolvePort("/dev/ttyS0")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS0", name)

	stubListPorts(t, []string{"/dev/ttyUSB1"}, nil)
	name, err = ResolvePort(AutoPort)
	require.NoError(t, err)
	assert.Equal(t, withSerial0([]string{"/dev/ttyUSB1"})[0], name)

	if !SerialPortExists("/dev/serial0") {
		stubListPorts(t, []string{"/dev/random"}, nil)
		_, err = ResolvePort("")
		assert.True(t, errors.Is(err, errors.ErrSerialPortOpen))
	}
}

func TestOpenSensorPort(t *testing.T) {
	orig := openPort
	t.Cleanup(func() { openPort = orig })

	var got *serial.Config
	sim := fingerprint.NewSimulatedPort(0, 0)
	openPort = func(c *serial.Config) (SerialPort, error) {
		got = c
		return sim, nil
	}

	port, err := OpenSensorPort(&config.SensorConfig{Port: "/dev/ttyUSB0"})
	require.NoError(t, err)
	assert.Same(t, sim, port)
	assert.Equal(t, "/dev/ttyUSB0", got.Name)
	assert.Equal(t, 19200, got.Baud)
	assert.Equal(t, byte(8), got.Size)
	assert.Equal(t, serial.ParityNone, got.Parity)
	assert.Equal(t, serial.Stop1, got.StopBits)
	assert.Equal(t, 100*time.Millisecond, got.ReadTimeout)

	openPort = func(c *serial.Config) (SerialPort, error) {
		return nil, stderrors.New("no such file or directory")
	}
	_, err = OpenSensorPort(&config.SensorConfig{Port: "/dev/ttyUSB9", BaudRate: 57600})
	assert.True(t, errors.Is(err, errors.ErrSerialPortOpen))
	assert.True(t, errors.IsCritical(err))
}

func TestEffectiveReadTimeout(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{20 * time.Millisecond, 100 * time.Millisecond},
		{100 * time.Millisecond, 100 * time.Millisecond},
		{150 * time.Millisecond, 200 * time.Millisecond},
		{time.Second, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, effectiveReadTimeout(tt.in), tt.in.String())
	}
}

func TestInfraredActiveLow(t *testing.T) {
	pin := NewSimulatedPin("ir", gpio.High)
	ir := NewInfraredSensor(pin, time.Millisecond)
	assert.False(t, ir.HandDetected())

	pin.Set(gpio.Low)
	assert.True(t, ir.HandDetected())
}

func TestInfraredWaitForHand(t *testing.T) {
	pin := NewSimulatedPin("ir", gpio.High)
	ir := NewInfraredSensor(pin, 2*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		pin.Set(gpio.Low)
	}()
	assert.True(t, ir.WaitForHand(context.Background(), time.Second))
	assert.False(t, ir.WaitForHandRemoval(context.Background(), 10*time.Millisecond))

	pin.Set(gpio.High)
	assert.True(t, ir.WaitForHandRemoval(context.Background(), 10*time.Millisecond))
}

func TestInfraredTimeoutAndCancel(t *testing.T) {
	pin := NewSimulatedPin("ir", gpio.High)
	ir := NewInfraredSensor(pin, 2*time.Millisecond)

	start := time.Now()
	assert.False(t, ir.WaitForHand(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Greater(t, pin.Reads(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, ir.WaitForHand(ctx, time.Second))
}

func newCoils() ([4]OutputPin, [4]*SimulatedPin) {
	var coils [4]OutputPin
	var pins [4]*SimulatedPin
	for i := range coils {
		pins[i] = NewSimulatedPin("coil", gpio.Low)
		coils[i] = pins[i]
	}
	return coils, pins
}

func levels(pins [4]*SimulatedPin) [4]gpio.Level {
	var out [4]gpio.Level
	for i, p := range pins {
		w := p.Writes()
		out[i] = w[len(w)-1]
	}
	return out
}

func TestStepperSequence(t *testing.T) {
	coils, pins := newCoils()
	m := NewStepperMotor(1, coils)
	assert.Equal(t, 1, m.ID())

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Step(true))
		assert.Equal(t, fullStepSequence[(i+1)%4], levels(pins), "step %d", i)
	}
	require.NoError(t, m.Step(false))
	assert.Equal(t, fullStepSequence[3], levels(pins))
	assert.Equal(t, 5, m.Steps())

	require.NoError(t, m.Release())
	assert.Equal(t, [4]gpio.Level{gpio.Low, gpio.Low, gpio.Low, gpio.Low}, levels(pins))
}

func TestStepperFault(t *testing.T) {
	coils, pins := newCoils()
	m := NewStepperMotor(2, coils)
	pins[2].FailWith(stderrors.New("write failed"))

	err := m.Step(true)
	assert.True(t, errors.Is(err, errors.ErrMotorFault))
	assert.Zero(t, m.Steps())
	assert.True(t, errors.Is(m.Release(), errors.ErrMotorFault))
}

func TestOutputLine(t *testing.T) {
	pin := NewSimulatedPin("reset", gpio.High)
	line := NewOutputLine(pin)
	require.NoError(t, line.SetHigh(false))
	require.NoError(t, line.SetHigh(true))
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High}, pin.Writes())

	pin.FailWith(stderrors.New("busy"))
	assert.True(t, errors.Is(line.SetHigh(false), errors.ErrGPIO))
}

func TestAudioPlayer(t *testing.T) {
	dir := t.TempDir()
	success := filepath.Join(dir, "success.mp3")
	require.NoError(t, os.WriteFile(success, []byte("ID3"), 0o644))

	p := NewAudioPlayer(&config.AudioConfig{
		Enabled:     true,
		Player:      "mpg123",
		SuccessFile: success,
		WarningFile: filepath.Join(dir, "missing.mp3"),
	})
	var calls [][]string
	p.run = func(ctx context.Context, name string, args ...string) error {
		calls = append(calls, append([]string{name}, args...))
		return nil
	}

	ctx := context.Background()
	p.Play(ctx, CueSuccess)
	p.Play(ctx, CueWarning)
	p.Play(ctx, "fanfare")
	assert.Equal(t, [][]string{{"mpg123", success}}, calls)

	p.run = func(ctx context.Context, name string, args ...string) error {
		return stderrors.New("exit status 1")
	}
	assert.NotPanics(t, func() { p.Play(ctx, CueSuccess) })

	p.enabled = false
	p.run = func(ctx context.Context, name string, args ...string) error {
		t.Fatal("disabled player must not run")
		return nil
	}
	p.Play(ctx, CueSuccess)
}

func TestAudioPlayerFollowsCallerContext(t *testing.T) {
	dir := t.TempDir()
	success := filepath.Join(dir, "success.mp3")
	require.NoError(t, os.WriteFile(success, []byte("ID3"), 0o644))

	p := NewAudioPlayer(&config.AudioConfig{Enabled: true, Player: "mpg123", SuccessFile: success})
	var got context.Context
	p.run = func(ctx context.Context, name string, args ...string) error {
		got = ctx
		return ctx.Err()
	}

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	p.Play(parent, CueSuccess)
	require.NotNil(t, got)
	assert.ErrorIs(t, got.Err(), context.Canceled)

	p.Play(context.Background(), CueSuccess)
	deadline, ok := got.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(maxCueDuration), deadline, time.Second)
}

func TestOpenMockDevices(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Hardware.MockMode = true

	d, err := Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, d.MotorIDs())
	assert.NotNil(t, d.Simulator)
	assert.NotNil(t, d.Reset)
	assert.True(t, d.Infrared.HandDetected())

	silent, ok := d.Audio.(*SilentPlayer)
	require.True(t, ok)
	silent.Play(context.Background(), CueWarning)
	assert.Equal(t, []string{CueWarning}, silent.Played())

	require.NoError(t, d.Motors[1].Step(true))
	require.NoError(t, d.Close())
	assert.True(t, d.Simulator.Closed())
	require.NoError(t, d.Close())
}
