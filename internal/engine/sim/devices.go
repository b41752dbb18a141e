package sim

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/labrun/internal/plan"
)

// Connector is implemented by devices that need a connection step before a
// plan may use them.
type Connector interface {
	Connect(ctx context.Context) error
}

// Devices is the set of simulated devices available to plans. It is safe for
// concurrent use.
type Devices struct {
	mu      sync.RWMutex
	devices map[string]plan.Device
}

// NewDevices creates a device set holding ds.
func NewDevices(ds ...plan.Device) *Devices {
	d := &Devices{devices: make(map[string]plan.Device, len(ds))}
	for _, dev := range ds {
		d.devices[dev.Name()] = dev
	}
	return d
}

// DefaultDevices returns two motors and two detectors: m1, m2, det1, det2.
// det1 peaks when m1 is at 0; det2 peaks when m2 is at 1.
func DefaultDevices() *Devices {
	m1 := NewMotor("m1", 1)
	m2 := NewMotor("m2", 1)
	return NewDevices(
		m1, m2,
		NewDetector("det1", m1, 0),
		NewDetector("det2", m2, 1),
	)
}

// Add registers dev. Names must be unique.
func (d *Devices) Add(dev plan.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.devices[dev.Name()]; exists {
		return goerr.New("device already registered", goerr.V("device", dev.Name()))
	}
	d.devices[dev.Name()] = dev
	return nil
}

// Device returns the device called name.
func (d *Devices) Device(name string) (plan.Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[name]
	return dev, ok
}

// Names returns every device name, sorted.
func (d *Devices) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.devices))
	for name := range d.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect connects every device that implements Connector, concurrently.
func (d *Devices) Connect(ctx context.Context) error {
	d.mu.RLock()
	var conns []Connector
	for _, dev := range d.devices {
		if c, ok := dev.(Connector); ok {
			conns = append(conns, c)
		}
	}
	d.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error { return c.Connect(ctx) })
	}
	return g.Wait()
}

// Motor is a simulated positioner.
type Motor struct {
	name string

	mu           sync.Mutex
	position     float64
	velocity     float64
	connectDelay time.Duration
}

// NewMotor creates a motor at position 0 moving at velocity units per second.
func NewMotor(name string, velocity float64) *Motor {
	return &Motor{name: name, velocity: velocity}
}

func (m *Motor) Name() string { return m.name }

func (m *Motor) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

func (m *Motor) Velocity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.velocity
}

func (m *Motor) SetPosition(pos float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = pos
}

// SetConnectDelay makes Connect take d, simulating a slow controller.
func (m *Motor) SetConnectDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectDelay = d
}

// Connect waits for the configured connect delay.
func (m *Motor) Connect(ctx context.Context) error {
	m.mu.Lock()
	delay := m.connectDelay
	m.mu.Unlock()
	if delay <= 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "motor did not connect", goerr.V("device", m.name))
	}
}

// Detector is a simulated point detector whose reading is a Gaussian peak
// over the position of the motor it watches, plus noise.
type Detector struct {
	name   string
	motor  *Motor
	center float64
	width  float64
	peak   float64
	noise  float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDetector creates a detector watching motor with its peak at center.
// A nil motor produces background noise only.
func NewDetector(name string, motor *Motor, center float64) *Detector {
	return &Detector{
		name:   name,
		motor:  motor,
		center: center,
		width:  1,
		peak:   1000,
		noise:  5,
		rng:    rand.New(rand.NewPCG(uint64(len(name)), 0x6c6162)),
	}
}

func (d *Detector) Name() string { return d.name }

// Read returns {name: value}.
func (d *Detector) Read() map[string]any {
	signal := 0.0
	if d.motor != nil {
		x := d.motor.Position() - d.center
		signal = d.peak * math.Exp(-(x*x)/(2*d.width*d.width))
	}

	d.mu.Lock()
	noise := d.rng.NormFloat64() * d.noise
	d.mu.Unlock()

	return map[string]any{d.name: math.Max(signal+noise, 0)}
}
