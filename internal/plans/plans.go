// Package plans is the registration table of the plans labrun ships with.
package plans

import (
	"errors"
	"maps"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/seantiz/labrun/internal/engine"
	"github.com/seantiz/labrun/internal/plan"
	"github.com/seantiz/labrun/internal/progress"
)

// AttachMetadata is the name of the wrapper plan that decorates start
// documents with metadata.
const AttachMetadata = "attach_metadata"

// tick is the simulated motor update interval.
const tick = 20 * time.Millisecond

// Devices looks up devices by name when plans are bound.
type Devices interface {
	Device(name string) (plan.Device, bool)
}

// Register adds every built-in plan to reg. metadata is merged into start
// documents by the attach_metadata wrapper.
func Register(reg *plan.Registry, devices Devices, metadata map[string]any) error {
	defs := []plan.Definition{
		sleepPlan(),
		movePlan(devices),
		countPlan(devices),
		scanPlan(devices),
		attachMetadataPlan(metadata),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return goerr.Wrap(err, "failed to register plan", goerr.V("plan", def.Name))
		}
	}
	return nil
}

func ptr(f float64) *float64 { return &f }

func digits(n int) *int { return &n }

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func sleepPlan() plan.Definition {
	return plan.Definition{
		Name:        "sleep",
		Description: "Wait for the given number of seconds.",
		Schema: plan.Schema{
			{Name: "time", Type: plan.TypeNumber, Required: true, Minimum: ptr(0), Description: "seconds"},
		},
		Build: func(args plan.Args) (plan.Procedure, error) {
			d := seconds(args.Float("time"))
			return func(rt plan.Runtime) error {
				return rt.Sleep(d)
			}, nil
		},
	}
}

func movePlan(devices Devices) plan.Definition {
	return plan.Definition{
		Name:        "move",
		Description: "Move a motor to an absolute position, reporting progress.",
		Schema: plan.Schema{
			{Name: "motor", Type: plan.TypeString, Required: true},
			{Name: "pos", Type: plan.TypeNumber, Required: true},
		},
		Build: func(args plan.Args) (plan.Procedure, error) {
			name, target := args.String("motor"), args.Float("pos")
			if _, err := movable(devices, name); err != nil {
				return nil, err
			}
			return func(rt plan.Runtime) error {
				m, err := runtimeMovable(rt, name)
				if err != nil {
					return err
				}
				return moveTo(rt, m, target)
			}, nil
		},
	}
}

// moveTo steps m towards target at its velocity, sleeping between steps and
// reporting progress for the motor's bar.
func moveTo(rt plan.Runtime, m plan.Movable, target float64) error {
	initial := m.Position()
	step := m.Velocity() * tick.Seconds()
	if step <= 0 {
		step = math.Abs(target - initial)
	}

	for {
		pos := m.Position()
		done := pos == target
		rt.Report(progress.Signal{
			Name:      m.Name(),
			Current:   ptr(pos),
			Initial:   ptr(initial),
			Target:    ptr(target),
			Precision: digits(3),
			Done:      done,
		})
		if done {
			return nil
		}
		if err := rt.Sleep(tick); err != nil {
			return err
		}
		if math.Abs(target-pos) <= step {
			m.SetPosition(target)
		} else {
			m.SetPosition(pos + math.Copysign(step, target-pos))
		}
	}
}

func countPlan(devices Devices) plan.Definition {
	return plan.Definition{
		Name:        "count",
		Description: "Read detectors num times, delay seconds apart.",
		Schema: plan.Schema{
			{Name: "detectors", Type: plan.TypeArray, Required: true, Items: &plan.Param{Type: plan.TypeString}},
			{Name: "num", Type: plan.TypeInteger, Default: 1, Minimum: ptr(1)},
			{Name: "delay", Type: plan.TypeNumber, Default: 0.0, Minimum: ptr(0)},
		},
		Build: func(args plan.Args) (plan.Procedure, error) {
			names := args.Strings("detectors")
			if err := checkReadable(devices, names); err != nil {
				return nil, err
			}
			num, delay := args.Int("num"), seconds(args.Float("delay"))

			return func(rt plan.Runtime) error {
				run := newRunDocs(rt, "count", map[string]any{
					"detectors":  names,
					"num_points": num,
				})
				return run.do(func() error {
					for i := range num {
						if err := rt.Checkpoint(); err != nil {
							return err
						}
						if err := run.event(readAll(rt, names)); err != nil {
							return err
						}
						reportPoints(rt, "count", i+1, num)
						if i < num-1 {
							if err := rt.Sleep(delay); err != nil {
								return err
							}
						}
					}
					return nil
				})
			}, nil
		},
	}
}

func scanPlan(devices Devices) plan.Definition {
	return plan.Definition{
		Name:        "scan",
		Description: "Step a motor through num evenly spaced points, reading detectors at each.",
		Schema: plan.Schema{
			{Name: "detectors", Type: plan.TypeArray, Required: true, Items: &plan.Param{Type: plan.TypeString}},
			{Name: "motor", Type: plan.TypeString, Required: true},
			{Name: "start", Type: plan.TypeNumber, Required: true},
			{Name: "stop", Type: plan.TypeNumber, Required: true},
			{Name: "num", Type: plan.TypeInteger, Required: true, Minimum: ptr(2)},
		},
		Build: func(args plan.Args) (plan.Procedure, error) {
			names := args.Strings("detectors")
			if err := checkReadable(devices, names); err != nil {
				return nil, err
			}
			motor := args.String("motor")
			if _, err := movable(devices, motor); err != nil {
				return nil, err
			}
			start, stop, num := args.Float("start"), args.Float("stop"), args.Int("num")

			return func(rt plan.Runtime) error {
				m, err := runtimeMovable(rt, motor)
				if err != nil {
					return err
				}
				run := newRunDocs(rt, "scan", map[string]any{
					"detectors":  names,
					"motors":     []string{motor},
					"num_points": num,
				})
				return run.do(func() error {
					for i := range num {
						if err := rt.Checkpoint(); err != nil {
							return err
						}
						m.SetPosition(start + (stop-start)*float64(i)/float64(num-1))
						data := readAll(rt, names)
						data[motor] = m.Position()
						if err := run.event(data); err != nil {
							return err
						}
						reportPoints(rt, "scan", i+1, num)
					}
					return nil
				})
			}, nil
		},
	}
}

func attachMetadataPlan(metadata map[string]any) plan.Definition {
	return plan.Definition{
		Name:        AttachMetadata,
		Description: "Run another plan, adding instrument metadata to its start documents.",
		Schema: plan.Schema{
			{Name: "plan", Type: plan.TypePlan, Required: true},
		},
		Build: func(args plan.Args) (plan.Procedure, error) {
			inner := args.Plan("plan")
			if inner == nil {
				return nil, goerr.New("plan argument is required")
			}
			return func(rt plan.Runtime) error {
				return inner.Run(plan.InterceptEmit(rt, func(name string, doc map[string]any) map[string]any {
					if name != "start" {
						return doc
					}
					out := maps.Clone(doc)
					for k, v := range metadata {
						if _, exists := out[k]; !exists {
							out[k] = v
						}
					}
					return out
				}))
			}, nil
		},
	}
}

func movable(devices Devices, name string) (plan.Movable, error) {
	dev, ok := devices.Device(name)
	if !ok {
		return nil, goerr.New("unknown device", goerr.V("device", name))
	}
	m, ok := dev.(plan.Movable)
	if !ok {
		return nil, goerr.New("device is not movable", goerr.V("device", name))
	}
	return m, nil
}

func runtimeMovable(rt plan.Runtime, name string) (plan.Movable, error) {
	dev, ok := rt.Device(name)
	if !ok {
		return nil, goerr.New("device disappeared", goerr.V("device", name))
	}
	m, ok := dev.(plan.Movable)
	if !ok {
		return nil, goerr.New("device is not movable", goerr.V("device", name))
	}
	return m, nil
}

func checkReadable(devices Devices, names []string) error {
	if len(names) == 0 {
		return goerr.New("at least one detector is required")
	}
	for _, name := range names {
		dev, ok := devices.Device(name)
		if !ok {
			return goerr.New("unknown device", goerr.V("device", name))
		}
		if _, ok := dev.(plan.Readable); !ok {
			return goerr.New("device is not readable", goerr.V("device", name))
		}
	}
	return nil
}

func readAll(rt plan.Runtime, names []string) map[string]any {
	data := make(map[string]any, len(names))
	for _, name := range names {
		dev, ok := rt.Device(name)
		if !ok {
			continue
		}
		if r, ok := dev.(plan.Readable); ok {
			maps.Copy(data, r.Read())
		}
	}
	return data
}

func reportPoints(rt plan.Runtime, name string, done, total int) {
	rt.Report(progress.Signal{
		Name:      name,
		Current:   ptr(float64(done)),
		Initial:   ptr(0),
		Target:    ptr(float64(total)),
		Unit:      "points",
		Precision: digits(0),
		Done:      done == total,
	})
}

// runDocs emits the start, event, and stop documents of one run.
type runDocs struct {
	rt    plan.Runtime
	uid   string
	seq   int
	start map[string]any
}

func newRunDocs(rt plan.Runtime, planName string, md map[string]any) *runDocs {
	start := map[string]any{
		"uid":       uuid.NewString(),
		"plan_name": planName,
		"time":      float64(time.Now().UnixNano()) / 1e9,
	}
	maps.Copy(start, md)
	return &runDocs{rt: rt, uid: start["uid"].(string), start: start}
}

// do emits the start document, runs body, and emits a stop document whose
// exit_status reflects how body ended.
func (r *runDocs) do(body func() error) error {
	if err := r.rt.Emit("start", r.start); err != nil {
		return err
	}
	err := body()

	// A stopped run ends early but cleanly.
	status := "success"
	switch {
	case errors.Is(err, engine.ErrAborted):
		status = "abort"
	case err != nil && !errors.Is(err, engine.ErrStopped):
		status = "fail"
	}
	stop := map[string]any{
		"run_start":   r.uid,
		"exit_status": status,
		"num_events":  r.seq,
		"time":        float64(time.Now().UnixNano()) / 1e9,
	}
	if err != nil {
		stop["reason"] = err.Error()
	}
	if emitErr := r.rt.Emit("stop", stop); emitErr != nil && err == nil {
		return emitErr
	}
	return err
}

func (r *runDocs) event(data map[string]any) error {
	r.seq++
	return r.rt.Emit("event", map[string]any{
		"descriptor": r.uid,
		"seq_num":    r.seq,
		"data":       data,
		"time":       float64(time.Now().UnixNano()) / 1e9,
	})
}
