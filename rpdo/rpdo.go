// Package rpdo owns the streamer task that pulls samples from a lazy
// sample source and transmits an RPDO at a fixed frequency (spec.md §4.6,
// C6). The pull/pace/quit shape is modeled on stepper.Driver.Run, which
// pulls bspline.Knot values from a channel and paces writes to a device
// callback until a quit channel fires or the source is exhausted.
package rpdo

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cia402.dev/motor/canopen"
	"cia402.dev/motor/object"
)

// Sample is one tuple from the sample source: raw[i] is pre-encoded
// (see package codec) for the i-th bound slot (spec.md §3: "the k-th
// tuple's i-th value is written to the i-th bound slot").
type Sample [][]byte

// Source is a restartable lazy sequence of samples (spec.md §3). Each
// call to Source must start a fresh traversal, mirroring engrave.Plan's
// and the standard library's range-over-func iterator convention: the
// yield function returns false to request early stop.
type Source func(yield func(Sample) bool)

// Config is one RPDO binding (spec.md §3 "RPDO binding").
type Config struct {
	PDONumber        int
	Entries          []string
	Source           Source
	FrequencyHz      float64
	TransmissionType uint8
	RTRAllowed       bool
	Enabled          bool
}

// NewConfig validates cfg. RPDO bindings carry no event timer, so unlike
// tpdo.NewConfig there is no trans-type/event-timer constraint to check
// (spec.md §3); this constructor exists for symmetry and to catch an
// invalid frequency early.
func NewConfig(cfg Config) (Config, error) {
	if cfg.FrequencyHz <= 0 {
		return Config{}, fmt.Errorf("rpdo: frequency must be positive, got %v", cfg.FrequencyHz)
	}
	return cfg, nil
}

var log = logrus.WithField("component", "rpdo")

// Streamer owns the configured RPDO handle, the resolved slots, the
// sample source and the worker goroutine's lifecycle.
type Streamer struct {
	handle  canopen.RPDOHandle
	slots   []object.Slot
	source  Source
	period  time.Duration
	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	number  int
}

// Bind configures handle per cfg, analogous to tpdo.Bind but with no
// mirror (spec.md §4.6).
func Bind(handle canopen.RPDOHandle, resolve func(name string) (object.Slot, error), cfg Config) (*Streamer, error) {
	handle.Clear()

	var slots []object.Slot
	for _, name := range cfg.Entries {
		slot, err := resolve(name)
		if err != nil {
			return nil, fmt.Errorf("rpdo: resolve %q: %w", name, err)
		}
		if err := handle.AddVariable(slot.Index, slot.Subindex); err != nil {
			return nil, fmt.Errorf("rpdo: add variable %q: %w", name, err)
		}
		slots = append(slots, slot)
	}

	if err := handle.Configure(canopen.RPDOConfig{
		Entries:          slots,
		TransmissionType: cfg.TransmissionType,
		RTRAllowed:       cfg.RTRAllowed,
		Enabled:          cfg.Enabled,
	}); err != nil {
		return nil, fmt.Errorf("rpdo: configure: %w", err)
	}
	if err := handle.Save(); err != nil {
		return nil, fmt.Errorf("rpdo: save: %w", err)
	}

	return &Streamer{
		handle: handle,
		slots:  slots,
		source: cfg.Source,
		period: time.Duration(float64(time.Second) / cfg.FrequencyHz),
		number: cfg.PDONumber,
	}, nil
}

// Start spawns the worker goroutine (spec.md §4.6 "start").
func (s *Streamer) Start() {
	if s.source == nil {
		return
	}
	s.running.Store(true)
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run()
}

// run is the worker body (spec.md §4.6 "run"): pull samples one at a
// time; write each element into its bound slot; transmit; sleep for
// 1/frequency; stop on source exhaustion or running=false.
func (s *Streamer) run() {
	defer s.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.source(func(sample Sample) bool {
		if !s.running.Load() {
			return false
		}
		for i, slot := range s.slots {
			if i >= len(sample) {
				break
			}
			if err := s.handle.SetEntry(slot.Index, slot.Subindex, sample[i]); err != nil {
				log.WithError(err).WithField("pdo", s.number).Warn("rpdo: set entry failed")
				return false
			}
		}
		if err := s.handle.Transmit(); err != nil {
			log.WithError(err).WithField("pdo", s.number).Warn("rpdo: transmit failed")
			return false
		}
		<-ticker.C
		return s.running.Load()
	})
}

// Stop sets running=false and joins the worker (spec.md §4.6 "stop").
// Cooperative: worst-case latency is one sample period plus one
// transmission (spec.md §5), since the worker only observes the flag
// between iterations.
func (s *Streamer) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.wg.Wait()
}

// Clear disables the RPDO and persists the disabled parameters, called
// by Motor.Shutdown after Stop (spec.md §4.8).
func (s *Streamer) Clear() error {
	s.handle.Clear()
	if err := s.handle.Configure(canopen.RPDOConfig{Enabled: false}); err != nil {
		return fmt.Errorf("rpdo: clear configure: %w", err)
	}
	return s.handle.Save()
}
