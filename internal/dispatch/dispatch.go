// Package dispatch owns the visibility state machine and the current
// indicator configuration. Commands arrive one at a time; collaborator
// side effects (renderer, detector, store) happen behind narrow
// interfaces so the engine never blocks on UI concerns.
package dispatch

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlight/indicatord/internal/indicator"
	"github.com/voxlight/indicatord/internal/protocol"
)

const DefaultQueueCap = 100

// ErrQueueOverflow is fatal: the warm-up queue filled before collaborators
// were wired, so command order can no longer be guaranteed.
var ErrQueueOverflow = errors.New("pending command queue overflow")

// Rect is an opaque caret rectangle from the detector. The engine never
// interprets it.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Renderer draws the overlay. Calls are fire-and-forget apart from the
// returned error.
type Renderer interface {
	Show(cfg indicator.Config) error
	Hide() error
	UpdateConfig(cfg indicator.Config) error
	UpdatePosition(rect *Rect, cfg indicator.Config) error
}

// Detector produces caret positions. A nil rect means no caret is
// available; the renderer applies the configured fallback.
type Detector interface {
	StartDetection() error
	StopDetection()
	Positions() <-chan *Rect
}

// Store persists the merged configuration across runs.
type Store interface {
	Load() (indicator.Config, error)
	Save(cfg indicator.Config) error
}

type Dispatcher struct {
	emit     func(protocol.Response)
	queueCap int
	pid      int

	mu       sync.Mutex
	visible  bool
	current  indicator.Config
	renderer Renderer
	detector Detector
	store    Store
	wired    bool
	pending  []pendingCommand

	monitorStop chan struct{}
	forwardStop chan struct{}
	closed      bool
}

type pendingCommand struct {
	cmd protocol.Command
	now time.Time
}

// New creates a dispatcher in the Hidden state with the default
// configuration. emit delivers asynchronous responses (drained queue
// replies and health pings) to the response channel.
func New(emit func(protocol.Response), queueCap int) *Dispatcher {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Dispatcher{
		emit:     emit,
		queueCap: queueCap,
		pid:      os.Getpid(),
		current:  indicator.Default(),
	}
}

// Wire registers the collaborators, adopts the persisted configuration,
// drains the warm-up queue in arrival order, and starts the health
// monitor.
func (d *Dispatcher) Wire(renderer Renderer, detector Detector, store Store) error {
	d.mu.Lock()
	if store != nil {
		persisted, err := store.Load()
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("load persisted config: %w", err)
		}
		d.current = indicator.Merge(d.current, persisted)
	}
	d.renderer = renderer
	d.detector = detector
	d.store = store
	d.wired = true
	queued := d.pending
	d.pending = nil
	d.restartHealthMonitorLocked()
	d.mu.Unlock()

	for _, p := range queued {
		d.emit(d.handle(p.cmd, p.now))
	}
	return nil
}

// Handle processes one command. Health always answers immediately, wired
// or not. Before wiring, other commands are queued (bounded); overflow
// returns ErrQueueOverflow, which the engine treats as fatal. A nil
// response means the command was queued and will be answered at drain
// time.
func (d *Dispatcher) Handle(cmd protocol.Command, now time.Time) (*protocol.Response, error) {
	if cmd.Kind == protocol.KindHealth {
		resp := protocol.Alive(cmd.ID, d.pid, now.UTC().Format(time.RFC3339))
		return &resp, nil
	}

	d.mu.Lock()
	if !d.wired {
		if len(d.pending) >= d.queueCap {
			d.mu.Unlock()
			return nil, ErrQueueOverflow
		}
		d.pending = append(d.pending, pendingCommand{cmd: cmd, now: now})
		d.mu.Unlock()
		return nil, nil
	}
	d.mu.Unlock()

	resp := d.handle(cmd, now)
	return &resp, nil
}

func (d *Dispatcher) handle(cmd protocol.Command, now time.Time) protocol.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch cmd.Kind {
	case protocol.KindShow:
		return d.handleShowLocked(cmd)
	case protocol.KindHide:
		return d.handleHideLocked(cmd)
	case protocol.KindConfig:
		return d.handleConfigLocked(cmd)
	default:
		return protocol.Errorf(cmd.ID, protocol.CodeInvalidCommand, "unknown command")
	}
}

func (d *Dispatcher) handleShowLocked(cmd protocol.Command) protocol.Response {
	if d.visible {
		if cmd.Config == nil {
			return protocol.OK(cmd.ID, "Already visible")
		}
		// Live update, no stop/start cycle.
		merged := indicator.Merge(d.current, *cmd.Config)
		// Cross-field invariants can break only after the merge: each
		// payload is valid alone, the combination may not be.
		if err := merged.Validate(); err != nil {
			return protocol.Errorf(cmd.ID, protocol.CodeInvalidConfig, err.Error())
		}
		if err := d.renderer.UpdateConfig(merged); err != nil {
			return protocol.Errorf(cmd.ID, protocol.CodeInternalError, fmt.Sprintf("renderer update: %v", err))
		}
		d.current = merged
		return protocol.OK(cmd.ID, "Configuration updated")
	}

	next := d.current
	if cmd.Config != nil {
		next = indicator.Merge(d.current, *cmd.Config)
		if err := next.Validate(); err != nil {
			return protocol.Errorf(cmd.ID, protocol.CodeInvalidConfig, err.Error())
		}
	}
	if err := d.detector.StartDetection(); err != nil {
		return protocol.Errorf(cmd.ID, protocol.CodeAccessibilityError, fmt.Sprintf("caret detection unavailable: %v", err))
	}
	if err := d.renderer.Show(next); err != nil {
		d.detector.StopDetection()
		return protocol.Errorf(cmd.ID, protocol.CodeInternalError, fmt.Sprintf("renderer show: %v", err))
	}
	d.current = next
	d.visible = true
	d.startPositionForwardLocked()
	return protocol.OK(cmd.ID, "Indicator shown")
}

func (d *Dispatcher) handleHideLocked(cmd protocol.Command) protocol.Response {
	if !d.visible {
		return protocol.OK(cmd.ID, "Already hidden")
	}
	// Renderer teardown goes first so a failure leaves the machine
	// Visible and the error envelope matches the state.
	if err := d.renderer.Hide(); err != nil {
		return protocol.Errorf(cmd.ID, protocol.CodeInternalError, fmt.Sprintf("renderer hide: %v", err))
	}
	d.stopPositionForwardLocked()
	d.detector.StopDetection()
	d.visible = false
	return protocol.OK(cmd.ID, "Indicator hidden")
}

func (d *Dispatcher) handleConfigLocked(cmd protocol.Command) protocol.Response {
	if cmd.Config == nil {
		return protocol.Errorf(cmd.ID, protocol.CodeInvalidCommand, "config command requires a config payload")
	}
	merged := indicator.Merge(d.current, *cmd.Config)
	if err := merged.Validate(); err != nil {
		return protocol.Errorf(cmd.ID, protocol.CodeInvalidConfig, err.Error())
	}
	if d.store != nil {
		if err := d.store.Save(merged); err != nil {
			// State stays untouched on persistence failure.
			return protocol.Errorf(cmd.ID, protocol.CodeInternalError, fmt.Sprintf("persist config: %v", err))
		}
	}
	intervalChanged := merged.HealthIntervalSeconds() != d.current.HealthIntervalSeconds()
	d.current = merged
	if d.visible {
		if err := d.renderer.UpdateConfig(merged); err != nil {
			return protocol.Errorf(cmd.ID, protocol.CodeInternalError, fmt.Sprintf("renderer update: %v", err))
		}
	}
	if intervalChanged {
		d.restartHealthMonitorLocked()
	}
	return protocol.OK(cmd.ID, "Configuration updated")
}

// Visible reports the current state machine position.
func (d *Dispatcher) Visible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

// Current returns the active configuration.
func (d *Dispatcher) Current() indicator.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// PendingLen reports how many commands wait for collaborators.
func (d *Dispatcher) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops timers and, if visible, hides the overlay. Called on
// orderly engine shutdown.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.stopHealthMonitorLocked()
	d.stopPositionForwardLocked()
	if d.visible {
		d.detector.StopDetection()
		_ = d.renderer.Hide()
		d.visible = false
	}
}

func (d *Dispatcher) restartHealthMonitorLocked() {
	d.stopHealthMonitorLocked()
	interval := time.Duration(d.current.HealthIntervalSeconds() * float64(time.Second))
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	d.monitorStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.emit(protocol.Alive(uuid.NewString(), d.pid, time.Now().UTC().Format(time.RFC3339)))
			}
		}
	}()
}

func (d *Dispatcher) stopHealthMonitorLocked() {
	if d.monitorStop != nil {
		close(d.monitorStop)
		d.monitorStop = nil
	}
}

func (d *Dispatcher) startPositionForwardLocked() {
	if d.detector == nil || d.renderer == nil {
		return
	}
	positions := d.detector.Positions()
	if positions == nil {
		return
	}
	stop := make(chan struct{})
	d.forwardStop = stop
	renderer := d.renderer
	go func() {
		for {
			select {
			case <-stop:
				return
			case rect, ok := <-positions:
				if !ok {
					return
				}
				d.mu.Lock()
				cfg := d.current
				d.mu.Unlock()
				_ = renderer.UpdatePosition(rect, cfg)
			}
		}
	}()
}

func (d *Dispatcher) stopPositionForwardLocked() {
	if d.forwardStop != nil {
		close(d.forwardStop)
		d.forwardStop = nil
	}
}
