package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flowpay/internal/common/events"
	"flowpay/internal/common/money"
	"flowpay/internal/resolution"
)

// State is a handoff round-trip state. The idle and ready phases before
// a destination opens are modeled as session absence: Initiate either
// creates a session already handed off or leaves nothing behind.
type State string

const (
	StateHandedOff  State = "handed_off"
	StateReturned   State = "returned"
	StateConfirming State = "confirming"
	StateConfirmed  State = "confirmed"
	StateCancelled  State = "cancelled"
)

// Config holds the coordinator timing knobs.
type Config struct {
	// Timeout forces handed_off into confirming when no return is seen.
	Timeout time.Duration `envconfig:"HANDOFF_TIMEOUT" default:"5m"`
	// ReturnDelay paces the returned -> confirming transition.
	ReturnDelay time.Duration `envconfig:"HANDOFF_RETURN_DELAY" default:"400ms"`
}

// Outcome reports whether a handoff was attempted and how.
type Outcome struct {
	Attempted bool   `json:"attempted"`
	Method    Method `json:"method"`
	URL       string `json:"url,omitempty"`
}

// VisibilityEvent signals a foreground change for one user's session.
type VisibilityEvent struct {
	UserID     string
	Foreground bool
}

// Visibility is the injected foreground/background event source. The
// state machine itself never talks to a UI runtime.
type Visibility interface {
	Events() <-chan VisibilityEvent
}

// ChannelVisibility is a Visibility fed programmatically; the HTTP layer
// pushes a foreground event when the user reports returning.
type ChannelVisibility struct {
	ch chan VisibilityEvent
}

// NewChannelVisibility creates a buffered visibility source.
func NewChannelVisibility() *ChannelVisibility {
	return &ChannelVisibility{ch: make(chan VisibilityEvent, 16)}
}

func (v *ChannelVisibility) Events() <-chan VisibilityEvent { return v.ch }

// Notify pushes an event, dropping it if nobody is consuming.
func (v *ChannelVisibility) Notify(e VisibilityEvent) {
	select {
	case v.ch <- e:
	default:
	}
}

// Context is one round trip to an external app.
type Context struct {
	UserID    string              `json:"user_id"`
	IntentID  string              `json:"intent_id"`
	PlanID    string              `json:"plan_id"`
	Rail      resolution.RailType `json:"rail"`
	Amount    money.Money         `json:"amount"`
	Merchant  string              `json:"merchant,omitempty"`
	Reference string              `json:"reference,omitempty"`
	State     State               `json:"state"`
	Method    Method              `json:"method"`
	URL       string              `json:"url,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type session struct {
	ctx     Context
	timeout *time.Timer
	delay   *time.Timer
}

func (s *session) stopTimers() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	if s.delay != nil {
		s.delay.Stop()
		s.delay = nil
	}
}

var (
	// ErrNoHandoff is returned when a user has no handoff in flight.
	ErrNoHandoff = errors.New("no handoff in progress")
	// ErrBadState is returned for a transition the state machine forbids.
	ErrBadState = errors.New("invalid handoff state transition")
)

// Coordinator runs the handoff state machine, one session per user.
// The external app's result is never inspected: the round trip ends with
// a user-attested confirm or cancel.
type Coordinator struct {
	mu         sync.Mutex
	registry   *Registry
	cfg        Config
	visibility Visibility
	publisher  events.Publisher
	logger     *slog.Logger
	sessions   map[string]*session
	now        func() time.Time
}

// NewCoordinator creates a handoff coordinator.
func NewCoordinator(registry *Registry, cfg Config, visibility Visibility, publisher events.Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry:   registry,
		cfg:        cfg,
		visibility: visibility,
		publisher:  publisher,
		logger:     logger,
		sessions:   make(map[string]*session),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the coordinator clock. Intended for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Run consumes visibility events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.visibility.Events():
			c.handleVisibility(e)
		}
	}
}

// Initiate starts a handoff for a plan's rail. A rail with no registered
// destination is reported as unattempted and leaves no session behind.
// Any prior pending handoff for the user is discarded.
func (c *Coordinator) Initiate(ctx context.Context, plan *resolution.Plan, merchant, reference string) Outcome {
	c.mu.Lock()

	if prev, ok := c.sessions[plan.UserID]; ok {
		prev.stopTimers()
		delete(c.sessions, plan.UserID)
	}

	url, method := c.registry.Destination(plan.Rail, plan.Amount, merchant, reference)
	if method == MethodNone {
		c.mu.Unlock()
		c.logger.Info("handoff unsupported for rail", "rail", plan.Rail, "plan_id", plan.ID)
		return Outcome{Attempted: false, Method: MethodNone}
	}

	now := c.now()
	s := &session{ctx: Context{
		UserID:    plan.UserID,
		IntentID:  plan.IntentID,
		PlanID:    plan.ID,
		Rail:      plan.Rail,
		Amount:    plan.Amount,
		Merchant:  merchant,
		Reference: reference,
		State:     StateHandedOff,
		Method:    method,
		URL:       url,
		StartedAt: now,
		UpdatedAt: now,
	}}

	userID, planID := plan.UserID, plan.ID
	s.timeout = time.AfterFunc(c.cfg.Timeout, func() {
		c.timeoutExpired(userID, planID)
	})
	c.sessions[userID] = s
	snapshot := s.ctx
	c.mu.Unlock()

	c.publishEvent(ctx, events.EventHandoffInitiated, snapshot, "")

	c.logger.Info("handoff initiated",
		"plan_id", plan.ID,
		"rail", plan.Rail,
		"method", method,
	)
	return Outcome{Attempted: true, Method: method, URL: url}
}

// Return records the user coming back to the app. It is the HTTP form of
// a foreground visibility event.
func (c *Coordinator) Return(userID string) error {
	c.handleVisibility(VisibilityEvent{UserID: userID, Foreground: true})
	return nil
}

func (c *Coordinator) handleVisibility(e VisibilityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[e.UserID]
	if !ok || !e.Foreground || s.ctx.State != StateHandedOff {
		return
	}

	s.ctx.State = StateReturned
	s.ctx.UpdatedAt = c.now()
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}

	planID := s.ctx.PlanID
	s.delay = time.AfterFunc(c.cfg.ReturnDelay, func() {
		c.delayElapsed(e.UserID, planID)
	})
}

// timeoutExpired treats a silent handed_off session as probably finished
// and asks the user to confirm.
func (c *Coordinator) timeoutExpired(userID, planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[userID]
	if !ok || s.ctx.PlanID != planID || s.ctx.State != StateHandedOff {
		return
	}
	s.ctx.State = StateConfirming
	s.ctx.UpdatedAt = c.now()
	s.timeout = nil
	c.logger.Info("handoff timed out into confirming", "plan_id", planID)
}

func (c *Coordinator) delayElapsed(userID, planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[userID]
	if !ok || s.ctx.PlanID != planID || s.ctx.State != StateReturned {
		return
	}
	s.ctx.State = StateConfirming
	s.ctx.UpdatedAt = c.now()
	s.delay = nil
}

// Confirm closes the user's round trip as attested success.
func (c *Coordinator) Confirm(ctx context.Context, userID string) (Context, error) {
	return c.close(ctx, userID, StateConfirmed)
}

// Cancel closes the user's round trip as cancelled.
func (c *Coordinator) Cancel(ctx context.Context, userID string) (Context, error) {
	return c.close(ctx, userID, StateCancelled)
}

func (c *Coordinator) close(ctx context.Context, userID string, terminal State) (Context, error) {
	c.mu.Lock()

	s, ok := c.sessions[userID]
	if !ok {
		c.mu.Unlock()
		return Context{}, ErrNoHandoff
	}
	switch s.ctx.State {
	case StateConfirmed, StateCancelled:
		c.mu.Unlock()
		return Context{}, fmt.Errorf("%w: handoff already %s", ErrBadState, s.ctx.State)
	}
	if terminal == StateConfirmed {
		switch s.ctx.State {
		case StateReturned, StateConfirming:
		default:
			c.mu.Unlock()
			return Context{}, fmt.Errorf("%w: cannot confirm from %s", ErrBadState, s.ctx.State)
		}
	}

	s.stopTimers()
	s.ctx.State = terminal
	s.ctx.UpdatedAt = c.now()
	snapshot := s.ctx
	c.mu.Unlock()

	c.publishEvent(ctx, events.EventHandoffClosed, snapshot, string(terminal))

	c.logger.Info("handoff closed",
		"plan_id", snapshot.PlanID,
		"outcome", terminal,
	)
	return snapshot, nil
}

// Get returns a snapshot of the user's handoff context.
func (c *Coordinator) Get(userID string) (Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	if !ok {
		return Context{}, false
	}
	return s.ctx, true
}

// ElapsedTime reports how long the round trip has been running.
func (c *Coordinator) ElapsedTime(userID string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	if !ok {
		return 0, false
	}
	return c.now().Sub(s.ctx.StartedAt), true
}

func (c *Coordinator) publishEvent(ctx context.Context, eventType string, hc Context, outcome string) {
	if c.publisher == nil {
		return
	}
	data := events.HandoffEventData{
		IntentID: hc.IntentID,
		PlanID:   hc.PlanID,
		Rail:     string(hc.Rail),
		Amount:   hc.Amount,
		Method:   string(hc.Method),
		Outcome:  outcome,
	}
	env, err := events.New(eventType, hc.UserID, hc.PlanID, data)
	if err != nil {
		c.logger.Warn("building handoff event failed", "error", err)
		return
	}
	if err := c.publisher.Publish(ctx, env); err != nil {
		c.logger.Warn("publishing handoff event failed", "error", err, "plan_id", hc.PlanID)
	}
}
