// Package dispatch schedules and performs automated UI actions on behalf of
// the user: delayed, cancellable clicks gated by settings, flow order, and
// the approved-URL allowlist. This is a best-effort automation layer; when a
// gate closes or a click cannot land, the dispatcher backs off silently and
// the user acts manually.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowatch/flowatch/internal/core/approval"
	"github.com/flowatch/flowatch/internal/core/eventbus"
	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/core/settings"
)

// Click failure modes. ErrElementUnavailable means the target is not (yet)
// in the page; retries may help. ErrActionFailed means the click was
// attempted and rejected; retries will not help.
var (
	ErrElementUnavailable = errors.New("element unavailable")
	ErrActionFailed       = errors.New("action failed")
)

// Click retry policy: bounded polling for an element that has not rendered
// yet, then silent give-up.
const (
	clickMaxAttempts = 5
	clickRetryDelay  = 500 * time.Millisecond
	closeTabExtra    = 5 * time.Second
)

// Clicker is the capability to act on a probe's page. Implementations send
// directives to the owning probe context; clicks degrade to synthetic events
// on the probe side when direct invocation fails.
type Clicker interface {
	Click(ctx context.Context, ref string) error
	CloseTab(ctx context.Context) error
}

// Advancer is the flow state machine surface the dispatcher reports back to.
type Advancer interface {
	ApplyStep(ctx context.Context, taskID string, step flow.Step, opt flow.Apply) (flow.Record, error)
}

// Context describes the observed situation an action would fire in.
type Context struct {
	TaskID    string
	Title     string
	URL       string
	ButtonRef string
	Current   flow.Step // task's current flow step, from the shared record
	Clicker   Clicker
}

// Result reports what MaybeAct decided.
type Result struct {
	Performed bool  `json:"performed"`
	DelayMs   int64 `json:"delay_ms"`
}

// Dispatcher gates and schedules automated clicks.
type Dispatcher struct {
	settings  func() settings.Settings
	approvals *approval.List
	advancer  Advancer
	recon     *history.Reconciler
	bus       *eventbus.EventBus
	log       zerolog.Logger

	mu         sync.Mutex
	dispatched map[string]bool // element refs already acted on
}

// New creates a Dispatcher. The settings func is called per decision so hot
// reloads take effect without rewiring.
func New(
	settingsFn func() settings.Settings,
	approvals *approval.List,
	advancer Advancer,
	recon *history.Reconciler,
	bus *eventbus.EventBus,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		settings:   settingsFn,
		approvals:  approvals,
		advancer:   advancer,
		recon:      recon,
		bus:        bus,
		log:        log.With().Str("component", "dispatch").Logger(),
		dispatched: map[string]bool{},
	}
}

// MaybeAct decides whether to auto-advance the given step and, if all gates
// pass, schedules the click after the configured delay. The delay timer is
// bound to ctx: when the probe context tears down (page closed, navigation)
// the pending action is simply lost, which is fine because the click needs
// that page's DOM anyway.
//
// Gates, in order: the step's feature flag, the strict-order predecessor
// check, and for cross-origin merge/confirm actions an unexpired approval
// for the target URL.
func (d *Dispatcher) MaybeAct(ctx context.Context, step flow.Step, oc Context) (Result, error) {
	cfg := d.settings()
	stepCfg := cfg.ForStep(step)

	delay, reason, err := d.allow(ctx, step, oc, cfg)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		d.skip(oc.TaskID, step, reason)
		return Result{}, nil
	}

	if oc.ButtonRef == "" || oc.Clicker == nil {
		d.skip(oc.TaskID, step, "no target")
		return Result{}, nil
	}

	if !d.mark(oc.ButtonRef) {
		// already dispatched for this element; repeated scans must not
		// double-click
		return Result{}, nil
	}

	d.announce(step, oc, delay, stepCfg.Sound)

	go d.perform(ctx, step, oc, delay, stepCfg.CloseTab)

	return Result{Performed: true, DelayMs: delay.Milliseconds()}, nil
}

// Decide runs the gates for a step without scheduling anything daemon-side.
// Used when the probe context itself performs the click: the response tells
// it whether to act and after what delay.
func (d *Dispatcher) Decide(ctx context.Context, step flow.Step, oc Context) (Result, error) {
	cfg := d.settings()
	stepCfg := cfg.ForStep(step)

	delay, reason, err := d.allow(ctx, step, oc, cfg)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		d.skip(oc.TaskID, step, reason)
		return Result{}, nil
	}

	d.announce(step, oc, delay, stepCfg.Sound)
	return Result{Performed: true, DelayMs: delay.Milliseconds()}, nil
}

// allow evaluates the gates. An empty reason means the action may proceed
// after the returned delay.
func (d *Dispatcher) allow(ctx context.Context, step flow.Step, oc Context, cfg settings.Settings) (time.Duration, string, error) {
	stepCfg := cfg.ForStep(step)

	if !stepCfg.Enabled {
		return 0, "disabled", nil
	}

	if !flow.CanAdvance(oc.Current, step, cfg.StrictOrder) {
		return 0, "out of order", nil
	}

	if step == flow.StepMerged || step == flow.StepConfirmed {
		ok, err := d.approvals.Check(ctx, oc.URL)
		if err != nil {
			return 0, "", err
		}
		if !ok {
			return 0, "url not approved", nil
		}
	}

	return clampDelay(stepCfg.DelaySeconds), "", nil
}

func (d *Dispatcher) announce(step flow.Step, oc Context, delay time.Duration, sound bool) {
	d.bus.PublishActionScheduled(eventbus.ActionScheduledPayload{
		TaskID: oc.TaskID,
		Step:   step,
		URL:    oc.URL,
		Delay:  delay,
		Sound:  sound,
	})
	d.log.Info().
		Str("task", oc.TaskID).
		Str("step", step.String()).
		Dur("delay", delay).
		Msg("action scheduled")
}

// perform waits out the delay, clicks exactly once (with bounded retries for
// an element that has not rendered), and reports the advance back into the
// flow machine and history log.
func (d *Dispatcher) perform(ctx context.Context, step flow.Step, oc Context, delay time.Duration, closeTab bool) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := d.click(ctx, oc.Clicker, oc.ButtonRef); err != nil {
		// best-effort: give up silently, the user can act manually
		d.log.Warn().Err(err).Str("task", oc.TaskID).Str("step", step.String()).Msg("click failed")
		d.unmark(oc.ButtonRef)
		return
	}

	d.bus.PublishActionPerformed(eventbus.ActionPerformedPayload{
		TaskID: oc.TaskID,
		Step:   step,
		URL:    oc.URL,
	})

	if _, err := d.advancer.ApplyStep(ctx, oc.TaskID, step, flow.Apply{Title: oc.Title, URL: oc.URL}); err != nil {
		d.log.Warn().Err(err).Str("task", oc.TaskID).Msg("apply step after click failed")
	}
	if _, _, err := d.recon.Update(ctx, history.Observation{
		ID:     oc.TaskID,
		Name:   oc.Title,
		URL:    oc.URL,
		Status: statusFor(step),
	}); err != nil {
		d.log.Warn().Err(err).Str("task", oc.TaskID).Msg("history update after click failed")
	}

	if closeTab {
		select {
		case <-ctx.Done():
			return
		case <-time.After(closeTabExtra):
		}
		if err := oc.Clicker.CloseTab(ctx); err != nil {
			d.log.Debug().Err(err).Str("task", oc.TaskID).Msg("close tab failed")
		}
	}
}

// click retries unavailable elements a bounded number of times. A hard
// action failure aborts immediately.
func (d *Dispatcher) click(ctx context.Context, clicker Clicker, ref string) error {
	var err error
	for attempt := 0; attempt < clickMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(clickRetryDelay):
			}
		}
		err = clicker.Click(ctx, ref)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrElementUnavailable) {
			return err
		}
	}
	return err
}

func (d *Dispatcher) skip(taskID string, step flow.Step, reason string) {
	d.bus.PublishActionSkipped(eventbus.ActionSkippedPayload{
		TaskID: taskID,
		Step:   step,
		Reason: reason,
	})
	d.log.Debug().Str("task", taskID).Str("step", step.String()).Str("reason", reason).Msg("action skipped")
}

// mark claims an element ref for dispatch. Returns false when already claimed.
func (d *Dispatcher) mark(ref string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatched[ref] {
		return false
	}
	d.dispatched[ref] = true
	return true
}

// unmark releases a claim after a failed click so a later scan may retry.
func (d *Dispatcher) unmark(ref string) {
	d.mu.Lock()
	delete(d.dispatched, ref)
	d.mu.Unlock()
}

func clampDelay(seconds int) time.Duration {
	if seconds < settings.MinDelaySeconds {
		seconds = settings.MinDelaySeconds
	}
	if seconds > settings.MaxDelaySeconds {
		seconds = settings.MaxDelaySeconds
	}
	return time.Duration(seconds) * time.Second
}

// statusFor maps a dispatched step to the history status it implies.
func statusFor(step flow.Step) string {
	switch step {
	case flow.StepCreated, flow.StepViewed:
		return history.StatusPRCreated
	case flow.StepMerged, flow.StepConfirmed:
		return history.StatusMerged
	default:
		return ""
	}
}
