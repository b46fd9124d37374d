// Package watchd is the daemon core of flowatch. It owns the shared store,
// the flow state machine, the history reconciler, the approval allowlist,
// and the action dispatcher, and exposes them to probes through a message
// router. Probes are untrusted observers: they push normalized page
// snapshots and ask simple questions; every decision lives here.
package watchd

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowatch/flowatch/internal/core/approval"
	"github.com/flowatch/flowatch/internal/core/dispatch"
	"github.com/flowatch/flowatch/internal/core/eventbus"
	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/core/kv"
	"github.com/flowatch/flowatch/internal/core/notify"
	"github.com/flowatch/flowatch/internal/core/settings"
	"github.com/flowatch/flowatch/internal/data/stores"
)

// sweepInterval paces the background expiry sweeps. Expiry is enforced
// lazily on read regardless, so this only bounds garbage, not correctness.
const sweepInterval = 5 * time.Minute

// Service wires the daemon's long-lived components together and carries the
// live settings snapshot that hot reloads swap in.
type Service struct {
	mu  sync.RWMutex
	cfg settings.Settings

	cfgPath string

	store     *stores.SharedStore
	kvStore   *stores.KVStore
	notes     notify.Store
	machine   *flow.Machine
	recon     *history.Reconciler
	approvals *approval.List
	actions   *dispatch.Dispatcher
	bus       *eventbus.EventBus
	log       zerolog.Logger
}

// New assembles a Service. cfgPath may be empty, in which case hot reload is
// disabled and the given settings are final.
func New(
	cfg settings.Settings,
	cfgPath string,
	shared *stores.SharedStore,
	kvStore *stores.KVStore,
	notes notify.Store,
	bus *eventbus.EventBus,
	log zerolog.Logger,
) *Service {
	s := &Service{
		cfg:     cfg,
		cfgPath: cfgPath,
		store:   shared,
		kvStore: kvStore,
		notes:   notes,
		bus:     bus,
		log:     log.With().Str("component", "watchd").Logger(),
	}

	s.machine = flow.NewMachine(shared, log)
	s.recon = history.NewReconciler(shared, log)
	s.approvals = approval.NewList(shared, log)
	s.actions = dispatch.New(s.Settings, s.approvals, s, s.recon, bus, log)

	eventbus.NewNotificationRouter(bus).Register()
	bus.SubscribeNotificationPublished(s.persistNotification)

	return s
}

// Settings returns the current settings snapshot.
func (s *Service) Settings() settings.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Machine exposes the flow state machine for read paths (CLI, TUI).
func (s *Service) Machine() *flow.Machine { return s.machine }

// Reconciler exposes the history reconciler for read paths.
func (s *Service) Reconciler() *history.Reconciler { return s.recon }

// Approvals exposes the approved-URL allowlist.
func (s *Service) Approvals() *approval.List { return s.approvals }

// Dispatcher exposes the action dispatcher, for probes that register a
// daemon-side clicker.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.actions }

// Bus exposes the event bus for additional subscribers (event stream API).
func (s *Service) Bus() *eventbus.EventBus { return s.bus }

// Notifications exposes the notification log store.
func (s *Service) Notifications() notify.Store { return s.notes }

// Changes subscribes to shared-store change notifications under a key
// prefix. The returned cancel must be called when done.
func (s *Service) Changes(prefix string) (<-chan kv.Change, func()) {
	return s.kvStore.Subscribe(prefix)
}

func (s *Service) setSettings(cfg settings.Settings) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.bus.PublishSettingsReloaded(eventbus.SettingsReloadedPayload{Settings: cfg})
}

// ApplyStep advances a task's flow and publishes the transition. This is the
// single write path to flow state; the dispatcher and the message router
// both go through it so events stay consistent with storage.
func (s *Service) ApplyStep(ctx context.Context, taskID string, step flow.Step, opt flow.Apply) (flow.Record, error) {
	var from flow.Step = flow.StepIdle
	if prev, err := s.store.Record(ctx, taskID); err == nil {
		from = prev.Flow
	}

	rec, err := s.machine.ApplyStep(ctx, taskID, step, opt)
	if err != nil {
		return rec, err
	}

	if rec.Flow != from {
		s.bus.PublishFlowAdvanced(eventbus.FlowAdvancedPayload{
			TaskID: taskID,
			From:   from,
			To:     rec.Flow,
			Record: rec,
		})
	}
	return rec, nil
}

// ObserveHistory feeds a task observation through the reconciler and
// publishes a history.updated event when the log actually changed.
func (s *Service) ObserveHistory(ctx context.Context, obs history.Observation) {
	entry, changed, err := s.recon.Update(ctx, obs)
	if err != nil {
		s.log.Warn().Err(err).Str("task", obs.ID).Msg("history update failed")
		return
	}
	if changed {
		s.bus.PublishHistoryUpdated(eventbus.HistoryUpdatedPayload{Entry: entry})
	}
}

// TaskReady handles the transition of a task from working to ready. The
// notification fires once per task; repeats are absorbed through the seen
// set so a re-scanned dashboard does not re-announce.
func (s *Service) TaskReady(ctx context.Context, taskID, title, url string) {
	s.ObserveHistory(ctx, history.Observation{
		ID:     taskID,
		Name:   title,
		URL:    url,
		Status: history.StatusReady,
	})

	seen, err := s.store.Seen(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("seen set read failed")
	}
	if seen[taskID] {
		return
	}
	if err := s.store.MarkSeen(ctx, taskID); err != nil {
		s.log.Warn().Err(err).Str("task", taskID).Msg("seen set write failed")
	}

	s.bus.PublishTaskReady(eventbus.TaskReadyPayload{
		TaskID: taskID,
		Title:  title,
		URL:    url,
	})
}

// Run starts the background loops and blocks until ctx is cancelled: the
// event bus, the config hot-reload watcher, and the periodic expiry sweep.
func (s *Service) Run(ctx context.Context) error {
	s.bus.Start(ctx)
	defer s.bus.Stop()

	var wg sync.WaitGroup

	if s.cfgPath != "" {
		if w := settings.NewWatcher(s.cfgPath, s.Settings().DataDir, s.setSettings, s.log); w != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweep(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

// sweep periodically prunes expired KV entries and expired approvals.
func (s *Service) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a busy database just defers the sweep to the next tick
			if err := s.kvStore.SweepExpired(ctx); err != nil && !stores.IsBusyError(err) {
				s.log.Debug().Err(err).Msg("kv sweep failed")
			}
			if err := s.approvals.Sweep(ctx); err != nil {
				s.log.Debug().Err(err).Msg("approval sweep failed")
			}
		}
	}
}

func (s *Service) persistNotification(p eventbus.NotificationPublishedPayload) {
	n := notify.Notification{
		Level:     p.Level,
		Message:   p.Message,
		TaskID:    p.TaskID,
		Sound:     p.Sound,
		CreatedAt: time.Now(),
	}
	if _, err := s.notes.Save(context.Background(), n); err != nil {
		s.log.Debug().Err(err).Msg("notification persist failed")
	}
}
