package eventbus

import (
	"time"

	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/core/notify"
	"github.com/flowatch/flowatch/internal/core/settings"
)

// FlowAdvancedPayload is emitted when a task's flow reaches a new step.
type FlowAdvancedPayload struct {
	TaskID string
	From   flow.Step
	To     flow.Step
	Record flow.Record
}

// TaskReadyPayload is emitted when a running task's indicator disappears.
type TaskReadyPayload struct {
	TaskID string
	Title  string
	URL    string
}

// ActionScheduledPayload is emitted when an automated click is scheduled.
type ActionScheduledPayload struct {
	TaskID string
	Step   flow.Step
	URL    string
	Delay  time.Duration
	Sound  bool
}

// ActionPerformedPayload is emitted after a scheduled click fires.
type ActionPerformedPayload struct {
	TaskID string
	Step   flow.Step
	URL    string
}

// ActionSkippedPayload is emitted when an automated action is gated off.
type ActionSkippedPayload struct {
	TaskID string
	Step   flow.Step
	Reason string
}

// HistoryUpdatedPayload is emitted when the task history log changes.
type HistoryUpdatedPayload struct {
	Entry history.Entry
}

// NotificationPublishedPayload carries a user-facing notification intent.
type NotificationPublishedPayload struct {
	Level   notify.Level
	Message string
	TaskID  string
	Sound   bool
}

// SettingsReloadedPayload is emitted when configuration is reloaded.
type SettingsReloadedPayload struct {
	Settings settings.Settings
}

// PublishFlowAdvanced publishes a flow.advanced event.
func (bus *EventBus) PublishFlowAdvanced(p FlowAdvancedPayload) {
	bus.send(EventFlowAdvanced, p)
}

// SubscribeFlowAdvanced registers a handler for flow.advanced events.
func (bus *EventBus) SubscribeFlowAdvanced(fn func(FlowAdvancedPayload)) {
	bus.subscribe(EventFlowAdvanced, func(v any) {
		if p, ok := v.(FlowAdvancedPayload); ok {
			fn(p)
		}
	})
}

// PublishTaskReady publishes a task.ready event.
func (bus *EventBus) PublishTaskReady(p TaskReadyPayload) {
	bus.send(EventTaskReady, p)
}

// SubscribeTaskReady registers a handler for task.ready events.
func (bus *EventBus) SubscribeTaskReady(fn func(TaskReadyPayload)) {
	bus.subscribe(EventTaskReady, func(v any) {
		if p, ok := v.(TaskReadyPayload); ok {
			fn(p)
		}
	})
}

// PublishActionScheduled publishes an action.scheduled event.
func (bus *EventBus) PublishActionScheduled(p ActionScheduledPayload) {
	bus.send(EventActionScheduled, p)
}

// SubscribeActionScheduled registers a handler for action.scheduled events.
func (bus *EventBus) SubscribeActionScheduled(fn func(ActionScheduledPayload)) {
	bus.subscribe(EventActionScheduled, func(v any) {
		if p, ok := v.(ActionScheduledPayload); ok {
			fn(p)
		}
	})
}

// PublishActionPerformed publishes an action.performed event.
func (bus *EventBus) PublishActionPerformed(p ActionPerformedPayload) {
	bus.send(EventActionPerformed, p)
}

// SubscribeActionPerformed registers a handler for action.performed events.
func (bus *EventBus) SubscribeActionPerformed(fn func(ActionPerformedPayload)) {
	bus.subscribe(EventActionPerformed, func(v any) {
		if p, ok := v.(ActionPerformedPayload); ok {
			fn(p)
		}
	})
}

// PublishActionSkipped publishes an action.skipped event.
func (bus *EventBus) PublishActionSkipped(p ActionSkippedPayload) {
	bus.send(EventActionSkipped, p)
}

// SubscribeActionSkipped registers a handler for action.skipped events.
func (bus *EventBus) SubscribeActionSkipped(fn func(ActionSkippedPayload)) {
	bus.subscribe(EventActionSkipped, func(v any) {
		if p, ok := v.(ActionSkippedPayload); ok {
			fn(p)
		}
	})
}

// PublishHistoryUpdated publishes a history.updated event.
func (bus *EventBus) PublishHistoryUpdated(p HistoryUpdatedPayload) {
	bus.send(EventHistoryUpdated, p)
}

// SubscribeHistoryUpdated registers a handler for history.updated events.
func (bus *EventBus) SubscribeHistoryUpdated(fn func(HistoryUpdatedPayload)) {
	bus.subscribe(EventHistoryUpdated, func(v any) {
		if p, ok := v.(HistoryUpdatedPayload); ok {
			fn(p)
		}
	})
}

// PublishNotificationPublished publishes a notification.published event.
func (bus *EventBus) PublishNotificationPublished(p NotificationPublishedPayload) {
	bus.send(EventNotificationPublished, p)
}

// SubscribeNotificationPublished registers a handler for notification.published events.
func (bus *EventBus) SubscribeNotificationPublished(fn func(NotificationPublishedPayload)) {
	bus.subscribe(EventNotificationPublished, func(v any) {
		if p, ok := v.(NotificationPublishedPayload); ok {
			fn(p)
		}
	})
}

// PublishSettingsReloaded publishes a settings.reloaded event.
func (bus *EventBus) PublishSettingsReloaded(p SettingsReloadedPayload) {
	bus.send(EventSettingsReloaded, p)
}

// SubscribeSettingsReloaded registers a handler for settings.reloaded events.
func (bus *EventBus) SubscribeSettingsReloaded(fn func(SettingsReloadedPayload)) {
	bus.subscribe(EventSettingsReloaded, func(v any) {
		if p, ok := v.(SettingsReloadedPayload); ok {
			fn(p)
		}
	})
}
