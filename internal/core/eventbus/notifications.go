package eventbus

import (
	"fmt"

	"github.com/flowatch/flowatch/internal/core/notify"
)

// NotificationRouter maps domain events to user-facing notifications.
// Probe contexts consume notification.published events and render them
// (popup, badge, sound); the daemon never renders anything itself.
type NotificationRouter struct {
	bus *EventBus
}

// NewNotificationRouter constructs a router for event-to-notification mappings.
func NewNotificationRouter(bus *EventBus) *NotificationRouter {
	return &NotificationRouter{bus: bus}
}

// Register subscribes all supported event mappings.
func (r *NotificationRouter) Register() {
	if r == nil || r.bus == nil {
		return
	}

	r.bus.SubscribeTaskReady(func(p TaskReadyPayload) {
		r.notifyf(notify.LevelInfo, p.TaskID, "task %s is ready", taskLabel(p.TaskID, p.Title))
	})

	r.bus.SubscribeActionScheduled(func(p ActionScheduledPayload) {
		r.bus.PublishNotificationPublished(NotificationPublishedPayload{
			Level:   notify.LevelInfo,
			TaskID:  p.TaskID,
			Message: fmt.Sprintf("%s click scheduled in %s", p.Step, p.Delay),
			Sound:   p.Sound,
		})
	})

	r.bus.SubscribeActionPerformed(func(p ActionPerformedPayload) {
		r.notifyf(notify.LevelInfo, p.TaskID, "%s click performed", p.Step)
	})

	r.bus.SubscribeFlowAdvanced(func(p FlowAdvancedPayload) {
		if p.To.Terminal() {
			r.notifyf(notify.LevelInfo, p.TaskID, "task %s merge confirmed", taskLabel(p.TaskID, p.Record.Title))
		}
	})
}

func (r *NotificationRouter) notifyf(level notify.Level, taskID, format string, args ...any) {
	r.bus.PublishNotificationPublished(NotificationPublishedPayload{
		Level:   level,
		TaskID:  taskID,
		Message: fmt.Sprintf(format, args...),
	})
}

func taskLabel(id, title string) string {
	if title != "" {
		return fmt.Sprintf("%q", title)
	}
	return id
}
