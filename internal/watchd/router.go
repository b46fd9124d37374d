package watchd

import (
	"context"
	"errors"

	"github.com/flowatch/flowatch/internal/core/dispatch"
	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/core/settings"
)

// Message types accepted from probes. Names are part of the wire protocol.
const (
	MsgGetSettings       = "GET_SETTINGS"
	MsgResetFlow         = "RESET_FLOW"
	MsgGetSharedFlow     = "GET_SHARED_FLOW"
	MsgSetSharedFlow     = "SET_SHARED_FLOW"
	MsgGetTaskHistory    = "GET_TASK_HISTORY"
	MsgClearTaskHistory  = "CLEAR_TASK_HISTORY"
	MsgAddApprovedURL    = "ADD_APPROVED_URL"
	MsgCheckApprovedURL  = "CHECK_APPROVED_URL"
	MsgTaskReady         = "TASK_READY"
	MsgPRReady           = "PR_READY"
	MsgViewPRReady       = "VIEW_PR_READY"
	MsgMergePRReady      = "MERGE_PR_READY"
	MsgConfirmMergeReady = "CONFIRM_MERGE_READY"
	MsgClearTaskFlow     = "CLEAR_TASK_FLOW"
)

// Structured error codes returned in Response.Error.
const (
	ErrCodeMissingTask = "missingTask"
	ErrCodeUnknownType = "unknownType"
)

// readySteps maps the *_READY trigger messages to the flow step whose
// automation they request.
var readySteps = map[string]flow.Step{
	MsgPRReady:           flow.StepCreated,
	MsgViewPRReady:       flow.StepViewed,
	MsgMergePRReady:      flow.StepMerged,
	MsgConfirmMergeReady: flow.StepConfirmed,
}

// Request is the probe-to-daemon message envelope.
type Request struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId,omitempty"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	Flow   string `json:"flow,omitempty"`
	Step   string `json:"step,omitempty"`
}

// Response is the daemon-to-probe reply. Only the fields relevant to the
// request type are populated.
type Response struct {
	OK       bool               `json:"ok,omitempty"`
	Skipped  bool               `json:"skipped,omitempty"`
	Error    string             `json:"error,omitempty"`
	DelayMs  int64              `json:"delayMs,omitempty"`
	Settings *settings.Settings `json:"settings,omitempty"`
	Flow     *flow.Resolution   `json:"flow,omitempty"`
	History  []history.Entry    `json:"history,omitempty"`
}

func ack() Response { return Response{OK: true} }

func fail(code string) Response { return Response{Error: code} }

// Handle routes a probe message. Every branch swallows storage errors into a
// degraded-but-valid response; a broken store must never take down the probe
// that asked. The only structured errors are missing required fields and an
// unknown message type.
func (s *Service) Handle(ctx context.Context, req Request) Response {
	switch req.Type {
	case MsgGetSettings:
		cfg := s.Settings()
		return Response{OK: true, Settings: &cfg}

	case MsgResetFlow:
		if err := s.machine.Reset(ctx); err != nil {
			s.log.Warn().Err(err).Msg("flow reset failed")
		}
		return ack()

	case MsgGetSharedFlow:
		res, err := s.machine.Resolve(ctx, req.TaskID, req.URL)
		if err != nil {
			s.log.Warn().Err(err).Str("task", req.TaskID).Msg("flow resolve failed")
			res = flow.Resolution{Flow: flow.StepIdle}
		}
		return Response{OK: true, Flow: &res}

	case MsgSetSharedFlow:
		return s.setSharedFlow(ctx, req)

	case MsgGetTaskHistory:
		entries, err := s.recon.List(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("history list failed")
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		return Response{OK: true, History: entries}

	case MsgClearTaskHistory:
		if err := s.recon.Clear(ctx); err != nil {
			s.log.Warn().Err(err).Msg("history clear failed")
		}
		return ack()

	case MsgAddApprovedURL:
		if err := s.approvals.Add(ctx, req.URL); err != nil {
			s.log.Warn().Err(err).Msg("approval add failed")
		}
		return ack()

	case MsgCheckApprovedURL:
		ok, err := s.approvals.Check(ctx, req.URL)
		if err != nil {
			s.log.Warn().Err(err).Msg("approval check failed")
			ok = false
		}
		return Response{OK: ok}

	case MsgTaskReady:
		if req.TaskID == "" {
			return fail(ErrCodeMissingTask)
		}
		s.TaskReady(ctx, req.TaskID, req.Title, req.URL)
		return ack()

	case MsgPRReady, MsgViewPRReady, MsgMergePRReady, MsgConfirmMergeReady:
		return s.readyTrigger(ctx, req, readySteps[req.Type])

	case MsgClearTaskFlow:
		if req.TaskID == "" {
			return fail(ErrCodeMissingTask)
		}
		if err := s.machine.ClearTask(ctx, req.TaskID); err != nil {
			s.log.Warn().Err(err).Str("task", req.TaskID).Msg("flow clear failed")
		}
		return ack()

	default:
		return fail(ErrCodeUnknownType)
	}
}

func (s *Service) setSharedFlow(ctx context.Context, req Request) Response {
	if req.TaskID == "" {
		return fail(ErrCodeMissingTask)
	}

	// Accept the step under either key; "flow" is the historical name.
	raw := req.Step
	if raw == "" {
		raw = req.Flow
	}
	step, err := flow.ParseStep(raw)
	if err != nil {
		s.log.Warn().Str("step", raw).Str("task", req.TaskID).Msg("invalid step")
		return Response{Error: err.Error()}
	}

	if step == flow.StepIdle {
		// step is optional: a bare set merges title and url into the record
		// without moving the flow.
		if _, err := s.machine.MergeInfo(ctx, req.TaskID, flow.Apply{Title: req.Title, URL: req.URL}); err != nil {
			s.log.Warn().Err(err).Str("task", req.TaskID).Msg("flow merge failed")
		}
		return ack()
	}

	if _, err := s.ApplyStep(ctx, req.TaskID, step, flow.Apply{Title: req.Title, URL: req.URL}); err != nil {
		if errors.Is(err, flow.ErrMissingTask) {
			return fail(ErrCodeMissingTask)
		}
		s.log.Warn().Err(err).Str("task", req.TaskID).Msg("flow apply failed")
		return ack()
	}

	if status := statusForStep(step); status != "" {
		s.ObserveHistory(ctx, history.Observation{
			ID:     req.TaskID,
			Name:   req.Title,
			URL:    req.URL,
			Status: status,
		})
	}
	return ack()
}

// readyTrigger gates an automation request for a step. The probe performs
// the click itself after the returned delay; flow state advances when its
// follow-up SET_SHARED_FLOW arrives.
func (s *Service) readyTrigger(ctx context.Context, req Request, step flow.Step) Response {
	if req.TaskID == "" {
		return fail(ErrCodeMissingTask)
	}

	current := flow.StepIdle
	if res, err := s.machine.Resolve(ctx, req.TaskID, req.URL); err == nil {
		current = res.Flow
	}

	result, err := s.actions.Decide(ctx, step, dispatch.Context{
		TaskID:  req.TaskID,
		Title:   req.Title,
		URL:     req.URL,
		Current: current,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("task", req.TaskID).Msg("action decision failed")
		return Response{Skipped: true}
	}
	if !result.Performed {
		return Response{Skipped: true}
	}

	if status := statusForStep(step); status != "" {
		s.ObserveHistory(ctx, history.Observation{
			ID:     req.TaskID,
			Name:   req.Title,
			URL:    req.URL,
			Status: status,
		})
	}
	return Response{OK: true, DelayMs: result.DelayMs}
}

// statusForStep maps a lifecycle step to the history status it implies.
func statusForStep(step flow.Step) string {
	switch step {
	case flow.StepOpened:
		return history.StatusWorking
	case flow.StepCreated, flow.StepViewed:
		return history.StatusPRCreated
	case flow.StepMerged, flow.StepConfirmed:
		return history.StatusMerged
	default:
		return ""
	}
}
