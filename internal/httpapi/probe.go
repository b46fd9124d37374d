package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/flowatch/flowatch/internal/core/dispatch"
	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/core/observe"
	"github.com/flowatch/flowatch/internal/watchd"
)

// directiveTimeout bounds how long the daemon waits for a probe to confirm
// a click or close-tab directive.
const directiveTimeout = 10 * time.Second

// probeMsg is the probe channel envelope, both directions. Kind selects
// which payload fields are meaningful.
type probeMsg struct {
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind"`

	Snapshot  *observe.Snapshot `json:"snapshot,omitempty"`
	Request   *watchd.Request   `json:"request,omitempty"`
	Response  *watchd.Response  `json:"response,omitempty"`
	Directive *directive        `json:"directive,omitempty"`
	OK        bool              `json:"ok,omitempty"`
	Error     string            `json:"error,omitempty"`
}

const (
	kindSnapshot  = "snapshot"
	kindRequest   = "request"
	kindResponse  = "response"
	kindDirective = "directive"
	kindResult    = "result"
)

// directive is a daemon-to-probe action instruction.
type directive struct {
	Type string `json:"type"` // click or close_tab
	Ref  string `json:"ref,omitempty"`
}

// Result error strings the probe may return for a failed directive.
const resultUnavailable = "unavailable"

type directiveResult struct {
	ok     bool
	reason string
}

// probeConn is one connected probe context. It owns the websocket, scans
// incoming snapshots through a per-context observe session, and acts as the
// dispatcher's Clicker for actions targeting its page.
type probeConn struct {
	id      string
	conn    *websocket.Conn
	svc     *watchd.Service
	session *observe.Session
	log     zerolog.Logger

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan directiveResult
}

var _ dispatch.Clicker = (*probeConn)(nil)

// handleProbe upgrades the connection and pumps probe messages until the
// probe disconnects. Each probe gets its own observe.Session; detector
// state never crosses page contexts.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("probe upgrade failed")
		return
	}

	p := &probeConn{
		id:      uuid.NewString(),
		conn:    conn,
		svc:     s.svc,
		session: observe.NewSession(s.svc.Settings().Pages, s.log),
		pending: map[string]chan directiveResult{},
	}
	p.log = s.log.With().Str("probe", p.id).Logger()
	p.log.Info().Msg("probe connected")
	s.probes.Set(p.id, p)

	defer func() {
		s.probes.Delete(p.id)
		p.failPending()
		_ = conn.Close()
		p.log.Info().Msg("probe disconnected")
	}()

	p.readLoop(r.Context())
}

func (p *probeConn) readLoop(ctx context.Context) {
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg probeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.log.Debug().Err(err).Msg("bad probe message")
			continue
		}

		switch msg.Kind {
		case kindSnapshot:
			if msg.Snapshot != nil {
				p.handleSnapshot(ctx, *msg.Snapshot)
			}
		case kindRequest:
			if msg.Request != nil {
				resp := p.svc.Handle(ctx, *msg.Request)
				p.write(probeMsg{ID: msg.ID, Kind: kindResponse, Response: &resp})
			}
		case kindResult:
			p.resolvePending(msg.ID, directiveResult{ok: msg.OK, reason: msg.Error})
		default:
			p.log.Debug().Str("kind", msg.Kind).Msg("unknown probe message kind")
		}
	}
}

// handleSnapshot runs the detector over a page snapshot and routes the
// resulting observations: status hints feed the history reconciler, ready
// transitions fire the one-shot notification, and matched buttons are
// offered to the dispatcher with this probe as the clicker.
func (p *probeConn) handleSnapshot(ctx context.Context, snap observe.Snapshot) {
	for _, obs := range p.session.Scan(snap) {
		if obs.TaskID == "" {
			obs.TaskID = p.resolveTask(ctx, obs.URL)
		}
		if obs.TaskID == "" {
			continue
		}

		switch obs.StatusHint {
		case history.StatusReady:
			p.svc.TaskReady(ctx, obs.TaskID, obs.Title, obs.URL)
		case "":
		default:
			p.svc.ObserveHistory(ctx, history.Observation{
				ID:     obs.TaskID,
				Name:   obs.Title,
				URL:    obs.URL,
				Status: obs.StatusHint,
			})
		}

		if obs.Step != flow.StepIdle && obs.ButtonRef != "" {
			p.offerAction(ctx, obs)
		}
	}
}

// resolveTask links an observation without a task id to its task. PR URLs
// carry no task segment, so the record's URL set is the only handle; an
// unlinked page simply produces no actionable observations.
func (p *probeConn) resolveTask(ctx context.Context, url string) string {
	if url == "" {
		return ""
	}
	res, err := p.svc.Machine().Resolve(ctx, "", url)
	if err != nil {
		p.log.Debug().Err(err).Str("url", url).Msg("task resolve failed")
		return ""
	}
	return res.TaskID
}

func (p *probeConn) offerAction(ctx context.Context, obs observe.Observation) {
	current := flow.StepIdle
	if res, err := p.svc.Machine().Resolve(ctx, obs.TaskID, obs.URL); err == nil {
		current = res.Flow
	}

	_, err := p.svc.Dispatcher().MaybeAct(ctx, obs.Step, dispatch.Context{
		TaskID:    obs.TaskID,
		Title:     obs.Title,
		URL:       obs.URL,
		ButtonRef: obs.ButtonRef,
		Current:   current,
		Clicker:   p,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("task", obs.TaskID).Msg("action offer failed")
	}
}

// Click sends a click directive and waits for the probe's confirmation.
func (p *probeConn) Click(ctx context.Context, ref string) error {
	return p.direct(ctx, directive{Type: "click", Ref: ref})
}

// CloseTab asks the probe to close its tab. Fire-and-forget failures are
// fine; the tab may already be gone.
func (p *probeConn) CloseTab(ctx context.Context) error {
	return p.direct(ctx, directive{Type: "close_tab"})
}

func (p *probeConn) direct(ctx context.Context, d directive) error {
	id := uuid.NewString()
	ch := make(chan directiveResult, 1)

	p.pendMu.Lock()
	p.pending[id] = ch
	p.pendMu.Unlock()
	defer func() {
		p.pendMu.Lock()
		delete(p.pending, id)
		p.pendMu.Unlock()
	}()

	if err := p.write(probeMsg{ID: id, Kind: kindDirective, Directive: &d}); err != nil {
		return dispatch.ErrElementUnavailable
	}

	timer := time.NewTimer(directiveTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return dispatch.ErrElementUnavailable
	case res := <-ch:
		if res.ok {
			return nil
		}
		if res.reason == resultUnavailable {
			return dispatch.ErrElementUnavailable
		}
		return dispatch.ErrActionFailed
	}
}

func (p *probeConn) write(msg probeMsg) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteJSON(msg)
}

func (p *probeConn) resolvePending(id string, res directiveResult) {
	p.pendMu.Lock()
	ch, ok := p.pending[id]
	p.pendMu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
}

// failPending unblocks directive waiters when the probe disconnects.
func (p *probeConn) failPending() {
	p.pendMu.Lock()
	defer p.pendMu.Unlock()
	for id, ch := range p.pending {
		select {
		case ch <- directiveResult{ok: false, reason: resultUnavailable}:
		default:
		}
		delete(p.pending, id)
	}
}
