package lcm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ControlAction enumerates the single-slot mailbox's request kinds
// (spec.md §4.7).
type ControlAction int

const (
	ActionSetState ControlAction = iota
	ActionGetExecutionError
	ActionGetInitialMachineStateResult
	ActionValidateProcessGroupState
)

// InitialMachineStateResult is the three-way result SPEC_FULL.md §C.6 adds:
// a group can report it never computed an initial state, computed one and
// failed, or computed one successfully.
type InitialMachineStateResult int

const (
	InitialStateNotSet InitialMachineStateResult = iota
	InitialStateFailed
	InitialStateSuccess
)

// ControlRequest is one request posted to the mailbox.
type ControlRequest struct {
	ID          uuid.UUID
	Action      ControlAction
	Group       string
	Proc        string
	TargetState string // for ActionSetState: a named state of Group (spec.md §3.4)
}

// ControlResponse is the mailbox's reply to a ControlRequest. For
// ActionSetState, Outcome carries spec.md §6.3's response code; it arrives
// asynchronously, once the requested round (or its fast-path short-circuit)
// settles, not necessarily in the same Send/Recv/Reply cycle that queued it.
type ControlResponse struct {
	ID           uuid.UUID
	Err          error
	Outcome      SetStateOutcome
	ExecutionErr *ExecutionError
	InitialState InitialMachineStateResult
	ValidState   bool
}

// ControlChannel is the control channel (component C7): a single-slot
// request/response mailbox, modeled in spec.md's original as shared memory
// with counting semaphores (send_sync/reply_sync) and a "wake-manager"
// semaphore. In-process, the request slot is a mutex-guarded pending pointer
// and each Send gets its own reply channel of depth 1 — no actual shared
// memory segment is needed because
// both the "client" (control API callers) and the group manager live in the
// same address space.
//
// Grounded on slot_pool.go's acquire/release-by-owner bookkeeping,
// generalized from "N interchangeable slots" to "one slot, strictly
// alternating directions". golang.org/x/sync/singleflight collapses
// concurrent identical GetExecutionError/ValidateProcessGroupState reads
// into one mailbox round-trip, the same role it plays in the teacher's
// channel_summary.go cache.
type ControlChannel struct {
	log *zap.Logger

	mu      sync.Mutex
	pending *ControlRequest
	reply   chan *ControlResponse

	wakeManager chan struct{} // posted once per pending request; group manager selects on this with a 100ms fallback poll

	sf singleflight.Group

	groups  map[string]*Graph
	errLog  *ExecErrorLog
	initial map[string]InitialMachineStateResult

	// owner[group] is the request currently entitled to receive the next
	// SetState outcome event for group (spec.md §4.8's "exactly one state
	// manager at a time owns the right to receive outcome events";
	// ownership passes to the newest requester). pendingTarget[group] is
	// the target state name a newer request asked for while a prior round
	// was still in flight; the group manager starts it once the graph
	// settles back to undefined_state.
	owner         map[string]*ControlRequest
	pendingTarget map[string]string
}

// NewControlChannel constructs an empty ControlChannel.
func NewControlChannel(log *zap.Logger, errLog *ExecErrorLog) *ControlChannel {
	return &ControlChannel{
		log:           log.Named("control"),
		wakeManager:   make(chan struct{}, 1),
		groups:        make(map[string]*Graph),
		errLog:        errLog,
		initial:       make(map[string]InitialMachineStateResult),
		owner:         make(map[string]*ControlRequest),
		pendingTarget: make(map[string]string),
	}
}

// Owner returns the request currently entitled to receive group's next
// SetState outcome event, if any.
func (c *ControlChannel) Owner(group string) (*ControlRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.owner[group]
	return req, ok
}

// SetOwner records req as the newest SetState requester for group,
// displacing whoever owned it before.
func (c *ControlChannel) SetOwner(group string, req *ControlRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner[group] = req
}

// SetPendingTarget records targetState as the state a newer request wants
// group driven to once its current in-flight round settles back to
// undefined_state.
func (c *ControlChannel) SetPendingTarget(group, targetState string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingTarget[group] = targetState
}

// TakePendingTarget removes and returns group's pending target state, if
// one was recorded.
func (c *ControlChannel) TakePendingTarget(group string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.pendingTarget[group]
	delete(c.pendingTarget, group)
	return t, ok
}

// RegisterGroup makes g visible to ValidateProcessGroupState requests under
// name. SetState requests are resolved against GroupManager's own group map.
func (c *ControlChannel) RegisterGroup(name string, g *Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[name] = g
}

// SetInitialMachineState records the boot-time computed initial state for
// group, per SPEC_FULL.md §C.6.
func (c *ControlChannel) SetInitialMachineState(group string, r InitialMachineStateResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initial[group] = r
}

// WakeManager returns the channel the group manager's main loop selects on
// (with a 100ms fallback per spec.md §4.8) to notice a new pending request.
func (c *ControlChannel) WakeManager() <-chan struct{} { return c.wakeManager }

// Send posts req to the mailbox and blocks for the reply. Only one request
// may be in flight at a time; a second concurrent Send blocks until the
// slot is free (spec.md §4.7: "the channel holds at most one outstanding
// request").
func (c *ControlChannel) Send(ctx context.Context, req *ControlRequest) (*ControlResponse, error) {
	if req.Action == ActionGetExecutionError || req.Action == ActionValidateProcessGroupState {
		key := fmt.Sprintf("%d:%s:%s", req.Action, req.Group, req.Proc)
		v, err, _ := c.sf.Do(key, func() (interface{}, error) {
			return c.sendLocked(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		return v.(*ControlResponse), nil
	}
	return c.sendLocked(ctx, req)
}

func (c *ControlChannel) sendLocked(ctx context.Context, req *ControlRequest) (*ControlResponse, error) {
	c.mu.Lock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	c.pending = req
	replyCh := make(chan *ControlResponse, 1)
	c.reply = replyCh
	c.mu.Unlock()

	select {
	case c.wakeManager <- struct{}{}:
	default:
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recv is called by the group manager's main loop to pick up the pending
// request, if any, and must be paired with Reply.
func (c *ControlChannel) Recv() (*ControlRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil, false
	}
	req := c.pending
	c.pending = nil
	return req, true
}

// Reply fulfils req with resp, handled by the group manager after acting on
// a request it Recv'd.
func (c *ControlChannel) Reply(resp *ControlResponse) {
	c.mu.Lock()
	ch := c.reply
	c.reply = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- resp
	}
}

// Handle executes req against the channel's group/error-log state,
// producing the response the group manager sends back via Reply. This
// covers every synchronous ControlAction; ActionSetState is asynchronous
// (spec.md §4.7) and is special-cased by GroupManager.drainControl instead
// of flowing through Handle/Reply in one step.
func (c *ControlChannel) Handle(req *ControlRequest) *ControlResponse {
	resp := &ControlResponse{ID: req.ID}
	switch req.Action {
	case ActionGetExecutionError:
		if ee, ok := c.errLog.Latest(req.Proc); ok {
			resp.ExecutionErr = ee
		}
	case ActionGetInitialMachineStateResult:
		c.mu.Lock()
		resp.InitialState = c.initial[req.Group]
		c.mu.Unlock()
	case ActionValidateProcessGroupState:
		c.mu.Lock()
		g, ok := c.groups[req.Group]
		c.mu.Unlock()
		resp.ValidState = ok && g.State() != StateUndefined
	default:
		resp.Err = fmt.Errorf("control: unknown action %d", req.Action)
	}
	return resp
}
