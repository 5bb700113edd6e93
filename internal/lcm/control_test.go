package lcm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ActionSetState no longer flows through Handle/Reply in one step; it is
// special-cased by GroupManager.drainControl (see groupmanager_test.go for
// the full async SetState protocol). These tests cover only the
// owner/pendingTarget bookkeeping ControlChannel exposes for that protocol.

func TestControlChannelOwnerTracksNewestRequester(t *testing.T) {
	log := zap.NewNop()
	c := NewControlChannel(log, NewExecErrorLog(4))

	_, ok := c.Owner("grp")
	assert.False(t, ok)

	first := &ControlRequest{Group: "grp", TargetState: "Startup"}
	c.SetOwner("grp", first)
	req, ok := c.Owner("grp")
	require.True(t, ok)
	assert.Same(t, first, req)

	second := &ControlRequest{Group: "grp", TargetState: "Off"}
	c.SetOwner("grp", second)
	req, ok = c.Owner("grp")
	require.True(t, ok)
	assert.Same(t, second, req)
}

func TestControlChannelPendingTargetIsConsumedOnce(t *testing.T) {
	log := zap.NewNop()
	c := NewControlChannel(log, NewExecErrorLog(4))

	_, ok := c.TakePendingTarget("grp")
	assert.False(t, ok)

	c.SetPendingTarget("grp", "Recovery")
	target, ok := c.TakePendingTarget("grp")
	require.True(t, ok)
	assert.Equal(t, "Recovery", target)

	_, ok = c.TakePendingTarget("grp")
	assert.False(t, ok)
}

func TestControlChannelGetExecutionError(t *testing.T) {
	log := zap.NewNop()
	errLog := NewExecErrorLog(4)
	errLog.Push(NewExecutionError("watchdogd", DomainLauncher, 7))
	c := NewControlChannel(log, errLog)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		req, ok := c.Recv()
		require.True(t, ok)
		c.Reply(c.Handle(req))
	}()

	resp, err := c.Send(ctx, &ControlRequest{Action: ActionGetExecutionError, Proc: "watchdogd"})
	require.NoError(t, err)
	require.NotNil(t, resp.ExecutionErr)
	assert.Equal(t, int32(7), resp.ExecutionErr.Code)
}

func TestControlChannelInitialMachineState(t *testing.T) {
	log := zap.NewNop()
	c := NewControlChannel(log, NewExecErrorLog(4))
	c.SetInitialMachineState("grp", InitialStateSuccess)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		req, ok := c.Recv()
		require.True(t, ok)
		c.Reply(c.Handle(req))
	}()

	resp, err := c.Send(ctx, &ControlRequest{Action: ActionGetInitialMachineStateResult, Group: "grp"})
	require.NoError(t, err)
	assert.Equal(t, InitialStateSuccess, resp.InitialState)
}

func TestControlChannelValidateProcessGroupState(t *testing.T) {
	log := zap.NewNop()
	queue := NewJobQueue(log, 4, 2)
	g := NewGraph(log, "grp", queue)
	c := NewControlChannel(log, NewExecErrorLog(4))
	c.RegisterGroup("grp", g)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		req, ok := c.Recv()
		require.True(t, ok)
		c.Reply(c.Handle(req))
	}()

	resp, err := c.Send(ctx, &ControlRequest{Action: ActionValidateProcessGroupState, Group: "grp"})
	require.NoError(t, err)
	assert.True(t, resp.ValidState)
}
