package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agentmesh/cmd/host-agent/internal/biz"
	"agentmesh/cmd/host-agent/internal/data"
	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/protocol"
)

type echoRemote struct {
	name  string
	calls int
}

func (r *echoRemote) Name() string { return r.name }

func (r *echoRemote) Send(ctx context.Context, taskID *string, msg protocol.Message) (*protocol.SendResponse, error) {
	r.calls++
	return &protocol.SendResponse{TaskID: "task_1", State: "completed", Result: protocol.Result{Text: "echo: " + msg.Text}}, nil
}

func (r *echoRemote) Card(ctx context.Context) (*protocol.AgentCard, error) {
	return &protocol.AgentCard{Name: r.name, Skills: []protocol.Skill{{Tags: []string{"echo"}}}}, nil
}

func TestChatLoop(t *testing.T) {
	remote := &echoRemote{name: "echo"}
	hostUc := biz.NewHostUsecase([]biz.RemoteAgent{remote}, data.NewMemoryHandleStore(), zap.NewNop())

	chatAgents = []string{"echo"}
	defer func() { chatAgents = nil }()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	var out bytes.Buffer
	in := strings.NewReader("hello\n\n/reset\n/quit\nnever sent\n")

	require.NoError(t, chatLoop(cmd, hostUc, "conv-1", in, &out))
	assert.Contains(t, out.String(), "[echo completed] echo: hello")
	assert.Contains(t, out.String(), "open tasks cleared")
	assert.Equal(t, 1, remote.calls)
}

func TestDescribeError(t *testing.T) {
	assert.Contains(t, describeError(apperrors.AuthExpired("expired")), "gcloud auth login")
	assert.Contains(t, describeError(apperrors.TaskNotFound("T1")), "next message starts a new one")
	assert.Contains(t, describeError(apperrors.TaskClosed("T1", "completed")), "next message starts a new one")
	assert.Contains(t, describeError(apperrors.Internal("boom", map[string]string{"task_state": "failed"})), "failed this task")
	assert.Equal(t, "error: invalid agent", describeError(apperrors.InvalidRequest("invalid agent")))
	assert.Equal(t, "error: dial tcp: refused", describeError(assertErr("dial tcp: refused")))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
