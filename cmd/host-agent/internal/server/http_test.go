package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agentmesh/cmd/host-agent/internal/biz"
	"agentmesh/cmd/host-agent/internal/conf"
	"agentmesh/cmd/host-agent/internal/data"
	"agentmesh/cmd/host-agent/internal/service"
	"agentmesh/pkg/clients"
	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/identity"
	"agentmesh/pkg/protocol"
)

type stubTokens struct {
	err   error
	calls atomic.Int32
}

func (s *stubTokens) Token(ctx context.Context, audience string) (*identity.Token, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &identity.Token{Value: "tok-" + audience, Audience: audience}, nil
}

func (s *stubTokens) Mode() identity.Mode { return identity.ModeCLI }

// fakeRemoteServer 两轮完成的远程智能体
func fakeRemoteServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	turns := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == protocol.PathAgentCard {
			_ = json.NewEncoder(w).Encode(protocol.AgentCard{Name: "Stays", Skills: []protocol.Skill{{Tags: []string{"room"}}}})
			return
		}

		hits.Add(1)
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-"))

		var req protocol.SendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		id := "task_1"
		if req.TaskID != nil {
			if _, ok := turns[*req.TaskID]; !ok {
				_, body := apperrors.NewErrorResponse(apperrors.TaskNotFound(*req.TaskID))
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(body)
				return
			}
			id = *req.TaskID
		}
		turns[id]++
		state := "in-progress"
		if turns[id] >= 2 {
			state = "completed"
		}
		_ = json.NewEncoder(w).Encode(protocol.SendResponse{TaskID: id, State: state, Result: protocol.Result{Text: "ok"}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHostServer(t *testing.T, remoteURL string, tokens identity.Provider) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &conf.Config{Remotes: []clients.RemoteConfig{{Name: "stays", URL: remoteURL, Timeout: 2 * time.Second, MaxRetries: 1}}}
	cfg.Observability.ServiceName = "host-agent-test"

	remote := clients.NewAgentClient(cfg.Remotes[0], tokens)
	uc := biz.NewHostUsecase([]biz.RemoteAgent{remote}, data.NewMemoryHandleStore(), zap.NewNop())
	return NewHTTPServer(service.NewHostService(uc), cfg, zap.NewNop()).Engine()
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHostServer_TurnsTrackHandles(t *testing.T) {
	var hits atomic.Int32
	remote := fakeRemoteServer(t, &hits)
	engine := newTestHostServer(t, remote.URL, &stubTokens{})

	turn := service.TurnRequest{Message: protocol.Message{Text: "book a stay"}, Agents: []string{"stays"}}

	w := doJSON(t, engine, http.MethodPost, "/api/v1/conversations/c1/turns", turn)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first service.TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Results, 1)
	assert.Equal(t, "task_1", first.Results[0].TaskID)
	assert.Equal(t, "in-progress", first.Results[0].State)

	w = doJSON(t, engine, http.MethodGet, "/api/v1/conversations/c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view service.ConversationView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, map[string]string{"stays": "task_1"}, view.Handles)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/conversations/c1/turns", turn)
	require.Equal(t, http.StatusOK, w.Code)
	var second service.TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, "completed", second.Results[0].State)

	w = doJSON(t, engine, http.MethodGet, "/api/v1/conversations/c1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Empty(t, view.Handles)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHostServer_ExpiredCredentialIsReported(t *testing.T) {
	var hits atomic.Int32
	remote := fakeRemoteServer(t, &hits)
	tokens := &stubTokens{err: identity.ErrAuthExpired}
	engine := newTestHostServer(t, remote.URL, tokens)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/conversations/c1/turns",
		service.TurnRequest{Message: protocol.Message{Text: "hi"}, Agents: []string{"stays"}})
	require.Equal(t, http.StatusOK, w.Code)

	var resp service.TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.NotNil(t, resp.Results[0].Error)
	assert.Equal(t, apperrors.ReasonAuthExpired, resp.Results[0].Error.Kind)
	assert.Zero(t, hits.Load())
	assert.Equal(t, int32(1), tokens.calls.Load())
}

func TestHostServer_Validation(t *testing.T) {
	var hits atomic.Int32
	engine := newTestHostServer(t, fakeRemoteServer(t, &hits).URL, &stubTokens{})

	w := doJSON(t, engine, http.MethodPost, "/api/v1/conversations/c1/turns",
		service.TurnRequest{Message: protocol.Message{Text: " "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/conversations/c1/turns",
		service.TurnRequest{Message: protocol.Message{Text: "hi"}, Agents: []string{"flights"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, hits.Load())
}

func TestHostServer_AgentsAndConversations(t *testing.T) {
	var hits atomic.Int32
	engine := newTestHostServer(t, fakeRemoteServer(t, &hits).URL, &stubTokens{})

	w := doJSON(t, engine, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agents struct {
		Agents []protocol.AgentCard `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "stays", agents.Agents[0].Name)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "conversation_id")

	w = doJSON(t, engine, http.MethodDelete, "/api/v1/conversations/c1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHostServer_Ready(t *testing.T) {
	var hits atomic.Int32
	engine := newTestHostServer(t, fakeRemoteServer(t, &hits).URL, &stubTokens{})

	w := doJSON(t, engine, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	engine = newTestHostServer(t, down.URL, &stubTokens{})

	w = doJSON(t, engine, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), "remote:stays")
}
