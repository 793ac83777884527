package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agentmesh/cmd/remote-agent/internal/biz"
	"agentmesh/cmd/remote-agent/internal/conf"
	"agentmesh/cmd/remote-agent/internal/service"
	"agentmesh/pkg/clients"
	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/events"
	"agentmesh/pkg/identity"
	"agentmesh/pkg/protocol"
	"agentmesh/pkg/resilience"
	"agentmesh/pkg/taskstore"
)

const (
	selfURL        = "https://weather-agent.example.run.app"
	gcloudClientID = "32555940559.apps.googleusercontent.com"
)

// echoExecutor 第一轮追问，第二轮完成
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, tc *taskstore.Context, msg protocol.Message) (*biz.Outcome, error) {
	if tc.Slot("asked") == "" {
		tc.SetSlot("asked", "yes")
		return &biz.Outcome{Result: protocol.Result{Text: "which city?"}}, nil
	}
	return &biz.Outcome{Result: protocol.Result{Text: "sunny in " + msg.Text}, Done: true}, nil
}

func (echoExecutor) Describe() (string, []protocol.Skill) {
	return "echo", []protocol.Skill{{ID: "weather_search", Tags: []string{"weather"}}}
}

type staticTokens struct{ raw string }

func (s staticTokens) Token(ctx context.Context, audience string) (*identity.Token, error) {
	return &identity.Token{Value: s.raw, Audience: audience}, nil
}

func (staticTokens) Mode() identity.Mode { return identity.ModeServiceAccount }

func signedToken(t *testing.T, aud string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": aud,
		"sub": "host-agent",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	return raw
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &conf.Config{
		Agent: conf.AgentConfig{Kind: conf.AgentKindWeather, Name: "Weather Agent", URL: selfURL, Version: "1.0.0", Project: "demo"},
		Auth:  conf.AuthConfig{Audiences: []string{selfURL}, AllowedClientIDs: []string{gcloudClientID}},
	}
	cfg.Observability.ServiceName = "remote-agent-test"

	uc := biz.NewTaskUsecase(taskstore.NewMemoryStore(), echoExecutor{}, events.NoopPublisher{}, biz.TaskUsecaseConfig{
		Agent: "weather",
		Retry: resilience.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond},
	}, zap.NewNop())
	srv := NewHTTPServer(service.NewAgentService(uc, echoExecutor{}, cfg), cfg, zap.NewNop())

	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, url, aud string) *clients.AgentClient {
	return clients.NewAgentClient(clients.RemoteConfig{
		Name:       "weather",
		URL:        url,
		Audience:   aud,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
	}, staticTokens{raw: signedToken(t, aud)})
}

func TestHTTPServer_ConversationRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	client := newClient(t, ts.URL, selfURL)
	ctx := context.Background()

	first, err := client.Send(ctx, nil, protocol.Message{Role: "user", Text: "weather please"})
	require.NoError(t, err)
	assert.Equal(t, string(taskstore.StateInProgress), first.State)
	assert.Equal(t, "which city?", first.Result.Text)

	second, err := client.Send(ctx, &first.TaskID, protocol.Message{Role: "user", Text: "Austin"})
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.True(t, second.Terminal())

	snapshot, err := client.Task(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, string(taskstore.StateCompleted), snapshot.State)
	assert.Equal(t, 4, snapshot.Turns)

	_, err = client.Send(ctx, &first.TaskID, protocol.Message{Role: "user", Text: "again"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTaskClosed(err))
}

func TestHTTPServer_UnknownTask(t *testing.T) {
	ts := newTestServer(t)
	client := newClient(t, ts.URL, selfURL)
	unknown := "T999"

	_, err := client.Send(context.Background(), &unknown, protocol.Message{Role: "user", Text: "hi"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTaskNotFound(err))
	assert.Equal(t, "T999", apperrors.Metadata(err)["task_id"])
}

func TestHTTPServer_RejectsWrongAudience(t *testing.T) {
	ts := newTestServer(t)
	client := newClient(t, ts.URL, "https://someone-else.run.app")

	_, err := client.Send(context.Background(), nil, protocol.Message{Role: "user", Text: "hi"})
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthFailed(err))
}

func TestHTTPServer_RequestValidation(t *testing.T) {
	ts := newTestServer(t)
	token := signedToken(t, selfURL)

	for _, body := range []string{`{"message": {"text": "   "}}`, `{not json`} {
		req, err := http.NewRequest(http.MethodPost, ts.URL+protocol.PathSendMessage, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		var out apperrors.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, apperrors.ReasonInvalidRequest, out.Error.Kind, body)
		assert.NotEmpty(t, out.RequestID)
	}
}

func TestHTTPServer_PublicEndpoints(t *testing.T) {
	ts := newTestServer(t)

	card, err := newClient(t, ts.URL, selfURL).Card(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Weather Agent", card.Name)
	assert.Equal(t, selfURL, card.URL)
	assert.Equal(t, "demo", card.Metadata["project"])
	require.Len(t, card.Skills, 1)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestHTTPServer_DeveloperTokenAccepted(t *testing.T) {
	ts := newTestServer(t)

	// 用户账号令牌的 aud 是凭证助手的客户端ID，客户端仍以服务URL作为受众请求
	client := clients.NewAgentClient(clients.RemoteConfig{
		Name:       "weather",
		URL:        ts.URL,
		Audience:   selfURL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
	}, staticTokens{raw: signedToken(t, gcloudClientID)})

	resp, err := client.Send(context.Background(), nil, protocol.Message{Role: "user", Text: "weather please"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.TaskID)
}
