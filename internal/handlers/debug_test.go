package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/telemetry"
)

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.topics = append(p.topics, topic)
	return nil
}

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, new(mocks.EngineMock), nil, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := new(mocks.EngineMock)
	engine.On("Active").Return("c1", true).Once()
	engine.On("Degraded").Return(false).Once()
	r := gin.New()
	RegisterDebugRoutes(r, engine, nil, true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":"c1","attached":true,"degraded":false}`, rec.Body.String())
}

func TestDebugAuditTest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := new(mocks.EngineMock)
	engine.On("Active").Return("", false)
	pub := &recordingPublisher{}
	r := gin.New()
	RegisterDebugRoutes(r, engine, telemetry.NewAuditEmitter(pub, "", "chat-sync", "test", "user-A"), true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{telemetry.AuditRoutingKey}, pub.topics)

	r = gin.New()
	RegisterDebugRoutes(r, engine, nil, true)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
