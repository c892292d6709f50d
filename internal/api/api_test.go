package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) Initialize(ctx context.Context) (delivery.AuthResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(delivery.AuthResult), args.Error(1)
}

func (m *mockController) CheckAuthentication(ctx context.Context) (delivery.AuthResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(delivery.AuthResult), args.Error(1)
}

func (m *mockController) StartDrain() error { return m.Called().Error(0) }

func (m *mockController) StopDrain() bool { return m.Called().Bool(0) }

func (m *mockController) CloseSession(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockController) Status() delivery.Status {
	return m.Called().Get(0).(delivery.Status)
}

func serve(t *testing.T, c Controller, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewHandler(c, zap.NewNop()).SetupRoutes()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestStartDrain(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		c := new(mockController)
		c.On("StartDrain").Return(nil)

		rec := serve(t, c, http.MethodPost, "/v1/drain")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		var body map[string]bool
		decode(t, rec, &body)
		assert.True(t, body["started"])
	})

	t.Run("AlreadyRunning", func(t *testing.T) {
		c := new(mockController)
		c.On("StartDrain").Return(delivery.ErrAlreadyRunning)

		rec := serve(t, c, http.MethodPost, "/v1/drain")
		assert.Equal(t, http.StatusConflict, rec.Code)
		var body map[string]string
		decode(t, rec, &body)
		assert.Equal(t, "already running", body["error"])
	})
}

func TestStopDrain(t *testing.T) {
	c := new(mockController)
	c.On("StopDrain").Return(true)

	rec := serve(t, c, http.MethodPost, "/v1/drain/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stopping":true}`, rec.Body.String())
}

func TestSessionEndpoints(t *testing.T) {
	t.Run("Initialize", func(t *testing.T) {
		c := new(mockController)
		c.On("Initialize", mock.Anything).Return(delivery.AuthResult{Authenticated: true, Checks: 1}, nil)

		rec := serve(t, c, http.MethodPost, "/v1/session/initialize")
		assert.Equal(t, http.StatusOK, rec.Code)
		var res delivery.AuthResult
		decode(t, rec, &res)
		assert.True(t, res.Authenticated)
	})

	t.Run("InitializeRefusedDuringDrain", func(t *testing.T) {
		c := new(mockController)
		c.On("Initialize", mock.Anything).Return(delivery.AuthResult{}, delivery.ErrDrainInProgress)

		rec := serve(t, c, http.MethodPost, "/v1/session/initialize")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("AuthAwaitingLogin", func(t *testing.T) {
		c := new(mockController)
		c.On("CheckAuthentication", mock.Anything).Return(delivery.AuthResult{AwaitingLogin: true, Checks: 5}, nil)

		rec := serve(t, c, http.MethodGet, "/v1/session/auth")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"authenticated":false,"awaitingLogin":true,"checks":5}`, rec.Body.String())
	})

	t.Run("Close", func(t *testing.T) {
		c := new(mockController)
		c.On("CloseSession", mock.Anything).Return(nil)

		rec := serve(t, c, http.MethodDelete, "/v1/session")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		c.AssertExpectations(t)
	})

	t.Run("BrowserFailureIs500", func(t *testing.T) {
		c := new(mockController)
		c.On("Initialize", mock.Anything).Return(delivery.AuthResult{}, errors.New("failed to launch browser: exec: not found"))

		core, logs := observer.New(zapcore.ErrorLevel)
		router := NewHandler(c, zap.New(core)).SetupRoutes()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/initialize", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "failed to launch browser")
		assert.Equal(t, 1, logs.FilterMessage("Control operation failed.").Len())
	})
}

func TestStatus(t *testing.T) {
	c := new(mockController)
	c.On("Status").Return(delivery.Status{
		Tenant:       "brand-a",
		Running:      true,
		Progress:     delivery.Progress{Total: 3, Processed: 1, Successful: 1},
		SessionReady: true,
	})

	rec := serve(t, c, http.MethodGet, "/v1/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `"isRunning":true`), body)
	assert.True(t, strings.Contains(body, `"progress":{"total":3,"processed":1,"successful":1,"failed":0}`), body)
	assert.True(t, strings.Contains(body, `"sessionReady":true`), body)
}

func TestRouting(t *testing.T) {
	c := new(mockController)

	assert.Equal(t, http.StatusOK, serve(t, c, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, c, http.MethodGet, "/v1/drain").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, c, http.MethodGet, "/v1/nope").Code)
	c.AssertNotCalled(t, "StartDrain")
}

func TestRecoverMiddleware(t *testing.T) {
	c := new(mockController)
	c.On("Status").Run(func(mock.Arguments) { panic("boom") })

	rec := serve(t, c, http.MethodGet, "/v1/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestNewServer(t *testing.T) {
	srv := NewServer(config.ServerConfig{Addr: "127.0.0.1:0", ReadTimeout: time.Second, WriteTimeout: 2 * time.Second}, new(mockController), zap.NewNop())
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.Equal(t, 2*time.Second, srv.WriteTimeout)
	assert.NotNil(t, srv.Handler)
}

func TestSessionOperationsAnswerBeforeWriteTimeout(t *testing.T) {
	assert.Equal(t, 900*time.Millisecond, operationTimeout(time.Second))
	assert.Zero(t, operationTimeout(0))

	c := new(mockController)
	c.On("Initialize", mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			<-ctx.Done()
		}).
		Return(delivery.AuthResult{}, context.DeadlineExceeded)

	srv := NewServer(config.ServerConfig{Addr: "127.0.0.1:0", WriteTimeout: 50 * time.Millisecond}, c, zap.NewNop())
	rec := httptest.NewRecorder()
	start := time.Now()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/initialize", nil))

	assert.Less(t, time.Since(start), 50*time.Millisecond+time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "deadline exceeded")
	c.AssertExpectations(t)
}

func TestSessionBusyIsAConflict(t *testing.T) {
	c := new(mockController)
	c.On("StartDrain").Return(delivery.ErrSessionBusy)

	rec := serve(t, c, http.MethodPost, "/v1/drain")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
