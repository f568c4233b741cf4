package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"kids-checkin-backend/config"
	"kids-checkin-backend/internal/authority"
	"kids-checkin-backend/internal/clock"
	"kids-checkin-backend/internal/distributor"
	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/remote"
	"kids-checkin-backend/internal/remote/remotetest"
	"kids-checkin-backend/internal/repository"
	"kids-checkin-backend/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	router *gin.Engine
	server *remotetest.Fake
	clock  *clock.Fake
	db     *gorm.DB
}

func newTestEnv(t *testing.T, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewFake(t0)
	server := remotetest.New(clk.Now)
	server.PutChild(&model.Child{ID: "c-1", GuardianID: "g-1", FirstName: "Ada", LastName: "L", DateOfBirth: t0.AddDate(-4, 0, 0), Status: model.ChildCheckedOut})
	server.PutService(&model.Service{ID: "s-1", Name: "Little Explorers", MinAge: 3, MaxAge: 6, MaxCapacity: 1, IsAcceptingCheckIns: true})

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.PushSubscription{}))

	logger := zerolog.New(io.Discard)
	st := store.NewMemoryStore()
	repo := repository.New(st, server, clk, &logger)
	auth := authority.New(st, repo, server, clk, nil, authority.Config{}, &logger)
	dist := distributor.New(repo, distributor.DefaultIntervals, clk, &logger)
	t.Cleanup(dist.Close)

	cfg, err := config.Parse([]byte("remote:\n  base_url: http://remote.test\n"))
	require.NoError(t, err)

	h := NewHandler(Deps{
		Repository:  repo,
		Authority:   auth,
		Distributor: dist,
		DB:          db,
		Checks:      checks,
		Logger:      &logger,
	})
	return &testEnv{router: NewRouter(h, cfg), server: server, clock: clk, db: db}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytesBody(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestGetChild(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/children/c-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"firstName":"Ada"`)

	w = env.do(http.MethodGet, "/api/children/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"not_found"`)
}

func TestCheckInAndOut(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/checkins", `{"childId":"c-1","serviceId":"s-1","staffId":"staff-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"reconciled"`)
	assert.Equal(t, 1, env.server.Service("s-1").CurrentCapacity)

	w = env.do(http.MethodPost, "/api/checkins", `{"childId":"c-1","serviceId":"s-1","staffId":"staff-1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"already_checked_in"`)

	w = env.do(http.MethodGet, "/api/checkins?service_id=s-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"childId":"c-1"`)

	w = env.do(http.MethodPost, "/api/checkouts", `{"childId":"c-1","staffId":"staff-1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, env.server.Service("s-1").CurrentCapacity)
}

func TestCheckInOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	// Load the entities while the server is still reachable.
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/children/c-1", "").Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/services/s-1", "").Code)
	env.server.SetOffline(true)

	w := env.do(http.MethodPost, "/api/checkins", `{"childId":"c-1","serviceId":"s-1","staffId":"staff-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"local_only"`)
}

func TestCheckInInvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/checkins", `{"childId":"c-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"invalid_argument"`)
}

func TestCreateChildRejectsBadDate(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/children", `{"guardianId":"g-1","firstName":"Bo","dateOfBirth":"yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/children", `{"guardianId":"g-1","firstName":"Bo","dateOfBirth":"2021-05-04"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"CHECKED_OUT"`)

	w = env.do(http.MethodGet, "/api/guardians/g-1/children", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"firstName":"Bo"`)
}

func TestRequestLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/requests", `{"childId":"c-1","serviceId":"s-1","guardianId":"g-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created model.CheckInRequest
	require.NoError(t, decode(w, &created))

	w = env.do(http.MethodGet, "/api/requests/checkin:"+created.Token, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"canBeProcessed":true`)

	w = env.do(http.MethodGet, "/api/requests/active", "")
	assert.Contains(t, w.Body.String(), created.Token)

	w = env.do(http.MethodPost, "/api/requests/"+created.Token+"/approve", `{"staffId":"staff-1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"APPROVED"`)

	w = env.do(http.MethodPost, "/api/requests/"+created.Token+"/approve", `{"staffId":"staff-1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"request_already_finalized"`)
}

func TestRequestExpiresAndSweeps(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/requests", `{"childId":"c-1","serviceId":"s-1","guardianId":"g-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.CheckInRequest
	require.NoError(t, decode(w, &created))

	env.clock.Advance(authority.DefaultTTL + time.Second)

	w = env.do(http.MethodPost, "/api/requests/"+created.Token+"/reject", `{"staffId":"staff-1","reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"request_expired"`)

	w = env.do(http.MethodPost, "/api/requests/sweep", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"expired":1}`, w.Body.String())
}

func TestLookupRejectsMalformedToken(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/requests/ab", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/stream/service/s-1/refresh", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"name":"Little Explorers"`)

	w = env.do(http.MethodPost, "/api/stream/dorm/s-1/refresh", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamSendsCachedValue(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/children/c-1", "").Code)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/stream/child/c-1", nil).WithContext(ctx)
	w := &closeNotifyingRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	done := make(chan struct{})
	go func() {
		env.router.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, w.Body.String(), "event:child")
	assert.Contains(t, w.Body.String(), `"firstName":"Ada"`)
}

func TestListServicesIsCached(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/services", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Cache"))

	w = env.do(http.MethodGet, "/api/services", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{
		"store":  func(context.Context) error { return nil },
		"remote": func(context.Context) error { return errors.New("connection refused") },
	})

	w := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"store":"ok","remote":"connection refused"}}`, w.Body.String())
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid argument", fmt.Errorf("%w: bad id", model.ErrInvalidArgument), http.StatusBadRequest, "invalid_argument"},
		{"not found", model.ErrNotFound, http.StatusNotFound, "not_found"},
		{"wrapped business", fmt.Errorf("check in: %w", model.ErrAtCapacity), http.StatusConflict, "at_capacity"},
		{"unavailable", fmt.Errorf("%w: dial", remote.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{"closed", distributor.ErrClosed, http.StatusServiceUnavailable, "unavailable"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

// closeNotifyingRecorder satisfies http.CloseNotifier, which gin's Stream needs.
type closeNotifyingRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyingRecorder) CloseNotify() <-chan bool { return r.closed }

func bytesBody(s string) io.Reader { return bytes.NewBufferString(s) }

func decode(w *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(w.Body.Bytes(), v)
}
