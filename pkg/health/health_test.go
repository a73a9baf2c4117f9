package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusBody struct {
	Status string
	Checks map[string]string
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) statusBody {
	t.Helper()
	var body statusBody
	err := jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			v, err := d.Str()
			body.Status = v
			return err
		case "checks":
			body.Checks = map[string]string{}
			return d.Obj(func(d *jx.Decoder, name string) error {
				v, err := d.Str()
				body.Checks[name] = v
				return err
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	return body
}

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

// --- Mock implementations ---

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		runs   int
		check  CheckFunc
		code   int
		status string
	}{
		{name: "no checks", code: http.StatusOK, status: "ok"},
		{name: "passing", check: passing, runs: 3, code: http.StatusOK, status: "ok"},
		{name: "failures below threshold", check: failing("flaky"), runs: 2, code: http.StatusOK, status: "ok"},
		{name: "failures at threshold", check: failing("connection refused"), runs: 3, code: http.StatusServiceUnavailable, status: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			if tt.check != nil {
				h.AddLivenessCheck("postgres", time.Second, tt.check)
				for range tt.runs {
					h.liveness[0].run(context.Background())
				}
			}

			w := httptest.NewRecorder()
			h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			body := decodeStatus(t, w)
			assert.Equal(t, tt.status, body.Status)
			if tt.code != http.StatusOK {
				assert.Equal(t, "connection refused", body.Checks["postgres"])
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing)
	h.AddReadinessCheck("redis", time.Second, failing("redis down"))

	w := httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeStatus(t, w).Checks, "_readiness")

	h.SetReady(true)
	w = httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, h.IsReady())

	for range failureThreshold {
		h.readiness[1].run(context.Background())
	}
	w = httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeStatus(t, w)
	assert.Equal(t, "redis down", body.Checks["redis"])
	assert.NotContains(t, body.Checks, "postgres")
	assert.False(t, h.IsReady())
}

func TestReadyEndpoint_PingCheck(t *testing.T) {
	tests := []struct {
		name   string
		pinger pinger
		code   int
		check  string
	}{
		{name: "reachable", code: http.StatusOK},
		{name: "unreachable", pinger: pinger{err: errors.New("refused")}, code: http.StatusServiceUnavailable, check: "ping: refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			h.AddReadinessCheck("postgres", time.Second, PingCheck(tt.pinger))
			h.SetReady(true)
			for range failureThreshold {
				h.readiness[0].run(context.Background())
			}

			w := httptest.NewRecorder()
			h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.code == http.StatusOK, h.IsReady())
			if tt.check != "" {
				assert.Equal(t, tt.check, decodeStatus(t, w).Checks["postgres"])
			}
		})
	}
}

func TestProbeRecovers(t *testing.T) {
	down := true
	p := newProbe("flaky", time.Second, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	})
	for range failureThreshold {
		p.run(context.Background())
	}
	_, failed := p.failure()
	assert.True(t, failed)

	down = false
	p.run(context.Background())
	_, failed = p.failure()
	assert.False(t, failed)
}

func TestStartStop(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, GoroutineCountCheck(1_000_000))
	h.AddReadinessCheck("postgres", time.Second, PingCheck(pinger{}))
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()

	h.Stop()
	h.Stop()
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, PingCheck(pinger{})(ctx))
	assert.ErrorContains(t, PingCheck(pinger{err: errors.New("refused")})(ctx), "refused")

	assert.NoError(t, GoroutineCountCheck(1_000_000)(ctx))
	assert.ErrorContains(t, GoroutineCountCheck(0)(ctx), "exceeds threshold")
}
