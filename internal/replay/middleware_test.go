package replay

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/audit"
)

type eventCapture struct {
	events []*audit.Event
}

func (e *eventCapture) Emit(ev *audit.Event) { e.events = append(e.events, ev) }

type flagCapture struct {
	flags []string
}

func (f *flagCapture) Flag(_, flagType, _ string) { f.flags = append(f.flags, flagType) }

func newReplayRouter(strict bool, window time.Duration) (*gin.Engine, *eventCapture, *flagCapture) {
	gin.SetMode(gin.TestMode)
	g := NewGuard(window)
	events := &eventCapture{}
	flags := &flagCapture{}

	r := gin.New()
	r.POST("/op", Middleware(g, strict, events, flags), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r, events, flags
}

func post(r *gin.Engine, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/op", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func freshTS() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func TestMiddlewareMissingTimestamp(t *testing.T) {
	r, events, _ := newReplayRouter(false, 5*time.Minute)

	w := post(r, `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(events.events) != 1 || events.events[0].Kind != audit.KindReplayAttempt {
		t.Errorf("expected one REPLAY_ATTACK_ATTEMPT event, got %+v", events.events)
	}
}

func TestMiddlewareStaleTimestamp(t *testing.T) {
	r, _, flags := newReplayRouter(false, 5*time.Minute)

	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	w := post(r, `{}`, map[string]string{"X-Timestamp": stale})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if len(flags.flags) != 1 || flags.flags[0] != "timestamp_skew" {
		t.Errorf("expected timestamp_skew flag, got %v", flags.flags)
	}
}

func TestMiddlewareStrictRequiresNonce(t *testing.T) {
	r, _, _ := newReplayRouter(true, 5*time.Minute)

	w := post(r, `{}`, map[string]string{"X-Timestamp": freshTS()})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing nonce: expected 400, got %d", w.Code)
	}

	headers := map[string]string{"X-Timestamp": freshTS(), "X-Nonce": "n-1"}
	if w := post(r, `{"a":1}`, headers); w.Code != http.StatusOK {
		t.Fatalf("first keyed request: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := post(r, `{"a":2}`, headers); w.Code != http.StatusConflict {
		t.Fatalf("nonce reuse: expected 409, got %d", w.Code)
	}
}

func TestMiddlewareDuplicateBody(t *testing.T) {
	r, _, flags := newReplayRouter(false, 5*time.Minute)

	ts := freshTS()
	headers := map[string]string{"X-Timestamp": ts}

	if w := post(r, `{"target":"ACCEPTED"}`, headers); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	if w := post(r, `{"target":"ACCEPTED"}`, headers); w.Code != http.StatusConflict {
		t.Fatalf("duplicate request: expected 409, got %d", w.Code)
	}
	if len(flags.flags) != 1 || flags.flags[0] != "replay_attempt" {
		t.Errorf("expected replay_attempt flag, got %v", flags.flags)
	}

	// A different body passes through.
	if w := post(r, `{"target":"CANCELLED"}`, headers); w.Code != http.StatusOK {
		t.Fatalf("different body: expected 200, got %d", w.Code)
	}
}

func TestMiddlewareKeyedRetrySkipsSignature(t *testing.T) {
	r, _, _ := newReplayRouter(false, 5*time.Minute)

	ts := freshTS()
	headers := map[string]string{"X-Timestamp": ts, "Idempotency-Key": "k-1"}

	// An identical keyed submission is the idempotency cache's problem,
	// not a replay rejection.
	if w := post(r, `{"target":"ACCEPTED"}`, headers); w.Code != http.StatusOK {
		t.Fatalf("first keyed request: expected 200, got %d", w.Code)
	}
	if w := post(r, `{"target":"ACCEPTED"}`, headers); w.Code != http.StatusOK {
		t.Fatalf("keyed retry: expected 200, got %d", w.Code)
	}
}

func TestMiddlewareBodyStillReadableDownstream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := NewGuard(5 * time.Minute)

	var seen string
	r := gin.New()
	r.POST("/op", Middleware(g, false, nil, nil), func(c *gin.Context) {
		var req struct {
			Target string `json:"target"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		seen = req.Target
		c.Status(http.StatusOK)
	})

	w := post(r, `{"target":"ACCEPTED"}`, map[string]string{"X-Timestamp": freshTS()})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if seen != "ACCEPTED" {
		t.Errorf("handler did not see the body, got %q", seen)
	}
}
