package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.MessageSent("Reader")
	m.ConversationCreated()
	m.AuthorizationDenied("chat.GetConversation")
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetRooms(3)
	m.PushResult(PushDelivered)
	m.ObservePublish(time.Millisecond)
	m.ObserveHTTP("GET", "/healthz", "2xx", time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 404 {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rr.Code)
	}
}

func TestMetricsRecordAndExpose(t *testing.T) {
	t.Parallel()

	m := New()
	m.MessageSent("Reader")
	m.MessageSent("Reader")
	m.MessageSent("Staff")
	m.PushResult(PushDropped)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetRooms(4)

	if got := testutil.ToFloat64(m.messagesSent.WithLabelValues("Reader")); got != 2 {
		t.Fatalf("reader messages=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.wsConnections); got != 1 {
		t.Fatalf("connections=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.wsRooms); got != 4 {
		t.Fatalf("rooms=%v want 4", got)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		`libris_chat_messages_sent_total{sender_type="Staff"} 1`,
		`libris_ws_push_deliveries_total{result="dropped"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
