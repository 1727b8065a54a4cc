package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startHub serves the hub over httptest with the client identity taken from
// query parameters, so tests can connect several distinct users.
func startHub(t *testing.T, opts ...HubOption) (*Hub, *httptest.Server) {
	t.Helper()

	h := NewHub(opts...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := ClientInfo{
			UserID:         r.URL.Query().Get("user"),
			OrganizationID: r.URL.Query().Get("org"),
		}
		if topics := r.URL.Query().Get("topics"); topics != "" {
			info.Topics = strings.Split(topics, ",")
		}
		if allowed := r.URL.Query().Get("allowed"); allowed != "" {
			info.Allowed = make(map[string]struct{})
			for _, topic := range strings.Split(allowed, ",") {
				info.Allowed[topic] = struct{}{}
			}
		}
		h.Serve(info, w, r)
	}))

	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return h, srv
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func awaitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Size() == want }, 2*time.Second, 10*time.Millisecond)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var msg Message
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "expected no message, got %+v", msg)
}

// sendControl writes a control frame and waits for the ping acknowledgement,
// which guarantees the hub processed everything sent before it.
func sendControl(t *testing.T, conn *websocket.Conn, action string, topics ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(controlMessage{Action: action, Topics: topics}))
	require.NoError(t, conn.WriteJSON(controlMessage{Action: "ping"}))
	msg := readMessage(t, conn)
	require.Equal(t, "pong", msg.Event)
}

func TestHubDeliversToUser(t *testing.T) {
	h, srv := startHub(t)
	conn := dialHub(t, srv, "user=user-1&org=org-1")
	awaitClients(t, h, 1)

	h.NotifyUser("org-1", "user-1", TopicNotification, map[string]any{"invoice": "INV-1"})

	msg := readMessage(t, conn)
	require.Equal(t, TopicNotification, msg.Topic)
	require.Equal(t, map[string]any{"invoice": "INV-1"}, msg.Data)
}

func TestHubScopesDelivery(t *testing.T) {
	h, srv := startHub(t)
	alpha := dialHub(t, srv, "user=user-1&org=org-1")
	beta := dialHub(t, srv, "user=user-2&org=org-1")
	gamma := dialHub(t, srv, "user=user-3&org=org-2")
	awaitClients(t, h, 3)

	h.NotifyUser("org-1", "user-1", TopicNotification, map[string]any{"n": float64(1)})
	msg := readMessage(t, alpha)
	require.Equal(t, map[string]any{"n": float64(1)}, msg.Data)
	expectSilence(t, beta)
	expectSilence(t, gamma)

	// The tenant guard drops a user addressed under the wrong organization.
	h.NotifyUser("org-2", "user-1", TopicNotification, map[string]any{"n": float64(2)})
	expectSilence(t, alpha)

	h.NotifyOrg("org-1", TopicNotification, map[string]any{"n": float64(3)})
	require.Equal(t, map[string]any{"n": float64(3)}, readMessage(t, alpha).Data)
	require.Equal(t, map[string]any{"n": float64(3)}, readMessage(t, beta).Data)
	expectSilence(t, gamma)
}

func TestHubControlSubscriptions(t *testing.T) {
	h, srv := startHub(t)
	conn := dialHub(t, srv, "user=user-1&org=org-1&topics=notification")
	awaitClients(t, h, 1)

	h.NotifyUser("org-1", "user-1", TopicAssistDelta, map[string]any{"token": "he"})
	expectSilence(t, conn)

	sendControl(t, conn, "subscribe", TopicAssistDelta)
	h.NotifyUser("org-1", "user-1", TopicAssistDelta, map[string]any{"token": "llo"})
	msg := readMessage(t, conn)
	require.Equal(t, TopicAssistDelta, msg.Topic)
	require.Equal(t, map[string]any{"token": "llo"}, msg.Data)

	sendControl(t, conn, "unsubscribe", TopicAssistDelta)
	h.NotifyUser("org-1", "user-1", TopicAssistDelta, map[string]any{"token": "!"})
	expectSilence(t, conn)
}

func TestHubEnforcesAllowedTopics(t *testing.T) {
	h, srv := startHub(t)
	conn := dialHub(t, srv, "user=user-1&org=org-1&topics=notification,monitoring.alert&allowed=notification")
	awaitClients(t, h, 1)

	// The initial request for monitoring.alert was outside the allowed set.
	h.NotifyOrg("org-1", TopicMonitoringAlert, map[string]any{"check": "database"})
	expectSilence(t, conn)

	// Subscribing later does not help either.
	sendControl(t, conn, "subscribe", TopicMonitoringAlert)
	h.NotifyOrg("org-1", TopicMonitoringAlert, map[string]any{"check": "cache"})
	expectSilence(t, conn)

	h.NotifyUser("org-1", "user-1", TopicNotification, map[string]any{"ok": true})
	require.Equal(t, map[string]any{"ok": true}, readMessage(t, conn).Data)
}

func TestHubBroadcastReachesAllTenants(t *testing.T) {
	h, srv := startHub(t)
	admin := dialHub(t, srv, "user=user-1&org=org-1&topics=monitoring.alert")
	operator := dialHub(t, srv, "user=user-2&org=org-2&topics=monitoring.alert")
	bystander := dialHub(t, srv, "user=user-3&org=org-1")
	awaitClients(t, h, 3)

	h.Broadcast(Message{Topic: TopicMonitoringAlert, Event: "check.down", Data: map[string]any{"component": "database"}})

	for _, conn := range []*websocket.Conn{admin, operator} {
		msg := readMessage(t, conn)
		require.Equal(t, TopicMonitoringAlert, msg.Topic)
		require.Equal(t, "check.down", msg.Event)
	}
	// Default subscriptions do not include monitoring alerts.
	expectSilence(t, bystander)
}

func TestHubIgnoresUnknownTopics(t *testing.T) {
	h, srv := startHub(t)
	conn := dialHub(t, srv, "user=user-1&org=org-1&topics=gossip")
	awaitClients(t, h, 1)

	sendControl(t, conn, "subscribe", "gossip")
	h.PublishToUser("org-1", "user-1", Message{Topic: "gossip", Data: "x"})
	expectSilence(t, conn)
}

func TestHubDropsSlowClients(t *testing.T) {
	h, srv := startHub(t, WithSendBuffer(1))
	conn := dialHub(t, srv, "user=user-1&org=org-1")
	awaitClients(t, h, 1)

	// The peer never reads, so a burst overruns its queue and the hub
	// disconnects it instead of stalling the run loop.
	for i := 0; i < 500; i++ {
		h.NotifyUser("org-1", "user-1", TopicNotification, map[string]any{"seq": i})
	}
	awaitClients(t, h, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// The hub keeps serving new clients afterwards.
	fresh := dialHub(t, srv, "user=user-2&org=org-1")
	awaitClients(t, h, 1)
	h.NotifyUser("org-1", "user-2", TopicNotification, map[string]any{"ok": true})
	require.Equal(t, map[string]any{"ok": true}, readMessage(t, fresh).Data)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	h, srv := startHub(t)
	alpha := dialHub(t, srv, "user=user-1&org=org-1")
	beta := dialHub(t, srv, "user=user-2&org=org-1")
	awaitClients(t, h, 2)

	h.Close()
	require.Equal(t, 0, h.Size())

	for _, conn := range []*websocket.Conn{alpha, beta} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}

	// Publishing after shutdown is a no-op rather than a deadlock.
	h.NotifyUser("org-1", "user-1", TopicNotification, map[string]any{"late": true})

	// New upgrades are refused.
	resp, err := http.Get(srv.URL + "/?user=user-3&org=org-1")
	require.NoError(t, err)
	defer http.DefaultClient.CloseIdleConnections()
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
