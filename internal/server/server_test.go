package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mesophy/signaged"
	"github.com/mesophy/signaged/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *httptest.Server) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "signaged.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := New(Config{DrainInterval: 50 * time.Millisecond}, st)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, st, ts
}

func provisionTestDevice(t *testing.T, st *store.Store, deviceID string) string {
	t.Helper()
	_, token, err := st.ProvisionDevice(context.Background(), deviceID, "")
	require.NoError(t, err)
	return token
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHeartbeatUnknownTokenIs401(t *testing.T) {
	_, st, ts := newTestServer(t)
	provisionTestDevice(t, st, "pi-lobby")

	resp := postJSON(t, ts.URL+"/api/devices/heartbeat", "wrong-token", map[string]string{"status": "online"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The failed heartbeat left the device untouched.
	device, err := st.GetDevice(context.Background(), "pi-lobby")
	require.NoError(t, err)
	require.True(t, device.LastSeenAt.IsZero())
	require.Equal(t, signaged.StatusOffline, device.Status)
}

func TestHeartbeatAckCarriesSyncRequired(t *testing.T) {
	_, st, ts := newTestServer(t)
	token := provisionTestDevice(t, st, "pi-lobby")

	resp := postJSON(t, ts.URL+"/api/devices/heartbeat", token, map[string]any{
		"status":      "online",
		"system_info": map[string]any{"cpu_percent": 40.0},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack heartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.Equal(t, "pi-lobby", ack.Device.DeviceID)
	require.Equal(t, "online", ack.Device.Status)
	require.True(t, ack.SyncRequired, "never-synced device must be told to resync")
	require.Equal(t, 300, ack.NextHeartbeatSeconds)
	require.NotNil(t, ack.Device.LastSeenAt)
}

func TestHeartbeatMalformedBodyUsesDefaults(t *testing.T) {
	_, st, ts := newTestServer(t)
	token := provisionTestDevice(t, st, "pi-lobby")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/devices/heartbeat", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	device, err := st.GetDevice(context.Background(), "pi-lobby")
	require.NoError(t, err)
	require.Equal(t, signaged.StatusOnline, device.Status)
}

func TestSyncCompleteClearsResyncRecommendation(t *testing.T) {
	_, st, ts := newTestServer(t)
	token := provisionTestDevice(t, st, "pi-lobby")

	resp := postJSON(t, ts.URL+"/api/devices/sync/complete", token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/devices/heartbeat", token, map[string]string{"status": "online"})
	defer resp.Body.Close()
	var ack heartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.False(t, ack.SyncRequired)
	require.EqualValues(t, 1, ack.Device.SyncVersion)
}

func TestEnqueueUnknownDeviceIs404(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/notifications", "", map[string]any{
		"device_id": "ghost",
		"kind":      "content_update",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueCreatesEntry(t *testing.T) {
	_, st, ts := newTestServer(t)
	provisionTestDevice(t, st, "pi-lobby")

	resp := postJSON(t, ts.URL+"/api/notifications", "", map[string]any{
		"device_id": "pi-lobby",
		"kind":      "system_message",
		"payload":   map[string]string{"text": "hello"},
		"priority":  2,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created notificationJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotZero(t, created.ID)
	require.Equal(t, "system_message", created.Kind)
	require.Equal(t, 2, created.Priority)
	require.Nil(t, created.DeliveredAt)

	pending, err := st.ListPending(context.Background(), "pi-lobby")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

type sseEvent struct {
	Type string
	Data string
}

// readSSE parses events off the wire until count events arrived or the
// deadline passes.
func readSSE(t *testing.T, body *bufio.Reader, count int) []sseEvent {
	t.Helper()
	var events []sseEvent
	current := sseEvent{}
	deadline := time.Now().Add(5 * time.Second)
	for len(events) < count {
		require.True(t, time.Now().Before(deadline), "timed out reading SSE events, got %d of %d", len(events), count)
		line, err := body.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Type != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	return events
}

func TestStreamDeliversBacklogAndLiveEnqueues(t *testing.T) {
	_, st, ts := newTestServer(t)
	token := provisionTestDevice(t, st, "pi-lobby")

	// Backlog accumulated while the device was offline.
	first, err := st.EnqueueNotification(context.Background(), "pi-lobby", signaged.KindContentUpdate, nil, 0)
	require.NoError(t, err)
	second, err := st.EnqueueNotification(context.Background(), "pi-lobby", signaged.KindSystemMessage, json.RawMessage(`{"text":"hi"}`), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/devices/notifications/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Device-ID", "pi-lobby")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	events := readSSE(t, reader, 3)
	require.Equal(t, "connected", events[0].Type)
	require.Equal(t, "content_update", events[1].Type)
	require.Equal(t, "system_message", events[2].Type)

	var payload signaged.StreamPayload
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &payload))
	require.Equal(t, first.ID, payload.ID)
	require.NoError(t, json.Unmarshal([]byte(events[2].Data), &payload))
	require.Equal(t, second.ID, payload.ID)

	// An enqueue while connected is pushed without reconnecting.
	resp2 := postJSON(t, ts.URL+"/api/notifications", "", map[string]any{
		"device_id": "pi-lobby",
		"kind":      "reboot",
	})
	resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	live := readSSE(t, reader, 1)
	require.Equal(t, "reboot", live[0].Type)

	// Everything delivered exactly once.
	pending, err := st.ListPending(context.Background(), "pi-lobby")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestStreamTargetMismatchIs404(t *testing.T) {
	_, st, ts := newTestServer(t)
	token := provisionTestDevice(t, st, "pi-lobby")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/devices/notifications/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Device-ID", "someone-else")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamUnknownTokenIs401(t *testing.T) {
	_, _, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/devices/notifications/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer bogus")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListDevicesDerivesPresumedOffline(t *testing.T) {
	_, st, ts := newTestServer(t)
	token := provisionTestDevice(t, st, "pi-fresh")
	provisionTestDevice(t, st, "pi-stale")

	resp := postJSON(t, ts.URL+"/api/devices/heartbeat", token, map[string]string{"status": "online"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	listResp, err := http.Get(ts.URL + "/api/devices")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var body struct {
		Devices []deviceSummary `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&body))
	require.Len(t, body.Devices, 2)
	byID := map[string]deviceSummary{}
	for _, d := range body.Devices {
		byID[d.DeviceID] = d
	}
	require.NotNil(t, byID["pi-fresh"].PresumedOffline)
	require.False(t, *byID["pi-fresh"].PresumedOffline)
	require.NotNil(t, byID["pi-stale"].PresumedOffline)
	require.True(t, *byID["pi-stale"].PresumedOffline)
}

func TestProvisionEndpointReturnsTokenOnce(t *testing.T) {
	_, st, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/devices", "", map[string]string{
		"device_id": "pi-new",
		"name":      "Entrance",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Device      deviceSummary `json:"device"`
		DeviceToken string        `json:"device_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "pi-new", body.Device.DeviceID)
	require.NotEmpty(t, body.DeviceToken)

	resolved, err := st.ResolveDevice(context.Background(), body.DeviceToken)
	require.NoError(t, err)
	require.Equal(t, "pi-new", resolved.DeviceID)
}
