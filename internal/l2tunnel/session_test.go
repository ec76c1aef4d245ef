// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package l2tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGateway is a minimal in-process stand-in for the backend gateway
// described in spec.md §4.6: POST /session mints a cookie and advertises
// the /l2 path, then GET /l2 upgrades to a WebSocket only when the
// cookie is present, offering Subprotocol during the upgrade.
type testGateway struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	validCookies map[string]bool
	lastRecv     []byte
	echo         bool
}

func newTestGateway(echo bool) *testGateway {
	gw := &testGateway{
		validCookies: make(map[string]bool),
		echo:         echo,
	}
	gw.upgrader = websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}

	router := mux.NewRouter()
	router.HandleFunc("/session", gw.handleSession).Methods(http.MethodPost)
	router.HandleFunc(SessionPath, gw.handleL2)
	gw.server = httptest.NewServer(router)
	return gw
}

func (gw *testGateway) handleSession(w http.ResponseWriter, r *http.Request) {
	cookie := &http.Cookie{Name: "aero-session", Value: "tok-1"}
	http.SetCookie(w, cookie)

	gw.mu.Lock()
	gw.validCookies[cookie.Value] = true
	gw.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"endpoints":{"l2":"` + SessionPath + `"}}`))
}

func (gw *testGateway) handleL2(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie("aero-session")
	gw.mu.Lock()
	authorized := err == nil && gw.validCookies[c.Value]
	gw.mu.Unlock()
	if !authorized {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		rec, _, err := DecodeRecord(data)
		if err != nil {
			continue
		}
		gw.mu.Lock()
		gw.lastRecv = rec.Payload
		gw.mu.Unlock()
		if gw.echo && rec.Type == RecordFrame {
			conn.WriteMessage(websocket.BinaryMessage, FrameRecord(rec.Payload).Encode())
		}
	}
}

func (gw *testGateway) Close() { gw.server.Close() }

func TestSessionConnectAndSendFrame(t *testing.T) {
	gw := newTestGateway(false)
	defer gw.Close()

	s, err := NewSession(gw.server.URL)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	require.NoError(t, s.SendFrame([]byte{0xde, 0xad, 0xbe, 0xef}))

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.lastRecv) == 4
	}, time.Second, 10*time.Millisecond)
}

func TestSessionReceivesFrameRecords(t *testing.T) {
	gw := newTestGateway(true)
	defer gw.Close()

	var received [][]byte
	var mu sync.Mutex
	s, err := NewSession(gw.server.URL, WithFrameHandler(func(b []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, b)
	}))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.SendFrame([]byte("hello-frame")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte("hello-frame"), received[0])
	mu.Unlock()
}

func TestSessionRejectsUnauthenticatedUpgrade(t *testing.T) {
	gw := newTestGateway(false)
	defer gw.Close()

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	wsURL := "ws" + gw.server.URL[len("http"):] + SessionPath
	_, resp, err := dialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestErrorThrottleDropsBurstsWithinInterval(t *testing.T) {
	th := newErrorThrottle(100 * time.Millisecond)
	now := time.Now()
	assert.True(t, th.allow(now))
	assert.False(t, th.allow(now.Add(10*time.Millisecond)))
	assert.True(t, th.allow(now.Add(200*time.Millisecond)))
	assert.EqualValues(t, 1, th.droppedCount())
}
