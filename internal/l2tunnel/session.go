// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package l2tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var sessionLog = logrus.NewEntry(logrus.StandardLogger()).WithField("subsystem", "l2tunnel")

// SetLogger overrides the package logger.
func SetLogger(logger logrus.FieldLogger) {
	sessionLog = logger.WithField("subsystem", "l2tunnel")
}

// sessionBootstrapResponse is the body of the POST /session response.
type sessionBootstrapResponse struct {
	Endpoints struct {
		L2 string `json:"l2"`
	} `json:"endpoints"`
}

// Session is the client half of the L2 tunnel: it bootstraps a session
// cookie over HTTP, then opens a WebSocket negotiating Subprotocol, and
// exchanges typed Records over it.
type Session struct {
	gatewayURL string
	httpClient *http.Client
	dialer     *websocket.Dialer

	errThrottle *errorThrottle

	mu       sync.Mutex
	conn     *websocket.Conn
	l2Path   string
	closed   bool
	onFrame  func([]byte)
	errCh    chan error
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithErrorThrottleInterval overrides DefaultErrorThrottleInterval.
func WithErrorThrottleInterval(d time.Duration) Option {
	return func(s *Session) { s.errThrottle = newErrorThrottle(d) }
}

// WithFrameHandler registers the callback invoked for every FRAME
// record received from the gateway.
func WithFrameHandler(fn func(ethernetFrame []byte)) Option {
	return func(s *Session) { s.onFrame = fn }
}

// NewSession constructs a Session targeting gatewayURL (e.g.
// "https://vm.example.com"), not yet connected.
func NewSession(gatewayURL string, opts ...Option) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating cookie jar")
	}

	s := &Session{
		gatewayURL:  strings.TrimRight(gatewayURL, "/"),
		httpClient:  &http.Client{Jar: jar},
		dialer:      &websocket.Dialer{},
		errThrottle: newErrorThrottle(DefaultErrorThrottleInterval),
		errCh:       make(chan error, 1),
		l2Path:      SessionPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect performs the session-cookie bootstrap POST, then opens the
// WebSocket at the discovered (or default) /l2 path negotiating
// Subprotocol (spec.md §4.6 Protocol flow, steps 1-2).
func (s *Session) Connect(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return errors.Wrap(err, "session bootstrap")
	}
	if err := s.dial(ctx); err != nil {
		return err
	}
	sessionLog.WithField("path", s.l2Path).Info("l2 tunnel session established")
	return nil
}

func (s *Session) bootstrap(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL+"/session", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("session bootstrap returned status %d", resp.StatusCode)
	}

	var body sessionBootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Endpoints.L2 != "" {
		s.l2Path = body.Endpoints.L2
	}
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	wsURL, err := s.websocketURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if cookies := s.httpClient.Jar.Cookies(mustParseURL(s.gatewayURL)); len(cookies) > 0 {
		var parts []string
		for _, c := range cookies {
			parts = append(parts, c.Name+"="+c.Value)
		}
		header.Set("Cookie", strings.Join(parts, "; "))
	}

	dialer := *s.dialer
	dialer.Subprotocols = []string{Subprotocol}

	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return errors.Wrap(err, "dialing l2 websocket")
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *Session) websocketURL() (string, error) {
	u, err := url.Parse(s.gatewayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = s.l2Path
	return u.String(), nil
}

func mustParseURL(raw string) *url.URL {
	u, _ := url.Parse(raw)
	return u
}

// readLoop decodes incoming messages as Records and dispatches FRAME
// records to onFrame. Errors are reported through emitError, throttled.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			sessionLog.WithError(err).Warn("l2 websocket read loop exiting")
			s.emitError(errors.Wrap(err, "l2 websocket read failed"))
			return
		}

		for len(data) > 0 {
			rec, n, err := DecodeRecord(data)
			if err != nil {
				s.emitError(errors.Wrap(err, "decoding l2 record"))
				break
			}
			data = data[n:]
			if rec.Type == RecordFrame && s.onFrame != nil {
				s.onFrame(rec.Payload)
			}
		}
	}
}

// emitError posts err to Errors(), dropping it if the throttle interval
// has not elapsed since the last emission.
func (s *Session) emitError(err error) {
	if !s.errThrottle.allow(time.Now()) {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}

// Errors returns the channel error events are delivered on, throttled
// per spec.md §4.6.
func (s *Session) Errors() <-chan error {
	return s.errCh
}

// SendFrame writes an ethernet frame to the gateway as a FRAME record.
func (s *Session) SendFrame(ethernetFrame []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("l2tunnel: not connected")
	}
	return conn.WriteMessage(websocket.BinaryMessage, FrameRecord(ethernetFrame).Encode())
}

// Close closes the underlying WebSocket, if open.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if conn == nil || already {
		return nil
	}
	return conn.Close()
}
