package adapter

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the subset of a websocket connection the relay needs. Both the
// client leg and the backend leg satisfy it, as does *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// correlatable is the envelope shape we peek at to track in-flight
// exchanges. Frames without an event id still relay verbatim.
type correlatable struct {
	EventID string `json:"event_id"`
}

// Session relays frames verbatim between a downstream client and one
// upstream backend deployment. It owns both connections for its lifetime
// and tears both down when either leg ends.
type Session struct {
	ID      string
	client  Conn
	backend Conn
	log     *zap.Logger

	// release returns the permit and inflight slot held for the backend
	// deployment. Called exactly once, on teardown.
	release func()

	mu        sync.Mutex
	inflight  map[string]time.Time
	inputLog  [][]byte
	outputLog [][]byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(id string, client, backend Conn, release func(), log *zap.Logger) *Session {
	if release == nil {
		release = func() {}
	}
	return &Session{
		ID:       id,
		client:   client,
		backend:  backend,
		log:      log,
		release:  release,
		inflight: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// Run drives both relay loops and blocks until the session ends. The two
// directions are independent goroutines; the first one to fail closes the
// session.
func (s *Session) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.clientToBackend()
	}()
	go func() {
		defer wg.Done()
		s.backendToClient()
	}()
	wg.Wait()
	s.teardown(websocket.CloseNormalClosure, "")
}

func (s *Session) clientToBackend() {
	defer s.teardown(websocket.CloseNormalClosure, "")
	for {
		mt, msg, err := s.client.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.log.Warn("client read failed",
					zap.String("session_id", s.ID), zap.Error(err))
			}
			return
		}
		s.recordInput(msg)
		if err := s.backend.WriteMessage(mt, msg); err != nil {
			s.log.Warn("backend write failed",
				zap.String("session_id", s.ID), zap.Error(err))
			s.teardown(websocket.CloseGoingAway, "upstream unavailable")
			return
		}
	}
}

func (s *Session) backendToClient() {
	for {
		mt, msg, err := s.backend.ReadMessage()
		if err != nil {
			code, reason := backendCloseStatus(err)
			if !isExpectedClose(err) {
				s.log.Warn("backend read failed",
					zap.String("session_id", s.ID), zap.Error(err))
			}
			s.teardown(code, reason)
			return
		}
		s.recordOutput(msg)
		if err := s.client.WriteMessage(mt, msg); err != nil {
			s.teardown(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (s *Session) recordInput(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputLog = append(s.inputLog, msg)
	var env correlatable
	if err := json.Unmarshal(msg, &env); err == nil && env.EventID != "" {
		s.inflight[env.EventID] = time.Now()
	}
}

func (s *Session) recordOutput(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputLog = append(s.outputLog, msg)
	var env correlatable
	if err := json.Unmarshal(msg, &env); err == nil && env.EventID != "" {
		delete(s.inflight, env.EventID)
	}
}

// Inflight reports exchanges the client opened that the backend has not yet
// answered.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Transcript returns copies of the append-only frame logs, client first.
func (s *Session) Transcript() (input, output [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	input = make([][]byte, len(s.inputLog))
	copy(input, s.inputLog)
	output = make([][]byte, len(s.outputLog))
	copy(output, s.outputLog)
	return input, output
}

func (s *Session) teardown(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(time.Second)
		_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.client.Close()
		_ = s.backend.Close()
		s.release()

		// the surviving relay loop may still be appending
		s.mu.Lock()
		framesIn, framesOut := len(s.inputLog), len(s.outputLog)
		s.mu.Unlock()
		s.log.Info("session closed",
			zap.String("session_id", s.ID),
			zap.Int("frames_in", framesIn),
			zap.Int("frames_out", framesOut))
	})
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// backendCloseStatus maps a backend read failure to the close status the
// client should see. Backend close codes pass through; transport-level
// failures surface as an abnormal upstream condition.
func backendCloseStatus(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return websocket.CloseNormalClosure, ""
		default:
			return ce.Code, ce.Text
		}
	}
	return websocket.CloseInternalServerErr, "upstream connection lost"
}
