// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mcpgateway/platform/shared/logger"
)

// outboxCapacity bounds the per-connection backpressure queue. Once this
// many frames are queued, Send drops further frames (returning false)
// rather than letting the gateway's memory grow unbounded.
const outboxCapacity = 256

// backpressureThreshold is the outbox fill fraction past which a
// connection gets a one-shot backpressure-hint, while there's still
// room left to deliver it.
const backpressureThreshold = 0.75

// StallTimeout is how long a connection may go without the client
// draining its outbox before the hub closes it.
const StallTimeout = 30 * time.Second

// helloTimeout bounds how long a freshly upgraded socket may wait for
// its required first hello frame before the hub gives up on it.
const helloTimeout = 10 * time.Second

// historyRetention bounds how long a disconnected session's resume
// token and replay buffer remain valid.
const historyRetention = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // caller validates origin upstream
}

// Authenticator validates the token carried by a client's hello frame,
// the WS analogue of auth.Authenticator.Authenticate for HTTP requests.
type Authenticator func(token string) error

// CancelFunc is invoked when a session sends a cancel frame for requestID.
type CancelFunc func(sessionID, requestID string)

// ClientFrame is every inbound message shape the hub accepts from a
// WebSocket client.
type ClientFrame struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Ack         uint64 `json:"ack,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// ServerEvent is a control message the hub sends outside the normal
// StreamChunk Frame wire shape (presence, resume-expired, backpressure).
type ServerEvent struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// conn wraps one live WebSocket connection with its bounded outbox.
// outbox carries both Frame payloads and ServerEvent control messages so
// a single writer goroutine serializes everything sent to the client.
type conn struct {
	ws          *websocket.Conn
	sessionID   string
	resumeToken string
	outbox      chan any
	hintSent    bool
}

// sessionHistory is a bounded ring buffer of the frames most recently
// sent to a session, kept around after disconnect so a resume can
// replay anything the client missed.
type sessionHistory struct {
	frames    []Frame
	expiresAt time.Time
}

// Hub multiplexes many sessions over many WebSocket connections,
// generalizing the teacher's DAGStreamer register/unregister/broadcast
// pattern to per-session addressed delivery with backpressure and resume.
type Hub struct {
	mu          sync.RWMutex
	bySession   map[string]*conn
	resumeToken map[string]string // resumeToken -> sessionID
	history     map[string]*sessionHistory
	register    chan *conn
	unregister  chan *conn
	onCancel    CancelFunc
	log         *logger.Logger
}

// NewHub constructs an empty Hub. Call Run to start its goroutine.
func NewHub() *Hub {
	return &Hub{
		bySession:   make(map[string]*conn),
		resumeToken: make(map[string]string),
		history:     make(map[string]*sessionHistory),
		register:    make(chan *conn),
		unregister:  make(chan *conn),
		log:         logger.New("gateway.stream.hub"),
	}
}

// OnCancel registers the callback invoked when a client sends a cancel
// frame. Must be called before Accept is first used.
func (h *Hub) OnCancel(fn CancelFunc) {
	h.onCancel = fn
}

// Run starts the hub's single-goroutine loop that owns bySession. It
// exits when done is closed, closing every live connection.
func (h *Hub) Run(done <-chan struct{}) {
	go func() {
		purge := time.NewTicker(historyRetention)
		defer purge.Stop()
		for {
			select {
			case <-done:
				h.mu.Lock()
				for _, c := range h.bySession {
					c.ws.Close()
				}
				h.mu.Unlock()
				return
			case c := <-h.register:
				h.mu.Lock()
				h.bySession[c.sessionID] = c
				h.mu.Unlock()
			case c := <-h.unregister:
				h.mu.Lock()
				if cur, ok := h.bySession[c.sessionID]; ok && cur == c {
					delete(h.bySession, c.sessionID)
					close(c.outbox)
				}
				h.mu.Unlock()
			case <-purge.C:
				h.purgeExpired()
			}
		}
	}()
}

func (h *Hub) purgeExpired() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for token, sessionID := range h.resumeToken {
		hist, ok := h.history[sessionID]
		if !ok || now.After(hist.expiresAt) {
			delete(h.resumeToken, token)
			delete(h.history, sessionID)
		}
	}
}

// Accept upgrades the HTTP request to a WebSocket, requires a first
// hello frame carrying an auth token before admitting the connection,
// and either assigns a new session or resumes a prior one per the
// frame's resume_token/ack fields.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, authenticate Authenticator) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ws.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello ClientFrame
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return fmt.Errorf("stream: hello frame not received: %w", err)
	}
	if hello.Type != "hello" {
		ws.Close()
		return fmt.Errorf("stream: first frame must be type=hello, got %q", hello.Type)
	}
	if err := authenticate(hello.Token); err != nil {
		ws.Close()
		return fmt.Errorf("stream: hello authentication failed: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	sessionID, replay, resumed := h.resolveSession(hello)

	c := &conn{sessionID: sessionID, ws: ws, outbox: make(chan any, outboxCapacity)}
	c.resumeToken = uuid.NewString()
	h.register <- c

	if !resumed && hello.ResumeToken != "" {
		c.outbox <- ServerEvent{Type: "resume-expired", SessionID: sessionID}
	}
	c.outbox <- ServerEvent{Type: "presence", SessionID: sessionID, ResumeToken: c.resumeToken}
	for _, frame := range replay {
		c.outbox <- frame
	}

	go h.writeLoop(c)
	go h.readLoop(c)
	return nil
}

// resolveSession decides the session id a hello frame binds to and,
// if it names a still-valid resume_token, the buffered frames with
// Seq > ack that must be replayed.
func (h *Hub) resolveSession(hello ClientFrame) (sessionID string, replay []Frame, resumed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if hello.ResumeToken != "" {
		if sid, ok := h.resumeToken[hello.ResumeToken]; ok {
			hist := h.history[sid]
			if hist != nil && time.Now().Before(hist.expiresAt) {
				for _, f := range hist.frames {
					if f.Seq > hello.Ack {
						replay = append(replay, f)
					}
				}
				delete(h.resumeToken, hello.ResumeToken)
				return sid, replay, true
			}
		}
		return uuid.NewString(), nil, false
	}

	if hello.SessionID != "" {
		return hello.SessionID, nil, true
	}
	return uuid.NewString(), nil, true
}

func (h *Hub) writeLoop(c *conn) {
	for msg := range c.outbox {
		c.ws.SetWriteDeadline(time.Now().Add(StallTimeout))
		if err := c.ws.WriteJSON(msg); err != nil {
			h.log.Warn(c.sessionID, "", "websocket write failed, closing", map[string]interface{}{"error": err.Error()})
			h.unregister <- c
			c.ws.Close()
			return
		}
	}
}

func (h *Hub) readLoop(c *conn) {
	defer func() {
		h.retainHistory(c)
		h.unregister <- c
		c.ws.Close()
	}()
	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "cancel":
			if h.onCancel != nil {
				h.onCancel(c.sessionID, frame.RequestID)
			}
		case "typing-indicator":
			h.log.Info(c.sessionID, "", "typing indicator received", nil)
		default:
			h.log.Warn(c.sessionID, "", "unrecognized client frame type", map[string]interface{}{"type": frame.Type})
		}
	}
}

// retainHistory preserves the session's resume token and replay buffer
// for historyRetention after a disconnect, so a reconnecting client can
// resume instead of losing in-flight output.
func (h *Hub) retainHistory(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumeToken[c.resumeToken] = c.sessionID
	if h.history[c.sessionID] != nil {
		h.history[c.sessionID].expiresAt = time.Now().Add(historyRetention)
	}
}

// Send enqueues a frame for delivery to sessionID, records it in the
// session's replay history, and — once the outbox crosses
// backpressureThreshold — enqueues a one-shot backpressure-hint ahead of
// actually filling up. Returns false if the session has no live
// connection or its outbox is completely full (backpressure drop — the
// caller should treat this as a stall and end the stream).
func (h *Hub) Send(sessionID string, frame Frame) bool {
	h.mu.Lock()
	c, ok := h.bySession[sessionID]
	if ok {
		hist, exists := h.history[sessionID]
		if !exists {
			hist = &sessionHistory{}
			h.history[sessionID] = hist
		}
		hist.frames = append(hist.frames, frame)
		if len(hist.frames) > outboxCapacity {
			hist.frames = hist.frames[len(hist.frames)-outboxCapacity:]
		}
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	if !c.hintSent && float64(len(c.outbox)) >= float64(outboxCapacity)*backpressureThreshold {
		c.hintSent = true
		select {
		case c.outbox <- ServerEvent{Type: "backpressure-hint", SessionID: sessionID}:
		default:
		}
	}

	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

// Disconnect forcibly closes a session's connection, if any.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.RLock()
	c, ok := h.bySession[sessionID]
	h.mu.RUnlock()
	if ok {
		h.unregister <- c
	}
}

// Connected reports whether a session currently has a live connection.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.bySession[sessionID]
	return ok
}

// OpenCount reports how many WebSocket connections are currently live.
func (h *Hub) OpenCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession)
}
