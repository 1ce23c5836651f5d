// Package relay bridges browser websocket connections to the speech
// recognition backend, injecting the credential headers the browser cannot
// set itself. Frames pass through unmodified in both directions; the relay
// adds no protocol knowledge of its own.
package relay

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/klinika/server/internal/auth"
)

const (
	// Time allowed to write a message to either peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from the browser.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The relay runs next to the web app; credentials never reach the
		// browser, so cross-origin dials gain nothing.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config carries the upstream endpoint and the credentials injected into
// every upstream handshake.
type Config struct {
	UpstreamURL string
	ResourceID  string
	AppKey      string
	AccessKey   string

	// OutboundProxyURL routes the upstream dial through a forward proxy.
	// Empty means direct (honoring the standard proxy environment variables).
	OutboundProxyURL string

	// JWTSecret, when set, requires a valid session token in the "token"
	// query parameter before upgrading.
	JWTSecret []byte

	HandshakeTimeout time.Duration
}

// Notice is the JSON control message the relay sends to the browser as a
// text frame. Binary frames are reserved for the recognition protocol.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Relay upgrades browser connections and bridges each one to its own
// upstream connection.
type Relay struct {
	cfg    Config
	logger *zap.Logger
}

// NewRelay creates a relay for the given upstream.
func NewRelay(cfg Config, logger *zap.Logger) *Relay {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Relay{cfg: cfg, logger: logger}
}

// Handle is the echo handler for the relay endpoint.
func (r *Relay) Handle(c echo.Context) error {
	if len(r.cfg.JWTSecret) > 0 {
		token := c.QueryParam("token")
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing token"})
		}
		if _, err := auth.ValidateToken(r.cfg.JWTSecret, token); err != nil {
			r.logger.Warn("rejected relay connection", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
	}

	if r.cfg.AppKey == "" || r.cfg.AccessKey == "" {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "recognition credentials not configured"})
	}

	client, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", zap.Error(err))
		return err
	}

	go r.bridge(client)
	return nil
}

// queuedFrame preserves the websocket message type of a frame that arrived
// before the upstream connection opened.
type queuedFrame struct {
	messageType int
	data        []byte
}

// bridge owns one browser connection and its upstream counterpart.
type bridge struct {
	logger *zap.Logger

	client   *websocket.Conn
	upstream *websocket.Conn

	// mu guards queue, ready, failed, closing, and all writes to upstream so
	// queued frames drain before any live frame goes out.
	mu     sync.Mutex
	queue  []queuedFrame
	ready  bool
	failed bool
	// closing means a loop has exited and the bridge is tearing down. A dial
	// completing afterwards must close the fresh connection instead of
	// bridging it: the client may disconnect while the handshake is still in
	// flight, and nobody else will ever tear that connection down.
	closing bool

	// clientWriteMu serializes pass-through frames and control notices to
	// the browser.
	clientWriteMu sync.Mutex

	closeClientOnce   sync.Once
	closeUpstreamOnce sync.Once
}

func (r *Relay) bridge(client *websocket.Conn) {
	requestID := uuid.NewString()
	connectID := uuid.NewString()
	logger := r.logger.With(
		zap.String("request_id", requestID),
		zap.String("connect_id", connectID),
	)

	b := &bridge{logger: logger, client: client}
	client.SetReadLimit(maxMessageSize)

	// Read the browser immediately: audio can start arriving while the
	// upstream handshake is still in flight, and those frames must not be
	// lost or reordered.
	go b.clientLoop()

	dialer := websocket.Dialer{
		HandshakeTimeout: r.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if r.cfg.OutboundProxyURL != "" {
		proxyURL, err := url.Parse(r.cfg.OutboundProxyURL)
		if err != nil {
			logger.Error("invalid outbound proxy url", zap.Error(err))
			b.fail("relay misconfigured")
			return
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	header := http.Header{}
	header.Set("X-Api-Resource-Id", r.cfg.ResourceID)
	header.Set("X-Api-Access-Key", r.cfg.AccessKey)
	header.Set("X-Api-App-Key", r.cfg.AppKey)
	header.Set("X-Api-Request-Id", requestID)
	header.Set("X-Api-Connect-Id", connectID)

	upstream, resp, err := dialer.Dial(r.cfg.UpstreamURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Error("upstream dial failed",
			zap.Int("status", status),
			zap.Error(err))
		b.fail("failed to connect to recognition backend: " + err.Error())
		return
	}

	logger.Info("upstream connected",
		zap.String("log_id", resp.Header.Get("X-Tt-Logid")),
	)

	if b.open(upstream) {
		b.upstreamLoop()
	}
}

// open adopts the freshly dialed upstream, tells the browser the bridge is
// ready, then drains the queued frames in arrival order and switches to
// pass-through. Holding mu during the drain blocks the client loop from
// writing a live frame ahead of the backlog.
func (b *bridge) open(upstream *websocket.Conn) bool {
	b.mu.Lock()
	if b.closing {
		// The client went away while the handshake was in flight.
		b.mu.Unlock()
		upstream.Close()
		return false
	}
	b.upstream = upstream
	b.mu.Unlock()

	b.notify(Notice{Type: "connected"})

	b.mu.Lock()
	for _, frame := range b.queue {
		upstream.SetWriteDeadline(time.Now().Add(writeWait))
		if err := upstream.WriteMessage(frame.messageType, frame.data); err != nil {
			b.logger.Error("failed to flush queued frame", zap.Error(err))
			b.mu.Unlock()
			b.closeUpstream()
			b.fail("failed to forward buffered audio")
			return false
		}
	}
	if len(b.queue) > 0 {
		b.logger.Debug("flushed queued frames", zap.Int("count", len(b.queue)))
	}
	b.queue = nil
	b.ready = true
	b.mu.Unlock()
	return true
}

// fail tells the browser the bridge is unusable and closes it.
func (b *bridge) fail(message string) {
	b.mu.Lock()
	b.failed = true
	b.queue = nil
	b.mu.Unlock()

	b.notify(Notice{Type: "error", Message: message})
	b.closeClient()
}

// notify sends a JSON control notice to the browser as a text frame.
func (b *bridge) notify(n Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	b.clientWriteMu.Lock()
	defer b.clientWriteMu.Unlock()
	b.client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.client.WriteMessage(websocket.TextMessage, data); err != nil {
		b.logger.Debug("failed to send notice", zap.String("type", n.Type), zap.Error(err))
	}
}

// clientLoop forwards browser frames upstream, queueing any that arrive
// before the upstream handshake completes.
func (b *bridge) clientLoop() {
	defer func() {
		b.closeUpstream()
		b.closeClient()
	}()

	for {
		messageType, data, err := b.client.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("client read error", zap.Error(err))
			} else {
				b.logger.Debug("client disconnected")
			}
			return
		}

		b.mu.Lock()
		if b.failed {
			b.mu.Unlock()
			return
		}
		if !b.ready {
			b.queue = append(b.queue, queuedFrame{messageType: messageType, data: data})
			b.mu.Unlock()
			continue
		}
		b.upstream.SetWriteDeadline(time.Now().Add(writeWait))
		err = b.upstream.WriteMessage(messageType, data)
		b.mu.Unlock()
		if err != nil {
			b.logger.Error("upstream write failed", zap.Error(err))
			return
		}
	}
}

// upstreamLoop forwards backend frames to the browser until either side
// closes.
func (b *bridge) upstreamLoop() {
	defer func() {
		b.closeUpstream()
		b.closeClient()
	}()

	for {
		messageType, data, err := b.upstream.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("upstream read error", zap.Error(err))
				b.notify(Notice{Type: "error", Message: "recognition backend connection lost"})
			} else {
				b.logger.Debug("upstream closed")
			}
			return
		}

		b.clientWriteMu.Lock()
		b.client.SetWriteDeadline(time.Now().Add(writeWait))
		err = b.client.WriteMessage(messageType, data)
		b.clientWriteMu.Unlock()
		if err != nil {
			b.logger.Error("client write failed", zap.Error(err))
			return
		}
	}
}

func (b *bridge) closeClient() {
	b.closeClientOnce.Do(func() {
		b.client.Close()
	})
}

// closeUpstream marks the bridge as tearing down and closes the upstream leg
// if one has been adopted. The Once is consumed only when a connection
// exists; before that, the closing flag makes open() discard the connection
// the in-flight dial eventually produces.
func (b *bridge) closeUpstream() {
	b.mu.Lock()
	b.closing = true
	upstream := b.upstream
	b.mu.Unlock()
	if upstream != nil {
		b.closeUpstreamOnce.Do(func() {
			upstream.Close()
		})
	}
}
