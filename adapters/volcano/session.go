package volcano

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/klinika/server/domain/repositories"
	"github.com/klinika/server/internal/audio"
)

// State tracks a recognition session through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingConfigAck
	StateStreaming
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfigAck:
		return "awaiting_config_ack"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the connection settings for the recognizer endpoint. All
// timeout values are policy knobs, not protocol constants.
type Config struct {
	URL string

	// ViaRelay means the URL points at the header-injecting relay rather
	// than the recognizer itself: no auth headers are attached, and the
	// session waits for the relay's readiness notice before sending.
	ViaRelay bool

	ResourceID string
	AppKey     string
	AccessKey  string

	UID       string
	ModelName string

	HandshakeTimeout  time.Duration
	AckTimeout        time.Duration
	IdleTimeout       time.Duration
	RelayReadyTimeout time.Duration

	// OutboundProxyURL routes the upstream dial through an HTTP proxy.
	// Empty falls back to the standard proxy environment variables.
	OutboundProxyURL string
}

func (c Config) withDefaults() Config {
	if c.UID == "" {
		c.UID = "demo_uid"
	}
	if c.ModelName == "" {
		c.ModelName = "bigmodel"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.RelayReadyTimeout <= 0 {
		c.RelayReadyTimeout = 5 * time.Second
	}
	return c
}

// requestPayload is the JSON body of the full client request.
type requestPayload struct {
	User    userPayload    `json:"user"`
	Audio   audioPayload   `json:"audio"`
	Request requestOptions `json:"request"`
}

type userPayload struct {
	UID string `json:"uid"`
}

type audioPayload struct {
	Format  string `json:"format"`
	Codec   string `json:"codec"`
	Rate    int    `json:"rate"`
	Bits    int    `json:"bits"`
	Channel int    `json:"channel"`
}

type requestOptions struct {
	ModelName       string `json:"model_name"`
	EnableITN       bool   `json:"enable_itn"`
	EnablePunc      bool   `json:"enable_punc"`
	EnableDDC       bool   `json:"enable_ddc"`
	ShowUtterances  bool   `json:"show_utterances"`
	EnableNonstream bool   `json:"enable_nonstream"`
}

// relayControl is a text-frame JSON notice from the relay's client leg.
type relayControl struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Recognizer dials the streaming recognition endpoint, one session per
// StreamFile call. It implements repositories.SpeechRecognizer.
type Recognizer struct {
	cfg    Config
	logger *zap.Logger
}

// NewRecognizer creates a recognizer for the configured endpoint.
func NewRecognizer(cfg Config, logger *zap.Logger) *Recognizer {
	return &Recognizer{cfg: cfg.withDefaults(), logger: logger}
}

// StreamFile replays a complete WAV buffer as a realtime stream and blocks
// until the server signals completion or the session fails.
func (r *Recognizer) StreamFile(ctx context.Context, data []byte, cfg repositories.AudioConfig, emit repositories.UtteranceSink) error {
	s := &session{
		cfg:    r.cfg,
		logger: r.logger,
		seq:    1,
		done:   make(chan struct{}),
	}
	return s.run(ctx, data, cfg, emit)
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// session owns one streaming recognition conversation. The sequence counter
// belongs to the sending side exclusively; the receive pump never touches it.
type session struct {
	cfg    Config
	logger *zap.Logger

	conn *websocket.Conn
	seq  int32

	segmentDelay time.Duration

	mu    sync.Mutex
	state State

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug("session state change",
			zap.String("from", prev.String()),
			zap.String("to", next.String()))
	}
}

func (s *session) closeConn() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *session) run(ctx context.Context, data []byte, cfg repositories.AudioConfig, emit repositories.UtteranceSink) (err error) {
	defer func() {
		s.closeConn()
		if err != nil {
			s.setState(StateFailed)
		} else {
			s.setState(StateClosed)
		}
	}()

	segmentDuration := time.Duration(cfg.SegmentDurationMs) * time.Millisecond
	if segmentDuration <= 0 {
		segmentDuration = 200 * time.Millisecond
	}
	s.segmentDelay = segmentDuration
	segments := audio.Segment(data, audio.SegmentSize(cfg.Channels, cfg.SampleRate, segmentDuration))
	if len(segments) == 0 {
		return fmt.Errorf("no audio to stream")
	}

	s.setState(StateConnecting)
	if err := s.connect(ctx); err != nil {
		return err
	}

	inbound := make(chan inboundFrame, 32)
	go s.readLoop(inbound)

	if s.cfg.ViaRelay {
		if err := s.awaitRelayReady(ctx, inbound); err != nil {
			return err
		}
	}

	s.setState(StateAwaitingConfigAck)
	if err := s.sendFullRequest(cfg); err != nil {
		return err
	}
	if err := s.awaitConfigAck(ctx, inbound); err != nil {
		return err
	}

	s.setState(StateStreaming)
	s.logger.Info("streaming audio",
		zap.Int("segments", len(segments)),
		zap.Duration("segment_duration", segmentDuration))

	sendDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	pumpCtx, stopPumps := context.WithCancel(gctx)
	defer stopPumps()
	g.Go(func() error {
		defer close(sendDone)
		return s.sendPump(pumpCtx, segments)
	})
	g.Go(func() error {
		// A normal receive-side completion must also stop the send pump;
		// errgroup only cancels on error.
		defer stopPumps()
		return s.receivePump(pumpCtx, inbound, sendDone, emit)
	})
	return g.Wait()
}

func (s *session) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if s.cfg.OutboundProxyURL != "" {
		proxyURL, err := url.Parse(s.cfg.OutboundProxyURL)
		if err != nil {
			return fmt.Errorf("parse outbound proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	var header http.Header
	if !s.cfg.ViaRelay {
		// Direct dial: this process can set custom headers itself.
		header = http.Header{}
		header.Set("X-Api-Resource-Id", s.cfg.ResourceID)
		header.Set("X-Api-Request-Id", uuid.NewString())
		header.Set("X-Api-Connect-Id", uuid.NewString())
		header.Set("X-Api-Access-Key", s.cfg.AccessKey)
		header.Set("X-Api-App-Key", s.cfg.AppKey)
	}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial recognizer: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("dial recognizer: %w", err)
	}
	s.conn = conn
	return nil
}

// readLoop moves raw frames from the socket onto a channel so the consumers
// can apply their own timeout policies without poisoning the connection with
// read deadlines.
func (s *session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		frame := inboundFrame{messageType: messageType, data: data, err: err}
		select {
		case out <- frame:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// awaitRelayReady waits for the relay's {"type":"connected"} notice. A relay
// error notice fails the session; silence past the timeout is logged and
// tolerated, matching the relay's best-effort readiness contract.
func (s *session) awaitRelayReady(ctx context.Context, inbound <-chan inboundFrame) error {
	timeout := time.NewTimer(s.cfg.RelayReadyTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			s.logger.Warn("relay readiness notice not received; continuing",
				zap.Duration("waited", s.cfg.RelayReadyTimeout))
			return nil
		case frame, ok := <-inbound:
			if !ok {
				return fmt.Errorf("connection closed before relay became ready")
			}
			if frame.err != nil {
				return fmt.Errorf("read relay notice: %w", frame.err)
			}
			if frame.messageType != websocket.TextMessage {
				continue
			}
			var control relayControl
			if err := json.Unmarshal(frame.data, &control); err != nil {
				continue
			}
			switch control.Type {
			case "connected":
				return nil
			case "error":
				return fmt.Errorf("relay error: %s", control.Message)
			}
		}
	}
}

func (s *session) sendFullRequest(cfg repositories.AudioConfig) error {
	payload := requestPayload{
		User: userPayload{UID: s.cfg.UID},
		Audio: audioPayload{
			Format:  "wav",
			Codec:   "raw",
			Rate:    cfg.SampleRate,
			Bits:    cfg.Bits,
			Channel: cfg.Channels,
		},
		Request: requestOptions{
			ModelName:       s.cfg.ModelName,
			EnableITN:       true,
			EnablePunc:      true,
			EnableDDC:       true,
			ShowUtterances:  true,
			EnableNonstream: false,
		},
	}

	frame, err := EncodeFullClientRequest(s.seq, payload)
	if err != nil {
		return err
	}
	s.seq++
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("send full client request: %w", err)
	}
	return nil
}

// awaitConfigAck blocks until the server acknowledges the configuration frame.
// Relay control notices arriving in the meantime are consumed here so they
// never reach the codec.
func (s *session) awaitConfigAck(ctx context.Context, inbound <-chan inboundFrame) error {
	timeout := time.NewTimer(s.cfg.AckTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("timed out waiting for config ack after %s", s.cfg.AckTimeout)
		case frame, ok := <-inbound:
			if !ok {
				return fmt.Errorf("connection closed while awaiting config ack")
			}
			if frame.err != nil {
				return fmt.Errorf("read config ack: %w", frame.err)
			}
			if frame.messageType == websocket.TextMessage {
				var control relayControl
				if err := json.Unmarshal(frame.data, &control); err == nil && control.Type == "error" {
					return fmt.Errorf("relay error: %s", control.Message)
				}
				continue
			}
			if frame.messageType != websocket.BinaryMessage || len(frame.data) == 0 {
				continue
			}
			resp, err := DecodeFrame(frame.data)
			if err != nil {
				return err
			}
			if resp.IsError() || resp.Code != 0 {
				return &ServerError{Code: resp.Code, Payload: resp.Payload}
			}
			return nil
		}
	}
}

// sendPump emits the audio segments in strictly increasing sequence order,
// sleeping one segment duration between sends to simulate realtime capture.
// The final segment carries the negated sequence value and no delay.
func (s *session) sendPump(ctx context.Context, segments [][]byte) error {
	for i, segment := range segments {
		last := i == len(segments)-1
		frame, err := EncodeAudioRequest(s.seq, segment, last)
		if err != nil {
			return err
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send audio segment %d: %w", i+1, err)
		}
		if last {
			break
		}
		s.seq++
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.segmentDelay):
		}
	}
	s.setState(StateDraining)
	return nil
}

// receivePump decodes inbound frames and hands every utterance batch to the
// sink before evaluating termination, so the terminal frame's payload is never
// dropped. After the send pump finishes, a quiet period of IdleTimeout fails
// the session; a server that stops responding without signaling completion
// must not hang the caller.
func (s *session) receivePump(ctx context.Context, inbound <-chan inboundFrame, sendDone <-chan struct{}, emit repositories.UtteranceSink) error {
	sendFinished := false

	for {
		var idleC <-chan time.Time
		var idleTimer *time.Timer
		if sendFinished {
			idleTimer = time.NewTimer(s.cfg.IdleTimeout)
			idleC = idleTimer.C
		}
		stopIdle := func() {
			if idleTimer != nil {
				idleTimer.Stop()
			}
		}

		select {
		case <-ctx.Done():
			stopIdle()
			return ctx.Err()

		case <-sendDone:
			stopIdle()
			sendDone = nil
			sendFinished = true

		case <-idleC:
			return fmt.Errorf("no server response within %s after send completion", s.cfg.IdleTimeout)

		case frame, ok := <-inbound:
			stopIdle()
			if !ok {
				return fmt.Errorf("connection closed mid-stream")
			}
			if frame.err != nil {
				if sendFinished && websocket.IsCloseError(frame.err, websocket.CloseNormalClosure) {
					return nil
				}
				return fmt.Errorf("read frame: %w", frame.err)
			}

			if frame.messageType == websocket.TextMessage {
				var control relayControl
				if err := json.Unmarshal(frame.data, &control); err == nil && control.Type == "error" {
					return fmt.Errorf("relay error: %s", control.Message)
				}
				continue
			}
			if frame.messageType != websocket.BinaryMessage || len(frame.data) == 0 {
				continue
			}

			resp, err := DecodeFrame(frame.data)
			if err != nil {
				return err
			}
			if resp.IsError() || resp.Code != 0 {
				return &ServerError{Code: resp.Code, Payload: resp.Payload}
			}

			utterances, err := ParseUtterances(resp.Payload)
			if err != nil {
				return err
			}
			if len(utterances) > 0 {
				emit(utterances)
			}

			if resp.IsLastPackage {
				return nil
			}
		}
	}
}
