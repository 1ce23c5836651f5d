package volcano

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/klinika/server/domain/entities"
	"github.com/klinika/server/domain/repositories"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is a decoded frame as the backend would see it.
type clientFrame struct {
	messageType byte
	flags       byte
	sequence    int32
	payload     []byte
}

func decodeClientFrame(t *testing.T, data []byte) clientFrame {
	t.Helper()
	if len(data) < 12 {
		t.Fatalf("client frame too short: %d bytes", len(data))
	}
	payload, err := gzipDecompress(data[12:])
	if err != nil {
		t.Fatalf("decompress client payload: %v", err)
	}
	return clientFrame{
		messageType: data[1] >> 4,
		flags:       data[1] & 0x0f,
		sequence:    int32(binary.BigEndian.Uint32(data[4:8])),
		payload:     payload,
	}
}

// testBackend is an in-process stand-in for the recognition endpoint.
type testBackend struct {
	t *testing.T

	mu        sync.Mutex
	headers   http.Header
	sequences []int32
	config    map[string]any

	// handshake runs right after the upgrade, before the config exchange.
	handshake func(conn *websocket.Conn)
	// onConfig replies to the configuration frame. Nil sends a plain ack.
	onConfig func(conn *websocket.Conn, seq int32)
	// noFinal suppresses the terminal response, simulating a backend that
	// goes quiet after the upload.
	noFinal bool
}

func (b *testBackend) seenSequences() []int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int32(nil), b.sequences...)
}

func (b *testBackend) handler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.headers = r.Header.Clone()
	b.mu.Unlock()

	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		b.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	if b.handshake != nil {
		b.handshake(conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame := decodeClientFrame(b.t, data)
		b.mu.Lock()
		b.sequences = append(b.sequences, frame.sequence)
		b.mu.Unlock()

		switch frame.messageType {
		case msgTypeFullClient:
			b.mu.Lock()
			json.Unmarshal(frame.payload, &b.config)
			b.mu.Unlock()
			if b.onConfig != nil {
				b.onConfig(conn, frame.sequence)
			} else {
				ack := buildServerFrame(b.t, msgTypeFullServer, flagPosSequence, false, frame.sequence, nil)
				conn.WriteMessage(websocket.BinaryMessage, ack)
			}

		case msgTypeAudioOnly:
			if frame.sequence >= 0 || b.noFinal {
				continue
			}
			// Terminal segment: answer with the final transcript.
			payload := []byte(`{"result":{"utterances":[
				{"text":"您好，请问哪里不舒服？","start_time":0,"end_time":1600,"definite":true,"speaker_id":"0"}
			]}}`)
			final := buildServerFrame(b.t, msgTypeFullServer, flagNegWithSequence, true, frame.sequence, payload)
			conn.WriteMessage(websocket.BinaryMessage, final)
		}
	}
}

func startBackend(t *testing.T, b *testBackend) (*httptest.Server, string) {
	t.Helper()
	b.t = t
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// streamConfig is small enough that the whole session runs in well under a
// second: 10 ms segments of 16 bytes each.
func streamConfig() repositories.AudioConfig {
	return repositories.AudioConfig{
		SampleRate:        800,
		Channels:          1,
		Bits:              16,
		SegmentDurationMs: 10,
	}
}

func TestRecognizer_StreamFile(t *testing.T) {
	backend := &testBackend{}
	_, url := startBackend(t, backend)

	r := NewRecognizer(Config{
		URL:        url,
		ResourceID: "test-resource",
		AppKey:     "app-key",
		AccessKey:  "access-key",
	}, zap.NewNop())

	var mu sync.Mutex
	var emitted []entities.Utterance
	audio := make([]byte, 40) // 3 segments: 16 + 16 + 8 bytes

	err := r.StreamFile(context.Background(), audio, streamConfig(), func(batch []entities.Utterance) {
		mu.Lock()
		emitted = append(emitted, batch...)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("StreamFile() error = %v", err)
	}

	// Config frame is 1; audio frames count up; the terminal frame carries
	// the negated next value without consuming it.
	want := []int32{1, 2, 3, -4}
	got := backend.seenSequences()
	if len(got) != len(want) {
		t.Fatalf("backend saw sequences %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backend saw sequences %v, want %v", got, want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 1 {
		t.Fatalf("emitted %d utterances, want 1", len(emitted))
	}
	if emitted[0].Text != "您好，请问哪里不舒服？" || !emitted[0].Definite {
		t.Errorf("emitted = %+v", emitted[0])
	}
	if emitted[0].EndTime != 1.6 {
		t.Errorf("EndTime = %v, want 1.6 (milliseconds converted to seconds)", emitted[0].EndTime)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if got := backend.headers.Get("X-Api-App-Key"); got != "app-key" {
		t.Errorf("X-Api-App-Key = %q, want %q", got, "app-key")
	}
	if backend.headers.Get("X-Api-Request-Id") == "" {
		t.Error("X-Api-Request-Id header missing")
	}
	audioCfg, ok := backend.config["audio"].(map[string]any)
	if !ok {
		t.Fatalf("config payload missing audio section: %v", backend.config)
	}
	if rate, _ := audioCfg["rate"].(float64); rate != 800 {
		t.Errorf("config rate = %v, want 800", rate)
	}
}

func TestRecognizer_StreamFile_ServerError(t *testing.T) {
	backend := &testBackend{
		onConfig: func(conn *websocket.Conn, seq int32) {
			message, _ := gzipCompress([]byte(`{"error":"bad resource"}`))
			frame := []byte{
				protocolVersion<<4 | headerWords,
				msgTypeServerError<<4 | flagNoSequence,
				serializationJSON<<4 | compressionGzip,
				0x00,
			}
			frame = binary.BigEndian.AppendUint32(frame, uint32(45000002))
			frame = binary.BigEndian.AppendUint32(frame, uint32(len(message)))
			frame = append(frame, message...)
			conn.WriteMessage(websocket.BinaryMessage, frame)
		},
	}
	_, url := startBackend(t, backend)

	r := NewRecognizer(Config{URL: url}, zap.NewNop())
	err := r.StreamFile(context.Background(), make([]byte, 40), streamConfig(), func([]entities.Utterance) {})

	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("StreamFile() error = %v, want *ServerError", err)
	}
	if serverErr.Code != 45000002 {
		t.Errorf("Code = %d, want 45000002", serverErr.Code)
	}
}

func TestRecognizer_StreamFile_AckTimeout(t *testing.T) {
	backend := &testBackend{
		onConfig: func(conn *websocket.Conn, seq int32) {
			// Never acknowledge.
		},
	}
	_, url := startBackend(t, backend)

	r := NewRecognizer(Config{URL: url, AckTimeout: 50 * time.Millisecond}, zap.NewNop())
	err := r.StreamFile(context.Background(), make([]byte, 40), streamConfig(), func([]entities.Utterance) {})
	if err == nil || !strings.Contains(err.Error(), "config ack") {
		t.Fatalf("StreamFile() error = %v, want config ack timeout", err)
	}
}

func TestRecognizer_StreamFile_IdleTimeout(t *testing.T) {
	backend := &testBackend{noFinal: true}
	_, url := startBackend(t, backend)

	r := NewRecognizer(Config{URL: url, IdleTimeout: 50 * time.Millisecond}, zap.NewNop())
	err := r.StreamFile(context.Background(), make([]byte, 40), streamConfig(), func([]entities.Utterance) {})
	if err == nil || !strings.Contains(err.Error(), "no server response") {
		t.Fatalf("StreamFile() error = %v, want idle timeout", err)
	}
}

func TestRecognizer_StreamFile_ViaRelay(t *testing.T) {
	backend := &testBackend{
		handshake: func(conn *websocket.Conn) {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
		},
	}
	_, url := startBackend(t, backend)

	r := NewRecognizer(Config{URL: url, ViaRelay: true}, zap.NewNop())
	err := r.StreamFile(context.Background(), make([]byte, 40), streamConfig(), func([]entities.Utterance) {})
	if err != nil {
		t.Fatalf("StreamFile() error = %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if got := backend.headers.Get("X-Api-App-Key"); got != "" {
		t.Errorf("X-Api-App-Key = %q, want empty when dialing via relay", got)
	}
}

func TestRecognizer_StreamFile_RelayError(t *testing.T) {
	backend := &testBackend{
		handshake: func(conn *websocket.Conn) {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"upstream refused"}`))
		},
	}
	_, url := startBackend(t, backend)

	r := NewRecognizer(Config{URL: url, ViaRelay: true}, zap.NewNop())
	err := r.StreamFile(context.Background(), make([]byte, 40), streamConfig(), func([]entities.Utterance) {})
	if err == nil || !strings.Contains(err.Error(), "upstream refused") {
		t.Fatalf("StreamFile() error = %v, want relay error", err)
	}
}

func TestRecognizer_StreamFile_EmptyAudio(t *testing.T) {
	r := NewRecognizer(Config{URL: "ws://127.0.0.1:1"}, zap.NewNop())
	err := r.StreamFile(context.Background(), nil, streamConfig(), func([]entities.Utterance) {})
	if err == nil {
		t.Fatal("StreamFile() error = nil, want error for empty audio")
	}
}
