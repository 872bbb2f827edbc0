// Command vai-relay-smoke streams a PCM file through a running relay and
// writes the model's reply audio to disk.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/frame"
	"github.com/vango-go/vai-relay/pkg/gateway/protocol"
)

const (
	audioInSampleRateHz = 16000
	audioEncodingPCM16  = "pcm_s16le"
	audioChannelsMono   = 1
)

type options struct {
	gateway  string
	inPath   string
	outPath  string
	format   string
	frameMS  int
	realtime bool
	timeout  time.Duration
	debug    bool
}

type smokeResult struct {
	SessionID   string
	Audio       []byte
	Transcripts []string
	Resets      int
	CloseCode   int
}

func main() {
	os.Exit(runMain(os.Args[1:], os.Stderr))
}

func runMain(args []string, stderr io.Writer) int {
	var opt options
	fs := flag.NewFlagSet("vai-relay-smoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opt.gateway, "gateway", "localhost:8080", "Relay base URL (http(s)://host:port or ws(s)://...)")
	fs.StringVar(&opt.inPath, "in", "", "Input audio file (raw pcm_s16le @16kHz mono); required")
	fs.StringVar(&opt.outPath, "out", "", "If set, write reply audio to this file (raw pcm_s16le @24kHz mono)")
	fs.StringVar(&opt.format, "format", protocol.FrameFormatFramed, "Binary frame format: framed or raw")
	fs.IntVar(&opt.frameMS, "frame-ms", 32, "Audio frame duration in ms")
	fs.BoolVar(&opt.realtime, "realtime", true, "Pace input frames at their real duration")
	fs.DurationVar(&opt.timeout, "timeout", 2*time.Minute, "Give up after this long")
	fs.BoolVar(&opt.debug, "debug", false, "Print every server message")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(opt.inPath) == "" {
		fmt.Fprintln(stderr, "vai-relay-smoke: -in is required")
		return 2
	}

	pcm, err := os.ReadFile(opt.inPath)
	if err != nil {
		fmt.Fprintf(stderr, "vai-relay-smoke: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opt.timeout)
	defer cancel()

	res, err := runSmoke(ctx, opt, pcm, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "vai-relay-smoke: %v\n", err)
		return 1
	}
	if opt.outPath != "" {
		if err := os.WriteFile(opt.outPath, res.Audio, 0o644); err != nil {
			fmt.Fprintf(stderr, "vai-relay-smoke: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(stderr, "session_id=%s reply_bytes=%d transcripts=%d resets=%d close_code=%d\n",
		res.SessionID, len(res.Audio), len(res.Transcripts), res.Resets, res.CloseCode)
	return 0
}

// runSmoke sends one user turn and returns once the relay closes the
// session after the first assistant turn.
func runSmoke(ctx context.Context, opt options, pcm []byte, stderr io.Writer) (smokeResult, error) {
	wsURL, err := relayWSURL(opt.gateway)
	if err != nil {
		return smokeResult{}, fmt.Errorf("gateway url: %w", err)
	}
	chunk, err := frameBytes(opt.frameMS)
	if err != nil {
		return smokeResult{}, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return smokeResult{}, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	ack, err := doHandshake(conn, opt.format)
	if err != nil {
		return smokeResult{}, err
	}
	res := smokeResult{SessionID: ack.SessionID}
	codec := frame.NewCodec(ack.Limits.MaxFrameBytes - frame.HeaderSize)

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	turnEnded := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		readErr <- readServerLoop(conn, codec, ack.FrameFormat, &res, turnEnded, opt.debug, stderr)
	}()

	if err := writeJSON(protocol.ClientStart{Type: "start"}); err != nil {
		return res, fmt.Errorf("send start: %w", err)
	}
	enc := frame.NewEncoder(codec, frame.ClientToUpstream)
	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		payload := pcm[off:end]
		if ack.FrameFormat == protocol.FrameFormatFramed {
			f, err := enc.Encode(payload)
			if err != nil {
				return res, err
			}
			if payload, err = codec.Marshal(f); err != nil {
				return res, err
			}
		}
		writeMu.Lock()
		err := conn.WriteMessage(websocket.BinaryMessage, payload)
		writeMu.Unlock()
		if err != nil {
			return res, fmt.Errorf("send audio: %w", err)
		}
		if opt.realtime {
			select {
			case <-time.After(time.Duration(opt.frameMS) * time.Millisecond):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
	}
	if err := writeJSON(protocol.ClientStop{Type: "stop", Scope: protocol.StopScopeTurn}); err != nil {
		return res, fmt.Errorf("send stop: %w", err)
	}

	select {
	case <-turnEnded:
	case err := <-readErr:
		return res, closedEarly(err, &res)
	case <-ctx.Done():
		return res, ctx.Err()
	}
	if err := writeJSON(protocol.ClientStop{Type: "stop", Scope: protocol.StopScopeSession}); err != nil {
		return res, fmt.Errorf("send stop session: %w", err)
	}
	select {
	case err := <-readErr:
		if err := closedEarly(err, &res); err != nil && res.CloseCode != protocol.CloseNormal {
			return res, err
		}
		return res, nil
	case <-ctx.Done():
		return res, ctx.Err()
	}
}

func closedEarly(err error, res *smokeResult) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		res.CloseCode = ce.Code
		return fmt.Errorf("relay closed session: %d %s", ce.Code, ce.Text)
	}
	return err
}

func doHandshake(conn *websocket.Conn, format string) (protocol.ServerHelloAck, error) {
	hello := protocol.ClientHello{
		Type:            "hello",
		ProtocolVersion: protocol.ProtocolVersion1,
		Client:          protocol.HelloClient{Name: "vai-relay-smoke"},
		Capabilities:    protocol.HelloCapabilities{FrameFormat: format},
		AudioIn: protocol.AudioFormat{
			Encoding:     audioEncodingPCM16,
			SampleRateHz: audioInSampleRateHz,
			Channels:     audioChannelsMono,
		},
	}

	handshakeTimeout := 5 * time.Second
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		return protocol.ServerHelloAck{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.ServerHelloAck{}, err
	}
	if typ != websocket.TextMessage {
		return protocol.ServerHelloAck{}, fmt.Errorf("expected hello_ack text frame, got messageType=%d", typ)
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.ServerHelloAck{}, fmt.Errorf("invalid hello_ack json: %w", err)
	}
	if env.Type == "error" {
		var se protocol.ServerError
		_ = json.Unmarshal(data, &se)
		return protocol.ServerHelloAck{}, fmt.Errorf("relay error: %s (%s)", se.Message, se.Code)
	}
	if env.Type != "hello_ack" {
		return protocol.ServerHelloAck{}, fmt.Errorf("expected hello_ack, got %q", env.Type)
	}
	var ack protocol.ServerHelloAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return protocol.ServerHelloAck{}, fmt.Errorf("invalid hello_ack: %w", err)
	}
	if strings.TrimSpace(ack.SessionID) == "" {
		return protocol.ServerHelloAck{}, fmt.Errorf("hello_ack missing session_id")
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return ack, nil
}

func readServerLoop(conn *websocket.Conn, codec *frame.Codec, format string, res *smokeResult, turnEnded chan<- struct{}, debug bool, stderr io.Writer) error {
	var once sync.Once
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ == websocket.BinaryMessage {
			if format == protocol.FrameFormatFramed {
				f, err := codec.Decode(data)
				if err != nil {
					fmt.Fprintf(stderr, "bad audio frame: %v\n", err)
					continue
				}
				data = f.Payload
			}
			res.Audio = append(res.Audio, data...)
			continue
		}

		var msg struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Text    string `json:"text"`
			Final   bool   `json:"final"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if debug {
			fmt.Fprintf(stderr, "< %s\n", data)
		}
		switch msg.Type {
		case "transcript":
			if msg.Final {
				res.Transcripts = append(res.Transcripts, msg.Role+": "+msg.Text)
				fmt.Fprintf(stderr, "%s: %s\n", msg.Role, msg.Text)
			}
		case "audio_reset":
			res.Resets++
		case "warning", "error":
			fmt.Fprintf(stderr, "%s %s: %s\n", msg.Type, msg.Code, msg.Message)
		case "turn_end":
			if msg.Role == "assistant" {
				once.Do(func() { close(turnEnded) })
			}
		}
	}
}

func frameBytes(frameMS int) (int, error) {
	if frameMS <= 0 {
		return 0, fmt.Errorf("frame ms must be > 0")
	}
	samples := (audioInSampleRateHz * frameMS) / 1000
	if samples <= 0 {
		samples = 1
	}
	return samples * 2, nil
}

func relayWSURL(gateway string) (string, error) {
	raw := strings.TrimSpace(gateway)
	if raw == "" {
		return "", fmt.Errorf("empty gateway")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	// Preserve any base path, but always route to /v1/relay.
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/relay"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
