// Package bedrock adapts the Amazon Nova Sonic bidirectional stream on
// Bedrock to upstream.Conn.
package bedrock

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

const (
	DefaultModelID          = "amazon.nova-sonic-v1:0"
	DefaultVoiceID          = "sarah"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
)

type Config struct {
	ModelID     string
	Region      string
	Endpoint    string
	VoiceID     string
	MaxTokens   int
	TopP        float64
	Temperature float64

	// Speculative relays SPECULATIVE assistant text as non-final.
	Speculative bool
}

func (c Config) withDefaults() Config {
	if c.ModelID == "" {
		c.ModelID = DefaultModelID
	}
	if c.VoiceID == "" {
		c.VoiceID = DefaultVoiceID
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.TopP <= 0 {
		c.TopP = 0.9
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	return c
}

// eventStream is the subset of
// *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream used here.
type eventStream interface {
	Send(ctx context.Context, event types.InvokeModelWithBidirectionalStreamInput) error
	Events() <-chan types.InvokeModelWithBidirectionalStreamOutput
	Close() error
	Err() error
}

type invokeFunc func(ctx context.Context, modelID string, creds aws.CredentialsProvider) (eventStream, error)

type Dialer struct {
	cfg    Config
	invoke invokeFunc
	logger *slog.Logger
}

// LoadClient builds a Bedrock runtime client from the default AWS chain
// and returns the chain's credentials provider for the credential store.
func LoadClient(ctx context.Context, cfg Config) (*bedrockruntime.Client, aws.CredentialsProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return client, awsCfg.Credentials, nil
}

func NewDialer(client *bedrockruntime.Client, cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	invoke := func(ctx context.Context, modelID string, creds aws.CredentialsProvider) (eventStream, error) {
		out, err := client.InvokeModelWithBidirectionalStream(ctx,
			&bedrockruntime.InvokeModelWithBidirectionalStreamInput{ModelId: aws.String(modelID)},
			func(o *bedrockruntime.Options) {
				if creds != nil {
					o.Credentials = creds
				}
			})
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}
	return &Dialer{cfg: cfg.withDefaults(), invoke: invoke, logger: logger}
}

// Dial opens the stream and sends the session preamble: sessionStart,
// promptStart and the SYSTEM text block.
func (d *Dialer) Dial(ctx context.Context, req upstream.DialRequest) (upstream.Conn, error) {
	model := d.cfg.ModelID
	if req.Config.Model != "" {
		model = req.Config.Model
	}

	// The stream outlives the dial deadline; ctx only bounds the open.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	var creds aws.CredentialsProvider
	if req.Credential.AccessKeyID != "" {
		creds = req.Credential.AWSProvider()
	}
	es, err := d.invoke(connCtx, model, creds)
	stop()
	if err != nil {
		cancel()
		return nil, classify("bedrock.invoke", err)
	}

	c := newConn(es, d.cfg, req, d.logger.With("session_id", req.SessionID))
	c.cancel = cancel
	if err := c.start(ctx, req.Config.SystemPrompt); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

type conn struct {
	es     eventStream
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc

	inputRate  int
	outputRate int
	voice      string

	promptName   string
	audioContent string
	finished     bool

	dec     decoder
	pending []upstream.Event

	closeOnce sync.Once
	closeErr  error
}

func newConn(es eventStream, cfg Config, req upstream.DialRequest, logger *slog.Logger) *conn {
	c := &conn{
		es:         es,
		cfg:        cfg,
		logger:     logger,
		cancel:     func() {},
		inputRate:  req.Config.InputSampleRate,
		outputRate: req.Config.OutputSampleRate,
		voice:      req.Config.Voice,
		promptName: uuid.NewString(),
		dec:        decoder{speculative: cfg.Speculative},
	}
	if c.inputRate <= 0 {
		c.inputRate = DefaultInputSampleRate
	}
	if c.outputRate <= 0 {
		c.outputRate = DefaultOutputSampleRate
	}
	if c.voice == "" {
		c.voice = cfg.VoiceID
	}
	return c
}

func (c *conn) send(ctx context.Context, ev inputEvent) error {
	b, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	err = c.es.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: b},
	})
	if err != nil {
		return classify("bedrock.send", err)
	}
	return nil
}

func (c *conn) start(ctx context.Context, systemPrompt string) error {
	if err := c.send(ctx, inputEvent{SessionStart: &sessionStart{InferenceConfiguration: inferenceConfiguration{
		MaxTokens:   c.cfg.MaxTokens,
		TopP:        c.cfg.TopP,
		Temperature: c.cfg.Temperature,
	}}}); err != nil {
		return err
	}
	if err := c.send(ctx, inputEvent{PromptStart: &promptStart{
		PromptName:              c.promptName,
		TextOutputConfiguration: mediaType{MediaType: "text/plain"},
		AudioOutputConfiguration: audioConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: c.outputRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         c.voice,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}}); err != nil {
		return err
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil
	}
	name := uuid.NewString()
	if err := c.send(ctx, inputEvent{ContentStart: &contentStart{
		PromptName:             c.promptName,
		ContentName:            name,
		Type:                   "TEXT",
		Interactive:            true,
		Role:                   "SYSTEM",
		TextInputConfiguration: &mediaType{MediaType: "text/plain"},
	}}); err != nil {
		return err
	}
	if err := c.send(ctx, inputEvent{TextInput: &contentInput{PromptName: c.promptName, ContentName: name, Content: systemPrompt}}); err != nil {
		return err
	}
	return c.send(ctx, inputEvent{ContentEnd: &contentRef{PromptName: c.promptName, ContentName: name}})
}

func (c *conn) BeginTurn(ctx context.Context) error {
	if c.audioContent != "" {
		return nil
	}
	name := "audio-" + uuid.NewString()
	if err := c.send(ctx, inputEvent{ContentStart: &contentStart{
		PromptName:  c.promptName,
		ContentName: name,
		Type:        "AUDIO",
		Interactive: true,
		Role:        "USER",
		AudioInputConfiguration: &audioConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: c.inputRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}}); err != nil {
		return err
	}
	c.audioContent = name
	return nil
}

func (c *conn) SendAudio(ctx context.Context, pcm []byte) error {
	if c.audioContent == "" {
		if err := c.BeginTurn(ctx); err != nil {
			return err
		}
	}
	return c.send(ctx, inputEvent{AudioInput: &contentInput{
		PromptName:  c.promptName,
		ContentName: c.audioContent,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	}})
}

func (c *conn) EndTurn(ctx context.Context) error {
	if c.audioContent == "" {
		return nil
	}
	name := c.audioContent
	c.audioContent = ""
	return c.send(ctx, inputEvent{ContentEnd: &contentRef{PromptName: c.promptName, ContentName: name}})
}

func (c *conn) Finish(ctx context.Context) error {
	if c.finished {
		return nil
	}
	if err := c.EndTurn(ctx); err != nil {
		return err
	}
	c.finished = true
	if err := c.send(ctx, inputEvent{PromptEnd: &promptRef{PromptName: c.promptName}}); err != nil {
		return err
	}
	return c.send(ctx, inputEvent{SessionEnd: &struct{}{}})
}

func (c *conn) Recv(ctx context.Context) (upstream.Event, error) {
	for len(c.pending) == 0 {
		select {
		case <-ctx.Done():
			return upstream.Event{}, ctx.Err()
		case out, ok := <-c.es.Events():
			if !ok {
				if err := c.es.Err(); err != nil {
					return upstream.Event{}, classify("bedrock.recv", err)
				}
				return upstream.Event{}, io.EOF
			}
			chunk, isChunk := out.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
			if !isChunk || len(chunk.Value.Bytes) == 0 {
				continue
			}
			evs, err := c.dec.decode(chunk.Value.Bytes)
			if err != nil {
				c.logger.Warn("skipping undecodable nova event", "error", err)
				continue
			}
			c.pending = append(c.pending, evs...)
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.es.Close()
		c.cancel()
	})
	return c.closeErr
}

var (
	authCodes = map[string]bool{
		"AccessDeniedException":       true,
		"UnrecognizedClientException": true,
		"ExpiredTokenException":       true,
		"ExpiredToken":                true,
		"InvalidSignatureException":   true,
		"IncompleteSignature":         true,
		"MissingAuthenticationToken":  true,
		"InvalidClientTokenId":        true,
	}
	quotaCodes = map[string]bool{
		"ThrottlingException":           true,
		"ServiceQuotaExceededException": true,
		"TooManyRequestsException":      true,
	}
	transientCodes = map[string]bool{
		"InternalServerException":     true,
		"ServiceUnavailableException": true,
		"ModelTimeoutException":       true,
		"ModelNotReadyException":      true,
		"ModelStreamErrorException":   true,
	}
)

// classify maps SDK failures onto relay error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return relayerr.Wrap(relayerr.KindNetwork, op, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case authCodes[code]:
			return relayerr.Wrap(relayerr.KindAuth, op, err)
		case quotaCodes[code]:
			return relayerr.Wrap(relayerr.KindQuotaExceeded, op, err)
		case transientCodes[code]:
			return relayerr.Wrap(relayerr.KindNetwork, op, err)
		default:
			return relayerr.Wrap(relayerr.KindConnect, op, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return relayerr.Wrap(relayerr.KindNetwork, op, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return relayerr.Wrap(relayerr.KindNetwork, op, err)
	}
	return relayerr.Wrap(relayerr.KindConnect, op, err)
}
