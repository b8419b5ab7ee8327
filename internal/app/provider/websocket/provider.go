// Package websocket ingests packets from a websocket feed, one packet per text frame.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/aisbus/internal/app/provider"
	"github.com/coachpo/aisbus/internal/app/settings"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
	"github.com/coachpo/aisbus/internal/infra/telemetry"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// Type is the registry tag of the websocket provider.
const Type = "websocket"

const (
	defaultReconnectDelay    = 500 * time.Millisecond
	defaultMaxReconnectDelay = 30 * time.Second
	defaultReadLimit         = 1 << 20

	stateConnected    = "connected"
	stateDisconnected = "disconnected"
	stateFailed       = "dial_failed"
)

// Options configures the websocket provider.
type Options struct {
	Name              string
	URL               string
	Format            string
	Reconnect         bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ReadLimit         int64
}

// Provider dials URL and decodes every text frame as one packet.
type Provider struct {
	opts    Options
	log     zerolog.Logger
	decoder packet.Decoder

	connections metric.Int64Counter
	frames      atomic.Uint64
}

// Factory builds websocket providers from a provider spec.
func Factory(spec provider.Spec) (provider.Provider, error) {
	opts, err := optionsFromConfig(spec)
	if err != nil {
		return nil, err
	}
	return New(opts, aislog.WithComponent("provider.websocket")), nil
}

func optionsFromConfig(spec provider.Spec) (Options, error) {
	raw, err := settings.Require(spec.Config, "url")
	if err != nil {
		return Options{}, errs.New("provider.websocket", errs.CodeConfiguration, errs.WithCause(err), errs.WithField("name", spec.Name))
	}
	opts := Options{
		Name:              spec.Name,
		URL:               raw,
		Format:            settings.StringOr(spec.Config, "format", "raw"),
		Reconnect:         true,
		ReconnectDelay:    defaultReconnectDelay,
		MaxReconnectDelay: defaultMaxReconnectDelay,
		ReadLimit:         defaultReadLimit,
	}
	if v, ok := settings.Bool(spec.Config, "reconnect"); ok {
		opts.Reconnect = v
	}
	if v, ok := settings.Duration(spec.Config, "reconnectDelay"); ok && v > 0 {
		opts.ReconnectDelay = v
	}
	if v, ok := settings.Duration(spec.Config, "maxReconnectDelay"); ok && v > 0 {
		opts.MaxReconnectDelay = v
	}
	if v, ok := settings.Int(spec.Config, "readLimit"); ok && v > 0 {
		opts.ReadLimit = int64(v)
	}
	return opts, nil
}

// New creates a websocket provider.
func New(opts Options, logger zerolog.Logger) *Provider {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	p := &Provider{
		opts: opts,
		log:  logger.With().Str(aislog.FieldProvider, opts.Name).Logger(),
	}
	p.connections, _ = otel.Meter("provider.websocket").Int64Counter("aisbus.provider.connections",
		metric.WithDescription("Websocket connection state changes"),
		metric.WithUnit("{event}"))
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.opts.Name }

// Frames returns the number of text frames read.
func (p *Provider) Frames() uint64 { return p.frames.Load() }

// Init validates the URL and prepares the decoder.
func (p *Provider) Init(context.Context) error {
	u, err := url.Parse(p.opts.URL)
	if err != nil {
		return errs.New("provider.websocket", errs.CodeConfiguration, errs.WithCause(err), errs.WithField("name", p.opts.Name))
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return errs.New("provider.websocket", errs.CodeConfiguration,
			errs.WithMessage("unsupported url scheme"), errs.WithField("url", u.Redacted()))
	}
	decoder, err := packet.DecoderFor(p.opts.Format, p.opts.Name)
	if err != nil {
		return errs.New("provider.websocket", errs.CodeConfiguration, errs.WithCause(err), errs.WithField("name", p.opts.Name))
	}
	p.decoder = decoder
	return nil
}

// Run keeps a connection open and forwards frames to out. Without Reconnect the
// first disconnect ends the run.
func (p *Provider) Run(ctx context.Context, out provider.Output) error {
	if p.decoder == nil {
		return errs.New("provider.websocket", errs.CodeIllegalState, errs.WithMessage("provider not initialised"))
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = p.opts.ReconnectDelay
	backoffCfg.MaxInterval = p.opts.MaxReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := websocket.Dial(ctx, p.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.record(ctx, stateFailed)
			if !p.opts.Reconnect {
				return fmt.Errorf("dial %s: %w", p.opts.URL, err)
			}
			p.log.Warn().Err(err).Msg("websocket dial failed")
			if !sleep(ctx, backoffCfg.NextBackOff()) {
				return nil
			}
			continue
		}
		conn.SetReadLimit(p.opts.ReadLimit)
		p.record(ctx, stateConnected)
		p.log.Info().Str("url", p.opts.URL).Msg("websocket connected")
		backoffCfg.Reset()

		err = p.readLoop(ctx, conn, out)
		p.record(ctx, stateDisconnected)
		switch {
		case ctx.Err() != nil:
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return nil
		case errors.Is(err, errs.ErrBusClosed):
			_ = conn.Close(websocket.StatusGoingAway, "bus closed")
			return err
		}
		if !p.opts.Reconnect {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		p.log.Warn().Err(err).Msg("websocket disconnected, reconnecting")
		if !sleep(ctx, backoffCfg.NextBackOff()) {
			return nil
		}
	}
}

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, out provider.Output) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		p.frames.Add(1)
		pkt, err := p.decoder.Decode(data)
		if err != nil {
			p.log.Debug().Err(err).Msg("skipping undecodable frame")
			continue
		}
		if err := out.Add(ctx, pkt); err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "")
			return err
		}
	}
}

func (p *Provider) record(ctx context.Context, state string) {
	if p.connections == nil {
		return
	}
	p.connections.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), p.opts.Name, state)...))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
