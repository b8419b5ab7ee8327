// Package file replays packets from a newline-delimited file.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coachpo/aisbus/internal/app/provider"
	"github.com/coachpo/aisbus/internal/app/settings"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// Type is the registry tag of the file provider.
const Type = "file"

const maxLineBytes = 1 << 20

// Options configures the file provider.
type Options struct {
	Name   string
	Path   string
	Format string
	// Rate caps replay to packets per second; zero replays as fast as the bus accepts.
	Rate float64
	Loop bool
}

// Provider reads one packet per line.
type Provider struct {
	opts    Options
	log     zerolog.Logger
	decoder packet.Decoder
	limiter *rate.Limiter
	skipped zerolog.Logger
}

// Factory builds file providers from a provider spec.
func Factory(spec provider.Spec) (provider.Provider, error) {
	opts, err := optionsFromConfig(spec)
	if err != nil {
		return nil, err
	}
	return New(opts, aislog.WithComponent("provider.file")), nil
}

func optionsFromConfig(spec provider.Spec) (Options, error) {
	path, err := settings.Require(spec.Config, "path")
	if err != nil {
		return Options{}, errs.New("provider.file", errs.CodeConfiguration, errs.WithCause(err), errs.WithField("name", spec.Name))
	}
	opts := Options{
		Name:   spec.Name,
		Path:   path,
		Format: settings.StringOr(spec.Config, "format", "json"),
	}
	if r, ok := settings.Float(spec.Config, "rate"); ok {
		if r < 0 {
			return Options{}, errs.New("provider.file", errs.CodeConfiguration,
				errs.WithMessage("rate must not be negative"), errs.WithField("name", spec.Name))
		}
		opts.Rate = r
	}
	if loop, ok := settings.Bool(spec.Config, "loop"); ok {
		opts.Loop = loop
	}
	return opts, nil
}

// New creates a file provider.
func New(opts Options, logger zerolog.Logger) *Provider {
	logger = logger.With().Str(aislog.FieldProvider, opts.Name).Logger()
	return &Provider{
		opts:    opts,
		log:     logger,
		skipped: logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Second}),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.opts.Name }

// Init checks the file is readable and prepares the decoder.
func (p *Provider) Init(context.Context) error {
	decoder, err := packet.DecoderFor(p.opts.Format, p.opts.Name)
	if err != nil {
		return errs.New("provider.file", errs.CodeConfiguration, errs.WithCause(err), errs.WithField("name", p.opts.Name))
	}
	info, err := os.Stat(p.opts.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p.opts.Path, err)
	}
	if info.IsDir() {
		return errs.New("provider.file", errs.CodeConfiguration,
			errs.WithMessage("path is a directory"), errs.WithField("path", p.opts.Path))
	}
	p.decoder = decoder
	if p.opts.Rate > 0 {
		burst := int(p.opts.Rate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(p.opts.Rate), burst)
	}
	return nil
}

// Run replays the file into out. With Loop set the file is replayed until ctx is done.
func (p *Provider) Run(ctx context.Context, out provider.Output) error {
	if p.decoder == nil {
		return errs.New("provider.file", errs.CodeIllegalState, errs.WithMessage("provider not initialised"))
	}
	for {
		n, err := p.replay(ctx, out)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.log.Debug().Int("packets", n).Str("path", p.opts.Path).Msg("file replay pass complete")
		if !p.opts.Loop || n == 0 {
			return nil
		}
	}
}

func (p *Provider) replay(ctx context.Context, out provider.Output) (int, error) {
	f, err := os.Open(p.opts.Path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", p.opts.Path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	count := 0
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		line++
		text := scanner.Bytes()
		if len(strings.TrimSpace(string(text))) == 0 {
			continue
		}
		pkt, err := p.decoder.Decode(text)
		if err != nil {
			p.skipped.Warn().Err(err).Int("line", line).Msg("skipping undecodable line")
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return count, err
			}
		}
		if err := out.Add(ctx, pkt); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read %s: %w", p.opts.Path, err)
	}
	return count, nil
}
