// Package pulse implements the session provider on top of the PulseAudio
// command line tools. Sink inputs are enumerated and adjusted through pactl,
// and per-stream peak levels come from parec taps on the stream monitors.
package pulse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"sidechain/internal/logging"
	"sidechain/internal/provider"
)

// volumeNorm is PulseAudio's PA_VOLUME_NORM, the raw value for 100%.
const volumeNorm = 65536

// Executor abstracts one-shot command execution for testability.
type Executor interface {
	Output(ctx context.Context, binary string, args []string) ([]byte, error)
}

// StreamStarter launches a long-lived capture command and hands back its
// stdout. Closing the reader or cancelling the context terminates the
// process.
type StreamStarter interface {
	Start(ctx context.Context, binary string, args []string) (io.ReadCloser, error)
}

// Options configures the provider.
type Options struct {
	PactlBinary     string
	ParecBinary     string
	CommandTimeout  time.Duration
	MeterSampleRate int
	PeakHold        time.Duration
	Logger          *slog.Logger
}

// Option overrides provider internals, primarily for tests.
type Option func(*Provider)

// WithExecutor injects a custom one-shot executor.
func WithExecutor(e Executor) Option {
	return func(p *Provider) {
		if e != nil {
			p.exec = e
		}
	}
}

// WithStreamStarter injects a custom capture starter.
func WithStreamStarter(starter StreamStarter) Option {
	return func(p *Provider) {
		if starter != nil {
			p.streams = starter
		}
	}
}

// Provider talks to PulseAudio through pactl and parec.
type Provider struct {
	pactl      string
	parec      string
	cmdTimeout time.Duration
	sampleRate int
	peakHold   time.Duration
	logger     *slog.Logger

	exec    Executor
	streams StreamStarter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	meters map[uint32]*meter
	closed bool
}

// New constructs a PulseAudio provider. Peak metering is disabled when the
// parec binary is empty; sessions then report a zero peak.
func New(opts Options, extra ...Option) (*Provider, error) {
	pactl := strings.TrimSpace(opts.PactlBinary)
	if pactl == "" {
		return nil, errors.New("pactl binary required")
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.MeterSampleRate <= 0 {
		opts.MeterSampleRate = 4000
	}
	if opts.PeakHold <= 0 {
		opts.PeakHold = 300 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	prov := &Provider{
		pactl:      pactl,
		parec:      strings.TrimSpace(opts.ParecBinary),
		cmdTimeout: opts.CommandTimeout,
		sampleRate: opts.MeterSampleRate,
		peakHold:   opts.PeakHold,
		logger:     opts.Logger,
		exec:       commandExecutor{},
		streams:    processStarter{},
		ctx:        ctx,
		cancel:     cancel,
		meters:     make(map[uint32]*meter),
	}
	for _, opt := range extra {
		opt(prov)
	}
	return prov, nil
}

// Sessions enumerates the current sink inputs.
func (p *Provider) Sessions(ctx context.Context) ([]provider.Session, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.cmdTimeout)
	defer cancel()

	out, err := p.exec.Output(runCtx, p.pactl, []string{"--format=json", "list", "sink-inputs"})
	if err != nil {
		return nil, fmt.Errorf("list sink inputs: %w", err)
	}
	inputs, err := parseSinkInputs(out)
	if err != nil {
		return nil, fmt.Errorf("parse sink inputs: %w", err)
	}

	p.syncMeters(inputs)

	sessions := make([]provider.Session, 0, len(inputs))
	for _, input := range inputs {
		sessions = append(sessions, &sinkInputSession{prov: p, input: input})
	}
	return sessions, nil
}

// Close stops all peak meters. The provider must not be used afterwards.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	meters := p.meters
	p.meters = nil
	p.mu.Unlock()

	p.cancel()
	for _, m := range meters {
		m.stop()
	}
	return nil
}

// syncMeters starts taps for newly seen sink inputs and stops taps whose
// streams have vanished.
func (p *Provider) syncMeters(inputs []sinkInput) {
	if p.parec == "" {
		return
	}

	alive := make(map[uint32]struct{}, len(inputs))
	for _, input := range inputs {
		alive[input.Index] = struct{}{}
	}

	var stale []*meter
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for index, m := range p.meters {
		if _, ok := alive[index]; !ok {
			stale = append(stale, m)
			delete(p.meters, index)
		}
	}
	var started []uint32
	for _, input := range inputs {
		if _, ok := p.meters[input.Index]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(p.ctx)
		m := newMeter(p.peakHold, cancel)
		p.meters[input.Index] = m
		started = append(started, input.Index)
		go p.runMeter(ctx, m, input.Index)
	}
	p.mu.Unlock()

	for _, m := range stale {
		m.stop()
	}
	for _, index := range started {
		p.logger.Debug("started peak meter",
			logging.String(logging.FieldComponent, "pulse"),
			logging.Int64("sink_input", int64(index)))
	}
}

func (p *Provider) runMeter(ctx context.Context, m *meter, index uint32) {
	defer close(m.done)
	defer m.cancel()

	args := []string{
		"--raw",
		"--format=s16le",
		"--channels=1",
		"--rate=" + strconv.Itoa(p.sampleRate),
		"--monitor-stream=" + strconv.FormatUint(uint64(index), 10),
	}
	stream, err := p.streams.Start(ctx, p.parec, args)
	if err != nil {
		p.logger.Debug("peak meter unavailable",
			logging.String(logging.FieldComponent, "pulse"),
			logging.Int64("sink_input", int64(index)),
			logging.Error(err))
		return
	}
	defer stream.Close()

	m.consume(stream)
}

func (p *Provider) peakFor(index uint32) float64 {
	p.mu.Lock()
	m := p.meters[index]
	p.mu.Unlock()
	if m == nil {
		return 0
	}
	return m.peak(time.Now())
}

func (p *Provider) setVolume(ctx context.Context, index uint32, target float64) error {
	target = min(max(target, 0), 1)
	raw := int(target*volumeNorm + 0.5)

	runCtx, cancel := context.WithTimeout(ctx, p.cmdTimeout)
	defer cancel()

	_, err := p.exec.Output(runCtx, p.pactl, []string{
		"set-sink-input-volume",
		strconv.FormatUint(uint64(index), 10),
		strconv.Itoa(raw),
	})
	if err != nil {
		return fmt.Errorf("set sink input %d volume: %w", index, err)
	}
	return nil
}

type commandExecutor struct{}

func (commandExecutor) Output(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("%s: %w (%s)", binary, err, detail)
		}
		return nil, fmt.Errorf("%s: %w", binary, err)
	}
	return out, nil
}

type processStarter struct{}

func (processStarter) Start(ctx context.Context, binary string, args []string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	go func() {
		_ = cmd.Wait()
	}()
	return stdout, nil
}
