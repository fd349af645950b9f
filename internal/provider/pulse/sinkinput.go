package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"sidechain/internal/provider"
)

// sinkInput mirrors the fields of interest in pactl's JSON output for one
// playback stream.
type sinkInput struct {
	Index      uint32                  `json:"index"`
	Corked     bool                    `json:"corked"`
	Mute       bool                    `json:"mute"`
	Volume     map[string]channelLevel `json:"volume"`
	Properties map[string]string       `json:"properties"`
}

type channelLevel struct {
	Value int64 `json:"value"`
}

func parseSinkInputs(data []byte) ([]sinkInput, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	var inputs []sinkInput
	if err := json.Unmarshal([]byte(trimmed), &inputs); err != nil {
		return nil, fmt.Errorf("decode pactl json: %w", err)
	}
	return inputs, nil
}

// processName resolves a human-facing process name for matching against the
// configured priority and allow lists.
func (s sinkInput) processName() string {
	for _, key := range []string{
		"application.process.binary",
		"application.name",
		"media.name",
	} {
		if value := strings.TrimSpace(s.Properties[key]); value != "" {
			return value
		}
	}
	return ""
}

// volumeFraction averages the channel volumes and scales them to 0..1.
// The second return reports whether any channel volume was present.
func (s sinkInput) volumeFraction() (float64, bool) {
	if len(s.Volume) == 0 {
		return 0, false
	}
	var total float64
	for _, level := range s.Volume {
		total += float64(level.Value)
	}
	return total / float64(len(s.Volume)) / volumeNorm, true
}

// sinkInputSession adapts one sink input to the provider session interface.
// The volume snapshot comes from enumeration time; writes go through pactl.
type sinkInputSession struct {
	prov  *Provider
	input sinkInput
}

var _ provider.Session = (*sinkInputSession)(nil)

func (s *sinkInputSession) ProcessName() string {
	return s.input.processName()
}

func (s *sinkInputSession) Key() string {
	return strconv.FormatUint(uint64(s.input.Index), 10)
}

func (s *sinkInputSession) Volume() (float64, error) {
	fraction, ok := s.input.volumeFraction()
	if !ok {
		return 0, provider.ErrUnavailable
	}
	return fraction, nil
}

func (s *sinkInputSession) SetVolume(target float64) error {
	return s.prov.setVolume(context.Background(), s.input.Index, target)
}

func (s *sinkInputSession) Peak() (float64, error) {
	// Silence is certain for muted or corked streams, no tap needed.
	if s.input.Mute || s.input.Corked {
		return 0, nil
	}
	return s.prov.peakFor(s.input.Index), nil
}
