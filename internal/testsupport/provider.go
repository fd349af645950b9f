package testsupport

import (
	"context"
	"sync"

	"sidechain/internal/provider"
)

// FakeSession is a scriptable in-memory audio session.
type FakeSession struct {
	mu sync.Mutex

	Name string
	ID   string

	Vol  float64
	Pk   float64
	Errs struct {
		Volume    error
		SetVolume error
		Peak      error
	}

	SetCalls []float64
}

// NewFakeSession builds a session with the given process name, identity, and
// starting volume.
func NewFakeSession(name, id string, volume float64) *FakeSession {
	return &FakeSession{Name: name, ID: id, Vol: volume}
}

func (s *FakeSession) ProcessName() string { return s.Name }

func (s *FakeSession) Key() string { return s.ID }

func (s *FakeSession) Volume() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Errs.Volume != nil {
		return 0, s.Errs.Volume
	}
	return s.Vol, nil
}

func (s *FakeSession) SetVolume(value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Errs.SetVolume != nil {
		return s.Errs.SetVolume
	}
	s.Vol = value
	s.SetCalls = append(s.SetCalls, value)
	return nil
}

func (s *FakeSession) Peak() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Errs.Peak != nil {
		return 0, s.Errs.Peak
	}
	return s.Pk, nil
}

// SetPeak updates the scripted peak level.
func (s *FakeSession) SetPeak(peak float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pk = peak
}

// CurrentVolume reads the session volume without error scripting.
func (s *FakeSession) CurrentVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Vol
}

// FakeProvider serves a mutable session set.
type FakeProvider struct {
	mu       sync.Mutex
	sessions []provider.Session
	err      error
	calls    int
}

// NewFakeProvider builds a provider serving the given sessions.
func NewFakeProvider(sessions ...provider.Session) *FakeProvider {
	return &FakeProvider{sessions: sessions}
}

func (p *FakeProvider) Sessions(context.Context) ([]provider.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]provider.Session, len(p.sessions))
	copy(out, p.sessions)
	return out, nil
}

func (p *FakeProvider) Close() error { return nil }

// SetSessions replaces the served session set.
func (p *FakeProvider) SetSessions(sessions ...provider.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = sessions
}

// SetError makes every subsequent enumeration fail with err.
func (p *FakeProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// EnumerationCalls reports how many times Sessions was invoked.
func (p *FakeProvider) EnumerationCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
