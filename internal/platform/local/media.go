package local

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"session-orchestrator/internal/orchestrator"
)

// Media is an in-memory orchestrator.MediaPlatform. It tracks what exists
// so leaks are visible, and nothing is streamed.
type Media struct {
	mu           sync.Mutex
	stages       map[string]orchestrator.StageKind
	channels     map[string]string
	compositions map[string]orchestrator.CompositionRequest
}

var _ orchestrator.MediaPlatform = (*Media)(nil)

// NewMedia returns an empty Media.
func NewMedia() *Media {
	return &Media{
		stages:       make(map[string]orchestrator.StageKind),
		channels:     make(map[string]string),
		compositions: make(map[string]orchestrator.CompositionRequest),
	}
}

func (m *Media) CreateStage(_ context.Context, name string, kind orchestrator.StageKind) (string, error) {
	handle := "stage/" + name + "/" + uuid.NewString()
	m.mu.Lock()
	m.stages[handle] = kind
	m.mu.Unlock()
	return handle, nil
}

func (m *Media) DeleteStage(_ context.Context, handle string) error {
	m.mu.Lock()
	delete(m.stages, handle)
	m.mu.Unlock()
	return nil
}

func (m *Media) CreateParticipantToken(_ context.Context, req orchestrator.TokenRequest) (orchestrator.ParticipantToken, error) {
	m.mu.Lock()
	_, ok := m.stages[req.StageHandle]
	m.mu.Unlock()
	if !ok {
		return orchestrator.ParticipantToken{}, oops.Errorf("stage %s does not exist", req.StageHandle)
	}
	return orchestrator.ParticipantToken{
		Token:         uuid.NewString(),
		ParticipantID: req.UserID,
		ExpiresAt:     time.Now().Add(req.TTL).UTC(),
	}, nil
}

func (m *Media) CreateRelayChannel(_ context.Context, name string) (string, error) {
	handle := "channel/" + name + "/" + uuid.NewString()
	m.mu.Lock()
	m.channels[handle] = name
	m.mu.Unlock()
	return handle, nil
}

func (m *Media) DeleteChannel(_ context.Context, handle string) error {
	m.mu.Lock()
	delete(m.channels, handle)
	m.mu.Unlock()
	return nil
}

func (m *Media) StartComposition(_ context.Context, req orchestrator.CompositionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stages[req.StageHandle]; !ok {
		return "", oops.Errorf("stage %s does not exist", req.StageHandle)
	}
	for _, c := range m.compositions {
		if c.ChannelHandle == req.ChannelHandle {
			return "", oops.Errorf("channel %s already has a composition", req.ChannelHandle)
		}
	}
	handle := "composition/" + uuid.NewString()
	m.compositions[handle] = req
	return handle, nil
}

func (m *Media) StopComposition(_ context.Context, handle string) error {
	m.mu.Lock()
	delete(m.compositions, handle)
	m.mu.Unlock()
	return nil
}

// Featured returns the source featured by a running composition.
func (m *Media) Featured(handle string) (orchestrator.Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.compositions[handle]
	return c.Featured, ok
}

// Live counts the resources that currently exist.
func (m *Media) Live() (stages, channels, compositions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stages), len(m.channels), len(m.compositions)
}
