package orchestrator

import (
	"context"
	"time"
)

// StageKind distinguishes the two stages of a session.
type StageKind string

const (
	StageRaw     StageKind = "raw"
	StageProgram StageKind = "program"
)

// TokenRequest describes a participant token to mint on a stage.
type TokenRequest struct {
	StageHandle string
	UserID      string
	Publish     bool
	Subscribe   bool
	TTL         time.Duration
	Attributes  map[string]string
}

// ParticipantToken is a scoped credential for a stage. It is returned to
// callers and never persisted.
type ParticipantToken struct {
	Token         string    `json:"token"`
	ParticipantID string    `json:"participantId,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// CompositionRequest starts a composition that mixes a stage into a
// channel, featuring one source.
type CompositionRequest struct {
	StageHandle   string
	ChannelHandle string
	Featured      Source
}

// MediaPlatform is the real-time media service.
type MediaPlatform interface {
	CreateStage(ctx context.Context, name string, kind StageKind) (string, error)
	DeleteStage(ctx context.Context, handle string) error
	CreateParticipantToken(ctx context.Context, req TokenRequest) (ParticipantToken, error)
	CreateRelayChannel(ctx context.Context, name string) (string, error)
	DeleteChannel(ctx context.Context, handle string) error
	StartComposition(ctx context.Context, req CompositionRequest) (string, error)
	StopComposition(ctx context.Context, handle string) error
}

// CommandQueue is the message channel between request handlers and
// controllers. Receive returns (nil, nil) when nothing arrived within wait.
// A received message stays invisible for the visibility timeout and
// reappears unless deleted.
type CommandQueue interface {
	Send(ctx context.Context, cmd ControlCommand) error
	Receive(ctx context.Context, sessionID string, wait time.Duration) (*Delivery, error)
	Delete(ctx context.Context, sessionID, receipt string) error
	Drop(ctx context.Context, sessionID string) error
}

// Launcher starts and stops background controller tasks.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (string, error)
	Stop(ctx context.Context, handle, reason string) error
}

// ShowCatalog answers whether a show exists. Shows are managed elsewhere.
type ShowCatalog interface {
	ShowExists(ctx context.Context, showID string) (bool, error)
}

// ShowRegistry is a ShowCatalog that also accepts show ids, used to seed
// standalone deployments.
type ShowRegistry interface {
	ShowCatalog
	PutShow(ctx context.Context, showID string) error
}
