package orchestrator

import "time"

// ChannelState is the lifecycle state of a PersistentChannel.
type ChannelState string

const (
	ChannelIdle    ChannelState = "IDLE"
	ChannelLive    ChannelState = "LIVE"
	ChannelOffline ChannelState = "OFFLINE"
)

// SessionStatus is the lifecycle status of a LiveSession.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionEnded     SessionStatus = "ENDED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionCompleted
}

// ChannelUsage accumulates statistics over the lifetime of a channel.
type ChannelUsage struct {
	SessionCount  int64      `json:"sessionCount"`
	LiveSeconds   int64      `json:"liveSeconds"`
	LastStartedAt *time.Time `json:"lastStartedAt,omitempty"`
	LastEndedAt   *time.Time `json:"lastEndedAt,omitempty"`
}

// PersistentChannel is a reusable output destination from the shared pool.
// An empty CurrentSessionID means no session holds the channel.
type PersistentChannel struct {
	ID               string       `json:"id"`
	Handle           string       `json:"handle"`
	Name             string       `json:"name"`
	State            ChannelState `json:"state"`
	CurrentSessionID string       `json:"currentSessionId,omitempty"`
	Usage            ChannelUsage `json:"usage"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`

	// Version is the optimistic concurrency token; 0 means "not yet stored".
	Version int64 `json:"version"`
}

// ChannelAssignment maps a host to the one channel it may broadcast on.
type ChannelAssignment struct {
	HostID    string    `json:"hostId"`
	ChannelID string    `json:"channelId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResourceBundle references every external resource a session acquired.
// Empty strings are absent references.
type ResourceBundle struct {
	ChannelID     string `json:"channelId"`
	ChannelHandle string `json:"channelHandle"`
	RawStage      string `json:"rawStage,omitempty"`
	ProgramStage  string `json:"programStage,omitempty"`
	RelayChannel  string `json:"relayChannel,omitempty"`
	Composition   string `json:"composition,omitempty"`
	Controller    string `json:"controller,omitempty"`
}

// Held reports whether any releasable reference is still present.
// The channel reference is bookkeeping, not a releasable resource.
func (b ResourceBundle) Held() bool {
	return b.RawStage != "" || b.ProgramStage != "" || b.RelayChannel != "" ||
		b.Composition != "" || b.Controller != ""
}

// ProgramState is what the program output currently shows and hears.
type ProgramState struct {
	ActiveVideoSource Source             `json:"activeVideoSource"`
	AudioLevels       map[string]float64 `json:"audioLevels"`
}

func (p ProgramState) clone() ProgramState {
	levels := make(map[string]float64, len(p.AudioLevels))
	for k, v := range p.AudioLevels {
		levels[k] = v
	}
	return ProgramState{ActiveVideoSource: p.ActiveVideoSource, AudioLevels: levels}
}

// LiveSession is the unit of orchestration.
type LiveSession struct {
	ID           string         `json:"id"`
	HostID       string         `json:"hostId"`
	ShowID       string         `json:"showId"`
	Status       SessionStatus  `json:"status"`
	Resources    ResourceBundle `json:"resources"`
	ProgramState ProgramState   `json:"programState"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy so callers never alias stored state.
func (s *LiveSession) Clone() *LiveSession {
	if s == nil {
		return nil
	}
	c := *s
	c.ProgramState = s.ProgramState.clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Clone returns a copy of the channel record.
func (c *PersistentChannel) Clone() *PersistentChannel {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Usage.LastStartedAt != nil {
		t := *c.Usage.LastStartedAt
		cp.Usage.LastStartedAt = &t
	}
	if c.Usage.LastEndedAt != nil {
		t := *c.Usage.LastEndedAt
		cp.Usage.LastEndedAt = &t
	}
	return &cp
}

// clampLevel bounds an audio level to [0.0, 1.0].
func clampLevel(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
