package orchestrator

import (
	"strings"

	"github.com/samber/oops"
)

// SourceKind tags the variant held by a Source.
type SourceKind int

const (
	// SourceHost is the zero value so that an unset Source is the host.
	SourceHost SourceKind = iota
	SourceCaller
	SourceTrack
)

func (k SourceKind) String() string {
	switch k {
	case SourceHost:
		return "host"
	case SourceCaller:
		return "caller"
	case SourceTrack:
		return "track"
	default:
		return "unknown"
	}
}

// Source is a video source the program output can show: the host, a
// call-in participant or a pre-recorded track. Values are only built by
// the constructors below or ParseSource, so every Source is well formed.
type Source struct {
	kind SourceKind
	id   string
}

// HostSource returns the host variant.
func HostSource() Source { return Source{kind: SourceHost} }

// CallerSource returns the caller variant for a participant id.
func CallerSource(id string) (Source, error) {
	if strings.TrimSpace(id) == "" {
		return Source{}, oops.Wrapf(ErrBadRequest, "caller source requires an id")
	}
	return Source{kind: SourceCaller, id: id}, nil
}

// TrackSource returns the track variant for a track id.
func TrackSource(id string) (Source, error) {
	if strings.TrimSpace(id) == "" {
		return Source{}, oops.Wrapf(ErrBadRequest, "track source requires an id")
	}
	return Source{kind: SourceTrack, id: id}, nil
}

// ParseSource parses the grammar host | caller:<id> | track:<id>.
func ParseSource(raw string) (Source, error) {
	if raw == "host" {
		return HostSource(), nil
	}
	tag, id, found := strings.Cut(raw, ":")
	if !found {
		return Source{}, &SourceError{Token: raw, Reason: "unknown source"}
	}
	if strings.TrimSpace(id) == "" {
		return Source{}, &SourceError{Token: raw, Reason: "missing id after " + tag + ":"}
	}
	switch tag {
	case "caller":
		return Source{kind: SourceCaller, id: id}, nil
	case "track":
		return Source{kind: SourceTrack, id: id}, nil
	default:
		return Source{}, &SourceError{Token: raw, Reason: "unknown source tag " + tag}
	}
}

// Kind returns the variant tag.
func (s Source) Kind() SourceKind { return s.kind }

// ID returns the participant or track id; empty for the host.
func (s Source) ID() string { return s.id }

// String renders the canonical wire form.
func (s Source) String() string {
	if s.kind == SourceHost {
		return "host"
	}
	return s.kind.String() + ":" + s.id
}

// Key renders the source as a media participant attribute name. The media
// platform restricts attribute names, so ':' is not used.
func (s Source) Key() string {
	if s.kind == SourceHost {
		return "host"
	}
	return s.kind.String() + "-" + s.id
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	parsed, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
