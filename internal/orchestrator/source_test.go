package orchestrator

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	caller, _ := CallerSource("abc")
	track, _ := TrackSource("42")

	tests := []struct {
		in   string
		want Source
	}{
		{"host", HostSource()},
		{"caller:abc", caller},
		{"track:42", track},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSource(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParseSource_malformed(t *testing.T) {
	for _, in := range []string{"", "Host", "caller", "caller:", "track:", "track: ", "screen:1", ":x"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSource(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadRequest))

			var se *SourceError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, in, se.Token)
		})
	}
}

func TestSource_zero_value_is_host(t *testing.T) {
	var s Source
	assert.Equal(t, HostSource(), s)
	assert.Equal(t, "host", s.String())
}

func TestSource_key(t *testing.T) {
	caller, _ := CallerSource("abc")
	assert.Equal(t, "host", HostSource().Key())
	assert.Equal(t, "caller-abc", caller.Key())
}

func TestSource_constructors_reject_empty_id(t *testing.T) {
	_, err := CallerSource(" ")
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = TrackSource("")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestSource_json(t *testing.T) {
	track, _ := TrackSource("7")
	b, err := json.Marshal(ProgramState{ActiveVideoSource: track})
	require.NoError(t, err)
	assert.JSONEq(t, `{"activeVideoSource":"track:7","audioLevels":null}`, string(b))

	var ps ProgramState
	err = json.Unmarshal([]byte(`{"activeVideoSource":"caller:"}`), &ps)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestClampLevel(t *testing.T) {
	assert.Equal(t, 0.0, clampLevel(-0.5))
	assert.Equal(t, 1.0, clampLevel(3))
	assert.Equal(t, 0.25, clampLevel(0.25))
}
