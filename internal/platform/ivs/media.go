// Package ivs implements the orchestrator's MediaPlatform on Amazon IVS:
// real-time stages, participant tokens and compositions from IVS Real-Time,
// relay channels from low-latency IVS.
package ivs

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	ivschannel "github.com/aws/aws-sdk-go/service/ivs"
	"github.com/aws/aws-sdk-go/service/ivs/ivsiface"
	"github.com/aws/aws-sdk-go/service/ivsrealtime"
	"github.com/aws/aws-sdk-go/service/ivsrealtime/ivsrealtimeiface"
	"github.com/samber/oops"

	"session-orchestrator/internal/orchestrator"
)

// Token durations are whole minutes within these bounds.
const (
	minTokenMinutes = 1
	maxTokenMinutes = 14 * 24 * 60
)

// Media is an orchestrator.MediaPlatform backed by IVS.
type Media struct {
	channels ivsiface.IVSAPI
	realtime ivsrealtimeiface.IVSRealTimeAPI
	tags     map[string]*string
}

var _ orchestrator.MediaPlatform = (*Media)(nil)

// New returns a Media. tags are applied to every created resource so that
// orphans can be found out of band.
func New(channels ivsiface.IVSAPI, realtime ivsrealtimeiface.IVSRealTimeAPI, tags map[string]string) *Media {
	return &Media{channels: channels, realtime: realtime, tags: aws.StringMap(tags)}
}

// CreateStage implements orchestrator.MediaPlatform.
func (m *Media) CreateStage(ctx context.Context, name string, kind orchestrator.StageKind) (string, error) {
	tags := m.tagsWith("stage-kind", string(kind))
	out, err := m.realtime.CreateStageWithContext(ctx, &ivsrealtime.CreateStageInput{
		Name: aws.String(name),
		Tags: tags,
	})
	if err != nil {
		return "", oops.Wrapf(err, "create %s stage %s", kind, name)
	}
	return aws.StringValue(out.Stage.Arn), nil
}

// DeleteStage implements orchestrator.MediaPlatform. A stage that no
// longer exists counts as deleted.
func (m *Media) DeleteStage(ctx context.Context, arn string) error {
	_, err := m.realtime.DeleteStageWithContext(ctx, &ivsrealtime.DeleteStageInput{Arn: aws.String(arn)})
	if isNotFound(err) {
		return nil
	}
	return oops.Wrapf(err, "delete stage %s", arn)
}

// CreateParticipantToken implements orchestrator.MediaPlatform.
func (m *Media) CreateParticipantToken(ctx context.Context, req orchestrator.TokenRequest) (orchestrator.ParticipantToken, error) {
	var caps []*string
	if req.Publish {
		caps = append(caps, aws.String(ivsrealtime.ParticipantTokenCapabilityPublish))
	}
	if req.Subscribe {
		caps = append(caps, aws.String(ivsrealtime.ParticipantTokenCapabilitySubscribe))
	}

	out, err := m.realtime.CreateParticipantTokenWithContext(ctx, &ivsrealtime.CreateParticipantTokenInput{
		StageArn:     aws.String(req.StageHandle),
		UserId:       aws.String(req.UserID),
		Duration:     aws.Int64(tokenMinutes(req.TTL)),
		Capabilities: caps,
		Attributes:   aws.StringMap(req.Attributes),
	})
	if err != nil {
		return orchestrator.ParticipantToken{}, oops.Wrapf(err, "create participant token on %s", req.StageHandle)
	}
	tok := out.ParticipantToken
	return orchestrator.ParticipantToken{
		Token:         aws.StringValue(tok.Token),
		ParticipantID: aws.StringValue(tok.ParticipantId),
		ExpiresAt:     aws.TimeValue(tok.ExpirationTime),
	}, nil
}

// CreateRelayChannel implements orchestrator.MediaPlatform.
func (m *Media) CreateRelayChannel(ctx context.Context, name string) (string, error) {
	out, err := m.channels.CreateChannelWithContext(ctx, &ivschannel.CreateChannelInput{
		Name:        aws.String(name),
		LatencyMode: aws.String(ivschannel.ChannelLatencyModeLow),
		Type:        aws.String(ivschannel.ChannelTypeStandard),
		Tags:        m.tags,
	})
	if err != nil {
		return "", oops.Wrapf(err, "create relay channel %s", name)
	}
	return aws.StringValue(out.Channel.Arn), nil
}

// DeleteChannel implements orchestrator.MediaPlatform.
func (m *Media) DeleteChannel(ctx context.Context, arn string) error {
	_, err := m.channels.DeleteChannelWithContext(ctx, &ivschannel.DeleteChannelInput{Arn: aws.String(arn)})
	if isNotFound(err) {
		return nil
	}
	return oops.Wrapf(err, "delete channel %s", arn)
}

// StartComposition implements orchestrator.MediaPlatform. The grid layout
// features participants whose attributes carry the source's key.
func (m *Media) StartComposition(ctx context.Context, req orchestrator.CompositionRequest) (string, error) {
	out, err := m.realtime.StartCompositionWithContext(ctx, &ivsrealtime.StartCompositionInput{
		StageArn: aws.String(req.StageHandle),
		Destinations: []*ivsrealtime.DestinationConfiguration{{
			Channel: &ivsrealtime.ChannelDestinationConfiguration{ChannelArn: aws.String(req.ChannelHandle)},
		}},
		Layout: &ivsrealtime.LayoutConfiguration{
			Grid: &ivsrealtime.GridConfiguration{
				FeaturedParticipantAttribute: aws.String(req.Featured.Key()),
			},
		},
		Tags: m.tags,
	})
	if err != nil {
		return "", oops.Wrapf(err, "start composition on %s", req.StageHandle)
	}
	return aws.StringValue(out.Composition.Arn), nil
}

// StopComposition implements orchestrator.MediaPlatform.
func (m *Media) StopComposition(ctx context.Context, arn string) error {
	_, err := m.realtime.StopCompositionWithContext(ctx, &ivsrealtime.StopCompositionInput{Arn: aws.String(arn)})
	if isNotFound(err) {
		return nil
	}
	return oops.Wrapf(err, "stop composition %s", arn)
}

func (m *Media) tagsWith(k, v string) map[string]*string {
	out := make(map[string]*string, len(m.tags)+1)
	for tk, tv := range m.tags {
		out[tk] = tv
	}
	out[k] = aws.String(v)
	return out
}

func tokenMinutes(ttl time.Duration) int64 {
	mins := int64(ttl / time.Minute)
	if mins < minTokenMinutes {
		return minTokenMinutes
	}
	if mins > maxTokenMinutes {
		return maxTokenMinutes
	}
	return mins
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == ivsrealtime.ErrCodeResourceNotFoundException ||
		aerr.Code() == ivschannel.ErrCodeResourceNotFoundException
}
