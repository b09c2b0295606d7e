// Package ecs launches session controllers as Fargate tasks.
package ecs

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/samber/oops"

	"session-orchestrator/internal/orchestrator"
)

// SessionEnv names the environment variable that tells the controller
// which session to drive.
const SessionEnv = "SESSION_ID"

// Config describes where and how controller tasks run.
type Config struct {
	Cluster        string
	TaskDefinition string
	Container      string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// Launcher is an orchestrator.Launcher running one ECS task per session.
// The handle is the task ARN.
type Launcher struct {
	api ecsiface.ECSAPI
	cfg Config
}

var _ orchestrator.Launcher = (*Launcher)(nil)

// New returns a Launcher.
func New(api ecsiface.ECSAPI, cfg Config) *Launcher {
	return &Launcher{api: api, cfg: cfg}
}

// Launch implements orchestrator.Launcher.
func (l *Launcher) Launch(ctx context.Context, sessionID string) (string, error) {
	publicIP := awsecs.AssignPublicIpDisabled
	if l.cfg.AssignPublicIP {
		publicIP = awsecs.AssignPublicIpEnabled
	}
	out, err := l.api.RunTaskWithContext(ctx, &awsecs.RunTaskInput{
		Cluster:        aws.String(l.cfg.Cluster),
		TaskDefinition: aws.String(l.cfg.TaskDefinition),
		LaunchType:     aws.String(awsecs.LaunchTypeFargate),
		Count:          aws.Int64(1),
		StartedBy:      aws.String(startedBy(sessionID)),
		NetworkConfiguration: &awsecs.NetworkConfiguration{
			AwsvpcConfiguration: &awsecs.AwsVpcConfiguration{
				Subnets:        aws.StringSlice(l.cfg.Subnets),
				SecurityGroups: aws.StringSlice(l.cfg.SecurityGroups),
				AssignPublicIp: aws.String(publicIP),
			},
		},
		Overrides: &awsecs.TaskOverride{
			ContainerOverrides: []*awsecs.ContainerOverride{{
				Name: aws.String(l.cfg.Container),
				Environment: []*awsecs.KeyValuePair{{
					Name:  aws.String(SessionEnv),
					Value: aws.String(sessionID),
				}},
			}},
		},
	})
	if err != nil {
		return "", oops.Wrapf(err, "run controller task for session %s", sessionID)
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return "", oops.Errorf("run controller task for session %s: %s (%s)",
			sessionID, aws.StringValue(f.Reason), aws.StringValue(f.Detail))
	}
	if len(out.Tasks) == 0 {
		return "", oops.Errorf("run controller task for session %s: no task started", sessionID)
	}
	return aws.StringValue(out.Tasks[0].TaskArn), nil
}

// Stop implements orchestrator.Launcher. A task that is already gone
// counts as stopped.
func (l *Launcher) Stop(ctx context.Context, taskARN, reason string) error {
	_, err := l.api.StopTaskWithContext(ctx, &awsecs.StopTaskInput{
		Cluster: aws.String(l.cfg.Cluster),
		Task:    aws.String(taskARN),
		Reason:  aws.String(reason),
	})
	if isGone(err) {
		return nil
	}
	return oops.Wrapf(err, "stop controller task %s", taskARN)
}

// startedBy fits the session id into the 36 character startedBy field.
func startedBy(sessionID string) string {
	const maxLen = 36
	if len(sessionID) > maxLen {
		return sessionID[:maxLen]
	}
	return sessionID
}

func isGone(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == awsecs.ErrCodeInvalidParameterException &&
		strings.Contains(aerr.Message(), "not found")
}
