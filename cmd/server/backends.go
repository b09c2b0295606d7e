package main

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	awsivs "github.com/aws/aws-sdk-go/service/ivs"
	"github.com/aws/aws-sdk-go/service/ivsrealtime"
	"github.com/nats-io/nats.go"
	"github.com/samber/oops"

	"session-orchestrator/internal/orchestrator"
	"session-orchestrator/internal/platform/config"
	"session-orchestrator/internal/platform/dynamo"
	"session-orchestrator/internal/platform/ecs"
	"session-orchestrator/internal/platform/ivs"
	"session-orchestrator/internal/platform/jetstream"
	"session-orchestrator/internal/platform/local"
	"session-orchestrator/internal/platform/metrics"
)

type backends struct {
	store    orchestrator.Store
	shows    orchestrator.ShowCatalog
	media    orchestrator.MediaPlatform
	queue    orchestrator.CommandQueue
	launcher orchestrator.Launcher
	close    func()
}

// newBackends builds the collaborators selected by cfg. In-process
// controllers share the server's store, queue and media.
func newBackends(ctx context.Context, cfg config.Server, log *slog.Logger, met *metrics.Metrics) (*backends, error) {
	b := &backends{close: func() {}}

	var sess *session.Session
	awsSession := func() (*session.Session, error) {
		if sess != nil {
			return sess, nil
		}
		s, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
		if err != nil {
			return nil, oops.Wrapf(err, "aws session")
		}
		sess = s
		return sess, nil
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		store := orchestrator.NewMemoryStore()
		b.store, b.shows = store, store
	case config.BackendDynamo:
		s, err := awsSession()
		if err != nil {
			return nil, err
		}
		store := dynamo.New(dynamodb.New(s), cfg.DynamoTable)
		b.store, b.shows = store, store
	default:
		return nil, oops.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.QueueBackend {
	case config.BackendMemory:
		b.queue = orchestrator.NewMemoryQueue(cfg.VisibilityTimeout)
	case config.BackendNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("session-orchestrator"))
		if err != nil {
			return nil, oops.Wrapf(err, "connect to %s", cfg.NATSURL)
		}
		q, err := jetstream.New(ctx, nc, jetstream.Config{
			Stream:        cfg.StreamName,
			SubjectPrefix: cfg.StreamPrefix,
			AckWait:       cfg.VisibilityTimeout,
		})
		if err != nil {
			nc.Close()
			return nil, err
		}
		b.queue = q
		b.close = func() { _ = nc.Drain() }
	default:
		return nil, oops.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	switch cfg.MediaBackend {
	case config.BackendLocal:
		b.media = local.NewMedia()
	case config.BackendIVS:
		s, err := awsSession()
		if err != nil {
			return nil, err
		}
		b.media = ivs.New(awsivs.New(s), ivsrealtime.New(s), map[string]string{"app": "session-orchestrator"})
	default:
		return nil, oops.Errorf("unknown MEDIA_BACKEND %q", cfg.MediaBackend)
	}

	switch cfg.LauncherBackend {
	case config.BackendLocal:
		ctrlCfg := orchestrator.ControllerConfig{PollWait: cfg.ControllerWait}
		run := func(ctx context.Context, sessionID string) error {
			return orchestrator.NewController(b.store, b.queue, b.media, log, met, ctrlCfg).Run(ctx, sessionID)
		}
		b.launcher = local.NewLauncher(ctx, run, log)
	case config.BackendECS:
		if cfg.QueueBackend == config.BackendMemory || cfg.StoreBackend == config.BackendMemory {
			log.Warn("ECS controllers cannot reach an in-memory store or queue")
		}
		s, err := awsSession()
		if err != nil {
			return nil, err
		}
		b.launcher = ecs.New(awsecs.New(s), ecs.Config{
			Cluster:        cfg.ECSCluster,
			TaskDefinition: cfg.ECSTaskDefinition,
			Container:      cfg.ECSContainer,
			Subnets:        cfg.ECSSubnets,
			SecurityGroups: cfg.ECSSecurityGroups,
			AssignPublicIP: cfg.ECSPublicIP,
		})
	default:
		return nil, oops.Errorf("unknown LAUNCHER_BACKEND %q", cfg.LauncherBackend)
	}

	return b, nil
}
