// Command controller drives the program output of one live session. It is
// launched per session (as an ECS task) with SESSION_ID set and runs until
// it is stopped.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	awsivs "github.com/aws/aws-sdk-go/service/ivs"
	"github.com/aws/aws-sdk-go/service/ivsrealtime"
	"github.com/nats-io/nats.go"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"session-orchestrator/internal/orchestrator"
	"session-orchestrator/internal/platform/config"
	"session-orchestrator/internal/platform/dynamo"
	"session-orchestrator/internal/platform/ivs"
	"session-orchestrator/internal/platform/jetstream"
	"session-orchestrator/internal/platform/local"
	"session-orchestrator/internal/platform/logger"
	"session-orchestrator/internal/platform/metrics"
)

func main() {
	_ = config.Load()
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "controller",
		Short:         "Run the program controller of one live session",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	f := cmd.Flags()
	f.String("session-id", "", "session to control (env SESSION_ID)")
	f.String("aws-region", "us-east-1", "AWS region")
	f.String("dynamo-table", "live-sessions", "DynamoDB table holding session records")
	f.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	f.String("command-stream", "SESSION_COMMANDS", "JetStream stream carrying control commands")
	f.String("command-subject-prefix", "session.commands", "subject prefix of control commands")
	f.String("media-backend", config.BackendIVS, "media platform: ivs or local")
	f.Duration("controller-poll-wait", orchestrator.DefaultPollWait, "long-poll wait per receive")
	f.Duration("startup-timeout", orchestrator.DefaultStartupTimeout, "how long to wait for the session record")
	f.Duration("command-visibility-timeout", orchestrator.DefaultVisibilityTimeout, "redelivery delay of unacknowledged commands")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "json", "json or text")

	_ = v.BindPFlags(f)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	sessionID := v.GetString("session-id")
	log := logger.New(v.GetString("log-level"), v.GetString("log-format"), slog.String("component", "controller"))
	if sessionID == "" {
		err := oops.Errorf("SESSION_ID is required")
		log.Error("controller not started", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.NewSession(&aws.Config{Region: aws.String(v.GetString("aws-region"))})
	if err != nil {
		return oops.Wrapf(err, "aws session")
	}
	store := dynamo.New(dynamodb.New(sess), v.GetString("dynamo-table"))

	nc, err := nats.Connect(v.GetString("nats-url"), nats.Name("session-controller-"+sessionID))
	if err != nil {
		return oops.Wrapf(err, "connect to nats")
	}
	defer func() { _ = nc.Drain() }()

	queue, err := jetstream.New(ctx, nc, jetstream.Config{
		Stream:        v.GetString("command-stream"),
		SubjectPrefix: v.GetString("command-subject-prefix"),
		AckWait:       v.GetDuration("command-visibility-timeout"),
	})
	if err != nil {
		return err
	}

	var media orchestrator.MediaPlatform
	switch v.GetString("media-backend") {
	case config.BackendIVS:
		media = ivs.New(awsivs.New(sess), ivsrealtime.New(sess), map[string]string{"app": "session-orchestrator"})
	case config.BackendLocal:
		media = local.NewMedia()
	default:
		return oops.Errorf("unknown media backend %q", v.GetString("media-backend"))
	}

	ctrl := orchestrator.NewController(store, queue, media, log, metrics.New(), orchestrator.ControllerConfig{
		PollWait:       v.GetDuration("controller-poll-wait"),
		StartupTimeout: v.GetDuration("startup-timeout"),
		RetryInterval:  time.Second,
	})
	if err := ctrl.Run(ctx, sessionID); err != nil {
		log.Error("controller failed", "session_id", sessionID, "error", err)
		return err
	}
	return nil
}
