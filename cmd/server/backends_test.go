package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/orchestrator"
	"session-orchestrator/internal/platform/config"
	"session-orchestrator/internal/platform/local"
)

func TestNewBackends_in_process(t *testing.T) {
	cfg := config.Server{
		StoreBackend:    config.BackendMemory,
		QueueBackend:    config.BackendMemory,
		MediaBackend:    config.BackendLocal,
		LauncherBackend: config.BackendLocal,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := newBackends(context.Background(), cfg, log, nil)
	require.NoError(t, err)
	defer b.close()

	assert.IsType(t, &orchestrator.MemoryStore{}, b.store)
	assert.IsType(t, &orchestrator.MemoryQueue{}, b.queue)
	assert.IsType(t, &local.Media{}, b.media)
	assert.IsType(t, &local.Launcher{}, b.launcher)
}

func TestNewBackends_unknown(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := config.Server{
		StoreBackend:    config.BackendMemory,
		QueueBackend:    config.BackendMemory,
		MediaBackend:    config.BackendLocal,
		LauncherBackend: config.BackendLocal,
	}

	for name, mutate := range map[string]func(*config.Server){
		"store":    func(c *config.Server) { c.StoreBackend = "redis" },
		"queue":    func(c *config.Server) { c.QueueBackend = "sqs" },
		"media":    func(c *config.Server) { c.MediaBackend = "wowza" },
		"launcher": func(c *config.Server) { c.LauncherBackend = "k8s" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := newBackends(context.Background(), cfg, log, nil)
			assert.Error(t, err)
		})
	}
}
