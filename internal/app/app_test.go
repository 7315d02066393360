package app

import (
	"context"
	"testing"

	"github.com/dunamismax/zyncut/internal/config"
	"github.com/dunamismax/zyncut/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOpenUsageStoreDefaultsToMemory(t *testing.T) {
	usage, closeFn, err := OpenUsageStore(context.Background(), config.DatabaseConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &store.MemoryUsageStore{}, usage)
	require.NoError(t, closeFn())
}

func TestNewEngineFromConfig(t *testing.T) {
	cfg, err := config.Parse()
	require.NoError(t, err)

	engine, err := NewEngine(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, engine)
}
