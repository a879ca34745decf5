package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eventpulse/harvester/internal/config"
)

func TestPoolConfigFromSettings(t *testing.T) {
	cfg := config.Config{}
	cfg.DB.DSN = "postgres://localhost/harvester"
	cfg.DB.MaxConns = 12
	cfg.DB.MinConns = 3

	pc := poolConfig(cfg)
	require.Equal(t, "postgres://localhost/harvester", pc.DSN)
	require.Equal(t, int32(12), pc.MaxConns)
	require.Equal(t, int32(3), pc.MinConns)
}
