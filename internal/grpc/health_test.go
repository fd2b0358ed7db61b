package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/overdrive-yt/sportsdevil/pkg/logger"
)

type MockPinger struct {
	down atomic.Bool
}

func (m *MockPinger) Ping(context.Context) error {
	if m.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestHealthServer_CheckOnce(t *testing.T) {
	postgres := &MockPinger{}
	redis := &MockPinger{}
	s := NewHealthServer(map[string]Pinger{"postgres": postgres, "redis": redis}, time.Hour, logger.Nop())

	assert.True(t, s.CheckOnce(context.Background()))

	redis.down.Store(true)
	assert.False(t, s.CheckOnce(context.Background()))

	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "redis"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	resp, err = s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "postgres"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestHealthServer_Serve(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	dep := &MockPinger{}
	s := NewHealthServer(map[string]Pinger{"backend": dep}, time.Hour, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestPingFunc(t *testing.T) {
	want := errors.New("down")
	var p Pinger = PingFunc(func(context.Context) error { return want })
	assert.ErrorIs(t, p.Ping(context.Background()), want)
}
