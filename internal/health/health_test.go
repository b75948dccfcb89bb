package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func status(t *testing.T, c *Checker) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	return resp.Status
}

func TestChecker_FollowsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(rdb, zap.NewNop())

	if c.Healthy() || status(t, c) != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatal("checker must start NOT_SERVING until the first check")
	}

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !c.Healthy() || status(t, c) != healthpb.HealthCheckResponse_SERVING {
		t.Error("expected SERVING after a successful ping")
	}

	mr.Close()
	if err := c.Check(context.Background()); err == nil {
		t.Fatal("expected an error with redis down")
	}
	if c.Healthy() || status(t, c) != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Error("expected NOT_SERVING with redis down")
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(rdb, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	<-done
}
