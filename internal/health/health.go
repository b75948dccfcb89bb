// Package health tracks whether the service can reach Redis and publishes
// that over the standard gRPC health protocol and the HTTP /healthz route.
package health

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name registered with the gRPC health server.
const Service = "rewardgate"

type Checker struct {
	rdb     *redis.Client
	srv     *grpchealth.Server
	healthy atomic.Bool
	log     *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Checker {
	c := &Checker{rdb: rdb, srv: grpchealth.NewServer(), log: log}
	c.set(false)
	return c
}

// Server is the gRPC health service.
func (c *Checker) Server() *grpchealth.Server { return c.srv }

// Healthy reports the result of the last Check.
func (c *Checker) Healthy() bool { return c.healthy.Load() }

// Check pings Redis and updates the published status.
func (c *Checker) Check(ctx context.Context) error {
	err := c.rdb.Ping(ctx).Err()
	if was := c.healthy.Load(); was != (err == nil) {
		if err != nil {
			c.log.Warn("health: redis unreachable", zap.Error(err))
		} else {
			c.log.Info("health: redis reachable")
		}
	}
	c.set(err == nil)
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Checker) set(ok bool) {
	c.healthy.Store(ok)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	c.srv.SetServingStatus("", status)
	c.srv.SetServingStatus(Service, status)
}

// Run checks every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Check(ctx) //nolint:errcheck
	for {
		select {
		case <-ctx.Done():
			c.srv.Shutdown()
			return
		case <-ticker.C:
			c.Check(ctx) //nolint:errcheck
		}
	}
}

// Serve runs a gRPC server exposing only the health service on port until
// ctx is cancelled.
func (c *Checker) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("health: listen: %w", err)
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, c.srv)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	c.log.Info("gRPC health server starting", zap.Int("port", port))
	return gs.Serve(lis)
}
