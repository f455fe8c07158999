package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type switchPinger struct {
	failing atomic.Bool
}

func (pinger *switchPinger) Ping(context.Context) error {
	if pinger.failing.Load() {
		return errors.New("database unreachable")
	}
	return nil
}

func startHealthServer(test *testing.T, server *HealthServer) healthpb.HealthClient {
	test.Helper()
	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	server.Register(grpcServer)

	ctx, cancel := context.WithCancel(context.Background())
	serveErrors := make(chan error, 1)
	go func() { serveErrors <- Serve(ctx, grpcServer, listener, nil) }()

	connection, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("client init failed: %v", err)
	}
	test.Cleanup(func() {
		_ = connection.Close()
		cancel()
		if serveErr := <-serveErrors; serveErr != nil {
			test.Errorf("serve returned %v", serveErr)
		}
	})
	return healthpb.NewHealthClient(connection)
}

func checkStatus(test *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	test.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	response, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		test.Fatalf("health check failed: %v", err)
	}
	return response.GetStatus()
}

func TestHealthFollowsDatabasePing(test *testing.T) {
	test.Parallel()
	pinger := &switchPinger{}
	server := NewHealthServer(pinger, time.Hour, nil)
	client := startHealthServer(test, server)

	if status := checkStatus(test, client, ""); status != healthpb.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING before first ping, got %v", status)
	}

	if status := server.Check(context.Background()); status != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("expected SERVING, got %v", status)
	}
	for _, service := range []string{"", WalletServiceName} {
		if status := checkStatus(test, client, service); status != healthpb.HealthCheckResponse_SERVING {
			test.Fatalf("service %q: expected SERVING, got %v", service, status)
		}
	}

	pinger.failing.Store(true)
	server.Check(context.Background())
	if status := checkStatus(test, client, WalletServiceName); status != healthpb.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING after failed ping, got %v", status)
	}
}

func TestHealthRunShutsDownOnCancel(test *testing.T) {
	test.Parallel()
	server := NewHealthServer(&switchPinger{}, 10*time.Millisecond, nil)
	client := startHealthServer(test, server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for checkStatus(test, client, "") != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			test.Fatalf("health never reported SERVING")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	if status := checkStatus(test, client, ""); status != healthpb.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING after shutdown, got %v", status)
	}
}
