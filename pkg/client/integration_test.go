// Package client integration tests
//go:build integration
// +build integration

package client

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/config"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// TestIntegrationClientLifecycle tests the complete client lifecycle
// Run with: go test -tags=integration -v ./pkg/client
func TestIntegrationClientLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Create a test client configuration
	cfg := config.DefaultConfig()
	cfg.SocksPort = 19050 // Use non-standard port to avoid conflicts
	cfg.ControlPort = 19051
	cfg.LogLevel = "info"

	log := logger.NewDefault()

	// Create client
	client, err := New(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	// Start client in background
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	startErr := make(chan error, 1)
	go func() {
		startErr <- client.Start(ctx)
	}()

	// Wait for client to be ready
	time.Sleep(30 * time.Second)

	// Verify client is running
	stats := client.GetStats()
	if stats.SocksPort != cfg.SocksPort {
		t.Errorf("Expected SOCKS port %d, got %d", cfg.SocksPort, stats.SocksPort)
	}

	// Stop client
	if err := client.Stop(); err != nil {
		t.Errorf("Failed to stop client: %v", err)
	}

	// Wait for start goroutine to complete
	select {
	case err := <-startErr:
		if err != nil && ctx.Err() == nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Log("Start goroutine did not complete in time")
	}
}

// TestIntegrationSimpleClient tests the simplified client API
func TestIntegrationSimpleClient(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Create client with default settings
	client, err := Connect()
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	// Wait for readiness
	err = client.WaitUntilReady(90 * time.Second)
	if err != nil {
		t.Fatalf("Client did not become ready: %v", err)
	}

	// Check stats
	stats := client.Stats()
	if stats.ActiveCircuits == 0 {
		t.Error("Expected at least one active circuit")
	}

	t.Logf("Client ready with %d active circuits", stats.ActiveCircuits)
}

// TestIntegrationOpenStream opens an application stream through a circuit
func TestIntegrationOpenStream(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Create Tor client
	torClient, err := Connect()
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer torClient.Close()

	// Wait for readiness
	err = torClient.WaitUntilReady(90 * time.Second)
	if err != nil {
		t.Fatalf("Client did not become ready: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	st, err := torClient.Open(ctx, "check.torproject.org", 443)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	t.Logf("Stream %d connected through circuit %d", st.ID, st.CircuitID)

	t.Log("Successfully connected through Tor")
}

// TestIntegrationMultipleClients tests running multiple clients simultaneously
func TestIntegrationMultipleClients(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	const numClients = 2

	clients := make([]*SimpleClient, numClients)
	var err error

	// Create multiple clients with different ports
	for i := 0; i < numClients; i++ {
		opts := &Options{
			SocksPort:   20050 + i,
			ControlPort: 20150 + i,
			LogLevel:    "warn",
		}

		clients[i], err = ConnectWithOptions(opts)
		if err != nil {
			t.Fatalf("Failed to create client %d: %v", i, err)
		}
		defer clients[i].Close()
	}

	// Wait for all clients to be ready
	for i, client := range clients {
		err := client.WaitUntilReady(90 * time.Second)
		if err != nil {
			t.Errorf("Client %d did not become ready: %v", i, err)
		}
	}

	// Verify all clients are independent
	for i, client := range clients {
		stats := client.Stats()
		if stats.ActiveCircuits == 0 {
			t.Errorf("Client %d has no active circuits", i)
		}
		t.Logf("Client %d: %d active circuits", i, stats.ActiveCircuits)
	}
}

// TestIntegrationClientRestart tests stopping and restarting a client
func TestIntegrationClientRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := config.DefaultConfig()
	cfg.SocksPort = 21050
	cfg.ControlPort = 21051

	log := logger.NewDefault()

	// First run
	client1, err := New(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create first client: %v", err)
	}

	ctx1, cancel1 := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel1()

	go func() {
		_ = client1.Start(ctx1)
	}()

	time.Sleep(30 * time.Second)

	stats1 := client1.GetStats()
	if stats1.ActiveCircuits == 0 {
		t.Error("First client has no active circuits")
	}

	// Stop first client
	if err := client1.Stop(); err != nil {
		t.Errorf("Failed to stop first client: %v", err)
	}

	time.Sleep(2 * time.Second)

	// Second run with same configuration
	client2, err := New(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create second client: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel2()

	go func() {
		_ = client2.Start(ctx2)
	}()

	time.Sleep(30 * time.Second)

	stats2 := client2.GetStats()
	if stats2.ActiveCircuits == 0 {
		t.Error("Second client has no active circuits")
	}

	// Stop second client
	if err := client2.Stop(); err != nil {
		t.Errorf("Failed to stop second client: %v", err)
	}

	t.Logf("First run: %d circuits, Second run: %d circuits",
		stats1.ActiveCircuits, stats2.ActiveCircuits)
}

// TestIntegrationStreamRoundTrip writes through an open stream and reads
// the response bytes back
func TestIntegrationStreamRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Create and start client
	client, err := Connect()
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	// Wait for readiness
	err = client.WaitUntilReady(90 * time.Second)
	if err != nil {
		t.Fatalf("Client did not become ready: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	st, err := client.Open(ctx, "check.torproject.org", 80)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	request := "HEAD / HTTP/1.0\r\nHost: check.torproject.org\r\n\r\n"
	if _, err := st.Write(ctx, []byte(request)); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	body, err := st.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(body) == 0 {
		t.Error("Response is empty")
	}

	t.Logf("Round trip complete, first chunk %d bytes", len(body))
}

// TestIntegrationContextCancellation tests context cancellation handling
func TestIntegrationContextCancellation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := config.DefaultConfig()
	cfg.SocksPort = 22050
	cfg.ControlPort = 22051

	log := logger.NewDefault()

	client, err := New(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	// Create a context that we'll cancel
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)

	// Start client
	startErr := make(chan error, 1)
	go func() {
		startErr <- client.Start(ctx)
	}()

	// Let it start
	time.Sleep(10 * time.Second)

	// Cancel context
	cancel()

	// Wait for start to complete
	select {
	case err := <-startErr:
		if err != nil && err != context.Canceled {
			t.Logf("Start returned error (expected): %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Start did not respond to context cancellation")
	}

	// Clean stop
	if err := client.Stop(); err != nil {
		t.Logf("Stop returned error: %v", err)
	}
}

// TestIntegrationClientStats tests statistics gathering
func TestIntegrationClientStats(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client, err := Connect()
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	// Wait for readiness
	err = client.WaitUntilReady(90 * time.Second)
	if err != nil {
		t.Fatalf("Client did not become ready: %v", err)
	}

	// Get stats
	stats := client.Stats()

	// Validate stats
	if stats.SocksPort == 0 {
		t.Error("SocksPort should not be 0")
	}

	if stats.ControlPort == 0 {
		t.Error("ControlPort should not be 0")
	}

	if stats.ActiveCircuits == 0 {
		t.Error("ActiveCircuits should not be 0")
	}

	t.Logf("Stats: SOCKS=%d, Control=%d, Active=%d, Builds=%d",
		stats.SocksPort, stats.ControlPort, stats.ActiveCircuits,
		stats.CircuitBuilds)
}

// BenchmarkClientStartup benchmarks client startup time
func BenchmarkClientStartup(b *testing.B) {
	if testing.Short() {
		b.Skip("Skipping benchmark in short mode")
	}

	cfg := config.DefaultConfig()
	cfg.LogLevel = "error" // Reduce log noise

	log := logger.NewDefault()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		// Use unique ports for each iteration
		cfg.SocksPort = 30000 + i
		cfg.ControlPort = 30100 + i

		client, err := New(cfg, log)
		if err != nil {
			b.Fatalf("Failed to create client: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)

		go func() {
			_ = client.Start(ctx)
		}()

		// Wait for at least one circuit
		startTime := time.Now()
		for {
			stats := client.GetStats()
			if stats.ActiveCircuits > 0 {
				break
			}
			if time.Since(startTime) > 90*time.Second {
				b.Fatalf("Client did not start in time")
			}
			time.Sleep(1 * time.Second)
		}

		client.Stop()
		cancel()

		// Wait a bit before next iteration
		time.Sleep(2 * time.Second)
	}
}

// TestIntegrationOptionsValidation tests options validation
func TestIntegrationOptionsValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    *Options
		wantErr bool
	}{
		{
			name: "valid_custom_ports",
			opts: &Options{
				SocksPort:   24050,
				ControlPort: 24051,
				LogLevel:    "debug",
			},
			wantErr: false,
		},
		{
			name: "valid_custom_data_dir",
			opts: &Options{
				SocksPort:     24052,
				ControlPort:   24053,
				DataDirectory: "/tmp/tor-test-data",
			},
			wantErr: false,
		},
		{
			name: "zero_ports_use_defaults",
			opts: &Options{
				LogLevel: "info",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if testing.Short() {
				t.Skip("Skipping integration test in short mode")
			}

			client, err := ConnectWithOptions(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("ConnectWithOptions() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err == nil {
				stats := client.Stats()
				if stats.SocksPort == 0 {
					t.Error("SOCKS port should be set")
				}
				client.Close()
			}
		})
	}
}
