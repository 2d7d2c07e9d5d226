// Package main provides the Tor relay executable: it accepts inbound links,
// answers CREATE/CREATE_FAST as a hop, extends circuits onward on EXTEND,
// and (when configured with an exit policy) serves exit streams.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - relay identity digests are SHA-1 by protocol.
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"flag"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/circuit"
	"github.com/opd-ai/go-tor/pkg/link"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/policy"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

// onionKeyRotationInterval schedules the primary/previous onion key swap.
const onionKeyRotationInterval = 7 * 24 * time.Hour

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:9001", "OR port listen address")
	exitRules := flag.String("exit-policy", "reject *:*", "comma-separated exit policy rules")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-tor relay version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, *listenAddr, *exitRules, log); err != nil {
		log.Error("Relay error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, listenAddr, exitRules string, log *logger.Logger) error {
	exitPolicy, err := parseExitPolicy(exitRules)
	if err != nil {
		return fmt.Errorf("parse exit policy: %w", err)
	}

	onionKeys, err := circuit.NewOnionKeyStore()
	if err != nil {
		return fmt.Errorf("generate onion key: %w", err)
	}

	tlsConf, identity, err := relayTLSConfig()
	if err != nil {
		return fmt.Errorf("build relay TLS identity: %w", err)
	}
	log.Info("Relay identity ready", "identity", fmt.Sprintf("%x", identity))

	ln, err := tls.Listen("tcp", listenAddr, tlsConf)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()
	log.Info("Accepting links", "address", listenAddr)

	// Onion-key rotation: previous stays usable until the next swap.
	go func() {
		ticker := time.NewTicker(onionKeyRotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := onionKeys.Rotate(); err != nil {
					log.Warn("Onion key rotation failed", "error", err)
				} else {
					log.Info("Rotated onion key")
				}
			}
		}
	}()

	go acceptLoop(ctx, ln, identity, onionKeys, exitPolicy, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, identity []byte, keys *circuit.OnionKeyStore, exitPolicy *policy.Policy, log *logger.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Accept failed", "error", err)
			continue
		}
		go serveLink(ctx, conn, identity, keys, exitPolicy, log)
	}
}

// serveLink completes the responder handshake and wires the link to mint a
// relay circuit for every CREATE arriving on an unknown circuit id.
func serveLink(ctx context.Context, conn net.Conn, identity []byte, keys *circuit.OnionKeyStore, exitPolicy *policy.Policy, log *logger.Logger) {
	l, err := link.Accept(ctx, conn, identity, 0, log)
	if err != nil {
		log.Info("Inbound link handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	dial := circuit.DialNextHop(identity, log)
	l.NewCircuitFunc = func(circID uint16, c *cell.Cell) link.CircuitSink {
		rc, err := circuit.NewRelayCircuit(l, circID, keys, dial, exitPolicy, log)
		if err != nil {
			log.Warn("Refusing relay circuit", "circ_id", circID, "error", err)
			return nil
		}
		return rc
	}

	if err := l.Serve(ctx); err != nil {
		log.Info("Link closed", "remote", conn.RemoteAddr(), "error", err)
	}
}

func parseExitPolicy(rules string) (*policy.Policy, error) {
	var lines []string
	start := 0
	for i := 0; i <= len(rules); i++ {
		if i == len(rules) || rules[i] == ',' {
			if line := rules[start:i]; line != "" {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	return policy.New(lines...)
}

// relayTLSConfig builds a self-signed TLS identity for this relay; the
// 20-byte identity digest is the SHA-1 of the certificate's public key,
// matching what peers derive after the handshake.
func relayTLSConfig() (*tls.Config, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "www.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	digest := sha1.Sum(parsed.RawSubjectPublicKeyInfo) // #nosec G401

	conf := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
	return conf, digest[:], nil
}
