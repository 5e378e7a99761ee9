// Command neighbourd runs the neighbour management core as a standalone
// process: it wires the TCP transport plugin, the in-memory reference
// Address Suggester and Blacklist, an Ed25519 identity, and the neighbour
// Service together, then serves until signalled to stop.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	realclock "code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ngcore/neighbourd/blacklist/memblacklist"
	"github.com/ngcore/neighbourd/config"
	"github.com/ngcore/neighbourd/metrics"
	"github.com/ngcore/neighbourd/neighbour"
	"github.com/ngcore/neighbourd/neighbour/types"
	"github.com/ngcore/neighbourd/plugin"
	"github.com/ngcore/neighbourd/plugin/tcp"
	"github.com/ngcore/neighbourd/sign"
	"github.com/ngcore/neighbourd/suggester/memsuggest"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		identityHex string
		metricsAddr string
	)
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "neighbourd",
		Short: "run the peer-to-peer neighbour management core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg, identityHex, metricsAddr)
		},
	}
	root.PersistentFlags().StringVar(&identityHex, "identity", "",
		"hex-encoded Ed25519 private key; a fresh one is generated if empty")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-listen", ":9090",
		"address to serve Prometheus metrics on")
	cfg.BindFlags(root.PersistentFlags())

	return root
}

func serve(ctx context.Context, cfg *config.Config, identityHex, metricsAddr string) error {
	signer, err := loadOrGenerateIdentity(identityHex)
	if err != nil {
		return err
	}
	self := types.PeerId{}
	copy(self[:], signer.PublicKey())

	log.L.WithField("peer", self.String()).Info("neighbourd starting")

	m, ns := metrics.New()
	metrics.Register(ns)
	go serveMetrics(ctx, metricsAddr)

	registry := plugin.NewRegistry()
	suggest := memsuggest.New()
	blist := memblacklist.New()

	svc, err := neighbour.New(cfg, realclock.NewClock(), self, suggest, blist, registry, sign.NewEd25519Verifier(), signer, m)
	if err != nil {
		return fmt.Errorf("constructing neighbour service: %w", err)
	}

	tcpPlugin := tcp.New(self, func(peer types.PeerId, addr types.Address, sess types.Session, raw []byte) error {
		return svc.DeliverMessage(peer, addr, sess, raw)
	}, func(peer types.PeerId, sess types.Session) {
		_ = svc.SessionTerminated(peer, sess)
	})
	if laddr, ok := cfg.Listen[tcp.PluginName]; ok && laddr != "" {
		if err := tcpPlugin.Listen(ctx, laddr); err != nil {
			return fmt.Errorf("starting tcp plugin: %w", err)
		}
	}
	if err := registry.Register(tcpPlugin); err != nil {
		return fmt.Errorf("registering tcp plugin: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting neighbour service: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go introspectionLoop(ctx, svc)

	<-ctx.Done()
	log.L.Info("neighbourd shutting down")
	_ = tcpPlugin.Close()
	return svc.Stop()
}

// loadOrGenerateIdentity parses identityHex as a raw Ed25519 private key, or
// generates a fresh one for this run only and logs a warning that it is
// ephemeral; the generated key itself is not logged or stored.
func loadOrGenerateIdentity(identityHex string) (*sign.Ed25519Signer, error) {
	if identityHex == "" {
		signer, err := sign.GenerateEd25519Signer()
		if err != nil {
			return nil, err
		}
		log.L.Warn("no --identity given, generated an ephemeral one for this run")
		return signer, nil
	}
	raw, err := hex.DecodeString(identityHex)
	if err != nil {
		return nil, fmt.Errorf("decoding --identity: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("--identity must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return sign.NewEd25519Signer(ed25519.PrivateKey(raw)), nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.L.WithError(err).Warn("metrics server exited")
	}
}

// introspectionLoop periodically logs a one-line summary of every tracked
// neighbour (SPEC_FULL.md supplemented feature 2), a cheap stand-in for an
// interactive debug console.
func introspectionLoop(ctx context.Context, svc *neighbour.Service) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, n := range svc.Snapshot() {
				log.L.WithField("peer", n.ID.String()).WithField("state", n.State.String()).Debug("neighbour")
			}
		}
	}
}
