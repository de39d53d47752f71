// Command relay runs one SolConnect relay instance: it accepts
// WebSocket connections, authenticates wallets, routes ChatMessages
// between them, and exposes a small control-plane HTTP API for prekey
// bundle publication and operational metrics.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/solconnect/relay/internal/clusterbus"
	"github.com/solconnect/relay/internal/config"
	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/metrics"
	"github.com/solconnect/relay/internal/persistence"
	"github.com/solconnect/relay/internal/queue"
	"github.com/solconnect/relay/internal/registry"
	"github.com/solconnect/relay/internal/router"
	"github.com/solconnect/relay/internal/transport"
	"github.com/solconnect/relay/internal/wire"
)

const (
	exitOK = iota
	exitConfigError
	exitBindFailure
	exitFatalRuntime
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Printf("config error: %v", err)
		return exitConfigError
	}

	idStore := identity.NewStore(0)

	var pstore *persistence.Store
	if cfg.PostgresURL != "" {
		pstore, err = persistence.Open(cfg.PostgresURL)
		if err != nil {
			log.Printf("persistence unavailable, continuing without durability: %v", err)
			pstore = nil
		} else {
			defer pstore.Close()
			if err := pstore.Migrate(); err != nil {
				log.Printf("persistence migration failed: %v", err)
			}
		}
	}

	var bus *clusterbus.ClusterBus
	if cfg.RedisURL != "" {
		bus, err = clusterbus.New(cfg.RedisURL, cfg.ServerID)
		if err != nil {
			log.Printf("clusterbus unavailable, running single-instance: %v", err)
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	var reg *registry.ConsulRegistry
	if cfg.ConsulURL != "" {
		reg, err = registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, listenPort(cfg.Listen))
		if err != nil {
			log.Printf("consul registration unavailable: %v", err)
			reg = nil
		} else if err := reg.Register(); err != nil {
			log.Printf("consul register failed: %v", err)
			reg = nil
		} else {
			defer reg.Deregister()
		}
	}

	if bus != nil && reg != nil {
		bus.TrackRegistry(reg)
	}

	var archival *clusterbus.ArchivalStream
	if bus != nil {
		archival = clusterbus.NewArchivalStream(bus.Client(), "")
	}

	q := queue.New(cfg.MaxQueuePerWallet, cfg.MaxQueueGlobal)
	rt := router.New(q, cfg.ServerID)
	rt.StartSweep(queue.DefaultSweepInterval)
	defer rt.StopSweep()

	if bus != nil {
		rt.SetClusterBus(bus)
		bus.SubscribeToServerChannel(func(rf clusterbus.RelayedFrame) {
			frame, err := wire.Decode(rf.EncodedFrame)
			if err != nil || frame.ChatMessage == nil {
				return
			}
			rt.Route(frame.ChatMessage)
		})
	}

	controlPlane := buildControlPlane(idStore, pstore, rt)
	metricsSrv := &http.Server{Addr: cfg.Metrics, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	wsServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: withWebSocket(controlPlane, rt, idStore, cfg, bus, archival),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			err = wsServer.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = wsServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("listen failure: %v", err)
		return exitBindFailure
	case <-sigCh:
		log.Printf("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	wsServer.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
	return exitOK
}

func listenPort(addr string) string {
	parts := strings.Split(addr, ":")
	return parts[len(parts)-1]
}

func buildControlPlane(idStore *identity.Store, pstore *persistence.Store, rt *router.Router) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/prekeys/{wallet}", handlePublishBundle(idStore, pstore)).Methods(http.MethodPost)
	r.HandleFunc("/v1/prekeys/{wallet}", handleFetchBundle(idStore, pstore)).Methods(http.MethodGet)

	handler := cors.Default().Handler(r)
	return metrics.MetricsMiddleware(handler)
}

func withWebSocket(base http.Handler, rt *router.Router, idStore *identity.Store, cfg *config.Config, bus *clusterbus.ClusterBus, archival *clusterbus.ArchivalStream) http.Handler {
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws, err := transport.Upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conn := transport.NewConnection(ws)
		wallet, err := conn.ServerHandshake(cfg.HandshakeTimeout)
		if err != nil {
			metrics.RecordHandshakeFailure(cfg.ServerID, "verify_failed")
			conn.Close()
			return
		}

		connectedAt := time.Now()
		rt.Register(wallet, conn)
		if bus != nil {
			bus.RegisterWallet(wallet)
			defer bus.UnregisterWallet(wallet)
			stopRefresh := make(chan struct{})
			defer close(stopRefresh)
			go func() {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						bus.Refresh(wallet)
					case <-stopRefresh:
						return
					}
				}
			}()
		}

		go conn.WritePump()
		conn.ReadPump(func(f wire.Frame) bool {
			switch f.Tag {
			case wire.TagChatMessage:
				outcome := rt.Route(f.ChatMessage)
				if archival != nil {
					evt := clusterbus.ArchivalEvent{
						MessageID: f.ChatMessage.MessageID.String(),
						Sender:    identity.WalletAddress(f.ChatMessage.SenderWallet).String(),
						Recipient: identity.WalletAddress(f.ChatMessage.RecipientWallet).String(),
						Outcome:   outcome.String(),
						Timestamp: time.Now(),
					}
					if err := archival.Publish(evt); err != nil {
						log.Printf("[ARCHIVAL] publish failed: %v", err)
					}
				}
			case wire.TagControlMessage:
				rt.RouteControlMessage(f.ControlMessage)
			default:
				return false
			}
			return true
		})

		rt.Unregister(wallet, conn)
		metrics.RecordConnectionLifetime(time.Since(connectedAt))
	})
	wsMux.Handle("/", base)
	return wsMux
}
