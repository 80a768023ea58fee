// Command gateway boots the MEW protocol gateway: it loads YAML
// configuration, builds one topic.Router per configured space, wires
// the optional mirror/audit sinks and Prometheus metrics, and serves
// the REST admin surface plus WebSocket sessions over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mew-protocol/gateway/internal/audit"
	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/httpapi"
	"github.com/mew-protocol/gateway/internal/metrics"
	"github.com/mew-protocol/gateway/internal/mirror"
	"github.com/mew-protocol/gateway/internal/topic"
)

const mirrorExchange = "mew.envelopes"

func main() {
	var configPath string
	var devMode bool
	flag.StringVar(&configPath, "config", "gateway.yaml", "path to the gateway YAML configuration")
	flag.BoolVar(&devMode, "dev", false, "enable dev-only endpoints (token issuance)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	var sinks []mirror.Sink
	if cfg.MirrorRabbitMQ != "" {
		rmq, err := mirror.NewRabbitMQSink(cfg.MirrorRabbitMQ, mirrorExchange)
		if err != nil {
			slog.Error("failed to start RabbitMQ mirror", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, rmq)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MirrorSQSRegion != "" {
		sqsSink, err := mirror.NewSQSSink(ctx, cfg.MirrorSQSRegion, os.Getenv("MEW_GATEWAY_MIRROR_SQS_QUEUE_URL"))
		if err != nil {
			slog.Error("failed to start SQS mirror", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, sqsSink)
	}
	fanout := mirror.NewFanout(sinks...)
	defer fanout.Close()

	var ledger *audit.Store
	if cfg.AuditDSN != "" {
		ledger, err = audit.NewStore(ctx, cfg.AuditDSN)
		if err != nil {
			slog.Error("failed to open audit store", "error", err)
			os.Exit(1)
		}
		defer ledger.Close()
	}

	routers := make(map[string]*topic.Router, len(cfg.Topics))
	for _, t := range cfg.Topics {
		rcfg := topic.DefaultConfig(t.Name)
		if t.MaxParticipants > 0 {
			rcfg.MaxParticipants = t.MaxParticipants
		}
		if t.HistoryLimit > 0 {
			rcfg.HistoryLimit = t.HistoryLimit
		}
		if t.HistoryMaxBytes > 0 {
			rcfg.HistoryMaxBytes = t.HistoryMaxBytes
		}
		if t.HistoryOnJoin > 0 {
			rcfg.HistoryOnJoin = t.HistoryOnJoin
		}
		if t.GrantAckTimeout.Duration > 0 {
			rcfg.GrantAckTimeout = t.GrantAckTimeout.Duration
		}
		if t.StreamOpenTimeout.Duration > 0 {
			rcfg.StreamOpenTimeout = t.StreamOpenTimeout.Duration
		}

		r := topic.NewRouter(rcfg)
		for _, p := range t.Participants {
			r.AddParticipant(p.ToParticipant())
		}
		if len(sinks) > 0 {
			r.SetMirror(fanout)
		}
		if ledger != nil {
			r.SetAudit(ledger)
		}
		r.SetMetrics(m)
		routers[t.Name] = r

		go r.StartHeartbeat(ctx, 30*time.Second)
	}

	server := httpapi.NewServer(routers, m, devMode, cfg.AllowedOrigins)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server,
	}

	go func() {
		slog.Info("gateway listening", "addr", cfg.ListenAddr, "topics", len(routers))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped unexpectedly", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
