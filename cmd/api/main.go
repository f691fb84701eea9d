package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"traceflow/audit"
	"traceflow/config"
	"traceflow/counter"
	"traceflow/db"
	"traceflow/envelope"
	"traceflow/logger"
	"traceflow/party"
	"traceflow/record"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		// Logger isn't up yet; write to stderr and exit.
		os.Stderr.WriteString("bootstrap config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		os.Stderr.WriteString("bootstrap logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("bootstrap database pool", "err", err)
	}
	defer pool.Close()

	writer := audit.NewWriter()
	fees := counter.NewLedger()

	partySvc := party.NewService(party.NewRepository(pool), cfg.JWTSecret)
	recordSvc := record.NewService(pool, record.NewRepository(pool), writer, writer, fees).
		WithDeletePolicy(cfg.RequireUnassignedDelete)

	envelopeRepo := envelope.NewRepository(pool)
	var ledger envelope.Ledger
	switch cfg.EventLedgerMode {
	case config.LedgerModeDirect:
		ledger = envelope.NewDirectLedger(pool, envelopeRepo, writer, writer, fees)
	default:
		ledger = envelope.NewInboxLedger(pool, envelopeRepo, writer, writer, fees)
	}

	server := &Server{
		log:       log,
		parties:   partySvc,
		records:   recordSvc,
		envelopes: ledger,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("registry api listening", "addr", cfg.ListenAddr, "ledger_mode", cfg.EventLedgerMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("serve", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
}
