// Command voxdialer runs the outbound dialer, inbound call handler, and
// flow engine as a single process, with an internal ops HTTP surface for
// liveness and debugging (spec.md §9's single post-init wiring phase).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxdialer/voxdialer/internal/config"
	"github.com/voxdialer/voxdialer/internal/dialer"
	"github.com/voxdialer/voxdialer/internal/flowengine"
	"github.com/voxdialer/voxdialer/internal/opsapi"
	"github.com/voxdialer/voxdialer/internal/outbox"
	"github.com/voxdialer/voxdialer/internal/panel"
	"github.com/voxdialer/voxdialer/internal/scenario"
	"github.com/voxdialer/voxdialer/internal/session"
	"github.com/voxdialer/voxdialer/internal/sms"
	"github.com/voxdialer/voxdialer/internal/sttllm"
	"github.com/voxdialer/voxdialer/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxdialer",
		"panel_company", cfg.PanelCompany,
		"outbound_lines", cfg.OutboundLines,
		"ops_http_addr", cfg.OpsHTTPAddr,
	)

	registry := scenario.NewRegistry(logger)
	if err := registry.LoadDir(cfg.ScenarioDir); err != nil {
		slog.Error("failed to load scenarios", "dir", cfg.ScenarioDir, "error", err)
		os.Exit(1)
	}
	slog.Info("loaded scenarios", "names", registry.Names())

	tc := telephony.New(cfg.PBXBaseURL, cfg.PBXUsername, cfg.PBXPassword, cfg.PBXAppName, cfg.ARITimeout, cfg.HTTPMaxConns, logger)
	subscriber := telephony.NewSubscriber(cfg.PBXEventURL, cfg.PBXUsername, cfg.PBXPassword, cfg.PBXAppName, logger)

	mgr := session.NewManager(tc, cfg.OutboundLines, logger)

	panelClient := panel.NewClient(cfg.PanelBaseURL, cfg.PanelToken, cfg.PanelCompany, cfg.HTTPTimeout, logger)
	if cfg.ReportQueuePath != "" {
		ob, err := outbox.Open(cfg.ReportQueuePath, logger)
		if err != nil {
			slog.Error("failed to open report outbox", "path", cfg.ReportQueuePath, "error", err)
			os.Exit(1)
		}
		defer ob.Close()
		panelClient.SetDurableQueue(ob)
	}

	smsClient := sms.NewClient("", cfg.SMSAPIKey, cfg.SMSSender, cfg.SMSAdminRecipients, logger)

	stt := sttllm.NewSTTClient(cfg.STTBaseURL, cfg.STTToken, int64(cfg.MaxParallelSTT), cfg.STTTimeout, logger)
	llm := sttllm.NewLLMClient(cfg.LLMBaseURL, cfg.LLMToken, int64(cfg.MaxParallelLLM), cfg.LLMTimeout, logger)

	d := dialer.New(dialer.Config{
		OutboundTrunk:         cfg.OutboundTrunk,
		OutboundLines:         cfg.OutboundLines,
		DefaultCallerID:       cfg.DefaultCallerID,
		OriginationTimeout:    cfg.OriginationTimeout,
		MaxConcurrentCalls:    cfg.MaxConcurrentCalls,
		MaxCallsPerMinute:     cfg.MaxCallsPerMinute,
		MaxCallsPerDay:        cfg.MaxCallsPerDay,
		OriginationsPerSecond: cfg.OriginationsPerSecond,
		CallWindowStart:       cfg.CallWindowStart,
		CallWindowEnd:         cfg.CallWindowEnd,
		BatchSize:             cfg.BatchSize,
		DefaultRetryAfter:     cfg.DefaultRetryAfter,
		PanelCompany:          cfg.PanelCompany,
		StaticContacts:        cfg.StaticContacts,
		SMSFailAlertThreshold: cfg.SMSFailAlertThreshold,
		OperatorMobiles:       cfg.OperatorMobiles,
		UsePanelAgents:        cfg.UsePanelAgents,
	}, tc, panelClient, smsClient, mgr, registry, logger)

	engine := flowengine.New(tc, mgr, registry, stt, llm, flowengine.Config{
		Company:          cfg.PanelCompany,
		STTModel:         cfg.STTModel,
		LLMModel:         cfg.LLMModel,
		OperatorTimeout:  cfg.OperatorTimeout,
		OperatorCallerID: cfg.OperatorCallerID,
		OutboundTrunk:    cfg.OutboundTrunk,
		OperatorTrunk:    cfg.OperatorTrunk,
	}, logger)

	// Single post-init wiring phase: every collaborator above exists before
	// any interface is handed to another (spec.md §9).
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	mgr.SetScenarioHandler(engine)
	mgr.SetLineReservation(d)
	mgr.SetDialerNotifier(d)
	engine.SetLineSource(dialer.NewOperatorLineSource(d))
	engine.SetReportSink(d.WrapReportSink(panelClient))
	engine.SetRoster(d.Roster())
	engine.SetContext(appCtx)

	if names := registry.Names(); len(names) > 0 {
		if err := panelClient.RegisterScenarios(appCtx, names); err != nil {
			slog.Warn("failed to register scenarios with panel", "error", err)
		}
	}

	opsServer := &http.Server{
		Addr:         cfg.OpsHTTPAddr,
		Handler:      opsapi.NewServer(d, mgr, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		handle := func(evt telephony.Event) { mgr.HandleEvent(appCtx, evt) }
		if err := subscriber.Run(appCtx, handle); err != nil && appCtx.Err() == nil {
			errCh <- fmt.Errorf("event subscriber: %w", err)
		}
	}()

	go d.Run(appCtx)

	go mgr.RunJanitor(appCtx, 30*time.Second, cfg.OriginationTimeout*4)

	go func() {
		slog.Info("ops http server listening", "addr", opsServer.Addr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops http server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("service error", "error", err)
	}

	appCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops http server shutdown error", "error", err)
	}
	panelClient.FlushQueue(shutdownCtx)

	slog.Info("voxdialer stopped")
}
