package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ringbase/ringbase/internal/acdqueue"
	"github.com/ringbase/ringbase/internal/api"
	"github.com/ringbase/ringbase/internal/api/middleware"
	"github.com/ringbase/ringbase/internal/config"
	"github.com/ringbase/ringbase/internal/database"
	"github.com/ringbase/ringbase/internal/database/models"
	"github.com/ringbase/ringbase/internal/media"
	"github.com/ringbase/ringbase/internal/metrics"
	"github.com/ringbase/ringbase/internal/prompts"
	"github.com/ringbase/ringbase/internal/recording"
	sipserver "github.com/ringbase/ringbase/internal/sip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json format, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting ringbase",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"tls", cfg.TLSEnabled(),
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Extract embedded system prompts to data directory on first boot.
	if err := prompts.ExtractToDataDir(cfg.DataDir); err != nil {
		slog.Error("failed to extract system prompts", "error", err)
		os.Exit(1)
	}

	// Initialize encryptor for sensitive database fields (trunk passwords).
	var enc *database.Encryptor
	if keyBytes, err := cfg.EncryptionKeyBytes(); err != nil {
		slog.Error("failed to decode encryption key", "error", err)
		os.Exit(1)
	} else if keyBytes != nil {
		enc, err = database.NewEncryptor(keyBytes)
		if err != nil {
			slog.Error("failed to create encryptor", "error", err)
			os.Exit(1)
		}
		slog.Info("field encryption enabled")
	} else {
		slog.Warn("no encryption key configured, trunk passwords will be stored in plaintext")
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Load system configuration from database.
	sysConfig, err := database.NewSystemConfigRepository(context.Background(), db)
	if err != nil {
		slog.Error("failed to load system config", "error", err)
		os.Exit(1)
	}

	// Initialize SIP server.
	sipSrv, err := sipserver.NewServer(cfg, db, enc)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Session store for admin auth.
	sessions := middleware.NewSessionStore()
	middleware.StartCleanupTicker(appCtx, sessions, 15*time.Minute)

	// Recording retention cleanup: delete recordings older than recording_max_days setting.
	recording.StartCleanupTicker(appCtx, db, sysConfig, 1*time.Hour)

	// Create adapter for trunk status so the API can query SIP trunk state.
	trunkStatus := &trunkStatusAdapter{registrar: sipSrv.TrunkRegistrar()}

	// Load all enabled trunks and begin registration / health checks.
	loadTrunks(appCtx, db, sipSrv.TrunkRegistrar(), enc)

	// Create adapter for trunk testing so the API can trigger one-shot SIP tests.
	trunkTester := &trunkTesterAdapter{registrar: sipSrv.TrunkRegistrar()}

	// Create adapter for trunk lifecycle so the API can start/stop registration
	// when trunks are created, updated (enabled/disabled), or deleted.
	trunkLifecycle := &trunkLifecycleAdapter{registrar: sipSrv.TrunkRegistrar(), enc: enc}

	// Create adapter for active calls so the API can query SIP call state.
	activeCalls := &activeCallsAdapter{
		dialogMgr:  sipSrv.DialogManager(),
		pendingMgr: sipSrv.PendingCallManager(),
	}

	// Config reloader for hot-reload without restart.
	reloader := &configReloader{
		db:        db,
		registrar: sipSrv.TrunkRegistrar(),
		enc:       enc,
	}

	// Create adapter for SIP message tracing verbosity control via API.
	sipLogVerbosity := &sipLogVerbosityAdapter{tracer: sipSrv.MessageTracer()}

	// HTTP server using the api package.
	apiSrv := api.NewServer(db, cfg, sessions, sysConfig, trunkStatus, trunkTester, trunkLifecycle, activeCalls, enc, reloader, sipLogVerbosity)

	// Wire the queue (ACD) management surface if the queue engine came up.
	if sipSrv.QueueRegistry() != nil {
		apiSrv = apiSrv.WithQueueEngine(
			sipSrv.QueueRegistry(),
			sipSrv.QueueDeviceRegistry(),
			sipSrv.QueueRuleRegistry(),
			sipSrv.QueuePersistence(),
			database.NewQueueStaticMemberRepository(db),
			database.NewQueueRepository(db),
		)
	}
	// Prometheus metrics: general system gauges plus, when the queue engine
	// is enabled, per-queue stats. Registered on a dedicated registry so a
	// bad scrape of one collector can't be confused with the Go runtime's
	// default collector set.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(
		activeCalls,
		database.NewRegistrationRepository(db),
		&trunkMetricsAdapter{registrar: sipSrv.TrunkRegistrar()},
		nil, // CDR direction counts: no repository method exists for this yet.
		&rtpMetricsAdapter{sessions: sipSrv.SessionManager()},
		time.Now(),
	))
	registry.MustRegister(metrics.NewQueueCollector(&queueMetricsAdapter{registry: sipSrv.QueueRegistry()}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", apiSrv)
	handler := mux

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Optional HTTP→HTTPS redirect server (started when TLS is enabled).
	var redirectSrv *http.Server

	errCh := make(chan error, 1)

	switch {
	case cfg.ACMEDomain != "":
		// Automatic TLS via Let's Encrypt (ACME).
		cacheDir := filepath.Join(cfg.DataDir, "acme-certs")
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(cacheDir),
			Email:      cfg.ACMEEmail,
		}
		srv.Addr = ":443"
		srv.TLSConfig = m.TLSConfig()

		// The ACME manager needs to handle HTTP-01 challenges on port 80.
		// Non-challenge requests are redirected to HTTPS.
		redirectSrv = &http.Server{
			Addr:         ":80",
			Handler:      m.HTTPHandler(middleware.HTTPSRedirectHandler()),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		}

		go func() {
			slog.Info("https server listening (acme)", "addr", srv.Addr, "domain", cfg.ACMEDomain)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		go func() {
			slog.Info("http redirect server listening", "addr", redirectSrv.Addr)
			if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http redirect server error", "error", err)
			}
		}()

	case cfg.TLSCert != "":
		// Manual TLS certificate.
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTPPort)
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// Start HTTP→HTTPS redirect on port 80 unless the main port is 80.
		if cfg.HTTPPort != 80 {
			redirectSrv = &http.Server{
				Addr:         ":80",
				Handler:      middleware.HTTPSRedirectHandler(),
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 5 * time.Second,
				IdleTimeout:  30 * time.Second,
			}
			go func() {
				slog.Info("http redirect server listening", "addr", redirectSrv.Addr)
				if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("http redirect server error", "error", err)
				}
			}()
		}

		go func() {
			slog.Info("https server listening", "addr", srv.Addr)
			if err := srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

	default:
		// Plain HTTP (no TLS configured).
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTPPort)
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()

	if redirectSrv != nil {
		if err := redirectSrv.Shutdown(ctx); err != nil {
			slog.Error("http redirect server shutdown error", "error", err)
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("ringbase stopped")
}

// loadTrunks queries the database for all enabled trunks and starts their
// registration or health check loops. Register-type trunks have their
// passwords decrypted before being handed to the SIP trunk registrar.
func loadTrunks(ctx context.Context, db *database.DB, registrar *sipserver.TrunkRegistrar, enc *database.Encryptor) {
	trunks := database.NewTrunkRepository(db)
	enabled, err := trunks.ListEnabled(ctx)
	if err != nil {
		slog.Error("failed to load enabled trunks", "error", err)
		return
	}

	if len(enabled) == 0 {
		slog.Info("no enabled trunks to load")
		return
	}

	slog.Info("loading enabled trunks", "count", len(enabled))

	for _, trunk := range enabled {
		switch trunk.Type {
		case "register":
			// Decrypt password before starting registration.
			if trunk.Password != "" && enc != nil {
				decrypted, err := enc.Decrypt(trunk.Password)
				if err != nil {
					slog.Error("failed to decrypt trunk password, skipping",
						"trunk", trunk.Name,
						"trunk_id", trunk.ID,
						"error", err,
					)
					continue
				}
				trunk.Password = decrypted
			}
			if err := registrar.StartTrunk(ctx, trunk); err != nil {
				slog.Error("failed to start trunk registration",
					"trunk", trunk.Name,
					"trunk_id", trunk.ID,
					"error", err,
				)
			}
		case "ip":
			if err := registrar.StartHealthCheck(ctx, trunk); err != nil {
				slog.Error("failed to start trunk health check",
					"trunk", trunk.Name,
					"trunk_id", trunk.ID,
					"error", err,
				)
			}
		default:
			slog.Warn("unknown trunk type, skipping",
				"trunk", trunk.Name,
				"trunk_id", trunk.ID,
				"type", trunk.Type,
			)
		}
	}
}

// trunkStatusAdapter bridges the SIP trunk registrar with the API's
// TrunkStatusProvider interface, converting between SIP and API types.
type trunkStatusAdapter struct {
	registrar *sipserver.TrunkRegistrar
}

func (a *trunkStatusAdapter) GetTrunkStatus(trunkID int64) (api.TrunkStatusEntry, bool) {
	st, ok := a.registrar.GetStatus(trunkID)
	if !ok {
		return api.TrunkStatusEntry{}, false
	}
	return api.TrunkStatusEntry{
		TrunkID:        st.TrunkID,
		Name:           st.Name,
		Type:           st.Type,
		Status:         string(st.Status),
		LastError:      st.LastError,
		RetryAttempt:   st.RetryAttempt,
		FailedAt:       st.FailedAt,
		RegisteredAt:   st.RegisteredAt,
		ExpiresAt:      st.ExpiresAt,
		LastOptionsAt:  st.LastOptionsAt,
		OptionsHealthy: st.OptionsHealthy,
	}, true
}

func (a *trunkStatusAdapter) GetAllTrunkStatuses() []api.TrunkStatusEntry {
	states := a.registrar.GetAllStatuses()
	entries := make([]api.TrunkStatusEntry, len(states))
	for i, st := range states {
		entries[i] = api.TrunkStatusEntry{
			TrunkID:        st.TrunkID,
			Name:           st.Name,
			Type:           st.Type,
			Status:         string(st.Status),
			LastError:      st.LastError,
			RetryAttempt:   st.RetryAttempt,
			FailedAt:       st.FailedAt,
			RegisteredAt:   st.RegisteredAt,
			ExpiresAt:      st.ExpiresAt,
			LastOptionsAt:  st.LastOptionsAt,
			OptionsHealthy: st.OptionsHealthy,
		}
	}
	return entries
}

// trunkTesterAdapter bridges the SIP trunk registrar with the API's
// TrunkTester interface for one-shot connectivity tests.
type trunkTesterAdapter struct {
	registrar *sipserver.TrunkRegistrar
}

func (a *trunkTesterAdapter) TestRegister(ctx context.Context, trunk models.Trunk) error {
	return a.registrar.TestRegister(ctx, trunk)
}

func (a *trunkTesterAdapter) SendOptions(ctx context.Context, trunk models.Trunk) error {
	return a.registrar.SendOptions(ctx, trunk)
}

// trunkLifecycleAdapter bridges the SIP trunk registrar with the API's
// TrunkLifecycleManager interface for starting/stopping trunk registration
// on config changes.
type trunkLifecycleAdapter struct {
	registrar *sipserver.TrunkRegistrar
	enc       *database.Encryptor
}

func (a *trunkLifecycleAdapter) StartTrunk(ctx context.Context, trunk models.Trunk) error {
	switch trunk.Type {
	case "register":
		// Decrypt password before starting registration.
		if trunk.Password != "" && a.enc != nil {
			decrypted, err := a.enc.Decrypt(trunk.Password)
			if err != nil {
				return fmt.Errorf("decrypting trunk password: %w", err)
			}
			trunk.Password = decrypted
		}
		return a.registrar.StartTrunk(ctx, trunk)
	case "ip":
		return a.registrar.StartHealthCheck(ctx, trunk)
	default:
		return fmt.Errorf("unknown trunk type %q", trunk.Type)
	}
}

func (a *trunkLifecycleAdapter) StopTrunk(trunkID int64) {
	a.registrar.StopTrunk(trunkID)
}

// activeCallsAdapter bridges the SIP dialog and pending call managers with
// the API's ActiveCallsProvider interface, combining ringing and answered
// calls into a unified view.
type activeCallsAdapter struct {
	dialogMgr  *sipserver.DialogManager
	pendingMgr *sipserver.PendingCallManager
}

func (a *activeCallsAdapter) GetActiveCalls() []api.ActiveCallEntry {
	now := time.Now()
	var entries []api.ActiveCallEntry

	// Add answered (in-dialog) calls.
	for _, d := range a.dialogMgr.ActiveCalls() {
		entry := api.ActiveCallEntry{
			CallID:       d.CallID,
			State:        string(d.State),
			Direction:    string(d.Direction),
			CallerIDName: d.CallerIDName,
			CallerIDNum:  d.CallerIDNum,
			CalledNum:    d.CalledNum,
			StartTime:    d.StartTime,
			AnswerTime:   d.AnswerTime,
			DurationSec:  int(now.Sub(d.StartTime).Seconds()),
		}
		entries = append(entries, entry)
	}

	// Add pending (ringing) calls.
	for _, pc := range a.pendingMgr.PendingCalls() {
		entry := api.ActiveCallEntry{
			CallID: pc.CallID,
			State:  "ringing",
		}
		if pc.CallerReq != nil {
			if from := pc.CallerReq.From(); from != nil {
				entry.CallerIDName = from.DisplayName
				entry.CallerIDNum = from.Address.User
			}
			entry.CalledNum = pc.CallerReq.Recipient.User
			entry.StartTime = now // approximate; pending calls don't track start time
			entry.DurationSec = 0
		}
		entries = append(entries, entry)
	}

	return entries
}

func (a *activeCallsAdapter) GetActiveCallCount() int {
	return a.dialogMgr.ActiveCallCount() + a.pendingMgr.PendingCallCount()
}

// configReloader implements api.ConfigReloader. It stops all trunk
// registrations and health checks, then reloads enabled trunks from
// the database.
type configReloader struct {
	db        *database.DB
	registrar *sipserver.TrunkRegistrar
	enc       *database.Encryptor
}

func (cr *configReloader) Reload(ctx context.Context) error {
	// Stop all running trunks.
	stopped := cr.registrar.StopAllTrunks()
	slog.Info("reload: stopped trunks", "count", len(stopped))

	// Reload enabled trunks from the database.
	loadTrunks(ctx, cr.db, cr.registrar, cr.enc)

	slog.Info("reload: trunks reloaded")
	return nil
}

// sipLogVerbosityAdapter bridges the SIP message tracer with the API's
// SIPLogVerbositySetter interface for runtime verbosity control.
type sipLogVerbosityAdapter struct {
	tracer *sipserver.MessageTracer
}

func (a *sipLogVerbosityAdapter) SetSIPLogVerbosity(level string) {
	a.tracer.SetVerbosity(sipserver.ParseSIPLogVerbosity(level))
}

// trunkMetricsAdapter bridges the SIP trunk registrar with the metrics
// package's TrunkStatusProvider, a narrower view than the API's own
// trunkStatusAdapter (metrics only needs id/name/status, not the full
// registration timing detail).
type trunkMetricsAdapter struct {
	registrar *sipserver.TrunkRegistrar
}

func (a *trunkMetricsAdapter) GetAllTrunkStatuses() []metrics.TrunkStatusEntry {
	states := a.registrar.GetAllStatuses()
	entries := make([]metrics.TrunkStatusEntry, len(states))
	for i, st := range states {
		entries[i] = metrics.TrunkStatusEntry{
			TrunkID: st.TrunkID,
			Name:    st.Name,
			Status:  string(st.Status),
		}
	}
	return entries
}

// rtpMetricsAdapter bridges the RTP session manager with the metrics
// package's RTPStatsProvider, aggregating every active session's counters
// at scrape time.
type rtpMetricsAdapter struct {
	sessions *media.SessionManager
}

func (a *rtpMetricsAdapter) ActiveSessionCount() int {
	return a.sessions.Count()
}

func (a *rtpMetricsAdapter) AggregatePacketsForwarded() uint64 {
	var total uint64
	for _, s := range a.sessions.All() {
		total += s.Stats().TotalPackets()
	}
	return total
}

func (a *rtpMetricsAdapter) AggregatePacketsDropped() uint64 {
	var total uint64
	for _, s := range a.sessions.All() {
		total += s.Stats().PacketsDropped
	}
	return total
}

func (a *rtpMetricsAdapter) AggregateBytesForwarded() uint64 {
	var total uint64
	for _, s := range a.sessions.All() {
		total += s.Stats().TotalBytes()
	}
	return total
}

// queueMetricsAdapter bridges the acdqueue queue registry with the metrics
// package's QueueStatsProvider.
type queueMetricsAdapter struct {
	registry *acdqueue.QueueRegistry
}

func (a *queueMetricsAdapter) QueueStats() []metrics.QueueStatsEntry {
	snaps := a.registry.Snapshot()
	entries := make([]metrics.QueueStatsEntry, len(snaps))
	for i, snap := range snaps {
		entries[i] = metrics.QueueStatsEntry{
			Name:          snap.Name,
			Waiting:       snap.Waiting,
			AvailableMem:  snap.AvailableMem,
			Holdtime:      snap.Holdtime,
			Talktime:      snap.Talktime,
			Completed:     snap.Completed,
			CompletedInSL: snap.CompletedInSL,
			Abandoned:     snap.Abandoned,
		}
	}
	return entries
}
