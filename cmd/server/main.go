package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voxelcrew.ai/internal/auth"
	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/command"
	"voxelcrew.ai/internal/observerproto"
	"voxelcrew.ai/internal/persistence/indexdb"
	persistlog "voxelcrew.ai/internal/persistence/log"
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/sim"
	"voxelcrew.ai/internal/sim/tuning"
	"voxelcrew.ai/internal/transport/observer"
	"voxelcrew.ai/internal/transport/ws"
)

func main() {
	var (
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml or tuning.toml (empty for defaults)")
		addr       = flag.String("addr", "", "http listen address (default: control.addr from tuning)")
		auditDir   = flag.String("audit_dir", "", "audit file directory (default: audit.dir from tuning)")
		indexPath  = flag.String("index", "", "sqlite audit index path (default: audit.index from tuning)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite audit index")
		runOnStart = flag.String("run", "", "command to submit once the loop is running, e.g. \"/workflow run range=12\"")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if *addr != "" {
		tune.Control.Addr = *addr
	}
	if *auditDir != "" {
		tune.Audit.Dir = *auditDir
	}
	if *indexPath != "" {
		tune.Audit.Index = *indexPath
	}
	tune.Normalize()
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	var sinks []bus.AuditSink

	mirror, err := buildMirror(log.New(os.Stdout, "[mirror] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("audit mirror: %v", err)
	}
	// Closed after the audit logger so the last segment is still uploaded.
	defer mirror.Close()

	if tune.Audit.Dir != "" {
		auditLog := persistlog.NewAuditLogger(tune.Audit.Dir)
		if mirror != nil {
			auditLog.OnSegmentClosed(mirror.Enqueue)
			logger.Printf("audit segments mirrored to %s", os.Getenv("VC_R2_BUCKET"))
		}
		defer auditLog.Close()
		sinks = append(sinks, auditLog)
		logger.Printf("audit files in %s", tune.Audit.Dir)
		go syncAudit(auditLog, time.Duration(envInt("VC_AUDIT_SYNC_MS", 1000))*time.Millisecond, logger)
	}

	var idx *indexdb.SQLiteIndex
	if tune.Audit.Index != "" && !*disableDB {
		idx, err = indexdb.OpenSQLite(tune.Audit.Index)
		if err != nil {
			logger.Fatalf("open audit index: %v", err)
		}
		defer idx.Close()
		if err := idx.RecordTuning(context.Background(), tune); err != nil {
			logger.Printf("audit index: record tuning: %v", err)
		}
		sinks = append(sinks, idx)
		logger.Printf("audit index at %s run=%s", tune.Audit.Index, idx.Run())
	}

	var sys *sim.System
	stream := observer.NewServer(func() observerproto.BootstrapResponse {
		return statusOf(sys)
	}, tune.Control.StreamBuffer, log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmicroseconds))
	sinks = append(sinks, stream)

	sys, err = sim.New(tune, sim.Options{Sinks: sinks})
	if err != nil {
		logger.Fatalf("sim: %v", err)
	}
	logger.Printf("agents=%v tick_rate_hz=%d seed=%d", sys.Names(), tune.TickRateHz, tune.Seed)

	ctx, cancel := signalContext()
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := sys.Loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("loop stopped: %v", err)
		}
	}()

	if line := strings.TrimSpace(*runOnStart); line != "" {
		go submitCommand(ctx, sys.Loop, line, logger)
	}

	var verifier auth.TokenVerifier
	if tune.Control.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(tune.Control.JWTSecret))
	} else {
		logger.Printf("control.jwt_secret empty: control endpoints accept loopback clients only")
	}
	guard := auth.Guard(verifier)

	control := ws.NewServer(sys.Loop, ws.Options{
		Logger: log.New(os.Stdout, "[control] ", log.LstdFlags|log.Lmicroseconds),
		Dedupe: command.NewDeduper(time.Duration(tune.Control.DedupeWindowMs) * time.Millisecond),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(sys, stream, idx, mirror))
	mux.Handle("/v1/control", guard(control.Handler()))
	mux.Handle("/v1/audit", guard(stream.WSHandler()))
	mux.Handle("/v1/status", guard(stream.BootstrapHandler()))
	mux.Handle("/admin/v1/agents/reset", guard(agentResetHandler(sys)))
	if envBool("VC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VC_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              tune.Control.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sys.Loop.Shutdown()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", tune.Control.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-loopDone
	for _, name := range sys.Names() {
		if a, ok := sys.Agent(name); ok {
			logger.Printf("agent %s final state %s", name, a.State())
		}
	}
	logger.Printf("audit records=%d", sys.Bus.AuditLen())
}

func submitCommand(ctx context.Context, loop ws.Submitter, line string, logger *log.Logger) {
	cmd, err := command.Parse(line)
	if err != nil {
		logger.Printf("-run %q: %v", line, err)
		return
	}
	env, err := cmd.Envelope("console")
	if err != nil {
		logger.Printf("-run %q: %v", line, err)
		return
	}
	if env.Type == protocol.TypeWorkflowRun {
		env = env.WithContext(protocol.NewContext())
	}
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rep, err := loop.Submit(ctx2, env)
	if err != nil {
		logger.Printf("-run %q: %v", line, err)
		return
	}
	logger.Printf("-run %q: seq=%d context=%s delivered=%v", line, rep.Seq, env.Context, rep.Delivered)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// syncAudit flushes the current audit segment periodically so replay can
// read the hour that is still open. Sync on a closed logger is a no-op.
func syncAudit(l *persistlog.AuditLogger, every time.Duration, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for range t.C {
		if err := l.Sync(); err != nil {
			logger.Printf("audit sync: %v", err)
		}
	}
}
