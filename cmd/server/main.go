package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/escalada/livecontest/internal/auth"
	"github.com/escalada/livecontest/internal/backup"
	"github.com/escalada/livecontest/internal/box"
	"github.com/escalada/livecontest/internal/config"
	"github.com/escalada/livecontest/internal/ratelimit"
	"github.com/escalada/livecontest/internal/storage"
	"github.com/escalada/livecontest/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config path)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if cfg.Auth.JWTSecret == "" {
		log.Println("warning: JWT_SECRET is unset; tokens will be signed with an empty key")
	}

	registry := box.NewRegistry()

	boxStore := storage.NewBoxStore(cfg.Storage.Dir)
	if cfg.Storage.ResetBoxesOnStart {
		boxStore.Wipe()
	} else {
		for _, b := range boxStore.LoadAll() {
			registry.Load(b)
		}
	}

	auditLog, err := storage.NewAuditLog(cfg.Storage.Dir, cfg.Storage.MaxAuditFileSizeMB)
	if err != nil {
		log.Fatalf("Failed to open audit log: %v", err)
	}
	defer auditLog.Close()

	userStore := storage.NewUserStore(cfg.Storage.Dir)
	users, err := userStore.Load()
	if err != nil {
		log.Fatalf("Failed to load users: %v", err)
	}
	if storage.EnsureDefaultAdmin(users, cfg.Admin.DefaultPassword, cfg.Admin.ResetPassword) {
		if err := userStore.Save(users); err != nil {
			log.Printf("Failed to persist default admin: %v", err)
		}
	}

	officialsStore := storage.NewOfficialsStore(cfg.Storage.Dir)
	officials := func() storage.Officials {
		o, err := officialsStore.Load()
		if err != nil {
			log.Printf("Failed to load officials: %v", err)
		}
		return o
	}

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret)
	limiter := ratelimit.New(ratelimit.DefaultConfig())

	server := ws.NewServer(registry, limiter, issuer, boxStore, auditLog, cfg.Server.AllowedOrigins, officials, cfg.Server.ServerSideTimer)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := ctx.Done()
	go server.HeartbeatLoop(done)

	backupLoop := backup.NewLoop(cfg.Backup.Dir, cfg.Backup.Interval, cfg.Backup.RetentionFiles, registry)
	go backupLoop.Run(ctx)

	gcLoop := ratelimit.NewGCLoop(limiter, cfg.RateLimit.CleanupInterval)
	go gcLoop.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reloadConfig(cfgPath, cfg, server, backupLoop, gcLoop)
				continue
			}
			log.Println("Shutting down...")
			cancel()
			os.Exit(0)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Live Contest Engine listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// reloadConfig re-reads cfgPath on SIGHUP and applies the subset of
// settings config.Diff considers safe to hot-reload (CORS allowlist,
// legacy-timer mode, backup cadence/retention, rate-limiter GC cadence)
// to the already-running server and loops, mirroring the teacher's own
// SIGHUP-driven config reload (SPEC_FULL.md's config-hot-reload
// supplement). current is mutated in place so the next reload diffs
// against what's actually live.
func reloadConfig(cfgPath string, current *config.Config, server *ws.Server, backupLoop *backup.Loop, gcLoop *ratelimit.GCLoop) {
	next, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Printf("config reload: failed to load %s: %v", cfgPath, err)
		return
	}

	changes := config.Diff(current, next)
	if len(changes) == 0 {
		log.Println("config reload: no changes")
		return
	}
	for _, c := range changes {
		log.Printf("config reload: %s", c)
	}

	server.UpdateOrigins(next.Server.AllowedOrigins)
	server.SetServerSideTimer(next.Server.ServerSideTimer)
	backupLoop.UpdateConfig(next.Backup.Interval, next.Backup.RetentionFiles)
	gcLoop.UpdateInterval(next.RateLimit.CleanupInterval)

	*current = *next
}
