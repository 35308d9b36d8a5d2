package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/collabdocs/collabsync/internal/api"
	"github.com/collabdocs/collabsync/internal/auth"
	"github.com/collabdocs/collabsync/internal/docsync"
	"github.com/collabdocs/collabsync/internal/mirror"
	"github.com/collabdocs/collabsync/internal/notify"
	"github.com/collabdocs/collabsync/internal/realtime"
	"github.com/collabdocs/collabsync/internal/store"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("COLLABSYNC_BASE_URL", "http://127.0.0.1:5000"), "collabdocs API base URL")
	socketURL := flag.String("socket-url", envOrDefault("COLLABSYNC_SOCKET_URL", "ws://127.0.0.1:5000"), "collabdocs realtime URL")
	stateDSN := flag.String("state-dsn", envOrDefault("COLLABSYNC_STATE_DSN", "memory://"), "credential state DSN (memory://, file:///path, postgres://...)")
	mirrorDir := flag.String("mirror-dir", strings.TrimSpace(os.Getenv("COLLABSYNC_MIRROR_DIR")), "local mirror directory")
	docList := flag.String("docs", strings.TrimSpace(os.Getenv("COLLABSYNC_DOCS")), "comma-separated document ids to sync")
	email := flag.String("email", strings.TrimSpace(os.Getenv("COLLABSYNC_EMAIL")), "login email (omit to reuse stored credentials)")
	password := flag.String("password", strings.TrimSpace(os.Getenv("COLLABSYNC_PASSWORD")), "login password")
	timeout := flag.Duration("timeout", durationEnv("COLLABSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	refreshInterval := flag.Duration("refresh-interval", durationEnv("COLLABSYNC_REFRESH_INTERVAL", 5*time.Minute), "token refresh check interval")
	refreshJitter := flag.Float64("refresh-jitter", floatEnv("COLLABSYNC_REFRESH_JITTER", 0.2), "refresh interval jitter ratio (0.0-1.0)")
	debounce := flag.Duration("debounce", durationEnv("COLLABSYNC_DEBOUNCE", 200*time.Millisecond), "local edit debounce window")
	debug := flag.Bool("debug", false, "verbose development logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if strings.TrimSpace(*mirrorDir) == "" {
		logger.Fatal("mirror-dir is required (--mirror-dir or COLLABSYNC_MIRROR_DIR)")
	}
	docIDs, err := parseDocIDs(*docList)
	if err != nil {
		logger.Fatal("invalid docs list", zap.Error(err))
	}
	if len(docIDs) == 0 {
		logger.Fatal("docs is required (--docs or COLLABSYNC_DOCS)")
	}
	if *refreshInterval <= 0 {
		*refreshInterval = 5 * time.Minute
	}
	*refreshJitter = clampJitterRatio(*refreshJitter)

	backend, err := store.FromDSN(*stateDSN)
	if err != nil {
		logger.Fatal("failed to open credential state", zap.Error(err))
	}
	defer func() { _ = store.CloseBackend(backend) }()
	creds := auth.NewStore(backend)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The guard is the single place that ends the session: it closes the
	// channel, clears credentials, and the daemon then shuts down.
	var manager *realtime.Manager
	guard := auth.NewGuard(auth.GuardOptions{
		Credentials: creds,
		CloseConnection: func() {
			if manager != nil {
				manager.Close()
			}
		},
		Redirect: func(reason auth.Reason, next string) {
			logger.Warn("session ended",
				zap.String("reason", string(reason)), zap.String("next", next))
			stop()
		},
		Location: func() string { return "/documents" },
		Logger:   logger,
	})

	client := api.NewClient(*baseURL, creds, api.ClientOptions{
		OnAuthFailure: func(status int, message string) {
			if guard.TokenExpired() {
				guard.Logout(auth.ReasonExpired)
				return
			}
			guard.Logout(auth.ReasonInvalid)
		},
		Logger: logger,
	})

	if *email != "" {
		loginCtx, cancel := context.WithTimeout(rootCtx, *timeout)
		result, err := client.Login(loginCtx, *email, *password)
		cancel()
		if err != nil {
			logger.Fatal("login failed", zap.Error(err))
		}
		if err := creds.Set(auth.Credential{
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
			UserID:       strconv.FormatInt(result.UserID, 10),
		}); err != nil {
			logger.Fatal("failed to persist credentials", zap.Error(err))
		}
		logger.Info("logged in", zap.Int64("user_id", result.UserID))
	}
	if !guard.Authenticated() {
		logger.Fatal("no valid credential; log in with --email/--password")
	}

	manager = realtime.NewManager(realtime.ManagerOptions{
		SocketURL:   *socketURL,
		Credentials: creds,
		Guard:       guard,
		Logger:      logger,
	})

	reducer := notify.NewReducer(notify.ReducerOptions{
		API:           client,
		ResyncTimeout: *timeout,
		Logger:        logger,
	})
	reducerHandle, err := manager.Acquire(reducer)
	if err != nil {
		logger.Fatal("failed to join realtime channel", zap.Error(err))
	}
	defer reducerHandle.Release()

	workspace, err := mirror.Open(mirror.Options{
		Root:           *mirrorDir,
		DebounceWindow: *debounce,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("failed to open mirror workspace", zap.Error(err))
	}
	defer func() { _ = workspace.Close() }()

	var sessions []*docsync.Session
	for _, id := range docIDs {
		file := workspace.Document(id)
		session, err := docsync.Open(manager, docsync.SessionOptions{
			DocumentID: id,
			Surface:    file,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal("failed to open document session",
				zap.Int64("document_id", id), zap.Error(err))
		}
		file.SetOnChange(func() {
			if err := session.LocalChange(); err != nil {
				logger.Warn("broadcasting local edit failed",
					zap.Int64("document_id", session.DocumentID()), zap.Error(err))
			}
		})
		sessions = append(sessions, session)
	}
	logger.Info("syncing documents",
		zap.Int64s("document_ids", docIDs), zap.String("mirror_dir", *mirrorDir))

	go refreshLoop(rootCtx, logger, client, creds, guard, *refreshInterval, *refreshJitter, *timeout)

	<-rootCtx.Done()
	logger.Info("shutting down", zap.Error(rootCtx.Err()))
	// Leave every document before dropping the channel.
	for _, session := range sessions {
		session.Close()
	}
}

// refreshLoop rotates the access token ahead of its expiry so reconnection
// attempts and REST calls keep carrying a live credential.
func refreshLoop(
	ctx context.Context,
	logger *zap.Logger,
	client *api.Client,
	creds *auth.Store,
	guard *auth.Guard,
	interval time.Duration,
	jitterRatio float64,
	timeout time.Duration,
) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitterRatio, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if auth.TokenExpired(creds.AccessToken(), interval+auth.DefaultSkew) {
				refreshCtx, cancel := context.WithTimeout(ctx, timeout)
				token, err := client.Refresh(refreshCtx, creds.RefreshToken())
				cancel()
				switch {
				case err != nil:
					logger.Warn("token refresh failed", zap.Error(err))
					if guard.TokenExpired() {
						guard.Logout(auth.ReasonExpired)
						return
					}
				default:
					if err := creds.SetAccessToken(token); err != nil {
						logger.Warn("failed to persist refreshed token", zap.Error(err))
					} else {
						logger.Info("access token refreshed")
					}
				}
			}
			timer.Reset(jitteredIntervalWithSample(interval, jitterRatio, rng.Float64()))
		}
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parseDocIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
