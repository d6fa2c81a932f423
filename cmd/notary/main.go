package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/adapters/academic"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/approval"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/ca"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/certificate"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/defense"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/ledger"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/notification"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/queue"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/auth"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/config"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/database"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/events"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/metrics"
	secmiddleware "github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/middleware"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/tasks"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/signature"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/storage"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/tsa"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    *events.Bus
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := &App{Config: cfg}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database not available: %v\n", err)
		os.Exit(1)
	}
	app.DB = db
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}

	// Event bus is optional; the workflow runs without it.
	bus, err := events.NewBus(ctx, cfg.KurrentDB)
	if err != nil {
		fmt.Printf("Warning: KurrentDB not available: %v\n", err)
		fmt.Println("Running without event streaming...")
	} else {
		app.Bus = bus
		defer bus.Close()
		fmt.Println("KurrentDB Event Bus initialized")
	}

	// Trust domains and their certificate authorities
	orgs := org.NewRegistry(cfg.Orgs)
	caRegistry := ca.NewRegistry(orgs)

	// Repositories
	certRepo := certificate.NewPostgresRepository(db.Pool)
	documentRepo := defense.NewPostgresDocumentRepository(db.Pool)
	approvalRepo := defense.NewPostgresApprovalRepository(db.Pool)

	// Certificate lifecycle
	certManager := certificate.NewManager(certRepo, func(role org.Role) (certificate.Authority, error) {
		client, err := caRegistry.ForRole(role)
		if err != nil {
			return nil, err
		}
		return client, nil
	}).WithBus(app.Bus)

	// Signatures
	signer := signature.NewService(certManager)

	// Off-chain object store
	store := storage.NewClient(cfg.Storage)

	// Participant directory: legacy academic system or in-memory fallback
	var directory academic.Directory
	if cfg.Academic.Enabled {
		mssql, err := academic.NewMSSQLDirectory(ctx, cfg.Academic)
		if err != nil {
			fmt.Fprintf(os.Stderr, "academic directory not available: %v\n", err)
			os.Exit(1)
		}
		defer mssql.Close()
		directory = mssql
		fmt.Println("Academic directory connected (SQL Server)")
	} else {
		directory = academic.NewMemoryDirectory()
		fmt.Println("Academic directory running in-memory")
	}

	// Notifications
	notifier := notification.NewService(notification.ConsoleProvider{}, directory, notification.DefaultServiceConfig())
	if err := notifier.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start notification service: %v\n", err)
		os.Exit(1)
	}
	defer notifier.Stop()

	// Background side-effect runner
	runner := tasks.NewRunner(tasks.DefaultConfig())
	defer runner.Stop()

	// Resilience queue
	queueSvc := queue.NewService(queue.NewPostgresStore(db.Pool), cfg.Queue)
	queueSvc.Register("certificate.generate", certificateGenerateHandler(certManager, directory))
	queueSvc.Register("storage.upload", storageUploadHandler(store))
	if err := queueSvc.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start queue: %v\n", err)
		os.Exit(1)
	}
	defer queueSvc.Stop()

	// Notarization gateway
	gateway := ledger.NewGateway(orgs, documentRepo, approvalRepo, certManager).WithBus(app.Bus)
	if cfg.TSA.Enabled {
		authority, err := tsa.NewAuthorityWithGeneratedCert(cfg.TSA.OrgName)
		if err != nil {
			fmt.Printf("Warning: TSA initialization failed: %v\n", err)
		} else {
			gateway.WithStamper(authority)
			fmt.Println("Timestamp authority enabled")
		}
	}

	// Approval workflow
	workflow := approval.NewWorkflow(approval.Config{
		Documents: documentRepo,
		Approvals: approvalRepo,
		Signer:    signer,
		Notarizer: gateway,
		Notifier:  notifier,
		Certs:     certManager,
		Queue:     queueSvc,
		Runner:    runner,
		Bus:       app.Bus,
	})

	// Document intake
	documentSvc := defense.NewService(defense.ServiceConfig{
		Documents: documentRepo,
		Approvals: approvalRepo,
		Storage:   store,
		Queue:     queueSvc,
		Notifier:  notifier,
		Resetter:  workflow,
		Runner:    runner,
		Bus:       app.Bus,
		Hash:      storage.Hash,
	})

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.MaxBodySize(32 << 20))
	r.Use(metrics.Middleware)

	rateLimiter := secmiddleware.NewIPRateLimiter(20, 40)
	r.Use(rateLimiter.Middleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler(app))
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))

		documentHandler := defense.NewHandler(documentSvc, documentRepo, approvalRepo)
		r.Mount("/documents", documentHandler.Routes())

		approvalHandler := approval.NewHandler(workflow, approvalRepo)
		r.Mount("/approvals", approvalHandler.Routes())

		ledgerHandler := ledger.NewHandler(gateway)
		r.Mount("/ledger", ledgerHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("Thesis Defense Notarization Service")
	fmt.Println("============================================")
	fmt.Printf("Environment:  %s\n", cfg.Server.Env)
	fmt.Printf("Server:       http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:          http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Health:       http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("Object store: %s\n", cfg.Storage.URL)
	fmt.Printf("KurrentDB:    %s:%d\n", cfg.KurrentDB.Host, cfg.KurrentDB.Port)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-done
	fmt.Println("Server stopped")
}

// certificateGeneratePayload is the queue payload for identity issuance.
type certificateGeneratePayload struct {
	UserID     string `json:"user_id"`
	ApprovalID string `json:"approval_id,omitempty"`
	Role       string `json:"role"`
}

// certificateGenerateHandler issues a participant's signing identity. The
// participant's email comes from the academic directory; issuance is
// idempotent, so redelivered jobs are harmless.
func certificateGenerateHandler(manager *certificate.Manager, directory academic.Directory) queue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p certificateGeneratePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}

		userID, err := types.ParseID(p.UserID)
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}

		var approvalID *types.ID
		if p.ApprovalID != "" {
			id, err := types.ParseID(p.ApprovalID)
			if err != nil {
				return fmt.Errorf("invalid approval id: %w", err)
			}
			approvalID = &id
		}

		participant, err := directory.FindByID(ctx, userID)
		if err != nil {
			return err
		}

		_, err = manager.Generate(ctx, certificate.GenerateRequest{
			UserID:     userID,
			Email:      participant.Email,
			Role:       org.Role(p.Role),
			ApprovalID: approvalID,
		})
		return err
	}
}

// storageUploadHandler retries an object upload that was deferred because the
// store was unreachable. Uploads are content-addressed, so replays are safe.
func storageUploadHandler(store *storage.Client) queue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			Locator string `json:"locator"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		content, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return fmt.Errorf("invalid content encoding: %w", err)
		}

		if ok, err := store.Has(ctx, p.Locator); err == nil && ok {
			return nil
		}
		_, err = store.Put(ctx, content)
		return err
	}
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Thesis Defense Notarization Service",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
		})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
