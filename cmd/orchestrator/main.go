package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"propgen/internal/agent"
	"propgen/internal/collab"
	"propgen/internal/component"
	"propgen/internal/config"
	"propgen/internal/domain"
	"propgen/internal/executor"
	"propgen/internal/messaging/inproc"
	natsbus "propgen/internal/messaging/nats"
	"propgen/internal/orchestrator"
	"propgen/internal/progress"
	sqlitestore "propgen/internal/store/sqlite"
	"propgen/internal/validation"
)

// componentExpertise feeds the synthesis scorer; values are
// normalized to [0,1].
var componentExpertise = map[string]float64{
	"market_analysis":   0.8,
	"seo_analysis":      0.6,
	"mockup_generator":  0.5,
	"topic_analysis":    0.7,
	"content_writing":   0.9,
	"style_application": 0.6,
	"final_compilation": 0.7,
}

type app struct {
	cfg          config.Config
	orchestrator *orchestrator.Service
	collab       *collab.Engine
	webSink      *progress.WebSink
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.propgen/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	demo := flag.Bool("demo", false, "start a demo workflow on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
		log.Printf("using built-in defaults: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr)
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Storage.DBPath)
	dbPath, err = config.ExpandPath(dbPath)
	if err != nil {
		log.Fatalf("resolve db path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus, err := openBus(cfg.Messaging)
	if err != nil {
		log.Fatalf("open message bus: %v", err)
	}

	registry := component.NewRegistry()
	if err := component.RegisterBuiltins(registry); err != nil {
		log.Fatalf("register components: %v", err)
	}

	var rules []domain.ValidationRule
	if cfg.Workflow.ValidationRulesPath != "" {
		rulesPath, err := config.ExpandPath(cfg.Workflow.ValidationRulesPath)
		if err != nil {
			log.Fatalf("resolve validation rules path: %v", err)
		}
		rules, err = validation.LoadRules(rulesPath)
		if err != nil {
			log.Fatalf("load validation rules: %v", err)
		}
	}

	resumption := cfg.Resumption()
	exec := executor.New(registry, validation.NewEngine(rules), store, executor.Config{
		MaxRetries:       resumption.MaxRetries,
		RetryDelay:       resumption.RetryDelay,
		CacheResults:     cfg.CacheResults(),
		CacheTTL:         cfg.CacheTTL(),
		MaxWorkers:       cfg.Workflow.MaxWorkers,
		ComponentTimeout: cfg.ComponentTimeout(),
		ValidationLevel:  resumption.ValidationLevel,
	}, log.Default())

	weights, err := cfg.StageWeights()
	if err != nil {
		log.Fatalf("stage weights: %v", err)
	}
	webSink := progress.NewWebSink()
	sink := progress.MultiSink{progress.NewConsoleSink(log.Default()), webSink}
	orch := orchestrator.New(store, exec, orchestrator.Config{
		StageWeights:       weights,
		Resumption:         resumption,
		ConcurrentAnalysis: cfg.ConcurrentAnalysis(),
		IncludeMarket:      cfg.IncludeMarket(),
		IncludeSEO:         cfg.IncludeSEO(),
		IncludeMockups:     cfg.IncludeMockups(),
		IncludeContent:     cfg.IncludeContent(),
	}, sink, log.Default())

	engine := collab.NewEngine(
		collab.NewSynthesizer(collab.StaticScorer{Expertise: componentExpertise}),
		store,
		collab.Config{
			ResponseTimeout:      time.Duration(cfg.Collab.ResponseTimeoutSec) * time.Second,
			ConvergenceThreshold: cfg.Collab.ConvergenceThreshold,
			MaxRounds:            cfg.Collab.MaxRounds,
			MemoryRetention:      cfg.Collab.MemoryRetention,
		},
		log.Default(),
	)
	for _, id := range registry.IDs() {
		comp, err := registry.Resolve(id)
		if err != nil {
			log.Fatalf("resolve component %s: %v", id, err)
		}
		member := agent.New(id, comp, bus, componentExpertise[id], log.Default())
		member.Start(ctx)
		engine.Register(member)
	}

	a := &app{
		cfg:          cfg,
		orchestrator: orch,
		collab:       engine,
		webSink:      webSink,
	}

	if *demo {
		go a.runDemo()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/workflows", a.handleWorkflows)
	mux.HandleFunc("/workflows/", a.handleWorkflowByID)
	mux.HandleFunc("/collaborate", a.handleCollaborate)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("propgen started addr=%s db=%s messaging=%s", addr, dbPath, cfg.Messaging.Kind)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func openBus(cfg config.MessagingConfig) (agent.Bus, error) {
	switch cfg.Kind {
	case "inproc", "":
		return inproc.New(cfg.BufferSize), nil
	case "nats":
		return natsbus.Connect(cfg.NATSURL, cfg.BufferSize)
	default:
		return nil, fmt.Errorf("unknown messaging kind %q", cfg.Kind)
	}
}

func (a *app) runDemo() {
	input := domain.ContextFromMap(map[string]any{
		"title":    "Demo product proposal",
		"audience": "smb",
		"style":    "formal",
	})
	result, err := a.orchestrator.StartWorkflow(context.Background(), "", input)
	if err != nil {
		log.Printf("demo workflow failed: %v", err)
		return
	}
	log.Printf("demo workflow %s finished, quality=%v", result.WorkflowID, result.Quality)
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.webSink.State())
}

func (a *app) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workflows, err := a.orchestrator.ListWorkflows(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	case http.MethodPost:
		var req struct {
			WorkflowID string         `json:"workflow_id"`
			Input      map[string]any `json:"input"`
			Wait       bool           `json:"wait"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		input := domain.ContextFromMap(req.Input)
		if req.Wait {
			result, err := a.orchestrator.StartWorkflow(r.Context(), req.WorkflowID, input)
			if err != nil {
				// The structured result still describes the failure.
				writeJSON(w, http.StatusOK, result)
				return
			}
			writeJSON(w, http.StatusCreated, result)
			return
		}
		workflowID := req.WorkflowID
		if workflowID == "" {
			workflowID = uuid.NewString()
		}
		go func() {
			if _, err := a.orchestrator.StartWorkflow(context.Background(), workflowID, input); err != nil {
				log.Printf("workflow %s failed: %v", workflowID, err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": workflowID, "status": "started"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/workflows/")
	parts := strings.Split(trimmed, "/")
	workflowID := parts[0]
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workflow id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		wf, err := a.orchestrator.GetProgress(r.Context(), workflowID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
		return
	}

	action := parts[1]
	switch action {
	case "progress":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		wf, err := a.orchestrator.GetProgress(r.Context(), workflowID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	case "result":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		result, err := a.orchestrator.GetResult(r.Context(), workflowID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "resume":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		go func() {
			if _, err := a.orchestrator.Resume(context.Background(), workflowID); err != nil {
				log.Printf("workflow %s resume failed: %v", workflowID, err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": workflowID, "status": "resuming"})
	case "checkpoints":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		checkpoints, err := a.orchestrator.ListCheckpoints(r.Context(), workflowID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, checkpoints)
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := queryInt(r, "limit", 200)
		events, err := a.orchestrator.ListEvents(r.Context(), workflowID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Mode           string         `json:"mode"`
		Participants   []string       `json:"participants"`
		TaskName       string         `json:"task_name"`
		Description    string         `json:"description"`
		Input          map[string]any `json:"input"`
		ReviewCriteria []string       `json:"review_criteria"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if len(req.Participants) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("participants are required"))
		return
	}
	now := time.Now().UTC()
	result, err := a.collab.Collaborate(r.Context(), domain.CollaborationRequest{
		Task: domain.Task{
			ID:          uuid.NewString(),
			Name:        req.TaskName,
			Description: req.Description,
			Status:      domain.TaskStatusPending,
			Context:     domain.ContextFromMap(req.Input),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		Mode:           domain.CollaborationMode(req.Mode),
		Participants:   req.Participants,
		ReviewCriteria: req.ReviewCriteria,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
