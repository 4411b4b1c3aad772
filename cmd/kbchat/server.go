package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/kbchat/internal/api"
	"github.com/kalambet/kbchat/internal/cache"
	"github.com/kalambet/kbchat/internal/catalog"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/condenser"
	"github.com/kalambet/kbchat/internal/config"
	"github.com/kalambet/kbchat/internal/gemini"
	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/llm"
	"github.com/kalambet/kbchat/internal/ollama"
	"github.com/kalambet/kbchat/internal/openrouter"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
	"github.com/kalambet/kbchat/internal/visualize"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kbchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running kbchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kbchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kbchat.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// app holds the assembled components shared by the HTTP and MCP servers.
type app struct {
	cfg       config.Config
	store     *storage.Store
	chat      *pipeline.Router
	retriever retrieval.Retriever
	handler   http.Handler

	// Set only for the local retrieval backend.
	worker  *ingest.Worker
	watcher *ingest.Watcher

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing: %v\n", err)
		}
	}
}

// background starts the ingest worker and the directory watcher, when
// configured.
func (a *app) background(ctx context.Context) {
	if a.worker != nil {
		go a.worker.Run(ctx)
	}
	if a.watcher != nil {
		go func() {
			if err := a.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("directory watcher stopped", "error", err)
			}
		}()
	}
}

// buildApp wires storage, caches, the model provider, retrieval and the
// request pipeline from cfg. Progress messages go to progress.
func buildApp(ctx context.Context, cfg config.Config, progress io.Writer) (*app, error) {
	a := &app{cfg: cfg}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	backend, err := newCacheBackend(ctx, cfg, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := backend.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if msg := modelWarning(ctx, provider, cfg.LLM.Model); msg != "" {
		fmt.Fprintln(progress, msg)
	}

	var local *retrieval.LocalRetriever
	switch cfg.Retrieval.Backend {
	case "local":
		oc := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureReady(ctx, oc, cfg.Ollama.EmbedModel, progress); err != nil {
			a.Close()
			return nil, err
		}
		local = retrieval.NewLocalRetriever(
			retrieval.NewEmbedder(oc, cfg.Ollama.EmbedModel),
			retrieval.NewSQLiteStore(store.DB()),
		)
		a.retriever = local
		a.worker = ingest.NewWorker(store, local, 500*time.Millisecond)
		if cfg.Ingest.WatchDir != "" {
			a.watcher = ingest.NewWatcher(cfg.Ingest.WatchDir, store, local)
		}
	default:
		a.retriever = retrieval.NewKBClient(retrieval.KBConfig{
			BaseURL:         cfg.RetrievalBaseURL(),
			KnowledgeBaseID: cfg.Retrieval.KnowledgeBaseID,
			APIKey:          cfg.Retrieval.APIKey,
			Timeout:         cfg.Retrieval.Timeout,
		})
	}

	customer := cfg.Customer.Name
	answerer := pipeline.NewAnswerer(
		condenser.New(provider, cfg.LLM.CondenseTimeout),
		a.retriever,
		composer.New(customer, 0),
		provider,
		pipeline.AnswerConfig{
			TopK:         cfg.Retrieval.ChatTopK,
			HistoryTurns: cfg.Chat.HistoryTurns,
			MaxTokens:    cfg.LLM.MaxTokens,
			Temperature:  cfg.LLM.Temperature,
			Timeout:      cfg.LLM.Timeout,
			DefaultTone:  cfg.Chat.DefaultTone,
		},
	)
	charts, err := visualize.New(provider, store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building chart generator: %w", err)
	}
	a.chat, err = pipeline.NewRouter(provider, answerer, charts, customer, cfg.Chat.ToolRouting)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building router: %w", err)
	}

	describer := catalog.NewDescriber(provider, a.retriever,
		cache.New[string](backend, "customer", cache.Existence()), customer, cfg.Retrieval.ChatTopK)
	discoverer := catalog.NewDiscoverer(provider, a.retriever, describer, store,
		cache.New[[]catalog.Product](backend, "products", cache.Existence()),
		catalog.DiscoverConfig{
			Customer:      customer,
			ContextTopK:   cfg.Retrieval.ChatTopK,
			DiscoveryTopK: cfg.Retrieval.DiscoveryTopK,
			DefaultLimit:  cfg.Products.Limit,
		})
	detailer := catalog.NewDetailer(provider, a.retriever, store,
		cache.New[catalog.Sections](backend, "details", cache.Expiry(cfg.Cache.Expiry)), customer, cfg.Retrieval.ChatTopK)
	suggester := catalog.NewSuggester(provider, describer,
		cache.New[[]string](backend, "questions", cache.Existence()), customer)

	deps := api.Deps{
		Chat:        a.chat,
		Discovery:   discoverer,
		Details:     detailer,
		Suggestions: suggester,
		Products:    store,
	}
	if local != nil {
		deps.Documents = &api.DocumentDeps{
			Store:      store,
			Index:      local,
			Token:      cfg.API.Token,
			HTTPClient: &http.Client{Timeout: 15 * time.Second},
		}
	}
	a.handler = api.NewHandler(deps)
	return a, nil
}

func newProvider(ctx context.Context, cfg config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		p, err := gemini.New(ctx, gemini.Config{
			APIKey:  cfg.Gemini.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("creating gemini provider: %w", err)
		}
		return p, nil
	default:
		return openrouter.NewClient(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, cfg.LLM.Model).
			WithTimeout(cfg.LLM.Timeout), nil
	}
}

// modelLister is implemented by providers that can list upstream models.
type modelLister interface {
	HasModel(ctx context.Context) (bool, error)
}

// modelWarning checks that model is offered by the provider and describes
// the problem if not. Providers without a model listing are not checked.
func modelWarning(ctx context.Context, p llm.Provider, model string) string {
	ml, ok := p.(modelLister)
	if !ok {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	found, err := ml.HasModel(ctx)
	switch {
	case err != nil:
		return fmt.Sprintf("warning: could not verify model %s: %v", model, err)
	case !found:
		return fmt.Sprintf("warning: model %s is not offered by the provider", model)
	}
	return ""
}

// redisBackend owns the client it was built from.
type redisBackend struct {
	*cache.Redis
	close func() error
}

func (r redisBackend) Close() error { return r.close() }

func newCacheBackend(ctx context.Context, cfg config.Config, store *storage.Store) (cache.Backend, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewMemory(), nil
	case "redis":
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			URL:         cfg.Cache.RedisURL,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to cache: %w", err)
		}
		return redisBackend{Redis: cache.NewRedis(client), close: client.Close}, nil
	default:
		return cache.NewSQLite(store), nil
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "kbchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("kbchat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("kbchat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.API.Token == "" && a.worker != nil {
		slog.Warn("api.token is not set; the document API is disabled")
	}
	a.background(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: a.handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr, "customer", cfg.Customer.Name,
			"provider", cfg.LLM.Provider, "retrieval", cfg.Retrieval.Backend, "cache", cfg.Cache.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("kbchat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop kbchat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to kbchat (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Customer", "%s", cfg.Customer.Name)
	printStatus("Model", "%s (%s)", cfg.LLM.Model, cfg.LLM.Provider)
	printStatus("Cache", "%s", cfg.Cache.Backend)

	if cfg.Retrieval.Backend == "local" {
		printStatus("Retrieval", "local index (%s)", cfg.Ollama.EmbedModel)
		if ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
		if running && cfg.API.Token != "" {
			docsResp, err := apiGet(client, serverURL+"/documents?limit=100", cfg.API.Token)
			if err == nil {
				var docs []json.RawMessage
				if json.NewDecoder(docsResp.Body).Decode(&docs) == nil {
					printStatus("Documents", "%s", countLabel(len(docs), 100))
				}
				docsResp.Body.Close()
			}
		}
	} else {
		printStatus("Retrieval", "knowledge base %s", cfg.Retrieval.KnowledgeBaseID)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
