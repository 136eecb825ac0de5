// Package main is the kotoba CLI entry point.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/auth"
	"github.com/hyperjump/kotoba/internal/chat"
	"github.com/hyperjump/kotoba/internal/cli"
	"github.com/hyperjump/kotoba/internal/config"
	"github.com/hyperjump/kotoba/internal/corpus"
	"github.com/hyperjump/kotoba/internal/embedding"
	"github.com/hyperjump/kotoba/internal/generation"
	"github.com/hyperjump/kotoba/internal/indexer"
	"github.com/hyperjump/kotoba/internal/retrieval"
	"github.com/hyperjump/kotoba/internal/server"
	"github.com/hyperjump/kotoba/internal/storage"
	"github.com/hyperjump/kotoba/internal/watcher"
	"github.com/hyperjump/kotoba/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kotoba/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// loadEnv reads .env from the working directory and then from the config directory.
// Variables already set in the environment win.
func loadEnv(configPath string) {
	for _, p := range []string{".env", filepath.Join(filepath.Dir(configPath), ".env")} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func newLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	if cfg.LogFile != "" {
		return utils.NewFileLogger(cfg.LogFile, debug)
	}
	return utils.NewLogger(debug)
}

// setup loads config and .env and builds the logger, exiting on failure.
func setup(configPath string, debug bool) (*config.Config, *zap.Logger, string) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	loadEnv(resolved)
	logger, err := newLogger(cfg, cfg.Debug || debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger, resolved
}

// buildEmbedder returns the configured provider, behind an LRU cache when cache_size > 0.
func buildEmbedder(cfg *config.EmbeddingConfig, logger *zap.Logger) (embedding.Embedder, error) {
	var inner embedding.Embedder
	switch cfg.Provider {
	case "ollama":
		inner = embedding.NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimensions,
			embedding.WithMaxRetries(cfg.MaxRetries),
			embedding.WithLogger(logger),
		)
	case "onnx":
		e, err := embedding.NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize onnx embedder: %w", err)
		}
		inner = e
	case "mock":
		inner = embedding.NewMockEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cfg.CacheSize <= 0 {
		return inner, nil
	}
	cached, err := embedding.NewCachedEmbedder(inner, cfg.CacheSize)
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("failed to initialize embedding cache: %w", err)
	}
	return cached, nil
}

// windowFor returns the buffer window from config, or from the -window flag when it was given.
func windowFor(cfg *config.Config, fs *flag.FlagSet, flagValue int) (*chat.WindowConfig, error) {
	n := cfg.Chat.BufferWindowOrDefault()
	if flagWasSet(fs, "window") {
		n = flagValue
	}
	return chat.NewWindowConfig(n)
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newGenerator(cfg *config.GenerationConfig, logger *zap.Logger) *generation.OllamaGenerator {
	return generation.NewOllamaGenerator(cfg.BaseURL, cfg.Model,
		generation.WithTemperature(cfg.Temperature),
		generation.WithMaxRetries(cfg.MaxRetries),
		generation.WithConnectTimeout(time.Duration(cfg.ConnectTimeout)*time.Second),
		generation.WithLogger(logger),
	)
}

func newIndexer(cfg *config.Config, embedder embedding.Embedder, logger *zap.Logger) *indexer.Indexer {
	return indexer.NewIndexer(embedder, cfg.Corpus.ChunkSize, cfg.Corpus.ChunkOverlap,
		indexer.WithExtensions(cfg.Corpus.Extensions),
		indexer.WithLogger(logger),
	)
}

// loadIndex opens the saved index. A missing or incompatible index is logged and
// the caller continues without knowledge-base context.
func loadIndex(ctx context.Context, cfg *config.Config, embedder embedding.Embedder, logger *zap.Logger) *corpus.Index {
	idx, err := corpus.Load(ctx, cfg.Storage.IndexPath, embedder, corpus.WithLogger(logger))
	if err != nil {
		logger.Warn("no usable corpus index, answering without knowledge base (run: kotoba index)",
			zap.String("path", cfg.Storage.IndexPath),
			zap.Bool("incompatible", errors.Is(err, storage.ErrIncompatible)),
			zap.Error(err),
		)
		return nil
	}
	return idx
}

func newManager(cfg *config.Config, gen *generation.OllamaGenerator, sel *retrieval.Selector, window *chat.WindowConfig, logger *zap.Logger) *chat.Manager {
	return chat.NewManager(gen,
		chat.WithLogger(logger),
		chat.WithSelector(sel),
		chat.WithPersister(storage.NewConversationFiles(cfg.Storage.ConversationsDir)),
		chat.WithWindow(window),
		chat.WithPersona(cfg.Chat.Persona),
		chat.WithGreeting(cfg.Chat.Greeting),
		chat.WithContextK(cfg.Chat.ContextK),
		chat.WithMaxPromptTokens(cfg.Chat.MaxPromptTokens),
	)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "serve", "server":
		runServe()
	case "chat":
		runChat()
	case "index":
		runIndex()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kotoba version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, _ := setup(*configPath, *debug)
	defer logger.Sync()

	dir := cfg.Corpus.SourceDir
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	embedder, err := buildEmbedder(&cfg.Embedding, logger)
	if err != nil {
		logger.Fatal("Failed to initialize embedder", zap.Error(err))
	}
	defer embedder.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, err := newIndexer(cfg, embedder, logger).BuildDirectory(ctx, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Indexing failed: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()
	if err := idx.Save(ctx, cfg.Storage.IndexPath); err != nil {
		fmt.Fprintf(os.Stderr, "Saving index failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Indexed %d snippet(s) from %s into %s\n", idx.Size(), dir, cfg.Storage.IndexPath)
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	windowFlag := fs.Int("window", config.DefaultBufferWindow, "buffer window (0-20), overrides chat.buffer_window")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, resolved := setup(*configPath, *debug)
	defer logger.Sync()
	logger.Info("config loaded", zap.String("config_path", resolved), zap.Bool("debug", cfg.Debug || *debug))

	window, err := windowFor(cfg, fs, *windowFlag)
	if err != nil {
		logger.Fatal("Invalid buffer window", zap.Error(err))
	}
	embedder, err := buildEmbedder(&cfg.Embedding, logger)
	if err != nil {
		logger.Fatal("Failed to initialize embedder", zap.Error(err))
	}
	defer embedder.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	index := loadIndex(ctx, cfg, embedder, logger)
	selector := retrieval.NewSelector(index, embedder,
		retrieval.WithLogger(logger),
		retrieval.WithKeywordFallback(cfg.Chat.KeywordFallback),
	)
	gen := newGenerator(&cfg.Generation, logger)
	defer gen.Close()
	manager := newManager(cfg, gen, selector, window, logger)

	if cfg.Corpus.Watch {
		ix := newIndexer(cfg, embedder, logger)
		rebuilder := watcher.NewRebuilder(ix, cfg.Corpus.SourceDir, cfg.Storage.IndexPath, selector, logger)
		w := watcher.NewWatcher(cfg.Corpus.SourceDir, ix.Accepts, rebuilder.OnChange, watcher.WithLogger(logger))
		if err := w.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer w.Stop()
		if index == nil {
			go func() {
				if err := rebuilder.Rebuild(ctx); err != nil {
					logger.Warn("initial index build failed", zap.Error(err))
				}
			}()
		}
	}

	srv := server.NewServer(manager, &cfg.Server,
		server.WithLogger(logger),
		server.WithSelector(selector),
		server.WithCredentials(auth.NewFileStore(cfg.Storage.CredentialsDir), auth.EnvLogin(nil)),
		server.WithDiskUsage(cfg.Storage.IndexPath, cfg.Storage.ConversationsDir),
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = srv.Stop(stopCtx)
	if old := selector.Swap(nil); old != nil {
		_ = old.Close()
	}
}

func runChat() {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	windowFlag := fs.Int("window", config.DefaultBufferWindow, "buffer window (0-20), overrides chat.buffer_window")
	user := fs.String("user", os.Getenv("KOTOBA_USER"), "identity (email) whose conversations to open")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: kotoba chat -user <email> [flags]")
		os.Exit(1)
	}
	cfg, logger, _ := setup(*configPath, *debug)
	defer logger.Sync()
	if !cfg.Debug && !*debug {
		// keep the terminal for the conversation
		logger = zap.NewNop()
	}

	window, err := windowFor(cfg, fs, *windowFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid buffer window: %v\n", err)
		os.Exit(1)
	}
	embedder, err := buildEmbedder(&cfg.Embedding, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize embedder: %v\n", err)
		os.Exit(1)
	}
	defer embedder.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	index := loadIndex(ctx, cfg, embedder, logger)
	if index != nil {
		defer index.Close()
	} else {
		fmt.Fprintln(os.Stderr, "warning: no knowledge base loaded, run: kotoba index")
	}
	selector := retrieval.NewSelector(index, embedder,
		retrieval.WithLogger(logger),
		retrieval.WithKeywordFallback(cfg.Chat.KeywordFallback),
	)
	gen := newGenerator(&cfg.Generation, logger)
	defer gen.Close()
	manager := newManager(cfg, gen, selector, window, logger)

	session, err := manager.Session(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open conversations: %v\n", err)
		os.Exit(1)
	}

	stdin := bufio.NewReader(os.Stdin)
	if err := login(ctx, session, auth.NewFileStore(cfg.Storage.CredentialsDir), stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		os.Exit(1)
	}

	repl := cli.NewREPL(session, window, stdin, os.Stdout, cli.WithLogger(logger))
	if err := repl.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Input failed: %v\n", err)
		os.Exit(1)
	}
}

// login resolves the session's credentials, prompting when none are saved or set
// in the environment, and saves freshly entered ones.
func login(ctx context.Context, session *chat.Session, store *auth.FileStore, in io.Reader, out io.Writer) error {
	creds, fresh, err := auth.Resolve(ctx, session.Identity(), store,
		auth.FirstOf(auth.EnvLogin(nil), auth.PromptLogin(in, out)))
	if errors.Is(err, auth.ErrNoCredentials) {
		return nil
	}
	if err != nil {
		return err
	}
	if fresh && creds.Token != "" {
		if err := store.Save(creds); err != nil {
			fmt.Fprintf(out, "warning: credentials not saved: %v\n", err)
		}
	}
	session.SetCredentials(creds)
	return nil
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	st := collectStatus(context.Background(), cfg)
	if err := cli.WriteStatus(os.Stdout, st, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// collectStatus reads the saved index stamp and on-disk state without loading the index.
func collectStatus(ctx context.Context, cfg *config.Config) *cli.Status {
	st := &cli.Status{
		BufferWindow:     cfg.Chat.BufferWindowOrDefault(),
		EmbeddingModel:   cfg.Embedding.Provider + "/" + cfg.Embedding.Model,
		GenerationModel:  cfg.Generation.Model,
		IndexPath:        cfg.Storage.IndexPath,
		ConversationsDir: cfg.Storage.ConversationsDir,
	}
	if meta, err := corpus.ReadMeta(ctx, cfg.Storage.IndexPath); err != nil {
		st.Index.Error = err.Error()
	} else {
		st.Index = cli.IndexStatus{
			Loaded:     true,
			Documents:  meta.Count,
			Provider:   meta.Provider,
			Dimensions: meta.Dimensions,
		}
		if !meta.BuiltAt.IsZero() {
			st.Index.BuiltAt = meta.BuiltAt.UTC().Format(time.RFC3339)
		}
	}
	if files, err := filepath.Glob(filepath.Join(cfg.Storage.ConversationsDir, "*.yaml")); err == nil {
		st.Conversations = len(files)
	}
	if n, err := storage.DiskUsageBytes(cfg.Storage.IndexPath, cfg.Storage.ConversationsDir); err == nil {
		st.DiskUsageBytes = &n
	}
	return st
}

func printUsage() {
	fmt.Println(`kotoba - Knowledge-grounded chat assistant

Usage:
  kotoba index [flags] [dir]      Build the knowledge-base index (default dir: corpus.source_dir)
  kotoba serve [flags]            Start the HTTP chat server
  kotoba chat -user <email>       Chat in the terminal
  kotoba status [flags]           Show index and storage status
  kotoba version                  Show version
  kotoba help                     Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kotoba/config.yaml,
                     or ./config.yaml when present)
  --debug            Enable debug logging

Serve / Chat Flags:
  --window int       Messages of history replayed into each prompt, 0-20 (default: chat.buffer_window or 10)

Chat Flags:
  --user string      Identity whose conversations are opened (default: $KOTOBA_USER)

Status Flags:
  --output string    Output format: text or json (default: text)

Environment:
  KOTOBA_API_TOKEN   Bearer token sent to the generation backend
  A .env file in the working directory or next to the config is loaded first.

Examples:
  kotoba index ./knowledge
  kotoba serve --window 5
  kotoba chat -user ada@example.com
  kotoba status --output json`)
}
