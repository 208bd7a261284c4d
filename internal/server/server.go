// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it creates concrete implementations and
// injects them into the tools, prompts and resources that depend on
// abstractions. No business logic lives here, only wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yeager620/savant-ai-sub000/internal/builder"
	"github.com/yeager620/savant-ai-sub000/internal/config"
	"github.com/yeager620/savant-ai-sub000/internal/executor"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/gateway"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
	"github.com/yeager620/savant-ai-sub000/internal/llm"
	"github.com/yeager620/savant-ai-sub000/internal/prompts"
	"github.com/yeager620/savant-ai-sub000/internal/querytools"
	"github.com/yeager620/savant-ai-sub000/internal/resources"
	"github.com/yeager620/savant-ai-sub000/internal/security"
	"github.com/yeager620/savant-ai-sub000/internal/session"
	"github.com/yeager620/savant-ai-sub000/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Server owns the store, the query pipeline and the MCP server bound to it.
type Server struct {
	log      *zap.Logger
	store    *store.Store
	sessions *session.Manager
	gateway  *gateway.Gateway
	mcp      *server.MCPServer
}

// New opens the store, seeds the intent catalog and registers every tool,
// prompt and resource. Close must be called on shutdown.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// --- Storage ---

	st, err := store.Open(store.Config{
		DataDir:        cfg.DataDir,
		ReaderPoolSize: cfg.Query.ReaderPoolSize,
		VoiceThreshold: cfg.Speakers.VoiceThreshold,
	}, log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := st.SeedIntents(ctx, builder.Templates()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seeding intents: %w", err)
	}

	// --- Query pipeline ---

	schema, err := st.TableColumns(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	policy := security.NewPolicy(cfg).WithSchema(schema)

	deps := gateway.Deps{
		Store:     st,
		Extractor: extract.New(nil),
		Sessions: session.NewManager(session.Options{
			TTL:             cfg.Session.TTL,
			MaxEntities:     cfg.Session.MaxEntities,
			JanitorInterval: cfg.Session.JanitorInterval,
		}, log.Named("session")),
		Validator: security.NewValidator(
			policy,
			security.NewRateLimiter(cfg.Rate, nil),
			log.Named("security"),
		),
		Runner: executor.New(st.Reader(), cfg.Query.ReaderPoolSize, log.Named("executor")),
		Log:    log.Named("gateway"),
	}

	// The language model is optional: without it, classification is
	// rule-only and search results keep their full-text order.
	var lm intent.LanguageModel
	model, err := llm.New(ctx, cfg.LLM)
	switch {
	case err == nil:
		lm = model
		deps.Embedder = model
	case errors.Is(err, llm.ErrDisabled):
		log.Debug("language model disabled")
	default:
		log.Warn("language model unavailable", zap.Error(err))
	}
	deps.Classifier = intent.New(lm, cfg.LLM.MinConfidence, log.Named("intent"))

	gw := gateway.New(deps, gateway.Options{
		MaxRetries:   cfg.Query.MaxRetries,
		RetryBackoff: cfg.Query.RetryBackoff,
		PageSize:     cfg.Query.PageSize,
	})

	// --- MCP server ---

	s := server.NewMCPServer(
		"savant",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	for _, tool := range querytools.All(gw) {
		s.AddTool(tool.Definition(), tool.Handle)
	}

	askPrompt := prompts.NewAskPrompt()
	s.AddPrompt(askPrompt.Definition(), askPrompt.Handle)

	overviewPrompt := prompts.NewOverviewPrompt()
	s.AddPrompt(overviewPrompt.Definition(), overviewPrompt.Handle)

	rh := resources.NewHandler(st, policy)
	s.AddResource(rh.SchemaResource(), rh.HandleSchema)
	s.AddResource(rh.SpeakersResource(), rh.HandleSpeakers)
	s.AddResource(rh.ConversationsResource(), rh.HandleConversations)
	s.AddResourceTemplate(rh.ConversationTemplate(), rh.HandleConversation)

	return &Server{log: log, store: st, sessions: deps.Sessions, gateway: gw, mcp: s}, nil
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Gateway returns the query gateway.
func (s *Server) Gateway() *gateway.Gateway { return s.gateway }

// Store returns the transcript store.
func (s *Server) Store() *store.Store { return s.store }

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// Serve runs the JSON-RPC stream on stdin/stdout, or on every connection
// to a Unix socket when socketPath is set, until ctx is done. The session
// janitor runs alongside.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.sessions.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if socketPath == "" {
			return s.listen(ctx, os.Stdin, os.Stdout)
		}
		return s.serveSocket(ctx, socketPath)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) listen(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.log.Named("rpc")))
	err := stdio.Listen(ctx, r, w)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) serveSocket(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	defer os.Remove(path) //nolint:errcheck
	s.log.Info("listening", zap.String("socket", path))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	conns, connCtx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				_ = conns.Wait()
				return nil
			}
			_ = conns.Wait()
			return fmt.Errorf("accepting connection: %w", err)
		}
		conns.Go(func() error {
			defer conn.Close() //nolint:errcheck
			ctx, cancel := context.WithCancel(connCtx)
			defer cancel()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()
			if err := s.listen(ctx, conn, conn); err != nil {
				s.log.Debug("connection closed", zap.Error(err))
			}
			return nil
		})
	}
}

// serverInstructions tells the calling agent how to use the tools.
func serverInstructions() string {
	return `You have read-only access to the user's recorded conversations: who spoke,
when, and what was said.

## WHICH TOOL
- query_conversations: any question in plain English. Start here.
- search_semantic: find what was said about a topic, optionally by speaker or period.
- get_speaker_analytics: talk time, activity in a period, relationships, rankings.
- get_statistics: totals across the store.
- export_data: page through raw segments as JSON records.

## FOLLOW-UPS
Pass the same session_id on related questions. "them", "that speaker" and
"the same period" then resolve to what the previous question was about.

## LIMITS
Results are paged; ask for the next page rather than a bigger one. Queries
are checked before they run: only reads of whitelisted columns are allowed,
and rejected requests come back as an error with a kind such as
ForbiddenColumn or RateLimitExceeded. Do not retry a rejected request
unchanged.

## DISCOVERY
Read savant://schema for queryable columns and example questions,
savant://speakers for known speakers and savant://conversations for the
latest conversations.`
}
