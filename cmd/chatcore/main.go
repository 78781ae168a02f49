package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alexjbarnes/chatcore/internal/call"
	"github.com/alexjbarnes/chatcore/internal/chat"
	"github.com/alexjbarnes/chatcore/internal/client"
	"github.com/alexjbarnes/chatcore/internal/config"
	"github.com/alexjbarnes/chatcore/internal/credential"
	"github.com/alexjbarnes/chatcore/internal/keyring"
	"github.com/alexjbarnes/chatcore/internal/logging"
	"github.com/alexjbarnes/chatcore/internal/mcpserver"
	"github.com/alexjbarnes/chatcore/internal/relay"
	"github.com/alexjbarnes/chatcore/internal/rtc"
	"github.com/alexjbarnes/chatcore/internal/server"
	"github.com/alexjbarnes/chatcore/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chatcore starting",
		slog.String("version", Version),
		slog.String("user", cfg.UserID),
		slog.String("relay", cfg.RelayURL),
		slog.Bool("media", cfg.EnableMedia),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	keys := keyring.New(appState, logger)
	defer keys.Close()

	if err := keys.LoadPeerKeys(); err != nil {
		logger.Warn("failed to load cached peer keys", slog.String("error", err.Error()))
	}

	creds, fileCreds, err := credentialSource(cfg, appState, logger)
	if err != nil {
		return err
	}

	token, err := creds.Token()
	if err != nil {
		return fmt.Errorf("reading credential: %w", err)
	}

	if sub := credential.Subject(token); sub != "" && sub != cfg.UserID {
		logger.Warn("credential subject differs from CHAT_USER_ID",
			slog.String("subject", sub),
			slog.String("user", cfg.UserID),
		)
	}

	peers, err := rtc.NewFactory(iceServers(cfg), logger)
	if err != nil {
		return fmt.Errorf("creating peer factory: %w", err)
	}

	mgr := relay.NewManager(relay.Config{
		URL:            cfg.RelayURL,
		ConnectTimeout: cfg.ConnectTimeout,
		HealthInterval: cfg.HealthCheckInterval,
	}, logger)

	c := client.New(client.Config{
		SelfID:     cfg.UserID,
		AckTimeout: cfg.SendAckTimeout,
		Plaintext:  chat.PlaintextPolicy(cfg.PlaintextPolicy),
	}, client.Deps{
		Relay:  mgr,
		API:    relay.NewAPIClient(cfg.RelayAPIURL, creds, nil),
		Keys:   keys,
		Peers:  peers,
		Media:  rtc.NewSilentSource(cfg.EnableMedia),
		Logger: logger,
	})
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := &session{mgr: mgr, state: appState, logger: logger, token: token}
	unsubscribe := c.Subscribe(sess.onEvent)
	defer unsubscribe()

	if err := mgr.Connect(ctx, token); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	defer mgr.Disconnect()

	if cfg.ConversationID != "" {
		if err := c.SwitchConversation(ctx, cfg.ConversationID, cfg.PeerID); err != nil {
			logger.Warn("loading conversation history failed", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if fileCreds != nil {
		unsubscribeCreds := fileCreds.Subscribe(sess.rotate)
		defer unsubscribeCreds()

		g.Go(func() error {
			return fileCreds.Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, c, logger)
		})
	}

	g.Go(func() error {
		runConsole(gctx, os.Stdin, c, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// credentialSource picks the configured credential. The returned
// FileSource is non-nil when the credential should be watched for
// rotation.
func credentialSource(cfg *config.Config, appState *state.State, logger *slog.Logger) (credential.Source, *credential.FileSource, error) {
	switch {
	case cfg.TokenFile != "":
		fs, err := credential.NewFileSource(cfg.TokenFile, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("reading token file: %w", err)
		}

		return fs, fs, nil
	case cfg.Token != "":
		return credential.NewStatic(cfg.Token), nil, nil
	}

	token := appState.Token()
	if token == "" {
		return nil, nil, fmt.Errorf("no credential: set CHAT_TOKEN or CHAT_TOKEN_FILE")
	}

	logger.Debug("using cached token")

	return credential.NewStatic(token), nil, nil
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, s := range cfg.ICEServers() {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return out
}

// session tracks the credential in use and persists it once the relay
// accepts it.
type session struct {
	mgr    *relay.Manager
	state  *state.State
	logger *slog.Logger

	mu    sync.Mutex
	token string
}

func (s *session) onEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventConnection:
		s.onConnection(ev.Connection)
	case client.EventMessage:
		s.logger.Info("message",
			slog.String("conversation", ev.ConversationID),
			slog.String("from", ev.Message.SenderID),
			slog.String("content", ev.Message.Content),
			slog.Bool("undecryptable", ev.Message.Undecryptable),
		)
	case client.EventMessageEdited:
		s.logger.Info("message edited", slog.String("id", ev.Message.ID), slog.String("change", ev.EditSummary))
	case client.EventRateLimited:
		s.logger.Warn("rate limited", slog.Duration("retry_after", ev.RetryAfter))
	case client.EventSynced, client.EventHistoryLoaded:
		s.logger.Info(ev.Kind.String(), slog.String("conversation", ev.ConversationID), slog.Int("count", ev.Count))
	}
}

func (s *session) onConnection(ev relay.ConnectionEvent) {
	switch ev.Kind {
	case relay.EventConnected:
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()

		if token != s.state.Token() {
			if err := s.state.SetToken(token); err != nil {
				s.logger.Warn("failed to save token", slog.String("error", err.Error()))
			}
		}
	case relay.EventAuthFailed:
		s.logger.Error("relay rejected the credential, waiting for a new one")
	case relay.EventReconnectFailed:
		s.logger.Error("relay unreachable, giving up until the next health check")
	}
}

// rotate hands a replacement credential to the relay manager. A live
// connection keeps running; a session waiting after a rejected or
// exhausted reconnect redials with the new token and resumes.
func (s *session) rotate(token string) {
	if err := credential.CheckExpiry(token, time.Now()); err != nil {
		s.logger.Warn("ignoring rotated credential", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	s.logger.Info("credential rotated", slog.String("relay", s.mgr.Status().String()))
	s.mgr.SetCredential(token)
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, c *client.Client, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatcore-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, c)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		APIKey:     cfg.MCPAPIKey,
		Logger:     mcpLogger,
		Status:     func() string { return c.Status().String() },
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// runConsole reads commands from r until EOF or cancellation. Lines
// not starting with "/" are sent as messages.
func runConsole(ctx context.Context, r io.Reader, c *client.Client, logger *slog.Logger) {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}

			if err := consoleCommand(ctx, c, line); err != nil {
				logger.Warn("command failed", slog.String("input", line), slog.String("error", err.Error()))
			}
		}
	}
}

func consoleCommand(ctx context.Context, c *client.Client, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		_, err := c.Send(ctx, chat.SendRequest{Content: line})
		return err
	}

	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	kind := call.Kind(arg(1))
	if kind == "" {
		kind = call.Voice
	}

	switch fields[0] {
	case "/open":
		return c.SwitchConversation(ctx, arg(1), arg(2))
	case "/edit":
		return c.Edit(ctx, arg(1), strings.Join(fields[min(2, len(fields)):], " "))
	case "/delete":
		return c.Delete(ctx, arg(1))
	case "/call":
		return c.StartCall(ctx, kind)
	case "/accept":
		return c.AcceptCall(ctx, kind)
	case "/reject":
		return c.RejectCall(ctx, kind)
	case "/hangup":
		return c.EndCall(ctx, kind)
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}
