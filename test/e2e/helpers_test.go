package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatcore/internal/client"
	"github.com/alexjbarnes/chatcore/internal/credential"
	"github.com/alexjbarnes/chatcore/internal/keyring"
	"github.com/alexjbarnes/chatcore/internal/logging"
	"github.com/alexjbarnes/chatcore/internal/mcpserver"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/alexjbarnes/chatcore/internal/relay"
	"github.com/alexjbarnes/chatcore/internal/server"
	"github.com/alexjbarnes/chatcore/internal/state"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	conversationID = "conv-ab"
	testAPIKey     = "e2e-test-api-key-long-enough"
)

// fakeRelay is a minimal in-process relay: tokens are user ids, messages
// are stored in memory and fanned out to the sender and recipient.
type fakeRelay struct {
	t   *testing.T
	URL string

	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	keys     map[string]string
	messages []models.Message
	nextID   int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	r := &fakeRelay{
		t:     t,
		conns: make(map[string]*websocket.Conn),
		keys:  make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWS)
	mux.HandleFunc("POST /api/messages", r.handlePost)
	mux.HandleFunc("GET /api/conversations/{id}/messages", r.handleHistory)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	r.URL = ts.URL

	return r
}

func (r *fakeRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.URL, "http") + "/ws"
}

// stored returns a copy of every message the relay has accepted.
func (r *fakeRelay) stored() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]models.Message(nil), r.messages...)
}

func (r *fakeRelay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := req.Context()

	var auth struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}

	if !r.read(ctx, conn, &auth) || auth.Data.Token == "" {
		r.write(ctx, conn, relay.FrameAuthError, models.AuthResult{Message: "missing token"})
		return
	}

	user := auth.Data.Token
	r.write(ctx, conn, relay.FrameAuthOK, models.AuthResult{UserID: user})

	r.mu.Lock()
	r.conns[user] = conn
	known := make(map[string]string, len(r.keys))
	for u, k := range r.keys {
		if u != user {
			known[u] = k
		}
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.conns[user] == conn {
			delete(r.conns, user)
		}
		r.mu.Unlock()
	}()

	for u, k := range known {
		r.write(ctx, conn, relay.FramePeerPublicKey, models.PublicKey{UserID: u, PublicKey: k})
	}

	for {
		var f relay.Frame
		if !r.read(ctx, conn, &f) {
			return
		}

		r.route(ctx, user, conn, f)
	}
}

func (r *fakeRelay) route(ctx context.Context, user string, conn *websocket.Conn, f relay.Frame) {
	switch f.Type {
	case relay.FramePing:
		r.write(ctx, conn, relay.FramePong, nil)

	case relay.FrameSendMessage:
		var sm models.SendMessage
		if f.Decode(&sm) == nil {
			msg := r.store(user, sm)
			r.deliver(ctx, relay.FrameNewMessage, msg, user, sm.RecipientID)
		}

	case relay.FramePublishPublicKey:
		var pk models.PublicKey
		if f.Decode(&pk) == nil {
			r.mu.Lock()
			r.keys[user] = pk.PublicKey
			r.mu.Unlock()

			r.broadcast(ctx, relay.FramePeerPublicKey, models.PublicKey{UserID: user, PublicKey: pk.PublicKey}, user)
		}

	case relay.FrameTyping:
		var ty models.Typing
		if f.Decode(&ty) == nil {
			ty.UserID = user
			r.broadcast(ctx, relay.FrameTyping, ty, user)
		}

	case relay.FrameCallOffer, relay.FrameCallAnswer, relay.FrameCallICE, relay.FrameCallReject, relay.FrameCallEnd:
		var sig models.CallSignal
		if f.Decode(&sig) == nil {
			sig.From = user
			r.deliver(ctx, f.Type, sig, sig.To)
		}
	}
}

func (r *fakeRelay) store(sender string, sm models.SendMessage) models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	msg := models.Message{
		ID:             fmt.Sprintf("m-%03d", r.nextID),
		ConversationID: sm.ConversationID,
		SenderID:       sender,
		RecipientID:    sm.RecipientID,
		Type:           sm.Type,
		Content:        sm.Content,
		Ciphertext:     sm.Ciphertext,
		Nonce:          sm.Nonce,
		Timestamp:      time.Now().UTC(),
	}
	r.messages = append(r.messages, msg)

	return msg
}

// deliver writes a frame to each listed user that is connected.
func (r *fakeRelay) deliver(ctx context.Context, typ string, payload interface{}, users ...string) {
	r.mu.Lock()
	var targets []*websocket.Conn
	for _, u := range users {
		if c, ok := r.conns[u]; ok {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		r.write(ctx, c, typ, payload)
	}
}

func (r *fakeRelay) broadcast(ctx context.Context, typ string, payload interface{}, except string) {
	r.mu.Lock()
	var users []string
	for u := range r.conns {
		if u != except {
			users = append(users, u)
		}
	}
	r.mu.Unlock()

	r.deliver(ctx, typ, payload, users...)
}

func (r *fakeRelay) read(ctx context.Context, conn *websocket.Conn, v interface{}) bool {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return false
	}

	return json.Unmarshal(data, v) == nil
}

func (r *fakeRelay) write(ctx context.Context, conn *websocket.Conn, typ string, payload interface{}) {
	f := relay.Frame{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.t.Errorf("marshalling %s: %v", typ, err)
			return
		}
		f.Data = data
	}

	data, err := json.Marshal(f)
	if err != nil {
		r.t.Errorf("marshalling frame: %v", err)
		return
	}

	_ = conn.Write(ctx, websocket.MessageText, data)
}

func bearerUser(req *http.Request) string {
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
}

func (r *fakeRelay) handlePost(w http.ResponseWriter, req *http.Request) {
	user := bearerUser(req)
	if user == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var sm models.SendMessage
	if err := json.NewDecoder(req.Body).Decode(&sm); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	msg := r.store(user, sm)
	r.deliver(req.Context(), relay.FrameNewMessage, msg, user, sm.RecipientID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

func (r *fakeRelay) handleHistory(w http.ResponseWriter, req *http.Request) {
	if bearerUser(req) == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conv := req.PathValue("id")

	var out []models.Message
	for _, m := range r.stored() {
		if m.ConversationID == conv {
			out = append(out, m)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"messages": out})
}

// peer is one connected chat client with its own state file and
// keyring.
type peer struct {
	ID     string
	Client *client.Client
	Keys   *keyring.Keyring
	Relay  *relay.Manager
}

func newPeer(t *testing.T, r *fakeRelay, userID string) *peer {
	t.Helper()

	logger := logging.Discard()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	keys := keyring.New(st, logger)
	t.Cleanup(keys.Close)

	mgr := relay.NewManager(relay.Config{URL: r.wsURL()}, logger)

	c := client.New(client.Config{
		SelfID:     userID,
		AckTimeout: 5 * time.Second,
	}, client.Deps{
		Relay:  mgr,
		API:    relay.NewAPIClient(r.URL, credential.NewStatic(userID), nil),
		Keys:   keys,
		Logger: logger,
	})
	t.Cleanup(c.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, mgr.Connect(ctx, userID))
	t.Cleanup(mgr.Disconnect)

	return &peer{ID: userID, Client: c, Keys: keys, Relay: mgr}
}

// knows reports whether p has cached other's public key.
func (p *peer) knows(other *peer) bool {
	_, ok := p.Keys.PeerKey(other.ID)
	return ok
}

// find returns the first non-temporary message in p's timeline with the
// given content.
func (p *peer) find(content string) (models.Message, bool) {
	for _, m := range p.Client.Messages(100) {
		if m.Content == content && !m.Temporary {
			return m, true
		}
	}

	return models.Message{}, false
}

// mcpSession serves MCP tools for c behind the API key middleware and
// returns a connected session.
func mcpSession(t *testing.T, c *client.Client) *mcp.ClientSession {
	t.Helper()

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatcore-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, c)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		APIKey:     testAPIKey,
		Logger:     logging.Discard(),
	}))
	t.Cleanup(ts.Close)

	transport := &mcp.StreamableClientTransport{
		Endpoint: ts.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: testAPIKey,
				base:  ts.Client().Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	mc := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := mc.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that adds a Bearer token to
// every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the text from the first TextContent in a
// CallToolResult.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return tc.Text
}
