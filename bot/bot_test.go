package bot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testCommandName = "stub"
	testGuildID     = "405159462932971535"
	testChannelID   = "704196071881965589"
	followupTimeout = 5 * time.Second
)

// stubSession records follow-ups instead of sending them to discord.
// Edits are also delivered on edits, so tests can wait for them.
type stubSession struct {
	mock.Mock
	edits chan *discordgo.WebhookEdit
}

func newStubSession() *stubSession {
	s := &stubSession{edits: make(chan *discordgo.WebhookEdit, 10)}
	s.On("InteractionResponseEdit", mock.Anything, mock.Anything).
		Return(&discordgo.Message{}, nil)
	s.On("ApplicationCommandBulkOverwrite", mock.Anything, mock.Anything, mock.Anything).
		Return(nil)
	return s
}

func (s *stubSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	args := s.Called(interaction, newresp)
	s.edits <- newresp
	msg, _ := args.Get(0).(*discordgo.Message)
	return msg, args.Error(1)
}

func (s *stubSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	args := s.Called(appID, guildID, commands)
	return commands, args.Error(0)
}

func (s *stubSession) waitForEdit(t testing.TB) *discordgo.WebhookEdit {
	t.Helper()
	select {
	case edit := <-s.edits:
		return edit
	case <-time.After(followupTimeout):
		t.Fatal("timed out waiting for follow-up")
		return nil
	}
}

// stubCommand answers with a fixed follow-up or error
type stubCommand struct {
	content    string
	err        error
	panicWith  any
	visibility VisibilityConfig
}

func (s *stubCommand) ApplicationCommand() *discordgo.ApplicationCommand {
	return slashCommand(testCommandName, "stub command")
}

func (*stubCommand) PendingMessage() string {
	return "Working..."
}

func (s *stubCommand) Visibility() VisibilityConfig {
	return s.visibility
}

func (s *stubCommand) Execute(
	_ context.Context,
	_ *discordgo.InteractionCreate,
) (*discordgo.WebhookEdit, error) {
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.err != nil {
		return nil, s.err
	}
	content := s.content
	return &discordgo.WebhookEdit{Content: &content}, nil
}

// newTestConfig returns the default config with a freshly generated
// discord key pair
func newTestConfig(t testing.TB) (*Config, ed25519.PrivateKey) {
	t.Helper()
	gin.DefaultWriter = io.Discard
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "123456789"
	cfg.Discord.PublicKey = hex.EncodeToString(pub)
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg, priv
}

// newTestBot returns a Bot serving cmd, with discord calls stubbed out
func newTestBot(t testing.TB, cfg *Config, cmd Command) (*Bot, *stubSession) {
	t.Helper()
	b, err := New(cfg, cmd)
	require.NoError(t, err)
	session := newStubSession()
	b.discord.session = session

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(
		func() {
			cancel()
			b.followups.Wait()
		},
	)
	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b)
	return b, session
}

func signedRequest(t testing.TB, key ed25519.PrivateKey, path string, body []byte) *http.Request {
	t.Helper()
	timestamp := time.Now().UTC().Format(time.RFC3339)
	sig := ed25519.Sign(key, append([]byte(timestamp), body...))

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	return req
}

func pingPayload(t testing.TB) []byte {
	t.Helper()
	data, err := json.Marshal(
		map[string]any{
			"id":             "1",
			"application_id": "123456789",
			"type":           discordgo.InteractionPing,
			"token":          "interaction-token",
			"version":        1,
		},
	)
	require.NoError(t, err)
	return data
}

func commandPayload(t testing.TB, name string, options ...map[string]any) []byte {
	t.Helper()
	commandData := map[string]any{
		"id":   "2",
		"name": name,
		"type": discordgo.ChatApplicationCommand,
	}
	if len(options) > 0 {
		commandData["options"] = options
	}
	data, err := json.Marshal(
		map[string]any{
			"id":             "1",
			"application_id": "123456789",
			"type":           discordgo.InteractionApplicationCommand,
			"token":          "interaction-token",
			"version":        1,
			"guild_id":       testGuildID,
			"channel_id":     testChannelID,
			"member": map[string]any{
				"user": map[string]any{"id": "42", "username": "someone"},
			},
			"data": commandData,
		},
	)
	require.NoError(t, err)
	return data
}

type testInteractionResponse struct {
	Type discordgo.InteractionResponseType `json:"type"`
	Data *struct {
		Content string                 `json:"content"`
		Flags   discordgo.MessageFlags `json:"flags"`
	} `json:"data"`
}

func serve(t testing.TB, b *Bot, req *http.Request) (*httptest.ResponseRecorder, testInteractionResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	b.webhookServer.engine.ServeHTTP(w, req)

	var response testInteractionResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w, response
}

func TestWebhookPing(t *testing.T) {
	cfg, key := newTestConfig(t)
	b, _ := newTestBot(t, cfg, &stubCommand{})

	w, response := serve(t, b, signedRequest(t, key, cfg.WebhookServer.Path, pingPayload(t)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, discordgo.InteractionResponsePong, response.Type)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestWebhookInvalidSignature(t *testing.T) {
	cfg, _ := newTestConfig(t)
	b, _ := newTestBot(t, cfg, &stubCommand{})

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	w, _ := serve(t, b, signedRequest(t, otherKey, cfg.WebhookServer.Path, pingPayload(t)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, cfg.WebhookServer.Path, bytes.NewReader(pingPayload(t)))
	w, _ = serve(t, b, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookTamperedBody(t *testing.T) {
	cfg, key := newTestConfig(t)
	b, _ := newTestBot(t, cfg, &stubCommand{})

	req := signedRequest(t, key, cfg.WebhookServer.Path, pingPayload(t))
	req.Body = io.NopCloser(strings.NewReader(`{"type":1,"id":"2"}`))
	w, _ := serve(t, b, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookCommandFollowup(t *testing.T) {
	cfg, key := newTestConfig(t)
	b, session := newTestBot(t, cfg, &stubCommand{content: "all good"})

	w, response := serve(t, b, signedRequest(t, key, cfg.WebhookServer.Path, commandPayload(t, testCommandName)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, response.Type)
	require.NotNil(t, response.Data)
	assert.Equal(t, "Working...", response.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsSuppressEmbeds, response.Data.Flags)

	edit := session.waitForEdit(t)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "all good", *edit.Content)
	assert.Equal(t, int64(1), b.metricCommandsHandled.Load())
}

func TestWebhookCommandEphemeral(t *testing.T) {
	cfg, key := newTestConfig(t)
	cmd := &stubCommand{
		content: "quiet",
		visibility: VisibilityConfig{
			GuildID:         testGuildID,
			QuietChannelIDs: []string{testChannelID},
		},
	}
	b, session := newTestBot(t, cfg, cmd)

	_, response := serve(t, b, signedRequest(t, key, cfg.WebhookServer.Path, commandPayload(t, testCommandName)))
	require.NotNil(t, response.Data)
	assert.Equal(
		t,
		discordgo.MessageFlagsSuppressEmbeds|discordgo.MessageFlagsEphemeral,
		response.Data.Flags,
	)
	session.waitForEdit(t)
}

func TestWebhookCommandUpstreamNotFound(t *testing.T) {
	cfg, key := newTestConfig(t)
	cmd := &stubCommand{
		err: &StatusError{
			Service:    "map",
			URL:        "https://maps.example/static",
			StatusCode: http.StatusNotFound,
			Status:     "404 Not Found",
		},
	}
	b, session := newTestBot(t, cfg, cmd)

	w, _ := serve(t, b, signedRequest(t, key, cfg.WebhookServer.Path, commandPayload(t, testCommandName)))
	require.Equal(t, http.StatusOK, w.Code)

	edit := session.waitForEdit(t)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "Not Found", *edit.Content)
	assert.LessOrEqual(t, utf8.RuneCountInString(*edit.Content), shortMessageLength+len(ellipsis))
	assert.Equal(t, int64(1), b.metricCommandsFailed.Load())
}

func TestWebhookCommandLongError(t *testing.T) {
	cfg, key := newTestConfig(t)
	cmd := &stubCommand{err: errors.New("dial tcp 203.0.113.7:443: connect: connection refused")}
	b, session := newTestBot(t, cfg, cmd)

	serve(t, b, signedRequest(t, key, cfg.WebhookServer.Path, commandPayload(t, testCommandName)))

	edit := session.waitForEdit(t)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "dial tcp 203.0.113.7:443: connec...", *edit.Content)
	assert.Len(t, *edit.Content, 35)
}

func TestWebhookUnknownCommand(t *testing.T) {
	cfg, key := newTestConfig(t)
	b, session := newTestBot(t, cfg, &stubCommand{})

	w, response := serve(t, b, signedRequest(t, key, cfg.WebhookServer.Path, commandPayload(t, "other")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, response.Type)
	require.NotNil(t, response.Data)
	assert.Equal(t, unknownCommandMessage, response.Data.Content)

	select {
	case <-session.edits:
		t.Fatal("unexpected follow-up")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterCommands(t *testing.T) {
	cfg, _ := newTestConfig(t)
	b, session := newTestBot(t, cfg, &stubCommand{})

	created, err := b.RegisterCommands()
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, testCommandName, created[0].Name)
	session.AssertCalled(
		t,
		"ApplicationCommandBulkOverwrite",
		cfg.Discord.ApplicationID,
		cfg.Discord.GuildID,
		mock.MatchedBy(
			func(commands []*discordgo.ApplicationCommand) bool {
				return len(commands) == 1 && commands[0].Name == testCommandName
			},
		),
	)
}

func TestSlashCommand(t *testing.T) {
	option := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "imo",
		Description: "IMO number",
	}
	c := slashCommand("vessel", "Where is the vessel?", option)
	assert.Equal(t, "vessel", c.Name)
	assert.Equal(t, discordgo.ChatApplicationCommand, c.Type)
	require.NotNil(t, c.DMPermission)
	assert.True(t, *c.DMPermission)
	assert.Equal(t, []*discordgo.ApplicationCommandOption{option}, c.Options)
}

func TestWebhookCommandPanicSendsFollowup(t *testing.T) {
	cfg, key := newTestConfig(t)
	b, session := newTestBot(t, cfg, &stubCommand{panicWith: "boom"})

	w, response := serve(t, b, signedRequest(t, key, cfg.WebhookServer.Path, commandPayload(t, testCommandName)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, response.Type)

	edit := session.waitForEdit(t)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "panic: boom", *edit.Content)

	b.followups.Wait()
	session.AssertNumberOfCalls(t, "InteractionResponseEdit", 1)
	assert.Equal(t, int64(1), b.metricCommandsFailed.Load())
	assert.Equal(t, int64(1), b.discord.metricFollowupsSent.Load())
}

func TestWebhookCommandNilMapPanic(t *testing.T) {
	cfg, key := newTestConfig(t)
	cmd := &stubCommand{}
	var counts map[string]int
	cmd.panicWith = func() (rc any) {
		defer func() { rc = recover() }()
		counts["x"]++
		return nil
	}()
	b, session := newTestBot(t, cfg, cmd)

	serve(t, b, signedRequest(t, key, cfg.WebhookServer.Path, commandPayload(t, testCommandName)))

	edit := session.waitForEdit(t)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "panic: assignment to entry in ni...", *edit.Content)
	b.followups.Wait()
	session.AssertNumberOfCalls(t, "InteractionResponseEdit", 1)
}

func TestHandleRecover(t *testing.T) {
	cfg, _ := newTestConfig(t)
	b, _ := newTestBot(t, cfg, &stubCommand{})

	assert.NotPanics(
		t, func() {
			defer func() {
				if rc := recover(); rc != nil {
					b.handleRecover(context.Background(), rc)
				}
			}()
			panic("oh no")
		},
	)
}

func TestNewInvalidPublicKey(t *testing.T) {
	cfg, _ := newTestConfig(t)
	cfg.Discord.PublicKey = "not hex"
	_, err := New(cfg, &stubCommand{})
	assert.Error(t, err)
}
