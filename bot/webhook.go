package bot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	// MapRoutePrefix is where cached map images are served from
	MapRoutePrefix = "/map"

	// maxInteractionBody caps the size of an interaction payload
	maxInteractionBody = 1 << 20
)

type httpError struct {
	Error string `json:"error"`
}

// WebhookServer receives Discord interactions over HTTP, and serves
// any extra routes a command provides.
type WebhookServer struct {
	config     *WebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// routeProvider is implemented by commands serving their own HTTP routes
// next to the interaction endpoint.
type routeProvider interface {
	addRoutes(r gin.IRouter, corsMiddleware gin.HandlerFunc)
}

// newWebhookServer creates and returns a new [WebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(b *Bot) (*WebhookServer, error) {
	config := b.config.WebhookServer
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "webhook_server")

	if b.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	w := &WebhookServer{config: config, engine: r, logger: logger}

	httpServer := &http.Server{
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL != nil && config.SSL.CertFile != "" {
		minVersion := config.SSL.TLSMinVersion
		if minVersion == 0 {
			minVersion = DefaultWebhookServerTLSMinVersion
		}
		tlsCfg, err := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, minVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	w.httpServer = httpServer

	r.Use(requestIDMiddleware(), ginLoggingMiddleware(logger))

	r.POST(
		config.Path,
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
		func(c *gin.Context) {
			b.webhookInteractionHandler(c)
		},
	)

	if rp, ok := b.command.(routeProvider); ok {
		rp.addRoutes(r, cors.New(config.CORS.GINConfig()))
	}

	if b.config.Development {
		pprof.Register(r)
	}
	return w, nil
}

// Serve listens on the configured network and address, and serves until
// the server is shut down. Unix sockets get the configured file mode.
func (w *WebhookServer) Serve(ctx context.Context) error {
	network := w.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}

	if network == "unix" {
		if err := removeStaleSocket(w.config.Listen); err != nil {
			return err
		}
	}

	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, w.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s %s: %w", network, w.config.Listen, err)
	}

	if network == "unix" {
		if err = os.Chmod(w.config.Listen, w.config.SocketMode); err != nil {
			_ = ln.Close()
			return fmt.Errorf("error setting socket mode: %w", err)
		}
	}

	if w.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, w.httpServer.TLSConfig)
	} else {
		w.logger.WarnContext(ctx, "starting server without TLS")
	}

	w.mu.Lock()
	w.listener = ln
	w.mu.Unlock()

	w.logger.InfoContext(
		ctx, "webhook server listening",
		"network", network,
		"address", ln.Addr().String(),
	)
	return w.httpServer.Serve(ln)
}

// Addr returns the listener's address, or nil if the server isn't
// listening yet.
func (w *WebhookServer) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// Shutdown gracefully stops the server, and removes the socket file when
// listening on a unix socket.
func (w *WebhookServer) Shutdown(ctx context.Context) error {
	err := w.httpServer.Shutdown(ctx)
	if w.config.ListenNetwork == "unix" {
		if rmErr := os.Remove(w.config.Listen); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("error removing socket: %w", rmErr))
		}
	}
	return err
}

// removeStaleSocket removes a socket file left behind at path, refusing
// to touch anything that isn't a socket.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions. ctx outlives the request, so follow-ups started
// by the handler keep running after the acknowledgement is written.
func webhookReceiveHandler(ctx context.Context, b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInteractionBody))
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		if interaction.Interaction == nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "missing interaction"})
			return
		}

		response, startFollowup := b.handleInteraction(runCtx, &interaction)
		if response == nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "unsupported interaction"})
			return
		}
		c.JSON(http.StatusOK, response)
		if startFollowup != nil {
			c.Writer.Flush()
			startFollowup()
		}
	}
}

// mapImageHandler serves cached map images. A miss is a 404; it never
// triggers a fetch.
func mapImageHandler(cache *MapCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSuffix(c.Param("key"), ".png")
		data, ok := cache.Get(key)
		if !ok {
			c.JSON(http.StatusNotFound, httpError{Error: "not found"})
			return
		}
		c.Data(http.StatusOK, "image/png", data)
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !verifyRequest(c.Request, publicKey) {
			logger.WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the ed25519 signature Discord sends over the
// timestamp header and the request body. The body is left readable for
// the next handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(io.LimitReader(r.Body, maxInteractionBody), &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by ginLoggingMiddleware,
// or slog.Default() outside of it.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware attaches a request-scoped logger to the gin context,
// and logs each request once it's finished.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_addr", c.Request.RemoteAddr,
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}
