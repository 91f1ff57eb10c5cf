package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"nhooyr.io/websocket"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/config"
	"aiconsole/internal/infra/middleware"
	"aiconsole/internal/usecase/chat"
)

// ServerOptions configures the gateway server.
type ServerOptions struct {
	Config   config.GatewayConfig
	Hub      *Hub
	Handlers *Handlers
	Bus      domain.EventBus // can be nil
	// MetricsHandler is mounted at MetricsPath when non-nil.
	MetricsHandler http.Handler
	MetricsPath    string
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready   func(ctx context.Context) error
	Status  StatusSource
	Version string
	NodeID  string
	Logger  *slog.Logger
}

// Server is the HTTP and websocket front of the console.
type Server struct {
	opts      ServerOptions
	origins   []string
	startedAt time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsub     func()
}

// NewServer creates a gateway server.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Config.WriteTimeout <= 0 {
		opts.Config.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		opts:      opts,
		origins:   originPatterns(opts.Config.AllowedOrigins),
		startedAt: time.Now(),
	}
	s.forwardAssetEvents()
	return s
}

// Handler builds the router. ctx bounds background goroutines of the
// middleware stack.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(s.opts.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if rl := s.opts.Config.RateLimit; rl.Enabled {
		r.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{RPS: rl.RPS, Burst: rl.Burst}))
	}

	r.Get("/ws", s.handleUpgrade)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/api/v1/status", s.handleStatus)
	if s.opts.MetricsHandler != nil {
		r.Handle(s.opts.MetricsPath, s.opts.MetricsHandler)
	}
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Config.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.opts.Logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil {
			s.opts.Logger.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every connection, shuts the HTTP server down and waits for
// running turns.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.opts.Hub.mu.RLock()
	conns := make([]*conn, 0, len(s.opts.Hub.conns))
	for _, c := range s.opts.Hub.conns {
		conns = append(conns, c)
	}
	s.opts.Hub.mu.RUnlock()
	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	return errors.Join(err, s.opts.Handlers.Wait(ctx))
}

// BoundAddr returns the address the server listens on. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// forwardAssetEvents turns asset reload events into assets_updated
// messages for every client.
func (s *Server) forwardAssetEvents() {
	if s.opts.Bus == nil {
		return
	}
	unsub := s.opts.Bus.Subscribe(domain.EventAssetsReloaded, func(ctx context.Context, ev domain.Event) {
		var p domain.AssetsReloadedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		s.opts.Hub.SendToAll(ctx, domain.AssetsUpdatedServerMessage{AssetType: p.AssetType, Count: p.Count})
	})
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.opts.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	if s.opts.Config.MaxMessage > 0 {
		ws.SetReadLimit(s.opts.Config.MaxMessage)
	}

	c := s.opts.Hub.register(chat.NewID(), ws)
	s.opts.Logger.Info("websocket client connected", "conn_id", c.id, "remote", r.RemoteAddr)
	ctx := r.Context()
	s.opts.Handlers.Connected(ctx, c.id)

	go s.writeLoop(c)
	s.readLoop(ctx, c)

	s.opts.Handlers.Disconnected(context.WithoutCancel(ctx), c)
	c.close(websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !c.closed() && ctx.Err() == nil {
				s.opts.Logger.Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.opts.Handlers.respondErr(c, ClientMessage{},
				domain.NewDomainError("Server.readLoop", domain.ErrInvalidPayload, err.Error()))
			continue
		}
		if !c.limiter.Allow() {
			s.opts.Handlers.respondErr(c, msg,
				domain.NewDomainError("Server.readLoop", domain.ErrRateLimit, "too many client messages"))
			continue
		}
		s.opts.Handlers.Handle(ctx, c, msg)
	}
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.Config.WriteTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.opts.Logger.Debug("websocket write failed", "conn_id", c.id, "error", err)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// originPatterns turns allowed origins into websocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
