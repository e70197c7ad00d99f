package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/coderoom/internal/broker"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
)

// Broker is the part of the session broker a transport drives.
type Broker interface {
	HandleFrame(ctx context.Context, gw broker.Gateway, frame []byte)
	Disconnect(gw broker.Gateway)
}

type Options struct {
	// Origins allowed to open a socket. Empty or "*" allows any.
	AllowedOrigins []string
	// A peer that sends nothing, not even a pong, for this long is stale.
	PongWait time.Duration
	// Defaults to nine tenths of PongWait
	PingPeriod time.Duration
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Server upgrades HTTP requests into broker gateways.
type Server struct {
	broker   Broker
	limiters *ratelimit.ClientLimiters
	log      *zap.Logger
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(b Broker, limiters *ratelimit.ClientLimiters, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		broker:   b,
		limiters: limiters,
		log:      log,
		opts:     opts.withDefaults(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 || lo.Contains(s.opts.AllowedOrigins, "*") {
		return true
	}
	return lo.ContainsBy(s.opts.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(s, conn)
	client.log.Debug("gateway connected", zap.String("remote", conn.RemoteAddr().String()))

	// the request context ends when this handler returns
	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump()
	go func() {
		defer cancel()
		client.readPump(ctx)
	}()
}
