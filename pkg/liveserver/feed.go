package liveserver

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_router_ws_active_connections",
		Help: "Current number of live feed websocket connections",
	})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_router_ws_rejected_total",
		Help: "Total number of rejected live feed connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type FeedConfig struct {
	AllowedOrigins []string
	MaxConnections int
	RateLimit      float64 // new connections per second per IP
	RateBurst      int
	Production     bool
}

func (c *FeedConfig) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
}

// Feed is the /ws handler. Connections are capped globally and rate limited per IP before upgrade.
type Feed struct {
	hub      *Hub
	logger   Logger
	cfg      FeedConfig
	upgrader websocket.Upgrader

	connSemaphore chan struct{}
	ipLimiters    sync.Map // map[string]*rate.Limiter
}

func NewFeed(hub *Hub, logger Logger, cfg FeedConfig) *Feed {
	cfg.setDefaults()
	f := &Feed{
		hub:           hub,
		logger:        logger,
		cfg:           cfg,
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     f.checkOrigin,
	}
	return f
}

func (f *Feed) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		f.warn("Rejected live feed connection with missing Origin header", "remote_addr", r.RemoteAddr)
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		f.warn("Rejected live feed connection with invalid Origin", "origin", origin, "error", err)
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range f.cfg.AllowedOrigins {
		if allowed == "*" {
			if f.cfg.Production {
				f.warn("Rejected wildcard origin in production mode", "origin", origin)
				break
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	f.warn("Rejected live feed connection from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !f.limiter(ip).Allow() {
		f.warn("IP rate limit exceeded", "ip", ip)
		websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case f.connSemaphore <- struct{}{}:
		websocketActiveConnections.Inc()
		defer func() {
			<-f.connSemaphore
			websocketActiveConnections.Dec()
		}()
	default:
		f.warn("Max connections reached", "max", f.cfg.MaxConnections)
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.New().String())
	f.hub.Register(client)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		f.readPump(conn, client)
	}()
	wg.Wait()

	f.hub.Unregister(client)
}

func (f *Feed) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// unblock readPump
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				f.warn("Write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services pongs and close frames; clients never send data
func (f *Feed) readPump(conn *websocket.Conn, client *Client) {
	defer f.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.warn("Read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (f *Feed) limiter(ip string) *rate.Limiter {
	if val, ok := f.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := f.ipLimiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(f.cfg.RateLimit), f.cfg.RateBurst))
	return actual.(*rate.Limiter)
}

func (f *Feed) warn(msg string, kv ...interface{}) {
	if f.logger != nil {
		f.logger.Warn(msg, kv...)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
