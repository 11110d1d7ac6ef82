// Package httpapi serves the liveness surface used by the hosting platform.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/salesboard/internal/period"
)

// Status is a point-in-time view of the running bot.
type Status struct {
	Connected  bool        `json:"connected"`
	BotUser    string      `json:"botUser,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	Timezone   string      `json:"timezone"`
	Agents     int         `json:"agents"`
	DailyTotal string      `json:"dailyTotal"`
	LastReset  period.Tags `json:"lastReset"`
	LastSync   *time.Time  `json:"lastSync,omitempty"`
	SyncOK     bool        `json:"syncOk"`
}

type StatusProvider interface {
	Status() Status
}

var statusPage = template.Must(template.New("status").Parse(`<!doctype html>
<html><head><title>Sales Leaderboard Bot</title></head>
<body>
<h1>Sales Leaderboard Bot</h1>
<p>Status: {{if .Connected}}connected{{if .BotUser}} as {{.BotUser}}{{end}}{{else}}connecting{{end}}</p>
<p>Up since {{.StartedAt.Format "2006-01-02 15:04:05 MST"}} ({{.Timezone}})</p>
<p>{{.Agents}} agents on today's board, {{.DailyTotal}} AP</p>
<p>Periods: {{.LastReset.Daily}} / {{.LastReset.Weekly}} / {{.LastReset.Monthly}}</p>
</body></html>
`))

// NewRouter builds the gin engine. Callers pick the gin mode.
func NewRouter(p StatusProvider) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.SetHTMLTemplate(statusPage)

	r.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "status", p.Status())
	})
	r.GET("/health", func(c *gin.Context) {
		s := p.Status()
		state := "ok"
		if !s.Connected {
			state = "starting"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    state,
			"uptimeSec": int64(time.Since(s.StartedAt).Seconds()),
			"bot":       s,
		})
	})
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

type Server struct {
	srv *http.Server
}

func NewServer(host string, port int, p StatusProvider) *Server {
	return &Server{srv: &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           NewRouter(p),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

func (s *Server) Addr() string { return s.srv.Addr }

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	log.Printf("[http] listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Printf("[http] stopped")
		return nil
	}
}
