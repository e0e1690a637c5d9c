package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"lendbridge/gateway/middleware"
	"lendbridge/observability"
	"lendbridge/orchestrator"
	"lendbridge/relay"
)

const sessionReadLimit = 64 << 10

type session struct {
	id       string
	server   *Server
	conn     *websocket.Conn
	sub      *relay.Subscriber
	limiter  *rate.Limiter
	inflight chan struct{}
	logger   *slog.Logger
	handlers sync.WaitGroup
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.cfg.AllowedOrigins)})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session closed")
	conn.SetReadLimit(sessionReadLimit)

	sess := &session{
		id:       uuid.NewString(),
		server:   s,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSec), s.cfg.Burst),
		inflight: make(chan struct{}, s.cfg.MaxInFlight),
	}
	sess.logger = s.logger.With("session", sess.id)
	if subject := middleware.Subject(r.Context()); subject != "" {
		sess.logger = sess.logger.With("subject", subject)
	}
	sess.serve(r.Context())
}

// originPatterns turns configured origins into the host patterns the
// websocket handshake matches against. No origins means same-origin only.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

func (sess *session) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	hub := sess.server.cfg.Hub
	sess.sub = hub.Register(sess.id)
	observability.Sessions().SetActive(int(sess.server.sessions.Add(1)))
	sess.logger.Info("session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(ctx, cancel)
	}()

	sess.readLoop(ctx)
	cancel()
	sess.handlers.Wait()
	hub.Unregister(sess.id)
	<-writerDone

	observability.Sessions().SetActive(int(sess.server.sessions.Add(-1)))
	sess.logger.Info("session closed")
}

func (sess *session) readLoop(ctx context.Context) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				sess.logger.Debug("session read failed", "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.reply(errorMessage(opUnknown, "", validationFailure("frame", "not a JSON object")))
			continue
		}
		if !sess.limiter.Allow() {
			observability.Sessions().RecordThrottle("session")
			sess.reply(errorMessage(f.Event, f.ID, &orchestrator.Error{
				Kind:    orchestrator.KindRejected,
				Outcome: orchestrator.OutcomeNotMoved,
				Op:      f.Event,
				Detail:  "too many requests; nothing was submitted",
			}))
			continue
		}
		select {
		case sess.inflight <- struct{}{}:
		case <-ctx.Done():
			return
		}
		sess.handlers.Add(1)
		go func(f frame) {
			defer func() {
				<-sess.inflight
				sess.handlers.Done()
			}()
			sess.dispatch(ctx, f)
		}(f)
	}
}

func (sess *session) dispatch(ctx context.Context, f frame) {
	start := time.Now()
	rt, ok := requestRoutes[f.Event]
	if !ok {
		observability.Sessions().Observe(opUnknown, string(orchestrator.KindValidation), time.Since(start))
		sess.reply(errorMessage(opUnknown, f.ID, validationFailure("event", fmt.Sprintf("unknown request %q", f.Event))))
		return
	}
	p, err := decodePayload(f.Data)
	var result interface{}
	if err == nil {
		result, err = rt.handle(ctx, sess, f.ID, p)
	}
	if err != nil {
		msg := errorMessage(rt.op, f.ID, err)
		body := msg.Data.(errorBody)
		observability.Sessions().Observe(rt.op, body.Kind, time.Since(start))
		sess.logger.Info("request failed",
			"event", f.Event,
			"id", f.ID,
			"kind", body.Kind,
			"outcome", body.Outcome,
			"tx_hash", body.TxHash)
		sess.reply(msg)
		return
	}
	observability.Sessions().Observe(rt.op, "success", time.Since(start))
	sess.reply(relay.Message{Event: rt.success, ID: f.ID, Data: result})
}

func (sess *session) reply(msg relay.Message) {
	if !sess.server.cfg.Hub.Send(sess.id, msg) {
		sess.logger.Debug("reply not delivered", "event", msg.Event, "id", msg.ID)
	}
}

func (sess *session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(sess.server.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.sub.Done():
			if ctx.Err() == nil {
				_ = sess.conn.Close(websocket.StatusPolicyViolation, "session fell behind")
			}
			return
		case msg := <-sess.sub.Messages():
			if err := sess.write(ctx, msg); err != nil {
				if !errors.Is(err, context.Canceled) {
					sess.logger.Debug("session write failed", "event", msg.Event, "error", err)
				}
				return
			}
		case <-ticker.C:
			pingCtx, stop := context.WithTimeout(ctx, sess.server.cfg.WriteTimeout)
			err := sess.conn.Ping(pingCtx)
			stop()
			if err != nil {
				sess.logger.Debug("session ping failed", "error", err)
				return
			}
		}
	}
}

func (sess *session) write(ctx context.Context, msg relay.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, sess.server.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, sess.conn, msg)
}
