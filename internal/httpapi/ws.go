package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mediacrawler/harvester/internal/journal"
	"github.com/mediacrawler/harvester/internal/login"
	"github.com/mediacrawler/harvester/internal/model"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type pushError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// loginPush is the shape pushed to login status subscribers.
type loginPush struct {
	JobID          string            `json:"task_id"`
	Status         model.LoginStatus `json:"status"`
	Message        string            `json:"message"`
	Timestamp      time.Time         `json:"timestamp"`
	ChallengeImage string            `json:"qrcode_image,omitempty"`
	InputRequired  model.InputType   `json:"input_required,omitempty"`
}

// readLoop discards client messages and cancels the returned context when
// the client goes away.
func readLoop(ctx context.Context, conn *websocket.Conn) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return ctx
}

func send(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// wakeup returns a channel holding at most one pending signal and a
// function raising it without blocking.
func wakeup() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	return ch, func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func closeConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// handleLoginSocket pushes the login status on every session change, and
// every push interval, until the session reaches a terminal status or
// disappears. The interval also reports a lazily expired session, which
// raises no change.
func (s Server) handleLoginSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.DebugContext(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	ctx := readLoop(context.WithoutCancel(r.Context()), conn)

	wake, notify := wakeup()
	unsubscribe := s.Logins.Subscribe(login.ObserverFunc(func(_ context.Context, rep model.LoginStatusReport) {
		if rep.JobID == id {
			notify()
		}
	}))
	defer unsubscribe()

	tick := time.NewTicker(s.push())
	defer tick.Stop()
	for {
		rep, err := s.Logins.Status(id)
		if err != nil {
			_ = send(conn, pushError{Type: "error", Message: "login session not found"})
			closeConn(conn, websocket.ClosePolicyViolation, "login session not found")
			return
		}
		if err := send(conn, loginPush{
			JobID:          rep.JobID,
			Status:         rep.Status,
			Message:        rep.Message,
			Timestamp:      rep.Timestamp,
			ChallengeImage: rep.ChallengeImage,
			InputRequired:  rep.InputRequired,
		}); err != nil {
			return
		}
		if rep.Status.Terminal() {
			closeConn(conn, websocket.CloseNormalClosure, string(rep.Status))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-tick.C:
		}
	}
}

// handleTaskSocket pushes the job status on every journal event, every
// push interval and once more when the job finishes.
func (s Server) handleTaskSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.DebugContext(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	ctx := readLoop(context.WithoutCancel(r.Context()), conn)

	wake, notify := wakeup()
	if j, ok := s.Jobs.Journal(id); ok {
		unsubscribe := j.Subscribe(journal.ObserverFunc(func(model.TaskEvent) { notify() }))
		defer unsubscribe()
	}
	done, _ := s.Jobs.Done(id)
	tick := time.NewTicker(s.push())
	defer tick.Stop()
	for {
		st := s.Jobs.Status(ctx, id)
		if st.State == model.JobNotFound {
			_ = send(conn, pushError{Type: "error", Message: "task not found"})
			closeConn(conn, websocket.ClosePolicyViolation, "task not found")
			return
		}
		if err := send(conn, st); err != nil {
			return
		}
		if st.Done {
			closeConn(conn, websocket.CloseNormalClosure, string(st.State))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
			done = nil
		case <-wake:
		case <-tick.C:
		}
	}
}
