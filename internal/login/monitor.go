package login

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediacrawler/harvester/internal/model"
)

// watch starts the credential change monitor of a qrcode session. The
// monitor ends on success, failure, timeout or removal of the session.
func (m *Manager) watch(s *Session, drv Driver) {
	ctx, cancel := context.WithCancel(s.ctx)
	mon := &monitor{cancel: cancel, done: make(chan struct{})}
	s.mx.Lock()
	s.monitor = mon
	s.mx.Unlock()

	initial := ""
	if cookies, err := drv.Cookies(ctx); err == nil {
		initial = marker(cookies, s.desc.SessionCookie)
	}
	deadline := time.Until(s.CreatedAt.Add(s.Timeout))

	m.wg.Go(func() {
		defer close(mon.done)
		defer cancel()
		m.monitor(ctx, s, drv, initial, deadline)
	})
}

func (m *Manager) monitor(ctx context.Context, s *Session, drv Driver, initial string, deadline time.Duration) {
	slog.DebugContext(ctx, "login monitor started", "cookie", s.desc.SessionCookie, "deadline", deadline)
	timer := time.NewTimer(max(deadline, 0))
	defer timer.Stop()
	tick := time.NewTicker(m.opts.Poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "login monitor cancelled")
			return
		case <-timer.C:
			m.transition(s, model.LoginTimeout, "login timed out, please retry", nil)
			return
		case <-tick.C:
		}
		if s.Status().Terminal() {
			return
		}
		if m.poll(ctx, s, drv, initial) {
			return
		}
	}
}

// poll checks the marker cookie once and reports whether the monitor is
// done.
func (m *Manager) poll(ctx context.Context, s *Session, drv Driver, initial string) bool {
	s.op.Lock()
	defer s.op.Unlock()
	if ctx.Err() != nil {
		return true
	}
	cookies, err := drv.Cookies(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		m.transition(s, model.LoginFailed, "monitoring login failed: "+err.Error(), nil)
		return true
	}
	current := marker(cookies, s.desc.SessionCookie)
	if current == "" || current == initial {
		return false
	}
	slog.InfoContext(ctx, "login cookie changed", "cookie", s.desc.SessionCookie)
	m.succeed(ctx, s, drv)
	return true
}
