package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mediacrawler/harvester/internal/credential"
	"github.com/mediacrawler/harvester/internal/journal"
	"github.com/mediacrawler/harvester/internal/log"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
	"github.com/mediacrawler/harvester/internal/store"
)

const DefaultPoll = 2 * time.Second

var jobIDRx = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

type Options struct {
	// Dir receives one cookies_<job>_<platform>.json file per saved
	// session credential. Empty disables the files.
	Dir     string
	Timeout time.Duration
	Poll    time.Duration
	Factory DriverFactory
}

// Manager owns the login sessions of the process.
type Manager struct {
	opts     Options
	sessions *store.Table[*Session]
	cache    *credential.Cache
	journals *journal.Registry
	root     *os.Root

	omx       sync.RWMutex
	observers map[int]Observer
	nextObs   int

	wg sync.WaitGroup
}

// NewManager creates a manager. A non nil registry receives the crawler_login
// events of every session.
func NewManager(opts Options, cache *credential.Cache, journals *journal.Registry) (*Manager, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = model.DefaultLoginTimeout
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	m := &Manager{
		opts:      opts,
		sessions:  store.NewTable[*Session](),
		cache:     cache,
		journals:  journals,
		observers: make(map[int]Observer),
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating login dir: %w", err)
		}
		root, err := os.OpenRoot(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("opening login dir: %w", err)
		}
		m.root = root
	}
	if journals != nil {
		m.Subscribe(JournalObserver(journals))
	}
	return m, nil
}

func (m *Manager) lookup(jobID string) (*Session, error) {
	s, ok := m.sessions.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("login session %q: %w", jobID, model.ErrNotFound)
	}
	return s, nil
}

// CreateSession registers a pending session. blob is only used by
// credential_blob sessions and is saved when the session starts.
func (m *Manager) CreateSession(ctx context.Context, jobID string, p model.Platform, mode model.LoginMode, timeout time.Duration, blob string) (model.LoginStatusReport, error) {
	if !jobIDRx.MatchString(jobID) {
		return model.LoginStatusReport{}, &model.ValidationError{Field: "job_id", Reason: "must match " + jobIDRx.String()}
	}
	if !mode.Valid() {
		return model.LoginStatusReport{}, &model.ValidationError{Field: "login_type", Reason: fmt.Sprintf("unsupported login type %q", mode)}
	}
	desc, err := platform.Lookup(p)
	if err != nil {
		return model.LoginStatusReport{}, err
	}
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}

	sctx, cancel := context.WithCancel(log.WithJob(context.WithoutCancel(ctx), jobID, string(p)))
	s := &Session{
		JobID:     jobID,
		Platform:  p,
		Mode:      mode,
		CreatedAt: time.Now(),
		Timeout:   timeout,
		desc:      desc,
		ctx:       sctx,
		cancel:    cancel,
		status:    model.LoginPending,
		message:   "login session created",
		data:      map[string]any{},
	}
	if mode == model.LoginCredential {
		s.credential = strings.TrimSpace(blob)
	}
	if err := m.sessions.Insert(jobID, s); err != nil {
		cancel()
		if errors.Is(err, store.ErrExists) {
			return model.LoginStatusReport{}, fmt.Errorf("job %q: %w", jobID, model.ErrSessionExists)
		}
		return model.LoginStatusReport{}, err
	}
	slog.InfoContext(sctx, "login session created", "mode", mode, "timeout", timeout)
	rep := s.Report()
	m.notify(sctx, rep)
	return rep, nil
}

// Start launches the browser and dispatches on the session mode. Driver
// failures move the session to failed and are reported through the
// returned status, not as an error.
func (m *Manager) Start(ctx context.Context, jobID string) (model.LoginStatusReport, error) {
	s, err := m.lookup(jobID)
	if err != nil {
		return model.LoginStatusReport{}, err
	}
	s.op.Lock()
	defer s.op.Unlock()

	s.mx.Lock()
	switch {
	case s.driver != nil || s.status != model.LoginPending:
		s.mx.Unlock()
		return model.LoginStatusReport{}, &model.ValidationError{Field: "job_id", Reason: "login session already started"}
	case m.opts.Factory == nil:
		s.mx.Unlock()
		return model.LoginStatusReport{}, &model.LaunchError{Op: "starting browser", Err: errors.New("no browser driver configured")}
	}
	s.mx.Unlock()

	drv, err := m.opts.Factory(s.ctx, s.desc)
	if err != nil {
		err = &model.LaunchError{Op: "starting browser", Err: err}
		slog.ErrorContext(s.ctx, "login browser failed", "err", err)
		m.transition(s, model.LoginFailed, "browser start failed: "+err.Error(), nil)
		return s.Report(), nil
	}
	s.mx.Lock()
	if s.ctx.Err() != nil {
		s.mx.Unlock()
		_ = drv.Close()
		return s.Report(), nil
	}
	s.driver = drv
	s.mx.Unlock()

	switch s.Mode {
	case model.LoginCredential:
		m.startCredential(ctx, s)
	case model.LoginQRCode:
		m.startQRCode(ctx, s, drv)
	case model.LoginPhone:
		m.startPhone(ctx, s, drv)
	}
	return s.Report(), nil
}

func (m *Manager) startCredential(ctx context.Context, s *Session) {
	s.mx.Lock()
	blob := s.credential
	s.mx.Unlock()
	if blob != "" {
		if err := m.persist(ctx, s, blob); err != nil {
			m.transition(s, model.LoginFailed, "saving credentials failed: "+err.Error(), nil)
			return
		}
	}
	m.transition(s, model.LoginSuccess, "credential login succeeded", nil)
}

func (m *Manager) startQRCode(ctx context.Context, s *Session, drv Driver) {
	url, err := drv.NavigateToLogin(ctx)
	if err != nil {
		m.transition(s, model.LoginFailed, "opening login page failed: "+err.Error(), nil)
		return
	}
	img, err := drv.CaptureChallengeImage(ctx)
	if err != nil {
		slog.WarnContext(s.ctx, "capturing qr code failed", "err", err)
	}
	s.mx.Lock()
	s.challenge = img
	s.mx.Unlock()
	if !m.transition(s, model.LoginQRCodeGenerated, "scan the qr code with the mobile app", map[string]any{
		"login_url":    url,
		"instructions": "open the " + s.desc.Name + " app, scan the qr code and confirm the login",
	}) {
		return
	}
	m.watch(s, drv)
}

func (m *Manager) startPhone(ctx context.Context, s *Session, drv Driver) {
	url, err := drv.NavigateToLogin(ctx)
	if err != nil {
		m.transition(s, model.LoginFailed, "opening login page failed: "+err.Error(), nil)
		return
	}
	if err := drv.SwitchMode(ctx, model.LoginPhone); err != nil {
		m.transition(s, model.LoginFailed, "switching to phone login failed: "+err.Error(), nil)
		return
	}
	s.mx.Lock()
	s.input = model.InputIdentifier
	s.mx.Unlock()
	m.transition(s, model.LoginPhoneRequired, "enter the phone number", map[string]any{"login_url": url})
}

// SubmitInput feeds a phone number or a verification code into a phone
// login.
func (m *Manager) SubmitInput(ctx context.Context, jobID string, typ model.InputType, value string) (model.LoginStatusReport, error) {
	s, err := m.lookup(jobID)
	if err != nil {
		return model.LoginStatusReport{}, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return model.LoginStatusReport{}, &model.ValidationError{Field: "value", Reason: "must not be empty"}
	}
	s.op.Lock()
	defer s.op.Unlock()

	s.mx.Lock()
	status, drv, expect := s.status, s.driver, s.input
	expired := s.expired(time.Now())
	s.mx.Unlock()

	switch {
	case typ != model.InputIdentifier && typ != model.InputCode:
		return model.LoginStatusReport{}, &model.ValidationError{Field: "input_type", Reason: fmt.Sprintf("unsupported input type %q", typ)}
	case status.Terminal() || expired:
		return model.LoginStatusReport{}, &model.ValidationError{Field: "job_id", Reason: "login session is finished"}
	case drv == nil || expect != typ:
		return model.LoginStatusReport{}, &model.ValidationError{Field: "input_type", Reason: fmt.Sprintf("session does not expect %s input in status %s", typ, status)}
	}

	if typ == model.InputIdentifier {
		m.submitIdentifier(ctx, s, drv, value)
	} else {
		m.submitCode(ctx, s, drv, value)
	}
	return s.Report(), nil
}

func (m *Manager) submitIdentifier(ctx context.Context, s *Session, drv Driver, phone string) {
	if err := drv.FillIdentifier(ctx, phone); err != nil {
		m.transition(s, model.LoginFailed, "entering phone number failed: "+err.Error(), nil)
		return
	}
	if err := drv.RequestCode(ctx); err != nil {
		m.transition(s, model.LoginFailed, "requesting verification code failed: "+err.Error(), nil)
		return
	}
	s.mx.Lock()
	s.input = model.InputCode
	s.mx.Unlock()
	m.transition(s, model.LoginCodeRequired, "verification code sent, enter it", nil)
}

func (m *Manager) submitCode(ctx context.Context, s *Session, drv Driver, code string) {
	if err := drv.FillCode(ctx, code); err != nil {
		m.transition(s, model.LoginFailed, "entering verification code failed: "+err.Error(), nil)
		return
	}
	if err := drv.Submit(ctx); err != nil {
		m.transition(s, model.LoginFailed, "submitting login failed: "+err.Error(), nil)
		return
	}
	ok, err := drv.WaitForSuccess(ctx)
	if err != nil || !ok {
		msg := "login failed, check the verification code"
		if err != nil {
			msg += ": " + err.Error()
		}
		m.transition(s, model.LoginFailed, msg, nil)
		return
	}
	m.succeed(ctx, s, drv)
}

// succeed extracts the browser cookies and finishes the session.
func (m *Manager) succeed(ctx context.Context, s *Session, drv Driver) bool {
	cookies, err := drv.Cookies(ctx)
	if err != nil {
		return m.transition(s, model.LoginFailed, "reading cookies failed: "+err.Error(), nil)
	}
	if err := m.persist(ctx, s, Serialize(cookies)); err != nil {
		return m.transition(s, model.LoginFailed, "saving credentials failed: "+err.Error(), nil)
	}
	return m.transition(s, model.LoginSuccess, "login succeeded, cookies saved", map[string]any{"cookie_count": len(cookies)})
}

// Status returns the session report. Expiry is computed on read and does
// not change the session.
func (m *Manager) Status(jobID string) (model.LoginStatusReport, error) {
	s, err := m.lookup(jobID)
	if err != nil {
		return model.LoginStatusReport{}, err
	}
	return s.Report(), nil
}

// RefreshChallenge captures a fresh QR code for a qrcode session.
func (m *Manager) RefreshChallenge(ctx context.Context, jobID string) (model.LoginStatusReport, error) {
	s, err := m.lookup(jobID)
	if err != nil {
		return model.LoginStatusReport{}, err
	}
	if s.Mode != model.LoginQRCode {
		return model.LoginStatusReport{}, &model.ValidationError{Field: "login_type", Reason: "only qrcode sessions have a challenge"}
	}
	s.op.Lock()
	defer s.op.Unlock()

	s.mx.Lock()
	drv, status := s.driver, s.status
	s.mx.Unlock()
	if drv == nil || status != model.LoginQRCodeGenerated {
		return model.LoginStatusReport{}, &model.ValidationError{Field: "job_id", Reason: fmt.Sprintf("no qr code to refresh in status %s", status)}
	}
	img, err := drv.CaptureChallengeImage(ctx)
	if err != nil {
		return model.LoginStatusReport{}, fmt.Errorf("capturing qr code: %w", err)
	}
	s.mx.Lock()
	if !s.status.Terminal() {
		s.challenge = img
		s.message = "qr code refreshed"
	}
	s.mx.Unlock()
	rep := s.Report()
	m.notify(s.ctx, rep)
	return rep, nil
}

// SaveCredential stores blob for the session and the platform cache and
// marks the session successful.
func (m *Manager) SaveCredential(ctx context.Context, jobID, blob string) error {
	s, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(blob) == "" {
		return &model.ValidationError{Field: "cookies", Reason: "must not be empty"}
	}
	if err := m.persist(ctx, s, blob); err != nil {
		return err
	}
	m.transition(s, model.LoginSuccess, "login succeeded, credentials saved", nil)
	return nil
}

// GetCredential returns the credential obtained by the session, if any.
func (m *Manager) GetCredential(jobID string) (string, bool) {
	s, ok := m.sessions.Get(jobID)
	if !ok {
		return "", false
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.credential, s.credential != ""
}

type sessionFile struct {
	JobID    string         `json:"task_id"`
	Platform model.Platform `json:"platform"`
	Cookies  string         `json:"cookies"`
	SavedAt  time.Time      `json:"saved_at"`
}

func (m *Manager) persist(ctx context.Context, s *Session, blob string) error {
	s.mx.Lock()
	s.credential = blob
	s.mx.Unlock()

	if m.root != nil {
		b, err := json.MarshalIndent(sessionFile{
			JobID:    s.JobID,
			Platform: s.Platform,
			Cookies:  blob,
			SavedAt:  time.Now().UTC(),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling session credential: %w", err)
		}
		name := fmt.Sprintf("cookies_%s_%s.json", s.JobID, s.Platform)
		if err := m.root.WriteFile(name, b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if m.cache != nil {
		if err := m.cache.Save(ctx, s.Platform, blob, s.JobID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSession stops the monitor, closes the browser and forgets the
// session.
func (m *Manager) RemoveSession(ctx context.Context, jobID string) error {
	s, ok := m.sessions.Delete(jobID)
	if !ok {
		return fmt.Errorf("login session %q: %w", jobID, model.ErrNotFound)
	}
	s.cancel()
	s.mx.Lock()
	mon, drv := s.monitor, s.driver
	s.monitor, s.driver = nil, nil
	s.mx.Unlock()
	if mon != nil {
		mon.stop()
	}
	if drv != nil {
		if err := drv.Close(); err != nil {
			slog.WarnContext(s.ctx, "closing login browser", "err", err)
		}
	}
	if m.journals != nil && m.journals.Release(jobID) {
		slog.DebugContext(s.ctx, "login journal released")
	}
	slog.InfoContext(s.ctx, "login session removed")
	return nil
}

// List returns the reports of all sessions, oldest first.
func (m *Manager) List() []model.LoginStatusReport {
	sessions := m.sessions.Values()
	ret := make([]model.LoginStatusReport, 0, len(sessions))
	for _, s := range sessions {
		ret = append(ret, s.Report())
	}
	return ret
}

// Close removes every session and waits for the monitors.
func (m *Manager) Close(ctx context.Context) error {
	for _, s := range m.sessions.Values() {
		if err := m.RemoveSession(ctx, s.JobID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	m.wg.Wait()
	if m.root != nil {
		return m.root.Close()
	}
	return nil
}

// transition moves a non terminal session to status and notifies the
// observers. It reports false when the session was already terminal.
func (m *Manager) transition(s *Session, status model.LoginStatus, msg string, data map[string]any) bool {
	s.mx.Lock()
	if s.status.Terminal() {
		s.mx.Unlock()
		return false
	}
	s.status = status
	s.message = msg
	maps.Copy(s.data, data)
	if status != model.LoginQRCodeGenerated {
		s.challenge = nil
	}
	if status.Terminal() {
		s.input = ""
	}
	rep := s.reportLocked(time.Now())
	s.mx.Unlock()

	level := slog.LevelInfo
	if status == model.LoginFailed || status == model.LoginTimeout {
		level = slog.LevelWarn
	}
	slog.Log(s.ctx, level, "login status changed", "status", status, "message", msg)
	m.notify(s.ctx, rep)
	return true
}
