package login

import (
	"context"
	"encoding/base64"
	"maps"
	"sync"
	"time"

	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
)

// Session is the state of one interactive login. At most one exists per
// job id.
type Session struct {
	JobID     string
	Platform  model.Platform
	Mode      model.LoginMode
	CreatedAt time.Time
	Timeout   time.Duration

	desc platform.Descriptor
	// ctx bounds the browser and the monitor, it is cancelled on removal
	ctx    context.Context
	cancel context.CancelFunc

	// op serializes driver interactions
	op sync.Mutex

	mx         sync.Mutex
	status     model.LoginStatus
	message    string
	data       map[string]any
	challenge  []byte
	input      model.InputType
	credential string
	driver     Driver
	monitor    *monitor
}

type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *monitor) stop() {
	m.cancel()
	<-m.done
}

// expired reports whether the session outlived its timeout at now.
func (s *Session) expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > s.Timeout
}

// reportLocked renders the session. A non terminal session past its
// timeout reads as timeout, the stored state is left alone.
func (s *Session) reportLocked(now time.Time) model.LoginStatusReport {
	rep := model.LoginStatusReport{
		JobID:         s.JobID,
		Platform:      s.Platform,
		Mode:          s.Mode,
		Status:        s.status,
		Message:       s.message,
		Data:          maps.Clone(s.data),
		InputRequired: s.input,
		Timestamp:     now.UTC(),
	}
	if !s.status.Terminal() && s.expired(now) {
		rep.Status = model.LoginTimeout
		rep.Message = "login timed out, please retry"
		rep.InputRequired = ""
		return rep
	}
	if s.status == model.LoginQRCodeGenerated && len(s.challenge) > 0 {
		rep.ChallengeImage = base64.StdEncoding.EncodeToString(s.challenge)
	}
	if s.status.Terminal() {
		rep.InputRequired = ""
	}
	return rep
}

func (s *Session) Report() model.LoginStatusReport {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.reportLocked(time.Now())
}

func (s *Session) Status() model.LoginStatus {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.status
}
