package login

import (
	"context"

	"github.com/mediacrawler/harvester/internal/journal"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/progress"
)

// Observer is told about every session change. LoginChanged runs on the
// goroutine making the change and must not block.
type Observer interface {
	LoginChanged(ctx context.Context, rep model.LoginStatusReport)
}

type ObserverFunc func(ctx context.Context, rep model.LoginStatusReport)

func (f ObserverFunc) LoginChanged(ctx context.Context, rep model.LoginStatusReport) { f(ctx, rep) }

// Subscribe registers o and returns a function removing it.
func (m *Manager) Subscribe(o Observer) (cancel func()) {
	m.omx.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = o
	m.omx.Unlock()
	return func() {
		m.omx.Lock()
		delete(m.observers, id)
		m.omx.Unlock()
	}
}

func (m *Manager) notify(ctx context.Context, rep model.LoginStatusReport) {
	m.omx.RLock()
	obs := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	m.omx.RUnlock()
	for _, o := range obs {
		o.LoginChanged(ctx, rep)
	}
}

var loginStages = map[model.LoginStatus]struct {
	stage string
	pct   float64
}{
	model.LoginPending:         {progress.StageLoggingIn, 20},
	model.LoginQRCodeGenerated: {progress.StageQRCodeLogin, 25},
	model.LoginPhoneRequired:   {progress.StagePhoneLogin, 25},
	model.LoginSuccess:         {progress.StageLoggedIn, 30},
}

// JournalObserver mirrors session changes into the journal of the job as
// crawler_login events and login progress.
func JournalObserver(r *journal.Registry) Observer {
	return ObserverFunc(func(ctx context.Context, rep model.LoginStatusReport) {
		if ctx.Err() != nil {
			// the session was removed
			return
		}
		j := r.Ensure(rep.JobID, rep.Platform)
		if j.Sealed() {
			return
		}
		if st, ok := loginStages[rep.Status]; ok {
			j.Update(ctx, model.ProgressUpdate{Stage: st.stage, Percent: model.Float(st.pct), Message: rep.Message})
		}
		data := map[string]any{"status": string(rep.Status)}
		if rep.InputRequired != "" {
			data["input_required"] = string(rep.InputRequired)
		}
		j.Log(ctx, model.EventCrawlerLogin, rep.Message, data, nil)
	})
}
