package login_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediacrawler/harvester/internal/credential"
	"github.com/mediacrawler/harvester/internal/login"
	"github.com/mediacrawler/harvester/internal/model"
)

func TestSerialize(t *testing.T) {
	t.Parallel()
	got := login.Serialize([]login.Cookie{
		{Name: "a1", Value: "x", Domain: ".xiaohongshu.com", Path: "/"},
		{Name: "web_session", Value: "s"},
	})
	require.Equal(t, "a1=x; Domain=.xiaohongshu.com; Path=/; web_session=s", got)
	require.Empty(t, login.Serialize(nil))
}

func TestCreateSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeDriver{}, login.Options{})
	t.Cleanup(func() { require.NoError(t, f.m.Close(t.Context())) })

	var testCases = []struct {
		scenario string
		jobID    string
		platform model.Platform
		mode     model.LoginMode
		field    string
	}{
		{"bad mode", "j1", model.PlatformXHS, "password", "login_type"},
		{"bad platform", "j1", "myspace", model.LoginQRCode, "platform"},
		{"bad job id", "../j1", model.PlatformXHS, model.LoginQRCode, "job_id"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := f.m.CreateSession(t.Context(), tc.jobID, tc.platform, tc.mode, 0, "")
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}

	rep, err := f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginQRCode, 0, "")
	require.NoError(t, err)
	require.Equal(t, model.LoginPending, rep.Status)
	require.Equal(t, model.PlatformXHS, rep.Platform)

	_, err = f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginPhone, 0, "")
	require.ErrorIs(t, err, model.ErrSessionExists)

	_, err = f.m.Status("nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.m.Start(t.Context(), "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCredentialLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeDriver{}, login.Options{})
	t.Cleanup(func() { require.NoError(t, f.m.Close(t.Context())) })

	_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformBili, model.LoginCredential, 0, "SESSDATA=abc")
	require.NoError(t, err)
	rep, err := f.m.Start(t.Context(), "j1")
	require.NoError(t, err)
	require.Equal(t, model.LoginSuccess, rep.Status)
	require.Empty(t, rep.InputRequired)

	blob, ok := f.m.GetCredential("j1")
	require.True(t, ok)
	require.Equal(t, "SESSDATA=abc", blob)

	cached, ok := f.cache.Load(t.Context(), model.PlatformBili, credential.DefaultMaxAge)
	require.True(t, ok)
	require.Equal(t, "SESSDATA=abc", cached)

	b, err := os.ReadFile(filepath.Join(f.dir, "cookies_j1_bili.json"))
	require.NoError(t, err)
	var file map[string]any
	require.NoError(t, json.Unmarshal(b, &file))
	require.Equal(t, "SESSDATA=abc", file["cookies"])
	require.Equal(t, "bili", file["platform"])

	_, err = f.m.Start(t.Context(), "j1")
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestBrowserLaunchFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, login.Options{})
	t.Cleanup(func() { require.NoError(t, f.m.Close(t.Context())) })

	_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginQRCode, 0, "")
	require.NoError(t, err)
	rep, err := f.m.Start(t.Context(), "j1")
	require.NoError(t, err)
	require.Equal(t, model.LoginFailed, rep.Status)
	require.Contains(t, rep.Message, "chrome not found")
}

func TestQRCodeLogin(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		drv := &fakeDriver{image: []byte("png")}
		drv.SetCookies(login.Cookie{Name: "web_session", Value: "guest"})
		f := newFixture(t, drv, login.Options{Timeout: time.Minute})
		defer func() { require.NoError(t, f.m.Close(t.Context())) }()

		_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginQRCode, 0, "")
		require.NoError(t, err)
		rep, err := f.m.Start(t.Context(), "j1")
		require.NoError(t, err)
		require.Equal(t, model.LoginQRCodeGenerated, rep.Status)
		require.Equal(t, base64.StdEncoding.EncodeToString([]byte("png")), rep.ChallengeImage)
		require.Equal(t, "https://login.example/", rep.Data["login_url"])

		time.Sleep(5 * time.Second)
		synctest.Wait()
		rep, err = f.m.Status("j1")
		require.NoError(t, err)
		require.Equal(t, model.LoginQRCodeGenerated, rep.Status)

		drv.SetCookies(
			login.Cookie{Name: "a1", Value: "x", Domain: ".xiaohongshu.com", Path: "/"},
			login.Cookie{Name: "web_session", Value: "user"},
		)
		time.Sleep(login.DefaultPoll)
		synctest.Wait()

		rep, err = f.m.Status("j1")
		require.NoError(t, err)
		require.Equal(t, model.LoginSuccess, rep.Status)
		require.Empty(t, rep.ChallengeImage)

		blob, ok := f.m.GetCredential("j1")
		require.True(t, ok)
		require.Contains(t, blob, "web_session=user")
		cached, ok := f.cache.Load(t.Context(), model.PlatformXHS, credential.DefaultMaxAge)
		require.True(t, ok)
		require.Equal(t, blob, cached)

		var statuses []string
		for _, ev := range f.journals.Events("j1", 0) {
			if ev.Type == model.EventCrawlerLogin {
				statuses = append(statuses, ev.Data["status"].(string))
			}
		}
		require.Equal(t, []string{"pending", "qrcode_generated", "success"}, statuses)
	})
}

func TestQRCodeTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		drv := &fakeDriver{image: []byte("png")}
		f := newFixture(t, drv, login.Options{})
		defer func() { require.NoError(t, f.m.Close(t.Context())) }()

		_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginQRCode, 10*time.Second, "")
		require.NoError(t, err)
		_, err = f.m.Start(t.Context(), "j1")
		require.NoError(t, err)

		time.Sleep(9 * time.Second)
		synctest.Wait()
		rep, err := f.m.Status("j1")
		require.NoError(t, err)
		require.Equal(t, model.LoginQRCodeGenerated, rep.Status)

		time.Sleep(2 * time.Second)
		synctest.Wait()
		rep, err = f.m.Status("j1")
		require.NoError(t, err)
		require.Equal(t, model.LoginTimeout, rep.Status)

		// a late cookie change cannot leave the terminal state
		drv.SetCookies(login.Cookie{Name: "web_session", Value: "user"})
		time.Sleep(5 * time.Second)
		synctest.Wait()
		rep, err = f.m.Status("j1")
		require.NoError(t, err)
		require.Equal(t, model.LoginTimeout, rep.Status)
		_, ok := f.m.GetCredential("j1")
		require.False(t, ok)
	})
}

func TestRemoveStopsMonitor(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		drv := &fakeDriver{}
		f := newFixture(t, drv, login.Options{})
		defer func() { require.NoError(t, f.m.Close(t.Context())) }()

		_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginQRCode, 0, "")
		require.NoError(t, err)
		_, err = f.m.Start(t.Context(), "j1")
		require.NoError(t, err)

		time.Sleep(3 * time.Second)
		require.NoError(t, f.m.RemoveSession(t.Context(), "j1"))
		synctest.Wait()
		require.True(t, drv.Closed())
		time.Sleep(2 * login.DefaultPoll)
		synctest.Wait()
		_, ok := f.journals.Get("j1")
		require.False(t, ok, "no journal is left or recreated for a removed session")

		_, err = f.m.Status("j1")
		require.ErrorIs(t, err, model.ErrNotFound)
		require.ErrorIs(t, f.m.RemoveSession(t.Context(), "j1"), model.ErrNotFound)
	})
}

func TestRemoveReleasesJournal(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{accept: true}
	f := newFixture(t, drv, login.Options{})
	t.Cleanup(func() { require.NoError(t, f.m.Close(t.Context())) })
	ctx := t.Context()

	for i := range 50 {
		id := fmt.Sprintf("login-%d", i)
		_, err := f.m.CreateSession(ctx, id, model.PlatformXHS, model.LoginPhone, 0, "")
		require.NoError(t, err)
		_, err = f.m.Start(ctx, id)
		require.NoError(t, err)
	}
	require.Equal(t, 50, f.journals.Stats().Journals)

	// a job submitted for a session keeps the journal
	f.journals.Create(ctx, "login-0", model.PlatformXHS)

	for i := range 50 {
		require.NoError(t, f.m.RemoveSession(ctx, fmt.Sprintf("login-%d", i)))
	}
	require.Empty(t, f.m.List())
	require.Equal(t, 1, f.journals.Stats().Journals)
	_, ok := f.journals.Get("login-0")
	require.True(t, ok)
}

func TestMonitorCookieError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		drv := &fakeDriver{}
		f := newFixture(t, drv, login.Options{})
		defer func() { require.NoError(t, f.m.Close(t.Context())) }()

		_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginQRCode, 0, "")
		require.NoError(t, err)
		_, err = f.m.Start(t.Context(), "j1")
		require.NoError(t, err)

		drv.mx.Lock()
		drv.cookieErr = errors.New("target closed")
		drv.mx.Unlock()
		time.Sleep(login.DefaultPoll)
		synctest.Wait()

		rep, err := f.m.Status("j1")
		require.NoError(t, err)
		require.Equal(t, model.LoginFailed, rep.Status)
		require.Contains(t, rep.Message, "target closed")
	})
}

func TestPhoneLogin(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{accept: true}
	drv.SetCookies(login.Cookie{Name: "web_session", Value: "user"})
	f := newFixture(t, drv, login.Options{})
	t.Cleanup(func() { require.NoError(t, f.m.Close(t.Context())) })

	_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginPhone, 0, "")
	require.NoError(t, err)

	_, err = f.m.SubmitInput(t.Context(), "j1", model.InputIdentifier, "13800000000")
	require.ErrorIs(t, err, model.ErrValidation, "input before start")

	rep, err := f.m.Start(t.Context(), "j1")
	require.NoError(t, err)
	require.Equal(t, model.LoginPhoneRequired, rep.Status)
	require.Equal(t, model.InputIdentifier, rep.InputRequired)

	_, err = f.m.SubmitInput(t.Context(), "j1", model.InputCode, "123456")
	require.ErrorIs(t, err, model.ErrValidation, "code before phone number")
	_, err = f.m.SubmitInput(t.Context(), "j1", model.InputIdentifier, "  ")
	require.ErrorIs(t, err, model.ErrValidation)

	rep, err = f.m.SubmitInput(t.Context(), "j1", model.InputIdentifier, "13800000000")
	require.NoError(t, err)
	require.Equal(t, model.LoginCodeRequired, rep.Status)
	require.Equal(t, model.InputCode, rep.InputRequired)

	rep, err = f.m.SubmitInput(t.Context(), "j1", model.InputCode, "123456")
	require.NoError(t, err)
	require.Equal(t, model.LoginSuccess, rep.Status)
	require.Empty(t, rep.InputRequired)
	require.Equal(t, "123456", drv.code)
	require.Equal(t, []string{"navigate", "switch:phone_code", "identifier", "request_code", "code", "submit", "wait"}, drv.Calls())

	blob, ok := f.m.GetCredential("j1")
	require.True(t, ok)
	require.Equal(t, "web_session=user", blob)

	_, err = f.m.SubmitInput(t.Context(), "j1", model.InputCode, "123456")
	require.ErrorIs(t, err, model.ErrValidation, "input after success")
}

func TestPhoneLoginRejected(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{accept: false}
	f := newFixture(t, drv, login.Options{})
	t.Cleanup(func() { require.NoError(t, f.m.Close(t.Context())) })

	_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformDouyin, model.LoginPhone, 0, "")
	require.NoError(t, err)
	_, err = f.m.Start(t.Context(), "j1")
	require.NoError(t, err)
	_, err = f.m.SubmitInput(t.Context(), "j1", model.InputIdentifier, "13800000000")
	require.NoError(t, err)
	rep, err := f.m.SubmitInput(t.Context(), "j1", model.InputCode, "000000")
	require.NoError(t, err)
	require.Equal(t, model.LoginFailed, rep.Status)
	require.Contains(t, rep.Message, "verification code")
}

func TestStatusExpiresLazily(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		drv := &fakeDriver{}
		f := newFixture(t, drv, login.Options{})
		defer func() { require.NoError(t, f.m.Close(t.Context())) }()

		_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformXHS, model.LoginPhone, 30*time.Second, "")
		require.NoError(t, err)
		_, err = f.m.Start(t.Context(), "j1")
		require.NoError(t, err)

		time.Sleep(31 * time.Second)
		rep, err := f.m.Status("j1")
		require.NoError(t, err)
		require.Equal(t, model.LoginTimeout, rep.Status)
		require.Empty(t, rep.InputRequired)

		_, err = f.m.SubmitInput(t.Context(), "j1", model.InputIdentifier, "13800000000")
		require.ErrorIs(t, err, model.ErrValidation)
		require.NotContains(t, drv.Calls(), "identifier")
	})
}

func TestRefreshChallenge(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{image: []byte("one")}
	f := newFixture(t, drv, login.Options{})
	t.Cleanup(func() { require.NoError(t, f.m.Close(t.Context())) })

	_, err := f.m.CreateSession(t.Context(), "phone", model.PlatformXHS, model.LoginPhone, 0, "")
	require.NoError(t, err)
	_, err = f.m.RefreshChallenge(t.Context(), "phone")
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = f.m.CreateSession(t.Context(), "qr", model.PlatformXHS, model.LoginQRCode, 0, "")
	require.NoError(t, err)
	_, err = f.m.RefreshChallenge(t.Context(), "qr")
	require.ErrorIs(t, err, model.ErrValidation, "not started")

	_, err = f.m.Start(t.Context(), "qr")
	require.NoError(t, err)
	drv.mx.Lock()
	drv.image = []byte("two")
	drv.mx.Unlock()
	rep, err := f.m.RefreshChallenge(t.Context(), "qr")
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("two")), rep.ChallengeImage)
	require.Equal(t, "qr code refreshed", rep.Message)
}

func TestSaveCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeDriver{}, login.Options{})
	t.Cleanup(func() { require.NoError(t, f.m.Close(t.Context())) })

	require.ErrorIs(t, f.m.SaveCredential(t.Context(), "j1", "a=b"), model.ErrNotFound)

	_, err := f.m.CreateSession(t.Context(), "j1", model.PlatformWeibo, model.LoginQRCode, 0, "")
	require.NoError(t, err)
	require.ErrorIs(t, f.m.SaveCredential(t.Context(), "j1", " "), model.ErrValidation)
	require.NoError(t, f.m.SaveCredential(t.Context(), "j1", "SUB=xyz"))

	rep, err := f.m.Status("j1")
	require.NoError(t, err)
	require.Equal(t, model.LoginSuccess, rep.Status)
	require.FileExists(t, filepath.Join(f.dir, "cookies_j1_wb.json"))

	list := f.m.List()
	require.Len(t, list, 1)
	require.Equal(t, "j1", list[0].JobID)
}
