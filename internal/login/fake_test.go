package login_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediacrawler/harvester/internal/credential"
	"github.com/mediacrawler/harvester/internal/journal"
	"github.com/mediacrawler/harvester/internal/login"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
)

type fakeDriver struct {
	mx        sync.Mutex
	cookies   []login.Cookie
	image     []byte
	accept    bool
	navigate  error
	calls     []string
	closed    bool
	identity  string
	code      string
	cookieErr error
}

func (f *fakeDriver) record(call string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) Calls() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeDriver) Closed() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.closed
}

func (f *fakeDriver) SetCookies(c ...login.Cookie) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.cookies = c
}

func (f *fakeDriver) NavigateToLogin(context.Context) (string, error) {
	f.record("navigate")
	return "https://login.example/", f.navigate
}

func (f *fakeDriver) CaptureChallengeImage(context.Context) ([]byte, error) {
	f.record("capture")
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.image, nil
}

func (f *fakeDriver) SwitchMode(_ context.Context, mode model.LoginMode) error {
	f.record("switch:" + string(mode))
	return nil
}

func (f *fakeDriver) FillIdentifier(_ context.Context, v string) error {
	f.record("identifier")
	f.mx.Lock()
	defer f.mx.Unlock()
	f.identity = v
	return nil
}

func (f *fakeDriver) RequestCode(context.Context) error {
	f.record("request_code")
	return nil
}

func (f *fakeDriver) FillCode(_ context.Context, v string) error {
	f.record("code")
	f.mx.Lock()
	defer f.mx.Unlock()
	f.code = v
	return nil
}

func (f *fakeDriver) Submit(context.Context) error {
	f.record("submit")
	return nil
}

func (f *fakeDriver) WaitForSuccess(context.Context) (bool, error) {
	f.record("wait")
	return f.accept, nil
}

func (f *fakeDriver) Cookies(context.Context) ([]login.Cookie, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.cookies), f.cookieErr
}

func (f *fakeDriver) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.closed = true
	return nil
}

type fixture struct {
	m        *login.Manager
	cache    *credential.Cache
	journals *journal.Registry
	dir      string
}

func newFixture(t *testing.T, drv *fakeDriver, opts login.Options) fixture {
	t.Helper()
	cache, err := credential.NewCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.Factory == nil {
		opts.Factory = func(context.Context, platform.Descriptor) (login.Driver, error) {
			if drv == nil {
				return nil, errors.New("chrome not found")
			}
			return drv, nil
		}
	}
	journals := journal.NewRegistry()
	m, err := login.NewManager(opts, cache, journals)
	require.NoError(t, err)
	return fixture{m: m, cache: cache, journals: journals, dir: opts.Dir}
}
