// Package browser implements login.Driver on a Chrome instance controlled
// through the DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/mediacrawler/harvester/internal/login"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	opTimeout        = 30 * time.Second
	settle           = 2 * time.Second
	successPoll      = time.Second
)

var ErrElementNotFound = errors.New("element not found")

type Options struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	// Selectors replaces the built in selector table when set.
	Selectors func(model.Platform) Selectors
}

// Driver is a single Chrome tab on the login page of one platform.
type Driver struct {
	desc   platform.Descriptor
	sel    Selectors
	tab    context.Context
	cancel context.CancelFunc
}

// Factory returns a login.DriverFactory starting one browser per session.
func Factory(opts Options) login.DriverFactory {
	return func(ctx context.Context, d platform.Descriptor) (login.Driver, error) {
		return Open(ctx, d, opts)
	}
}

// Open starts Chrome. The browser is killed when ctx is done or Close is
// called.
func Open(ctx context.Context, d platform.Descriptor, opts Options) (*Driver, error) {
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(ua),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tab, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			slog.DebugContext(ctx, fmt.Sprintf(format, args...))
		}),
	)
	cancel := func() {
		tabCancel()
		allocCancel()
	}
	if err := chromedp.Run(tab, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}

	sel := For(d.ID)
	if opts.Selectors != nil {
		sel = opts.Selectors(d.ID)
	}
	return &Driver{desc: d, sel: sel, tab: tab, cancel: cancel}, nil
}

// run executes actions on the tab, bounded by the call context and
// opTimeout.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.tab, opTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// first returns the first selector of candidates present in the page.
func (d *Driver) first(ctx context.Context, what string, candidates []string) (string, error) {
	list, err := json.Marshal(candidates)
	if err != nil {
		return "", err
	}
	var found string
	js := fmt.Sprintf(`%s.find(s => { try { return document.querySelector(s) !== null } catch (e) { return false } }) || ""`, list)
	if err := d.run(ctx, chromedp.Evaluate(js, &found)); err != nil {
		return "", fmt.Errorf("looking up %s: %w", what, err)
	}
	if found == "" {
		return "", fmt.Errorf("%s: %w", what, ErrElementNotFound)
	}
	return found, nil
}

func (d *Driver) click(ctx context.Context, what string, candidates []string) error {
	sel, err := d.first(ctx, what, candidates)
	if err != nil {
		return err
	}
	return d.run(ctx,
		chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.Sleep(time.Second),
	)
}

func (d *Driver) fill(ctx context.Context, what string, candidates []string, value string) error {
	sel, err := d.first(ctx, what, candidates)
	if err != nil {
		return err
	}
	return d.run(ctx,
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	)
}

func (d *Driver) NavigateToLogin(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx,
		chromedp.Navigate(d.desc.LoginURL),
		chromedp.Sleep(settle),
	); err != nil {
		return "", fmt.Errorf("opening %s: %w", d.desc.LoginURL, err)
	}
	// some pages show the login dialog without a button
	if err := d.click(ctx, "login button", d.sel.LoginButton); err != nil && !errors.Is(err, ErrElementNotFound) {
		return "", err
	}
	if err := d.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (d *Driver) CaptureChallengeImage(ctx context.Context) ([]byte, error) {
	sel, err := d.first(ctx, "qr code", d.sel.QRCode)
	if err != nil {
		return nil, err
	}
	var buf []byte
	if err := d.run(ctx, chromedp.Screenshot(sel, &buf, chromedp.NodeVisible, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("capturing qr code: %w", err)
	}
	return buf, nil
}

func (d *Driver) SwitchMode(ctx context.Context, mode model.LoginMode) error {
	if mode != model.LoginPhone {
		return nil
	}
	err := d.click(ctx, "phone login tab", d.sel.PhoneTab)
	if errors.Is(err, ErrElementNotFound) {
		// the phone form may already be shown
		return nil
	}
	return err
}

func (d *Driver) FillIdentifier(ctx context.Context, value string) error {
	return d.fill(ctx, "phone input", d.sel.PhoneInput, value)
}

func (d *Driver) RequestCode(ctx context.Context) error {
	return d.click(ctx, "send code button", d.sel.SendCode)
}

func (d *Driver) FillCode(ctx context.Context, code string) error {
	return d.fill(ctx, "code input", d.sel.CodeInput, code)
}

func (d *Driver) Submit(ctx context.Context) error {
	return d.click(ctx, "submit button", d.sel.Submit)
}

// WaitForSuccess waits up to opTimeout for the logged in marker element or
// a page outside the sign in flow.
func (d *Driver) WaitForSuccess(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	tick := time.NewTicker(successPoll)
	defer tick.Stop()
	for {
		if _, err := d.first(ctx, "logged in marker", d.sel.LoggedIn); err == nil {
			return true, nil
		}
		var loc string
		if err := d.run(ctx, chromedp.Location(&loc)); err == nil && loc != "" && !strings.Contains(loc, "signin") && !strings.Contains(loc, "login") {
			cookies, err := d.Cookies(ctx)
			if err == nil && d.desc.SessionCookie != "" && hasCookie(cookies, d.desc.SessionCookie) {
				return true, nil
			}
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-tick.C:
		}
	}
}

func hasCookie(cookies []login.Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name && c.Value != "" {
			return true
		}
	}
	return false
}

func (d *Driver) Cookies(ctx context.Context) ([]login.Cookie, error) {
	var ret []login.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithUrls([]string{d.desc.LoginURL}).Do(ctx)
		if err != nil {
			return err
		}
		ret = make([]login.Cookie, 0, len(cookies))
		for _, c := range cookies {
			ret = append(ret, login.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}
	return ret, nil
}

func (d *Driver) Close() error {
	d.cancel()
	return nil
}
