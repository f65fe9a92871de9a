// Package login drives the interactive credential acquisition of a job: a
// browser login page, the human in front of it and the credential cache
// which stores the outcome.
package login

import (
	"context"
	"strings"

	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
)

// Cookie is one credential of the browser context.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Driver performs the page interactions of one platform inside one
// browser. Implementations are used by a single session.
type Driver interface {
	// NavigateToLogin opens the login surface and returns its URL.
	NavigateToLogin(ctx context.Context) (string, error)
	// CaptureChallengeImage returns an encoded image of the QR challenge.
	CaptureChallengeImage(ctx context.Context) ([]byte, error)
	SwitchMode(ctx context.Context, mode model.LoginMode) error
	FillIdentifier(ctx context.Context, value string) error
	RequestCode(ctx context.Context) error
	FillCode(ctx context.Context, code string) error
	Submit(ctx context.Context) error
	// WaitForSuccess reports whether the login page accepted the login.
	WaitForSuccess(ctx context.Context) (bool, error)
	// Cookies returns the credentials of the browser context.
	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// DriverFactory starts a browser for the platform. The driver lives until
// the session is removed, so ctx must not be a request context.
type DriverFactory func(ctx context.Context, d platform.Descriptor) (Driver, error)

// Serialize renders cookies as "name=value; Domain=d; Path=p" entries
// joined by "; ".
func Serialize(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		var b strings.Builder
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
		if c.Domain != "" {
			b.WriteString("; Domain=")
			b.WriteString(c.Domain)
		}
		if c.Path != "" {
			b.WriteString("; Path=")
			b.WriteString(c.Path)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "; ")
}

func marker(cookies []Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
