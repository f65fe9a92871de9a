package browser

import "github.com/mediacrawler/harvester/internal/model"

// Selectors lists CSS candidates for every element of a login page. The
// first candidate present in the document wins.
type Selectors struct {
	LoginButton []string
	QRCode      []string
	PhoneTab    []string
	PhoneInput  []string
	SendCode    []string
	CodeInput   []string
	Submit      []string
	// LoggedIn is present only after a successful login.
	LoggedIn []string
}

var generic = Selectors{
	LoginButton: []string{".login-btn", "button.login", "[data-testid='login-button']"},
	QRCode: []string{
		".qr-code img", ".qrcode-container img", ".login-qr-code img", ".qr-img",
		".qr-code", ".qrcode", ".qrcode-container", ".login-qr-code", "canvas",
	},
	PhoneTab:   []string{".phone-login-tab", "[data-testid='phone-tab']", ".login-tab:nth-child(2)"},
	PhoneInput: []string{"input[type='tel']", ".phone-input input", "[data-testid='phone-input']", "input[name='phone']"},
	SendCode:   []string{".send-code-btn", "[data-testid='send-code-btn']"},
	CodeInput: []string{
		".verification-code-input input", "[data-testid='verification-code-input']",
		"input[name='verificationCode']", "input[maxlength='6']",
	},
	Submit:   []string{"button[type='submit']", ".login-submit-btn", "[data-testid='login-submit']"},
	LoggedIn: []string{".user-avatar", ".avatar", "[data-testid='user-avatar']"},
}

var overrides = map[model.Platform]Selectors{
	model.PlatformXHS: {
		LoginButton: []string{"#app > div:nth-child(1) > div:nth-child(2) > div:nth-child(1) > ul > div:nth-child(1) > button", ".login-btn"},
		QRCode:      []string{".qrcode-img", ".qrcode-container img", ".qr-code img"},
		LoggedIn:    []string{".user .avatar", ".side-bar .user"},
	},
	model.PlatformBili: {
		LoginButton: []string{".header-login-entry", ".go-login-btn"},
		QRCode:      []string{".login-scan-box img", ".qrcode-img img", ".login-scan-box canvas"},
		PhoneTab:    []string{".login-sms-tab", ".tab__form .tab:nth-child(2)"},
		LoggedIn:    []string{".header-avatar-wrap", ".bili-avatar"},
	},
	model.PlatformDouyin: {
		LoginButton: []string{"#login-pannel", "[data-e2e='login-button']"},
		QRCode:      []string{"[data-e2e='qrcode-image'] img", ".web-login-scan-code__content__qrcode-wrapper img"},
		LoggedIn:    []string{"[data-e2e='live-avatar']", "[data-e2e='user-avatar']"},
	},
}

// For returns the selectors of p, falling back to the generic candidates
// for every list the platform does not override.
func For(p model.Platform) Selectors {
	s := generic
	o, ok := overrides[p]
	if !ok {
		return s
	}
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	pick(&s.LoginButton, o.LoginButton)
	pick(&s.QRCode, o.QRCode)
	pick(&s.PhoneTab, o.PhoneTab)
	pick(&s.PhoneInput, o.PhoneInput)
	pick(&s.SendCode, o.SendCode)
	pick(&s.CodeInput, o.CodeInput)
	pick(&s.Submit, o.Submit)
	pick(&s.LoggedIn, o.LoggedIn)
	return s
}
