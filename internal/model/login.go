package model

import "time"

type LoginMode string

const (
	LoginCredential LoginMode = "credential_blob"
	LoginQRCode     LoginMode = "qrcode"
	LoginPhone      LoginMode = "phone_code"
)

func (m LoginMode) Valid() bool {
	switch m {
	case LoginCredential, LoginQRCode, LoginPhone:
		return true
	}
	return false
}

type LoginStatus string

const (
	LoginPending         LoginStatus = "pending"
	LoginQRCodeGenerated LoginStatus = "qrcode_generated"
	LoginQRCodeScanned   LoginStatus = "qrcode_scanned"
	LoginPhoneRequired   LoginStatus = "phone_input_required"
	LoginCodeRequired    LoginStatus = "verification_code_required"
	LoginSuccess         LoginStatus = "success"
	LoginFailed          LoginStatus = "failed"
	LoginTimeout         LoginStatus = "timeout"
)

// Terminal reports whether no further transition can leave the status.
func (s LoginStatus) Terminal() bool {
	return s == LoginSuccess || s == LoginFailed || s == LoginTimeout
}

type InputType string

const (
	InputIdentifier InputType = "identifier"
	InputCode       InputType = "code"
)

const DefaultLoginTimeout = 300 * time.Second

// LoginStatusReport is what clients see when reading a login session.
type LoginStatusReport struct {
	JobID          string         `json:"job_id"`
	Platform       Platform       `json:"platform"`
	Mode           LoginMode      `json:"login_type"`
	Status         LoginStatus    `json:"status"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
	ChallengeImage string         `json:"challenge_image,omitempty"`
	InputRequired  InputType      `json:"input_required,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
