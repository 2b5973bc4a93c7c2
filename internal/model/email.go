package model

import "strings"

// AuthResult is the outcome of one sender-authentication mechanism.
type AuthResult string

const (
	AuthNone      AuthResult = "none"
	AuthPass      AuthResult = "pass"
	AuthFail      AuthResult = "fail"
	AuthSoftFail  AuthResult = "softfail"
	AuthNeutral   AuthResult = "neutral"
	AuthTempError AuthResult = "temperror"
	AuthPermError AuthResult = "permerror"
)

// ParseAuthResult normalizes a raw result token. Unknown tokens map to none.
func ParseAuthResult(s string) AuthResult {
	switch AuthResult(strings.ToLower(strings.TrimSpace(s))) {
	case AuthPass:
		return AuthPass
	case AuthFail:
		return AuthFail
	case AuthSoftFail:
		return AuthSoftFail
	case AuthNeutral:
		return AuthNeutral
	case AuthTempError:
		return AuthTempError
	case AuthPermError:
		return AuthPermError
	default:
		return AuthNone
	}
}

// Failed reports whether the result is a definite authentication failure.
func (a AuthResult) Failed() bool {
	return a == AuthFail || a == AuthSoftFail || a == AuthPermError
}

// EmailHeaders is the canonical header view consumed by risk assessment.
// Transport adapters map provider-specific formats into this shape.
type EmailHeaders struct {
	MessageID string     `json:"message_id"`
	From      string     `json:"from"`
	Subject   string     `json:"subject"`
	SPF       AuthResult `json:"spf"`
	DKIM      AuthResult `json:"dkim"`
	DMARC     AuthResult `json:"dmarc"`
}

// SenderDomain returns the lowercased domain part of From, or "" if absent.
func (h EmailHeaders) SenderDomain() string {
	addr := h.From
	if i := strings.LastIndexByte(addr, '<'); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(addr[at+1:], ">")))
}
