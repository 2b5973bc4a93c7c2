package maildrop

import (
	"net/mail"
	"testing"

	"github.com/dortort/openclaw-mailguard/internal/model"
)

func TestAuthResults(t *testing.T) {
	tests := []struct {
		name             string
		header           mail.Header
		spf, dkim, dmarc model.AuthResult
	}{
		{
			name:   "none",
			header: mail.Header{},
			spf:    model.AuthNone, dkim: model.AuthNone, dmarc: model.AuthNone,
		},
		{
			name: "all pass",
			header: mail.Header{"Authentication-Results": {
				"mx.example.net; spf=pass smtp.mailfrom=a.com; dkim=pass header.d=a.com; dmarc=pass header.from=a.com",
			}},
			spf: model.AuthPass, dkim: model.AuthPass, dmarc: model.AuthPass,
		},
		{
			name: "worst dkim wins",
			header: mail.Header{"Authentication-Results": {
				"mx.example.net; dkim=pass header.d=a.com; dkim=fail header.d=b.com",
			}},
			spf: model.AuthNone, dkim: model.AuthFail, dmarc: model.AuthNone,
		},
		{
			name: "across headers",
			header: mail.Header{"Authentication-Results": {
				"mx1.example.net; spf=pass smtp.mailfrom=a.com",
				"mx2.example.net; spf=softfail smtp.mailfrom=a.com",
			}},
			spf: model.AuthSoftFail, dkim: model.AuthNone, dmarc: model.AuthNone,
		},
		{
			name: "case and comments",
			header: mail.Header{"Authentication-Results": {
				"mx.example.net; SPF=PermError (bad; record) smtp.mailfrom=a.com; DMARC=Pass",
			}},
			spf: model.AuthPermError, dkim: model.AuthNone, dmarc: model.AuthPass,
		},
		{
			name: "received-spf fallback",
			header: mail.Header{"Received-Spf": {
				"fail (mx.example.net: domain of a.com does not designate 1.2.3.4) client-ip=1.2.3.4;",
			}},
			spf: model.AuthFail, dkim: model.AuthNone, dmarc: model.AuthNone,
		},
		{
			name: "authentication-results beats received-spf",
			header: mail.Header{
				"Authentication-Results": {"mx.example.net; spf=pass smtp.mailfrom=a.com"},
				"Received-Spf":           {"fail (x)"},
			},
			spf: model.AuthPass, dkim: model.AuthNone, dmarc: model.AuthNone,
		},
		{
			name: "unknown result ignored",
			header: mail.Header{"Authentication-Results": {
				"mx.example.net; dkim=policy header.d=a.com; none",
			}},
			spf: model.AuthNone, dkim: model.AuthNone, dmarc: model.AuthNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spf, dkim, dmarc := AuthResults(tt.header)
			if spf != tt.spf || dkim != tt.dkim || dmarc != tt.dmarc {
				t.Errorf("expected %s/%s/%s, got %s/%s/%s", tt.spf, tt.dkim, tt.dmarc, spf, dkim, dmarc)
			}
		})
	}
}
