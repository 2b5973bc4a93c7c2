package maildrop

import (
	"net/mail"
	"strings"

	"github.com/dortort/openclaw-mailguard/internal/model"
)

// authRank orders results from best to worst. When a message carries the
// same method more than once, the worst result wins.
var authRank = map[model.AuthResult]int{
	model.AuthNone:      0,
	model.AuthPass:      1,
	model.AuthNeutral:   2,
	model.AuthTempError: 3,
	model.AuthSoftFail:  4,
	model.AuthPermError: 5,
	model.AuthFail:      6,
}

// AuthResults extracts SPF, DKIM and DMARC results from every
// Authentication-Results header. Received-SPF is used when no
// Authentication-Results header reports SPF.
func AuthResults(h mail.Header) (spf, dkim, dmarc model.AuthResult) {
	spf, dkim, dmarc = model.AuthNone, model.AuthNone, model.AuthNone
	for _, v := range h["Authentication-Results"] {
		for method, res := range parseAuthResults(v) {
			switch method {
			case "spf":
				spf = worse(spf, res)
			case "dkim":
				dkim = worse(dkim, res)
			case "dmarc":
				dmarc = worse(dmarc, res)
			}
		}
	}
	if spf == model.AuthNone {
		for _, v := range h["Received-Spf"] {
			if f := strings.Fields(v); len(f) > 0 {
				spf = worse(spf, model.ParseAuthResult(f[0]))
			}
		}
	}
	return spf, dkim, dmarc
}

// parseAuthResults reads one header value of the form
// "authserv-id; method=result prop=value; method=result ...".
func parseAuthResults(v string) map[string]model.AuthResult {
	out := make(map[string]model.AuthResult)
	clauses := strings.Split(stripComments(v), ";")
	// the first clause is the authserv-id
	for _, c := range clauses[1:] {
		f := strings.Fields(c)
		if len(f) == 0 {
			continue
		}
		method, result, ok := strings.Cut(f[0], "=")
		if !ok {
			continue
		}
		method = strings.ToLower(method)
		cur, seen := out[method]
		if !seen {
			cur = model.AuthNone
		}
		out[method] = worse(cur, model.ParseAuthResult(result))
	}
	return out
}

func worse(a, b model.AuthResult) model.AuthResult {
	if authRank[b] > authRank[a] {
		return b
	}
	return a
}

// stripComments removes RFC 5322 parenthesized comments, which may
// contain semicolons.
func stripComments(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
