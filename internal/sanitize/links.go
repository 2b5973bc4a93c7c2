package sanitize

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Link suspicion reasons.
const (
	ReasonShortener         = "url_shortener"
	ReasonDangerousScheme   = "dangerous_scheme"
	ReasonCredentialsInURL  = "credentials_in_url"
	ReasonCredentialKeyword = "credential_keyword"
	ReasonOpenRedirect      = "open_redirect"
	ReasonIPAddressHost     = "ip_address_host"
	ReasonExcessSubdomains  = "excessive_subdomains"
	ReasonTyposquat         = "typosquat"
)

// UnknownDomain is recorded for links that cannot be parsed.
const UnknownDomain = "unknown"

// Link is one deduplicated link found in the message.
type Link struct {
	Original   string   `json:"original"`
	Normalized string   `json:"normalized"`
	Domain     string   `json:"domain"`
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons,omitempty"`
}

// HasReason reports whether r is among the link's suspicion reasons.
func (l Link) HasReason(r string) bool {
	for _, x := range l.Reasons {
		if x == r {
			return true
		}
	}
	return false
}

var textURLRe = regexp.MustCompile(`(?i)\b(?:(?:https?|ftp)://|www\.)[^\s<>"'()\[\]{}]+`)

var shorteners = map[string]bool{
	"bit.ly": true, "tinyurl.com": true, "goo.gl": true, "t.co": true,
	"ow.ly": true, "is.gd": true, "buff.ly": true, "rebrand.ly": true,
	"cutt.ly": true, "shorturl.at": true, "tiny.cc": true, "rb.gy": true,
	"bl.ink": true, "lnkd.in": true, "t.ly": true, "s.id": true, "v.gd": true,
	"clck.ru": true, "qr.ae": true,
}

var dangerousSchemes = map[string]bool{
	"data": true, "javascript": true, "vbscript": true, "file": true,
}

var credentialKeywords = []string{"login", "password", "verify", "secure", "account", "update"}

var typosquats = []string{
	"paypa1", "paypai", "g00gle", "goog1e", "micros0ft", "rnicrosoft",
	"amaz0n", "arnazon", "app1e", "faceb00k", "netf1ix", "1inkedin",
}

var redirectParams = map[string]bool{
	"url": true, "redirect": true, "redirect_uri": true, "redirect_url": true,
	"next": true, "return": true, "returnurl": true, "return_to": true,
	"goto": true, "dest": true, "destination": true, "continue": true, "target": true,
}

func isTrackingParam(k string) bool {
	k = strings.ToLower(k)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	switch k {
	case "fbclid", "gclid", "msclkid", "mc_cid", "mc_eid", "_hsenc", "_hsmi", "yclid", "igshid":
		return true
	}
	return false
}

// extractTextLinks finds URLs in plain text.
func extractTextLinks(text string) []string {
	var out []string
	for _, m := range textURLRe.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;:!?")
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

func schemeOf(raw string) string {
	i := strings.IndexByte(raw, ':')
	if i <= 0 {
		return ""
	}
	s := strings.ToLower(raw[:i])
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return ""
		}
	}
	return s
}

// NormalizeURL lowercases scheme and host, drops tracking parameters and
// re-encodes the query in sorted order. Unparseable input is returned
// trimmed with domain "unknown".
func NormalizeURL(raw string) (normalized, domain string) {
	raw = strings.TrimSpace(raw)
	candidate := raw
	if strings.HasPrefix(strings.ToLower(candidate), "www.") {
		candidate = "http://" + candidate
	}
	if s := schemeOf(candidate); dangerousSchemes[s] {
		return s + candidate[len(s):], UnknownDomain
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" {
		return raw, UnknownDomain
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.RawQuery != "" {
		if q, err := url.ParseQuery(u.RawQuery); err == nil {
			for k := range q {
				if isTrackingParam(k) {
					q.Del(k)
				}
			}
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), registeredDomain(u.Hostname())
}

func registeredDomain(host string) string {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return UnknownDomain
	}
	if isIPHost(host) {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// isIPHost recognizes dotted, bracketed IPv6, and single-integer hosts
// such as 3232235777 or 0xC0A80101.
func isIPHost(host string) bool {
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return true
	}
	if _, err := strconv.ParseUint(host, 0, 32); err == nil {
		return true
	}
	return false
}

func classifyLink(original, normalized, domain string) []string {
	var reasons []string
	add := func(r string) {
		for _, x := range reasons {
			if x == r {
				return
			}
		}
		reasons = append(reasons, r)
	}

	if dangerousSchemes[schemeOf(strings.TrimSpace(original))] {
		add(ReasonDangerousScheme)
	}

	lower := strings.ToLower(original)
	for _, kw := range credentialKeywords {
		if strings.Contains(lower, kw) {
			add(ReasonCredentialKeyword)
			break
		}
	}
	for _, t := range typosquats {
		if strings.Contains(lower, t) {
			add(ReasonTyposquat)
			break
		}
	}

	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return reasons
	}

	if u.User != nil || strings.Contains(authority(original), "@") {
		add(ReasonCredentialsInURL)
	}
	host := strings.TrimSuffix(u.Hostname(), ".")
	if shorteners[host] || shorteners[domain] {
		add(ReasonShortener)
	}
	for k, vs := range u.Query() {
		if !redirectParams[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			lv := strings.ToLower(v)
			if strings.HasPrefix(lv, "http://") || strings.HasPrefix(lv, "https://") || strings.HasPrefix(lv, "//") {
				add(ReasonOpenRedirect)
			}
		}
	}
	if isIPHost(host) {
		add(ReasonIPAddressHost)
	} else if domain != UnknownDomain {
		sub := strings.Count(host, ".") - strings.Count(domain, ".")
		if sub > 3 {
			add(ReasonExcessSubdomains)
		}
	}
	return reasons
}

// authority returns the part of a URL between "//" and the first "/", "?"
// or "#".
func authority(raw string) string {
	i := strings.Index(raw, "//")
	if i < 0 {
		return ""
	}
	rest := raw[i+2:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// mergeLinks normalizes, classifies and deduplicates raw links by their
// normalized form, keeping first-seen order.
func mergeLinks(groups ...[]string) []Link {
	seen := make(map[string]bool)
	var out []Link
	for _, g := range groups {
		for _, raw := range g {
			norm, domain := NormalizeURL(raw)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			reasons := classifyLink(raw, norm, domain)
			out = append(out, Link{
				Original:   raw,
				Normalized: norm,
				Domain:     domain,
				Suspicious: len(reasons) > 0,
				Reasons:    reasons,
			})
		}
	}
	return out
}
