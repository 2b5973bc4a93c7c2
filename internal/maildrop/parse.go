// Package maildrop turns raw RFC 5322 messages, as piped in by Postfix or
// sendmail, into guard messages and writes the verdicts to disk.
package maildrop

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/dortort/openclaw-mailguard/internal/model"
	"github.com/dortort/openclaw-mailguard/internal/sanitize"
)

// maxDepth bounds multipart nesting.
const maxDepth = 8

// ErrTooLarge is returned for messages over sanitize.MaxRawBytes.
var ErrTooLarge = errors.New("message too large")

// Email holds the fields extracted from a raw message.
type Email struct {
	Headers     model.EmailHeaders
	From        string // bare address
	Date        time.Time
	HTML        string
	Plain       string
	Attachments int
	// SkippedParts counts body parts that could not be decoded.
	SkippedParts int
	Header       mail.Header
}

// ParseEmail parses a raw message. Text parts are decoded from their
// transfer encoding and converted to UTF-8; attachments are counted and
// dropped. The first text/plain and first text/html part win.
func ParseEmail(raw []byte) (*Email, error) {
	if len(raw) > sanitize.MaxRawBytes {
		return nil, fmt.Errorf("%d bytes: %w", len(raw), ErrTooLarge)
	}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse email: %w", err)
	}

	from := msg.Header.Get("From")
	if from == "" {
		return nil, fmt.Errorf("email missing From header")
	}
	addr, err := mail.ParseAddress(decodeHeader(from))
	if err != nil {
		return nil, fmt.Errorf("invalid From address: %w", err)
	}

	spf, dkim, dmarc := AuthResults(msg.Header)
	e := &Email{
		Headers: model.EmailHeaders{
			MessageID: strings.TrimSpace(msg.Header.Get("Message-Id")),
			From:      addr.Address,
			Subject:   decodeHeader(msg.Header.Get("Subject")),
			SPF:       spf,
			DKIM:      dkim,
			DMARC:     dmarc,
		},
		From:   addr.Address,
		Header: msg.Header,
	}
	if d, err := msg.Header.Date(); err == nil {
		e.Date = d.UTC()
	}

	if err := e.walk(headerPart(msg.Header), msg.Body, 0); err != nil {
		return nil, err
	}
	return e, nil
}

// part is the subset of a MIME header the walker needs.
type part struct {
	contentType string
	encoding    string
	disposition string
}

func headerPart(h mail.Header) part {
	return part{
		contentType: h.Get("Content-Type"),
		encoding:    h.Get("Content-Transfer-Encoding"),
		disposition: h.Get("Content-Disposition"),
	}
}

func (e *Email) walk(p part, body io.Reader, depth int) error {
	mediaType, params, err := mime.ParseMediaType(p.contentType)
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if depth >= maxDepth {
			e.SkippedParts++
			return nil
		}
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(body, boundary)
		for {
			np, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read multipart: %w", err)
			}
			sub := part{
				contentType: np.Header.Get("Content-Type"),
				encoding:    np.Header.Get("Content-Transfer-Encoding"),
				disposition: np.Header.Get("Content-Disposition"),
			}
			if sub.contentType == "" {
				sub.contentType = "text/plain"
				if mediaType == "multipart/digest" {
					sub.contentType = "message/rfc822"
				}
			}
			if err := e.walk(sub, np, depth+1); err != nil {
				return err
			}
		}
	}

	if disp, _, err := mime.ParseMediaType(p.disposition); err == nil && disp == "attachment" {
		e.Attachments++
		return nil
	}
	if mediaType != "text/plain" && mediaType != "text/html" {
		e.Attachments++
		return nil
	}
	if (mediaType == "text/plain" && e.Plain != "") || (mediaType == "text/html" && e.HTML != "") {
		return nil
	}

	text, err := decodeBody(body, p.encoding, params["charset"])
	if err != nil {
		e.SkippedParts++
		return nil
	}
	if mediaType == "text/html" {
		e.HTML = text
	} else {
		e.Plain = text
	}
	return nil
}

func decodeBody(r io.Reader, encoding, cs string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	data, err := io.ReadAll(io.LimitReader(r, sanitize.MaxRawBytes))
	if err != nil {
		return "", err
	}
	return toUTF8(data, cs), nil
}

// toUTF8 converts data from the declared charset. Unknown charsets are left
// as-is and repaired later by the sanitizer.
func toUTF8(data []byte, cs string) string {
	cs = strings.ToLower(strings.TrimSpace(cs))
	if cs == "" || cs == "utf-8" || cs == "us-ascii" {
		return string(data)
	}
	r, err := charset.NewReaderLabel(cs, bytes.NewReader(data))
	if err != nil {
		return string(data)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(data)
	}
	return string(out)
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}

func decodeHeader(v string) string {
	out, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}
