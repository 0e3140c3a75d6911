package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"callflow-platform/internal/telephony"
)

var (
	ErrUnsigned     = errors.New("gateway: webhook signature missing")
	ErrBadSignature = errors.New("gateway: webhook signature invalid")
	ErrNoSecret     = errors.New("gateway: webhook verification not configured")
)

// Verifier checks that a webhook was sent by Twilio. The signed URL is the
// public base URL plus the request URI, since TLS terminates before us and the
// Host we see is not the one Twilio signed.
type Verifier struct {
	AuthToken string
	BaseURL   string
	// Required rejects every webhook when no auth token is configured.
	Required bool
}

// Verify expects r's form to be parsed already.
func (v Verifier) Verify(r *http.Request) error {
	if v.AuthToken == "" {
		if v.Required {
			return ErrNoSecret
		}
		return nil
	}
	sig := r.Header.Get(telephony.SignatureHeader)
	if sig == "" {
		return ErrUnsigned
	}
	params := r.PostForm
	if params == nil {
		params = url.Values{}
	}
	if !telephony.ValidSignature(v.AuthToken, v.signedURL(r), params, sig) {
		return ErrBadSignature
	}
	return nil
}

func (v Verifier) signedURL(r *http.Request) string {
	base := strings.TrimRight(v.BaseURL, "/")
	if base == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}
