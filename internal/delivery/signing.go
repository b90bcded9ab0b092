package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signer computes and verifies per-request HMAC signatures over a canonical
// representation of timestamp + bound headers + body:
//
// canon = utf8(ts) || '.' || concat_for_each(header_name, value) || '.' || body
type Signer struct {
	headerName string
	versions   []string // e.g. ["v1"], all bound with the same secret/canon today
}

// NewSigner builds a Signer for the configured header name and enabled
// signature versions. Returns an error if no versions are enabled, since a
// subscription secret with no signature output is a configuration defect.
func NewSigner(headerName string, versions []string) (*Signer, error) {
	if headerName == "" {
		return nil, fmt.Errorf("signature header name must not be empty")
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("at least one signature version must be enabled")
	}
	return &Signer{headerName: headerName, versions: versions}, nil
}

// Canonicalize builds the byte-stable message signed over. headerOrder lists
// header names in the exact order they are bound; values come from hdrs.
func Canonicalize(ts int64, headerOrder []string, hdrs http.Header, body []byte) []byte {
	var boundHeaders strings.Builder
	for _, name := range headerOrder {
		boundHeaders.WriteString(name)
		boundHeaders.WriteString(hdrs.Get(name))
	}

	var buf strings.Builder
	buf.WriteString(strconv.FormatInt(ts, 10))
	buf.WriteByte('.')
	buf.WriteString(boundHeaders.String())
	buf.WriteByte('.')
	out := make([]byte, 0, buf.Len()+len(body))
	out = append(out, []byte(buf.String())...)
	out = append(out, body...)
	return out
}

// Sign returns the signature header value for a request, in the form
// "t=<ts>,h=<space-separated header names>,v1=<hex hmac>[,v2=<hex hmac>...]".
// secret is the subscription's signing secret; an empty secret is a
// configuration error the caller must surface, not silently skip.
func (s *Signer) Sign(secret string, ts int64, headerOrder []string, hdrs http.Header, body []byte) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret must not be empty")
	}

	canon := Canonicalize(ts, headerOrder, hdrs, body)

	var b strings.Builder
	b.WriteString("t=")
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteString(",h=")
	b.WriteString(strings.Join(headerOrder, " "))
	for _, v := range s.versions {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(canon)
		b.WriteString(",")
		b.WriteString(v)
		b.WriteString("=")
		b.WriteString(hex.EncodeToString(mac.Sum(nil)))
	}
	return b.String(), nil
}

// HeaderName returns the configured signature header name.
func (s *Signer) HeaderName() string { return s.headerName }

// Verify checks a received signature header value against a recomputed
// canonical message. It returns false if parsing fails, any bound header
// value was altered, the timestamp was altered, or the body was altered.
func Verify(secret string, sigHeader string, headerOrder []string, hdrs http.Header, body []byte) bool {
	ts, macs, ok := parseSignatureHeader(sigHeader)
	if !ok || secret == "" {
		return false
	}

	canon := Canonicalize(ts, headerOrder, hdrs, body)
	expected := hmac.New(sha256.New, []byte(secret))
	expected.Write(canon)
	want := expected.Sum(nil)

	for _, got := range macs {
		gotBytes, err := hex.DecodeString(got)
		if err != nil {
			continue
		}
		if hmac.Equal(gotBytes, want) {
			return true
		}
	}
	return false
}

// parseSignatureHeader extracts the timestamp and all vN= MAC values from a
// "t=...,h=...,v1=...,v2=..." header value.
func parseSignatureHeader(header string) (ts int64, macs []string, ok bool) {
	parts := strings.Split(header, ",")
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch {
		case key == "t":
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			ts = parsed
			ok = true
		case key == "h":
			// header order is supplied by the caller for recomputation;
			// the h= field is informational for external verifiers.
		case strings.HasPrefix(key, "v"):
			macs = append(macs, val)
		}
	}
	return ts, macs, ok && len(macs) > 0
}

// Now returns the signed timestamp used at dispatch time.
func Now() int64 { return time.Now().Unix() }
