// Package oauth1 signs requests with one-legged OAuth 1.0a (HMAC-SHA1).
package oauth1

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	signatureMethod = "HMAC-SHA1"
	version         = "1.0"
)

// Credentials are the consumer and access token pairs of a user-context app.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// Signer builds Authorization headers. Nonce and Now are only overridden in
// tests; every call draws a fresh nonce and timestamp otherwise.
type Signer struct {
	Credentials Credentials
	Nonce       func() string
	Now         func() time.Time
}

// Sign returns the Authorization header value for a request without extra
// signed parameters. It fails only when rawURL does not parse.
func Sign(method, rawURL, consumerKey, consumerSecret, token, tokenSecret string) (string, error) {
	s := &Signer{Credentials: Credentials{
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		Token:          token,
		TokenSecret:    tokenSecret,
	}}
	return s.Authorization(method, rawURL, nil)
}

// Authorization signs method and rawURL. Query parameters in rawURL and any
// form parameters in params take part in the signature; multipart and JSON
// bodies do not.
func (s *Signer) Authorization(method, rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.Credentials.ConsumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_token":            s.Credentials.Token,
		"oauth_version":          version,
	}

	var pairs []pair
	for k, v := range oauthParams {
		pairs = append(pairs, pair{Encode(k), Encode(v)})
	}
	for k, vs := range u.Query() {
		for _, v := range vs {
			pairs = append(pairs, pair{Encode(k), Encode(v)})
		}
	}
	for k, vs := range params {
		for _, v := range vs {
			pairs = append(pairs, pair{Encode(k), Encode(v)})
		}
	}

	base := baseString(method, baseURL(u), pairs)
	key := Encode(s.Credentials.ConsumerSecret) + "&" + Encode(s.Credentials.TokenSecret)
	oauthParams["oauth_signature"] = signature(key, base)

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, Encode(k)+`="`+Encode(oauthParams[k])+`"`)
	}
	return "OAuth " + strings.Join(parts, ", "), nil
}

// SignRequest sets the Authorization header on req. params are the form
// values carried in the body, if any.
func (s *Signer) SignRequest(req *http.Request, params url.Values) error {
	header, err := s.Authorization(req.Method, req.URL.String(), params)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

type pair struct{ key, value string }

// baseString builds the signature base string from already encoded pairs.
func baseString(method, baseURL string, pairs []pair) string {
	sorted := append([]pair(nil), pairs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].key == sorted[j].key {
			return sorted[i].value < sorted[j].value
		}
		return sorted[i].key < sorted[j].key
	})

	joined := make([]string, 0, len(sorted))
	for _, p := range sorted {
		joined = append(joined, p.key+"="+p.value)
	}
	return strings.ToUpper(method) + "&" + Encode(baseURL) + "&" + Encode(strings.Join(joined, "&"))
}

func signature(key, base string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// baseURL drops query and fragment and lowercases scheme and host.
func baseURL(u *url.URL) string {
	out := url.URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Host),
		Path:   u.EscapedPath(),
	}
	if out.Path == "" {
		out.Path = "/"
	}
	return out.Scheme + "://" + out.Host + out.Path
}

// Encode percent-encodes s per RFC 3986: only ALPHA, DIGIT and "-._~" pass
// through, so "!'()*" are escaped as well.
func Encode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

func (s *Signer) nonce() string {
	if s.Nonce != nil {
		return s.Nonce()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
