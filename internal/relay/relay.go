// Package relay fetches and issues short-lived TURN credentials in the
// REST-API style: the username is "expiry:user" and the credential is the
// base64 HMAC-SHA1 of that username under a secret shared with the TURN
// server.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNoEndpoint = errors.New("relay endpoint not configured")
	ErrBadReply   = errors.New("malformed relay credentials")
)

// Credentials is the reply of the relay-credentials endpoint. TTL is in
// seconds.
type Credentials struct {
	URIs       []string `json:"uris"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int      `json:"ttl"`
}

// ICEServer converts the credentials to a pion ICE server entry.
func (c Credentials) ICEServer() webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:           c.URIs,
		Username:       c.Username,
		Credential:     c.Credential,
		CredentialType: webrtc.ICECredentialTypePassword,
	}
}

// Fetcher asks the relay-credentials endpoint for a fresh set of
// credentials. Nothing is cached; every connection attempt fetches anew.
type Fetcher struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (f *Fetcher) Fetch(ctx context.Context, user string) (Credentials, error) {
	if f == nil || f.URL == "" {
		return Credentials{}, ErrNoEndpoint
	}

	u, err := url.Parse(f.URL)
	if err != nil {
		return Credentials{}, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", user)
	u.RawQuery = q.Encode()

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Credentials{}, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetch relay credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("fetch relay credentials: %s", resp.Status)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	if len(creds.URIs) == 0 || creds.Username == "" || creds.Credential == "" {
		return Credentials{}, ErrBadReply
	}
	return creds, nil
}

// Issuer mints credentials for the relay-credentials endpoint.
type Issuer struct {
	Secret []byte
	URIs   []string
	TTL    time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Issue returns credentials for user valid for TTL.
func (i *Issuer) Issue(user string) Credentials {
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	username := fmt.Sprintf("%d:%s", now().Add(ttl).Unix(), user)
	return Credentials{
		URIs:       i.URIs,
		Username:   username,
		Credential: sign(i.Secret, username),
		TTL:        int(ttl.Seconds()),
	}
}

// ServeHTTP answers GET ?user=<id> with a JSON Credentials body.
func (i *Issuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	if len(i.URIs) == 0 || len(i.Secret) == 0 {
		http.Error(w, "relay not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(i.Issue(user))
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// EndpointFor derives the relay-credentials URL served next to the
// signaling WebSocket at signalURL.
func EndpointFor(signalURL string) (string, error) {
	u, err := url.Parse(signalURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signal URL %q", signalURL)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("signal URL %q: unsupported scheme", signalURL)
	}
	base := strings.TrimSuffix(u.Path, "/")
	base = strings.TrimSuffix(base, "/ws")
	u.Path = base + "/relay-credentials"
	u.RawQuery = ""
	return u.String(), nil
}
