// Package auth pairs this hub's device identity with the Botster server.
//
// The flow is RFC 8628 (OAuth 2.0 Device Authorization Grant): the hub
// requests a user code, the operator approves it in a browser, and the
// hub polls until the server mints a device token. The request carries
// the device's key fingerprint so the server binds the token to the same
// identity that later publishes prekey bundles.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/trybotster/botster-hub/internal/config"
)

// defaultPollFloor is the minimum poll spacing regardless of what the
// server asks for.
const defaultPollFloor = 5 * time.Second

// codeGrant is the server's response to a device code request.
type codeGrant struct {
	// DeviceCode is the opaque code the hub polls with.
	DeviceCode string `json:"device_code"`
	// UserCode is the short code the operator types in.
	UserCode string `json:"user_code"`
	// VerificationURI is where the operator enters the code.
	VerificationURI string `json:"verification_uri"`
	// ExpiresIn is seconds until the grant expires.
	ExpiresIn int64 `json:"expires_in"`
	// Interval is the server's requested poll spacing in seconds.
	Interval int64 `json:"interval"`
}

// tokenGrant is the successful poll response.
type tokenGrant struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// pollError is the error shape of a rejected poll.
type pollError struct {
	Error string `json:"error"`
}

// Options tunes a Flow.
type Options struct {
	// Out receives operator-facing instructions; defaults to stdout.
	Out io.Writer

	// NoBrowser suppresses opening the verification page even on a TTY.
	// BOTSTER_NO_BROWSER=1 and CI environments imply it.
	NoBrowser bool
}

// Flow performs device authorization against one server.
type Flow struct {
	serverURL string
	client    *http.Client
	out       io.Writer
	noBrowser bool

	// pollFloor is overridable in tests.
	pollFloor time.Duration
}

// NewFlow creates a device authorization flow.
func NewFlow(serverURL string, opts Options) *Flow {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Flow{
		serverURL: serverURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		out:       out,
		noBrowser: opts.NoBrowser || os.Getenv("BOTSTER_NO_BROWSER") != "" || os.Getenv("CI") != "",
		pollFloor: defaultPollFloor,
	}
}

// Login runs the full flow and returns the minted device token.
//
// deviceName and fingerprint identify this hub's key material to the
// server; the operator sees the fingerprint on the approval page and can
// compare it against `botster-hub` output before approving.
func (f *Flow) Login(ctx context.Context, deviceName, fingerprint string) (string, error) {
	grant, err := f.requestCode(ctx, deviceName, fingerprint)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(f.out, "\n  To pair this hub, visit:\n\n    %s\n\n", grant.VerificationURI)
	fmt.Fprintf(f.out, "  And enter this code:\n\n    %s\n\n", grant.UserCode)
	if fingerprint != "" {
		fmt.Fprintf(f.out, "  Device fingerprint: %s\n\n", fingerprint)
	}

	if f.interactive() {
		if err := openBrowser(grant.VerificationURI); err == nil {
			fmt.Fprintln(f.out, "  Opened the verification page in your browser.")
		}
	}
	fmt.Fprintln(f.out, "  Waiting for approval...")

	return f.poll(ctx, grant)
}

// interactive reports whether a browser may be opened.
func (f *Flow) interactive() bool {
	return !f.noBrowser && term.IsTerminal(int(os.Stdin.Fd()))
}

// requestCode asks the server for a device code grant.
func (f *Flow) requestCode(ctx context.Context, deviceName, fingerprint string) (*codeGrant, error) {
	body, err := json.Marshal(map[string]string{
		"device_name": deviceName,
		"fingerprint": fingerprint,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.serverURL+"/hubs/codes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting device code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var grant codeGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("invalid device code response: %w", err)
	}
	if grant.DeviceCode == "" || grant.UserCode == "" {
		return nil, fmt.Errorf("device code response missing codes")
	}
	return &grant, nil
}

// poll waits for the operator's approval, honoring the server's spacing
// and the grant's expiry.
func (f *Flow) poll(ctx context.Context, grant *codeGrant) (string, error) {
	interval := time.Duration(grant.Interval) * time.Second
	if interval < f.pollFloor {
		interval = f.pollFloor
	}

	expiry := time.Duration(grant.ExpiresIn) * time.Second
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	deadline := time.Now().Add(expiry)

	url := fmt.Sprintf("%s/hubs/codes/%s", f.serverURL, grant.DeviceCode)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		token, retry, err := f.pollOnce(ctx, url)
		if err != nil {
			return "", err
		}
		if retry {
			continue
		}
		return token, nil
	}

	return "", fmt.Errorf("authorization timed out, run login again")
}

// pollOnce performs one poll. retry means keep waiting.
func (f *Flow) pollOnce(ctx context.Context, url string) (token string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Transient network failure; keep polling.
		return "", true, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var grant tokenGrant
		if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
			return "", false, fmt.Errorf("invalid token response: %w", err)
		}
		if !strings.HasPrefix(grant.AccessToken, config.TokenPrefix) {
			return "", false, fmt.Errorf("server issued a malformed token")
		}
		fmt.Fprintln(f.out, "  Paired successfully.")
		return grant.AccessToken, false, nil

	case http.StatusAccepted:
		return "", true, nil

	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		var pe pollError
		if err := json.NewDecoder(resp.Body).Decode(&pe); err != nil {
			pe.Error = "unknown"
		}
		switch pe.Error {
		case "authorization_pending", "slow_down":
			return "", true, nil
		case "expired_token":
			return "", false, fmt.Errorf("authorization code expired, run login again")
		case "access_denied":
			return "", false, fmt.Errorf("authorization was denied")
		default:
			return "", false, fmt.Errorf("authorization failed: %s", pe.Error)
		}

	default:
		return "", true, nil
	}
}

// Validate checks a token against an authenticated endpoint.
func (f *Flow) Validate(ctx context.Context, token string) bool {
	if !strings.HasPrefix(token, config.TokenPrefix) {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.serverURL+"/devices", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// openBrowser opens the verification page in the platform browser.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	case "windows":
		return exec.Command("cmd", "/C", "start", "", url).Start()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}
