package crestron

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	headerAuthToken = "Crestron-RestAPI-AuthToken"
	headerAuthKey   = "Crestron-RestAPI-AuthKey"

	pathLogin         = "/cws/api/login"
	pathShades        = "/cws/api/shades"
	pathShadesTargets = "/cws/api/shades/SetState"

	requestTimeout = 10 * time.Second
)

// Transport error taxonomy. The poll loop maps these onto availability; the
// batcher maps them onto waiter rejection.
var (
	ErrInvalidAuth       = errors.New("crestron: invalid API token")
	ErrCannotConnect     = errors.New("crestron: cannot connect to controller")
	ErrMalformedResponse = errors.New("crestron: malformed controller response")
)

// Client is the abstract controller contract consumed by the coordinator and
// the write batcher.
type Client interface {
	Login(ctx context.Context) error
	Shades(ctx context.Context) ([]Shade, error)
	SetShadePositions(ctx context.Context, items []PositionWrite) (CommandResponse, error)
	Logout()
}

// PositionWrite is one raw-position command for a shade.
type PositionWrite struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// CommandResult is the per-shade outcome reported by SetState.
type CommandResult struct {
	Status  string
	Message string
}

// CommandResponse is the structured SetState reply: an overall status plus
// optional per-shade results.
type CommandResponse struct {
	Status  string
	Results map[string]CommandResult
}

// HTTPClient talks to the Crestron Home controller's REST API. Login
// exchanges the static API token for a short-lived auth key; expired keys are
// refreshed once per request before giving up.
type HTTPClient struct {
	host      string
	apiToken  string
	http      *http.Client
	loginLock sync.Mutex
	authKey   string
}

func NewHTTPClient(host, apiToken string, verifySSL bool) *HTTPClient {
	transport := &http.Transport{}
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &HTTPClient{
		host:     host,
		apiToken: apiToken,
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
	}
}

func (c *HTTPClient) url(path string) string {
	return fmt.Sprintf("https://%s%s", c.host, path)
}

// Login authenticates against the controller and stores the auth key.
func (c *HTTPClient) Login(ctx context.Context) error {
	return c.login(ctx, false)
}

func (c *HTTPClient) login(ctx context.Context, force bool) error {
	c.loginLock.Lock()
	defer c.loginLock.Unlock()

	if c.authKey != "" && !force {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(pathLogin), nil)
	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAuthToken, c.apiToken)

	logrus.Debugf("crestron: requesting auth key from %s", c.host)
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNetworkAuthenticationRequired {
		return ErrInvalidAuth
	}
	if resp.StatusCode >= 400 {
		return errors.Wrapf(ErrCannotConnect, "login returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		AuthKey string `json:"authkey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errors.Wrap(ErrMalformedResponse, err.Error())
	}
	if payload.AuthKey == "" {
		return errors.Wrap(ErrMalformedResponse, "login response did not include an auth key")
	}

	c.authKey = payload.AuthKey
	logrus.Debug("crestron: obtained auth key")
	return nil
}

func (c *HTTPClient) currentAuthKey() string {
	c.loginLock.Lock()
	defer c.loginLock.Unlock()
	return c.authKey
}

func (c *HTTPClient) request(ctx context.Context, method, path string, body []byte, retry bool) (json.RawMessage, error) {
	if err := c.login(ctx, false); err != nil {
		return nil, err
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, errors.Wrap(ErrCannotConnect, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAuthKey, c.currentAuthKey())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logrus.Debugf("crestron: %s %s", method, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrCannotConnect, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNetworkAuthenticationRequired {
		if retry {
			logrus.Debug("crestron: auth key expired, retrying after reauthentication")
			if err := c.login(ctx, true); err != nil {
				return nil, err
			}
			return c.request(ctx, method, path, body, false)
		}
		return nil, errors.Wrap(ErrInvalidAuth, "authentication failed after retry")
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Wrapf(ErrCannotConnect, "%s %s returned HTTP %d", method, path, resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	return raw, nil
}

// Shades fetches and normalizes the controller's shade list.
func (c *HTTPClient) Shades(ctx context.Context) ([]Shade, error) {
	raw, err := c.request(ctx, http.MethodGet, pathShades, nil, true)
	if err != nil {
		return nil, err
	}

	items, err := unwrapList(raw, "shades", "Shades")
	if err != nil {
		return nil, err
	}

	shades := make([]Shade, 0, len(items))
	for _, item := range items {
		shade, ok := parseShade(item)
		if !ok {
			logrus.Debugf("crestron: skipping malformed shade entry: %s", string(item))
			continue
		}
		shades = append(shades, shade)
	}
	return shades, nil
}

// SetShadePositions posts a batch of raw-position writes. The controller's
// free-form response is normalized into a CommandResponse; an overall
// "failure" status is returned as an error since nothing was applied.
func (c *HTTPClient) SetShadePositions(ctx context.Context, items []PositionWrite) (CommandResponse, error) {
	if len(items) == 0 {
		return CommandResponse{Status: StatusSuccess, Results: map[string]CommandResult{}}, nil
	}

	body, err := json.Marshal(items)
	if err != nil {
		return CommandResponse{}, errors.Wrap(err, "crestron: encode SetState payload")
	}

	raw, err := c.request(ctx, http.MethodPost, pathShadesTargets, body, true)
	if err != nil {
		return CommandResponse{}, err
	}

	response, err := ParseCommandResponse(raw)
	if err != nil {
		return CommandResponse{}, err
	}
	if response.Status == StatusFailure {
		return response, errors.Wrap(ErrCannotConnect, "controller rejected the shade command")
	}
	return response, nil
}

// Logout forgets the auth key.
func (c *HTTPClient) Logout() {
	c.loginLock.Lock()
	defer c.loginLock.Unlock()
	c.authKey = ""
}

func unwrapList(raw json.RawMessage, keys ...string) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	// Some controllers wrap the list in an object.
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, "shades payload was not a list")
	}
	for _, key := range keys {
		if inner, ok := wrapper[key]; ok {
			if err := json.Unmarshal(inner, &list); err == nil {
				return list, nil
			}
		}
	}
	return nil, errors.Wrap(ErrMalformedResponse, "shades payload was not a list")
}
