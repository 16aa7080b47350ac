package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/safewalk/internal/models"
)

// Client talks to the SafeWalk request service over its query-string
// POST protocol.
type Client struct {
	Endpoint string
	HTTP     *http.Client
	// Token returns the bearer token to send, or "" for none.
	Token func() string
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{Endpoint: strings.TrimRight(endpoint, "/"), HTTP: &http.Client{Timeout: timeout}}
}

// RegisterPresence announces an escort to the service at login.
func (c *Client) RegisterPresence(ctx context.Context, p models.PresenceRegistration) error {
	q := url.Values{}
	q.Set("name", p.Name)
	q.Set("sid", p.SubjectID)
	q.Set("listening_addr", p.ListeningAddr)
	q.Set("label", p.Label)
	q.Set("lat", formatFloat(p.Loc.Lat))
	q.Set("long", formatFloat(p.Loc.Lng))
	return c.post(ctx, "/register-safewalker", q, nil)
}

// CreateRequest asks for an escort. It returns models.ErrNoAvailable when the
// service has nobody to assign.
func (c *Client) CreateRequest(ctx context.Context, p models.CreateRequestParams) (models.CreateResult, error) {
	q := url.Values{}
	q.Set("sid", p.SubjectID)
	q.Set("plabel", p.Pickup.Label)
	q.Set("dlabel", p.Destination.Label)
	if p.Pickup.Coord != nil {
		q.Set("plat", formatFloat(p.Pickup.Coord.Lat))
		q.Set("plng", formatFloat(p.Pickup.Coord.Lng))
	}
	if p.Destination.Coord != nil {
		q.Set("dlat", formatFloat(p.Destination.Coord.Lat))
		q.Set("dlng", formatFloat(p.Destination.Coord.Lng))
	}
	var out models.CreateResult
	if err := c.post(ctx, "/request-safewalk", q, &out); err != nil {
		return models.CreateResult{}, err
	}
	if out.RequestID == "" {
		return models.CreateResult{}, fmt.Errorf("%w: reply carried no requestId", models.ErrTransport)
	}
	return out, nil
}

// StatusUpdate pushes presence and reads back the match signals. It is used
// both by the heartbeat and by status polls.
func (c *Client) StatusUpdate(ctx context.Context, p models.StatusUpdateParams) (models.StatusUpdateResponse, error) {
	q := url.Values{}
	q.Set("sid", p.SubjectID)
	q.Set("isStudent", strconv.FormatBool(p.IsStudent))
	q.Set("isActiveRequest", strconv.FormatBool(p.IsActiveRequest))
	q.Set("label", p.Label)
	q.Set("lat", formatFloat(p.Loc.Lat))
	q.Set("lng", formatFloat(p.Loc.Lng))
	var out models.StatusUpdateResponse
	err := c.post(ctx, "/status-update", q, &out)
	return out, err
}

// VerifyCode reports whether the service accepted the pairing code.
func (c *Client) VerifyCode(ctx context.Context, subjectID, code string) (bool, error) {
	q := url.Values{}
	q.Set("sid", subjectID)
	q.Set("code", code)
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/verify-code", q, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// Terminate is the shared cancel / complete / decline primitive.
func (c *Client) Terminate(ctx context.Context, subjectID string, isStudent bool, intent models.TerminateIntent) error {
	q := url.Values{}
	q.Set("sid", subjectID)
	q.Set("isStudent", strconv.FormatBool(isStudent))
	q.Set("reason", string(intent))
	return c.post(ctx, "/cancel-safewalk", q, nil)
}

func (c *Client) DeregisterPresence(ctx context.Context, subjectID string) error {
	q := url.Values{}
	q.Set("sid", subjectID)
	return c.post(ctx, "/deregister-safewalker", q, nil)
}

func (c *Client) post(ctx context.Context, path string, q url.Values, out any) error {
	u := c.Endpoint + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrTransport, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError(path, resp.StatusCode, strings.TrimSpace(string(text)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", models.ErrTransport, path, err)
	}
	return nil
}

func statusError(path string, code int, text string) error {
	if text == "" {
		text = http.StatusText(code)
	}
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", models.ErrNotFound, path, text)
	case code == http.StatusServiceUnavailable && path == "/request-safewalk":
		return fmt.Errorf("%w: %s", models.ErrNoAvailable, text)
	}
	return fmt.Errorf("%w: %s failed: %d %s", models.ErrTransport, path, code, text)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
