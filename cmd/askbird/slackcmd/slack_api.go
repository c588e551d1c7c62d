package slackcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultAPIBaseURL = "https://slack.com/api"

// apiClient is a minimal Slack Web API client covering the three calls the
// bot needs: auth.test, apps.connections.open and chat.postMessage.
type apiClient struct {
	http     *http.Client
	baseURL  string
	botToken string
	appToken string
}

func newAPIClient(httpClient *http.Client, baseURL, botToken, appToken string) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimSpace(strings.TrimRight(baseURL, "/"))
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &apiClient{
		http:     httpClient,
		baseURL:  baseURL,
		botToken: strings.TrimSpace(botToken),
		appToken: strings.TrimSpace(appToken),
	}
}

type authTestResult struct {
	TeamID string
	UserID string
	Team   string
	User   string
}

func (c *apiClient) authTest(ctx context.Context) (authTestResult, error) {
	var out struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error,omitempty"`
		TeamID string `json:"team_id,omitempty"`
		UserID string `json:"user_id,omitempty"`
		Team   string `json:"team,omitempty"`
		User   string `json:"user,omitempty"`
	}
	if err := c.callJSON(ctx, c.botToken, "/auth.test", nil, &out); err != nil {
		return authTestResult{}, err
	}
	if !out.OK {
		return authTestResult{}, fmt.Errorf("slack auth.test failed: %s", apiErrorCode(out.Error))
	}
	return authTestResult{
		TeamID: strings.TrimSpace(out.TeamID),
		UserID: strings.TrimSpace(out.UserID),
		Team:   strings.TrimSpace(out.Team),
		User:   strings.TrimSpace(out.User),
	}, nil
}

func (c *apiClient) openSocketURL(ctx context.Context) (string, error) {
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
		URL   string `json:"url,omitempty"`
	}
	if err := c.callJSON(ctx, c.appToken, "/apps.connections.open", nil, &out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("slack apps.connections.open failed: %s", apiErrorCode(out.Error))
	}
	socketURL := strings.TrimSpace(out.URL)
	if socketURL == "" {
		return "", fmt.Errorf("slack apps.connections.open returned empty url")
	}
	return socketURL, nil
}

func (c *apiClient) connectSocket(ctx context.Context) (*websocket.Conn, error) {
	socketURL, err := c.openSocketURL(ctx)
	if err != nil {
		return nil, err
	}
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type postMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// postMessage delivers text into a channel thread, retrying bounded times on
// 429 (honoring Retry-After) and 5xx responses.
func (c *apiClient) postMessage(ctx context.Context, channelID, text, threadTS string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("text is required")
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var out struct {
			OK    bool   `json:"ok"`
			Error string `json:"error,omitempty"`
		}
		status, headers, err := c.do(ctx, c.botToken, "/chat.postMessage", postMessageRequest{
			Channel:  channelID,
			Text:     text,
			ThreadTS: strings.TrimSpace(threadTS),
		}, &out)
		switch {
		case err != nil:
			lastErr = err
		case status < 200 || status >= 300:
			lastErr = fmt.Errorf("slack chat.postMessage http %d", status)
		case out.OK:
			return nil
		default:
			lastErr = fmt.Errorf("slack chat.postMessage failed: %s", apiErrorCode(out.Error))
		}

		if attempt >= maxAttempts {
			break
		}
		wait, retryable := retryDelay(status, headers, attempt)
		if !retryable {
			break
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func retryDelay(status int, headers http.Header, attempt int) (time.Duration, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		secs, err := strconv.Atoi(strings.TrimSpace(headers.Get("Retry-After")))
		if err != nil || secs <= 0 {
			return 1 * time.Second, true
		}
		return time.Duration(secs) * time.Second, true
	case status >= 500 && status <= 599:
		switch attempt {
		case 1:
			return 300 * time.Millisecond, true
		case 2:
			return 1 * time.Second, true
		default:
			return 2 * time.Second, true
		}
	default:
		return 0, false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// callJSON posts payload and decodes the response body, requiring a 2xx.
func (c *apiClient) callJSON(ctx context.Context, token, path string, payload, out any) error {
	status, _, err := c.do(ctx, token, path, payload, out)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("slack %s http %d", strings.TrimPrefix(path, "/"), status)
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, token, path string, payload, out any) (int, http.Header, error) {
	if c == nil || c.http == nil {
		return 0, nil, fmt.Errorf("slack api client is not initialized")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil, fmt.Errorf("slack token is required")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.StatusCode, resp.Header, readErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, resp.Header, err
		}
	}
	return resp.StatusCode, resp.Header, nil
}

func apiErrorCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "unknown_error"
	}
	return code
}
