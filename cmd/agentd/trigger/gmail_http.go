package trigger

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
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	defaultAPIBase  = "https://gmail.googleapis.com/gmail/v1"
)

// HTTPGmailAPI implements GmailAPI against the real Gmail REST endpoints
type HTTPGmailAPI struct {
	client       *http.Client
	tokenURL     string
	apiBase      string
	clientID     string
	clientSecret string
	topicName    string
}

// NewHTTPGmailAPI creates a Gmail client using the given OAuth app
// credentials. topicName is the Pub/Sub topic used for watch renewal.
func NewHTTPGmailAPI(client *http.Client, clientID, clientSecret, topicName string) *HTTPGmailAPI {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGmailAPI{
		client:       client,
		tokenURL:     defaultTokenURL,
		apiBase:      defaultAPIBase,
		clientID:     clientID,
		clientSecret: clientSecret,
		topicName:    topicName,
	}
}

// AccessToken exchanges a refresh token for an access token
func (g *HTTPGmailAPI) AccessToken(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := g.do(req, &body); err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned no access_token")
	}
	return body.AccessToken, nil
}

// History lists messages added since historyID and returns the max
// history id observed
func (g *HTTPGmailAPI) History(ctx context.Context, accessToken, historyID string) ([]GmailMessage, string, error) {
	endpoint := fmt.Sprintf("%s/users/me/history?historyTypes=messageAdded&startHistoryId=%s",
		g.apiBase, url.QueryEscape(historyID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var body struct {
		HistoryID string `json:"historyId"`
		History   []struct {
			ID             string `json:"id"`
			MessagesAdded []struct {
				Message struct {
					ID string `json:"id"`
				} `json:"message"`
			} `json:"messagesAdded"`
		} `json:"history"`
	}
	if err := g.do(req, &body); err != nil {
		return nil, "", fmt.Errorf("history list: %w", err)
	}

	maxSeen := body.HistoryID
	var messages []GmailMessage
	for _, entry := range body.History {
		maxSeen = maxHistoryID(maxSeen, entry.ID)
		for _, added := range entry.MessagesAdded {
			msg, err := g.messageMetadata(ctx, accessToken, added.Message.ID)
			if err != nil {
				return nil, "", err
			}
			messages = append(messages, msg)
		}
	}
	return messages, maxSeen, nil
}

// messageMetadata fetches minimal headers for one message
func (g *HTTPGmailAPI) messageMetadata(ctx context.Context, accessToken, messageID string) (GmailMessage, error) {
	endpoint := fmt.Sprintf("%s/users/me/messages/%s?format=metadata&metadataHeaders=From&metadataHeaders=Subject",
		g.apiBase, url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return GmailMessage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var body struct {
		ID      string `json:"id"`
		Snippet string `json:"snippet"`
		Payload struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}
	if err := g.do(req, &body); err != nil {
		return GmailMessage{}, fmt.Errorf("message metadata: %w", err)
	}

	msg := GmailMessage{ID: body.ID, Snippet: body.Snippet}
	for _, header := range body.Payload.Headers {
		switch header.Name {
		case "From":
			msg.From = header.Value
		case "Subject":
			msg.Subject = header.Value
		}
	}
	return msg, nil
}

// Watch renews the push watch and returns its expiry
func (g *HTTPGmailAPI) Watch(ctx context.Context, accessToken string) (time.Time, error) {
	payload, err := json.Marshal(map[string]string{"topicName": g.topicName})
	if err != nil {
		return time.Time{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiBase+"/users/me/watch", strings.NewReader(string(payload)))
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	var body struct {
		Expiration string `json:"expiration"`
	}
	if err := g.do(req, &body); err != nil {
		return time.Time{}, fmt.Errorf("watch renew: %w", err)
	}
	ms, err := strconv.ParseInt(body.Expiration, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("watch renew returned bad expiration %q", body.Expiration)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (g *HTTPGmailAPI) do(req *http.Request, out interface{}) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gmail api status %d: %s", resp.StatusCode, truncateBody(data))
	}
	return json.Unmarshal(data, out)
}

func truncateBody(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "…"
	}
	return string(data)
}
