// Package push delivers inbox notifications to user devices.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
)

const (
	fcmEndpoint        = "https://fcm.googleapis.com"
	fcmMessagingScope  = "https://www.googleapis.com/auth/firebase.messaging"
	defaultConcurrency = 8
)

// Notification is the payload sent to every device of a user.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// SendResult summarizes a multicast send.
type SendResult struct {
	Sent          int
	Failed        int
	InvalidTokens []string
}

// Sender sends a notification to a set of device tokens.
type Sender interface {
	Send(ctx context.Context, tokens []string, n Notification) (SendResult, error)
}

// FCMSender sends through the Firebase Cloud Messaging HTTP v1 API, one
// request per token with bounded concurrency.
type FCMSender struct {
	projectID   string
	endpoint    string
	httpClient  *http.Client
	concurrency int
}

// NewFCMSender creates a sender authenticated with a service account key.
func NewFCMSender(ctx context.Context, projectID string, credentialsJSON []byte) (*FCMSender, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("fcm sender: project id is required")
	}
	cfg, err := google.JWTConfigFromJSON(credentialsJSON, fcmMessagingScope)
	if err != nil {
		return nil, fmt.Errorf("fcm sender: parse credentials: %w", err)
	}
	client := cfg.Client(ctx)
	client.Timeout = 10 * time.Second
	return newFCMSender(projectID, fcmEndpoint, client), nil
}

func newFCMSender(projectID, endpoint string, client *http.Client) *FCMSender {
	return &FCMSender{
		projectID:   projectID,
		endpoint:    strings.TrimRight(endpoint, "/"),
		httpClient:  client,
		concurrency: defaultConcurrency,
	}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// sendError is a failed FCM request.
type sendError struct {
	status    int
	errorCode string
	message   string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("fcm error (HTTP %d): code=%s message=%s", e.status, e.errorCode, e.message)
}

// unregistered reports whether FCM rejected the token itself.
func (e *sendError) unregistered() bool {
	return e.errorCode == "UNREGISTERED"
}

// Send posts n to every token. Per-token failures are counted, not returned;
// an error is returned only when ctx ends before the fan-out completes.
func (f *FCMSender) Send(ctx context.Context, tokens []string, n Notification) (SendResult, error) {
	var (
		mu  sync.Mutex
		res SendResult
	)

	g := new(errgroup.Group)
	g.SetLimit(f.concurrency)
	for _, token := range tokens {
		g.Go(func() error {
			err := f.sendOne(ctx, token, n)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				res.Sent++
				return nil
			}
			res.Failed++
			var se *sendError
			if errors.As(err, &se) && se.unregistered() {
				res.InvalidTokens = append(res.InvalidTokens, token)
			}
			log.Debug().Err(err).Str("token_suffix", tokenSuffix(token)).Msg("FCM send failed")
			return nil
		})
	}
	_ = g.Wait()
	return res, ctx.Err()
}

func (f *FCMSender) sendOne(ctx context.Context, token string, n Notification) error {
	body, err := json.Marshal(fcmRequest{Message: fcmMessage{
		Token:        token,
		Notification: fcmNotification{Title: n.Title, Body: n.Body},
		Data:         n.Data,
	}})
	if err != nil {
		return fmt.Errorf("marshal fcm request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", f.endpoint, f.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	se := &sendError{status: resp.StatusCode}
	var er fcmErrorResponse
	if json.Unmarshal(respBody, &er) == nil {
		se.message = er.Error.Message
		se.errorCode = er.Error.Status
		for _, d := range er.Error.Details {
			if d.ErrorCode != "" {
				se.errorCode = d.ErrorCode
				break
			}
		}
	}
	return se
}

func tokenSuffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}

// LogSender logs notifications instead of sending them. Used when no FCM
// credentials are configured.
type LogSender struct{}

// Send logs n and reports every token as sent.
func (LogSender) Send(_ context.Context, tokens []string, n Notification) (SendResult, error) {
	log.Info().
		Int("tokens", len(tokens)).
		Str("title", n.Title).
		Str("body", n.Body).
		Interface("data", n.Data).
		Msg("Push notification (log-only, no FCM credentials configured)")
	return SendResult{Sent: len(tokens)}, nil
}
