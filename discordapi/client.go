package discordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	apiBaseURL = "https://discord.com/api/v10"

	// Discord's global limit is 50 requests per second per bot; staying
	// a little under avoids tripping it during backfill bursts.
	globalRequestsPerSecond = 45

	maxRateLimitRetries = 5
	maxRetryAfter       = 30 * time.Second
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "roomybridge",
		Subsystem: "discordapi",
		Name:      "requests_total",
		Help:      "Total number of Discord REST requests by method and status.",
	},
	[]string{"method", "status"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// APIError is a non-2xx response from Discord.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a Discord 404, which on webhook
// and channel routes means the resource was deleted externally.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// Client is the Discord REST client. Transient 5xx and network errors
// are retried by heimdall with exponential backoff; 429s are retried
// here honoring Retry-After.
type Client struct {
	token   string
	baseURL string
	http    *httpclient.Client
	limiter *rate.Limiter
}

// NewClient builds a REST client for the bot token.
func NewClient(token string) *Client {
	backoff := heimdall.NewExponentialBackoff(250*time.Millisecond, 5*time.Second, 2, 100*time.Millisecond)
	return &Client{
		token:   token,
		baseURL: apiBaseURL,
		http: httpclient.NewClient(
			httpclient.WithHTTPTimeout(30*time.Second),
			httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
			httpclient.WithRetryCount(3),
		),
		limiter: rate.NewLimiter(rate.Limit(globalRequestsPerSecond), globalRequestsPerSecond),
	}
}

// do performs one authenticated request, decoding a JSON response into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		retryAfter, err := c.doOnce(ctx, method, path, body, out)
		if retryAfter <= 0 || attempt >= maxRateLimitRetries {
			return err
		}
		if retryAfter > maxRetryAfter {
			retryAfter = maxRetryAfter
		}
		// Bounded exponential growth on top of Retry-After in case the
		// advertised window is optimistic.
		retryAfter += time.Duration(attempt) * 250 * time.Millisecond
		log.WithFields(log.Fields{
			"path":        path,
			"retry_after": retryAfter,
		}).Debug("Discord rate limited, backing off")
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) (time.Duration, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(method, "error").Inc()
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() // nolint: errcheck
	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, parseErr := strconv.ParseFloat(header, 64); parseErr == nil {
				retryAfter = time.Duration(seconds * float64(time.Second))
			}
		}
		return retryAfter, &APIError{Status: resp.StatusCode, Message: "rate limited"}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return 0, apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return 0, fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return 0, nil
}

/* Channels and threads */

func (c *Client) GetGuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	var channels []Channel
	err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/channels", nil, &channels)
	return channels, err
}

type activeThreadsResponse struct {
	Threads []Channel `json:"threads"`
}

func (c *Client) GetActiveThreads(ctx context.Context, guildID string) ([]Channel, error) {
	var resp activeThreadsResponse
	err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/threads/active", nil, &resp)
	return resp.Threads, err
}

type archivedThreadsResponse struct {
	Threads []Channel `json:"threads"`
	HasMore bool      `json:"has_more"`
}

// GetArchivedThreads returns one page of public archived threads,
// before the given ISO8601 timestamp when set.
func (c *Client) GetArchivedThreads(ctx context.Context, channelID, before string) ([]Channel, bool, error) {
	path := "/channels/" + channelID + "/threads/archived/public"
	if before != "" {
		path += "?before=" + url.QueryEscape(before)
	}
	var resp archivedThreadsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Threads, resp.HasMore, err
}

func (c *Client) CreateGuildChannel(ctx context.Context, guildID string, params CreateChannelParams) (Channel, error) {
	var channel Channel
	err := c.do(ctx, http.MethodPost, "/guilds/"+guildID+"/channels", params, &channel)
	return channel, err
}

// ModifyChannelTopic stamps (or restamps) a channel topic; used to
// carry the Roomy sync marker.
func (c *Client) ModifyChannelTopic(ctx context.Context, channelID, topic string) error {
	body := map[string]string{"topic": topic}
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, body, nil)
}

/* Messages */

// GetChannelMessages fetches up to limit messages strictly after the
// given snowflake. Discord returns them newest-first; callers reverse
// for oldest-first processing.
func (c *Client) GetChannelMessages(ctx context.Context, channelID, after string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/channels/%s/messages?limit=%d", channelID, limit)
	if after != "" {
		path += "&after=" + after
	}
	var messages []Message
	err := c.do(ctx, http.MethodGet, path, nil, &messages)
	return messages, err
}

func (c *Client) CreateMessage(ctx context.Context, channelID string, params CreateMessageParams) (Message, error) {
	var message Message
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", params, &message)
	return message, err
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) (Message, error) {
	var message Message
	body := map[string]string{"content": content}
	err := c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, body, &message)
	return message, err
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

func (c *Client) PinMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodPut, "/channels/"+channelID+"/pins/"+messageID, nil, nil)
}

func (c *Client) GetPinnedMessages(ctx context.Context, channelID string) ([]Message, error) {
	var messages []Message
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/pins", nil, &messages)
	return messages, err
}

/* Reactions */

func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	path := "/channels/" + channelID + "/messages/" + messageID + "/reactions/" + url.PathEscape(emoji) + "/@me"
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func (c *Client) RemoveOwnReaction(ctx context.Context, channelID, messageID, emoji string) error {
	path := "/channels/" + channelID + "/messages/" + messageID + "/reactions/" + url.PathEscape(emoji) + "/@me"
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

/* Webhooks */

func (c *Client) GetChannelWebhooks(ctx context.Context, channelID string) ([]Webhook, error) {
	var webhooks []Webhook
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/webhooks", nil, &webhooks)
	return webhooks, err
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name string) (Webhook, error) {
	var webhook Webhook
	body := map[string]string{"name": name}
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/webhooks", body, &webhook)
	return webhook, err
}

// ExecuteWebhook posts as the impersonated user. wait=true makes
// Discord return the created message so its snowflake can be mapped.
func (c *Client) ExecuteWebhook(ctx context.Context, webhookID, token string, params WebhookExecuteParams) (Message, error) {
	var message Message
	path := "/webhooks/" + webhookID + "/" + token + "?wait=true"
	err := c.do(ctx, http.MethodPost, path, params, &message)
	return message, err
}

/* Slash commands and interactions */

func (c *Client) BulkOverwriteGlobalCommands(ctx context.Context, applicationID string, commands []ApplicationCommand) error {
	return c.do(ctx, http.MethodPut, "/applications/"+applicationID+"/commands", commands, nil)
}

// RespondToInteraction sends the short human-readable status reply for
// a slash command.
func (c *Client) RespondToInteraction(ctx context.Context, interactionID, token, content string) error {
	body := map[string]interface{}{
		"type": InteractionResponseChannelMessage,
		"data": map[string]string{"content": content},
	}
	return c.do(ctx, http.MethodPost, "/interactions/"+interactionID+"/"+token+"/callback", body, nil)
}
