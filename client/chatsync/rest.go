package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/pagination"
)

const defaultRequestTimeout = 15 * time.Second

// envelope mirrors the API response wrapper.
type envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// APIError is returned when the server answers with success=false or an error status.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (status %d)", e.Status)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// RESTClient is the PullClient of the Masomo HTTP API.
type RESTClient struct {
	http *resty.Client
}

var _ PullClient = (*RESTClient)(nil)

// NewRESTClient returns a client of the API served at baseURL, eg. `http://localhost:8000/api`.
func NewRESTClient(baseURL string) *RESTClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "Masomo-ChatSync/1.0").
		SetTimeout(defaultRequestTimeout)
	return &RESTClient{http: client}
}

// SetToken sets the JWT sent with every request.
func (c *RESTClient) SetToken(token string) {
	c.http.SetAuthToken(token)
}

// Login exchanges credentials for a JWT and keeps it for the following requests.
func (c *RESTClient) Login(ctx context.Context, username, password string) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"username": username, "password": password})
	if err := c.do(req, "POST", "/users/login", &res); err != nil {
		return "", errors.Wrap(err, "logging in")
	}
	c.SetToken(res.Token)
	return res.Token, nil
}

func (c *RESTClient) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	if err := c.do(c.http.R().SetContext(ctx), "GET", "/chat/conversations", &convs); err != nil {
		return nil, errors.Wrap(err, "listing conversations")
	}
	return convs, nil
}

func (c *RESTClient) Messages(ctx context.Context, conversationID string, preq pagination.Request) (chat.MessagePage, error) {
	params := map[string]string{
		"page":  strconv.Itoa(preq.Page),
		"limit": strconv.Itoa(preq.Limit),
	}
	if preq.Cursor != "" {
		params["cursor"] = preq.Cursor
	}
	if preq.SortBy != "" {
		params["sortBy"] = preq.SortBy
	}
	if preq.SortOrder != "" {
		params["sortOrder"] = preq.SortOrder
	}

	var page chat.MessagePage
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		SetQueryParams(params)
	if err := c.do(req, "GET", "/chat/conversations/{id}/messages", &page); err != nil {
		return chat.MessagePage{}, errors.Wrapf(err, "listing messages of %s", conversationID)
	}
	return page, nil
}

// CreateConversation starts a conversation, or returns the existing direct one.
func (c *RESTClient) CreateConversation(ctx context.Context, nc chat.NewConversation) (chat.Conversation, error) {
	var conv chat.Conversation
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(nc)
	if err := c.do(req, "POST", "/chat/conversations", &conv); err != nil {
		return chat.Conversation{}, errors.Wrap(err, "creating conversation")
	}
	return conv, nil
}

// MarkRead resets the unread count of a conversation.
func (c *RESTClient) MarkRead(ctx context.Context, conversationID string) error {
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("id", conversationID)
	return errors.Wrapf(c.do(req, "POST", "/chat/conversations/{id}/read", nil), "marking %s read", conversationID)
}

// do sends req and decodes the data of the response envelope into out (if not nil).
func (c *RESTClient) do(req *resty.Request, method, path string, out interface{}) error {
	var env envelope
	resp, err := req.
		SetResult(&env).
		SetError(&env).
		Execute(method, path)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.IsError() || !env.Success {
		return &APIError{Status: resp.StatusCode(), Message: env.Error, Fields: env.Fields}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(env.Data, out), "decoding response data")
}
