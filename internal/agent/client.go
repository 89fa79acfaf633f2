package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"spotfleet/internal/model"
	"spotfleet/pkg/config"
	"spotfleet/pkg/logger"
)

// StatusError is a coordinator failure that carries no domain error code
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
}

// Client is the coordinator HTTP API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter

	retries       uint64
	retryInterval time.Duration
}

// NewClient creates a coordinator client. Requests are rate limited and
// idempotent calls are retried on transport errors and 5xx responses.
func NewClient(cfg *config.AgentConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.CoordinatorURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		retries:       3,
		retryInterval: 200 * time.Millisecond,
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type poolsBody struct {
	Pools []model.RankedPool `json:"pools"`
}

type replicasBody struct {
	Replicas []*model.Replica `json:"replicas"`
}

func (c *Client) Register(ctx context.Context, req *model.RegisterRequest) (*model.RegisterResponse, error) {
	var resp model.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/register", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, agentID string, req *model.HeartbeatRequest) (*model.HeartbeatResponse, error) {
	var resp model.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, agentPath(agentID, "heartbeat"), req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReportSignal(ctx context.Context, req *model.SignalRequest) (*model.SignalResult, error) {
	var resp model.SignalResult
	if err := c.do(ctx, http.MethodPost, agentPath(req.AgentID, "signals"), req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReportPricing(ctx context.Context, report *model.PricingReport) error {
	return c.do(ctx, http.MethodPost, agentPath(report.AgentID, "pricing"), report, nil, false)
}

func (c *Client) RankPools(ctx context.Context, agentID string) ([]model.RankedPool, error) {
	var resp poolsBody
	if err := c.do(ctx, http.MethodGet, agentPath(agentID, "pools"), nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Pools, nil
}

func (c *Client) CreateReplica(ctx context.Context, req *model.CreateReplicaRequest) (*model.Replica, error) {
	var resp model.Replica
	if err := c.do(ctx, http.MethodPost, agentPath(req.AgentID, "replicas"), req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListReplicas(ctx context.Context, agentID string, statuses ...model.ReplicaStatus) ([]*model.Replica, error) {
	path := agentPath(agentID, "replicas")
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, s := range statuses {
			values = append(values, string(s))
		}
		path += "?status=" + url.QueryEscape(strings.Join(values, ","))
	}
	var resp replicasBody
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Replicas, nil
}

func (c *Client) GetReplica(ctx context.Context, replicaID string) (*model.Replica, error) {
	var resp model.Replica
	if err := c.do(ctx, http.MethodGet, "/api/v1/replicas/"+url.PathEscape(replicaID), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) TerminateReplica(ctx context.Context, replicaID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/replicas/"+url.PathEscape(replicaID), nil, nil, true)
}

func (c *Client) CommitSwitch(ctx context.Context, req *model.CommitSwitchRequest) (*model.Switch, error) {
	var resp model.Switch
	if err := c.do(ctx, http.MethodPost, agentPath(req.AgentID, "switches"), req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) FailEvent(ctx context.Context, eventID, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(eventID)+"/fail",
		&model.CloseEventRequest{Reason: reason}, nil, true)
}

func (c *Client) DeclineEvent(ctx context.Context, eventID, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(eventID)+"/decline",
		&model.CloseEventRequest{Reason: reason}, nil, true)
}

func (c *Client) RetireInstance(ctx context.Context, agentID, instanceID string, req *model.RetireRequest) error {
	return c.do(ctx, http.MethodPost, agentPath(agentID, "instances/"+url.PathEscape(instanceID)+"/retire"), req, nil, true)
}

func (c *Client) CompleteCommand(ctx context.Context, commandID string, req *model.CommandResultRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/commands/"+url.PathEscape(commandID)+"/executed", req, nil, true)
}

func (c *Client) ReportCleanup(ctx context.Context, report *model.CleanupReport) error {
	return c.do(ctx, http.MethodPost, agentPath(report.AgentID, "cleanup"), report, nil, false)
}

func agentPath(agentID, suffix string) string {
	return "/api/v1/agents/" + url.PathEscape(agentID) + "/" + suffix
}

// do performs one API call. Domain errors come back as model errors so callers
// can match them with errors.Is.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, idempotent bool) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return c.retryable(fmt.Errorf("failed to execute HTTP request: %w", err), idempotent)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return c.retryable(fmt.Errorf("failed to read response body: %w", err), idempotent)
		}

		if resp.StatusCode >= http.StatusMultipleChoices {
			apiErr := decodeError(resp.StatusCode, data)
			if resp.StatusCode >= http.StatusInternalServerError {
				return c.retryable(apiErr, idempotent)
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to parse %s %s response: %w", method, path, err))
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryInterval),
		backoff.WithMaxInterval(10*c.retryInterval),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, next time.Duration) {
		logger.DebugCtx(ctx, "coordinator %s %s failed, retrying in %v: %v", method, path, next, err)
	})
}

func (c *Client) retryable(err error, idempotent bool) error {
	if idempotent {
		return err
	}
	return backoff.Permanent(err)
}

func decodeError(status int, data []byte) error {
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Code != "" {
		return model.ErrorFromCode(body.Code, body.Error)
	}
	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &StatusError{StatusCode: status, Message: msg}
}
