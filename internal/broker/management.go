package broker

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

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/osrd-project/osrdyne/internal/apperrors"
	"github.com/osrd-project/osrdyne/internal/resilience"
)

// ManagementClient is a small typed façade over the broker's admin HTTP
// API (spec.md §4.4). Credentials and the vhost are derived once from the
// AMQP URI and cached; the client itself is stateless and safe to share or
// clone freely across actors (spec.md §5 "Shared resources"). Requests are
// guarded by a circuit breaker so a stuck management API fails fast for
// every pool sharing this client instead of piling up timeouts.
type ManagementClient struct {
	baseURL  string
	vhost    string
	username string
	password string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
}

// NewManagementClient builds a client from an explicit management URI.
// vhost/username/password are taken from the parsed AMQP URI unless the
// management URI itself carries userinfo.
func NewManagementClient(managementURI string, vhost, username, password string) (*ManagementClient, error) {
	u, err := url.Parse(managementURI)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "invalid management URI", err)
	}
	if u.User != nil {
		username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			password = pw
		}
		u.User = nil
	}
	return &ManagementClient{
		baseURL:  u.String(),
		vhost:    vhost,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 10 * time.Second},
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
	}, nil
}

// DeriveManagementURI builds the default management endpoint (port 15672)
// from the AMQP URI when the pool config leaves ManagementURI unset (spec.md
// §6 "management URI (optional — derived from AMQP URI when absent)").
func DeriveManagementURI(amqpURI string) (managementURI, vhost, username, password string, err error) {
	parsed, parseErr := amqp.ParseURI(amqpURI)
	if parseErr != nil {
		return "", "", "", "", apperrors.Wrap(apperrors.CodeConfigInvalid, "invalid AMQP URI", parseErr)
	}
	managementURI = fmt.Sprintf("http://%s:15672", parsed.Host)
	return managementURI, parsed.Vhost, parsed.Username, parsed.Password, nil
}

func (c *ManagementClient) queuesPath() string {
	return fmt.Sprintf("%s/api/queues/%s", c.baseURL, url.PathEscape(c.vhost))
}

func (c *ManagementClient) policyPath(name string) string {
	return fmt.Sprintf("%s/api/policies/%s/%s", c.baseURL, url.PathEscape(c.vhost), url.PathEscape(name))
}

type rawQueue struct {
	Name             string `json:"name"`
	Vhost            string `json:"vhost"`
	MessagesReceived int    `json:"messages"`
	Durable          bool   `json:"durable"`
}

// ListQueues returns every queue in the managed vhost.
func (c *ManagementClient) ListQueues(ctx context.Context) ([]Queue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queuesPath(), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeManagementHTTP, "build list-queues request", err)
	}
	req.SetBasicAuth(c.username, c.password)

	var raws []rawQueue
	err = c.breaker.Execute(func() error {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return apperrors.Wrap(apperrors.CodeManagementHTTP, "list queues", doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return managementHTTPError("list queues", resp)
		}
		return json.NewDecoder(resp.Body).Decode(&raws)
	})
	if err != nil {
		return nil, err
	}
	queues := make([]Queue, 0, len(raws))
	for _, q := range raws {
		queues = append(queues, Queue{Name: q.Name, Vhost: q.Vhost, Messages: q.MessagesReceived, Durable: q.Durable})
	}
	return queues, nil
}

// SetPolicy creates or replaces a policy with the given pattern, arguments,
// and priority.
func (c *ManagementClient) SetPolicy(ctx context.Context, name string, policy Policy) error {
	body, err := json.Marshal(policy)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeManagementHTTP, "marshal policy body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.policyPath(name), bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeManagementHTTP, "build set-policy request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	return c.breaker.Execute(func() error {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return apperrors.Wrap(apperrors.CodeManagementHTTP, "set policy "+name, doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
			return managementHTTPError("set policy "+name, resp)
		}
		return nil
	})
}

// RemovePolicy deletes a policy; a 404 is treated as success (spec.md §4.4).
func (c *ManagementClient) RemovePolicy(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.policyPath(name), nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeManagementHTTP, "build remove-policy request", err)
	}
	req.SetBasicAuth(c.username, c.password)

	return c.breaker.Execute(func() error {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return apperrors.Wrap(apperrors.CodeManagementHTTP, "remove policy "+name, doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return managementHTTPError("remove policy "+name, resp)
		}
		return nil
	})
}

func managementHTTPError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return apperrors.New(apperrors.CodeManagementHTTP,
		op+": unexpected status "+strconv.Itoa(resp.StatusCode)+": "+string(body))
}
