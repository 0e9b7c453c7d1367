// SPDX-License-Identifier: GPL-2.0-or-later

package vms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks JSON over HTTP to the domain services and receives
// change events over a websocket channel.
type Client struct {
	baseURL string
	wsURL   string

	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient returns a broker client.
func NewClient(baseURL string, wsURL string) *Client {
	return &Client{
		baseURL: baseURL,
		wsURL:   wsURL,

		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
}

// ErrBrokerStatus non-2xx response from the broker.
var ErrBrokerStatus = errors.New("unexpected broker status")

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%w: %v %v", ErrBrokerStatus, path, res.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// ListCameras implements Broker.
func (c *Client) ListCameras(ctx context.Context) (<-chan Camera, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/v1/cameras", nil)
	if err != nil {
		return nil, err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return nil, fmt.Errorf("%w: /v1/cameras %v", ErrBrokerStatus, res.StatusCode)
	}

	out := make(chan Camera)
	go func() {
		defer close(out)
		defer res.Body.Close()

		// The listing is streamed as newline-delimited JSON.
		dec := json.NewDecoder(res.Body)
		for {
			var cam Camera
			if err := dec.Decode(&cam); err != nil {
				return
			}
			select {
			case out <- cam:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// BatchGetCameras implements Broker.
func (c *Client) BatchGetCameras(ctx context.Context, accessPoints []string) ([]Camera, error) {
	req := struct {
		AccessPoints []string `json:"accessPoints"`
	}{accessPoints}

	var cameras []Camera
	if err := c.postJSON(ctx, "/v1/cameras/batch", req, &cameras); err != nil {
		return nil, err
	}
	return cameras, nil
}

// GetStatistics implements Broker.
func (c *Client) GetStatistics(ctx context.Context, keys []string) (map[string]string, error) {
	req := struct {
		Keys []string `json:"keys"`
	}{keys}

	stats := make(map[string]string)
	if err := c.postJSON(ctx, "/v1/statistics", req, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// SubscribeEvents implements Broker.
func (c *Client) SubscribeEvents(
	ctx context.Context,
	subjects []string,
) (<-chan Event, CancelFunc, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL+"/v1/events", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial event channel: %w", err)
	}

	filter := struct {
		Subjects []string `json:"subjects"`
	}{subjects}
	if err := conn.WriteJSON(filter); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send event filter: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			var event Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		conn.Close()
	}
	return out, cancel, nil
}

// ResolveArchiveBinding implements Broker.
func (c *Client) ResolveArchiveBinding(
	ctx context.Context,
	accessPoint string,
	at time.Time,
) (string, error) {
	req := struct {
		AccessPoint string    `json:"accessPoint"`
		At          time.Time `json:"at"`
	}{accessPoint, at}

	var res struct {
		Binding string `json:"binding"`
	}
	if err := c.postJSON(ctx, "/v1/archive/resolve", req, &res); err != nil {
		return "", err
	}
	return res.Binding, nil
}

func (c *Client) userPolicy(ctx context.Context, user string) (UserPolicy, error) {
	req := struct {
		User string `json:"user"`
	}{user}

	var policy UserPolicy
	if err := c.postJSON(ctx, "/v1/policy", req, &policy); err != nil {
		return UserPolicy{}, err
	}
	return policy, nil
}

// MaxConcurrentSessions implements Broker.
func (c *Client) MaxConcurrentSessions(ctx context.Context, user string) (int, error) {
	policy, err := c.userPolicy(ctx, user)
	if err != nil {
		return 0, err
	}
	return policy.MaxConcurrentSessions, nil
}

// UserCanUseWeb implements Broker.
func (c *Client) UserCanUseWeb(ctx context.Context, user string) (bool, error) {
	policy, err := c.userPolicy(ctx, user)
	if err != nil {
		return false, err
	}
	return policy.WebUIAllowed, nil
}
