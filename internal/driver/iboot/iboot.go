// Package iboot drives network power switches that expose a small HTTP
// API in front of their outlets. It provides power control only; boot
// device management does not exist on these appliances.
package iboot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/model"
)

const (
	Name = "iboot"

	requestTimeout = 15 * time.Second
)

// Registration declares the iboot driver with power capability only.
func Registration() driver.Registration {
	return driver.Registration{
		Name:         Name,
		Capabilities: []driver.Capability{driver.CapabilityPower},
		New: func(logger *logrus.Entry) (driver.Driver, error) {
			return &Driver{logger: logger, client: newHTTPClient(logger)}, nil
		},
	}
}

// newHTTPClient builds the appliance HTTP client. The transport retry
// loop stays off, the call executor owns retries.
func newHTTPClient(logger *logrus.Entry) *http.Client {
	retryableClient := retryablehttp.NewClient()
	retryableClient.RetryMax = 0
	retryableClient.Logger = logger
	retryableClient.HTTPClient.Transport = otelhttp.NewTransport(retryableClient.HTTPClient.Transport)

	client := retryableClient.StandardClient()
	client.Timeout = requestTimeout

	return client
}

// Driver opens sessions against iboot style power appliances.
type Driver struct {
	logger *logrus.Entry
	client *http.Client
}

// Open probes the appliance state endpoint so a dead or misconfigured
// appliance surfaces before the task dispatches its first call.
func (d *Driver) Open(ctx context.Context, node *model.Node) (driver.Client, error) {
	client := &Client{
		endpoint: "http://" + node.BmcAddress.String() + "/state",
		username: node.BmcUsername,
		password: node.BmcPassword,
		http:     d.client,
	}

	if _, err := client.GetPowerState(ctx); err != nil {
		d.logger.WithError(err).WithField("address", node.BmcAddress.String()).Warn("appliance probe failed")
		return nil, err
	}

	return client, nil
}

// Client is a session against one appliance outlet.
type Client struct {
	endpoint string
	username string
	password string
	http     *http.Client
}

func (c *Client) Close(_ context.Context) error {
	return nil
}

type stateDocument struct {
	State string `json:"state"`
}

func (c *Client) GetPowerState(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, http.NoBody)
	if err != nil {
		return "", errors.Wrap(model.ErrTransport, err.Error())
	}

	doc, err := c.do(req)
	if err != nil {
		return "", err
	}

	switch doc.State {
	case model.PowerStateOn, model.PowerStateOff:
		return doc.State, nil
	default:
		return "", errors.Wrap(model.ErrBadResponse, "appliance reported power state "+doc.State)
	}
}

func (c *Client) SetPowerState(ctx context.Context, state string) error {
	switch state {
	case model.PowerStateOn, model.PowerStateOff, model.PowerStateCycle:
	default:
		return errors.Wrap(model.ErrInvalidState, "iboot appliances do not support power state "+state)
	}

	body, err := json.Marshal(stateDocument{State: state})
	if err != nil {
		return errors.Wrap(model.ErrBadResponse, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(model.ErrTransport, err.Error())
	}

	req.Header.Set("Content-Type", "application/json")

	if _, err := c.do(req); err != nil {
		return err
	}

	return nil
}

func (c *Client) do(req *http.Request) (*stateDocument, error) {
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(model.ErrTransport, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.Wrap(model.ErrAuthFailed, "appliance returned "+resp.Status)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, errors.Wrap(model.ErrTransport, "appliance returned "+resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Wrap(model.ErrBadResponse, "appliance returned "+resp.Status)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(model.ErrTransport, err.Error())
	}

	doc := &stateDocument{}
	if err := json.Unmarshal(payload, doc); err != nil {
		return nil, errors.Wrap(model.ErrBadResponse, err.Error())
	}

	return doc, nil
}
