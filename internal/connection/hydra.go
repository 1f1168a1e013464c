package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/vk/watergridgo/internal/ctxlog"
	"github.com/vk/watergridgo/internal/nwk"
)

const sessionCookie = "beaker.session.id"

// FaultError is a structured error envelope returned by the data service.
type FaultError struct {
	Code   string `json:"faultcode"`
	String string `json:"faultstring"`
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("data service fault %s: %s", e.Code, e.String)
}

// sessionFault reports whether a fault means the session expired and a
// re-login could fix it.
func (e *FaultError) sessionFault() bool {
	return strings.Contains(strings.ToLower(e.Code), "session")
}

// HydraOptions configure the HTTP data connection.
type HydraOptions struct {
	URL       string
	AppName   string
	SessionID string
	Username  string
	Password  string
	Timeout   time.Duration
}

// Hydra is the HTTP data connection. All calls go to a single RPC endpoint as
// {"func_name": args} JSON posts, authenticated by a session cookie.
type Hydra struct {
	client    *resty.Client
	url       string
	appName   string
	sessionID string
	username  string
	password  string
}

// NewHydra builds an HTTP data connection. It does not log in eagerly; an
// expired or missing session is repaired on the first fault that asks for it.
func NewHydra(opts HydraOptions) *Hydra {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 500 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("appname", opts.AppName)

	return &Hydra{
		client:    client,
		url:       opts.URL,
		appName:   opts.AppName,
		sessionID: opts.SessionID,
		username:  opts.Username,
		password:  opts.Password,
	}
}

// Close releases the underlying HTTP client.
func (h *Hydra) Close() error { return h.client.Close() }

// Call posts one RPC request and returns the raw response payload. A session
// fault triggers a single re-login and retry.
func (h *Hydra) Call(ctx context.Context, fn string, args any) (json.RawMessage, error) {
	raw, err := h.call(ctx, fn, args)
	var fault *FaultError
	if err != nil && asFault(err, &fault) && fault.sessionFault() && fn != "login" {
		ctxlog.FromContext(ctx).Info("Session expired, logging in again.", "func", fn)
		if err := h.login(ctx); err != nil {
			return nil, err
		}
		return h.call(ctx, fn, args)
	}
	return raw, err
}

func asFault(err error, target **FaultError) bool {
	f, ok := err.(*FaultError)
	if ok {
		*target = f
	}
	return ok
}

func (h *Hydra) call(ctx context.Context, fn string, args any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{fn: args})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", fn, err)
	}

	req := h.client.R().SetContext(ctx).SetBody(body)
	if h.sessionID != "" && fn != "login" {
		req.SetCookie(&http.Cookie{Name: sessionCookie, Value: h.sessionID})
	}

	res, err := req.Post(h.url)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", fn, err)
	}

	payload := res.Bytes()

	var fault FaultError
	if err := json.Unmarshal(payload, &fault); err == nil && fault.Code != "" {
		return nil, &fault
	}
	if res.IsError() {
		return nil, fmt.Errorf("calling %s: status %d", fn, res.StatusCode())
	}

	if fn == "login" {
		for _, c := range res.Cookies() {
			if c.Name == sessionCookie {
				h.sessionID = c.Value
			}
		}
	}
	return payload, nil
}

func (h *Hydra) login(ctx context.Context) error {
	if h.username == "" {
		return fmt.Errorf("session expired and no credentials configured")
	}
	_, err := h.call(ctx, "login", map[string]string{
		"username": h.username,
		"password": h.password,
	})
	return err
}

// GetNetwork fetches the network descriptor, optionally with all scenario
// data included.
func (h *Hydra) GetNetwork(ctx context.Context, filter NetworkFilter) (*nwk.Network, error) {
	args := map[string]any{
		"network_id":   filter.NetworkID,
		"include_data": yn(filter.IncludeData),
		"summary":      "N",
	}
	if len(filter.ScenarioIDs) > 0 {
		args["scenario_ids"] = filter.ScenarioIDs
	}
	if filter.TemplateID != 0 {
		args["template_id"] = filter.TemplateID
	}

	raw, err := h.Call(ctx, "get_network", args)
	if err != nil {
		return nil, err
	}
	var network nwk.Network
	if err := json.Unmarshal(raw, &network); err != nil {
		return nil, fmt.Errorf("decoding network: %w", err)
	}
	return &network, nil
}

// GetTemplate fetches a template descriptor.
func (h *Hydra) GetTemplate(ctx context.Context, templateID int) (*nwk.Template, error) {
	raw, err := h.Call(ctx, "get_template", map[string]any{"template_id": templateID})
	if err != nil {
		return nil, err
	}
	var template nwk.Template
	if err := json.Unmarshal(raw, &template); err != nil {
		return nil, fmt.Errorf("decoding template: %w", err)
	}
	return &template, nil
}

// GetResourceAttributeData fetches dataset rows for one resource in one
// scenario.
func (h *Hydra) GetResourceAttributeData(ctx context.Context, q ResourceAttrQuery) ([]ResourceAttrDatum, error) {
	args := map[string]any{
		"ref_key":     strings.ToUpper(q.ResourceType),
		"ref_id":      q.ResourceID,
		"scenario_id": q.ScenarioID,
	}
	if q.AttrID != 0 {
		args["attr_id"] = q.AttrID
	}

	raw, err := h.Call(ctx, "get_resource_attribute_data", args)
	if err != nil {
		return nil, err
	}
	var data []ResourceAttrDatum
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding resource attribute data: %w", err)
	}
	return data, nil
}

// UpdateScenario writes a result scenario back to the data service.
func (h *Hydra) UpdateScenario(ctx context.Context, scenario *nwk.Scenario) (*nwk.Scenario, error) {
	raw, err := h.Call(ctx, "update_scenario", map[string]any{
		"scen":           scenario,
		"return_summary": "Y",
	})
	if err != nil {
		return nil, err
	}
	var updated nwk.Scenario
	if err := json.Unmarshal(raw, &updated); err != nil {
		return nil, fmt.Errorf("decoding updated scenario: %w", err)
	}
	return &updated, nil
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}
