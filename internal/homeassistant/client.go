// Package homeassistant talks to a Home Assistant instance: the REST API for
// states, service listings and service calls, and the websocket event
// stream for registry changes.
package homeassistant

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

	"github.com/rs/zerolog"

	"smarthub/internal/model"
)

const (
	DefaultBaseURL = "http://localhost:8123"
	defaultTimeout = 15 * time.Second
	providerName   = "homeassistant"

	// fallbackAction is called when an action id has no domain part.
	fallbackAction = "light.turn_on"
)

// ValueFields names the real argument behind the generic "value" key of an
// action. catalog.Store satisfies it.
type ValueFields interface {
	ValueField(actionID string) string
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Fields     ValueFields
	Logger     zerolog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      strings.TrimSpace(token),
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     zerolog.Nop(),
	}
}

// States returns every entity state.
func (c *Client) States(ctx context.Context) ([]model.EntityState, error) {
	var states []model.EntityState
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// State returns one entity state.
func (c *Client) State(ctx context.Context, entityID string) (model.EntityState, error) {
	var st model.EntityState
	if err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &st); err != nil {
		return model.EntityState{}, err
	}
	return st, nil
}

type serviceDomainWire struct {
	Domain   string                     `json:"domain"`
	Services map[string]serviceSpecWire `json:"services"`
}

type serviceSpecWire struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Fields      map[string]json.RawMessage `json:"fields"`
}

type fieldWire struct {
	model.ServiceField
	// Sections (e.g. "advanced_fields") nest their own fields.
	Fields map[string]json.RawMessage `json:"fields"`
}

// Services returns the service listing as domain -> service -> schema.
// Collapsible field sections are flattened into the service's fields.
func (c *Client) Services(ctx context.Context) (map[string]map[string]model.ServiceSpec, error) {
	var listing []serviceDomainWire
	if err := c.do(ctx, http.MethodGet, "/api/services", nil, &listing); err != nil {
		return nil, err
	}

	out := make(map[string]map[string]model.ServiceSpec, len(listing))
	for _, block := range listing {
		if block.Domain == "" {
			continue
		}
		svcs := make(map[string]model.ServiceSpec, len(block.Services))
		for name, spec := range block.Services {
			fields := make(map[string]model.ServiceField, len(spec.Fields))
			if err := flattenFields(spec.Fields, fields); err != nil {
				return nil, fmt.Errorf("decode fields of %s.%s: %w", block.Domain, name, err)
			}
			svcs[name] = model.ServiceSpec{Name: spec.Name, Description: spec.Description, Fields: fields}
		}
		out[block.Domain] = svcs
	}
	return out, nil
}

func flattenFields(raw map[string]json.RawMessage, into map[string]model.ServiceField) error {
	for name, msg := range raw {
		var f fieldWire
		if err := json.Unmarshal(msg, &f); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		if len(f.Fields) > 0 && f.Selector == nil {
			if err := flattenFields(f.Fields, into); err != nil {
				return err
			}
			continue
		}
		into[name] = f.ServiceField
	}
	return nil
}

// CallService posts data to /api/services/<domain>/<service> and returns the
// decoded response, or nil for an empty or non-JSON body.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	var result any
	if err := c.do(ctx, http.MethodPost, path, data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Execute runs an action against a device. The action id is
// "<domain>.<service>"; entity_id and area_id arguments become call
// targets; the generic "value" argument is renamed to the action's value
// field when Fields knows it. The caller's args are not modified.
func (c *Client) Execute(ctx context.Context, deviceID, actionID string, args map[string]any) (map[string]any, error) {
	domain, service, ok := strings.Cut(actionID, ".")
	if !ok || domain == "" || service == "" {
		c.Logger.Warn().Str("action_id", actionID).Str("fallback", fallbackAction).Msg("action id without domain")
		domain, service, _ = strings.Cut(fallbackAction, ".")
		actionID = fallbackAction
	}

	data := make(map[string]any, len(args)+2)
	for k, v := range args {
		data[k] = v
	}
	if v, ok := data["value"]; ok && c.Fields != nil {
		if field := c.Fields.ValueField(actionID); field != "" && field != "value" {
			delete(data, "value")
			data[field] = v
		}
	}

	entityID, _ := data["entity_id"].(string)
	delete(data, "entity_id")
	areaID, _ := data["area_id"].(string)
	delete(data, "area_id")

	switch {
	case entityID != "":
		data["entity_id"] = entityID
		if deviceID != "" && deviceID != entityID && !looksLikeEntityID(deviceID) {
			data["device_id"] = deviceID
		}
	case looksLikeEntityID(deviceID):
		data["entity_id"] = deviceID
	case deviceID != "":
		data["device_id"] = deviceID
	}
	if areaID != "" {
		data["area_id"] = areaID
	}

	result, err := c.CallService(ctx, domain, service, data)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	c.Logger.Info().Str("service", domain+"."+service).Str("device_id", deviceID).Msg("service called")
	return map[string]any{"status": "ok", "service": domain + "." + service, "result": result}, nil
}

// looksLikeEntityID reports whether id has the "<domain>.<object>" shape.
func looksLikeEntityID(id string) bool {
	domain, object, ok := strings.Cut(id, ".")
	return ok && domain != "" && object != "" && !strings.ContainsAny(id, " /")
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	token := strings.TrimSpace(c.Token)
	if token == "" {
		return &model.ProviderError{Provider: providerName, Code: "HA_AUTH", Message: "missing Home Assistant token"}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &model.ProviderError{Provider: providerName, Code: "HA_FAILED", Message: "failed to marshal request", Cause: err}
		}
		body = bytes.NewReader(data)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return &model.ProviderError{Provider: providerName, Code: "HA_FAILED", Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &model.ProviderError{Provider: providerName, Code: "HA_UNAVAILABLE", Message: method + " " + path + " failed", Retryable: true, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.ProviderError{Provider: providerName, Code: "HA_FAILED", Message: "failed to read response", StatusCode: resp.StatusCode, Retryable: true, Cause: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return mapProviderError(resp.StatusCode, respBody)
	}

	if len(bytes.TrimSpace(respBody)) == 0 || !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &model.ProviderError{Provider: providerName, Code: "HA_FAILED", Message: "failed to decode " + path, StatusCode: resp.StatusCode, Cause: err}
	}
	return nil
}

func mapProviderError(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var wire struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && strings.TrimSpace(wire.Message) != "" {
		message = strings.TrimSpace(wire.Message)
	}
	if message == "" {
		message = fmt.Sprintf("home assistant returned status %d", statusCode)
	}

	pe := &model.ProviderError{Provider: providerName, Code: "HA_FAILED", Message: message, StatusCode: statusCode}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		pe.Code = "HA_AUTH"
	case statusCode == http.StatusNotFound:
		pe.Code = "HA_NOT_FOUND"
	case statusCode == http.StatusTooManyRequests:
		pe.Code = "HA_RATE_LIMIT"
		pe.Retryable = true
	case statusCode >= http.StatusInternalServerError:
		pe.Retryable = true
	}
	return pe
}
