package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kids-checkin-backend/config"
	"kids-checkin-backend/internal/model"
)

const apiKeyHeader = "X-API-Key"

// HTTPClient talks JSON to the server of record.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient builds a client from the remote section of the config.
// An unparsable proxy URL is ignored; Parse rejects it earlier.
func NewHTTPClient(cfg *config.RemoteConfig) *HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTPProxy != "" {
		if proxyURL, err := url.Parse(cfg.HTTPProxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
	}
}

// errorBody is the server's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", ErrUnavailable, err)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %w", ErrUnavailable, method, path, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError turns a 4xx answer into a business error when the code is
// known. A bare 404 is NotFound.
func decodeError(status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	if be := model.BusinessErrorByCode(eb.Error, eb.Message); be != nil {
		return be
	}
	if status == http.StatusNotFound {
		return model.ErrNotFound
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return fmt.Errorf("%w: server returned %d", ErrUnavailable, status)
	}
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	return fmt.Errorf("server rejected request (%d): %s", status, msg)
}

func (c *HTTPClient) GetChild(ctx context.Context, id string) (*model.Child, error) {
	var child model.Child
	if err := c.do(ctx, http.MethodGet, "/children/"+url.PathEscape(id), nil, &child); err != nil {
		return nil, err
	}
	return &child, nil
}

func (c *HTTPClient) GetService(ctx context.Context, id string) (*model.Service, error) {
	var svc model.Service
	if err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(id), nil, &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (c *HTTPClient) GetChildrenByGuardian(ctx context.Context, guardianID string) ([]*model.Child, error) {
	var children []*model.Child
	if err := c.do(ctx, http.MethodGet, "/guardians/"+url.PathEscape(guardianID)+"/children", nil, &children); err != nil {
		return nil, err
	}
	return children, nil
}

func (c *HTTPClient) GetServices(ctx context.Context) ([]*model.Service, error) {
	var services []*model.Service
	if err := c.do(ctx, http.MethodGet, "/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

type checkInBody struct {
	ChildID   string `json:"childId"`
	ServiceID string `json:"serviceId,omitempty"`
	StaffID   string `json:"staffId"`
	Notes     string `json:"notes,omitempty"`
}

func (c *HTTPClient) CheckIn(ctx context.Context, childID, serviceID, staffID, notes string) (*CheckInResult, error) {
	var res CheckInResult
	in := checkInBody{ChildID: childID, ServiceID: serviceID, StaffID: staffID, Notes: notes}
	if err := c.do(ctx, http.MethodPost, "/checkins", in, &res); err != nil {
		return nil, err
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) CheckOut(ctx context.Context, childID, staffID, notes string) (*CheckInResult, error) {
	var res CheckInResult
	in := checkInBody{ChildID: childID, StaffID: staffID, Notes: notes}
	if err := c.do(ctx, http.MethodPost, "/checkouts", in, &res); err != nil {
		return nil, err
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *CheckInResult) validate() error {
	if r.Child == nil || r.Service == nil || r.Record == nil {
		return errors.New("server response is missing child, service or record")
	}
	return nil
}

func (c *HTTPClient) GetCurrentCheckIns(ctx context.Context, serviceID string) ([]*model.CheckInRecord, error) {
	path := "/checkins"
	if serviceID != "" {
		path += "?serviceId=" + url.QueryEscape(serviceID)
	}
	var records []*model.CheckInRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *HTTPClient) CreateCheckInRequest(ctx context.Context, in CreateRequestInput) (*model.CheckInRequest, error) {
	var req model.CheckInRequest
	if err := c.do(ctx, http.MethodPost, "/requests", in, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *HTTPClient) GetRequestByToken(ctx context.Context, token string) (*model.CheckInRequest, error) {
	var req model.CheckInRequest
	if err := c.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(token), nil, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *HTTPClient) ApproveRequest(ctx context.Context, token, notes string) (*model.CheckInRequest, error) {
	var req model.CheckInRequest
	in := map[string]string{"notes": notes}
	if err := c.do(ctx, http.MethodPost, "/requests/"+url.PathEscape(token)+"/approve", in, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *HTTPClient) RejectRequest(ctx context.Context, token, reason string) (*model.CheckInRequest, error) {
	var req model.CheckInRequest
	in := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/requests/"+url.PathEscape(token)+"/reject", in, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *HTTPClient) GetActiveRequests(ctx context.Context) ([]*model.CheckInRequest, error) {
	var reqs []*model.CheckInRequest
	if err := c.do(ctx, http.MethodGet, "/requests/active", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (c *HTTPClient) CreateChild(ctx context.Context, child *model.Child) (*model.Child, error) {
	var out model.Child
	if err := c.do(ctx, http.MethodPost, "/children", child, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateChild(ctx context.Context, child *model.Child) (*model.Child, error) {
	var out model.Child
	if err := c.do(ctx, http.MethodPut, "/children/"+url.PathEscape(child.ID), child, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteChild(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/children/"+url.PathEscape(id), nil, nil)
}

// Ping checks that the server answers at all. Any HTTP answer below 500 counts.
func (c *HTTPClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err == nil || !IsUnavailable(err) {
		return nil
	}
	return err
}

var _ Client = (*HTTPClient)(nil)
