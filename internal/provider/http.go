package provider

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

	"geo-cascade/internal/filter"
	"geo-cascade/internal/geoid"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/metrics"

	"github.com/paulmach/orb/geojson"
)

// 文档注释：HTTP 提供方适配器
// 背景：层级数据、要素查询与展示服务均以简单 HTTP 契约接入，主服务设置超时并统一记录耗时与结果。
// 约束：约定接口 /roots?level=、/children?level=&parents=a,b、/features?layer=&attribute=&values=、
// POST /display 与 /health；非 2xx 视为失败，错误体不做解释。
type HTTPProvider struct {
	name     string
	endpoint string
	client   *http.Client
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPProvider) {
		if c != nil {
			h.client = c
		}
	}
}

func NewHTTP(name, endpoint string, opts ...HTTPOption) *HTTPProvider {
	h := &HTTPProvider{name: name, endpoint: strings.TrimRight(endpoint, "/"), client: &http.Client{Timeout: 5 * time.Second}}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *HTTPProvider) Name() string { return h.name }

func (h *HTTPProvider) Heartbeat(ctx context.Context) error {
	_, err := h.do(ctx, "health", http.MethodGet, "/health", nil, nil)
	return err
}

func (h *HTTPProvider) Roots(ctx context.Context, level string) ([]hierarchy.Node, error) {
	q := url.Values{}
	q.Set("level", level)
	var out []hierarchy.Node
	if _, err := h.do(ctx, "roots", http.MethodGet, "/roots", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPProvider) Children(ctx context.Context, level string, parents []geoid.ID) ([]hierarchy.Node, error) {
	q := url.Values{}
	q.Set("level", level)
	q.Set("parents", geoid.Join(parents, ","))
	var out []hierarchy.Node
	if _, err := h.do(ctx, "children", http.MethodGet, "/children", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPProvider) Features(ctx context.Context, layer string, f filter.Expression) (*geojson.FeatureCollection, error) {
	q := url.Values{}
	q.Set("layer", layer)
	q.Set("attribute", f.Attribute)
	q.Set("values", geoid.Join(f.Values, ","))
	b, err := h.do(ctx, "features", http.MethodGet, "/features", q, nil)
	if err != nil {
		return nil, err
	}
	return DecodeFeatures(b)
}

func (h *HTTPProvider) Display(ctx context.Context, req DisplayRequest) ([]RasterDescriptor, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out []RasterDescriptor
	if _, err := h.do(ctx, "display", http.MethodPost, "/display", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do 执行请求并返回响应体；传入 into 时按 JSON 解析到 into[0]。
func (h *HTTPProvider) do(ctx context.Context, op, method, path string, q url.Values, body []byte, into ...any) ([]byte, error) {
	if h.endpoint == "" {
		return nil, ErrNoEndpoint
	}
	u := h.endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	t0 := time.Now()
	logger.L().Debug("provider_req", "provider", h.name, "op", op, "url", u)
	resp, err := h.client.Do(req)
	if err != nil {
		h.observe(op, "error", t0)
		logger.L().Error("provider_http_error", "provider", h.name, "op", op, "err", err)
		return nil, fmt.Errorf("provider: %s: %w", op, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		h.observe(op, "error", t0)
		return nil, fmt.Errorf("provider: %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.observe(op, "status", t0)
		logger.L().Warn("provider_bad_status", "provider", h.name, "op", op, "status", resp.StatusCode)
		return nil, &StatusError{Op: op, Status: resp.StatusCode}
	}
	if len(into) > 0 && into[0] != nil {
		if err := json.Unmarshal(b, into[0]); err != nil {
			h.observe(op, "decode", t0)
			logger.L().Error("provider_decode_error", "provider", h.name, "op", op, "err", err)
			return nil, fmt.Errorf("provider: %s: decode: %w", op, err)
		}
	}
	h.observe(op, "ok", t0)
	return b, nil
}

func (h *HTTPProvider) observe(op, result string, t0 time.Time) {
	ms := float64(time.Since(t0).Milliseconds())
	metrics.ProviderRequestsTotal.WithLabelValues(h.name, op, result).Inc()
	metrics.ProviderDurationMs.WithLabelValues(h.name, op).Observe(ms)
}
