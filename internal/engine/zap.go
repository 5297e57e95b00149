// File: internal/engine/zap.go
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zapmcp/zapmcp/internal/config"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// ZAP drives an OWASP ZAP instance over its JSON API. All outbound calls pass
// through a rate limiter so aggressive polling cannot flood the engine.
type ZAP struct {
	cfg     config.EngineConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewZAP builds a ZAP engine adapter from configuration.
func NewZAP(cfg config.EngineConfig, logger *zap.Logger) *ZAP {
	return &ZAP{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger.Named("zap_engine"),
	}
}

// Version reports the engine version; it doubles as the readiness probe.
func (z *ZAP) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := z.call(ctx, "/JSON/core/view/version/", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// StartJob creates (or reuses) the named engine context, scopes it to the
// target and starts a job of the requested kind. Spider and active jobs are
// tuned once per start, mirroring how the ZAP UI configures them.
func (z *ZAP) StartJob(ctx context.Context, kind JobKind, target, contextName string) (StartResult, error) {
	contextID, err := z.newContext(ctx, contextName, target)
	if err != nil {
		return StartResult{}, err
	}

	var jobID string
	switch kind {
	case JobActive:
		jobID, err = z.startActive(ctx, target, contextID)
	default:
		jobID, err = z.startSpider(ctx, target, contextName)
	}
	if err != nil {
		return StartResult{}, err
	}

	z.logger.Info("Engine job started",
		zap.String("kind", string(kind)),
		zap.String("target", target),
		zap.String("job_id", jobID),
	)
	return StartResult{JobID: jobID, ContextID: contextID}, nil
}

// JobProgress polls the engine for the 0..100 progress of a job.
func (z *ZAP) JobProgress(ctx context.Context, jobID string, kind JobKind) (int, error) {
	path := "/JSON/spider/view/status/"
	if kind == JobActive {
		path = "/JSON/ascan/view/status/"
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := z.call(ctx, path, url.Values{"scanId": {jobID}}, &out); err != nil {
		return 0, err
	}

	progress, err := strconv.Atoi(strings.TrimSpace(out.Status))
	if err != nil {
		return 0, fmt.Errorf("engine returned non-numeric progress %q: %w", out.Status, err)
	}
	return progress, nil
}

// StopJob asks the engine to halt a job. The stop is cooperative; the engine
// may take time to wind the job down.
func (z *ZAP) StopJob(ctx context.Context, jobID string, kind JobKind) error {
	path := "/JSON/spider/action/stop/"
	if kind == JobActive {
		path = "/JSON/ascan/action/stop/"
	}
	return z.call(ctx, path, url.Values{"scanId": {jobID}}, nil)
}

// Alerts fetches the engine's global alert store in insertion order.
func (z *ZAP) Alerts(ctx context.Context) ([]protocol.Alert, error) {
	var out struct {
		Alerts []zapAlert `json:"alerts"`
	}
	if err := z.call(ctx, "/JSON/core/view/alerts/", nil, &out); err != nil {
		return nil, err
	}

	alerts := make([]protocol.Alert, 0, len(out.Alerts))
	for _, a := range out.Alerts {
		alerts = append(alerts, a.toAlert())
	}
	return alerts, nil
}

// zapAlert mirrors the engine's alert JSON, which names the finding either
// "alert" or "name" depending on version.
type zapAlert struct {
	Risk        string `json:"risk"`
	Alert       string `json:"alert"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Solution    string `json:"solution"`
}

func (a zapAlert) toAlert() protocol.Alert {
	name := a.Name
	if name == "" {
		name = a.Alert
	}
	return protocol.Alert{
		Risk:        a.Risk,
		Name:        name,
		Description: a.Description,
		URL:         a.URL,
		Solution:    a.Solution,
	}
}

func (z *ZAP) newContext(ctx context.Context, contextName, target string) (string, error) {
	var out struct {
		ContextID string `json:"contextId"`
	}
	if err := z.call(ctx, "/JSON/context/action/newContext/", url.Values{
		"contextName": {contextName},
	}, &out); err != nil {
		return "", err
	}

	if err := z.call(ctx, "/JSON/context/action/includeInContext/", url.Values{
		"contextName": {contextName},
		"regex":       {".*" + target + ".*"},
	}, nil); err != nil {
		return "", err
	}
	return out.ContextID, nil
}

func (z *ZAP) startSpider(ctx context.Context, target, contextName string) (string, error) {
	tuning := []struct {
		path  string
		value int
	}{
		{"/JSON/spider/action/setOptionMaxDepth/", z.cfg.Spider.MaxDepth},
		{"/JSON/spider/action/setOptionThreadCount/", z.cfg.Spider.ThreadCount},
	}
	for _, opt := range tuning {
		if opt.value <= 0 {
			continue
		}
		if err := z.call(ctx, opt.path, url.Values{"Integer": {strconv.Itoa(opt.value)}}, nil); err != nil {
			return "", err
		}
	}

	var out struct {
		Scan string `json:"scan"`
	}
	err := z.call(ctx, "/JSON/spider/action/scan/", url.Values{
		"url":         {target},
		"contextName": {contextName},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Scan, nil
}

func (z *ZAP) startActive(ctx context.Context, target, contextID string) (string, error) {
	tuning := []struct {
		path  string
		value int
	}{
		{"/JSON/ascan/action/setOptionThreadPerHost/", z.cfg.Active.ThreadsPerHost},
		{"/JSON/ascan/action/setOptionHostPerScan/", z.cfg.Active.HostsPerScan},
	}
	for _, opt := range tuning {
		if opt.value <= 0 {
			continue
		}
		if err := z.call(ctx, opt.path, url.Values{"Integer": {strconv.Itoa(opt.value)}}, nil); err != nil {
			return "", err
		}
	}

	params := url.Values{
		"url":     {target},
		"recurse": {"true"},
	}
	if contextID != "" {
		params.Set("contextId", contextID)
	}
	if z.cfg.Active.AttackStrength != "" {
		// Scanner id 0 covers the whole default policy.
		if err := z.call(ctx, "/JSON/ascan/action/setScannerAttackStrength/", url.Values{
			"id":             {"0"},
			"attackStrength": {z.cfg.Active.AttackStrength},
		}, nil); err != nil {
			z.logger.Warn("Failed to set attack strength, continuing with engine defaults", zap.Error(err))
		}
	}
	if z.cfg.Active.AlertThreshold != "" {
		if err := z.call(ctx, "/JSON/ascan/action/setScannerAlertThreshold/", url.Values{
			"id":             {"0"},
			"alertThreshold": {z.cfg.Active.AlertThreshold},
		}, nil); err != nil {
			z.logger.Warn("Failed to set alert threshold, continuing with engine defaults", zap.Error(err))
		}
	}

	var out struct {
		Scan string `json:"scan"`
	}
	if err := z.call(ctx, "/JSON/ascan/action/scan/", params, &out); err != nil {
		return "", err
	}
	return out.Scan, nil
}

// call performs one rate-limited GET against the engine API and decodes the
// JSON body into out when non-nil.
func (z *ZAP) call(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := z.limiter.Wait(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	if z.cfg.APIKey != "" {
		params.Set("apikey", z.cfg.APIKey)
	}

	endpoint := strings.TrimRight(z.cfg.Endpoint, "/") + path
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building engine request: %w", err)
	}

	resp, err := z.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("reading engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine API %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding engine response from %s: %w", path, err)
	}
	return nil
}
