package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
)

// SampleRecorder stores a resource sample where the fleet's metrics source reads it.
type SampleRecorder interface {
	Record(ctx context.Context, s ports.ResourceSample) error
}

// Agent is the sidecar that runs next to one fleet agent. It keeps the
// agent's heartbeat fresh and, when given a sampler and a recorder, feeds
// resource samples to the fleet.
type Agent struct {
	client   *http.Client
	base     string
	id       domain.AgentID
	interval time.Duration

	sampler  ports.MetricsSource
	recorder SampleRecorder
	log      *slog.Logger

	snapshot *domain.Agent
}

// New creates a sidecar for agent id talking to the fleet at serverURL.
// sampler and recorder may both be nil.
func New(serverURL string, id domain.AgentID, interval time.Duration, sampler ports.MetricsSource, recorder SampleRecorder) (*Agent, error) {
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", serverURL)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Agent{
		client:   &http.Client{Timeout: 10 * time.Second},
		base:     strings.TrimRight(serverURL, "/"),
		id:       id,
		interval: interval,
		sampler:  sampler,
		recorder: recorder,
		log:      logger.For("sidecar").With("agent_id", id),
	}, nil
}

func (a *Agent) Run(ctx context.Context) error {
	// Retry registration loop
	for {
		if err := a.register(ctx); err != nil {
			a.log.Warn("Registration failed, retrying in 5s", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}
		break
	}

	a.log.Info("Sidecar started", "name", a.snapshot.Name, "interval", a.interval)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Context cancelled, sidecar stopping")
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick sends one heartbeat and, if configured, one resource sample.
func (a *Agent) Tick(ctx context.Context) {
	if err := a.heartbeat(ctx); err != nil {
		a.log.Warn("Heartbeat failed", "error", err)
	}
	if err := a.pushSample(ctx); err != nil {
		a.log.Warn("Metrics push failed", "error", err)
	}
}

// register confirms the agent exists and caches its snapshot for sampling.
func (a *Agent) register(ctx context.Context) error {
	var agent domain.Agent
	if err := a.do(ctx, http.MethodGet, "", &agent); err != nil {
		return err
	}
	a.snapshot = &agent
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) error {
	var agent domain.Agent
	if err := a.do(ctx, http.MethodPost, "/heartbeat", &agent); err != nil {
		return err
	}
	a.snapshot = &agent
	return nil
}

func (a *Agent) pushSample(ctx context.Context) error {
	if a.sampler == nil || a.recorder == nil || a.snapshot == nil {
		return nil
	}
	sample, ok, err := a.sampler.Sample(ctx, a.snapshot)
	if err != nil || !ok {
		return err
	}
	return a.recorder.Record(ctx, sample)
}

func (a *Agent) do(ctx context.Context, method, suffix string, out any) error {
	endpoint := fmt.Sprintf("%s/api/agents/%s%s", a.base, url.PathEscape(string(a.id)), suffix)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%s %s: %d %s", method, endpoint, resp.StatusCode, body.Details)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
