package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/storage/memory"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type v7Gen struct{}

func (v7Gen) NewRawID() (uuid.UUID, error) { return uuid.NewV7() }

type recordingTrigger struct {
	mu    sync.Mutex
	sites []uuid.UUID
	err   error
}

func (r *recordingTrigger) Trigger(_ context.Context, siteID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sites = append(r.sites, siteID)
	return nil
}

type recordingRedeliver struct {
	err    error
	events []uuid.UUID
}

func (r *recordingRedeliver) Redeliver(_ context.Context, eventID uuid.UUID) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, eventID)
	return nil
}

type stubSecrets struct{}

func (stubSecrets) Issue(_ context.Context, _ uuid.UUID) (string, error)  { return "whsec_issued", nil }
func (stubSecrets) Rotate(_ context.Context, _ uuid.UUID) (string, error) { return "whsec_rotated", nil }

type apiEnv struct {
	srv       *httptest.Server
	sites     *memory.SiteStore
	targets   *memory.TargetStore
	stats     *memory.StatsStore
	trigger   *recordingTrigger
	redeliver *recordingRedeliver
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	env := &apiEnv{
		sites:     memory.NewSiteStore(),
		targets:   memory.NewTargetStore(),
		stats:     memory.NewStatsStore(),
		trigger:   &recordingTrigger{},
		redeliver: &recordingRedeliver{},
	}
	server := NewServer(env.sites, env.targets, env.stats,
		env.trigger, env.redeliver, stubSecrets{}, v7Gen{}, systemClock{}, zap.NewNop())
	env.srv = httptest.NewServer(server.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func registerBody(subscriberID uuid.UUID) map[string]any {
	return map[string]any{
		"subscriber_id":          subscriberID.String(),
		"name":                   "Example Shop",
		"base_url":               "https://shop.example.com",
		"crawl_interval_seconds": 3600,
		"webhook_url":            "https://hooks.example.com/pricewatch",
	}
}

func TestRegisterApproveCrawlFlow(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	subscriberID := uuid.New()

	resp, body := env.do(t, http.MethodPost, "/v1/sites", registerBody(subscriberID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var site monitor.Site
	require.NoError(t, json.Unmarshal(body, &site))
	require.Equal(t, monitor.SiteStatusPendingApproval, site.Status)
	require.True(t, site.WebhookEnabled)
	require.Equal(t, 1.0, site.PriceThresholdPct)

	// A pending site cannot be crawled.
	env.trigger.err = monitor.ErrSiteNotActive
	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/v1/sites/%s/crawl", site.ID), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	env.trigger.err = nil

	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/v1/sites/%s/approve", site.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored, err := env.sites.GetSite(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.SiteStatusActive, stored.Status)

	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/v1/sites/%s/crawl", site.ID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []uuid.UUID{site.ID}, env.trigger.sites)
}

func TestRegisterSiteValidation(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/sites", map[string]any{
		"subscriber_id": "not-a-uuid",
		"name":          "Shop",
		"base_url":      "https://shop.example.com",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/sites", map[string]any{
		"subscriber_id": uuid.NewString(),
		"base_url":      "https://shop.example.com",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	negative := -1.0
	resp, _ = env.do(t, http.MethodPost, "/v1/sites", map[string]any{
		"subscriber_id":       uuid.NewString(),
		"name":                "Shop",
		"base_url":            "https://shop.example.com",
		"price_threshold_pct": negative,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSiteNotFound(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/v1/sites/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/sites/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterTargetExtractsProductID(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	subscriberID := uuid.New()
	resp, body := env.do(t, http.MethodPost, "/v1/sites", registerBody(subscriberID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var site monitor.Site
	require.NoError(t, json.Unmarshal(body, &site))

	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/v1/sites/%s/targets", site.ID), map[string]any{
		"url":  "https://shop.example.com/products/widget-9000",
		"name": "Widget 9000",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var target monitor.Target
	require.NoError(t, json.Unmarshal(body, &target))
	require.Equal(t, "widget-9000", target.ExtractedID)
	require.Equal(t, monitor.StockUnknown, target.CurrentStock)
	require.True(t, target.IsActive)

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/v1/sites/%s/targets", site.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Targets []monitor.Target `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Targets, 1)
	require.Equal(t, target.ID, listing.Targets[0].ID)
}

func TestRegisterTargetRejectsUnknownSite(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	resp, _ := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sites/%s/targets", uuid.New()), map[string]any{
		"url": "https://shop.example.com/products/1",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTargetStatsEmpty(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, fmt.Sprintf("/v1/targets/%s/stats", uuid.New()), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Stats []monitor.MonthlyStat `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Empty(t, listing.Stats)
}

func TestRedeliverEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	eventID := uuid.New()

	resp, _ := env.do(t, http.MethodPost, fmt.Sprintf("/v1/events/%s/redeliver", eventID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []uuid.UUID{eventID}, env.redeliver.events)

	env.redeliver.err = monitor.ErrNotFound
	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/v1/events/%s/redeliver", uuid.New()), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecretEndpoints(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	subscriberID := uuid.New()

	resp, body := env.do(t, http.MethodPost, fmt.Sprintf("/v1/subscribers/%s/secret", subscriberID), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issued map[string]string
	require.NoError(t, json.Unmarshal(body, &issued))
	require.Equal(t, "whsec_issued", issued["secret"])

	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/v1/subscribers/%s/secret/rotate", subscriberID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated map[string]string
	require.NoError(t, json.Unmarshal(body, &rotated))
	require.Equal(t, "whsec_rotated", rotated["secret"])
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
