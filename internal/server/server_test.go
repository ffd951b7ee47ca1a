package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/remote"
	entitlementrepo "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/repository"
	entitlementservice "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/service"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/featuregate"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	licenserepo "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/repository"
	licenseservice "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/service"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	machinerepo "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/repository"
	machineservice "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/service"
	subscriptiondomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription/domain"
	subscriptionrepo "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription/repository"
	usagedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/domain"
	usagerepo "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/repository"
	usageservice "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/service"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/webhook"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverFixture struct {
	engine *gin.Engine
	db     *gorm.DB
	clk    *clock.FakeClock
}

func setupServer(t *testing.T) serverFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, db.AutoMigrate(
		&licensedomain.License{},
		&machinedomain.Machine{},
		&usagedomain.UsageRecord{},
		&entitlementdomain.ValidationCacheEntry{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionEvent{},
		&subscriptiondomain.GracePeriod{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{
		License: config.LicenseConfig{
			SigningSecret: "server-secret",
			WebhookSecret: "whsec_test",
			UpgradeURL:    "https://contextmcp.dev/pricing",
		},
	}
	holder := config.NewStaticEntitlementConfigHolder(config.DefaultEntitlementConfig())

	machinesvc := machineservice.NewService(machineservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: machinerepo.Provide(),
	})
	usagesvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: usagerepo.Provide(),
	})
	licensesvc := licenseservice.NewService(licenseservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Cfg: cfg,
		Repo: licenserepo.Provide(), Machinesvc: machinesvc, Entitlement: holder,
	})

	registry := featuregate.NewRegistry()
	gate := featuregate.NewGate(featuregate.GateParam{Log: log, Cfg: cfg, Registry: registry})
	entitlementsvc := entitlementservice.NewService(entitlementservice.ServiceParam{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Cfg:         cfg,
		Entitlement: holder,
		Repo:        entitlementrepo.Provide(),
		Validator:   remote.NewLocalValidator(licensesvc),
		Gate:        gate,
		Registry:    registry,
		Usagesvc:    usagesvc,
		Machinesvc:  machinesvc,
	})

	reconciler := webhook.NewReconciler(webhook.ReconcilerParam{
		DB: db, Log: log, GenID: node, Clock: clk, Cfg: cfg,
		Entitlement: holder,
		Subs:        subscriptionrepo.Provide(),
		Events:      subscriptionrepo.ProvideEvents(),
		Graces:      subscriptionrepo.ProvideGrace(),
		Licenses:    licenserepo.Provide(),
		Cache:       entitlementrepo.Provide(),
	})

	engine := NewEngine(log)
	NewServer(ServerParams{
		Gin:            engine,
		Cfg:            cfg,
		Log:            log,
		Clock:          clk,
		Licensesvc:     licensesvc,
		Entitlementsvc: entitlementsvc,
		Machinesvc:     machinesvc,
		Usagesvc:       usagesvc,
		Reconciler:     reconciler,
	})
	return serverFixture{engine: engine, db: db, clk: clk}
}

func (f serverFixture) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f serverFixture) generateKey(t *testing.T, tier string) string {
	t.Helper()
	rec := f.doJSON(t, http.MethodPost, "/v1/licenses/generate", gin.H{
		"user_id": "cus_123",
		"tier":    tier,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		LicenseKey string `json:"license_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.LicenseKey)
	return resp.LicenseKey
}

func TestLicenseLifecycleEndpoints(t *testing.T) {
	f := setupServer(t)
	key := f.generateKey(t, "PRO")

	rec := f.doJSON(t, http.MethodPost, "/v1/licenses/validate", gin.H{
		"license_key":         key,
		"machine_fingerprint": "fp-a",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var validated struct {
		Valid bool     `json:"valid"`
		Tier  string   `json:"tier"`
		Feats []string `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &validated))
	assert.True(t, validated.Valid)
	assert.Equal(t, "PRO", validated.Tier)

	rec = f.doJSON(t, http.MethodPost, "/v1/licenses/"+key+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.doJSON(t, http.MethodPost, "/v1/licenses/validate", gin.H{"license_key": key})
	require.Equal(t, http.StatusOK, rec.Code)

	var denied struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &denied))
	assert.False(t, denied.Valid)
	assert.Equal(t, "license_revoked", denied.Error)
}

func TestValidateEndpointDenials(t *testing.T) {
	f := setupServer(t)

	rec := f.doJSON(t, http.MethodPost, "/v1/licenses/validate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unknown, err := licensedomain.NewKeyCodec("server-secret").
		Generate(licensedomain.TierPro, "cus_999", time.Now().UTC())
	require.NoError(t, err)

	rec = f.doJSON(t, http.MethodPost, "/v1/licenses/validate", gin.H{"license_key": unknown})
	require.Equal(t, http.StatusOK, rec.Code)

	var denied struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &denied))
	assert.False(t, denied.Valid)
	assert.Equal(t, "license_not_found", denied.Error)
}

func TestRevokeUnknownLicense(t *testing.T) {
	f := setupServer(t)

	key, err := licensedomain.NewKeyCodec("server-secret").
		Generate(licensedomain.TierPro, "cus_999", time.Now().UTC())
	require.NoError(t, err)

	rec := f.doJSON(t, http.MethodPost, "/v1/licenses/"+key+"/revoke", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	f := setupServer(t)
	periodEnd := f.clk.Now().Add(30 * 24 * time.Hour)

	body, err := json.Marshal(gin.H{
		"id":        "evt_1",
		"type":      "subscription.created",
		"timestamp": f.clk.Now(),
		"data": gin.H{
			"subscription_id":    "sub_1",
			"customer_id":        "cus_1",
			"tier":               "pro",
			"status":             "active",
			"current_period_end": periodEnd,
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign("whsec_test", body))
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var count int64
	require.NoError(t, f.db.Model(&licensedomain.License{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Same payload, wrong signature.
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign("wrong", body))
	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckAndRecordUsage(t *testing.T) {
	f := setupServer(t)

	rec := f.doJSON(t, http.MethodPost, "/v1/check", gin.H{"tool": "context.search"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result entitlementdomain.CheckResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Allowed)
	assert.Equal(t, licensedomain.TierFree, result.Tier)

	rec = f.doJSON(t, http.MethodPost, "/v1/usage", gin.H{"tool": "context.search"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.doJSON(t, http.MethodPost, "/v1/check", gin.H{"tool": "context.semantic_search"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Allowed)
	assert.Equal(t, featuregate.CodeFeatureLocked, result.Code)
	assert.NotEmpty(t, result.UpgradeURL)

	rec = f.doJSON(t, http.MethodPost, "/v1/check", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMachineAndUsageEndpoints(t *testing.T) {
	f := setupServer(t)
	key := f.generateKey(t, "PRO")

	rec := f.doJSON(t, http.MethodPost, "/v1/licenses/validate", gin.H{
		"license_key":         key,
		"machine_fingerprint": "fp-a",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.doJSON(t, http.MethodGet, "/v1/licenses/"+key+"/machines", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		MachineLimit int `json:"machine_limit"`
		Machines     []struct {
			Fingerprint string `json:"fingerprint"`
			Active      bool   `json:"active"`
		} `json:"machines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 3, listed.MachineLimit)
	require.Len(t, listed.Machines, 1)
	assert.Equal(t, "fp-a", listed.Machines[0].Fingerprint)
	assert.True(t, listed.Machines[0].Active)

	rec = f.doJSON(t, http.MethodGet, "/v1/licenses/"+key+"/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var usage struct {
		Day   string `json:"day"`
		Count int64  `json:"count"`
		Limit int    `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, "2026-03-01", usage.Day)
	assert.EqualValues(t, 0, usage.Count)
	assert.Equal(t, -1, usage.Limit)

	rec = f.doJSON(t, http.MethodDelete, "/v1/licenses/"+key+"/machines/fp-a", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.doJSON(t, http.MethodDelete, "/v1/licenses/"+key+"/machines/fp-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := setupServer(t)
	rec := f.doJSON(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
