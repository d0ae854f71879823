package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resqnet/resqnet/internal/config"
	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/internal/platform/auth"
	"github.com/resqnet/resqnet/internal/platform/events"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:               "development",
		Store:             config.StoreMemory,
		TokenTTL:          time.Hour,
		DefaultRadiusKm:   10,
		EscalationLimit:   20,
		FanOutConcurrency: 4,
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
		CORSOrigins:       []string{"*"},
	}
}

func newTestServer(t *testing.T) (*server, *store) {
	t.Helper()
	cfg := memoryConfig()
	st, err := openStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	srv, err := newServer(context.Background(), cfg, zerolog.Nop(), st)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, st
}

func do(srv *server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(srv, http.MethodGet, "/health/db", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store":"memory"`)
}

func TestServer_EmergencyRoundTrip(t *testing.T) {
	srv, st := newTestServer(t)
	h := &hospital.Hospital{Name: "City General", Latitude: 12.975, Longitude: 77.59, IsActive: true}
	require.NoError(t, st.hospitals.Create(context.Background(), h))

	rec := do(srv, http.MethodPost, "/api/v1/emergencies",
		`{"phone":"+15550100","latitude":12.97,"longitude":77.59}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		EmergencyID           string `json:"emergency_id"`
		NotifiedHospitalCount int    `json:"notified_hospital_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, 1, created.NotifiedHospitalCount)

	hospitalHeaders := map[string]string{auth.DevHospitalHeader: h.ID.String()}
	rec = do(srv, http.MethodGet, "/api/v1/hospital/emergencies", "", hospitalHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.EmergencyID)

	rec = do(srv, http.MethodPost, "/api/v1/emergencies/"+created.EmergencyID+"/acknowledge", "", hospitalHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(srv, http.MethodGet, "/api/v1/emergencies/"+created.EmergencyID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"acknowledged"`)
	assert.Contains(t, rec.Body.String(), `"assigned_hospital_name":"City General"`)

	rec = do(srv, http.MethodGet, "/api/v1/emergencies", "", map[string]string{auth.DevRoleHeader: auth.RolePolice})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = do(srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `resqnet_acknowledgements_total{outcome="won"} 1`)
}

func TestServer_PublicDirectory(t *testing.T) {
	srv, st := newTestServer(t)
	require.NoError(t, st.hospitals.Create(context.Background(), &hospital.Hospital{Name: "A", IsActive: true}))

	rec := do(srv, http.MethodGet, "/api/v1/hospitals", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"A"`)
}

func TestServer_NoSyncScheduledByDefault(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Empty(t, srv.scheduler.Entries())
}

func TestServer_SchedulesHospitalSync(t *testing.T) {
	cfg := memoryConfig()
	cfg.HospitalSyncCron = "0 3 * * *"
	cfg.HospitalSyncRadiusKm = 10
	st, err := openStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	srv, err := newServer(context.Background(), cfg, zerolog.Nop(), st)
	require.NoError(t, err)
	defer srv.Close()
	assert.Len(t, srv.scheduler.Entries(), 1)

	cfg.HospitalSyncCron = "not a cron"
	_, err = newServer(context.Background(), cfg, zerolog.Nop(), st)
	assert.Error(t, err)
}

func TestServer_PublishesToWebhook(t *testing.T) {
	got := make(chan string, 8)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(events.HeaderEvent)
	}))
	defer receiver.Close()

	cfg := memoryConfig()
	cfg.WebhookURL = receiver.URL
	st, err := openStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	srv, err := newServer(context.Background(), cfg, zerolog.Nop(), st)
	require.NoError(t, err)
	defer srv.Close()

	rec := do(srv, http.MethodPost, "/api/v1/emergencies", `{"phone":"+15550100","latitude":1,"longitude":1}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	select {
	case ev := <-got:
		assert.Equal(t, string(events.EmergencyCreated), ev)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}

	cfg.WebhookURL = "ftp://nope"
	_, err = newServer(context.Background(), cfg, zerolog.Nop(), st)
	assert.Error(t, err)
}

func TestMigrationsFS_Embedded(t *testing.T) {
	files, err := fs.Glob(migrationsFS(""), "*.sql")
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestTokenIssue(t *testing.T) {
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("JWT_ISSUER", "resqnet-test")
	hospitalID := "5d1f6a8e-2c4b-4f0a-9b7e-1a2b3c4d5e6f"

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "issue", "--role", "hospital", "--hospital-id", hospitalID, "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	claims := &auth.Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(strings.Repeat("s", 32)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{auth.RoleHospital}, claims.Roles)
	assert.Equal(t, hospitalID, claims.HospitalID)
	assert.Equal(t, "resqnet-test", claims.Issuer)
}

func TestTokenIssue_RejectsUnknownRole(t *testing.T) {
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "issue", "--role", "doctor"})
	assert.Error(t, cmd.Execute())
}
