package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertsrepo "github.com/listkit/gtm-backend/internal/data/repos/alerts"
	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	"github.com/listkit/gtm-backend/internal/data/repos/syncrun"
	"github.com/listkit/gtm-backend/internal/data/repos/testutil"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/http/handlers"
)

func newTestRouter(t *testing.T) (*gin.Engine, customer.CustomerRepo, alertsrepo.AlertRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.DB(t)
	log := testutil.Logger(t)

	customers := customer.NewCustomerRepo(db, log)
	alerts := alertsrepo.NewAlertRepo(db, log)
	runs := syncrun.NewSyncRunRepo(db, log)

	r := NewRouter(RouterConfig{
		Log:             log,
		CustomerHandler: handlers.NewCustomerHandler(customers, alerts, log),
		MetricsHandler:  handlers.NewMetricsHandler(customers, log),
		SyncHandler:     handlers.NewSyncHandler(runs, nil, log),
		AlertHandler:    handlers.NewAlertHandler(alerts, log),
	})
	return r, customers, alerts
}

func doRequest(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seedCustomer(t *testing.T, repo customer.CustomerRepo, email, status string, churn, mrr float64) *types.UnifiedCustomer {
	t.Helper()
	row := &types.UnifiedCustomer{
		ID:           uuid.New(),
		Email:        email,
		HealthStatus: &status,
		ChurnRisk:    &churn,
		MRR:          &mrr,
	}
	require.NoError(t, repo.Create(context.Background(), nil, row))
	return row
}

func TestHealthcheck(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(t, r, http.MethodGet, "/healthcheck", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestListCustomersFiltered(t *testing.T) {
	r, customers, _ := newTestRouter(t)
	seedCustomer(t, customers, fmt.Sprintf("healthy-%s@example.com", uuid.NewString()), "healthy", 10, 299)
	risky := seedCustomer(t, customers, fmt.Sprintf("risky-%s@example.com", uuid.NewString()), "high_risk", 80, 99)

	w := doRequest(t, r, http.MethodGet, "/api/v1/customers?health_status=high_risk&min_churn_risk=50", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Customers []types.UnifiedCustomer `json:"customers"`
		Count     int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, risky.Email, resp.Customers[0].Email)
}

func TestListCustomersBadChurnParam(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(t, r, http.MethodGet, "/api/v1/customers?min_churn_risk=lots", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCustomerNormalizesEmail(t *testing.T) {
	r, customers, _ := newTestRouter(t)
	email := fmt.Sprintf("casey-%s@example.com", uuid.NewString())
	seedCustomer(t, customers, email, "healthy", 5, 500)

	w := doRequest(t, r, http.MethodGet, "/api/v1/customers/"+email, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Customer types.UnifiedCustomer `json:"customer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, email, resp.Customer.Email)
}

func TestGetCustomerNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(t, r, http.MethodGet, "/api/v1/customers/nobody@example.com", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCustomerAlerts(t *testing.T) {
	r, customers, alerts := newTestRouter(t)
	row := seedCustomer(t, customers, fmt.Sprintf("alerted-%s@example.com", uuid.NewString()), "at_risk", 60, 199)

	record := &types.AlertRecord{
		ID:         uuid.New(),
		CustomerID: row.ID,
		Email:      row.Email,
		AlertType:  types.AlertHealthDrop,
		Severity:   "high",
		Message:    "health dropped",
		StateHash:  "deadbeef",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, alerts.CreateRecord(context.Background(), nil, record))

	w := doRequest(t, r, http.MethodGet, "/api/v1/customers/"+row.Email+"/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Alerts []types.AlertRecord `json:"alerts"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, types.AlertHealthDrop, resp.Alerts[0].AlertType)
}

func TestAcknowledgeAlert(t *testing.T) {
	r, customers, alerts := newTestRouter(t)
	row := seedCustomer(t, customers, fmt.Sprintf("ack-%s@example.com", uuid.NewString()), "at_risk", 55, 149)

	record := &types.AlertRecord{
		ID:         uuid.New(),
		CustomerID: row.ID,
		Email:      row.Email,
		AlertType:  types.AlertStatusChange,
		Severity:   "medium",
		Message:    "status changed",
		StateHash:  "cafe0123",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, alerts.CreateRecord(context.Background(), nil, record))

	w := doRequest(t, r, http.MethodPost, "/api/v1/alerts/"+record.ID.String()+"/acknowledge", gin.H{"by": "sam@listkit.io"})
	require.Equal(t, http.StatusOK, w.Code)

	records, err := alerts.ListByCustomer(context.Background(), nil, row.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].AcknowledgedBy)
	assert.Equal(t, "sam@listkit.io", *records[0].AcknowledgedBy)
}

func TestAcknowledgeAlertNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(t, r, http.MethodPost, "/api/v1/alerts/"+uuid.NewString()+"/acknowledge", gin.H{"by": "sam@listkit.io"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAcknowledgeAlertBadID(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(t, r, http.MethodPost, "/api/v1/alerts/not-a-uuid/acknowledge", gin.H{"by": "sam@listkit.io"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsSummary(t *testing.T) {
	r, customers, _ := newTestRouter(t)
	seedCustomer(t, customers, fmt.Sprintf("m1-%s@example.com", uuid.NewString()), "healthy", 10, 100)
	seedCustomer(t, customers, fmt.Sprintf("m2-%s@example.com", uuid.NewString()), "healthy", 12, 200)

	w := doRequest(t, r, http.MethodGet, "/api/v1/metrics/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ByStatus []customer.StatusSummary `json:"by_status"`
		Total    int64                    `json:"total_customers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, resp.Total, int64(2))
	assert.NotEmpty(t, resp.ByStatus)
}

func TestSyncRunsList(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(t, r, http.MethodGet, "/api/v1/sync/runs?source=intercom", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSyncTriggerRejectsBadMode(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(t, r, http.MethodPost, "/api/v1/sync/trigger", gin.H{"mode": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
