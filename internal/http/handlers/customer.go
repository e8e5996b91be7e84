package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	alertsrepo "github.com/listkit/gtm-backend/internal/data/repos/alerts"
	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	"github.com/listkit/gtm-backend/internal/platform/logger"
	"github.com/listkit/gtm-backend/internal/unify"
)

type CustomerHandler struct {
	customers customer.CustomerRepo
	alerts    alertsrepo.AlertRepo
	log       *logger.Logger
}

func NewCustomerHandler(customers customer.CustomerRepo, alerts alertsrepo.AlertRepo, log *logger.Logger) *CustomerHandler {
	return &CustomerHandler{customers: customers, alerts: alerts, log: log}
}

// GET /api/v1/customers?health_status=&min_churn_risk=&assigned_am=&order_by=&limit=&offset=
func (ch *CustomerHandler) List(c *gin.Context) {
	filter := customer.ListFilter{
		HealthStatus: strings.TrimSpace(c.Query("health_status")),
		AssignedAM:   strings.TrimSpace(c.Query("assigned_am")),
		OrderBy:      strings.TrimSpace(c.Query("order_by")),
	}
	if raw := c.Query("min_churn_risk"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "min_churn_risk must be a number"})
			return
		}
		filter.MinChurnRisk = &v
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	rows, err := ch.customers.List(c.Request.Context(), nil, filter)
	if err != nil {
		ch.log.Error("customer list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": rows, "count": len(rows)})
}

// GET /api/v1/customers/:email
func (ch *CustomerHandler) Get(c *gin.Context) {
	email := unify.NormalizeEmail(c.Param("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "email required"})
		return
	}

	row, err := ch.customers.GetByEmail(c.Request.Context(), nil, email)
	if err != nil {
		ch.log.Error("customer get failed", "email", email, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer": row})
}

// GET /api/v1/customers/:email/alerts
func (ch *CustomerHandler) ListAlerts(c *gin.Context) {
	email := unify.NormalizeEmail(c.Param("email"))
	row, err := ch.customers.GetByEmail(c.Request.Context(), nil, email)
	if err != nil {
		ch.log.Error("customer get failed", "email", email, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := ch.alerts.ListByCustomer(c.Request.Context(), nil, row.ID, limit)
	if err != nil {
		ch.log.Error("alert list failed", "customer_id", row.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": records, "count": len(records)})
}
