package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

type MetricsHandler struct {
	customers customer.CustomerRepo
	log       *logger.Logger
}

func NewMetricsHandler(customers customer.CustomerRepo, log *logger.Logger) *MetricsHandler {
	return &MetricsHandler{customers: customers, log: log}
}

// GET /api/v1/metrics/summary
func (mh *MetricsHandler) Summary(c *gin.Context) {
	rows, err := mh.customers.SummaryByStatus(c.Request.Context(), nil)
	if err != nil {
		mh.log.Error("metrics summary failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary_failed"})
		return
	}

	var totalCustomers int64
	var totalMRR float64
	for _, row := range rows {
		totalCustomers += row.Customers
		totalMRR += row.TotalMRR
	}

	c.JSON(http.StatusOK, gin.H{
		"by_status":       rows,
		"total_customers": totalCustomers,
		"total_mrr":       totalMRR,
	})
}
