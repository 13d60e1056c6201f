package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/quota"
	"imagegen-billing/internal/domain/subscriptions"
	"imagegen-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Deps struct {
	Payments *billing.Store
	Ledger   *ledger.Store
	Subs     *subscriptions.Machine
	Quota    *quota.Tracker
}

type Handler struct {
	payments *billing.Store
	ledger   *ledger.Store
	subs     *subscriptions.Machine
	quota    *quota.Tracker
	now      func() time.Time
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		payments: d.Payments,
		ledger:   d.Ledger,
		subs:     d.Subs,
		quota:    d.Quota,
		now:      time.Now,
	}
}

type AdminStats struct {
	Since               time.Time           `json:"since"`
	ActiveSubscriptions int64               `json:"active_subscriptions"`
	OpenInconsistencies int64               `json:"open_inconsistencies"`
	Payments            []billing.KindTotal `json:"payments"`
}

func (h *Handler) AdminDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		days = 30
	}
	since := h.now().AddDate(0, 0, -days)

	stats, err := h.payments.Stats(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load payment stats"})
		return
	}
	active, err := h.subs.CountActive(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count subscriptions"})
		return
	}

	c.JSON(http.StatusOK, AdminStats{
		Since:               since,
		ActiveSubscriptions: active,
		OpenInconsistencies: stats.OpenInconsistencies,
		Payments:            stats.ByKind,
	})
}

func (h *Handler) ListInconsistencies(c *gin.Context) {
	openOnly := c.DefaultQuery("open", "true") != "false"
	list, err := h.payments.Inconsistencies(c.Request.Context(), openOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load inconsistencies"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) ResolveInconsistency(c *gin.Context) {
	var body struct {
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Note == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A resolution note is required"})
		return
	}

	inc, err := h.payments.Resolve(c.Request.Context(), c.Param("id"), body.Note, h.now())
	if errors.Is(err, billing.ErrInconsistencyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Inconsistency not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve inconsistency"})
		return
	}

	logger.Log.Info("inconsistency resolved",
		zap.String("inconsistency_id", inc.ID),
		zap.String("external_reference", inc.ExternalReference),
		zap.String("resolved_by", c.GetString("email")),
	)
	c.JSON(http.StatusOK, inc)
}

func (h *Handler) GetUserDetails(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	sub, err := h.subs.Current(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscription"})
		return
	}
	history, err := h.subs.History(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscriptions"})
		return
	}
	bal, err := h.ledger.Get(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load balance"})
		return
	}
	today, err := h.quota.Today(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load quota"})
		return
	}
	payments, _, err := h.payments.Payments(ctx, userID, 1, 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       userID,
		"balance":       bal,
		"subscription":  sub,
		"subscriptions": history,
		"quota":         today,
		"payments":      payments,
	})
}

// AdjustBalance applies an operator correction. The caller supplies the
// reference so a retried request does not double the correction.
func (h *Handler) AdjustBalance(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var body struct {
		Delta     int64  `json:"delta"`
		Reference string `json:"reference"`
		Note      string `json:"note"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Delta == 0 || body.Reference == "" || body.Note == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "delta, reference and note are required"})
		return
	}

	res, err := h.ledger.Adjust(c.Request.Context(), ledger.AdjustInput{
		UserID:            userID,
		Delta:             body.Delta,
		ExternalReference: "admin:" + body.Reference,
		Note:              body.Note,
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		c.JSON(http.StatusConflict, gin.H{"error": "Adjustment would make the balance negative"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to adjust balance"})
		return
	}

	if !res.Duplicate {
		logger.Log.Info("balance adjusted",
			zap.Uint("user_id", userID),
			zap.Int64("delta", body.Delta),
			zap.String("reference", body.Reference),
			zap.String("adjusted_by", c.GetString("email")),
		)
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RebuildBalance(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}

	before, err := h.ledger.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load balance"})
		return
	}
	after, err := h.ledger.Rebuild(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to rebuild balance"})
		return
	}
	if before.AvailablePoints != after.AvailablePoints {
		logger.Log.Warn("balance drifted from ledger",
			zap.Uint("user_id", userID),
			zap.Int64("materialized", before.AvailablePoints),
			zap.Int64("ledger", after.AvailablePoints),
		)
	}
	c.JSON(http.StatusOK, gin.H{"before": before, "after": after})
}

func (h *Handler) ExportLedger(c *gin.Context) {
	var filter ledger.EntryFilter
	if v := c.Query("user_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user_id"})
			return
		}
		uid := uint(id)
		filter.UserID = &uid
	}
	var ok bool
	if filter.Since, ok = timeQuery(c, "since"); !ok {
		return
	}
	if filter.Until, ok = timeQuery(c, "until"); !ok {
		return
	}

	entries, err := h.ledger.ExportEntries(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export ledger"})
		return
	}
	data, err := ledger.EntriesCSV(entries)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode ledger"})
		return
	}

	filename := fmt.Sprintf("ledger_%s.csv", h.now().UTC().Format("20060102_150405"))
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}

func timeQuery(c *gin.Context, key string) (*time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid %s, expected RFC3339", key)})
		return nil, false
	}
	return &t, true
}

func userParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return 0, false
	}
	return uint(id), true
}
