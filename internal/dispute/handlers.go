package dispute

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/logging"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	engine *Engine
	timer  *ExpiryTimer
}

// NewHandler creates a new dispute handler. timer may be nil, in which case
// the manual expiry scan endpoint is not registered.
func NewHandler(engine *Engine, timer *ExpiryTimer) *Handler {
	return &Handler{engine: engine, timer: timer}
}

// RegisterRoutes sets up dispute routes. The group must run
// identity.Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.SubmitDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/close", h.CloseDispute)

	r.POST("/disputes/:id/messages", h.SendMessage)
	r.GET("/disputes/:id/messages", h.History)
	r.POST("/disputes/:id/proposals", h.Propose)
	r.GET("/disputes/:id/proposals/pending", h.PendingProposal)
	r.GET("/disputes/:id/proposals/accepted", h.AcceptedProposal)
	r.POST("/proposals/:id/respond", h.RespondToProposal)

	r.POST("/disputes/:id/evidence", h.UploadEvidence)
	r.GET("/disputes/:id/evidence/summary", h.EvidenceSummary)
	r.GET("/disputes/:id/evidence/unevaluated", h.UnevaluatedEvidence)
	r.POST("/evidence/:id/evaluate", h.EvaluateEvidence)
	r.DELETE("/evidence/:id", h.DeleteEvidence)

	r.POST("/disputes/:id/arbitrator", h.AssignArbitrator)
	r.POST("/disputes/:id/arbitration", h.SubmitArbitration)
	r.POST("/arbitrations/:id/executed", h.MarkExecuted)
	r.GET("/arbitrations/pending-executions", h.PendingExecutions)
	r.GET("/arbitrators/:id/cases", h.ArbitratorCases)

	if h.timer != nil {
		r.POST("/admin/expiry-scans", h.RunExpiryScan)
	}
}

// SubmitDispute handles POST /v1/disputes
func (h *Handler) SubmitDispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req SubmitRequest
	if !bindJSON(c, &req) {
		return
	}

	d, err := h.engine.Lifecycle.Submit(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	filter := ListFilter{
		ParticipantID: c.Query("participant"),
		ArbitratorID:  c.Query("arbitrator"),
		Status:        Status(c.Query("status")),
	}

	page, err := h.engine.Lifecycle.List(c.Request.Context(), actor, filter, pageRequest(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes":   page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	detail, err := h.engine.Lifecycle.Detail(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	d, err := h.engine.Lifecycle.Escalate(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	d, err := h.engine.Lifecycle.Close(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// SendMessage handles POST /v1/disputes/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	msg, err := h.engine.Negotiation.SendText(c.Request.Context(), actor, c.Param("id"), req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// History handles GET /v1/disputes/:id/messages
func (h *Handler) History(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	msgs, err := h.engine.Negotiation.History(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// Propose handles POST /v1/disputes/:id/proposals
func (h *Handler) Propose(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount" binding:"required"`
		Note   string `json:"note"`
	}
	if !bindJSON(c, &req) {
		return
	}

	msg, err := h.engine.Negotiation.Propose(c.Request.Context(), actor, c.Param("id"), req.Amount, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": msg})
}

// PendingProposal handles GET /v1/disputes/:id/proposals/pending
func (h *Handler) PendingProposal(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	msg, err := h.engine.Negotiation.PendingProposal(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": msg})
}

// AcceptedProposal handles GET /v1/disputes/:id/proposals/accepted
func (h *Handler) AcceptedProposal(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	msg, err := h.engine.Negotiation.AcceptedProposal(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": msg})
}

// RespondToProposal handles POST /v1/proposals/:id/respond
func (h *Handler) RespondToProposal(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		Accept *bool `json:"accept" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	msg, d, err := h.engine.Negotiation.Respond(c.Request.Context(), actor, c.Param("id"), *req.Accept)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": msg, "dispute": d})
}

// UploadEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) UploadEvidence(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req UploadRequest
	if !bindJSON(c, &req) {
		return
	}

	ev, err := h.engine.Evidence.Upload(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

// EvidenceSummary handles GET /v1/disputes/:id/evidence/summary
func (h *Handler) EvidenceSummary(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	sum, err := h.engine.Evidence.Summary(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// UnevaluatedEvidence handles GET /v1/disputes/:id/evidence/unevaluated
func (h *Handler) UnevaluatedEvidence(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	items, err := h.engine.Evidence.Unevaluated(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": items, "count": len(items)})
}

// EvaluateEvidence handles POST /v1/evidence/:id/evaluate
func (h *Handler) EvaluateEvidence(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		Validity Validity `json:"validity" binding:"required"`
		Reason   string   `json:"reason"`
	}
	if !bindJSON(c, &req) {
		return
	}

	ev, err := h.engine.Evidence.Evaluate(c.Request.Context(), actor, c.Param("id"), req.Validity, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": ev})
}

// DeleteEvidence handles DELETE /v1/evidence/:id
func (h *Handler) DeleteEvidence(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	if err := h.engine.Evidence.Delete(c.Request.Context(), actor, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AssignArbitrator handles POST /v1/disputes/:id/arbitrator
func (h *Handler) AssignArbitrator(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		ArbitratorID string `json:"arbitratorId" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	d, err := h.engine.Arbitration.Assign(c.Request.Context(), actor, c.Param("id"), req.ArbitratorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// SubmitArbitration handles POST /v1/disputes/:id/arbitration
func (h *Handler) SubmitArbitration(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req DecisionRequest
	if !bindJSON(c, &req) {
		return
	}

	arb, err := h.engine.Arbitration.Submit(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"arbitration": arb})
}

// MarkExecuted handles POST /v1/arbitrations/:id/executed
func (h *Handler) MarkExecuted(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if !bindOptionalJSON(c, &req) {
		return
	}

	arb, err := h.engine.Arbitration.MarkExecuted(c.Request.Context(), actor, c.Param("id"), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitration": arb})
}

// PendingExecutions handles GET /v1/arbitrations/pending-executions
func (h *Handler) PendingExecutions(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	items, err := h.engine.Arbitration.PendingExecutions(c.Request.Context(), actor, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrations": items, "count": len(items)})
}

// ArbitratorCases handles GET /v1/arbitrators/:id/cases
func (h *Handler) ArbitratorCases(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	page, err := h.engine.Arbitration.ArbitratorCases(c.Request.Context(), actor, c.Param("id"), pageRequest(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes":   page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// RunExpiryScan handles POST /v1/admin/expiry-scans
func (h *Handler) RunExpiryScan(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	if !actor.IsAdmin() && !actor.Has(identity.RoleOperator) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   KindPermissionDenied,
			"message": "Admin or operator role required",
		})
		return
	}

	escalated, closed, err := h.timer.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalated": escalated, "closed": closed})
}

// --- helpers ---

func requireActor(c *gin.Context) (identity.Actor, bool) {
	actor, ok := identity.GetActor(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Actor identity required",
		})
	}
	return actor, ok
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badBody(c)
		return false
	}
	return true
}

// bindOptionalJSON accepts an empty body but still rejects a malformed one.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badBody(c)
		return false
	}
	return true
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   KindValidation,
		"message": "Invalid request body",
	})
}

func pageRequest(c *gin.Context) PageRequest {
	return PageRequest{Cursor: c.Query("cursor"), Limit: queryLimit(c)}
}

func queryLimit(c *gin.Context) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}

var statusByKind = map[string]int{
	KindNotFound:         http.StatusNotFound,
	KindPermissionDenied: http.StatusForbidden,
	KindInvalidState:     http.StatusConflict,
	KindConflict:         http.StatusConflict,
	KindValidation:       http.StatusBadRequest,
}

// writeError maps a service error to its HTTP status. Internal errors are
// logged and reported without detail.
func writeError(c *gin.Context, err error) {
	kind := KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		logging.L(c.Request.Context()).Error("dispute request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   KindInternal,
			"message": "Internal error",
		})
		return
	}

	body := gin.H{"error": kind, "message": err.Error()}
	var fe *FieldError
	if errors.As(err, &fe) {
		body["details"] = fe.Fields
	}
	c.JSON(status, body)
}
