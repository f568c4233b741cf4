package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createRequestBody struct {
	ChildID    string `json:"childId" binding:"required"`
	ServiceID  string `json:"serviceId" binding:"required"`
	GuardianID string `json:"guardianId" binding:"required"`
}

// CreateRequest handles POST /api/requests.
func (h *Handler) CreateRequest(c *gin.Context) {
	var req createRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	created, err := h.auth.CreateRequest(c.Request.Context(), req.ChildID, req.ServiceID, req.GuardianID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ActiveRequests handles GET /api/requests/active.
func (h *Handler) ActiveRequests(c *gin.Context) {
	active, err := h.auth.ListActive(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(active))
}

// token reads the scanned payload from the path, or from ?payload= when the
// raw code does not fit in a path segment.
func (h *Handler) token(c *gin.Context) (string, bool) {
	raw := c.Query("payload")
	if raw == "" {
		raw = c.Param("token")
	}
	token, err := h.tokens.Parse(raw)
	if err != nil {
		badRequest(c, err)
		return "", false
	}
	return token, true
}

// LookupRequest handles GET /api/requests/:token.
func (h *Handler) LookupRequest(c *gin.Context) {
	token, ok := h.token(c)
	if !ok {
		return
	}
	view, err := h.auth.Lookup(c.Request.Context(), token)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type decisionBody struct {
	StaffID string `json:"staffId" binding:"required"`
	Notes   string `json:"notes"`
	Reason  string `json:"reason"`
}

// ApproveRequest handles POST /api/requests/:token/approve.
func (h *Handler) ApproveRequest(c *gin.Context) {
	token, ok := h.token(c)
	if !ok {
		return
	}
	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	approval, err := h.auth.Approve(c.Request.Context(), token, body.StaffID, body.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.touched(c.Request.Context(), approval.Request.ChildID, approval.Request.ServiceID)
	c.JSON(http.StatusOK, approval)
}

// RejectRequest handles POST /api/requests/:token/reject.
func (h *Handler) RejectRequest(c *gin.Context) {
	token, ok := h.token(c)
	if !ok {
		return
	}
	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	rejected, err := h.auth.Reject(c.Request.Context(), token, body.StaffID, body.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rejected)
}

// SweepRequests handles POST /api/requests/sweep.
func (h *Handler) SweepRequests(c *gin.Context) {
	n, err := h.auth.SweepExpired(c.Request.Context(), h.auth.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}
