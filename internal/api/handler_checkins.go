package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetService handles GET /api/services/:id.
func (h *Handler) GetService(c *gin.Context) {
	svc, err := h.repo.GetService(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

// ListServices handles GET /api/services.
func (h *Handler) ListServices(c *gin.Context) {
	services, err := h.repo.ListServices(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(services))
}

type checkInRequest struct {
	ChildID   string `json:"childId" binding:"required"`
	ServiceID string `json:"serviceId" binding:"required"`
	StaffID   string `json:"staffId" binding:"required"`
	Notes     string `json:"notes"`
}

// CheckIn handles POST /api/checkins.
func (h *Handler) CheckIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.repo.CheckInChild(c.Request.Context(), req.ChildID, req.ServiceID, req.StaffID, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.touched(c.Request.Context(), req.ChildID, req.ServiceID)
	c.JSON(http.StatusCreated, gin.H{"attendance": res.Value, "outcome": res.Outcome})
}

type checkOutRequest struct {
	ChildID string `json:"childId" binding:"required"`
	StaffID string `json:"staffId" binding:"required"`
	Notes   string `json:"notes"`
}

// CheckOut handles POST /api/checkouts.
func (h *Handler) CheckOut(c *gin.Context) {
	var req checkOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.repo.CheckOutChild(c.Request.Context(), req.ChildID, req.StaffID, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.touched(c.Request.Context(), req.ChildID, res.Value.Service.ID)
	c.JSON(http.StatusOK, gin.H{"attendance": res.Value, "outcome": res.Outcome})
}

// ListCheckIns handles GET /api/checkins?service_id=.
func (h *Handler) ListCheckIns(c *gin.Context) {
	records, err := h.repo.ListCurrentCheckIns(c.Request.Context(), c.Query("service_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(records))
}
