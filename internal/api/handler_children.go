package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kids-checkin-backend/internal/model"
)

const dateLayout = "2006-01-02"

type childRequest struct {
	GuardianID            string `json:"guardianId"`
	FirstName             string `json:"firstName" binding:"required"`
	LastName              string `json:"lastName"`
	DateOfBirth           string `json:"dateOfBirth" binding:"required"`
	MedicalNotes          string `json:"medicalNotes"`
	DietaryNotes          string `json:"dietaryNotes"`
	EmergencyContactName  string `json:"emergencyContactName"`
	EmergencyContactPhone string `json:"emergencyContactPhone"`
}

func (r childRequest) toModel(id string) (*model.Child, error) {
	dob, err := parseDate(r.DateOfBirth)
	if err != nil {
		return nil, err
	}
	return &model.Child{
		ID:                    id,
		GuardianID:            r.GuardianID,
		FirstName:             r.FirstName,
		LastName:              r.LastName,
		DateOfBirth:           dob,
		MedicalNotes:          r.MedicalNotes,
		DietaryNotes:          r.DietaryNotes,
		EmergencyContactName:  r.EmergencyContactName,
		EmergencyContactPhone: r.EmergencyContactPhone,
	}, nil
}

// parseDate accepts a calendar date or a full RFC3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: dateOfBirth %q is not a date", model.ErrInvalidArgument, s)
	}
	return t, nil
}

// GetChild handles GET /api/children/:id.
func (h *Handler) GetChild(c *gin.Context) {
	child, err := h.repo.GetChild(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, child)
}

// ListGuardianChildren handles GET /api/guardians/:id/children.
func (h *Handler) ListGuardianChildren(c *gin.Context) {
	children, err := h.repo.ListChildrenByGuardian(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(children))
}

// CreateChild handles POST /api/children.
func (h *Handler) CreateChild(c *gin.Context) {
	var req childRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	child, err := req.toModel("")
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.repo.RegisterChild(c.Request.Context(), child)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"child": res.Value, "outcome": res.Outcome})
}

// UpdateChild handles PUT /api/children/:id.
func (h *Handler) UpdateChild(c *gin.Context) {
	var req childRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	child, err := req.toModel(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.repo.UpdateChild(c.Request.Context(), child)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.touched(c.Request.Context(), child.ID, "")
	c.JSON(http.StatusOK, gin.H{"child": res.Value, "outcome": res.Outcome})
}

// DeleteChild handles DELETE /api/children/:id.
func (h *Handler) DeleteChild(c *gin.Context) {
	outcome, err := h.repo.DeleteChild(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
