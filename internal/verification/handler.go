package verification

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richxcame/visitguard/internal/fraud"
	"github.com/richxcame/visitguard/pkg/common"
	"github.com/richxcame/visitguard/pkg/jwtkeys"
	"github.com/richxcame/visitguard/pkg/middleware"
)

// Handler exposes the pipeline over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new verification handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type locationRequest struct {
	Latitude       float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64 `json:"longitude" validate:"gte=-180,lte=180"`
	AccuracyMeters float64 `json:"accuracyMeters" validate:"gte=0"`
}

type verifyClaimRequest struct {
	ClientID       string           `json:"clientId" validate:"required,notblank,max=128"`
	BranchID       string           `json:"branchId" validate:"required,notblank,max=128"`
	QRContent      string           `json:"qrContent" validate:"required_without=NonceCode,max=4096"`
	NonceCode      string           `json:"nonceCode" validate:"omitempty,printascii,max=512"`
	DeviceID       string           `json:"deviceId" validate:"required,notblank,max=256"`
	Device         fraud.DeviceInfo `json:"device"`
	Location       *locationRequest `json:"location"`
	LocationTag    string           `json:"locationTag" validate:"omitempty,max=64"`
	Mode           string           `json:"mode" validate:"omitempty,oneof=online offline"`
	LocalTimestamp *time.Time       `json:"localTimestamp"`
}

func (r verifyClaimRequest) claim() Claim {
	claim := Claim{
		ClientID:    r.ClientID,
		BranchID:    r.BranchID,
		QRContent:   r.QRContent,
		NonceCode:   r.NonceCode,
		DeviceID:    r.DeviceID,
		Device:      r.Device,
		LocationTag: r.LocationTag,
		Mode:        ConnectivityMode(r.Mode),
	}
	if r.Location != nil {
		claim.Location = &fraud.Location{
			Latitude:       r.Location.Latitude,
			Longitude:      r.Location.Longitude,
			AccuracyMeters: r.Location.AccuracyMeters,
		}
	}
	if r.LocalTimestamp != nil {
		claim.LocalTimestamp = *r.LocalTimestamp
	}
	return claim
}

type confirmNoncesRequest struct {
	Codes []string `json:"codes" validate:"required,min=1,max=500,dive,required"`
}

// ========================================
// CLAIM ENDPOINTS
// ========================================

// VerifyClaim decides a scanned visit. The server timestamp is always taken
// from this process' clock.
// POST /api/v1/claims/verify
func (h *Handler) VerifyClaim(c *gin.Context) {
	var req verifyClaimRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	decision, err := h.service.VerifyClaim(c.Request.Context(), req.claim())
	if err != nil {
		common.StatusResponse(c, statusFor(decision.Outcome), false, decision)
		return
	}
	common.SuccessResponse(c, decision)
}

// PendingNonces lists nonces waiting for server confirmation.
// GET /api/v1/nonces/pending?limit=100
func (h *Handler) PendingNonces(c *gin.Context) {
	limit := DefaultPendingLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.service.PendingNonces(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"nonces": records, "count": len(records)})
}

// ConfirmNonces migrates acknowledged nonces to synced.
// POST /api/v1/nonces/confirm
func (h *Handler) ConfirmNonces(c *gin.Context) {
	var req confirmNoncesRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	result, err := h.service.ConfirmNonces(c.Request.Context(), req.Codes)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, result)
}

// ========================================
// ADMIN ENDPOINTS
// ========================================

// UnblockClient lifts a client's block.
// POST /api/v1/admin/clients/:id/unblock
func (h *Handler) UnblockClient(c *gin.Context) {
	clientID := c.Param("id")
	if err := h.service.UnblockClient(c.Request.Context(), clientID); err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"clientId": clientID, "unblocked": true})
}

// GetBlock returns a client's active block.
// GET /api/v1/admin/clients/:id/block
func (h *Handler) GetBlock(c *gin.Context) {
	block, err := h.service.GetBlock(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if block == nil {
		common.ErrorResponse(c, http.StatusNotFound, "client is not blocked")
		return
	}
	common.SuccessResponse(c, block)
}

// Stats returns the dashboard summary.
// GET /api/v1/admin/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, stats)
}

// RegisterRoutes registers the verification routes. Every route needs a
// valid token; admin routes also need the admin role.
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtProvider jwtkeys.KeyProvider) {
	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddlewareWithProvider(jwtProvider))
	{
		api.POST("/claims/verify", middleware.ValidateJSONContentType(), h.VerifyClaim)
		api.GET("/nonces/pending", h.PendingNonces)
		api.POST("/nonces/confirm", middleware.ValidateJSONContentType(), h.ConfirmNonces)
	}

	admin := r.Group("/api/v1/admin")
	admin.Use(middleware.AuthMiddlewareWithProvider(jwtProvider))
	admin.Use(middleware.RequireRole(middleware.RoleAdmin))
	{
		admin.POST("/clients/:id/unblock", h.UnblockClient)
		admin.GET("/clients/:id/block", h.GetBlock)
		admin.GET("/stats", h.Stats)
	}
}

func statusFor(outcome Outcome) int {
	switch outcome {
	case OutcomeAccepted, OutcomePolicyDenial:
		return http.StatusOK
	case OutcomeInvalidInput:
		return http.StatusBadRequest
	case OutcomeStorageError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		common.AppErrorResponse(c, common.NewBadRequestError(err.Error(), err))
	case errors.Is(err, ErrStorage):
		common.AppErrorResponse(c, common.NewServiceUnavailableError("storage unavailable", err))
	default:
		common.AppErrorResponse(c, common.NewInternalServerError("internal error"))
	}
}
