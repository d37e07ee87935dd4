package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/auth"
	"github.com/parceld/gate/internal/idgen"
	"github.com/parceld/gate/internal/logging"
	"github.com/parceld/gate/internal/ownership"
	"github.com/parceld/gate/internal/risk"
	"github.com/parceld/gate/internal/state"
	"github.com/parceld/gate/internal/validation"
)

// createDelivery handles POST /v1/deliveries.
// Customers create deliveries for themselves; admins may create on behalf
// of any customer.
func (s *Server) createDelivery(c *gin.Context) {
	actor, _ := auth.ActorFromContext(c)

	var req struct {
		CustomerID string `json:"customerId"`
		CourierID  string `json:"courierId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	customerID := req.CustomerID
	if actor.Role == state.RoleCustomer {
		customerID = actor.ID
	}

	errs := validation.Validate(
		validation.Required("customerId", customerID),
	)
	if len(errs) == 0 && !validation.IsValidActorID(customerID) {
		errs = append(errs, validation.ValidationError{Field: "customerId", Message: "malformed actor id"})
	}
	if req.CourierID != "" && !validation.IsValidActorID(req.CourierID) {
		errs = append(errs, validation.ValidationError{Field: "courierId", Message: "malformed actor id"})
	}
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	r := &state.Resource{
		ID:         idgen.WithPrefix("del_"),
		Kind:       state.KindDelivery,
		CustomerID: customerID,
		CourierID:  req.CourierID,
	}

	created, err := s.validator.Create(c.Request.Context(), r)
	if err != nil {
		logging.L(c.Request.Context()).Error("delivery create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to create delivery",
		})
		return
	}

	c.JSON(http.StatusCreated, created)
}

// createPayment handles POST /v1/payments. The payment processor (system
// role) and admins may create payments for any customer; customers only
// for themselves.
func (s *Server) createPayment(c *gin.Context) {
	actor, _ := auth.ActorFromContext(c)

	var req struct {
		DeliveryID string `json:"deliveryId" binding:"required"`
		CustomerID string `json:"customerId"`
		Amount     string `json:"amount" binding:"required"`
		Total      string `json:"total" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "deliveryId, amount and total are required",
		})
		return
	}

	customerID := req.CustomerID
	if actor.Role == state.RoleCustomer {
		customerID = actor.ID
	}

	errs := validation.Validate(
		validation.Required("customerId", customerID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAmount("total", req.Total),
	)
	if !validation.IsValidResourceID(req.DeliveryID) {
		errs = append(errs, validation.ValidationError{Field: "deliveryId", Message: "malformed resource id"})
	}
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	r := &state.Resource{
		ID:         idgen.WithPrefix("pay_"),
		Kind:       state.KindPayment,
		CustomerID: customerID,
		DeliveryID: req.DeliveryID,
		Amount:     req.Amount,
		Total:      req.Total,
	}

	created, err := s.validator.Create(c.Request.Context(), r)
	if err != nil {
		logging.L(c.Request.Context()).Error("payment create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to create payment",
		})
		return
	}

	c.JSON(http.StatusCreated, created)
}

// getResource serves GET /v1/{deliveries,payments}/:id behind the
// ownership gate. Forbidden and missing both leave a trace; the response
// stays generic.
func (s *Server) getResource(kind state.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, _ := auth.ActorFromContext(c)
		id := c.Param("id")

		if err := s.gate.Check(c.Request.Context(), actor, kind, id); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "not_found",
					"message": "resource not found",
				})
				return
			}
			if errors.Is(err, ownership.ErrForbidden) {
				c.JSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "access denied",
				})
				return
			}
			logging.L(c.Request.Context()).Error("ownership check failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "lookup failed",
			})
			return
		}

		r, err := s.validator.Get(c.Request.Context(), kind, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "resource not found",
			})
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// transition serves POST /v1/{deliveries,payments}/:id/transition.
func (s *Server) transition(kind state.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, _ := auth.ActorFromContext(c)
		id := c.Param("id")

		var req struct {
			Target string `json:"target" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "target state is required",
			})
			return
		}

		target := state.State(req.Target)
		if !state.KnownState(kind, target) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_transition",
				"message": "unknown target state",
			})
			return
		}

		// Serialize concurrent transitions on the same resource; the store
		// CAS still decides, this just turns most races into clean
		// sequential applies instead of conflicts.
		unlock := s.locks.Lock(string(kind) + ":" + id)
		r, err := s.validator.Apply(c.Request.Context(), actor, kind, id, target)
		unlock()

		if err != nil {
			s.writeTransitionError(c, err)
			return
		}

		if kind == state.KindPayment && target == state.PaymentFailed {
			s.scorer.Flag(r.CustomerID, risk.FlagPaymentFailure, r.ID)
		}

		c.JSON(http.StatusOK, r)
	}
}

// writeTransitionError maps validator errors onto the wire contract.
func (s *Server) writeTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "resource not found",
		})
	case errors.Is(err, state.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_transition",
			"message": "no such transition from the current state",
		})
	case errors.Is(err, state.ErrUnauthorizedTransition):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not allowed to perform this transition",
		})
	case errors.Is(err, state.ErrAmountMismatch):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "amount_mismatch",
			"message": "payment amount does not match the authorized total",
		})
	case errors.Is(err, state.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "resource changed concurrently, re-read and retry",
		})
	default:
		logging.L(c.Request.Context()).Error("transition failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "transition failed",
		})
	}
}
