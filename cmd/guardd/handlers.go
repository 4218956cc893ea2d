package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lcanady/backr-sub001/pkg/guard"
	"github.com/lcanady/backr-sub001/pkg/httpx"
	"github.com/lcanady/backr-sub001/pkg/models"
)

// Identifier fields accept either a pre-derived hex id or the raw name
// it derives from; the hex form wins when both are present.
type operationRef struct {
	Operation     string `json:"operation,omitempty"`
	OperationName string `json:"operation_name,omitempty"`
}

func (ref operationRef) resolve() (models.OperationID, error) {
	if ref.Operation != "" {
		return models.ParseID(ref.Operation)
	}
	if ref.OperationName != "" {
		return models.OpID(ref.OperationName), nil
	}
	return models.OperationID{}, errors.New("operation or operation_name required")
}

type actionRef struct {
	ActionHash string `json:"action_hash,omitempty"`
	Action     string `json:"action,omitempty"`
}

func (ref actionRef) resolve() (models.ActionHash, error) {
	if ref.ActionHash != "" {
		return models.ParseID(ref.ActionHash)
	}
	if ref.Action != "" {
		return models.Action([]byte(ref.Action)), nil
	}
	return models.ActionHash{}, nil
}

type roleRef struct {
	Role     string `json:"role,omitempty"`
	RoleName string `json:"role_name,omitempty"`
}

func (ref roleRef) resolve() (models.Role, error) {
	if ref.Role != "" {
		return models.ParseID(ref.Role)
	}
	if ref.RoleName != "" {
		return models.RoleID(ref.RoleName), nil
	}
	return models.Role{}, errors.New("role or role_name required")
}

func (s *Server) grantRole(w http.ResponseWriter, r *http.Request) {
	s.mutateRole(w, r, s.Engine.GrantRole)
}

func (s *Server) revokeRole(w http.ResponseWriter, r *http.Request) {
	s.mutateRole(w, r, s.Engine.RevokeRole)
}

func (s *Server) mutateRole(w http.ResponseWriter, r *http.Request, apply func(models.Principal, models.Role, models.Principal) error) {
	caller, ok := principalFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "no principal")
		return
	}
	var req struct {
		roleRef
		Principal string `json:"principal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	role, err := req.resolve()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Principal == "" {
		httpx.Error(w, http.StatusBadRequest, "principal required")
		return
	}
	if err := apply(caller, role, models.Principal(req.Principal)); err != nil {
		writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"role": role.String(), "principal": req.Principal})
}

func (s *Server) configureRateLimit(w http.ResponseWriter, r *http.Request) {
	caller, ok := principalFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "no principal")
		return
	}
	var req struct {
		operationRef
		Limit         int `json:"limit"`
		WindowSeconds int `json:"window_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	op, err := req.resolve()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	window := time.Duration(req.WindowSeconds) * time.Second
	if err := s.Engine.ConfigureRateLimit(caller, op, req.Limit, window); err != nil {
		writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]interface{}{
		"operation":      op.String(),
		"limit":          req.Limit,
		"window_seconds": req.WindowSeconds,
	})
}

func (s *Server) configureMultiSig(w http.ResponseWriter, r *http.Request) {
	caller, ok := principalFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "no principal")
		return
	}
	var req struct {
		operationRef
		Threshold int      `json:"threshold"`
		Approvers []string `json:"approvers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	op, err := req.resolve()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	approvers := make([]models.Principal, 0, len(req.Approvers))
	for _, a := range req.Approvers {
		approvers = append(approvers, models.Principal(a))
	}
	if err := s.Engine.ConfigureMultiSig(caller, op, req.Threshold, approvers); err != nil {
		writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]interface{}{
		"operation": op.String(),
		"threshold": req.Threshold,
		"approvers": len(approvers),
	})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	op, err := models.ParseID(chi.URLParam(r, "op"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	if pol, ok := s.Engine.RateLimitPolicy(op); ok {
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"kind":           models.PolicyRateLimit,
			"operation":      op.String(),
			"limit":          pol.Limit,
			"window_seconds": int(pol.Window / time.Second),
		})
		return
	}
	if pol, ok := s.Engine.MultiSigPolicy(op); ok {
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"kind":      models.PolicyMultiSig,
			"operation": op.String(),
			"threshold": pol.Threshold,
			"approvers": len(pol.Approvers),
		})
		return
	}
	httpx.Error(w, http.StatusNotFound, "operation has no policy")
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := principalFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "no principal")
		return
	}
	var req struct {
		operationRef
		actionRef
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	op, err := req.operationRef.resolve()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := req.actionRef.resolve()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if action.IsZero() {
		httpx.Error(w, http.StatusBadRequest, "action or action_hash required")
		return
	}
	st, err := s.Engine.Approve(caller, op, action)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, st)
}

func (s *Server) approvalStatus(w http.ResponseWriter, r *http.Request) {
	op, err := models.ParseID(r.URL.Query().Get("operation"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	action, err := models.ParseID(r.URL.Query().Get("action_hash"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid action hash")
		return
	}
	st, ok := s.Engine.ApprovalStatus(op, action)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "operation has no multi-sig policy")
		return
	}
	httpx.WriteJSON(w, 200, st)
}

func (s *Server) triggerBreaker(w http.ResponseWriter, r *http.Request) {
	caller, ok := principalFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "no principal")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	st, err := s.Engine.Trigger(caller, req.Reason)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, st)
}

func (s *Server) resolveBreaker(w http.ResponseWriter, r *http.Request) {
	caller, ok := principalFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "no principal")
		return
	}
	if err := s.Engine.Resolve(caller); err != nil {
		writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, s.Engine.Breaker())
}

func (s *Server) breakerState(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Engine.Breaker())
}

func (s *Server) guardCheck(w http.ResponseWriter, r *http.Request) {
	caller, ok := principalFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "no principal")
		return
	}
	var req struct {
		operationRef
		actionRef
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	op, err := req.operationRef.resolve()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := req.actionRef.resolve()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	verdict, err := s.Engine.Guard(r.Context(), op, caller, action)
	if err != nil {
		httpx.WriteJSON(w, statusForGuardError(err), verdict)
		return
	}
	httpx.WriteJSON(w, 200, verdict)
}

func writeGuardError(w http.ResponseWriter, err error) {
	httpx.Error(w, statusForGuardError(err), err.Error())
}

func statusForGuardError(err error) int {
	switch {
	case errors.Is(err, guard.ErrUnauthorized), errors.Is(err, guard.ErrNotAnApprover):
		return http.StatusForbidden
	case errors.Is(err, guard.ErrInvalidConfig), errors.Is(err, guard.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, guard.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, guard.ErrNotApproved):
		return http.StatusForbidden
	case errors.Is(err, guard.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, guard.ErrNotPaused):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
