package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/authz/internal/platform/httpx"
)

// Handler exposes the decision and administration API as JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	adminPerm string
	validator *validator.Validate
	selfOnly  bool
}

// RestrictDecisionsToSubject limits the decision routes to callers asking
// about themselves unless they hold the admin permission.
func (h *Handler) RestrictDecisionsToSubject(enabled bool) *Handler {
	h.selfOnly = enabled
	return h
}

// NewHandler constructs a Handler. Administrative routes require adminPerm.
func NewHandler(logger *slog.Logger, service *Service, mw Middleware, adminPerm string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      mw,
		adminPerm: adminPerm,
		validator: validator.New(),
	}
}

// MountRoutes registers decision routes and the guarded admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/has-role", h.hasRole)
	r.Post("/effective-permissions", h.effectivePermissions)

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(h.adminPerm))
		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Patch("/roles/{name}", h.updateRole)
		r.Delete("/roles/{name}", h.deleteRole)
		r.Post("/roles/{name}/permissions", h.bindPermissions)
		r.Get("/permissions", h.listPermissions)
		r.Post("/permissions", h.createPermission)
		r.Put("/permissions/{name}/conditions", h.updateConditions)
		r.Post("/assignments", h.assignRole)
		r.Post("/assignments/revoke", h.revokeRole)
		r.Post("/grants", h.grantPermission)
		r.Post("/grants/revoke", h.revokePermission)
		r.Get("/grant-states", h.grantStates)
	})
}

type checkRequest struct {
	PrincipalID string     `json:"principal_id" validate:"required"`
	Permission  string     `json:"permission" validate:"required"`
	Context     Attributes `json:"context"`
}

type hasRoleRequest struct {
	PrincipalID string     `json:"principal_id" validate:"required"`
	Role        string     `json:"role" validate:"required"`
	Context     Attributes `json:"context"`
}

type effectiveRequest struct {
	PrincipalID string     `json:"principal_id" validate:"required"`
	Context     Attributes `json:"context"`
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	DisplayName string `json:"display_name" validate:"max=200"`
	Level       int    `json:"level" validate:"gte=0"`
}

type updateRoleRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

type bindRequest struct {
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
}

type createPermissionRequest struct {
	Resource    string     `json:"resource" validate:"required,max=100"`
	Action      string     `json:"action" validate:"required,max=100"`
	Description string     `json:"description"`
	Conditions  Conditions `json:"conditions"`
}

type conditionsRequest struct {
	Conditions Conditions `json:"conditions"`
}

type assignRequest struct {
	PrincipalID string     `json:"principal_id" validate:"required"`
	Role        string     `json:"role" validate:"required"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Context     Attributes `json:"context"`
}

type grantRequest struct {
	PrincipalID string     `json:"principal_id" validate:"required"`
	Permission  string     `json:"permission" validate:"required"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Context     Attributes `json:"context"`
}

// revokeRequest leaves Context nil when the field is absent, which revokes
// every context.
type revokeRequest struct {
	PrincipalID string     `json:"principal_id" validate:"required"`
	Role        string     `json:"role"`
	Permission  string     `json:"permission"`
	Context     Attributes `json:"context"`
}

type roleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Level       int       `json:"level"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

type permissionResponse struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Resource    string     `json:"resource"`
	Action      string     `json:"action"`
	Description string     `json:"description,omitempty"`
	Conditions  Conditions `json:"conditions,omitempty"`
	IsActive    bool       `json:"is_active"`
}

func toRoleResponse(r Role) roleResponse {
	return roleResponse{ID: r.ID, Name: r.Name, DisplayName: r.DisplayName, Level: r.Level, IsSystem: r.IsSystem, IsActive: r.IsActive, CreatedAt: r.CreatedAt}
}

func toPermissionResponse(p Permission) permissionResponse {
	return permissionResponse{ID: p.ID, Name: p.Name, Resource: p.Resource, Action: p.Action, Description: p.Description, Conditions: p.Conditions, IsActive: p.IsActive}
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.maySee(w, r, req.PrincipalID) {
		return
	}
	allowed, err := h.service.CheckPermission(r.Context(), req.PrincipalID, req.Permission, req.Context)
	if err != nil {
		h.fail(w, "check permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func (h *Handler) hasRole(w http.ResponseWriter, r *http.Request) {
	var req hasRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.maySee(w, r, req.PrincipalID) {
		return
	}
	held, err := h.service.HasRole(r.Context(), req.PrincipalID, req.Role, req.Context)
	if err != nil {
		h.fail(w, "has role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"has_role": held})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	var req effectiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.maySee(w, r, req.PrincipalID) {
		return
	}
	perms, err := h.service.GetEffectivePermissions(r.Context(), req.PrincipalID, req.Context)
	if err != nil {
		h.fail(w, "effective permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.DisplayName, req.Level)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRoleActive(r.Context(), chi.URLParam(r, "name"), *req.IsActive); err != nil {
		h.fail(w, "update role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRole(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) bindPermissions(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if !h.decode(w, r, &req) {
		return
	}
	bound, err := h.service.BindPermissionsToRole(r.Context(), chi.URLParam(r, "name"), req.Permissions, actor(r))
	if err != nil {
		h.fail(w, "bind permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bound": bound})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, toPermissionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), PermissionInput{
		Resource:    req.Resource,
		Action:      req.Action,
		Description: req.Description,
		Conditions:  req.Conditions,
	})
	if err != nil {
		h.fail(w, "create permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionResponse(perm))
}

func (h *Handler) updateConditions(w http.ResponseWriter, r *http.Request) {
	var req conditionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.UpdatePermissionConditions(r.Context(), chi.URLParam(r, "name"), req.Conditions); err != nil {
		h.fail(w, "update conditions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	changed, err := h.service.AssignRole(r.Context(), AssignRoleInput{
		PrincipalID: req.PrincipalID,
		Role:        req.Role,
		AssignedBy:  actor(r),
		ExpiresAt:   req.ExpiresAt,
		Context:     req.Context,
	})
	if err != nil {
		h.fail(w, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Role) == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role is required")
		return
	}
	changed, err := h.service.RevokeRole(r.Context(), req.PrincipalID, req.Role, req.Context)
	if err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}
	changed, err := h.service.GrantPermission(r.Context(), GrantPermissionInput{
		PrincipalID: req.PrincipalID,
		Permission:  req.Permission,
		GrantedBy:   actor(r),
		ExpiresAt:   req.ExpiresAt,
		Context:     req.Context,
	})
	if err != nil {
		h.fail(w, "grant permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Permission) == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission is required")
		return
	}
	changed, err := h.service.RevokePermission(r.Context(), req.PrincipalID, req.Permission, req.Context)
	if err != nil {
		h.fail(w, "revoke permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (h *Handler) grantStates(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.GrantStates(r.Context())
	if err != nil {
		h.fail(w, "grant states", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"assignments": counts.Assignments,
		"grants":      counts.Grants,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(parts, "; "))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// maySee answers 403 when the subject guard is on and the caller is neither
// the subject nor an administrator.
func (h *Handler) maySee(w http.ResponseWriter, r *http.Request, subject string) bool {
	if !h.selfOnly {
		return true
	}
	caller, ok := PrincipalFromContext(r.Context())
	if ok && caller == strings.TrimSpace(subject) {
		return true
	}
	if ok {
		admin, err := h.service.CheckPermission(r.Context(), caller, h.adminPerm, h.rbac.attributes(r))
		if err != nil {
			h.logger.Error("subject guard", slog.String("principal", caller), slog.Any("error", err))
		}
		if err == nil && admin {
			return true
		}
	}
	httpx.Problem(w, http.StatusForbidden, "Forbidden", "decisions are limited to the calling principal")
	return false
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrStorage) || !isDomainErr(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actor(r *http.Request) string {
	id, _ := PrincipalFromContext(r.Context())
	return id
}
