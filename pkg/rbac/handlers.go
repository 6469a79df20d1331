package rbac

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/hearth/pkg/audit"
	"github.com/platinummonkey/hearth/pkg/auth"
	"github.com/platinummonkey/hearth/pkg/httputil"
	"github.com/platinummonkey/hearth/pkg/observability"
)

// Handlers exposes role resolution and the admin workflow over HTTP
type Handlers struct {
	store     Store
	resolver  RoleResolver
	evaluator *Evaluator
	admin     *AdminService
	checker   *ConsistencyChecker
	audit     audit.Searcher
	perms     *PermissionMiddleware
}

// HandlersConfig collects the handler dependencies. Checker and Audit are optional.
type HandlersConfig struct {
	Store     Store
	Resolver  RoleResolver
	Evaluator *Evaluator
	Admin     *AdminService
	Checker   *ConsistencyChecker
	Audit     audit.Searcher
	Logger    *observability.Logger
}

// NewHandlers creates the handlers
func NewHandlers(cfg HandlersConfig) *Handlers {
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = NewEvaluator(nil)
	}
	return &Handlers{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		evaluator: evaluator,
		admin:     cfg.Admin,
		checker:   cfg.Checker,
		audit:     cfg.Audit,
		perms:     NewPermissionMiddleware(cfg.Resolver, evaluator, cfg.Logger),
	}
}

// RegisterRoutes registers every route. The router must already run
// identity middleware so that auth.GetIdentity works.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	gate := func(mw func(http.Handler) http.Handler, fn http.HandlerFunc) http.Handler {
		return mw(fn)
	}

	// Caller
	router.Handle("/v1/me", gate(h.perms.Resolve, h.GetMe)).Methods(http.MethodGet)
	router.HandleFunc("/v1/me/refresh", h.RefreshMe).Methods(http.MethodPost)
	router.Handle("/v1/me/capabilities", gate(h.perms.Resolve, h.ListMyCapabilities)).Methods(http.MethodGet)
	router.Handle("/v1/me/capabilities/{capability}", gate(h.perms.Resolve, h.CheckMyCapability)).Methods(http.MethodGet)

	// Directory
	manageUsers := h.perms.RequireCapability(CapManageUsers)
	router.Handle("/v1/admin/members", gate(manageUsers, h.ListMembers)).Methods(http.MethodGet)
	router.Handle("/v1/admin/admins", gate(manageUsers, h.ListAdmins)).Methods(http.MethodGet)

	// Promote/demote workflow
	router.Handle("/v1/admin/users/{id}/promote", gate(manageUsers, h.Promote)).Methods(http.MethodPost)
	router.Handle("/v1/admin/users/{id}/demote", gate(manageUsers, h.Demote)).Methods(http.MethodPost)
	router.Handle("/v1/admin/users/{id}/permissions",
		gate(h.perms.RequireCapability(CapManageAdmins), h.UpdatePermissions)).Methods(http.MethodPut)

	// Reports and maintenance
	router.Handle("/v1/admin/users/{id}/audit",
		gate(h.perms.RequireCapability(CapViewReports), h.UserAudit)).Methods(http.MethodGet)
	router.Handle("/v1/admin/consistency/sweep",
		gate(h.perms.RequireSuperAdmin(), h.Sweep)).Methods(http.MethodPost)
}

// GetMe returns the caller's resolution
func (h *Handlers) GetMe(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, ResolutionFromContext(r.Context()))
}

// RefreshMe resolves the caller bypassing the cache
func (h *Handlers) RefreshMe(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r)
	if identity == nil {
		httputil.WriteUnauthorized(w, "hearth", "authentication required")
		return
	}
	res, err := h.resolver.Resolve(r.Context(), identity.UserID, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// ListMyCapabilities lists every capability the caller's role holds
func (h *Handlers) ListMyCapabilities(w http.ResponseWriter, r *http.Request) {
	res := ResolutionFromContext(r.Context())
	table := h.evaluator.Table()
	held := []string{}
	for _, c := range table.Capabilities() {
		if table.HasCapability(RoleOf(res), c) {
			held = append(held, string(c))
		}
	}
	sort.Strings(held)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"role": res.Role, "capabilities": held})
}

// CheckMyCapability reports whether the caller holds one capability
func (h *Handlers) CheckMyCapability(w http.ResponseWriter, r *http.Request) {
	c := Capability(strings.ToLower(mux.Vars(r)["capability"]))
	if !h.evaluator.Table().Known(c) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "unknown capability")
		return
	}
	res := ResolutionFromContext(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"capability": c,
		"role":       res.Role,
		"allowed":    h.evaluator.HasCapability(RoleOf(res), c),
	})
}

// ListMembers lists the members table
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.store.ListMembers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if members == nil {
		members = []*MemberRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, members)
}

// ListAdmins lists the admins table
func (h *Handlers) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.store.ListAdmins(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if admins == nil {
		admins = []*AdminRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, admins)
}

type permissionsRequest struct {
	Permissions *AdminPermissions `json:"permissions"`
}

// Promote promotes the member in the path. The body may carry permissions.
func (h *Handlers) Promote(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := httputil.ParseOptionalJSON(r, &req); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	admin, err := h.admin.Promote(r.Context(), auth.GetIdentity(r).UserID, mux.Vars(r)["id"], req.Permissions)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, admin)
}

// Demote demotes the admin in the path
func (h *Handlers) Demote(w http.ResponseWriter, r *http.Request) {
	member, err := h.admin.Demote(r.Context(), auth.GetIdentity(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, member)
}

// UpdatePermissions replaces an admin's permission set
func (h *Handlers) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := httputil.ParseJSON(r, &req); err != nil || req.Permissions == nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "permissions are required")
		return
	}
	admin, err := h.admin.UpdatePermissions(r.Context(), auth.GetIdentity(r).UserID, mux.Vars(r)["id"], *req.Permissions)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, admin)
}

// UserAudit returns the audit trail for the user in the path, newest first
func (h *Handlers) UserAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, "audit search is not configured")
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	events, err := h.audit.Search(r.Context(), audit.SearchFilter{
		TargetID: mux.Vars(r)["id"],
		Limit:    limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// Sweep runs the consistency sweep immediately
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, "consistency sweep is not configured")
		return
	}
	report, err := h.checker.Sweep(r.Context())
	if err != nil && report == nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	httputil.WriteJSON(w, status, report)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var compErr *CompensationError
	switch {
	case errors.As(err, &compErr):
		return http.StatusInternalServerError
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrSuperAdminImmutable), errors.Is(err, ErrSelfAction):
		return http.StatusForbidden
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrNotAdmin), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyAdmin):
		return http.StatusConflict
	case errors.Is(err, ErrBackingStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
		httputil.WriteErrorMessage(w, status, http.StatusText(status))
		return
	}
	httputil.WriteErrorMessage(w, status, err.Error())
}
