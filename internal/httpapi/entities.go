package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/crud"
	"kennelworks.org/internal/kennel"
	"kennelworks.org/internal/mfa"
)

// overrideTokenHeader carries the bypass credential on escalated mutations.
const overrideTokenHeader = "X-Override-Token"

var reservedListParams = map[string]bool{
	"page":      true,
	"limit":     true,
	"sortBy":    true,
	"sortOrder": true,
}

// Register mounts the CRUD routes for one entity type under /v1/<path>.
// Privileged callers pass the MFA guard on every route: reads at regular
// freshness, mutations at mutationClass freshness. Customers are exempt from
// the guard and constrained by policy instead.
func Register[T kennel.Entity](a *API, path string, orc *crud.Orchestrator[T], mutationClass mfa.ActionClass) {
	base := "/v1/" + path

	a.mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.requireActor(w, r)
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			if !a.requireMFA(w, r, actor, mfa.ClassRegular) {
				return
			}
			listEntities(a, w, r, actor, orc)
		case http.MethodPost:
			if !a.requireMFA(w, r, actor, mutationClass) {
				return
			}
			createEntity(a, w, r, actor, orc)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	})

	a.mux.HandleFunc(base+"/", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.requireActor(w, r)
		if !ok {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, base+"/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		switch r.Method {
		case http.MethodGet:
			if !a.requireMFA(w, r, actor, mfa.ClassRegular) {
				return
			}
			res, err := orc.Read(r.Context(), actor, id)
			writeResult(w, res, err, http.StatusOK)
		case http.MethodPut, http.MethodPatch:
			if !a.requireMFA(w, r, actor, mutationClass) {
				return
			}
			var changes map[string]any
			if err := decodeJSON(w, r, &changes); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			res, err := orc.Update(r.Context(), actor, id, changes, r.Header.Get(overrideTokenHeader))
			writeResult(w, res, err, http.StatusOK)
		case http.MethodDelete:
			if !a.requireMFA(w, r, actor, mutationClass) {
				return
			}
			res, err := orc.Delete(r.Context(), actor, id, r.Header.Get(overrideTokenHeader))
			writeResult(w, res, err, http.StatusOK)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete)
		}
	})
}

func createEntity[T kennel.Entity](a *API, w http.ResponseWriter, r *http.Request, actor authz.Context, orc *crud.Orchestrator[T]) {
	var data map[string]any
	if err := decodeJSON(w, r, &data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := orc.Create(r.Context(), actor, data, r.Header.Get(overrideTokenHeader))
	writeResult(w, res, err, http.StatusCreated)
}

func listEntities[T kennel.Entity](a *API, w http.ResponseWriter, r *http.Request, actor authz.Context, orc *crud.Orchestrator[T]) {
	q := r.URL.Query()
	filter := kennel.ListFilter{
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
		Filters:   map[string]any{},
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	for key, vals := range q {
		if reservedListParams[key] || len(vals) == 0 {
			continue
		}
		filter.Filters[key] = vals[0]
	}

	res, err := orc.List(r.Context(), actor, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !res.Success {
		writeError(w, http.StatusForbidden, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"items":   res.Items,
		"total":   res.Total,
		"page":    res.Page,
		"limit":   res.Limit,
	})
}

func writeResult[T kennel.Entity](w http.ResponseWriter, res crud.Result[T], err error, okStatus int) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !res.Success {
		writeError(w, statusForFailure(res.Error), res.Error)
		return
	}
	payload := map[string]any{
		"success": true,
		"data":    res.Output,
	}
	if res.AuditEntry != nil {
		payload["auditId"] = res.AuditEntry.ID
	}
	if res.OverrideEvent != nil {
		payload["overrideEventId"] = res.OverrideEvent.ID
	}
	writeJSON(w, okStatus, payload)
}

func statusForFailure(msg string) int {
	switch msg {
	case crud.MsgNotFound:
		return http.StatusNotFound
	case crud.MsgInvalidInput:
		return http.StatusBadRequest
	case crud.MsgInvalidToken:
		return http.StatusForbidden
	default:
		return http.StatusForbidden
	}
}

func (a *API) requireActor(w http.ResponseWriter, r *http.Request) (authz.Context, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return authz.Context{}, false
	}
	return actor, true
}

// requireMFA enforces freshness for privileged callers; customers are exempt
// here and constrained by policy instead.
func (a *API) requireMFA(w http.ResponseWriter, r *http.Request, actor authz.Context, class mfa.ActionClass) bool {
	if a.guard == nil {
		return true
	}
	check := a.guard.Require(r.Context(), actor, class)
	if check.Success {
		return true
	}
	writeJSON(w, http.StatusForbidden, map[string]any{
		"success": false,
		"error":   check.Error,
		"code":    check.Code,
	})
	return false
}
