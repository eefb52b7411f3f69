package controlplane

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/requestlog"
	"github.com/edgegate/edgegate/internal/rules"
)

func (a *API) limiterConfig() map[string]interface{} {
	return map[string]interface{}{
		"requests":     a.cfg.RateLimit.Requests,
		"window":       a.cfg.RateLimit.Window,
		"keyBy":        a.cfg.RateLimit.KeyBy,
		"excludePaths": a.cfg.RateLimit.ExcludePaths,
	}
}

func (a *API) corsConfig() map[string]interface{} {
	return map[string]interface{}{
		"origin":         a.cfg.CORS.Origin,
		"credentials":    a.cfg.CORS.Credentials,
		"methods":        a.cfg.CORS.Methods,
		"allowedHeaders": a.cfg.CORS.AllowedHeaders,
		"exposedHeaders": a.cfg.CORS.ExposedHeaders,
		"maxAge":         a.cfg.CORS.MaxAge,
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	kvStatus := "disabled"
	if a.adapter.Enabled() {
		kvStatus = "ok"
		if _, err := a.adapter.ShellExcludes(r.Context()); err != nil {
			kvStatus = "error"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(a.started).Round(time.Second).String(),
		"kv":     kvStatus,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	var rateLimit interface{}
	if a.limiter != nil {
		rateLimit = map[string]interface{}{
			"metrics": a.limiter.Metrics(),
			"config":  a.limiterConfig(),
		}
	}

	var cors interface{}
	if a.cfg.CORS.Enabled {
		cors = a.corsConfig()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rateLimit": rateLimit,
		"cors":      cors,
		"cache":     map[string]bool{"disabled": a.cfg.Cache.Disabled},
		"shell": map[string]interface{}{
			"enabled":       a.shell.Enabled(),
			"dir":           a.shell.Dir(),
			"excludesCount": len(a.shell.Excludes()),
		},
		"logs": a.log.Stats(),
	})
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rateLimit": a.limiterConfig(),
		"cors":      a.corsConfig(),
		"cache":     map[string]bool{"disabled": a.cfg.Cache.Disabled},
		"shell": map[string]interface{}{
			"envExcludes": a.cfg.Shell.Excludes,
		},
	})
}

func (a *API) handleLimiterMetrics(w http.ResponseWriter, r *http.Request) {
	if a.limiter == nil {
		errors.Unavailable("Rate limiting is not enabled").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a.limiter.Metrics())
}

func (a *API) handleLimiterBuckets(w http.ResponseWriter, r *http.Request) {
	if a.limiter == nil {
		errors.Unavailable("Rate limiting is not enabled").WriteJSON(w)
		return
	}
	buckets := a.limiter.ActiveBuckets()
	if limit := queryInt(r, "limit"); limit > 0 && limit < len(buckets) {
		buckets = buckets[:limit]
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (a *API) handleClearBucket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if a.limiter == nil {
		errors.Unavailable("Rate limiting is not enabled").WriteJSON(w)
		return
	}
	key, err := url.PathUnescape(ps.ByName("key"))
	if err != nil {
		errors.BadRequest("Invalid bucket key").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": a.limiter.ClearBucket(key),
		"key":     key,
	})
}

func (a *API) handleClearAllBuckets(w http.ResponseWriter, r *http.Request) {
	if a.limiter == nil {
		errors.Unavailable("Rate limiting is not enabled").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": a.limiter.ClearAll()})
}

func (a *API) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.adapter.MetricsHistory(r.Context(), queryInt(r, "limit"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) handleClearMetricsHistory(w http.ResponseWriter, r *http.Request) {
	if err := a.adapter.ClearMetricsHistory(r.Context()); err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (a *API) handleShellExcludes(w http.ResponseWriter, r *http.Request) {
	if !a.shell.Enabled() {
		errors.Unavailable("Shell is not configured").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a.shell.Excludes())
}

func (a *API) handleAddShellExclude(w http.ResponseWriter, r *http.Request) {
	if !a.shell.Enabled() {
		errors.Unavailable("Shell is not configured").WriteJSON(w)
		return
	}

	var body struct {
		Basename string `json:"basename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errors.BadRequest("Invalid request body").WriteJSON(w)
		return
	}
	if err := a.shell.CheckKeyval(body.Basename); err != nil {
		errors.BadRequest(err.Error()).WriteJSON(w)
		return
	}

	// KV write happens before the in-memory set update, as for rules.
	added, err := a.adapter.AddShellExclude(r.Context(), body.Basename)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	a.shell.AddKeyval(body.Basename)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"added":    added,
		"basename": body.Basename,
		"source":   "keyval",
	})
}

func (a *API) handleRemoveShellExclude(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !a.shell.Enabled() {
		errors.Unavailable("Shell is not configured").WriteJSON(w)
		return
	}

	basename := ps.ByName("basename")
	if a.shell.InEnv(basename) {
		errors.BadRequest("Basename is fixed by environment").WriteJSON(w)
		return
	}
	removed, err := a.adapter.RemoveShellExclude(r.Context(), basename)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	a.shell.RemoveKeyval(basename)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":  removed,
		"basename": basename,
	})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := requestlog.Filter{
		IP:          q.Get("ip"),
		PathPattern: q.Get("pathPattern"),
		Status:      queryInt(r, "status"),
		StatusRange: queryInt(r, "statusRange"),
		Limit:       queryInt(r, "limit"),
	}
	if v := q.Get("rateLimited"); v != "" {
		limited := v == "true"
		filter.RateLimited = &limited
	}
	writeJSON(w, http.StatusOK, a.log.Query(filter))
}

func (a *API) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	a.log.Clear()
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (a *API) handleLogStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.log.Stats())
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rules.All())
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rule := a.rules.Get(ps.ByName("id"))
	if rule == nil {
		errors.NotFound("Rule not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var body rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errors.BadRequest("Invalid request body").WriteJSON(w)
		return
	}
	created, err := a.rules.Create(r.Context(), body)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var patch rules.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		errors.BadRequest("Invalid request body").WriteJSON(w)
		return
	}
	updated, err := a.rules.Update(r.Context(), ps.ByName("id"), patch)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := a.rules.Delete(r.Context(), ps.ByName("id")); err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// fragmentView is the control-plane projection of a fragment-bearing rule.
type fragmentView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Pattern         string   `json:"pattern"`
	Origin          string   `json:"origin"`
	Base            string   `json:"base,omitempty"`
	Sandbox         string   `json:"sandbox"`
	AllowMessageBus bool     `json:"allowMessageBus"`
	PreloadStyles   []string `json:"preloadStyles,omitempty"`
}

func (a *API) handleFragments(w http.ResponseWriter, r *http.Request) {
	out := make([]fragmentView, 0)
	for _, rule := range a.rules.Fragments() {
		view := fragmentView{
			ID:              rule.ID,
			Name:            rule.Name,
			Pattern:         rule.Pattern,
			Origin:          rule.Target,
			Base:            rule.Base,
			Sandbox:         rule.Fragment.Sandbox,
			AllowMessageBus: rule.Fragment.AllowMessageBus == nil || *rule.Fragment.AllowMessageBus,
			PreloadStyles:   rule.Fragment.PreloadStyles,
		}
		if view.Sandbox == "" {
			view.Sandbox = "patch"
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case stderrors.Is(err, rules.ErrReadonly):
		errors.Forbidden("Static rules cannot be modified").WriteJSON(w)
	case stderrors.Is(err, rules.ErrNotFound):
		errors.NotFound("Rule not found").WriteJSON(w)
	case stderrors.Is(err, rules.ErrInvalid):
		errors.BadRequest(err.Error()).WriteJSON(w)
	case stderrors.Is(err, rules.ErrNoStorage):
		errors.BadRequest("KV storage is not enabled").WriteJSON(w)
	default:
		errors.WriteError(w, err)
	}
}

func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
