package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"fedipost/dal"
	"fedipost/logic"
	"fedipost/shared"
)

const defaultPageLimit = 40

// Groups together the handlers of the owner's admin API. Everything here
// sits behind the API key middleware.
type adminHandlerGroup struct {
	cfg          *shared.Config
	logger       shared.ILogger
	metrics      logic.IMetrics
	repo         dal.IRepo
	interactions logic.IInteractions
	timeline     logic.ITimeline
	refollower   logic.IRefollower
}

func NewAdminHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	metrics logic.IMetrics,
	repo dal.IRepo,
	interactions logic.IInteractions,
	timeline logic.ITimeline,
	refollower logic.IRefollower,
) IHandlerGroup {
	res := adminHandlerGroup{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		repo:         repo,
		interactions: interactions,
		timeline:     timeline,
		refollower:   refollower,
	}
	return &res
}

func (hg *adminHandlerGroup) Prefix() string {
	return "/api"
}

func (hg *adminHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"GET", "/timeline", func(w http.ResponseWriter, r *http.Request) { hg.getTimeline(w, r) }},
		{"GET", "/notifications", func(w http.ResponseWriter, r *http.Request) { hg.getNotifications(w, r) }},
		{"POST", "/notifications/read", func(w http.ResponseWriter, r *http.Request) { hg.postNotificationsRead(w, r) }},
		{"POST", "/like", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Like) }},
		{"POST", "/unlike", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Unlike) }},
		{"POST", "/boost", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Boost) }},
		{"POST", "/unboost", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Unboost) }},
		{"POST", "/reply", func(w http.ResponseWriter, r *http.Request) { hg.postReply(w, r) }},
		{"POST", "/follow", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Follow) }},
		{"POST", "/unfollow", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Unfollow) }},
		{"POST", "/block", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Block) }},
		{"POST", "/unblock", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Unblock) }},
		{"POST", "/mute", func(w http.ResponseWriter, r *http.Request) { hg.postMute(w, r) }},
		{"POST", "/unmute", func(w http.ResponseWriter, r *http.Request) { hg.postObjectAction(w, r, hg.interactions.Unmute) }},
		{"GET", "/muted", func(w http.ResponseWriter, r *http.Request) { hg.getMuted(w, r) }},
		{"GET", "/blocked", func(w http.ResponseWriter, r *http.Request) { hg.getBlocked(w, r) }},
		{"POST", "/refollow/import", func(w http.ResponseWriter, r *http.Request) { hg.postRefollowImport(w, r) }},
		{"POST", "/refollow/start", func(w http.ResponseWriter, r *http.Request) { hg.postRefollowControl(w, r, hg.refollower.Start) }},
		{"POST", "/refollow/pause", func(w http.ResponseWriter, r *http.Request) { hg.postRefollowControl(w, r, hg.refollower.Pause) }},
		{"POST", "/refollow/resume", func(w http.ResponseWriter, r *http.Request) { hg.postRefollowControl(w, r, hg.refollower.Resume) }},
		{"GET", "/refollow/status", func(w http.ResponseWriter, r *http.Request) { hg.getRefollowStatus(w, r) }},
	}
}

func (hg *adminHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hg.authMW(next)
	}
}

func (hg *adminHandlerGroup) authMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var apiKey = r.Header.Get(apiKeyHeader)
		found := false
		for _, key := range hg.cfg.Secrets.ApiKeys {
			if apiKey == key {
				found = true
			}
		}
		if !found {
			keyPart := apiKey
			if len(apiKey) > 4 {
				keyPart = apiKey[:4] + "..."
			}
			hg.logger.Warnf("API request with missing or invalid key '%s': %s", keyPart, r.URL.Path)
			writeErrorResponse(w, badApiKeyStr, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeActionError maps a logic-layer error onto a response: unresolvable
// targets are the caller's problem, everything else is ours.
func (hg *adminHandlerGroup) writeActionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, logic.ErrNotResolved) {
		hg.logger.Infof("%s %s: %v", r.Method, r.URL.Path, err)
		writeErrorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	hg.logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
}

type targetReq struct {
	Target string `json:"target"`
}

// postObjectAction handles the actions whose only input is a single URL or
// handle: like, boost, follow, block and their inverses.
func (hg *adminHandlerGroup) postObjectAction(w http.ResponseWriter, r *http.Request, action func(string) error) {

	hg.logger.Infof("Handling admin POST: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn(strings.TrimPrefix(r.URL.Path, "/api/"))
	defer obs.Finish()

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req targetReq
	if err := json.Unmarshal(bodyBytes, &req); err != nil || req.Target == "" {
		writeErrorResponse(w, "Request body must be JSON with a non-empty 'target'", http.StatusBadRequest)
		return
	}

	if err := action(req.Target); err != nil {
		hg.writeActionError(w, r, err)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *adminHandlerGroup) postReply(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling admin POST: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn("reply")
	defer obs.Finish()

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req struct {
		Target  string `json:"target"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil || req.Target == "" || req.Content == "" {
		writeErrorResponse(w, "Request body must be JSON with 'target' and 'content'", http.StatusBadRequest)
		return
	}

	if err := hg.interactions.Reply(req.Target, req.Content); err != nil {
		hg.writeActionError(w, r, err)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *adminHandlerGroup) postMute(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling admin POST: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn("mute")
	defer obs.Finish()

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req struct {
		Url     string `json:"url"`
		Keyword string `json:"keyword"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		writeErrorResponse(w, badRequestStr, http.StatusBadRequest)
		return
	}

	if err := hg.interactions.Mute(req.Url, req.Keyword); err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *adminHandlerGroup) getTimeline(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling timeline GET: %s", r.URL.RawQuery)
	obs := hg.metrics.StartAdminRequestIn("timeline")
	defer obs.Finish()

	qp := r.URL.Query()
	q := dal.TimelineQuery{
		Before:         qp.Get("before"),
		After:          qp.Get("after"),
		Limit:          defaultPageLimit,
		Type:           qp.Get("type"),
		AuthorUrl:      qp.Get("author"),
		Hashtag:        qp.Get("hashtag"),
		ExcludeReplies: qp.Get("exclude_replies") == "true",
	}
	if limit, err := strconv.Atoi(qp.Get("limit")); err == nil && limit > 0 {
		q.Limit = limit
	}
	mode := logic.ModHide
	if qp.Get("mode") == string(logic.ModWarn) {
		mode = logic.ModWarn
	}

	views, err := hg.timeline.Query(&q, mode)
	if err != nil {
		hg.logger.Errorf("Error querying timeline: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, views)
}

func (hg *adminHandlerGroup) getNotifications(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling notifications GET: %s", r.URL.RawQuery)
	obs := hg.metrics.StartAdminRequestIn("notifications")
	defer obs.Finish()

	qp := r.URL.Query()
	limit := defaultPageLimit
	if l, err := strconv.Atoi(qp.Get("limit")); err == nil && l > 0 {
		limit = l
	}

	notifications, err := hg.repo.GetNotificationsPage(qp.Get("before"), limit)
	if err != nil {
		hg.logger.Errorf("Error querying notifications: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, notifications)
}

func (hg *adminHandlerGroup) postNotificationsRead(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling admin POST: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn("notifications/read")
	defer obs.Finish()

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req struct {
		Uid string `json:"uid"` // empty means all
	}
	if len(bodyBytes) != 0 {
		if err := json.Unmarshal(bodyBytes, &req); err != nil {
			writeErrorResponse(w, badRequestStr, http.StatusBadRequest)
			return
		}
	}

	var err error
	if req.Uid == "" {
		err = hg.repo.MarkAllNotificationsRead()
	} else {
		err = hg.repo.MarkNotificationRead(req.Uid)
	}
	if err != nil {
		hg.logger.Errorf("Error marking notifications read: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *adminHandlerGroup) getMuted(w http.ResponseWriter, r *http.Request) {
	hg.logger.Infof("Handling muted GET: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn("muted")
	defer obs.Finish()
	muted, err := hg.repo.GetMuted()
	if err != nil {
		hg.logger.Errorf("Error querying muted entries: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, muted)
}

func (hg *adminHandlerGroup) getBlocked(w http.ResponseWriter, r *http.Request) {
	hg.logger.Infof("Handling blocked GET: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn("blocked")
	defer obs.Finish()
	blocked, err := hg.repo.GetBlocked()
	if err != nil {
		hg.logger.Errorf("Error querying blocked entries: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, blocked)
}

// postRefollowImport ingests a CSV of accounts to re-follow, one per line:
// actor_url,handle. A header line is skipped if present.
func (hg *adminHandlerGroup) postRefollowImport(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling admin POST: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn("refollow/import")
	defer obs.Finish()

	reader := csv.NewReader(r.Body)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		hg.logger.Infof("Invalid CSV in request body: %v", err)
		writeErrorResponse(w, "Request body is not valid CSV", http.StatusBadRequest)
		return
	}

	var records []*dal.FollowingRecord
	for i, row := range rows {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		if i == 0 && strings.EqualFold(row[0], "actor_url") {
			continue
		}
		rec := dal.FollowingRecord{ActorUrl: strings.TrimSpace(row[0])}
		if len(row) > 1 {
			rec.Handle = strings.TrimSpace(row[1])
		}
		records = append(records, &rec)
	}

	count, err := hg.refollower.ImportFollowing(records)
	if err != nil {
		hg.logger.Errorf("Error importing follow records: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, struct {
		Imported int `json:"imported"`
	}{count})
}

func (hg *adminHandlerGroup) postRefollowControl(w http.ResponseWriter, r *http.Request, control func() error) {

	hg.logger.Infof("Handling admin POST: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn(strings.TrimPrefix(r.URL.Path, "/api/"))
	defer obs.Finish()

	if err := control(); err != nil {
		hg.logger.Errorf("Error controlling re-follow job: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *adminHandlerGroup) getRefollowStatus(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling refollow status GET: %s", r.URL.Path)
	obs := hg.metrics.StartAdminRequestIn("refollow/status")
	defer obs.Finish()

	status, err := hg.refollower.Status()
	if err != nil {
		hg.logger.Errorf("Error querying re-follow status: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, status)
}
