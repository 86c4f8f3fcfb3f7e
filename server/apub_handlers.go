package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"fedipost/dto"
	"fedipost/logic"
	"fedipost/shared"
)

// Groups together the handlers that make up the ActivityPub surface: the
// webfinger endpoint, the actor document, the collections and the inbox.
type apubHandlerGroup struct {
	cfg        *shared.Config
	logger     shared.ILogger
	metrics    logic.IMetrics
	sigChecker logic.IHttpSigChecker
	adir       logic.IActorDirectory
	inbox      logic.IInbox
	reResource *regexp.Regexp
}

func NewApubHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	metrics logic.IMetrics,
	sigChecker logic.IHttpSigChecker,
	adir logic.IActorDirectory,
	ibox logic.IInbox,
) IHandlerGroup {
	res := apubHandlerGroup{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		sigChecker: sigChecker,
		adir:       adir,
		inbox:      ibox,
	}
	res.reResource = regexp.MustCompile("^acct:([^@]+)@([^@]+)$")
	return &res
}

func (hg *apubHandlerGroup) Prefix() string {
	return ""
}

func (hg *apubHandlerGroup) GroupDefs() []handlerDef {
	mount := strings.TrimSuffix(hg.cfg.Mount, "/")
	return []handlerDef{
		{"GET", "/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) { hg.getWebfinger(w, r) }},
		{"GET", mount + "/actor", func(w http.ResponseWriter, r *http.Request) { hg.getActor(w, r) }},
		{"GET", mount + "/outbox", func(w http.ResponseWriter, r *http.Request) { hg.getOutbox(w, r) }},
		{"GET", mount + "/followers", func(w http.ResponseWriter, r *http.Request) { hg.getFollowers(w, r) }},
		{"GET", mount + "/following", func(w http.ResponseWriter, r *http.Request) { hg.getFollowing(w, r) }},
		{"GET", mount + "/p/{id}", func(w http.ResponseWriter, r *http.Request) { hg.getPost(w, r) }},
		{"POST", mount + "/inbox", func(w http.ResponseWriter, r *http.Request) { hg.postInbox(w, r) }},
	}
}

func (hg *apubHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return emptyMW
}

func (hg *apubHandlerGroup) getWebfinger(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling webfinger GET: %s", r.URL.RawQuery)
	obs := hg.metrics.StartApubRequestIn("webfinger")
	defer obs.Finish()

	resourceParam := r.URL.Query().Get("resource")
	groups := hg.reResource.FindStringSubmatch(resourceParam)
	if groups == nil {
		hg.logger.Infof("Webfinger: Invalid request; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "Missing or invalid 'resource' param", http.StatusBadRequest)
		return
	}

	resp := hg.adir.GetWebfinger(resourceParam)

	if resp == nil {
		hg.logger.Infof("Webfinger: No such resource; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apubHandlerGroup) getActor(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling actor GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("actor")
	defer obs.Finish()

	if !acceptsJson(r) {
		hg.logger.Infof("No application/json in accept header; redirecting to: '%s'", hg.cfg.PublicationUrl)
		http.Redirect(w, r, hg.cfg.PublicationUrl, http.StatusSeeOther)
		return
	}

	userInfo, err := hg.adir.GetUserInfo()
	if err != nil {
		hg.logger.Errorf("Error building actor document: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	writeApubResponse(hg.logger, w, userInfo)
}

// pageParam returns 0 when no valid ?page=N is present, meaning the caller
// wants the collection summary.
func pageParam(r *http.Request) int {
	pageStr := r.URL.Query().Get("page")
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		return 0
	}
	return page
}

func (hg *apubHandlerGroup) getCollection(
	w http.ResponseWriter,
	r *http.Request,
	getSummary func() (*dto.OrderedListSummary, error),
	getPage func(page int) (*dto.OrderedCollectionPage, error),
) {
	var resp any
	var err error
	if page := pageParam(r); page == 0 {
		resp, err = getSummary()
	} else {
		resp, err = getPage(page)
	}
	if err != nil {
		hg.logger.Errorf("Error retrieving collection %s: %v", r.URL.Path, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeApubResponse(hg.logger, w, resp)
}

func (hg *apubHandlerGroup) getOutbox(w http.ResponseWriter, r *http.Request) {
	hg.logger.Infof("Handling outbox GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("outbox")
	defer obs.Finish()
	hg.getCollection(w, r, hg.adir.GetOutboxSummary, hg.adir.GetOutboxPage)
}

func (hg *apubHandlerGroup) getFollowers(w http.ResponseWriter, r *http.Request) {
	hg.logger.Infof("Handling followers GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("followers")
	defer obs.Finish()
	hg.getCollection(w, r, hg.adir.GetFollowersSummary, hg.adir.GetFollowersPage)
}

func (hg *apubHandlerGroup) getFollowing(w http.ResponseWriter, r *http.Request) {
	hg.logger.Infof("Handling following GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("following")
	defer obs.Finish()
	hg.getCollection(w, r, hg.adir.GetFollowingSummary, hg.adir.GetFollowingPage)
}

func (hg *apubHandlerGroup) getPost(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling post GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("post")
	defer obs.Finish()

	idStr := mux.Vars(r)["id"]
	statusId, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeErrorResponse(w, "Invalid post ID", http.StatusBadRequest)
		return
	}

	note, err := hg.adir.GetPostNote(statusId)
	if err != nil {
		hg.logger.Errorf("Error retrieving post %d: %v", statusId, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if note == nil {
		hg.logger.Infof("Post not found: %d", statusId)
		writeErrorResponse(w, "No such post", http.StatusNotFound)
		return
	}

	// Browsers get the post on the publication site itself
	if !acceptsJson(r) {
		hg.logger.Infof("No application/json in accept header; redirecting to: '%s'", note.Url)
		http.Redirect(w, r, note.Url, http.StatusSeeOther)
		return
	}

	note.Context = "https://www.w3.org/ns/activitystreams"
	writeApubResponse(hg.logger, w, note)
}

func (hg *apubHandlerGroup) postInbox(w http.ResponseWriter, r *http.Request) {

	var err error
	hg.logger.Infof("Handling inbox POST: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("inbox")
	defer obs.Finish()

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	if len(bodyBytes) == 0 {
		hg.logger.Info("Empty request body")
		writeErrorResponse(w, "Request body must not be empty", http.StatusBadRequest)
		return
	}

	hg.logger.Debug(string(bodyBytes))

	// First, parse a rudimentary version of the activity to check signature, find out activity type
	var act dto.ActivityInBase
	if err = json.Unmarshal(bodyBytes, &act); err != nil {
		hg.logger.Infof("Invalid JSON in request body: %v", err)
		writeErrorResponse(w, "Request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if act.Type == "" || act.Actor == "" {
		hg.logger.Info("Activity without type or actor")
		writeErrorResponse(w, "Activity must have a type and an actor", http.StatusBadRequest)
		return
	}

	// Verify signature
	var senderInfo *dto.UserInfo
	var sigProblem string
	senderInfo, sigProblem, err = hg.sigChecker.Check(act.Actor, r)

	if err != nil {
		hg.logger.Errorf("Unexpected error trying to verify signature: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	if sigProblem != "" {
		// A Delete for an actor that's gone can never be verified; swallow it.
		if act.Type == "Delete" {
			hg.logger.Infof("Ignoring Delete request with unverified actor signature")
			writeAccepted(hg.logger, w)
		} else {
			hg.logger.Warnf("Incorrectly signed inbox POST request: %s", sigProblem)
			msg := fmt.Sprintf("Invalid HTTP signature: %s", sigProblem)
			writeErrorResponse(w, msg, http.StatusUnauthorized)
		}
		return
	}

	// Does signer match actor?
	if senderInfo.Id != act.Actor {
		hg.logger.Warnf("Activity signed by %s, but actor is %s", senderInfo.Id, act.Actor)
		writeErrorResponse(w, "Signer does not match actor", http.StatusUnauthorized)
		return
	}

	var reqProblem string
	reqProblem, err = hg.inbox.HandleActivity(senderInfo, bodyBytes)

	if err != nil {
		hg.logger.Errorf("Error handling inbox activity: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	if reqProblem != "" {
		hg.logger.Infof("Invalid '%s' request: %s", act.Type, reqProblem)
		msg := fmt.Sprintf("Bad request: %s", reqProblem)
		writeErrorResponse(w, msg, http.StatusBadRequest)
		return
	}

	writeAccepted(hg.logger, w)
}

// writeAccepted acknowledges an inbox POST. Processing already happened;
// 202 just tells the peer not to retry.
func writeAccepted(logger shared.ILogger, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if _, err := fmt.Fprintln(w, `"OK"`); err != nil {
		logger.Warnf("Failed to write response: %v", err)
	}
}
