package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"fedipost/dal"
	"fedipost/logic"
)

type adminFixture struct {
	repo         *fakeAdminRepo
	interactions *fakeInteractions
	timeline     *fakeTimeline
	refollower   *fakeRefollower
	router       *mux.Router
}

func newAdminFixture() *adminFixture {
	res := adminFixture{
		repo:         &fakeAdminRepo{},
		interactions: &fakeInteractions{},
		timeline:     &fakeTimeline{},
		refollower:   &fakeRefollower{},
	}
	hg := NewAdminHandlerGroup(testConfig(), nullLogger{}, nullMetrics{},
		res.repo, res.interactions, res.timeline, res.refollower)
	res.router = NewMux([]IHandlerGroup{hg})
	return &res
}

func (fx *adminFixture) request(method, path, body, apiKey string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	rr := httptest.NewRecorder()
	fx.router.ServeHTTP(rr, req)
	return rr
}

func Test_AdminAuth_RejectsMissingOrWrongKey(t *testing.T) {
	fx := newAdminFixture()

	rr := fx.request("GET", "/api/timeline", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = fx.request("GET", "/api/timeline", "", "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Nil(t, fx.timeline.query)

	rr = fx.request("GET", "/api/timeline", "", "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotNil(t, fx.timeline.query)
}

func Test_AdminTimeline_ParsesQuery(t *testing.T) {
	fx := newAdminFixture()

	path := "/api/timeline?before=2026-05-01T10:00:00Z&limit=10&type=boost" +
		"&author=https://a.example/users/alice&hashtag=golang&exclude_replies=true&mode=warn"
	rr := fx.request("GET", path, "", "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)

	q := fx.timeline.query
	assert.Equal(t, "2026-05-01T10:00:00Z", q.Before)
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, "boost", q.Type)
	assert.Equal(t, "https://a.example/users/alice", q.AuthorUrl)
	assert.Equal(t, "golang", q.Hashtag)
	assert.True(t, q.ExcludeReplies)
	assert.Equal(t, logic.ModWarn, fx.timeline.mode)
}

func Test_AdminTimeline_Defaults(t *testing.T) {
	fx := newAdminFixture()

	rr := fx.request("GET", "/api/timeline", "", "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, defaultPageLimit, fx.timeline.query.Limit)
	assert.Equal(t, logic.ModHide, fx.timeline.mode)
}

func Test_AdminObjectActions_Dispatch(t *testing.T) {
	fx := newAdminFixture()
	target := "https://remote.example/notes/1"
	body := fmt.Sprintf(`{"target": "%s"}`, target)

	for _, action := range []string{"like", "unlike", "boost", "unboost",
		"follow", "unfollow", "block", "unblock", "unmute"} {
		rr := fx.request("POST", "/api/"+action, body, "test-key")
		assert.Equal(t, http.StatusOK, rr.Code, action)
		assert.Equal(t, action, fx.interactions.action)
		assert.Equal(t, target, fx.interactions.target)
	}
}

func Test_AdminObjectActions_RequireTarget(t *testing.T) {
	fx := newAdminFixture()
	for _, body := range []string{"", "not json", `{}`, `{"target": ""}`} {
		rr := fx.request("POST", "/api/like", body, "test-key")
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
	assert.Equal(t, "", fx.interactions.action)
}

func Test_AdminActions_UnresolvableTargetIsNotFound(t *testing.T) {
	fx := newAdminFixture()
	fx.interactions.err = fmt.Errorf("%w: https://dark.example/notes/1", logic.ErrNotResolved)

	rr := fx.request("POST", "/api/like", `{"target": "https://dark.example/notes/1"}`, "test-key")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "dark.example")
}

func Test_AdminActions_OtherErrorsAreInternal(t *testing.T) {
	fx := newAdminFixture()
	fx.interactions.err = fmt.Errorf("db is down")

	rr := fx.request("POST", "/api/boost", `{"target": "https://remote.example/notes/1"}`, "test-key")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func Test_AdminReply_RequiresTargetAndContent(t *testing.T) {
	fx := newAdminFixture()

	rr := fx.request("POST", "/api/reply",
		`{"target": "https://remote.example/notes/1", "content": "good point"}`, "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "reply", fx.interactions.action)

	rr = fx.request("POST", "/api/reply", `{"target": "https://remote.example/notes/1"}`, "test-key")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func Test_AdminMute_BadSelectorIsBadRequest(t *testing.T) {
	fx := newAdminFixture()
	fx.interactions.err = fmt.Errorf("exactly one of url and keyword must be set")

	rr := fx.request("POST", "/api/mute", `{"url": "", "keyword": ""}`, "test-key")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func Test_AdminNotifications_PageAndRead(t *testing.T) {
	fx := newAdminFixture()
	fx.repo.notifications = []*dal.Notification{
		{Uid: "n1", Type: "like"},
		{Uid: "n2", Type: "follow"},
	}

	rr := fx.request("GET", "/api/notifications?limit=1", "", "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "n1")
	assert.NotContains(t, rr.Body.String(), "n2")

	rr = fx.request("POST", "/api/notifications/read", `{"uid": "n1"}`, "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"n1"}, fx.repo.readUids)
	assert.False(t, fx.repo.readAll)

	rr = fx.request("POST", "/api/notifications/read", `{}`, "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, fx.repo.readAll)
}

func Test_AdminRefollowImport_ParsesCsv(t *testing.T) {
	fx := newAdminFixture()
	csvBody := "actor_url,handle\n" +
		"https://remote.example/users/alice,@alice@remote.example\n" +
		"\n" +
		"https://remote.example/users/bob\n"

	rr := fx.request("POST", "/api/refollow/import", csvBody, "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"imported":2`)

	assert.Equal(t, 2, len(fx.refollower.imported))
	assert.Equal(t, "https://remote.example/users/alice", fx.refollower.imported[0].ActorUrl)
	assert.Equal(t, "@alice@remote.example", fx.refollower.imported[0].Handle)
	assert.Equal(t, "https://remote.example/users/bob", fx.refollower.imported[1].ActorUrl)
}

func Test_AdminRefollowImport_RejectsBadCsv(t *testing.T) {
	fx := newAdminFixture()
	rr := fx.request("POST", "/api/refollow/import", "\"unterminated\n", "test-key")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Nil(t, fx.refollower.imported)
}

func Test_AdminRefollowControls(t *testing.T) {
	fx := newAdminFixture()
	for _, control := range []string{"start", "pause", "resume"} {
		rr := fx.request("POST", "/api/refollow/"+control, "", "test-key")
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	assert.Equal(t, []string{"start", "pause", "resume"}, fx.refollower.controls)

	fx.refollower.status = &logic.RefollowStatus{State: logic.JobRunning, Sent: 7}
	rr := fx.request("GET", "/api/refollow/status", "", "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"state":"running"`)
	assert.Contains(t, rr.Body.String(), `"sent":7`)
}

func Test_AdminMutedBlockedLists(t *testing.T) {
	fx := newAdminFixture()
	rr := fx.request("GET", "/api/muted", "", "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = fx.request("GET", "/api/blocked", "", "test-key")
	assert.Equal(t, http.StatusOK, rr.Code)
}
