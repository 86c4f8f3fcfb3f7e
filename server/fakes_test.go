package server

import (
	"net/http"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/logic"
	"fedipost/shared"
)

type nullLogger struct{}

func (nullLogger) Print(msg interface{}, keyvals ...interface{}) {}
func (nullLogger) Printf(format string, args ...interface{})     {}
func (nullLogger) Debug(msg interface{}, keyvals ...interface{}) {}
func (nullLogger) Debugf(format string, args ...interface{})     {}
func (nullLogger) Info(msg interface{}, keyvals ...interface{})  {}
func (nullLogger) Infof(format string, args ...interface{})      {}
func (nullLogger) Warn(msg interface{}, keyvals ...interface{})  {}
func (nullLogger) Warnf(format string, args ...interface{})      {}
func (nullLogger) Error(msg interface{}, keyvals ...interface{}) {}
func (nullLogger) Errorf(format string, args ...interface{})     {}

type nullObserver struct{}

func (nullObserver) Finish() {}

type nullMetrics struct{}

func (nullMetrics) StartApubRequestIn(label string) logic.IRequestObserver  { return nullObserver{} }
func (nullMetrics) StartApubRequestOut(label string) logic.IRequestObserver { return nullObserver{} }
func (nullMetrics) StartAdminRequestIn(label string) logic.IRequestObserver { return nullObserver{} }
func (nullMetrics) ActivityHandled(activityType string)                     {}
func (nullMetrics) ActivitySent(activityType string)                        {}
func (nullMetrics) ServiceStarted()                                         {}
func (nullMetrics) TotalFollowers(count int)                                {}
func (nullMetrics) TimelineSize(count int)                                  {}
func (nullMetrics) DeliveryQueueLength(length int)                          {}
func (nullMetrics) FeedChecked()                                            {}
func (nullMetrics) NewPostPublished()                                       {}

func testConfig() *shared.Config {
	return &shared.Config{
		Secrets:        shared.Secrets{ApiKeys: []string{"test-key"}},
		Host:           "example.com",
		Mount:          "/fedi",
		PublicationUrl: "https://example.com/blog",
	}
}

// fakeSigChecker accepts or rejects everything, as configured.
type fakeSigChecker struct {
	senderInfo *dto.UserInfo
	sigProblem string
	err        error
}

func (sc *fakeSigChecker) Check(actor string, r *http.Request) (*dto.UserInfo, string, error) {
	return sc.senderInfo, sc.sigProblem, sc.err
}

type fakeInbox struct {
	senderInfo *dto.UserInfo
	body       []byte
	reqProblem string
	err        error
}

func (ib *fakeInbox) HandleActivity(senderInfo *dto.UserInfo, bodyBytes []byte) (string, error) {
	ib.senderInfo = senderInfo
	ib.body = bodyBytes
	return ib.reqProblem, ib.err
}

// fakeAdir serves canned directory responses and records whether a summary
// or a page was requested.
type fakeAdir struct {
	webfingers map[string]*dto.WebfingerResp
	userInfo   *dto.UserInfo
	notes      map[uint64]*dto.Note
	summaries  int
	pages      int
	lastPage   int
}

func newFakeAdir() *fakeAdir {
	return &fakeAdir{
		webfingers: map[string]*dto.WebfingerResp{},
		userInfo:   &dto.UserInfo{Id: "https://example.com/fedi/actor", Type: "Person"},
		notes:      map[uint64]*dto.Note{},
	}
}

func (ad *fakeAdir) GetWebfinger(resource string) *dto.WebfingerResp {
	return ad.webfingers[resource]
}

func (ad *fakeAdir) GetUserInfo() (*dto.UserInfo, error) {
	return ad.userInfo, nil
}

func (ad *fakeAdir) getSummary() (*dto.OrderedListSummary, error) {
	ad.summaries += 1
	return &dto.OrderedListSummary{Type: "OrderedCollection"}, nil
}

func (ad *fakeAdir) getPage(page int) (*dto.OrderedCollectionPage, error) {
	ad.pages += 1
	ad.lastPage = page
	return &dto.OrderedCollectionPage{Type: "OrderedCollectionPage"}, nil
}

func (ad *fakeAdir) GetOutboxSummary() (*dto.OrderedListSummary, error)         { return ad.getSummary() }
func (ad *fakeAdir) GetOutboxPage(page int) (*dto.OrderedCollectionPage, error) { return ad.getPage(page) }
func (ad *fakeAdir) GetFollowersSummary() (*dto.OrderedListSummary, error)      { return ad.getSummary() }
func (ad *fakeAdir) GetFollowersPage(page int) (*dto.OrderedCollectionPage, error) {
	return ad.getPage(page)
}
func (ad *fakeAdir) GetFollowingSummary() (*dto.OrderedListSummary, error) { return ad.getSummary() }
func (ad *fakeAdir) GetFollowingPage(page int) (*dto.OrderedCollectionPage, error) {
	return ad.getPage(page)
}

func (ad *fakeAdir) GetPostNote(statusId uint64) (*dto.Note, error) {
	return ad.notes[statusId], nil
}

// fakeInteractions records the last action invoked and returns the
// configured error.
type fakeInteractions struct {
	action string
	target string
	err    error
}

func (ia *fakeInteractions) record(action, target string) error {
	ia.action = action
	ia.target = target
	return ia.err
}

func (ia *fakeInteractions) Like(objectUrl string) error    { return ia.record("like", objectUrl) }
func (ia *fakeInteractions) Unlike(objectUrl string) error  { return ia.record("unlike", objectUrl) }
func (ia *fakeInteractions) Boost(objectUrl string) error   { return ia.record("boost", objectUrl) }
func (ia *fakeInteractions) Unboost(objectUrl string) error { return ia.record("unboost", objectUrl) }
func (ia *fakeInteractions) Follow(urlOrHandle string) error {
	return ia.record("follow", urlOrHandle)
}
func (ia *fakeInteractions) Unfollow(actorUrl string) error { return ia.record("unfollow", actorUrl) }
func (ia *fakeInteractions) Reply(objectUrl, content string) error {
	return ia.record("reply", objectUrl)
}
func (ia *fakeInteractions) Block(actorUrl string) error   { return ia.record("block", actorUrl) }
func (ia *fakeInteractions) Unblock(actorUrl string) error { return ia.record("unblock", actorUrl) }
func (ia *fakeInteractions) Mute(url, keyword string) error {
	return ia.record("mute", url+"|"+keyword)
}
func (ia *fakeInteractions) Unmute(urlOrKeyword string) error {
	return ia.record("unmute", urlOrKeyword)
}

type fakeTimeline struct {
	query *dal.TimelineQuery
	mode  logic.ModMode
	views []*logic.TimelineView
}

func (tl *fakeTimeline) Query(q *dal.TimelineQuery, mode logic.ModMode) ([]*logic.TimelineView, error) {
	tl.query = q
	tl.mode = mode
	return tl.views, nil
}

func (tl *fakeTimeline) Cleanup() (int, error) { return 0, nil }

type fakeRefollower struct {
	imported []*dal.FollowingRecord
	controls []string
	status   *logic.RefollowStatus
}

func (rf *fakeRefollower) ImportFollowing(records []*dal.FollowingRecord) (int, error) {
	rf.imported = records
	return len(records), nil
}

func (rf *fakeRefollower) Stop()         {}
func (rf *fakeRefollower) Start() error  { rf.controls = append(rf.controls, "start"); return nil }
func (rf *fakeRefollower) Pause() error  { rf.controls = append(rf.controls, "pause"); return nil }
func (rf *fakeRefollower) Resume() error { rf.controls = append(rf.controls, "resume"); return nil }

func (rf *fakeRefollower) Status() (*logic.RefollowStatus, error) {
	if rf.status == nil {
		return &logic.RefollowStatus{State: logic.JobIdle}, nil
	}
	return rf.status, nil
}

// fakeAdminRepo covers the few repo calls the admin handlers make directly.
// Everything else panics via the embedded nil interface.
type fakeAdminRepo struct {
	dal.IRepo
	notifications []*dal.Notification
	readUids      []string
	readAll       bool
}

func (repo *fakeAdminRepo) GetNotificationsPage(before string, limit int) ([]*dal.Notification, error) {
	res := repo.notifications
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (repo *fakeAdminRepo) MarkNotificationRead(uid string) error {
	repo.readUids = append(repo.readUids, uid)
	return nil
}

func (repo *fakeAdminRepo) MarkAllNotificationsRead() error {
	repo.readAll = true
	return nil
}

func (repo *fakeAdminRepo) GetMuted() ([]*dal.MutedEntry, error) {
	return []*dal.MutedEntry{}, nil
}

func (repo *fakeAdminRepo) GetBlocked() ([]*dal.BlockedEntry, error) {
	return []*dal.BlockedEntry{}, nil
}
