package logic

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"time"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
)

// Hand-rolled fakes; the surface each test needs is small enough that a
// mocking framework would cost more than it saves.

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

func (nullMetrics) StartApubRequestIn(label string) IRequestObserver  { return nullObserver{} }
func (nullMetrics) StartApubRequestOut(label string) IRequestObserver { return nullObserver{} }
func (nullMetrics) StartAdminRequestIn(label string) IRequestObserver { return nullObserver{} }
func (nullMetrics) ActivityHandled(activityType string)               {}
func (nullMetrics) ActivitySent(activityType string)                  {}
func (nullMetrics) ServiceStarted()                                   {}
func (nullMetrics) TotalFollowers(count int)                          {}
func (nullMetrics) TimelineSize(count int)                            {}
func (nullMetrics) DeliveryQueueLength(length int)                    {}
func (nullMetrics) FeedChecked()                                      {}
func (nullMetrics) NewPostPublished()                                 {}

func testConfig() *shared.Config {
	return &shared.Config{
		Host:              "example.com",
		Mount:             "/fedi",
		PublicationUrl:    "https://example.com/blog",
		TimelineRetention: 1000,
		Actor: &shared.ActorConfig{
			Handle: "blog",
			Name:   "The Blog",
		},
		Refollow: shared.RefollowConfig{
			BatchSize:        3,
			BatchIntervalSec: 60,
			ItemDelayMs:      0,
			MaxAttempts:      3,
			CooldownMinutes:  60,
		},
	}
}

// fakeRepo is an in-memory dal.IRepo. Only the methods the logic layer
// exercises are implemented; anything else panics via the embedded nil.
type fakeRepo struct {
	dal.IRepo
	mu            sync.Mutex
	nextId        uint64
	handled       map[string]bool
	kv            map[string]string
	timeline      map[string]*dal.TimelineItem
	notifications map[string]*dal.Notification
	followers     map[string]*dal.FollowerRecord
	following     map[string]*dal.FollowingRecord
	interactions  map[string]*dal.Interaction
	muted         []*dal.MutedEntry
	blocked       map[string]bool
	logEntries    []*dal.ActivityLogEntry
	knownAuthors  map[string]string
	posts         []*dal.PublishedPost
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextId:        1000,
		handled:       make(map[string]bool),
		kv:            make(map[string]string),
		timeline:      make(map[string]*dal.TimelineItem),
		notifications: make(map[string]*dal.Notification),
		followers:     make(map[string]*dal.FollowerRecord),
		following:     make(map[string]*dal.FollowingRecord),
		interactions:  make(map[string]*dal.Interaction),
		blocked:       make(map[string]bool),
		knownAuthors:  make(map[string]string),
	}
}

func (r *fakeRepo) GetNextId() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextId += 1
	return r.nextId
}

func (r *fakeRepo) MarkActivityHandled(id string, when time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handled[id] {
		return true, nil
	}
	r.handled[id] = true
	return false, nil
}

func (r *fakeRepo) SetKV(name, val string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kv[name] = val
	return nil
}

func (r *fakeRepo) GetKV(name string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	val, found := r.kv[name]
	return val, found, nil
}

func (r *fakeRepo) DeleteKV(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.kv, name)
	return nil
}

func (r *fakeRepo) AddTimelineItemIfNew(item *dal.TimelineItem) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.timeline[item.Uid]; exists {
		return false, nil
	}
	r.timeline[item.Uid] = item
	return true, nil
}

func (r *fakeRepo) GetTimelineItem(uid string) (*dal.TimelineItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeline[uid], nil
}

func (r *fakeRepo) UpdateTimelineItemContent(uid, name, summary, contentText, contentHtml string, sensitive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, exists := r.timeline[uid]
	if !exists {
		return nil
	}
	item.Name = name
	item.Summary = summary
	item.ContentText = contentText
	item.ContentHtml = contentHtml
	item.Sensitive = sensitive
	return nil
}

func (r *fakeRepo) DeleteTimelineItem(uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timeline, uid)
	return nil
}

func (r *fakeRepo) DeleteTimelineItemsByAuthor(authorUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, item := range r.timeline {
		if item.AuthorUrl == authorUrl {
			delete(r.timeline, uid)
		}
	}
	return nil
}

func (r *fakeRepo) QueryTimeline(q *dal.TimelineQuery) ([]*dal.TimelineItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*dal.TimelineItem
	for _, item := range r.timeline {
		res = append(res, item)
	}
	return res, nil
}

func (r *fakeRepo) GetTimelineCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timeline), nil
}

func (r *fakeRepo) PruneTimeline(keep int) (int, error) {
	return 0, nil
}

func (r *fakeRepo) FindKnownAuthorUrl(objectUrl string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.knownAuthors[objectUrl], nil
}

func (r *fakeRepo) AddNotificationIfNew(n *dal.Notification) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.notifications[n.Uid]; exists {
		return false, nil
	}
	r.notifications[n.Uid] = n
	return true, nil
}

func (r *fakeRepo) DeleteNotification(uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notifications, uid)
	return nil
}

func (r *fakeRepo) UpsertFollower(f *dal.FollowerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.followers[f.ActorUrl] = f
	return nil
}

func (r *fakeRepo) RemoveFollower(actorUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.followers, actorUrl)
	return nil
}

func (r *fakeRepo) GetFollower(actorUrl string) (*dal.FollowerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.followers[actorUrl], nil
}

func (r *fakeRepo) GetFollowers() ([]*dal.FollowerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*dal.FollowerRecord
	for _, f := range r.followers {
		res = append(res, f)
	}
	return res, nil
}

func (r *fakeRepo) GetFollowersPage(offset, limit int) ([]*dal.FollowerRecord, int, error) {
	all, _ := r.GetFollowers()
	return all, len(all), nil
}

func (r *fakeRepo) MoveFollower(oldActorUrl, newActorUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, exists := r.followers[oldActorUrl]
	if !exists {
		return nil
	}
	delete(r.followers, oldActorUrl)
	if _, taken := r.followers[newActorUrl]; taken {
		return nil
	}
	f.MovedFrom = oldActorUrl
	f.ActorUrl = newActorUrl
	r.followers[newActorUrl] = f
	return nil
}

func (r *fakeRepo) UpsertFollowing(f *dal.FollowingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.following[f.ActorUrl] = f
	return nil
}

func (r *fakeRepo) RemoveFollowing(actorUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.following, actorUrl)
	return nil
}

func (r *fakeRepo) GetFollowing(actorUrl string) (*dal.FollowingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.following[actorUrl], nil
}

func (r *fakeRepo) GetFollowingByFollowId(activityId string) (*dal.FollowingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.following {
		if f.FollowActivityId == activityId {
			return f, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) UpdateFollowingRefollow(actorUrl string, source dal.FollowSource,
	attempts int, lastAttemptAt time.Time, activityId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, exists := r.following[actorUrl]
	if !exists {
		return nil
	}
	f.Source = source
	f.Attempts = attempts
	f.LastAttemptAt = lastAttemptAt
	if activityId != "" {
		f.FollowActivityId = activityId
	}
	return nil
}

func (r *fakeRepo) ClaimRefollowBatch(limit int, retryBefore time.Time) ([]*dal.FollowingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*dal.FollowingRecord
	for _, f := range r.following {
		if len(res) >= limit {
			break
		}
		if f.Source != dal.SourceImport {
			continue
		}
		if f.Attempts != 0 && !f.LastAttemptAt.Before(retryBefore) {
			continue
		}
		f.Source = dal.SourceRefollowPending
		res = append(res, f)
	}
	return res, nil
}

func (r *fakeRepo) ResetPendingRefollows() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, f := range r.following {
		if f.Source == dal.SourceRefollowPending {
			f.Source = dal.SourceImport
			count += 1
		}
	}
	return count, nil
}

func (r *fakeRepo) CountFollowingBySource(source dal.FollowSource) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, f := range r.following {
		if f.Source == source {
			count += 1
		}
	}
	return count, nil
}

func (r *fakeRepo) IsKnownActor(actorUrl string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, isFollower := r.followers[actorUrl]; isFollower {
		return true, nil
	}
	_, isFollowed := r.following[actorUrl]
	return isFollowed, nil
}

func (r *fakeRepo) AddInteractionIfNew(i *dal.Interaction) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := i.ObjectUrl + "\n" + i.Type
	if _, exists := r.interactions[key]; exists {
		return false, nil
	}
	r.interactions[key] = i
	return true, nil
}

func (r *fakeRepo) GetInteraction(objectUrl, itype string) (*dal.Interaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interactions[objectUrl+"\n"+itype], nil
}

func (r *fakeRepo) DeleteInteraction(objectUrl, itype string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.interactions, objectUrl+"\n"+itype)
	return nil
}

func (r *fakeRepo) AddMuted(m *dal.MutedEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = append(r.muted, m)
	return nil
}

func (r *fakeRepo) GetMuted() ([]*dal.MutedEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted, nil
}

func (r *fakeRepo) AddBlocked(b *dal.BlockedEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[b.Url] = true
	return nil
}

func (r *fakeRepo) RemoveBlocked(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocked, url)
	return nil
}

func (r *fakeRepo) GetBlocked() ([]*dal.BlockedEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*dal.BlockedEntry
	for url := range r.blocked {
		res = append(res, &dal.BlockedEntry{Url: url})
	}
	return res, nil
}

func (r *fakeRepo) IsBlocked(url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[url], nil
}

func (r *fakeRepo) AddActivityLogEntry(e *dal.ActivityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logEntries = append(r.logEntries, e)
	return nil
}

func (r *fakeRepo) DeleteActivityLogByObject(objectUrl string) error {
	return nil
}

func (r *fakeRepo) DeleteActivityLogByActorObject(actorUrl, objectUrl, atype string) error {
	return nil
}

func (r *fakeRepo) AddPublishedPostIfNew(p *dal.PublishedPost) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.posts {
		if existing.GuidHash == p.GuidHash {
			return false, nil
		}
	}
	r.posts = append(r.posts, p)
	return true, nil
}

func (r *fakeRepo) GetPublishedPostCount() (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint(len(r.posts)), nil
}

func (r *fakeRepo) GetPublishedPostsPage(offset, limit int) ([]*dal.PublishedPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset >= len(r.posts) {
		return nil, nil
	}
	end := offset + limit
	if end > len(r.posts) {
		end = len(r.posts)
	}
	return r.posts[offset:end], nil
}

func (r *fakeRepo) GetPublishedPostByStatusId(statusId uint64) (*dal.PublishedPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.posts {
		if p.StatusId == statusId {
			return p, nil
		}
	}
	return nil, nil
}

// fakeDelivery records deliveries instead of sending them.
type deliveredItem struct {
	activity    *dto.ActivityOut
	inboxUrl    string
	orderingKey string
}

type fakeDelivery struct {
	mu        sync.Mutex
	delivered []deliveredItem
	fanouts   []deliveredItem
}

func (d *fakeDelivery) DeliverToInbox(activity *dto.ActivityOut, inboxUrl, orderingKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, deliveredItem{activity, inboxUrl, orderingKey})
}

func (d *fakeDelivery) DeliverToFollowers(activity *dto.ActivityOut, orderingKey string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fanouts = append(d.fanouts, deliveredItem{activity, "", orderingKey})
	return 1, nil
}

// fakeRemoteClient serves canned profiles and objects.
type fakeRemoteClient struct {
	mu         sync.Mutex
	users      map[string]*dto.UserInfo
	objects    map[string]*dto.ObjectIn
	webfingers map[string]string // handle@host -> actor URL
	fetches    int
}

func newFakeRemoteClient() *fakeRemoteClient {
	return &fakeRemoteClient{
		users:      make(map[string]*dto.UserInfo),
		objects:    make(map[string]*dto.ObjectIn),
		webfingers: make(map[string]string),
	}
}

func (rc *fakeRemoteClient) FetchUserInfo(userUrl string) (*dto.UserInfo, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.fetches += 1
	if info, found := rc.users[userUrl]; found {
		return info, nil
	}
	return nil, errNotFound
}

func (rc *fakeRemoteClient) FetchObject(objectUrl string) (*dto.ObjectIn, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if obj, found := rc.objects[objectUrl]; found {
		return obj, nil
	}
	return nil, errNotFound
}

func (rc *fakeRemoteClient) WebfingerActorUrl(handle, host string) (string, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if actorUrl, found := rc.webfingers[handle+"@"+host]; found {
		return actorUrl, nil
	}
	return "", errNotFound
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

// fakeResolver returns pre-seeded profiles without any lookup logic.
type fakeResolver struct {
	actors  map[string]*dto.UserInfo
	authors map[string]*dto.UserInfo // object URL -> author
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		actors:  make(map[string]*dto.UserInfo),
		authors: make(map[string]*dto.UserInfo),
	}
}

func (fr *fakeResolver) ResolveActor(urlOrHandle string) (*dto.UserInfo, error) {
	return fr.actors[urlOrHandle], nil
}

func (fr *fakeResolver) ResolveObjectAuthor(objectUrl, attributionHint string) (*dto.UserInfo, error) {
	if author, found := fr.authors[objectUrl]; found {
		return author, nil
	}
	if attributionHint != "" {
		return fr.actors[attributionHint], nil
	}
	return nil, nil
}

// fakeKeyStore hands out one throwaway key.
type fakeKeyStore struct {
	once sync.Once
	key  *rsa.PrivateKey
}

func (ks *fakeKeyStore) GetPrivKey() (*rsa.PrivateKey, error) {
	ks.once.Do(func() {
		ks.key, _ = rsa.GenerateKey(rand.Reader, 2048)
	})
	return ks.key, nil
}

func (ks *fakeKeyStore) GetPubKeyPem() (string, error) {
	return "PEM", nil
}

func remoteUser(id string) *dto.UserInfo {
	return &dto.UserInfo{
		Id:                id,
		Type:              "Person",
		PreferredUserName: "someone",
		Name:              "Someone",
		Inbox:             id + "/inbox",
	}
}
