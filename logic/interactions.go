package logic

import (
	"errors"
	"fmt"
	"time"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
)

// ErrNotResolved marks a failure to find the remote side of an operation;
// handlers map it to a 404-class response rather than a 5xx.
var ErrNotResolved = errors.New("could not resolve target")

// IInteractions implements the local actor's own actions: liking, boosting,
// following, replying, blocking and muting.
type IInteractions interface {
	Like(objectUrl string) error
	Unlike(objectUrl string) error
	Boost(objectUrl string) error
	Unboost(objectUrl string) error
	Follow(urlOrHandle string) error
	Unfollow(actorUrl string) error
	Reply(objectUrl, content string) error
	Block(actorUrl string) error
	Unblock(actorUrl string) error
	Mute(url, keyword string) error
	Unmute(urlOrKeyword string) error
}

type interactions struct {
	cfg       *shared.Config
	logger    shared.ILogger
	idb       shared.IdBuilder
	repo      dal.IRepo
	resolver  IResolver
	sanitizer ISanitizer
	delivery  IDelivery
}

func NewInteractions(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	resolver IResolver,
	sanitizer ISanitizer,
	delivery IDelivery,
) IInteractions {
	return &interactions{
		cfg:       cfg,
		logger:    logger,
		idb:       shared.IdBuilder{Host: cfg.Host, Mount: cfg.Mount},
		repo:      repo,
		resolver:  resolver,
		sanitizer: sanitizer,
		delivery:  delivery,
	}
}

func (ia *interactions) logOut(activityType, objectUrl string) {
	entry := dal.ActivityLogEntry{
		SeenAt:    time.Now().UTC(),
		Direction: "out",
		Type:      activityType,
		ActorUrl:  ia.idb.ActorUrl(),
		ObjectUrl: objectUrl,
	}
	if err := ia.repo.AddActivityLogEntry(&entry); err != nil {
		ia.logger.Warnf("Failed to write activity log entry: %v", err)
	}
}

// resolveAuthorInbox finds the author of an object and an inbox we can
// deliver to. A synthesized author has no inbox, which counts as failure.
func (ia *interactions) resolveAuthorInbox(objectUrl string) (*dto.UserInfo, string, error) {
	author, err := ia.resolver.ResolveObjectAuthor(objectUrl, "")
	if err != nil {
		return nil, "", err
	}
	if author == nil || author.BestInbox() == "" {
		return nil, "", fmt.Errorf("%w: no deliverable author for %s", ErrNotResolved, objectUrl)
	}
	return author, author.BestInbox(), nil
}

func (ia *interactions) interact(objectUrl, itype, activityType string, toFollowers bool) error {

	// Already done: idempotent no-op
	existing, err := ia.repo.GetInteraction(objectUrl, itype)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	_, inboxUrl, err := ia.resolveAuthorInbox(objectUrl)
	if err != nil {
		return err
	}

	activityId := ia.idb.ActivityUrl(ia.repo.GetNextId())
	interaction := dal.Interaction{
		ObjectUrl:    objectUrl,
		Type:         itype,
		ActivityId:   activityId,
		RecipientUrl: inboxUrl,
		CreatedAt:    time.Now().UTC(),
	}
	// Written before delivery: the local record reflects intent even if
	// the network lets us down.
	if _, err = ia.repo.AddInteractionIfNew(&interaction); err != nil {
		return err
	}

	to := []string{shared.ActivityPublic}
	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      activityId,
		Type:    activityType,
		Actor:   ia.idb.ActorUrl(),
		To:      &to,
		Object:  objectUrl,
	}
	ia.delivery.DeliverToInbox(&act, inboxUrl, objectUrl)
	if toFollowers {
		if _, err = ia.delivery.DeliverToFollowers(&act, objectUrl); err != nil {
			ia.logger.Warnf("Failed to fan out %s to followers: %v", activityType, err)
		}
	}
	ia.logOut(activityType, objectUrl)

	return nil
}

func (ia *interactions) undoInteract(objectUrl, itype, activityType string, toFollowers bool) error {

	existing, err := ia.repo.GetInteraction(objectUrl, itype)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	inner := dto.ActivityOut{
		Id:     existing.ActivityId,
		Type:   activityType,
		Actor:  ia.idb.ActorUrl(),
		Object: objectUrl,
	}
	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      ia.idb.ActivityUrl(ia.repo.GetNextId()),
		Type:    "Undo",
		Actor:   ia.idb.ActorUrl(),
		Object:  &inner,
	}
	ia.delivery.DeliverToInbox(&act, existing.RecipientUrl, objectUrl)
	if toFollowers {
		if _, err = ia.delivery.DeliverToFollowers(&act, objectUrl); err != nil {
			ia.logger.Warnf("Failed to fan out Undo %s to followers: %v", activityType, err)
		}
	}
	ia.logOut("Undo", objectUrl)

	return ia.repo.DeleteInteraction(objectUrl, itype)
}

func (ia *interactions) Like(objectUrl string) error {
	return ia.interact(objectUrl, "like", "Like", false)
}

func (ia *interactions) Unlike(objectUrl string) error {
	return ia.undoInteract(objectUrl, "like", "Like", false)
}

func (ia *interactions) Boost(objectUrl string) error {
	return ia.interact(objectUrl, "boost", "Announce", true)
}

func (ia *interactions) Unboost(objectUrl string) error {
	return ia.undoInteract(objectUrl, "boost", "Announce", true)
}

func (ia *interactions) Follow(urlOrHandle string) error {

	info, err := ia.resolver.ResolveActor(urlOrHandle)
	if err != nil {
		return err
	}
	if info == nil || info.Inbox == "" {
		return fmt.Errorf("%w: no actor found for %s", ErrNotResolved, urlOrHandle)
	}

	followId := ia.idb.ActivityUrl(ia.repo.GetNextId())
	now := time.Now().UTC()
	moniker := ""
	if hostName, hostErr := shared.GetHostName(info.Id); hostErr == nil {
		moniker = shared.MakeFullMoniker(hostName, info.PreferredUserName)
	}
	rec := dal.FollowingRecord{
		ActorUrl:         info.Id,
		Handle:           moniker,
		Name:             ia.sanitizer.StripName(info.Name),
		Avatar:           info.Icon.Url,
		Inbox:            info.Inbox,
		SharedInbox:      info.Endpoints.SharedInbox,
		FollowedAt:       now,
		Source:           dal.SourceFederation,
		FollowActivityId: followId,
		LastAttemptAt:    now,
	}
	if err = ia.repo.UpsertFollowing(&rec); err != nil {
		return err
	}

	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      followId,
		Type:    "Follow",
		Actor:   ia.idb.ActorUrl(),
		Object:  info.Id,
	}
	ia.delivery.DeliverToInbox(&act, info.Inbox, info.Id)
	ia.logOut("Follow", info.Id)

	return nil
}

func (ia *interactions) Unfollow(actorUrl string) error {

	rec, err := ia.repo.GetFollowing(actorUrl)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	inner := dto.ActivityOut{
		Id:     rec.FollowActivityId,
		Type:   "Follow",
		Actor:  ia.idb.ActorUrl(),
		Object: actorUrl,
	}
	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      ia.idb.ActivityUrl(ia.repo.GetNextId()),
		Type:    "Undo",
		Actor:   ia.idb.ActorUrl(),
		Object:  &inner,
	}
	inboxUrl := rec.Inbox
	if inboxUrl == "" {
		inboxUrl = rec.SharedInbox
	}
	if inboxUrl != "" {
		ia.delivery.DeliverToInbox(&act, inboxUrl, actorUrl)
	}
	ia.logOut("Undo", actorUrl)

	return ia.repo.RemoveFollowing(actorUrl)
}

// Reply sends a public Create(Note) in reply to a remote post. It goes to
// our followers and, when the author can be resolved, straight to them too;
// shared-inbox fanout alone would not reliably reach them.
func (ia *interactions) Reply(objectUrl, content string) error {

	author, err := ia.resolver.ResolveObjectAuthor(objectUrl, "")
	if err != nil {
		return err
	}

	id := ia.repo.GetNextId()
	noteId := ia.idb.Status(id)
	published := time.Now().UTC().Format(time.RFC3339)
	to := []string{shared.ActivityPublic}
	cc := []string{ia.idb.Followers()}

	var tags []dto.Tag
	if author != nil {
		cc = append(cc, author.Id)
		if hostName, hostErr := shared.GetHostName(author.Id); hostErr == nil {
			moniker := shared.MakeFullMoniker(hostName, author.PreferredUserName)
			tags = append(tags, dto.Tag{Type: "Mention", Href: author.Id, Name: moniker})
		}
	}

	inReplyTo := objectUrl
	note := dto.Note{
		Id:           noteId,
		Type:         "Note",
		Published:    published,
		AttributedTo: ia.idb.ActorUrl(),
		InReplyTo:    &inReplyTo,
		To:           to,
		Cc:           cc,
		Content:      ia.sanitizer.Sanitize(content),
		Tag:          tags,
	}
	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      ia.idb.StatusActivity(id),
		Type:    "Create",
		Actor:   ia.idb.ActorUrl(),
		To:      &to,
		Cc:      &cc,
		Object:  &note,
	}

	if _, err = ia.delivery.DeliverToFollowers(&act, objectUrl); err != nil {
		return err
	}
	if author != nil && author.BestInbox() != "" {
		ia.delivery.DeliverToInbox(&act, author.BestInbox(), objectUrl)
	}
	ia.logOut("Create", noteId)

	return nil
}

// Block purges the actor's timeline presence locally whether or not the
// Block activity can be delivered.
func (ia *interactions) Block(actorUrl string) error {

	if err := ia.repo.AddBlocked(&dal.BlockedEntry{Url: actorUrl, BlockedAt: time.Now().UTC()}); err != nil {
		return err
	}
	if err := ia.repo.DeleteTimelineItemsByAuthor(actorUrl); err != nil {
		return err
	}

	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      ia.idb.ActivityUrl(ia.repo.GetNextId()),
		Type:    "Block",
		Actor:   ia.idb.ActorUrl(),
		Object:  actorUrl,
	}
	if info, err := ia.resolver.ResolveActor(actorUrl); err == nil && info != nil && info.Inbox != "" {
		ia.delivery.DeliverToInbox(&act, info.Inbox, actorUrl)
	} else {
		ia.logger.Warnf("Block of %s not delivered; actor not resolvable", actorUrl)
	}
	ia.logOut("Block", actorUrl)

	return nil
}

func (ia *interactions) Unblock(actorUrl string) error {

	if err := ia.repo.RemoveBlocked(actorUrl); err != nil {
		return err
	}

	inner := dto.ActivityOut{
		Type:   "Block",
		Actor:  ia.idb.ActorUrl(),
		Object: actorUrl,
	}
	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      ia.idb.ActivityUrl(ia.repo.GetNextId()),
		Type:    "Undo",
		Actor:   ia.idb.ActorUrl(),
		Object:  &inner,
	}
	if info, err := ia.resolver.ResolveActor(actorUrl); err == nil && info != nil && info.Inbox != "" {
		ia.delivery.DeliverToInbox(&act, info.Inbox, actorUrl)
	}
	ia.logOut("Undo", actorUrl)

	return nil
}

func (ia *interactions) Mute(url, keyword string) error {
	if url == "" && keyword == "" {
		return errors.New("either url or keyword must be set")
	}
	if url != "" && keyword != "" {
		return errors.New("only one of url and keyword may be set")
	}
	return ia.repo.AddMuted(&dal.MutedEntry{Url: url, Keyword: keyword, MutedAt: time.Now().UTC()})
}

func (ia *interactions) Unmute(urlOrKeyword string) error {
	return ia.repo.RemoveMuted(urlOrKeyword)
}
