package logic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
)

// IInbox processes one verified inbound activity. reqProblem is set for
// malformed or nonsensical requests; err only for internal failures.
type IInbox interface {
	HandleActivity(senderInfo *dto.UserInfo, bodyBytes []byte) (reqProblem string, err error)
}

type inbox struct {
	cfg          *shared.Config
	logger       shared.ILogger
	idb          shared.IdBuilder
	repo         dal.IRepo
	sanitizer    ISanitizer
	resolver     IResolver
	remoteClient IRemoteClient
	delivery     IDelivery
	metrics      IMetrics
}

func NewInbox(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	sanitizer ISanitizer,
	resolver IResolver,
	remoteClient IRemoteClient,
	delivery IDelivery,
	metrics IMetrics,
) IInbox {
	return &inbox{
		cfg:          cfg,
		logger:       logger,
		idb:          shared.IdBuilder{Host: cfg.Host, Mount: cfg.Mount},
		repo:         repo,
		sanitizer:    sanitizer,
		resolver:     resolver,
		remoteClient: remoteClient,
		delivery:     delivery,
		metrics:      metrics,
	}
}

func (ib *inbox) HandleActivity(senderInfo *dto.UserInfo, bodyBytes []byte) (reqProblem string, err error) {

	reqProblem = ""
	err = nil

	var actBase dto.ActivityInBase
	if jsonErr := json.Unmarshal(bodyBytes, &actBase); jsonErr != nil {
		ib.logger.Info("Invalid JSON in activity body")
		reqProblem = fmt.Sprintf("Invalid JSON: %v", jsonErr)
		return
	}
	if actBase.Type == "" {
		reqProblem = "Activity has no type"
		return
	}

	// This activity already handled? Retried deliveries are a no-op.
	if actBase.Id != "" {
		var alreadyHandled bool
		alreadyHandled, err = ib.repo.MarkActivityHandled(actBase.Id, time.Now())
		if err != nil {
			return
		}
		if alreadyHandled {
			ib.logger.Infof("Activity has already been handled: %s", actBase.Id)
			return
		}
	}

	ib.logActivity(&actBase, bodyBytes)
	ib.metrics.ActivityHandled(actBase.Type)

	switch actBase.Type {
	case "Follow":
		reqProblem, err = ib.handleFollow(&actBase, senderInfo, bodyBytes)
	case "Undo":
		reqProblem, err = ib.handleUndo(&actBase)
	case "Like":
		reqProblem, err = ib.handleLike(&actBase, senderInfo)
	case "Announce":
		reqProblem, err = ib.handleAnnounce(&actBase, senderInfo)
	case "Create":
		reqProblem, err = ib.handleCreate(&actBase, senderInfo, bodyBytes)
	case "Delete":
		reqProblem, err = ib.handleDelete(&actBase)
	case "Update":
		reqProblem, err = ib.handleUpdate(bodyBytes)
	case "Move":
		reqProblem, err = ib.handleMove(&actBase)
	case "Accept":
		reqProblem, err = ib.handleAcceptReject(&actBase, true)
	case "Reject":
		reqProblem, err = ib.handleAcceptReject(&actBase, false)
	default:
		// Unknown types are a no-op, not an error
		ib.logger.Infof("Ignoring activity of unhandled type %s from %s", actBase.Type, actBase.Actor)
	}

	return
}

// isOurObject tells if a URL points at our publication or our actor's own
// objects.
func (ib *inbox) isOurObject(objectUrl string) bool {
	if objectUrl == "" {
		return false
	}
	if ib.cfg.PublicationUrl != "" && strings.HasPrefix(objectUrl, ib.cfg.PublicationUrl) {
		return true
	}
	return strings.HasPrefix(objectUrl, "https://"+ib.cfg.Host)
}

func (ib *inbox) logActivity(actBase *dto.ActivityInBase, bodyBytes []byte) {
	raw := ""
	if ib.cfg.KeepRawActivities {
		raw = string(bodyBytes)
	}
	entry := dal.ActivityLogEntry{
		SeenAt:    time.Now().UTC(),
		Direction: "in",
		Type:      actBase.Type,
		ActorUrl:  actBase.Actor,
		ObjectUrl: actBase.ObjectId(),
		Raw:       raw,
	}
	// Best effort only
	if err := ib.repo.AddActivityLogEntry(&entry); err != nil {
		ib.logger.Warnf("Failed to write activity log entry: %v", err)
	}
}

func (ib *inbox) monikerOf(info *dto.UserInfo) string {
	hostName, err := shared.GetHostName(info.Id)
	if err != nil {
		return info.PreferredUserName
	}
	return shared.MakeFullMoniker(hostName, info.PreferredUserName)
}

func (ib *inbox) handleFollow(
	actBase *dto.ActivityInBase,
	senderInfo *dto.UserInfo,
	bodyBytes []byte) (reqProblem string, err error) {

	ib.logger.Infof("Handling Follow activity from %s", actBase.Actor)

	reqProblem = ""
	err = nil

	myActorUrl := ib.idb.ActorUrl()
	if actBase.ObjectId() != myActorUrl {
		msg := fmt.Sprintf("Follow activity's object is %s, not our actor", actBase.ObjectId())
		ib.logger.Warn(msg)
		reqProblem = msg
		return
	}

	now := time.Now().UTC()
	flwr := dal.FollowerRecord{
		ActorUrl:    senderInfo.Id,
		Handle:      ib.monikerOf(senderInfo),
		Name:        ib.sanitizer.StripName(senderInfo.Name),
		Avatar:      senderInfo.Icon.Url,
		Inbox:       senderInfo.Inbox,
		SharedInbox: senderInfo.Endpoints.SharedInbox,
		FollowedAt:  now,
	}
	if err = ib.repo.UpsertFollower(&flwr); err != nil {
		return
	}
	ib.updateFollowerGauge()

	notif := dal.Notification{
		Uid:         "follow:" + senderInfo.Id,
		Type:        "follow",
		ActorUrl:    senderInfo.Id,
		ActorName:   flwr.Name,
		ActorPhoto:  flwr.Avatar,
		ActorHandle: flwr.Handle,
		Published:   now.Format(time.RFC3339),
	}
	if _, err = ib.repo.AddNotificationIfNew(&notif); err != nil {
		return
	}

	// Accept goes back wrapping the original Follow, verbatim
	var followRaw map[string]interface{}
	if jsonErr := json.Unmarshal(bodyBytes, &followRaw); jsonErr != nil {
		reqProblem = fmt.Sprintf("Invalid JSON: %v", jsonErr)
		return
	}
	delete(followRaw, "@context")
	actAccept := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      ib.idb.ActivityUrl(ib.repo.GetNextId()),
		Type:    "Accept",
		Actor:   myActorUrl,
		Object:  followRaw,
	}
	ib.delivery.DeliverToInbox(&actAccept, senderInfo.Inbox, senderInfo.Id)

	return
}

func (ib *inbox) updateFollowerGauge() {
	if _, total, err := ib.repo.GetFollowersPage(0, 1); err == nil {
		ib.metrics.TotalFollowers(total)
	}
}

// innerObject digs out the object of an activity wrapped inside another
// activity (Undo/Accept/Reject carry a full activity as their object).
func innerObjectId(actBase *dto.ActivityInBase) string {
	objMap, ok := actBase.Object.(map[string]interface{})
	if !ok {
		return ""
	}
	if str, ok := objMap["object"].(string); ok {
		return str
	}
	if inner, ok := objMap["object"].(map[string]interface{}); ok {
		if idStr, ok := inner["id"].(string); ok {
			return idStr
		}
	}
	return ""
}

func (ib *inbox) handleUndo(actBase *dto.ActivityInBase) (reqProblem string, err error) {

	ib.logger.Infof("Handling Undo activity from %s", actBase.Actor)

	reqProblem = ""
	err = nil

	innerType := actBase.ObjectType()
	objectId := innerObjectId(actBase)

	switch innerType {
	case "Follow":
		if err = ib.repo.RemoveFollower(actBase.Actor); err != nil {
			return
		}
		if err = ib.repo.DeleteNotification("follow:" + actBase.Actor); err != nil {
			return
		}
		ib.updateFollowerGauge()
	case "Like":
		if err = ib.repo.DeleteActivityLogByActorObject(actBase.Actor, objectId, "Like"); err != nil {
			return
		}
		err = ib.repo.DeleteNotification("like:" + actBase.Actor + ":" + objectId)
	case "Announce":
		if err = ib.repo.DeleteActivityLogByActorObject(actBase.Actor, objectId, "Announce"); err != nil {
			return
		}
		if err = ib.repo.DeleteNotification("boost:" + actBase.Actor + ":" + objectId); err != nil {
			return
		}
		// A boost we stored in the timeline goes too
		var item *dal.TimelineItem
		if item, err = ib.repo.GetTimelineItem(objectId); err != nil {
			return
		}
		if item != nil && item.Type == "boost" && item.BoostedByUrl == actBase.Actor {
			err = ib.repo.DeleteTimelineItem(objectId)
		}
	default:
		ib.logger.Infof("Ignoring Undo of unhandled inner type %s", innerType)
	}

	return
}

func (ib *inbox) handleLike(actBase *dto.ActivityInBase, senderInfo *dto.UserInfo) (reqProblem string, err error) {

	reqProblem = ""
	err = nil

	objectId := actBase.ObjectId()
	if !ib.isOurObject(objectId) {
		ib.logger.Debugf("Ignoring Like of object that is not ours: %s", objectId)
		return
	}

	var blocked bool
	if blocked, err = ib.repo.IsBlocked(actBase.Actor); err != nil {
		return
	}
	if blocked {
		ib.logger.Infof("Ignoring Like from blocked actor %s", actBase.Actor)
		return
	}

	ib.logger.Infof("Handling Like of %s from %s", objectId, actBase.Actor)

	notif := dal.Notification{
		Uid:         "like:" + actBase.Actor + ":" + objectId,
		Type:        "like",
		ActorUrl:    senderInfo.Id,
		ActorName:   ib.sanitizer.StripName(senderInfo.Name),
		ActorPhoto:  senderInfo.Icon.Url,
		ActorHandle: ib.monikerOf(senderInfo),
		TargetUrl:   objectId,
		Published:   time.Now().UTC().Format(time.RFC3339),
	}
	_, err = ib.repo.AddNotificationIfNew(&notif)

	return
}

// getWrappedObject fetches an Announce's wrapped object, sparing the round
// trip when the object came embedded.
func (ib *inbox) getWrappedObject(actBase *dto.ActivityInBase) (*dto.ObjectIn, error) {
	if objMap, ok := actBase.Object.(map[string]interface{}); ok {
		if _, hasContent := objMap["content"]; hasContent {
			raw, _ := json.Marshal(objMap)
			var obj dto.ObjectIn
			if err := json.Unmarshal(raw, &obj); err == nil {
				return &obj, nil
			}
		}
	}
	return ib.remoteClient.FetchObject(actBase.ObjectId())
}

func (ib *inbox) handleAnnounce(actBase *dto.ActivityInBase, senderInfo *dto.UserInfo) (reqProblem string, err error) {

	reqProblem = ""
	err = nil

	objectId := actBase.ObjectId()
	if objectId == "" {
		reqProblem = "Announce activity has no object"
		return
	}

	var blocked bool
	if blocked, err = ib.repo.IsBlocked(actBase.Actor); err != nil {
		return
	}
	if blocked {
		ib.logger.Infof("Ignoring Announce from blocked actor %s", actBase.Actor)
		return
	}

	ib.logger.Infof("Handling Announce of %s from %s", objectId, actBase.Actor)

	now := time.Now().UTC().Format(time.RFC3339)

	// Boost of our own content: a notification. Boost from someone we
	// know: a timeline item. Both can hold at once.
	if ib.isOurObject(objectId) {
		notif := dal.Notification{
			Uid:         "boost:" + actBase.Actor + ":" + objectId,
			Type:        "boost",
			ActorUrl:    senderInfo.Id,
			ActorName:   ib.sanitizer.StripName(senderInfo.Name),
			ActorPhoto:  senderInfo.Icon.Url,
			ActorHandle: ib.monikerOf(senderInfo),
			TargetUrl:   objectId,
			Published:   now,
		}
		if _, err = ib.repo.AddNotificationIfNew(&notif); err != nil {
			return
		}
	}

	var known bool
	if known, err = ib.repo.IsKnownActor(actBase.Actor); err != nil {
		return
	}
	if !known {
		return
	}

	obj, fetchErr := ib.getWrappedObject(actBase)
	if fetchErr != nil || obj == nil || obj.Id == "" {
		// Deleted or unreachable; not our problem
		ib.logger.Warnf("Could not fetch boosted object %s: %v", objectId, fetchErr)
		return
	}

	var author *dto.UserInfo
	if author, err = ib.resolver.ResolveObjectAuthor(obj.Id, obj.AttributedTo); err != nil {
		return
	}

	item := ib.extractTimelineItem(obj, author)
	item.Type = "boost"
	// Boosts sort by when they were boosted, not when the post was written
	item.Published = now
	item.BoostedAt = now
	item.BoostedByName = ib.sanitizer.StripName(senderInfo.Name)
	item.BoostedByUrl = senderInfo.Id
	item.BoostedByPhoto = senderInfo.Icon.Url
	item.BoostedByHandle = ib.monikerOf(senderInfo)
	item.OriginalUrl = item.Url

	_, err = ib.repo.AddTimelineItemIfNew(item)

	return
}

func (ib *inbox) handleCreate(
	actBase *dto.ActivityInBase,
	senderInfo *dto.UserInfo,
	bodyBytes []byte) (reqProblem string, err error) {

	reqProblem = ""
	err = nil

	var act dto.ActivityIn[dto.ObjectIn]
	if jsonErr := json.Unmarshal(bodyBytes, &act); jsonErr != nil {
		ib.logger.Info("Invalid JSON in Create activity body")
		reqProblem = fmt.Sprintf("Invalid JSON: %v", jsonErr)
		return
	}
	obj := &act.Object
	if obj.Id == "" {
		reqProblem = "Create activity's object has no id"
		return
	}

	var blocked bool
	if blocked, err = ib.repo.IsBlocked(actBase.Actor); err != nil {
		return
	}
	if blocked {
		ib.logger.Infof("Ignoring Create from blocked actor %s", actBase.Actor)
		return
	}

	ib.logger.Infof("Handling Create of %s from %s", obj.Id, actBase.Actor)

	contentHtml := ib.sanitizer.Sanitize(obj.Content)
	contentText := ib.sanitizer.ExtractText(contentHtml)
	now := time.Now().UTC().Format(time.RFC3339)

	// A reply to one of our posts?
	if obj.InReplyTo != "" && ib.isOurObject(obj.InReplyTo) {
		notif := dal.Notification{
			Uid:         "reply:" + obj.Id,
			Type:        "reply",
			ActorUrl:    senderInfo.Id,
			ActorName:   ib.sanitizer.StripName(senderInfo.Name),
			ActorPhoto:  senderInfo.Icon.Url,
			ActorHandle: ib.monikerOf(senderInfo),
			TargetUrl:   obj.InReplyTo,
			ContentText: contentText,
			ContentHtml: contentHtml,
			Published:   now,
		}
		if _, err = ib.repo.AddNotificationIfNew(&notif); err != nil {
			return
		}
	}

	// A mention of our actor?
	myActorUrl := ib.idb.ActorUrl()
	for _, tag := range obj.Tag {
		if tag.Type != "Mention" || tag.Href != myActorUrl {
			continue
		}
		notif := dal.Notification{
			Uid:         "mention:" + obj.Id,
			Type:        "mention",
			ActorUrl:    senderInfo.Id,
			ActorName:   ib.sanitizer.StripName(senderInfo.Name),
			ActorPhoto:  senderInfo.Icon.Url,
			ActorHandle: ib.monikerOf(senderInfo),
			TargetUrl:   obj.Id,
			ContentText: contentText,
			ContentHtml: contentHtml,
			Published:   now,
		}
		if _, err = ib.repo.AddNotificationIfNew(&notif); err != nil {
			return
		}
		break
	}

	// Into the timeline only if we follow the author
	var following *dal.FollowingRecord
	if following, err = ib.repo.GetFollowing(actBase.Actor); err != nil {
		return
	}
	if following == nil {
		return
	}

	var passes bool
	if passes, err = ib.passesMuteChecks(actBase.Actor,
		contentText+"\n"+obj.Name+"\n"+obj.Summary); err != nil || !passes {
		return
	}

	author := senderInfo
	if obj.AttributedTo != "" && obj.AttributedTo != senderInfo.Id {
		if author, err = ib.resolver.ResolveObjectAuthor(obj.Id, obj.AttributedTo); err != nil {
			return
		}
	}

	item := ib.extractTimelineItem(obj, author)
	_, err = ib.repo.AddTimelineItemIfNew(item)

	return
}

func (ib *inbox) passesMuteChecks(authorUrl, text string) (bool, error) {
	muted, err := ib.repo.GetMuted()
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(text)
	for _, m := range muted {
		if m.Url != "" && m.Url == authorUrl {
			return false, nil
		}
		if m.Keyword != "" && strings.Contains(lower, strings.ToLower(m.Keyword)) {
			return false, nil
		}
	}
	return true, nil
}

func normalizeTimestamp(str string) string {
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return t.UTC().Format(time.RFC3339)
}

func (ib *inbox) extractTimelineItem(obj *dto.ObjectIn, author *dto.UserInfo) *dal.TimelineItem {

	itemType := "note"
	if obj.Type == "Article" {
		itemType = "article"
	}
	itemUrl := obj.Url
	if itemUrl == "" {
		itemUrl = obj.Id
	}
	contentHtml := ib.sanitizer.Sanitize(obj.Content)
	summary := ib.sanitizer.StripName(obj.Summary)

	item := dal.TimelineItem{
		Uid:         obj.Id,
		Type:        itemType,
		Url:         itemUrl,
		Name:        ib.sanitizer.StripName(obj.Name),
		ContentText: ib.sanitizer.ExtractText(contentHtml),
		ContentHtml: contentHtml,
		Summary:     summary,
		Sensitive:   obj.Sensitive || summary != "",
		Published:   normalizeTimestamp(obj.Published),
		InReplyTo:   obj.InReplyTo,
	}

	if author != nil {
		item.AuthorUrl = author.Id
		item.AuthorName = ib.sanitizer.StripName(author.Name)
		if item.AuthorName == "" {
			item.AuthorName = author.PreferredUserName
		}
		item.AuthorPhoto = author.Icon.Url
		item.AuthorHandle = ib.monikerOf(author)
	}

	for _, tag := range obj.Tag {
		switch tag.Type {
		case "Hashtag":
			item.Categories = append(item.Categories, strings.TrimPrefix(tag.Name, "#"))
		case "Mention":
			item.Mentions = append(item.Mentions, dal.Mention{
				Name: ib.sanitizer.StripName(tag.Name),
				Url:  tag.Href,
			})
		}
	}

	for _, att := range obj.Attachment {
		if att.Url == "" {
			continue
		}
		switch {
		case strings.HasPrefix(att.MediaType, "image/"):
			item.Photos = append(item.Photos, att.Url)
		case strings.HasPrefix(att.MediaType, "video/"):
			item.Videos = append(item.Videos, att.Url)
		case strings.HasPrefix(att.MediaType, "audio/"):
			item.Audios = append(item.Audios, att.Url)
		}
	}

	return &item
}

func (ib *inbox) handleDelete(actBase *dto.ActivityInBase) (reqProblem string, err error) {

	reqProblem = ""
	err = nil

	objectId := actBase.ObjectId()
	if objectId == "" {
		ib.logger.Info("Ignoring Delete activity with no object id")
		return
	}

	ib.logger.Infof("Handling Delete of %s from %s", objectId, actBase.Actor)

	// An actor deleting itself takes everything of theirs with it
	if objectId == actBase.Actor {
		if err = ib.repo.DeleteTimelineItemsByAuthor(actBase.Actor); err != nil {
			return
		}
		if err = ib.repo.RemoveFollower(actBase.Actor); err != nil {
			return
		}
		if err = ib.repo.RemoveFollowing(actBase.Actor); err != nil {
			return
		}
		ib.updateFollowerGauge()
		err = ib.repo.DeleteActivityLogByObject(actBase.Actor)
		return
	}

	if err = ib.repo.DeleteTimelineItem(objectId); err != nil {
		return
	}
	err = ib.repo.DeleteActivityLogByObject(objectId)

	return
}

func (ib *inbox) handleUpdate(bodyBytes []byte) (reqProblem string, err error) {

	reqProblem = ""
	err = nil

	var act dto.ActivityIn[dto.ObjectIn]
	if jsonErr := json.Unmarshal(bodyBytes, &act); jsonErr != nil {
		ib.logger.Info("Invalid JSON in Update activity body")
		reqProblem = fmt.Sprintf("Invalid JSON: %v", jsonErr)
		return
	}
	obj := &act.Object
	if obj.Id == "" {
		// Updates to actors and other non-object things are not ours to track
		return
	}

	var existing *dal.TimelineItem
	if existing, err = ib.repo.GetTimelineItem(obj.Id); err != nil {
		return
	}
	if existing == nil {
		ib.logger.Debugf("Ignoring Update of object not in timeline: %s", obj.Id)
		return
	}

	ib.logger.Infof("Handling Update of %s", obj.Id)

	contentHtml := ib.sanitizer.Sanitize(obj.Content)
	contentText := ib.sanitizer.ExtractText(contentHtml)
	summary := ib.sanitizer.StripName(obj.Summary)
	err = ib.repo.UpdateTimelineItemContent(obj.Id,
		ib.sanitizer.StripName(obj.Name), summary,
		contentText, contentHtml,
		obj.Sensitive || summary != "")

	return
}

func (ib *inbox) handleMove(actBase *dto.ActivityInBase) (reqProblem string, err error) {

	reqProblem = ""
	err = nil

	newUrl := actBase.TargetId()
	if newUrl == "" {
		reqProblem = "Move activity has no target"
		return
	}
	if objectId := actBase.ObjectId(); objectId != "" && objectId != actBase.Actor {
		reqProblem = fmt.Sprintf("Move activity's object %s is not its actor %s", objectId, actBase.Actor)
		return
	}

	ib.logger.Infof("Handling Move of %s to %s", actBase.Actor, newUrl)
	err = ib.repo.MoveFollower(actBase.Actor, newUrl)

	return
}

// handleAcceptReject settles a Follow we sent: Accept makes the following
// real, Reject parks it as failed.
func (ib *inbox) handleAcceptReject(actBase *dto.ActivityInBase, accepted bool) (reqProblem string, err error) {

	reqProblem = ""
	err = nil

	if actBase.ObjectType() != "Follow" {
		ib.logger.Infof("Ignoring %s of non-Follow object", actBase.Type)
		return
	}
	var followId string
	if objMap, ok := actBase.Object.(map[string]interface{}); ok {
		followId, _ = objMap["id"].(string)
	}
	if followId == "" {
		ib.logger.Infof("Ignoring %s with no inner activity id", actBase.Type)
		return
	}

	var rec *dal.FollowingRecord
	if rec, err = ib.repo.GetFollowingByFollowId(followId); err != nil {
		return
	}
	if rec == nil {
		ib.logger.Infof("No pending follow matches %s activity for %s", actBase.Type, followId)
		return
	}

	newSource := dal.SourceFederation
	if !accepted {
		newSource = dal.SourceRefollowFailed
	}
	ib.logger.Infof("Follow of %s settled by %s", rec.ActorUrl, actBase.Type)
	err = ib.repo.UpdateFollowingRefollow(rec.ActorUrl, newSource, rec.Attempts,
		time.Now().UTC(), rec.FollowActivityId)

	return
}
