package logic

import (
	"fmt"
	"html"
	"strings"
	"time"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
)

const collectionPageSize = 20
const websiteLinkTemplate = "<a href='%s' target='_blank' rel='nofollow noopener noreferrer me' translate='no'>%s</a>"

// IActorDirectory serves our single actor's public face: webfinger, the
// actor document, and the outbox/followers/following collections.
type IActorDirectory interface {
	GetWebfinger(resource string) *dto.WebfingerResp
	GetUserInfo() (*dto.UserInfo, error)
	GetOutboxSummary() (*dto.OrderedListSummary, error)
	GetOutboxPage(page int) (*dto.OrderedCollectionPage, error)
	GetFollowersSummary() (*dto.OrderedListSummary, error)
	GetFollowersPage(page int) (*dto.OrderedCollectionPage, error)
	GetFollowingSummary() (*dto.OrderedListSummary, error)
	GetFollowingPage(page int) (*dto.OrderedCollectionPage, error)
	GetPostNote(statusId uint64) (*dto.Note, error)
}

type actorDirectory struct {
	cfg      *shared.Config
	logger   shared.ILogger
	repo     dal.IRepo
	idb      shared.IdBuilder
	keyStore IKeyStore
}

func NewActorDirectory(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	keyStore IKeyStore,
) IActorDirectory {
	return &actorDirectory{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		idb:      shared.IdBuilder{Host: cfg.Host, Mount: cfg.Mount},
		keyStore: keyStore,
	}
}

func (ad *actorDirectory) GetWebfinger(resource string) *dto.WebfingerResp {

	handle := strings.TrimPrefix(resource, "acct:")
	handle = strings.TrimPrefix(handle, "@")
	wanted := fmt.Sprintf("%s@%s", ad.cfg.Actor.Handle, ad.cfg.Host)
	if !strings.EqualFold(handle, wanted) {
		return nil
	}

	resp := dto.WebfingerResp{
		Subject: "acct:" + wanted,
		Aliases: []string{
			ad.idb.SiteUrl(),
			ad.idb.ActorUrl(),
		},
		Links: []dto.WebfingerLink{
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: ad.cfg.PublicationUrl,
			},
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: ad.idb.ActorUrl(),
			},
		},
	}
	return &resp
}

func (ad *actorDirectory) getWebsiteAttachment(url string) string {
	justUrl := strings.TrimPrefix(url, "https://")
	justUrl = strings.TrimPrefix(justUrl, "http://")
	return fmt.Sprintf(websiteLinkTemplate, url, justUrl)
}

func (ad *actorDirectory) GetUserInfo() (*dto.UserInfo, error) {

	pubKeyPem, err := ad.keyStore.GetPubKeyPem()
	if err != nil {
		return nil, err
	}

	actorUrl := ad.idb.ActorUrl()
	resp := dto.UserInfo{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		Id:                actorUrl,
		Type:              "Person",
		PreferredUserName: ad.cfg.Actor.Handle,
		Name:              ad.cfg.Actor.Name,
		Summary:           ad.cfg.Actor.Summary,
		ManuallyApproves:  ad.cfg.Actor.ManuallyApprovesFollows,
		Published:         ad.cfg.Actor.Published.Format(time.RFC3339),
		Inbox:             ad.idb.Inbox(),
		Outbox:            ad.idb.Outbox(),
		Followers:         ad.idb.Followers(),
		Following:         ad.idb.Following(),
		Url:               ad.cfg.PublicationUrl,
		PublicKey: dto.PublicKey{
			Id:           ad.idb.ActorKeyId(),
			Owner:        actorUrl,
			PublicKeyPem: pubKeyPem,
		},
		Attachments: []dto.Attachment{
			{
				Type:  "PropertyValue",
				Name:  "Website",
				Value: ad.getWebsiteAttachment(ad.cfg.PublicationUrl),
			},
		},
		Icon: dto.Image{
			Type: "Image",
			Url:  ad.cfg.Actor.ProfilePic,
		},
		Image: dto.Image{
			Type: "Image",
			Url:  ad.cfg.Actor.HeaderPic,
		},
	}
	return &resp, nil
}

func firstPageLink(collectionUrl string, totalItems uint) *string {
	if totalItems == 0 {
		return nil
	}
	first := collectionUrl + "?page=1"
	return &first
}

func (ad *actorDirectory) GetOutboxSummary() (*dto.OrderedListSummary, error) {

	postCount, err := ad.repo.GetPublishedPostCount()
	if err != nil {
		return nil, err
	}

	resp := dto.OrderedListSummary{
		Context:    "https://www.w3.org/ns/activitystreams",
		Id:         ad.idb.Outbox(),
		Type:       "OrderedCollection",
		TotalItems: postCount,
		First:      firstPageLink(ad.idb.Outbox(), postCount),
	}
	return &resp, nil
}

func (ad *actorDirectory) makePage(collectionUrl string, page int, totalItems uint, items []any) *dto.OrderedCollectionPage {
	resp := dto.OrderedCollectionPage{
		Context:      "https://www.w3.org/ns/activitystreams",
		Id:           fmt.Sprintf("%s?page=%d", collectionUrl, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionUrl,
		TotalItems:   totalItems,
		OrderedItems: items,
	}
	if uint(page*collectionPageSize) < totalItems {
		resp.Next = fmt.Sprintf("%s?page=%d", collectionUrl, page+1)
	}
	if page > 1 {
		resp.Prev = fmt.Sprintf("%s?page=%d", collectionUrl, page-1)
	}
	return &resp
}

func (ad *actorDirectory) GetOutboxPage(page int) (*dto.OrderedCollectionPage, error) {

	if page < 1 {
		page = 1
	}
	totalItems, err := ad.repo.GetPublishedPostCount()
	if err != nil {
		return nil, err
	}
	posts, err := ad.repo.GetPublishedPostsPage((page-1)*collectionPageSize, collectionPageSize)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(posts))
	for _, p := range posts {
		note := ad.makePostNote(p)
		to := note.To
		cc := note.Cc
		items = append(items, &dto.ActivityOut{
			Id:     ad.idb.StatusActivity(p.StatusId),
			Type:   "Create",
			Actor:  ad.idb.ActorUrl(),
			To:     &to,
			Cc:     &cc,
			Object: note,
		})
	}
	return ad.makePage(ad.idb.Outbox(), page, totalItems, items), nil
}

func (ad *actorDirectory) GetFollowersSummary() (*dto.OrderedListSummary, error) {

	_, total, err := ad.repo.GetFollowersPage(0, 1)
	if err != nil {
		return nil, err
	}

	resp := dto.OrderedListSummary{
		Context:    "https://www.w3.org/ns/activitystreams",
		Id:         ad.idb.Followers(),
		Type:       "OrderedCollection",
		TotalItems: uint(total),
		First:      firstPageLink(ad.idb.Followers(), uint(total)),
	}
	return &resp, nil
}

func (ad *actorDirectory) GetFollowersPage(page int) (*dto.OrderedCollectionPage, error) {

	if page < 1 {
		page = 1
	}
	followers, total, err := ad.repo.GetFollowersPage((page-1)*collectionPageSize, collectionPageSize)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(followers))
	for _, f := range followers {
		items = append(items, f.ActorUrl)
	}
	return ad.makePage(ad.idb.Followers(), page, uint(total), items), nil
}

func (ad *actorDirectory) GetFollowingSummary() (*dto.OrderedListSummary, error) {

	_, total, err := ad.repo.GetFollowingPage(0, 1)
	if err != nil {
		return nil, err
	}

	resp := dto.OrderedListSummary{
		Context:    "https://www.w3.org/ns/activitystreams",
		Id:         ad.idb.Following(),
		Type:       "OrderedCollection",
		TotalItems: uint(total),
		First:      firstPageLink(ad.idb.Following(), uint(total)),
	}
	return &resp, nil
}

func (ad *actorDirectory) GetFollowingPage(page int) (*dto.OrderedCollectionPage, error) {

	if page < 1 {
		page = 1
	}
	following, total, err := ad.repo.GetFollowingPage((page-1)*collectionPageSize, collectionPageSize)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(following))
	for _, f := range following {
		items = append(items, f.ActorUrl)
	}
	return ad.makePage(ad.idb.Following(), page, uint(total), items), nil
}

// GetPostNote returns the AS2 object for one of our own posts, or nil when
// no such post exists.
func (ad *actorDirectory) GetPostNote(statusId uint64) (*dto.Note, error) {

	post, err := ad.repo.GetPublishedPostByStatusId(statusId)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, nil
	}
	return ad.makePostNote(post), nil
}

func (ad *actorDirectory) makePostNote(p *dal.PublishedPost) *dto.Note {
	content := fmt.Sprintf("<p><a href=\"%s\" rel=\"nofollow noopener noreferrer\">%s</a></p>",
		p.Link, html.EscapeString(p.Title))
	return &dto.Note{
		Id:           ad.idb.Status(p.StatusId),
		Type:         "Note",
		Published:    p.PublishedAt.UTC().Format(time.RFC3339),
		AttributedTo: ad.idb.ActorUrl(),
		To:           []string{shared.ActivityPublic},
		Cc:           []string{ad.idb.Followers()},
		Content:      content,
		Url:          p.Link,
	}
}
