package logic

import (
	"fmt"
	"html"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/spaolacci/murmur3"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
)

// IPostWatcher polls the publication's own feed and federates new posts to
// followers as Create activities.
type IPostWatcher interface {
	CheckFeed() error
	// Stop ends the feed check loop and waits for it to exit.
	Stop()
}

type postWatcher struct {
	cfg       *shared.Config
	logger    shared.ILogger
	idb       shared.IdBuilder
	repo      dal.IRepo
	sanitizer ISanitizer
	delivery  IDelivery
	metrics   IMetrics
	parser    *gofeed.Parser
	quit      chan struct{}
	done      chan struct{}
}

func NewPostWatcher(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	sanitizer ISanitizer,
	delivery IDelivery,
	metrics IMetrics,
) IPostWatcher {

	pw := postWatcher{
		cfg:       cfg,
		logger:    logger,
		idb:       shared.IdBuilder{Host: cfg.Host, Mount: cfg.Mount},
		repo:      repo,
		sanitizer: sanitizer,
		delivery:  delivery,
		metrics:   metrics,
		parser:    gofeed.NewParser(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if cfg.Feed.Url != "" {
		go pw.feedCheckLoop()
	} else {
		logger.Warn("No publication feed configured; posts will not be federated")
		close(pw.done)
	}

	return &pw
}

func (pw *postWatcher) feedCheckLoop() {
	defer close(pw.done)
	for {
		if err := pw.CheckFeed(); err != nil {
			pw.logger.Errorf("Failed to check publication feed: %v", err)
		}
		select {
		case <-time.After(time.Duration(pw.cfg.Feed.CheckIntervalSec) * time.Second):
		case <-pw.quit:
			return
		}
	}
}

func (pw *postWatcher) Stop() {
	close(pw.quit)
	<-pw.done
}

func getItemHash(itm *gofeed.Item) int64 {
	str := itm.GUID + "\t" + itm.Link
	hasher := murmur3.New32()
	_, _ = hasher.Write([]byte(str))
	return int64(hasher.Sum32())
}

func (pw *postWatcher) CheckFeed() error {

	pw.metrics.FeedChecked()

	feed, err := pw.parser.ParseURL(pw.cfg.Feed.Url)
	if err != nil {
		return err
	}

	for _, itm := range feed.Items {
		if err = pw.storePostIfNew(itm); err != nil {
			return err
		}
	}
	return nil
}

func (pw *postWatcher) storePostIfNew(itm *gofeed.Item) error {

	postTime := time.Now().UTC()
	if itm.PublishedParsed != nil {
		postTime = itm.PublishedParsed.UTC()
	}

	statusId := pw.repo.GetNextId()
	post := dal.PublishedPost{
		GuidHash:    getItemHash(itm),
		StatusId:    statusId,
		PublishedAt: postTime,
		Link:        itm.Link,
		Title:       pw.sanitizer.StripName(itm.Title),
	}
	isNew, err := pw.repo.AddPublishedPostIfNew(&post)
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}

	pw.logger.Infof("New publication post: %s", itm.Link)
	pw.metrics.NewPostPublished()
	return pw.announcePost(&post, pw.sanitizer.StripName(itm.Description))
}

func (pw *postWatcher) announcePost(post *dal.PublishedPost, description string) error {

	content := fmt.Sprintf("<p><a href=\"%s\" rel=\"nofollow noopener noreferrer\">%s</a></p>",
		post.Link, html.EscapeString(post.Title))
	if description != "" {
		content += fmt.Sprintf("<p>%s</p>", html.EscapeString(description))
	}

	noteId := pw.idb.Status(post.StatusId)
	to := []string{shared.ActivityPublic}
	cc := []string{pw.idb.Followers()}
	note := dto.Note{
		Id:           noteId,
		Type:         "Note",
		Published:    post.PublishedAt.UTC().Format(time.RFC3339),
		AttributedTo: pw.idb.ActorUrl(),
		To:           to,
		Cc:           cc,
		Content:      content,
		Url:          post.Link,
	}
	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      pw.idb.StatusActivity(post.StatusId),
		Type:    "Create",
		Actor:   pw.idb.ActorUrl(),
		To:      &to,
		Cc:      &cc,
		Object:  &note,
	}

	count, err := pw.delivery.DeliverToFollowers(&act, noteId)
	if err != nil {
		return err
	}
	pw.logger.Infof("Post federated to %d inboxes: %s", count, post.Link)

	// Keep a trace of what went out
	entry := dal.ActivityLogEntry{
		SeenAt:    time.Now().UTC(),
		Direction: "out",
		Type:      "Create",
		ActorUrl:  pw.idb.ActorUrl(),
		ObjectUrl: noteId,
	}
	if err = pw.repo.AddActivityLogEntry(&entry); err != nil {
		pw.logger.Warnf("Failed to write activity log entry: %v", err)
	}

	return nil
}
