package logic

import (
	"strings"

	"fedipost/dal"
	"fedipost/shared"
)

// ModMode picks what happens to muted content on the read path. Blocked
// actors are hidden in either mode.
type ModMode string

const (
	ModHide ModMode = "hide"
	ModWarn ModMode = "warn"
)

// TimelineView is one timeline item after the moderation pass. Warned is
// only ever set in warn mode; hidden items are simply absent.
type TimelineView struct {
	Item       *dal.TimelineItem `json:"item"`
	Warned     bool              `json:"warned,omitempty"`
	WarnReason string            `json:"warn_reason,omitempty"`
}

type ITimeline interface {
	Query(q *dal.TimelineQuery, mode ModMode) ([]*TimelineView, error)
	Cleanup() (removed int, err error)
}

type timeline struct {
	cfg     *shared.Config
	logger  shared.ILogger
	repo    dal.IRepo
	metrics IMetrics
}

func NewTimeline(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	metrics IMetrics,
) ITimeline {
	return &timeline{cfg, logger, repo, metrics}
}

// Query runs the cursor query, then applies moderation as a separate pass
// over the results. Moderation never touches the stored items.
func (tl *timeline) Query(q *dal.TimelineQuery, mode ModMode) ([]*TimelineView, error) {

	items, err := tl.repo.QueryTimeline(q)
	if err != nil {
		return nil, err
	}

	blocked, err := tl.repo.GetBlocked()
	if err != nil {
		return nil, err
	}
	muted, err := tl.repo.GetMuted()
	if err != nil {
		return nil, err
	}
	blockedSet := make(map[string]struct{}, len(blocked))
	for _, b := range blocked {
		blockedSet[b.Url] = struct{}{}
	}

	res := make([]*TimelineView, 0, len(items))
	for _, item := range items {
		if _, isBlocked := blockedSet[item.AuthorUrl]; isBlocked {
			continue
		}
		if item.BoostedByUrl != "" {
			if _, isBlocked := blockedSet[item.BoostedByUrl]; isBlocked {
				continue
			}
		}
		view := TimelineView{Item: item}
		if reason := muteReason(item, muted); reason != "" {
			if mode == ModHide {
				continue
			}
			view.Warned = true
			view.WarnReason = reason
		}
		res = append(res, &view)
	}
	return res, nil
}

func muteReason(item *dal.TimelineItem, muted []*dal.MutedEntry) string {
	text := strings.ToLower(item.ContentText + "\n" + item.Name + "\n" + item.Summary)
	for _, m := range muted {
		if m.Url != "" && (m.Url == item.AuthorUrl || m.Url == item.BoostedByUrl) {
			return "muted author: " + m.Url
		}
		if m.Keyword != "" && strings.Contains(text, strings.ToLower(m.Keyword)) {
			return "muted keyword: " + m.Keyword
		}
	}
	return ""
}

// Cleanup keeps the newest N items per config.
func (tl *timeline) Cleanup() (removed int, err error) {

	removed, err = tl.repo.PruneTimeline(tl.cfg.TimelineRetention)
	if err != nil {
		return
	}
	if removed != 0 {
		tl.logger.Infof("Timeline retention removed %d items", removed)
	}
	if count, cntErr := tl.repo.GetTimelineCount(); cntErr == nil {
		tl.metrics.TimelineSize(count)
	}
	return
}
