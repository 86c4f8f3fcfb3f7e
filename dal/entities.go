package dal

import (
	"time"
)

// TimelineItem is a remote post visible in the local reading timeline.
// Uid is the canonical remote object URL and is the global dedup key.
type TimelineItem struct {
	Uid          string
	Type         string // note, article or boost
	Url          string
	Name         string
	ContentText  string
	ContentHtml  string
	Summary      string // content warning text, if any
	Sensitive    bool
	Published    string // RFC3339 UTC; sorts lexicographically
	AuthorName   string
	AuthorUrl    string
	AuthorPhoto  string
	AuthorHandle string
	Categories   []string // hashtags, '#' stripped, case preserved
	Mentions     []Mention
	Photos       []string
	Videos       []string
	Audios       []string
	InReplyTo    string
	// Boost-only fields
	BoostedByName   string
	BoostedByUrl    string
	BoostedByPhoto  string
	BoostedByHandle string
	BoostedAt       string
	OriginalUrl     string
}

type Mention struct {
	Name string `json:"name"`
	Url  string `json:"url"`
}

// Notification is an event directed at the local actor.
type Notification struct {
	Uid         string
	Type        string // like, boost, follow, reply or mention
	ActorUrl    string
	ActorName   string
	ActorPhoto  string
	ActorHandle string
	TargetUrl   string
	TargetName  string
	ContentText string
	ContentHtml string
	Published   string
	Read        bool
}

type FollowerRecord struct {
	ActorUrl    string // unique key
	Handle      string
	Name        string
	Avatar      string
	Inbox       string
	SharedInbox string
	FollowedAt  time.Time
	MovedFrom   string // previous actor URL after a Move
}

// FollowSource is the state of a FollowingRecord in the re-follow state
// machine. Transitions:
//
//	import           -> refollow:pending   (claimed by a batch)
//	refollow:pending -> refollow:sent      (Follow dispatched)
//	refollow:pending -> import             (send failed, retries left; also crash recovery at startup)
//	refollow:pending -> refollow:failed    (send failed, retries exhausted)
//	refollow:sent    -> federation         (remote Accept arrived)
//	refollow:sent    -> refollow:failed    (remote Reject arrived)
type FollowSource string

const (
	SourceFederation      FollowSource = "federation"
	SourceImport          FollowSource = "import"
	SourceRefollowPending FollowSource = "refollow:pending"
	SourceRefollowSent    FollowSource = "refollow:sent"
	SourceRefollowFailed  FollowSource = "refollow:failed"
)

type FollowingRecord struct {
	ActorUrl         string // unique key
	Handle           string
	Name             string
	Avatar           string
	Inbox            string
	SharedInbox      string
	FollowedAt       time.Time
	Source           FollowSource
	FollowActivityId string // matches the inbound Accept/Reject to this record
	Attempts         int
	LastAttemptAt    time.Time
}

// Interaction tracks an outgoing Like or Announce so it can be undone and
// so repeated invocations stay idempotent. Unique on (ObjectUrl, Type).
type Interaction struct {
	ObjectUrl    string
	Type         string // like or boost
	ActivityId   string
	RecipientUrl string
	CreatedAt    time.Time
}

// MutedEntry has exactly one of Url or Keyword set.
type MutedEntry struct {
	Url     string
	Keyword string
	MutedAt time.Time
}

type BlockedEntry struct {
	Url       string
	BlockedAt time.Time
}

type ActivityLogEntry struct {
	Id        int
	SeenAt    time.Time
	Direction string // in or out
	Type      string
	ActorUrl  string
	ObjectUrl string
	Raw       string // full activity JSON; kept only when configured
}

// PublishedPost is a local publication post we have already announced.
type PublishedPost struct {
	GuidHash    int64
	StatusId    uint64
	PublishedAt time.Time
	Link        string
	Title       string
}

// TimelineQuery describes one read-path page. Before and After are
// exclusive bounds on the Published cursor.
type TimelineQuery struct {
	Before         string
	After          string
	Limit          int
	Type           string
	AuthorUrl      string
	Hashtag        string // case-insensitive exact match against the category set
	ExcludeReplies bool
}
