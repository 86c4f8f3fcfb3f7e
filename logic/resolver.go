package logic

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
)

const (
	resolverCacheSize = 100
	resolverCacheTtl  = 5 * time.Minute
)

// IResolver turns URLs and handles into remote actor profiles.
type IResolver interface {
	// ResolveActor looks up an actor by document URL or user@host handle.
	// Returns nil without error when the actor cannot be found.
	ResolveActor(urlOrHandle string) (*dto.UserInfo, error)
	// ResolveObjectAuthor finds the author of a remote object: the
	// attribution hint if the caller has one, otherwise the object itself
	// is fetched and its attribution resolved, falling back through stored
	// records, URL path conventions, and finally a minimal profile
	// synthesized from the attribution. The synthesized profile has no
	// inbox and cannot be delivered to.
	ResolveObjectAuthor(objectUrl, attributionHint string) (*dto.UserInfo, error)
}

type cacheEntry struct {
	info    *dto.UserInfo
	addedAt time.Time
}

type resolver struct {
	cfg          *shared.Config
	logger       shared.ILogger
	repo         dal.IRepo
	remoteClient IRemoteClient
	now          func() time.Time
	mu           sync.Mutex
	cache        map[string]*cacheEntry
	order        []string // cache keys, oldest first
}

func NewResolver(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	remoteClient IRemoteClient,
) IResolver {
	return newResolver(cfg, logger, repo, remoteClient, time.Now)
}

func newResolver(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	remoteClient IRemoteClient,
	now func() time.Time,
) *resolver {
	return &resolver{
		cfg:          cfg,
		logger:       logger,
		repo:         repo,
		remoteClient: remoteClient,
		now:          now,
		cache:        make(map[string]*cacheEntry),
	}
}

func (rs *resolver) cacheGet(key string) *dto.UserInfo {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	entry, found := rs.cache[key]
	if !found {
		return nil
	}
	if rs.now().Sub(entry.addedAt) > resolverCacheTtl {
		return nil
	}
	return entry.info
}

// cachePut stores a successful lookup; failures are never cached. When at
// capacity the oldest-inserted entry goes.
func (rs *resolver) cachePut(key string, info *dto.UserInfo) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, exists := rs.cache[key]; !exists {
		if len(rs.order) >= resolverCacheSize {
			oldest := rs.order[0]
			rs.order = rs.order[1:]
			delete(rs.cache, oldest)
		}
		rs.order = append(rs.order, key)
	}
	rs.cache[key] = &cacheEntry{info: info, addedAt: rs.now()}
}

func (rs *resolver) ResolveActor(urlOrHandle string) (*dto.UserInfo, error) {

	if urlOrHandle == "" {
		return nil, nil
	}

	if cached := rs.cacheGet(urlOrHandle); cached != nil {
		return cached, nil
	}

	actorUrl := urlOrHandle
	if !strings.HasPrefix(urlOrHandle, "http://") && !strings.HasPrefix(urlOrHandle, "https://") {
		handle := strings.TrimPrefix(urlOrHandle, "@")
		atIx := strings.IndexByte(handle, '@')
		if atIx <= 0 || atIx == len(handle)-1 {
			return nil, fmt.Errorf("not a resolvable handle: %s", urlOrHandle)
		}
		var err error
		actorUrl, err = rs.remoteClient.WebfingerActorUrl(handle[:atIx], handle[atIx+1:])
		if err != nil {
			rs.logger.Infof("Webfinger lookup failed for %s: %v", urlOrHandle, err)
			return nil, nil
		}
	}

	info, err := rs.remoteClient.FetchUserInfo(actorUrl)
	if err != nil {
		rs.logger.Infof("Failed to fetch actor %s: %v", actorUrl, err)
		return nil, nil
	}

	rs.cachePut(urlOrHandle, info)
	if urlOrHandle != actorUrl {
		rs.cachePut(actorUrl, info)
	}

	return info, nil
}

func (rs *resolver) ResolveObjectAuthor(objectUrl, attributionHint string) (*dto.UserInfo, error) {

	// Direct lookup of the attributed actor
	if attributionHint != "" {
		info, err := rs.ResolveActor(attributionHint)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
	}

	// Fetch the object itself and resolve its attribution
	obj, err := rs.remoteClient.FetchObject(objectUrl)
	if err != nil {
		rs.logger.Infof("Failed to fetch object %s: %v", objectUrl, err)
	} else if obj != nil && obj.AttributedTo != "" {
		if obj.AttributedTo != attributionHint {
			info, err := rs.ResolveActor(obj.AttributedTo)
			if err != nil {
				return nil, err
			}
			if info != nil {
				return info, nil
			}
		}
		if attributionHint == "" {
			// Keeps the synthesized-profile fallback available below
			attributionHint = obj.AttributedTo
		}
	}

	// An author URL we stored alongside a timeline or notification record?
	knownUrl, err := rs.repo.FindKnownAuthorUrl(objectUrl)
	if err != nil {
		return nil, err
	}
	if knownUrl != "" {
		info, err := rs.ResolveActor(knownUrl)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
	}

	// Derive probable actor URLs from path conventions
	for _, candidate := range deriveActorUrls(objectUrl) {
		info, err := rs.ResolveActor(candidate)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
	}

	// Last resort: a minimal profile from the hint, no fetching
	if attributionHint != "" && strings.HasPrefix(attributionHint, "http") {
		return synthesizeAuthor(attributionHint), nil
	}

	return nil, nil
}

// deriveActorUrls guesses actor document URLs from the well-known path
// shapes objects live under: /users/{name}/..., /@{name}/..., /p/{name}/...
func deriveActorUrls(objectUrl string) []string {

	parsed, err := url.Parse(objectUrl)
	if err != nil || parsed.Host == "" {
		return nil
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 2 {
		return nil
	}
	base := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)

	var res []string
	first := segments[0]
	if first == "users" || first == "p" {
		res = append(res, fmt.Sprintf("%s/%s/%s", base, first, segments[1]))
	} else if strings.HasPrefix(first, "@") {
		res = append(res, fmt.Sprintf("%s/%s", base, first))
	}
	return res
}

func synthesizeAuthor(attributionUrl string) *dto.UserInfo {

	name := attributionUrl
	if parsed, err := url.Parse(attributionUrl); err == nil {
		segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
		if len(segments) != 0 && segments[len(segments)-1] != "" {
			name = strings.TrimPrefix(segments[len(segments)-1], "@")
		}
	}
	return &dto.UserInfo{
		Id:                attributionUrl,
		Type:              "Person",
		PreferredUserName: name,
		Name:              name,
		Url:               attributionUrl,
	}
}
