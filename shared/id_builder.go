package shared

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const ActivityPublic = "https://www.w3.org/ns/activitystreams#Public"

func GetHostName(userUrl string) (string, error) {
	var parsedUrl *url.URL
	var urlError error
	parsedUrl, urlError = url.Parse(userUrl)
	if urlError != nil {
		return "", fmt.Errorf("failed to parse user URL '%s': %v", userUrl, urlError)
	}
	return parsedUrl.Hostname(), nil
}

func MakeFullMoniker(hostName, handle string) string {
	return "@" + handle + "@" + hostName
}

// IdBuilder constructs the canonical URLs of our single actor and its
// objects. All federation endpoints live under Host+Mount.
type IdBuilder struct {
	Host  string
	Mount string
}

func (idb *IdBuilder) root() string {
	mount := strings.TrimSuffix(idb.Mount, "/")
	return fmt.Sprintf("https://%s%s", idb.Host, mount)
}

func (idb *IdBuilder) SiteUrl() string {
	return fmt.Sprintf("https://%s", idb.Host)
}

func (idb *IdBuilder) ActorUrl() string {
	return idb.root() + "/actor"
}

func (idb *IdBuilder) ActorKeyId() string {
	return idb.root() + "/actor#main-key"
}

func (idb *IdBuilder) Inbox() string {
	return idb.root() + "/inbox"
}

func (idb *IdBuilder) Outbox() string {
	return idb.root() + "/outbox"
}

func (idb *IdBuilder) Followers() string {
	return idb.root() + "/followers"
}

func (idb *IdBuilder) Following() string {
	return idb.root() + "/following"
}

func (idb *IdBuilder) ActivityUrl(id uint64) string {
	return idb.root() + "/activity/" + strconv.FormatUint(id, 10)
}

func (idb *IdBuilder) Status(id uint64) string {
	return idb.root() + "/p/" + strconv.FormatUint(id, 10)
}

func (idb *IdBuilder) StatusActivity(id uint64) string {
	return idb.root() + "/p/" + strconv.FormatUint(id, 10) + "/activity"
}
