package logic

import (
	"encoding/json"
	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const fetchTimeoutSec = 10
const webfingerCacheHours = 24

// IRemoteClient fetches ActivityPub documents from other servers.
type IRemoteClient interface {
	FetchUserInfo(userUrl string) (info *dto.UserInfo, err error)
	FetchObject(objectUrl string) (obj *dto.ObjectIn, err error)
	WebfingerActorUrl(handle, host string) (actorUrl string, err error)
}

type remoteClient struct {
	cfg       *shared.Config
	logger    shared.ILogger
	userAgent shared.IUserAgent
	metrics   IMetrics
	repo      dal.IRepo
}

func NewRemoteClient(
	cfg *shared.Config,
	logger shared.ILogger,
	userAgent shared.IUserAgent,
	metrics IMetrics,
	repo dal.IRepo,
) IRemoteClient {
	return &remoteClient{cfg, logger, userAgent, metrics, repo}
}

func (rc *remoteClient) fetchJson(docUrl, label string, obj any) error {

	obs := rc.metrics.StartApubRequestOut(label)
	defer obs.Finish()

	client := http.Client{}
	client.Timeout = time.Second * fetchTimeoutSec
	var err error
	var req *http.Request
	if req, err = http.NewRequest("GET", docUrl, nil); err != nil {
		return err
	}
	req.Header.Set("Accept", "application/activity+json, application/json")
	rc.userAgent.AddUserAgent(req)
	var resp *http.Response
	if resp, err = client.Do(req); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return fmt.Errorf("failed to get %s; got status %v", docUrl, resp.StatusCode)
	}

	defer resp.Body.Close()
	var bodyBytes []byte
	if bodyBytes, err = io.ReadAll(resp.Body); err != nil {
		return err
	}

	if err = json.Unmarshal(bodyBytes, obj); err != nil {
		return err
	}

	return nil
}

func (rc *remoteClient) FetchUserInfo(userUrl string) (info *dto.UserInfo, err error) {
	var obj dto.UserInfo
	if err = rc.fetchJson(userUrl, "actor", &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (rc *remoteClient) FetchObject(objectUrl string) (obj *dto.ObjectIn, err error) {
	var res dto.ObjectIn
	if err = rc.fetchJson(objectUrl, "object", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type cachedWebfinger struct {
	ActorUrl  string    `json:"actor_url"`
	FetchedAt time.Time `json:"fetched_at"`
}

// WebfingerActorUrl resolves user@host to the actor document URL. Responses
// are cached in the KV store for a day.
func (rc *remoteClient) WebfingerActorUrl(handle, host string) (actorUrl string, err error) {

	cacheKey := fmt.Sprintf("webfinger:%s@%s", handle, host)
	if val, found, _ := rc.repo.GetKV(cacheKey); found {
		var cached cachedWebfinger
		if jsonErr := json.Unmarshal([]byte(val), &cached); jsonErr == nil {
			if time.Since(cached.FetchedAt).Hours() < webfingerCacheHours {
				return cached.ActorUrl, nil
			}
		}
	}

	wfUrl := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		host, url.QueryEscape(fmt.Sprintf("acct:%s@%s", handle, host)))
	var wf dto.WebfingerResp
	if err = rc.fetchJson(wfUrl, "webfinger", &wf); err != nil {
		return "", err
	}
	actorUrl = wf.SelfLink()
	if actorUrl == "" {
		return "", fmt.Errorf("webfinger response for %s@%s has no self link", handle, host)
	}

	cached := cachedWebfinger{ActorUrl: actorUrl, FetchedAt: time.Now().UTC()}
	cachedJson, _ := json.Marshal(&cached)
	if err = rc.repo.SetKV(cacheKey, string(cachedJson)); err != nil {
		rc.logger.Warnf("Failed to cache webfinger response for %s@%s: %v", handle, host, err)
	}

	return actorUrl, nil
}
