package logic

import (
	"time"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
)

// JobState is the persisted control state of the re-follow job.
type JobState string

const (
	JobIdle      JobState = "idle"
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
)

const kvRefollowState = "refollow_job_state"

type RefollowStatus struct {
	State     JobState `json:"state"`
	Imported  int      `json:"imported"`
	Pending   int      `json:"pending"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Federated int      `json:"federated"`
}

// IRefollower turns imported follow records into real Follow activities, a
// bounded batch at a time. Control state survives restarts.
type IRefollower interface {
	ImportFollowing(records []*dal.FollowingRecord) (int, error)
	Start() error
	Pause() error
	Resume() error
	Status() (*RefollowStatus, error)
	// Stop ends the batch loop and waits for it to exit.
	Stop()
}

type refollower struct {
	cfg      *shared.Config
	logger   shared.ILogger
	idb      shared.IdBuilder
	repo     dal.IRepo
	resolver IResolver
	delivery IDelivery
	now      func() time.Time
	quit     chan struct{}
	done     chan struct{}
}

func NewRefollower(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	resolver IResolver,
	delivery IDelivery,
) IRefollower {
	rf := newRefollower(cfg, logger, repo, resolver, delivery, time.Now)
	rf.recoverPending()
	go rf.loop()
	return rf
}

func newRefollower(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	resolver IResolver,
	delivery IDelivery,
	now func() time.Time,
) *refollower {
	return &refollower{
		cfg:      cfg,
		logger:   logger,
		idb:      shared.IdBuilder{Host: cfg.Host, Mount: cfg.Mount},
		repo:     repo,
		resolver: resolver,
		delivery: delivery,
		now:      now,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// recoverPending reverts records a previous run claimed but never finished.
func (rf *refollower) recoverPending() {
	n, err := rf.repo.ResetPendingRefollows()
	if err != nil {
		rf.logger.Errorf("Failed to reset pending re-follows: %v", err)
		return
	}
	if n != 0 {
		rf.logger.Warnf("Reset %d re-follow records left pending by a previous run", n)
	}
}

func (rf *refollower) getState() JobState {
	val, found, err := rf.repo.GetKV(kvRefollowState)
	if err != nil || !found {
		return JobIdle
	}
	return JobState(val)
}

func (rf *refollower) setState(state JobState) error {
	return rf.repo.SetKV(kvRefollowState, string(state))
}

func (rf *refollower) ImportFollowing(records []*dal.FollowingRecord) (int, error) {
	count := 0
	now := rf.now().UTC()
	for _, rec := range records {
		if rec.ActorUrl == "" {
			continue
		}
		rec.Source = dal.SourceImport
		rec.Attempts = 0
		rec.FollowedAt = now
		rec.LastAttemptAt = now
		if err := rf.repo.UpsertFollowing(rec); err != nil {
			return count, err
		}
		count += 1
	}
	rf.logger.Infof("Imported %d follow records", count)
	return count, nil
}

func (rf *refollower) Start() error {
	rf.logger.Info("Re-follow job started")
	return rf.setState(JobRunning)
}

func (rf *refollower) Pause() error {
	rf.logger.Info("Re-follow job paused")
	return rf.setState(JobPaused)
}

func (rf *refollower) Resume() error {
	rf.logger.Info("Re-follow job resumed")
	return rf.setState(JobRunning)
}

func (rf *refollower) Status() (*RefollowStatus, error) {
	res := RefollowStatus{State: rf.getState()}
	counts := []struct {
		source dal.FollowSource
		target *int
	}{
		{dal.SourceImport, &res.Imported},
		{dal.SourceRefollowPending, &res.Pending},
		{dal.SourceRefollowSent, &res.Sent},
		{dal.SourceRefollowFailed, &res.Failed},
		{dal.SourceFederation, &res.Federated},
	}
	for _, c := range counts {
		n, err := rf.repo.CountFollowingBySource(c.source)
		if err != nil {
			return nil, err
		}
		*c.target = n
	}
	return &res, nil
}

func (rf *refollower) loop() {
	defer close(rf.done)
	for {
		select {
		case <-time.After(time.Duration(rf.cfg.Refollow.BatchIntervalSec) * time.Second):
		case <-rf.quit:
			return
		}
		if rf.getState() != JobRunning {
			continue
		}
		if err := rf.runBatch(); err != nil {
			rf.logger.Errorf("Re-follow batch failed: %v", err)
		}
	}
}

func (rf *refollower) Stop() {
	close(rf.quit)
	<-rf.done
}

func (rf *refollower) runBatch() error {

	cooldown := time.Duration(rf.cfg.Refollow.CooldownMinutes) * time.Minute
	retryBefore := rf.now().UTC().Add(-cooldown)

	batch, err := rf.repo.ClaimRefollowBatch(rf.cfg.Refollow.BatchSize, retryBefore)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		remaining, cntErr := rf.repo.CountFollowingBySource(dal.SourceImport)
		if cntErr != nil {
			return cntErr
		}
		if remaining == 0 && rf.getState() == JobRunning {
			rf.logger.Info("Re-follow job completed")
			return rf.setState(JobCompleted)
		}
		return nil
	}

	for i, rec := range batch {
		if i != 0 {
			// Spread items out so remote rate limits stay quiet
			time.Sleep(time.Duration(rf.cfg.Refollow.ItemDelayMs) * time.Millisecond)
		}
		if err = rf.sendFollow(rec); err != nil {
			return err
		}
	}
	return nil
}

func (rf *refollower) sendFollow(rec *dal.FollowingRecord) error {

	attempts := rec.Attempts + 1
	now := rf.now().UTC()

	inboxUrl := rec.Inbox
	actorUrl := rec.ActorUrl
	if inboxUrl == "" {
		info, err := rf.resolver.ResolveActor(rec.ActorUrl)
		if err == nil && info != nil && info.Inbox != "" {
			inboxUrl = info.Inbox
			actorUrl = info.Id
		}
	}
	if inboxUrl == "" {
		newSource := dal.SourceImport
		if attempts >= rf.cfg.Refollow.MaxAttempts {
			newSource = dal.SourceRefollowFailed
			rf.logger.Warnf("Giving up on re-follow of %s after %d attempts", rec.ActorUrl, attempts)
		} else {
			rf.logger.Infof("Could not resolve %s for re-follow; will retry", rec.ActorUrl)
		}
		return rf.repo.UpdateFollowingRefollow(rec.ActorUrl, newSource, attempts, now, "")
	}

	followId := rf.idb.ActivityUrl(rf.repo.GetNextId())
	if err := rf.repo.UpdateFollowingRefollow(rec.ActorUrl, dal.SourceRefollowSent,
		attempts, now, followId); err != nil {
		return err
	}

	act := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      followId,
		Type:    "Follow",
		Actor:   rf.idb.ActorUrl(),
		Object:  actorUrl,
	}
	rf.delivery.DeliverToInbox(&act, inboxUrl, actorUrl)
	rf.logger.Infof("Re-follow sent to %s", rec.ActorUrl)

	return nil
}
