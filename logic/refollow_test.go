package logic

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fedipost/dal"
)

func newRefollowFixture() (*fakeRepo, *fakeResolver, *fakeDelivery, *refollower) {
	repo := newFakeRepo()
	resolver := newFakeResolver()
	delivery := &fakeDelivery{}
	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rf := newRefollower(testConfig(), nullLogger{}, repo, resolver, delivery,
		func() time.Time { return clock })
	return repo, resolver, delivery, rf
}

func importRecords(n int) []*dal.FollowingRecord {
	var res []*dal.FollowingRecord
	for i := 0; i < n; i += 1 {
		res = append(res, &dal.FollowingRecord{
			ActorUrl: fmt.Sprintf("https://remote.example/users/u%d", i),
			Inbox:    fmt.Sprintf("https://remote.example/users/u%d/inbox", i),
		})
	}
	return res
}

func Test_Refollow_ImportMarksRecords(t *testing.T) {
	repo, _, _, rf := newRefollowFixture()
	count, err := rf.ImportFollowing(importRecords(4))
	assert.Nil(t, err)
	assert.Equal(t, 4, count)
	n, _ := repo.CountFollowingBySource(dal.SourceImport)
	assert.Equal(t, 4, n)
}

func Test_Refollow_ImportSkipsEmptyUrls(t *testing.T) {
	_, _, _, rf := newRefollowFixture()
	records := importRecords(2)
	records = append(records, &dal.FollowingRecord{ActorUrl: ""})
	count, err := rf.ImportFollowing(records)
	assert.Nil(t, err)
	assert.Equal(t, 2, count)
}

func Test_Refollow_BatchSendsFollows(t *testing.T) {
	repo, _, delivery, rf := newRefollowFixture()
	_, _ = rf.ImportFollowing(importRecords(5))
	assert.Nil(t, rf.Start())

	// BatchSize is 3: one batch moves exactly that many to sent
	assert.Nil(t, rf.runBatch())
	sent, _ := repo.CountFollowingBySource(dal.SourceRefollowSent)
	assert.Equal(t, 3, sent)
	remaining, _ := repo.CountFollowingBySource(dal.SourceImport)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, 3, len(delivery.delivered))
	for _, d := range delivery.delivered {
		assert.Equal(t, "Follow", d.activity.Type)
	}

	// Sent records carry the follow activity id the Accept will reference
	for _, f := range repo.following {
		if f.Source == dal.SourceRefollowSent {
			assert.NotEqual(t, "", f.FollowActivityId)
		}
	}
}

func Test_Refollow_UnresolvableRetriesThenFails(t *testing.T) {
	repo, _, delivery, rf := newRefollowFixture()
	// No inbox and no resolvable profile
	_ = repo.UpsertFollowing(&dal.FollowingRecord{
		ActorUrl: "https://gone.example/users/x",
		Source:   dal.SourceImport,
	})
	assert.Nil(t, rf.Start())

	// MaxAttempts is 3; cooldown does not apply when attempts is 0, and the
	// fixture clock never moves, so force retries by resetting the stamp.
	for i := 0; i < 3; i += 1 {
		assert.Nil(t, rf.runBatch())
		repo.mu.Lock()
		for _, f := range repo.following {
			f.LastAttemptAt = time.Time{}
		}
		repo.mu.Unlock()
	}

	failed, _ := repo.CountFollowingBySource(dal.SourceRefollowFailed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, len(delivery.delivered))
}

func Test_Refollow_ResolvesMissingInbox(t *testing.T) {
	repo, resolver, delivery, rf := newRefollowFixture()
	actorUrl := "https://remote.example/users/alice"
	resolver.actors[actorUrl] = remoteUser(actorUrl)
	_ = repo.UpsertFollowing(&dal.FollowingRecord{ActorUrl: actorUrl, Source: dal.SourceImport})
	assert.Nil(t, rf.Start())

	assert.Nil(t, rf.runBatch())
	assert.Equal(t, 1, len(delivery.delivered))
	assert.Equal(t, actorUrl+"/inbox", delivery.delivered[0].inboxUrl)
}

func Test_Refollow_CrashRecoveryResetsPending(t *testing.T) {
	repo, _, _, rf := newRefollowFixture()
	_ = repo.UpsertFollowing(&dal.FollowingRecord{
		ActorUrl: "https://remote.example/users/a", Source: dal.SourceRefollowPending,
	})
	rf.recoverPending()
	n, _ := repo.CountFollowingBySource(dal.SourceImport)
	assert.Equal(t, 1, n)
	pending, _ := repo.CountFollowingBySource(dal.SourceRefollowPending)
	assert.Equal(t, 0, pending)
}

func Test_Refollow_StatePersistsAcrossInstances(t *testing.T) {
	repo, resolver, delivery, rf := newRefollowFixture()
	assert.Nil(t, rf.Start())
	assert.Nil(t, rf.Pause())

	// A new instance over the same store sees the paused state
	rf2 := newRefollower(testConfig(), nullLogger{}, repo, resolver, delivery, time.Now)
	assert.Equal(t, JobPaused, rf2.getState())

	assert.Nil(t, rf2.Resume())
	assert.Equal(t, JobRunning, rf.getState())
}

func Test_Refollow_CompletesWhenNothingLeft(t *testing.T) {
	_, _, _, rf := newRefollowFixture()
	assert.Nil(t, rf.Start())
	assert.Nil(t, rf.runBatch())
	assert.Equal(t, JobCompleted, rf.getState())
}

func Test_Refollow_StopEndsLoop(t *testing.T) {
	_, _, _, rf := newRefollowFixture()
	go rf.loop()

	stopped := make(chan struct{})
	go func() {
		rf.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func Test_Refollow_Status(t *testing.T) {
	repo, _, _, rf := newRefollowFixture()
	_ = repo.UpsertFollowing(&dal.FollowingRecord{ActorUrl: "https://a.example/u/1", Source: dal.SourceImport})
	_ = repo.UpsertFollowing(&dal.FollowingRecord{ActorUrl: "https://a.example/u/2", Source: dal.SourceRefollowSent})
	_ = repo.UpsertFollowing(&dal.FollowingRecord{ActorUrl: "https://a.example/u/3", Source: dal.SourceFederation})
	_ = repo.UpsertFollowing(&dal.FollowingRecord{ActorUrl: "https://a.example/u/4", Source: dal.SourceRefollowFailed})

	status, err := rf.Status()
	assert.Nil(t, err)
	assert.Equal(t, JobIdle, status.State)
	assert.Equal(t, 1, status.Imported)
	assert.Equal(t, 1, status.Sent)
	assert.Equal(t, 1, status.Federated)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 0, status.Pending)
}
