package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fedipost/dal"
	"fedipost/dto"
)

func newInteractionsFixture() (*fakeRepo, *fakeResolver, *fakeDelivery, IInteractions) {
	repo := newFakeRepo()
	resolver := newFakeResolver()
	delivery := &fakeDelivery{}
	ia := NewInteractions(testConfig(), nullLogger{}, repo, resolver, NewSanitizer(), delivery)
	return repo, resolver, delivery, ia
}

func Test_Like_DeliversToAuthorInbox(t *testing.T) {
	repo, resolver, delivery, ia := newInteractionsFixture()
	objectUrl := "https://remote.example/notes/1"
	resolver.authors[objectUrl] = remoteUser("https://remote.example/users/alice")

	err := ia.Like(objectUrl)
	assert.Nil(t, err)

	assert.Equal(t, 1, len(delivery.delivered))
	assert.Equal(t, "Like", delivery.delivered[0].activity.Type)
	assert.Equal(t, "https://remote.example/users/alice/inbox", delivery.delivered[0].inboxUrl)

	stored, _ := repo.GetInteraction(objectUrl, "like")
	assert.NotNil(t, stored)
}

func Test_Like_IsIdempotent(t *testing.T) {
	_, resolver, delivery, ia := newInteractionsFixture()
	objectUrl := "https://remote.example/notes/1"
	resolver.authors[objectUrl] = remoteUser("https://remote.example/users/alice")

	assert.Nil(t, ia.Like(objectUrl))
	assert.Nil(t, ia.Like(objectUrl))
	assert.Equal(t, 1, len(delivery.delivered))
}

func Test_Like_UnresolvableAuthorIsErrNotResolved(t *testing.T) {
	_, _, _, ia := newInteractionsFixture()
	err := ia.Like("https://dark.example/notes/1")
	assert.ErrorIs(t, err, ErrNotResolved)
}

func Test_Unlike_SendsUndoAndForgets(t *testing.T) {
	repo, resolver, delivery, ia := newInteractionsFixture()
	objectUrl := "https://remote.example/notes/1"
	resolver.authors[objectUrl] = remoteUser("https://remote.example/users/alice")

	assert.Nil(t, ia.Like(objectUrl))
	likeId := delivery.delivered[0].activity.Id

	assert.Nil(t, ia.Unlike(objectUrl))
	assert.Equal(t, 2, len(delivery.delivered))
	undo := delivery.delivered[1].activity
	assert.Equal(t, "Undo", undo.Type)
	inner, ok := undo.Object.(*dto.ActivityOut)
	assert.True(t, ok)
	assert.Equal(t, likeId, inner.Id)
	assert.Equal(t, "Like", inner.Type)

	stored, _ := repo.GetInteraction(objectUrl, "like")
	assert.Nil(t, stored)
	assert.NotEqual(t, likeId, undo.Id)
}

func Test_Unlike_WithoutLikeIsNoOp(t *testing.T) {
	_, _, delivery, ia := newInteractionsFixture()
	assert.Nil(t, ia.Unlike("https://remote.example/notes/1"))
	assert.Equal(t, 0, len(delivery.delivered))
}

func Test_Boost_AlsoFansOutToFollowers(t *testing.T) {
	_, resolver, delivery, ia := newInteractionsFixture()
	objectUrl := "https://remote.example/notes/1"
	resolver.authors[objectUrl] = remoteUser("https://remote.example/users/alice")

	assert.Nil(t, ia.Boost(objectUrl))
	assert.Equal(t, 1, len(delivery.delivered))
	assert.Equal(t, 1, len(delivery.fanouts))
	assert.Equal(t, "Announce", delivery.fanouts[0].activity.Type)
}

func Test_Follow_RecordsAndDelivers(t *testing.T) {
	repo, resolver, delivery, ia := newInteractionsFixture()
	actorUrl := "https://remote.example/users/alice"
	resolver.actors["@alice@remote.example"] = remoteUser(actorUrl)

	assert.Nil(t, ia.Follow("@alice@remote.example"))

	rec, _ := repo.GetFollowing(actorUrl)
	assert.NotNil(t, rec)
	assert.Equal(t, dal.SourceFederation, rec.Source)
	assert.NotEqual(t, "", rec.FollowActivityId)

	assert.Equal(t, 1, len(delivery.delivered))
	assert.Equal(t, "Follow", delivery.delivered[0].activity.Type)
	assert.Equal(t, actorUrl+"/inbox", delivery.delivered[0].inboxUrl)
}

func Test_Unfollow_SendsUndoOfOriginalFollow(t *testing.T) {
	repo, resolver, delivery, ia := newInteractionsFixture()
	actorUrl := "https://remote.example/users/alice"
	resolver.actors[actorUrl] = remoteUser(actorUrl)

	assert.Nil(t, ia.Follow(actorUrl))
	followId := delivery.delivered[0].activity.Id

	assert.Nil(t, ia.Unfollow(actorUrl))
	rec, _ := repo.GetFollowing(actorUrl)
	assert.Nil(t, rec)

	undo := delivery.delivered[1].activity
	assert.Equal(t, "Undo", undo.Type)
	inner, ok := undo.Object.(*dto.ActivityOut)
	assert.True(t, ok)
	assert.Equal(t, "Follow", inner.Type)
	assert.Equal(t, followId, inner.Id)
}

func Test_Reply_MentionsAuthorAndFansOut(t *testing.T) {
	_, resolver, delivery, ia := newInteractionsFixture()
	objectUrl := "https://remote.example/notes/1"
	resolver.authors[objectUrl] = remoteUser("https://remote.example/users/alice")

	assert.Nil(t, ia.Reply(objectUrl, "<p>good point<script>x</script></p>"))

	assert.Equal(t, 1, len(delivery.fanouts))
	assert.Equal(t, 1, len(delivery.delivered))
	assert.Equal(t, "Create", delivery.fanouts[0].activity.Type)
}

func Test_Block_PurgesTimelineLocally(t *testing.T) {
	repo, _, _, ia := newInteractionsFixture()
	actorUrl := "https://remote.example/users/mallory"
	_, _ = repo.AddTimelineItemIfNew(&dal.TimelineItem{
		Uid: "https://remote.example/notes/1", AuthorUrl: actorUrl,
	})

	// Actor is unresolvable: the Block still takes local effect
	assert.Nil(t, ia.Block(actorUrl))
	blocked, _ := repo.IsBlocked(actorUrl)
	assert.True(t, blocked)
	assert.Equal(t, 0, len(repo.timeline))
}

func Test_Mute_RequiresExactlyOneSelector(t *testing.T) {
	_, _, _, ia := newInteractionsFixture()
	assert.NotNil(t, ia.Mute("", ""))
	assert.NotNil(t, ia.Mute("https://a.example/users/x", "keyword"))
	assert.Nil(t, ia.Mute("", "spoilers"))
	assert.Nil(t, ia.Mute("https://a.example/users/x", ""))
}
