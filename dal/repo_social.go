package dal

import (
	"database/sql"
	"errors"
	"time"
)

func (repo *Repo) UpsertFollower(f *FollowerRecord) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO followers
		(actor_url, handle, name, avatar, inbox, shared_inbox, followed_at, moved_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_url) DO UPDATE SET handle=excluded.handle, name=excluded.name,
			avatar=excluded.avatar, inbox=excluded.inbox, shared_inbox=excluded.shared_inbox`,
		f.ActorUrl, f.Handle, f.Name, f.Avatar, f.Inbox, f.SharedInbox, f.FollowedAt, f.MovedFrom)
	return err
}

func (repo *Repo) RemoveFollower(actorUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM followers WHERE actor_url=?`, actorUrl)
	return err
}

const followerColumns = `actor_url, handle, name, avatar, inbox, shared_inbox, followed_at, moved_from`

func scanFollower(scanner interface{ Scan(dest ...any) error }) (*FollowerRecord, error) {
	f := FollowerRecord{}
	err := scanner.Scan(&f.ActorUrl, &f.Handle, &f.Name, &f.Avatar, &f.Inbox, &f.SharedInbox,
		&f.FollowedAt, &f.MovedFrom)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (repo *Repo) GetFollower(actorUrl string) (*FollowerRecord, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT `+followerColumns+` FROM followers WHERE actor_url=?`, actorUrl)
	f, err := scanFollower(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (repo *Repo) GetFollowers() ([]*FollowerRecord, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT ` + followerColumns + ` FROM followers ORDER BY followed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return readFollowers(rows)
}

func (repo *Repo) GetFollowersPage(offset, limit int) ([]*FollowerRecord, int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	var total int
	row := repo.db.QueryRow(`SELECT COUNT(*) FROM followers`)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := repo.db.Query(`SELECT `+followerColumns+` FROM followers
		ORDER BY followed_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res, err := readFollowers(rows)
	if err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

func readFollowers(rows *sql.Rows) ([]*FollowerRecord, error) {
	res := make([]*FollowerRecord, 0)
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// MoveFollower re-keys a follower record to the actor's new identity,
// recording where it moved from.
func (repo *Repo) MoveFollower(oldActorUrl, newActorUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	res, err := repo.db.Exec(`UPDATE OR IGNORE followers SET actor_url=?, moved_from=? WHERE actor_url=?`,
		newActorUrl, oldActorUrl, oldActorUrl)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 0 {
		return nil
	}
	// The new identity already follows us; the old record just goes.
	_, err = repo.db.Exec(`DELETE FROM followers WHERE actor_url=?`, oldActorUrl)
	return err
}

const followingColumns = `actor_url, handle, name, avatar, inbox, shared_inbox, followed_at, source,
	follow_activity_id, attempts, last_attempt_at`

func scanFollowing(scanner interface{ Scan(dest ...any) error }) (*FollowingRecord, error) {
	f := FollowingRecord{}
	var source string
	err := scanner.Scan(&f.ActorUrl, &f.Handle, &f.Name, &f.Avatar, &f.Inbox, &f.SharedInbox,
		&f.FollowedAt, &source, &f.FollowActivityId, &f.Attempts, &f.LastAttemptAt)
	if err != nil {
		return nil, err
	}
	f.Source = FollowSource(source)
	return &f, nil
}

func (repo *Repo) UpsertFollowing(f *FollowingRecord) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO following
		(actor_url, handle, name, avatar, inbox, shared_inbox, followed_at, source, follow_activity_id,
		 attempts, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_url) DO UPDATE SET handle=excluded.handle, name=excluded.name,
			avatar=excluded.avatar, inbox=excluded.inbox, shared_inbox=excluded.shared_inbox,
			source=excluded.source, follow_activity_id=excluded.follow_activity_id`,
		f.ActorUrl, f.Handle, f.Name, f.Avatar, f.Inbox, f.SharedInbox, f.FollowedAt, string(f.Source),
		f.FollowActivityId, f.Attempts, f.LastAttemptAt)
	return err
}

func (repo *Repo) RemoveFollowing(actorUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM following WHERE actor_url=?`, actorUrl)
	return err
}

func (repo *Repo) GetFollowing(actorUrl string) (*FollowingRecord, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT `+followingColumns+` FROM following WHERE actor_url=?`, actorUrl)
	f, err := scanFollowing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (repo *Repo) GetFollowingByFollowId(activityId string) (*FollowingRecord, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT `+followingColumns+` FROM following WHERE follow_activity_id=?`, activityId)
	f, err := scanFollowing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (repo *Repo) GetFollowingPage(offset, limit int) ([]*FollowingRecord, int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	var total int
	row := repo.db.QueryRow(`SELECT COUNT(*) FROM following`)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := repo.db.Query(`SELECT `+followingColumns+` FROM following
		ORDER BY followed_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	res := make([]*FollowingRecord, 0)
	for rows.Next() {
		f, err := scanFollowing(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, f)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

func (repo *Repo) UpdateFollowingRefollow(actorUrl string, source FollowSource, attempts int,
	lastAttemptAt time.Time, activityId string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE following SET source=?, attempts=?, last_attempt_at=?, follow_activity_id=?
		WHERE actor_url=?`,
		string(source), attempts, lastAttemptAt, activityId, actorUrl)
	return err
}

// ClaimRefollowBatch marks up to limit imported records as pending and
// returns them. Records still cooling down after a failed attempt are
// skipped.
func (repo *Repo) ClaimRefollowBatch(limit int, retryBefore time.Time) ([]*FollowingRecord, error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	rows, err := repo.db.Query(`SELECT `+followingColumns+` FROM following
		WHERE source=? AND (attempts=0 OR last_attempt_at<?)
		ORDER BY followed_at ASC LIMIT ?`,
		string(SourceImport), retryBefore, limit)
	if err != nil {
		return nil, err
	}
	res := make([]*FollowingRecord, 0)
	for rows.Next() {
		f, err := scanFollowing(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		res = append(res, f)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, f := range res {
		if _, err = repo.db.Exec(`UPDATE following SET source=? WHERE actor_url=?`,
			string(SourceRefollowPending), f.ActorUrl); err != nil {
			return nil, err
		}
		f.Source = SourceRefollowPending
	}
	return res, nil
}

// ResetPendingRefollows reverts records claimed but never completed by a
// previous process run.
func (repo *Repo) ResetPendingRefollows() (int, error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	res, err := repo.db.Exec(`UPDATE following SET source=? WHERE source=?`,
		string(SourceImport), string(SourceRefollowPending))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (repo *Repo) CountFollowingBySource(source FollowSource) (int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM following WHERE source=?`, string(source))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// IsKnownActor tells if the actor is in our followers or following set.
func (repo *Repo) IsKnownActor(actorUrl string) (bool, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM followers WHERE actor_url=?) +
		(SELECT COUNT(*) FROM following WHERE actor_url=?)`, actorUrl, actorUrl)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (repo *Repo) AddInteractionIfNew(i *Interaction) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO interactions (object_url, type, activity_id, recipient_url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		i.ObjectUrl, i.Type, i.ActivityId, i.RecipientUrl, i.CreatedAt)
	if err == nil {
		return
	}

	// Duplicate key: we already liked/boosted this object
	if isDupKeyErr(err) {
		isNew = false
		err = nil
	}
	return
}

func (repo *Repo) GetInteraction(objectUrl, itype string) (*Interaction, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT object_url, type, activity_id, recipient_url, created_at
		FROM interactions WHERE object_url=? AND type=?`, objectUrl, itype)
	i := Interaction{}
	err := row.Scan(&i.ObjectUrl, &i.Type, &i.ActivityId, &i.RecipientUrl, &i.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &i, nil
}

func (repo *Repo) DeleteInteraction(objectUrl, itype string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM interactions WHERE object_url=? AND type=?`, objectUrl, itype)
	return err
}

func (repo *Repo) AddMuted(m *MutedEntry) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO muted (url, keyword, muted_at) VALUES (?, ?, ?)
		ON CONFLICT(url, keyword) DO NOTHING`,
		m.Url, m.Keyword, m.MutedAt)
	return err
}

func (repo *Repo) RemoveMuted(urlOrKeyword string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM muted WHERE url=? OR keyword=?`, urlOrKeyword, urlOrKeyword)
	return err
}

func (repo *Repo) GetMuted() ([]*MutedEntry, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT url, keyword, muted_at FROM muted ORDER BY muted_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*MutedEntry, 0)
	for rows.Next() {
		m := MutedEntry{}
		if err = rows.Scan(&m.Url, &m.Keyword, &m.MutedAt); err != nil {
			return nil, err
		}
		res = append(res, &m)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) AddBlocked(b *BlockedEntry) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO blocked (url, blocked_at) VALUES (?, ?)
		ON CONFLICT(url) DO NOTHING`,
		b.Url, b.BlockedAt)
	return err
}

func (repo *Repo) RemoveBlocked(url string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM blocked WHERE url=?`, url)
	return err
}

func (repo *Repo) GetBlocked() ([]*BlockedEntry, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT url, blocked_at FROM blocked ORDER BY blocked_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*BlockedEntry, 0)
	for rows.Next() {
		b := BlockedEntry{}
		if err = rows.Scan(&b.Url, &b.BlockedAt); err != nil {
			return nil, err
		}
		res = append(res, &b)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) IsBlocked(url string) (bool, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM blocked WHERE url=?`, url)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (repo *Repo) AddActivityLogEntry(e *ActivityLogEntry) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO activity_log (seen_at, direction, type, actor_url, object_url, raw)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SeenAt, e.Direction, e.Type, e.ActorUrl, e.ObjectUrl, e.Raw)
	return err
}

func (repo *Repo) DeleteActivityLogByObject(objectUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM activity_log WHERE object_url=?`, objectUrl)
	return err
}

func (repo *Repo) DeleteActivityLogByActorObject(actorUrl, objectUrl, atype string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM activity_log WHERE actor_url=? AND object_url=? AND type=?`,
		actorUrl, objectUrl, atype)
	return err
}

func (repo *Repo) AddPublishedPostIfNew(p *PublishedPost) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO published_posts (guid_hash, status_id, published_at, link, title)
		VALUES (?, ?, ?, ?, ?)`,
		p.GuidHash, int64(p.StatusId), p.PublishedAt, p.Link, p.Title)
	if err == nil {
		return
	}

	// Duplicate key: post was announced before
	if isDupKeyErr(err) {
		isNew = false
		err = nil
	}
	return
}

func (repo *Repo) GetPublishedPostCount() (uint, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM published_posts`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return uint(count), nil
}

func (repo *Repo) GetPublishedPostByStatusId(statusId uint64) (*PublishedPost, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT guid_hash, status_id, published_at, link, title FROM published_posts
		WHERE status_id=?`, int64(statusId))
	p := PublishedPost{}
	var sid int64
	err := row.Scan(&p.GuidHash, &sid, &p.PublishedAt, &p.Link, &p.Title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.StatusId = uint64(sid)
	return &p, nil
}

func (repo *Repo) GetPublishedPostsPage(offset, limit int) ([]*PublishedPost, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT guid_hash, status_id, published_at, link, title FROM published_posts
		ORDER BY published_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*PublishedPost, 0)
	for rows.Next() {
		p := PublishedPost{}
		var statusId int64
		if err = rows.Scan(&p.GuidHash, &statusId, &p.PublishedAt, &p.Link, &p.Title); err != nil {
			return nil, err
		}
		p.StatusId = uint64(statusId)
		res = append(res, &p)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
