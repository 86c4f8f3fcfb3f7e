package dal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

const timelineColumns = `uid, type, url, name, content_text, content_html, summary, sensitive, published,
	author_name, author_url, author_photo, author_handle, categories, mentions, photos, videos, audios,
	in_reply_to, boosted_by_name, boosted_by_url, boosted_by_photo, boosted_by_handle, boosted_at, original_url`

func marshalStrList(items []string) string {
	if items == nil {
		items = []string{}
	}
	bytes, _ := json.Marshal(items)
	return string(bytes)
}

func marshalMentions(items []Mention) string {
	if items == nil {
		items = []Mention{}
	}
	bytes, _ := json.Marshal(items)
	return string(bytes)
}

func (repo *Repo) AddTimelineItemIfNew(item *TimelineItem) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO timeline (`+timelineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Uid, item.Type, item.Url, item.Name, item.ContentText, item.ContentHtml, item.Summary,
		item.Sensitive, item.Published,
		item.AuthorName, item.AuthorUrl, item.AuthorPhoto, item.AuthorHandle,
		marshalStrList(item.Categories), marshalMentions(item.Mentions),
		marshalStrList(item.Photos), marshalStrList(item.Videos), marshalStrList(item.Audios),
		item.InReplyTo, item.BoostedByName, item.BoostedByUrl, item.BoostedByPhoto, item.BoostedByHandle,
		item.BoostedAt, item.OriginalUrl)
	if err == nil {
		return
	}

	// Duplicate key: first writer wins; retried deliveries are a no-op
	if isDupKeyErr(err) {
		isNew = false
		err = nil
	}
	return
}

func scanTimelineItem(scanner interface{ Scan(dest ...any) error }) (*TimelineItem, error) {
	var item TimelineItem
	var categories, mentions, photos, videos, audios string
	err := scanner.Scan(&item.Uid, &item.Type, &item.Url, &item.Name, &item.ContentText, &item.ContentHtml,
		&item.Summary, &item.Sensitive, &item.Published,
		&item.AuthorName, &item.AuthorUrl, &item.AuthorPhoto, &item.AuthorHandle,
		&categories, &mentions, &photos, &videos, &audios,
		&item.InReplyTo, &item.BoostedByName, &item.BoostedByUrl, &item.BoostedByPhoto,
		&item.BoostedByHandle, &item.BoostedAt, &item.OriginalUrl)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(categories), &item.Categories); err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(mentions), &item.Mentions); err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(photos), &item.Photos); err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(videos), &item.Videos); err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(audios), &item.Audios); err != nil {
		return nil, err
	}
	return &item, nil
}

func (repo *Repo) GetTimelineItem(uid string) (*TimelineItem, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT `+timelineColumns+` FROM timeline WHERE uid=?`, uid)
	item, err := scanTimelineItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

func (repo *Repo) UpdateTimelineItemContent(uid, name, summary, contentText, contentHtml string, sensitive bool) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE timeline SET name=?, summary=?, content_text=?, content_html=?, sensitive=?
		WHERE uid=?`,
		name, summary, contentText, contentHtml, sensitive, uid)
	return err
}

func (repo *Repo) DeleteTimelineItem(uid string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM timeline WHERE uid=?`, uid)
	return err
}

func (repo *Repo) DeleteTimelineItemsByAuthor(authorUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM timeline WHERE author_url=? OR boosted_by_url=?`, authorUrl, authorUrl)
	return err
}

func (repo *Repo) QueryTimeline(q *TimelineQuery) ([]*TimelineItem, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	var conds []string
	var args []any
	if q.Before != "" {
		conds = append(conds, "published<?")
		args = append(args, q.Before)
	}
	if q.After != "" {
		conds = append(conds, "published>?")
		args = append(args, q.After)
	}
	if q.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, q.Type)
	}
	if q.AuthorUrl != "" {
		conds = append(conds, "author_url=?")
		args = append(args, q.AuthorUrl)
	}
	if q.Hashtag != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(timeline.categories) WHERE lower(json_each.value)=lower(?))")
		args = append(args, q.Hashtag)
	}
	if q.ExcludeReplies {
		conds = append(conds, "in_reply_to=''")
	}

	query := `SELECT ` + timelineColumns + ` FROM timeline`
	if len(conds) != 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY published DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := repo.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*TimelineItem, 0)
	for rows.Next() {
		item, err := scanTimelineItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) GetTimelineCount() (int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM timeline`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// PruneTimeline removes everything older than the keep-th newest item's
// timestamp. Items sharing that timestamp all survive, so a burst at the
// cutoff never gets half-deleted.
func (repo *Repo) PruneTimeline(keep int) (removed int, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	row := repo.db.QueryRow(`SELECT published FROM timeline ORDER BY published DESC LIMIT 1 OFFSET ?`, keep-1)
	var cutoff string
	err = row.Scan(&cutoff)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	res, err := repo.db.Exec(`DELETE FROM timeline WHERE published<?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FindKnownAuthorUrl looks for an actor URL already stored alongside a
// timeline or notification record matching the given object URL.
func (repo *Repo) FindKnownAuthorUrl(objectUrl string) (string, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT author_url FROM timeline WHERE (uid=? OR url=?) AND author_url<>'' LIMIT 1`,
		objectUrl, objectUrl)
	var authorUrl string
	err := row.Scan(&authorUrl)
	if err == nil {
		return authorUrl, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	row = repo.db.QueryRow(`SELECT actor_url FROM notifications WHERE target_url=? AND actor_url<>'' LIMIT 1`,
		objectUrl)
	err = row.Scan(&authorUrl)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return authorUrl, nil
}

func (repo *Repo) AddNotificationIfNew(n *Notification) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO notifications
		(uid, type, actor_url, actor_name, actor_photo, actor_handle, target_url, target_name,
		 content_text, content_html, published, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Uid, n.Type, n.ActorUrl, n.ActorName, n.ActorPhoto, n.ActorHandle, n.TargetUrl, n.TargetName,
		n.ContentText, n.ContentHtml, n.Published, n.Read)
	if err == nil {
		return
	}

	// Duplicate key: same event was already notified
	if isDupKeyErr(err) {
		isNew = false
		err = nil
	}
	return
}

func (repo *Repo) GetNotificationsPage(before string, limit int) ([]*Notification, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	query := `SELECT uid, type, actor_url, actor_name, actor_photo, actor_handle, target_url, target_name,
		content_text, content_html, published, read FROM notifications`
	var args []any
	if before != "" {
		query += ` WHERE published<?`
		args = append(args, before)
	}
	query += ` ORDER BY published DESC LIMIT ?`
	args = append(args, limit)

	rows, err := repo.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*Notification, 0)
	for rows.Next() {
		n := Notification{}
		err = rows.Scan(&n.Uid, &n.Type, &n.ActorUrl, &n.ActorName, &n.ActorPhoto, &n.ActorHandle,
			&n.TargetUrl, &n.TargetName, &n.ContentText, &n.ContentHtml, &n.Published, &n.Read)
		if err != nil {
			return nil, err
		}
		res = append(res, &n)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) MarkNotificationRead(uid string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE notifications SET read=1 WHERE uid=?`, uid)
	return err
}

func (repo *Repo) MarkAllNotificationsRead() error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE notifications SET read=1 WHERE read=0`)
	return err
}

func (repo *Repo) DeleteNotification(uid string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM notifications WHERE uid=?`, uid)
	return err
}
