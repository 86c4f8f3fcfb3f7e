package dal

import (
	"database/sql"
	"embed"
	"errors"
	"fedipost/shared"
	"fmt"
	"github.com/mattn/go-sqlite3"
	"sync"
	"time"
)

const schemaVer = 1

//go:embed scripts/*
var scripts embed.FS

type IRepo interface {
	InitUpdateDb()
	GetNextId() uint64

	MarkActivityHandled(id string, when time.Time) (alreadyHandled bool, err error)
	SetKV(name, val string) error
	GetKV(name string) (val string, found bool, err error)
	DeleteKV(name string) error

	AddTimelineItemIfNew(item *TimelineItem) (isNew bool, err error)
	GetTimelineItem(uid string) (*TimelineItem, error)
	UpdateTimelineItemContent(uid, name, summary, contentText, contentHtml string, sensitive bool) error
	DeleteTimelineItem(uid string) error
	DeleteTimelineItemsByAuthor(authorUrl string) error
	QueryTimeline(q *TimelineQuery) ([]*TimelineItem, error)
	GetTimelineCount() (int, error)
	PruneTimeline(keep int) (removed int, err error)
	FindKnownAuthorUrl(objectUrl string) (string, error)

	AddNotificationIfNew(n *Notification) (isNew bool, err error)
	GetNotificationsPage(before string, limit int) ([]*Notification, error)
	MarkNotificationRead(uid string) error
	MarkAllNotificationsRead() error
	DeleteNotification(uid string) error

	UpsertFollower(f *FollowerRecord) error
	RemoveFollower(actorUrl string) error
	GetFollower(actorUrl string) (*FollowerRecord, error)
	GetFollowers() ([]*FollowerRecord, error)
	GetFollowersPage(offset, limit int) ([]*FollowerRecord, int, error)
	MoveFollower(oldActorUrl, newActorUrl string) error

	UpsertFollowing(f *FollowingRecord) error
	RemoveFollowing(actorUrl string) error
	GetFollowing(actorUrl string) (*FollowingRecord, error)
	GetFollowingByFollowId(activityId string) (*FollowingRecord, error)
	GetFollowingPage(offset, limit int) ([]*FollowingRecord, int, error)
	UpdateFollowingRefollow(actorUrl string, source FollowSource, attempts int,
		lastAttemptAt time.Time, activityId string) error
	ClaimRefollowBatch(limit int, retryBefore time.Time) ([]*FollowingRecord, error)
	ResetPendingRefollows() (int, error)
	CountFollowingBySource(source FollowSource) (int, error)
	IsKnownActor(actorUrl string) (bool, error)

	AddInteractionIfNew(i *Interaction) (isNew bool, err error)
	GetInteraction(objectUrl, itype string) (*Interaction, error)
	DeleteInteraction(objectUrl, itype string) error

	AddMuted(m *MutedEntry) error
	RemoveMuted(urlOrKeyword string) error
	GetMuted() ([]*MutedEntry, error)
	AddBlocked(b *BlockedEntry) error
	RemoveBlocked(url string) error
	GetBlocked() ([]*BlockedEntry, error)
	IsBlocked(url string) (bool, error)

	AddActivityLogEntry(e *ActivityLogEntry) error
	DeleteActivityLogByObject(objectUrl string) error
	DeleteActivityLogByActorObject(actorUrl, objectUrl, atype string) error

	AddPublishedPostIfNew(p *PublishedPost) (isNew bool, err error)
	GetPublishedPostCount() (uint, error)
	GetPublishedPostsPage(offset, limit int) ([]*PublishedPost, error)
	GetPublishedPostByStatusId(statusId uint64) (*PublishedPost, error)
}

type Repo struct {
	cfg    *shared.Config
	logger shared.ILogger
	db     *sql.DB
	muDb   sync.RWMutex
	muId   sync.Mutex
	nextId uint64
}

func NewRepo(cfg *shared.Config, logger shared.ILogger) IRepo {

	var err error
	var db *sql.DB

	// _synchronous=1 is "normal"
	cstr := "file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=1&_busy_timeout=5000"
	db, err = sql.Open("sqlite3", fmt.Sprintf(cstr, cfg.DbFile))
	if err != nil {
		logger.Errorf("Failed to open/create DB file: %s: %v", cfg.DbFile, err)
		panic(err)
	}

	repo := Repo{
		cfg:    cfg,
		logger: logger,
		db:     db,
		nextId: uint64(time.Now().UnixNano()),
	}

	return &repo
}

func (repo *Repo) GetNextId() uint64 {
	repo.muId.Lock()
	res := repo.nextId + 1
	repo.nextId = res
	repo.muId.Unlock()
	return res
}

func (repo *Repo) InitUpdateDb() {

	dbVer := 0
	sysParamsExists := false
	var err error
	var rows *sql.Rows

	rows, err = repo.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name='sys_params'")
	if err != nil {
		repo.logger.Errorf("Failed to check if 'sys_params' table exists: %v", err)
		panic(err)
	}
	for rows.Next() {
		sysParamsExists = true
	}
	_ = rows.Close()
	if !sysParamsExists {
		repo.logger.Printf("Database appears to be empty; current schema version is %d", schemaVer)
	} else {
		row := repo.db.QueryRow("SELECT val FROM sys_params WHERE name='schema_ver'")
		if err = row.Scan(&dbVer); err != nil {
			repo.logger.Errorf("Failed to query schema version: %v", err)
			panic(err)
		}
		repo.logger.Printf("Database is at version %d; current schema version is %d", dbVer, schemaVer)
	}
	for i := dbVer; i < schemaVer; i += 1 {
		nextVer := i + 1
		fn := fmt.Sprintf("scripts/create-%02d.sql", nextVer)
		repo.logger.Printf("Running %s", fn)
		var sqlBytes []byte
		if sqlBytes, err = scripts.ReadFile(fn); err != nil {
			repo.logger.Errorf("Failed to read init script %s: %v", fn, err)
			panic(err)
		}
		sqlStr := string(sqlBytes)
		if _, err = repo.db.Exec(sqlStr); err != nil {
			repo.logger.Errorf("Failed to execute init script %s: %v", fn, err)
			panic(err)
		}
		_, err = repo.db.Exec("UPDATE sys_params SET val=? WHERE name='schema_ver'", nextVer)
		if err != nil {
			repo.logger.Errorf("Failed to update schema_ver to %d: %v", nextVer, err)
			panic(err)
		}
	}
}

// isDupKeyErr tells if an insert failed because a row with this unique key
// already exists.
func isDupKeyErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (repo *Repo) MarkActivityHandled(id string, when time.Time) (alreadyHandled bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	alreadyHandled = false
	err = nil

	_, err = repo.db.Exec(`INSERT INTO handled_activities VALUES (?, ?)`, id, when)

	if err == nil {
		return
	}

	// Duplicate key: activity was handled before
	if isDupKeyErr(err) {
		alreadyHandled = true
		err = nil
	}

	return
}

func (repo *Repo) SetKV(name, val string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO kv (name, val, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET val=excluded.val, updated_at=excluded.updated_at`,
		name, val, time.Now().UTC())
	return err
}

func (repo *Repo) GetKV(name string) (val string, found bool, err error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT val FROM kv WHERE name=?`, name)
	err = row.Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

func (repo *Repo) DeleteKV(name string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM kv WHERE name=?`, name)
	return err
}
