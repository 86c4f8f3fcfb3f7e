package logic

import (
	"sync"

	"fedipost/dal"
	"fedipost/dto"
	"fedipost/shared"
)

const maxParallelSends = 5

// IDelivery fans activities out to remote inboxes. Activities sharing an
// ordering key reach a given inbox in submission order; everything else may
// go in parallel.
type IDelivery interface {
	DeliverToInbox(activity *dto.ActivityOut, inboxUrl, orderingKey string)
	// DeliverToFollowers enqueues the activity for every distinct follower
	// inbox, consolidated through shared inboxes. Returns the number of
	// inboxes targeted.
	DeliverToFollowers(activity *dto.ActivityOut, orderingKey string) (int, error)
}

type queuedSend struct {
	activity *dto.ActivityOut
	inboxUrl string
}

type delivery struct {
	cfg      *shared.Config
	logger   shared.ILogger
	repo     dal.IRepo
	keyStore IKeyStore
	sender   IActivitySender
	metrics  IMetrics
	mu       sync.Mutex
	queues   map[string][]*queuedSend // key: orderingKey + "\n" + inboxUrl
	inFlight map[string]bool
	pending  int
	sendSlot chan struct{}
}

func NewDelivery(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	keyStore IKeyStore,
	sender IActivitySender,
	metrics IMetrics,
) IDelivery {
	return &delivery{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		keyStore: keyStore,
		sender:   sender,
		metrics:  metrics,
		queues:   make(map[string][]*queuedSend),
		inFlight: make(map[string]bool),
		sendSlot: make(chan struct{}, maxParallelSends),
	}
}

func (d *delivery) DeliverToInbox(activity *dto.ActivityOut, inboxUrl, orderingKey string) {
	d.enqueue(orderingKey+"\n"+inboxUrl, &queuedSend{activity, inboxUrl})
}

func (d *delivery) DeliverToFollowers(activity *dto.ActivityOut, orderingKey string) (int, error) {

	followers, err := d.repo.GetFollowers()
	if err != nil {
		return 0, err
	}

	// Collect distinct inboxes, shared where available
	inboxes := make(map[string]struct{})
	for _, f := range followers {
		inboxUrl := f.SharedInbox
		if inboxUrl == "" {
			inboxUrl = f.Inbox
		}
		if inboxUrl == "" {
			continue
		}
		inboxes[inboxUrl] = struct{}{}
	}

	for inboxUrl := range inboxes {
		d.DeliverToInbox(activity, inboxUrl, orderingKey)
	}

	return len(inboxes), nil
}

func (d *delivery) enqueue(key string, qs *queuedSend) {
	d.mu.Lock()
	d.queues[key] = append(d.queues[key], qs)
	d.pending += 1
	d.metrics.DeliveryQueueLength(d.pending)
	startWorker := !d.inFlight[key]
	if startWorker {
		d.inFlight[key] = true
	}
	d.mu.Unlock()
	if startWorker {
		go d.drainQueue(key)
	}
}

// drainQueue sends everything queued under one key, in order. One worker
// per key at a time keeps the ordering guarantee.
func (d *delivery) drainQueue(key string) {
	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			delete(d.inFlight, key)
			d.mu.Unlock()
			return
		}
		qs := queue[0]
		d.queues[key] = queue[1:]
		d.pending -= 1
		d.metrics.DeliveryQueueLength(d.pending)
		d.mu.Unlock()

		d.sendSlot <- struct{}{}
		d.sendOne(qs)
		<-d.sendSlot
	}
}

// Per-recipient failure is logged, never propagated; the remaining queue
// items still go out.
func (d *delivery) sendOne(qs *queuedSend) {

	privKey, err := d.keyStore.GetPrivKey()
	if err != nil {
		d.logger.Errorf("Failed to get signing key: %v", err)
		return
	}

	if err = d.sender.Send(privKey, qs.inboxUrl, qs.activity); err != nil {
		d.logger.Warnf("Failed to deliver %s activity to %s: %v", qs.activity.Type, qs.inboxUrl, err)
	}
}
