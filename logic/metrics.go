package logic

import (
	"fedipost/shared"
	"github.com/prometheus/client_golang/prometheus"
	"time"
)

type IMetrics interface {
	StartApubRequestIn(label string) IRequestObserver
	StartApubRequestOut(label string) IRequestObserver
	StartAdminRequestIn(label string) IRequestObserver
	ActivityHandled(activityType string)
	ActivitySent(activityType string)
	ServiceStarted()
	TotalFollowers(count int)
	TimelineSize(count int)
	DeliveryQueueLength(length int)
	FeedChecked()
	NewPostPublished()
}

type IRequestObserver interface {
	Finish()
}

type metrics struct {
	cfg                 *shared.Config
	apubRequestsIn      *prometheus.HistogramVec
	apubRequestsOut     *prometheus.HistogramVec
	adminRequestsIn     *prometheus.HistogramVec
	activitiesHandled   *prometheus.CounterVec
	activitiesSent      *prometheus.CounterVec
	serviceStarted      prometheus.Counter
	totalFollowers      prometheus.Gauge
	timelineSize        prometheus.Gauge
	deliveryQueueLength prometheus.Gauge
	feedsChecked        prometheus.Counter
	newPostsPublished   prometheus.Counter
}

func NewMetrics(cfg *shared.Config) IMetrics {

	res := metrics{}
	res.cfg = cfg

	res.apubRequestsIn = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "apub_requests_in_duration",
		Help: "Duration in seconds of ActivityPub requests served.",
	}, []string{"label"})
	prometheus.Register(res.apubRequestsIn)

	res.apubRequestsOut = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "apub_requests_out_duration",
		Help: "Duration in seconds of ActivityPub requests made.",
	}, []string{"label"})
	prometheus.Register(res.apubRequestsOut)

	res.adminRequestsIn = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "admin_requests_in_duration",
		Help: "Duration in seconds of admin API requests served.",
	}, []string{"label"})
	prometheus.Register(res.adminRequestsIn)

	res.activitiesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activities_handled",
		Help: "Number of inbound activities handled, by type",
	}, []string{"type"})
	prometheus.Register(res.activitiesHandled)

	res.activitiesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activities_sent",
		Help: "Number of outbound activities sent, by type",
	}, []string{"type"})
	prometheus.Register(res.activitiesSent)

	res.serviceStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "service_started",
		Help: "Service has started up",
	})
	prometheus.Register(res.serviceStarted)

	res.totalFollowers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "total_follower_count",
		Help: "Total follower count of our actor",
	})
	prometheus.Register(res.totalFollowers)

	res.timelineSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "timeline_size",
		Help: "Number of items in the reading timeline",
	})
	prometheus.Register(res.timelineSize)

	res.deliveryQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_queue_length",
		Help: "Outbound activities waiting to be delivered",
	})
	prometheus.Register(res.deliveryQueueLength)

	res.feedsChecked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeds_checked",
		Help: "Number of times the publication feed was checked",
	})
	prometheus.Register(res.feedsChecked)

	res.newPostsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "new_posts_published",
		Help: "Number of new publication posts federated",
	})
	prometheus.Register(res.newPostsPublished)

	return &res
}

type requestObserver struct {
	label string
	start time.Time
	hgvec *prometheus.HistogramVec
}

func (ro *requestObserver) Finish() {
	now := time.Now()
	elapsed := float64(now.UnixMilli()-ro.start.UnixMilli()) / 1000.0
	ro.hgvec.WithLabelValues(ro.label).Observe(elapsed)
}

func (m *metrics) StartApubRequestIn(label string) IRequestObserver {
	return &requestObserver{label, time.Now(), m.apubRequestsIn}
}

func (m *metrics) StartApubRequestOut(label string) IRequestObserver {
	return &requestObserver{label, time.Now(), m.apubRequestsOut}
}

func (m *metrics) StartAdminRequestIn(label string) IRequestObserver {
	return &requestObserver{label, time.Now(), m.adminRequestsIn}
}

func (m *metrics) ActivityHandled(activityType string) {
	m.activitiesHandled.WithLabelValues(activityType).Add(1)
}

func (m *metrics) ActivitySent(activityType string) {
	m.activitiesSent.WithLabelValues(activityType).Add(1)
}

func (m *metrics) ServiceStarted() {
	m.serviceStarted.Add(1)
}

func (m *metrics) TotalFollowers(count int) {
	m.totalFollowers.Set(float64(count))
}

func (m *metrics) TimelineSize(count int) {
	m.timelineSize.Set(float64(count))
}

func (m *metrics) DeliveryQueueLength(length int) {
	m.deliveryQueueLength.Set(float64(length))
}

func (m *metrics) FeedChecked() {
	m.feedsChecked.Add(1)
}

func (m *metrics) NewPostPublished() {
	m.newPostsPublished.Add(1)
}
