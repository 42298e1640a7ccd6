package gridhub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/sourcegraph/conc"
	"golang.org/x/exp/maps"
)

type HubSettings struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingTimeout:    20 * time.Second,
		SendBufferSize: 16,
	}
}

// one live client channel. implementations must not block Send on a slow peer.
type Subscriber interface {
	SubscriberId() string
	// Send queues one message for delivery. an error marks the subscriber dead.
	Send(message []byte) error
	Close()
}

// Hub maps each dataset to its set of live subscribers.
// the state lock is the single critical section for all registry access and is
// never held across a network send.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings

	stateLock   sync.Mutex
	subscribers map[int64]map[Subscriber]bool
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, DefaultHubSettings())
}

func NewHub(ctx context.Context, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		subscribers: map[int64]map[Subscriber]bool{},
	}
}

func (self *Hub) Settings() *HubSettings {
	return self.settings
}

func (self *Hub) Subscribe(datasetId int64, subscriber Subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	set, ok := self.subscribers[datasetId]
	if !ok {
		set = map[Subscriber]bool{}
		self.subscribers[datasetId] = set
	}
	set[subscriber] = true

	metricSubscribers.Inc()
	glog.V(2).Infof("[hub]subscribe %s dataset=%d n=%d\n", subscriber.SubscriberId(), datasetId, len(set))
}

func (self *Hub) Unsubscribe(datasetId int64, subscriber Subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.removeSubscriber(datasetId, subscriber)
}

// assumes the state lock is held.
// drops the dataset entry when its set empties so the registry cannot grow
// unbounded over the life of the process.
func (self *Hub) removeSubscriber(datasetId int64, subscriber Subscriber) {
	set, ok := self.subscribers[datasetId]
	if !ok {
		return
	}
	if _, ok := set[subscriber]; !ok {
		return
	}
	delete(set, subscriber)
	if len(set) == 0 {
		delete(self.subscribers, datasetId)
	}

	metricSubscribers.Dec()
	glog.V(2).Infof("[hub]unsubscribe %s dataset=%d n=%d\n", subscriber.SubscriberId(), datasetId, len(set))
}

func (self *Hub) SubscriberCount(datasetId int64) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscribers[datasetId])
}

// Broadcast delivers the message to every current subscriber of the dataset,
// best effort. one dead subscriber never delays or fails delivery to the rest,
// and never surfaces to the caller. dead subscribers are pruned afterward in a
// single registry update.
func (self *Hub) Broadcast(datasetId int64, message Message) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[hub]broadcast encode error dataset=%d = %s\n", datasetId, err)
		return
	}

	self.stateLock.Lock()
	set, ok := self.subscribers[datasetId]
	if !ok || len(set) == 0 {
		self.stateLock.Unlock()
		return
	}
	snapshot := maps.Keys(set)
	self.stateLock.Unlock()

	deadLock := sync.Mutex{}
	dead := []Subscriber{}

	wg := conc.NewWaitGroup()
	for _, subscriber := range snapshot {
		subscriber := subscriber
		wg.Go(func() {
			if err := subscriber.Send(messageBytes); err != nil {
				glog.Infof("[hub]drop %s dataset=%d = %s\n", subscriber.SubscriberId(), datasetId, err)
				deadLock.Lock()
				dead = append(dead, subscriber)
				deadLock.Unlock()
			}
		})
	}
	wg.Wait()

	metricBroadcasts.With(messageLabels(message)).Inc()

	if 0 < len(dead) {
		metricBroadcastDrops.Add(float64(len(dead)))
		self.stateLock.Lock()
		for _, subscriber := range dead {
			self.removeSubscriber(datasetId, subscriber)
		}
		self.stateLock.Unlock()
		for _, subscriber := range dead {
			subscriber.Close()
		}
	}
}

func (self *Hub) Close() {
	self.cancel()

	self.stateLock.Lock()
	all := []Subscriber{}
	for datasetId, set := range self.subscribers {
		for subscriber := range set {
			all = append(all, subscriber)
		}
		delete(self.subscribers, datasetId)
	}
	self.stateLock.Unlock()

	metricSubscribers.Sub(float64(len(all)))
	for _, subscriber := range all {
		subscriber.Close()
	}
}
