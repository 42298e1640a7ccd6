package gridhub

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errSubscriberClosed = errors.New("subscriber closed")
var errSendBufferFull = errors.New("send buffer full")

// WsSubscriber pumps hub messages out to one websocket client.
// the live channel is receive-mostly: the read pump exists only to notice
// disconnects and answer keepalives, client frames are discarded.
type WsSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	subscriberId string
	datasetId    int64
	ws           *websocket.Conn
	send         chan []byte

	settings *HubSettings
}

func NewWsSubscriber(
	ctx context.Context,
	datasetId int64,
	ws *websocket.Conn,
	settings *HubSettings,
) *WsSubscriber {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscriber := &WsSubscriber{
		ctx:          cancelCtx,
		cancel:       cancel,
		subscriberId: uuid.NewString(),
		datasetId:    datasetId,
		ws:           ws,
		send:         make(chan []byte, settings.SendBufferSize),
		settings:     settings,
	}
	go subscriber.writePump()
	go subscriber.readPump()
	return subscriber
}

func (self *WsSubscriber) SubscriberId() string {
	return self.subscriberId
}

func (self *WsSubscriber) DatasetId() int64 {
	return self.datasetId
}

// Send never waits on the peer. a full buffer means the consumer is too slow
// to keep a live view and the subscriber should be evicted, not retried.
func (self *WsSubscriber) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return errSubscriberClosed
	default:
	}

	select {
	case self.send <- message:
		return nil
	default:
		return errSendBufferFull
	}
}

func (self *WsSubscriber) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *WsSubscriber) Close() {
	self.cancel()
}

func (self *WsSubscriber) writePump() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.send:
			if !ok {
				return
			}

			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a deadline timeout on a websocket cannot be recovered
				glog.Infof("[sub]%s-> error = %s\n", self.subscriberId, err)
				return
			}
			glog.V(2).Infof("[sub]%s->\n", self.subscriberId)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *WsSubscriber) readPump() {
	defer self.cancel()

	self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		// edits flow through the request channel, not the live channel.
		// any inbound frame just refreshes the read deadline.
		if _, _, err := self.ws.ReadMessage(); err != nil {
			glog.V(2).Infof("[sub]%s<- closed = %s\n", self.subscriberId, err)
			return
		}
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	}
}
