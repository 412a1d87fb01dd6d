package absinthews

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Control topic wire contract.
const (
	// DefaultControlTopic is the topic Absinthe multiplexes all
	// subscription traffic over.
	DefaultControlTopic = "__absinthe__:control"

	docEvent         = "doc"
	unsubscribeEvent = "unsubscribe"
	dataEvent        = "subscription:data"
)

// DocumentPush is a subscribe request for one document. Variables already
// include the injected correlation field.
type DocumentPush struct {
	Operation string                 `json:"operation"`
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// SubscribeAck is the acknowledgment of a document push. SubscriptionID is
// set iff Status is AckOK. Payload carries the raw server response on error
// acks, for logging.
type SubscribeAck struct {
	Status         AckStatus
	SubscriptionID string
	Payload        json.RawMessage
}

// DataEvent is a server-pushed result for one server subscription id. Result
// is kept verbatim.
type DataEvent struct {
	SubscriptionID string          `json:"subscriptionId"`
	Result         json.RawMessage `json:"result"`
}

// ControlChannel is the transport-side collaborator of a Translator: a single
// joined topic through which subscribe pushes, unsubscribes and server-pushed
// data events flow. Implementations must invoke the ack continuation of
// PushDocument exactly once and must dispatch data events sequentially.
type ControlChannel interface {
	// PushDocument requests a subscription for the document. ack fires
	// with the server-assigned subscription id, or with an error or
	// timeout status.
	PushDocument(doc DocumentPush, ack func(SubscribeAck)) error

	// PushUnsubscribe cancels the server-side subscription. No
	// acknowledgment is required.
	PushUnsubscribe(subscriptionID string) error

	// OnData registers the handler for server-pushed data events.
	OnData(handler func(DataEvent))
}

type subscribeResponse struct {
	SubscriptionID string `json:"subscriptionId"`
}

type unsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// controlChannel presents the ControlChannel contract on top of a joined
// Phoenix channel.
type controlChannel struct {
	channel *Channel
	logger  *log.Entry
}

// NewControlChannel wraps a joined Phoenix channel as a ControlChannel.
func NewControlChannel(channel *Channel) ControlChannel {
	return &controlChannel{
		channel: channel,
		logger:  NewLogger("control/" + channel.Topic()),
	}
}

func (c *controlChannel) PushDocument(doc DocumentPush, ack func(SubscribeAck)) error {
	return c.channel.Push(docEvent, doc, func(pushAck PushAck) {
		if pushAck.Status != AckOK {
			ack(SubscribeAck{Status: pushAck.Status, Payload: pushAck.Response})
			return
		}

		response := subscribeResponse{}
		if err := json.Unmarshal(pushAck.Response, &response); err != nil || response.SubscriptionID == "" {
			c.logger.WithFields(log.Fields{
				"response": string(pushAck.Response),
			}).Warn("Subscribe ack without subscription id")
			ack(SubscribeAck{Status: AckError, Payload: pushAck.Response})
			return
		}
		ack(SubscribeAck{Status: AckOK, SubscriptionID: response.SubscriptionID})
	})
}

func (c *controlChannel) PushUnsubscribe(subscriptionID string) error {
	return c.channel.Push(unsubscribeEvent, unsubscribePayload{SubscriptionID: subscriptionID}, nil)
}

func (c *controlChannel) OnData(handler func(DataEvent)) {
	c.channel.On(dataEvent, func(payload json.RawMessage) {
		event := DataEvent{}
		if err := json.Unmarshal(payload, &event); err != nil {
			c.logger.WithFields(log.Fields{
				"err": err,
			}).Warn("Discarding malformed data event")
			return
		}
		if event.SubscriptionID == "" {
			c.logger.Warn(fmt.Sprintf("Discarding data event without subscription id: %s", string(payload)))
			return
		}
		handler(event)
	})
}
