package absinthews

import (
	"encoding/json"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeControlChannel records pushes and lets tests drive acknowledgments and
// data events by hand.
type fakeControlChannel struct {
	docs         []DocumentPush
	acks         []func(SubscribeAck)
	unsubscribes []string
	handler      func(DataEvent)
	pushErr      error
}

func (c *fakeControlChannel) PushDocument(doc DocumentPush, ack func(SubscribeAck)) error {
	if c.pushErr != nil {
		return c.pushErr
	}
	c.docs = append(c.docs, doc)
	c.acks = append(c.acks, ack)
	return nil
}

func (c *fakeControlChannel) PushUnsubscribe(subscriptionID string) error {
	c.unsubscribes = append(c.unsubscribes, subscriptionID)
	return nil
}

func (c *fakeControlChannel) OnData(handler func(DataEvent)) {
	c.handler = handler
}

func (c *fakeControlChannel) ackLast(status AckStatus, subscriptionID string) {
	ack := c.acks[len(c.acks)-1]
	c.acks = c.acks[:len(c.acks)-1]
	ack(SubscribeAck{Status: status, SubscriptionID: subscriptionID})
}

func (c *fakeControlChannel) publish(subscriptionID string, result interface{}) {
	raw, err := json.Marshal(result)
	Expect(err).ToNot(HaveOccurred())
	c.handler(DataEvent{SubscriptionID: subscriptionID, Result: raw})
}

func startMessage(id, query string, variables map[string]interface{}) []byte {
	raw, err := json.Marshal(OperationMessage{
		ID:   id,
		Type: "start",
		Payload: StartMessagePayload{
			Query:     query,
			Variables: variables,
		},
	})
	Expect(err).ToNot(HaveOccurred())
	return raw
}

func stopMessage(id string) []byte {
	return []byte(fmt.Sprintf(`{"type":"stop","id":%q}`, id))
}

var _ = Describe("Translator", func() {
	var (
		channel *fakeControlChannel
		sent    []OperationMessage
		t       *Translator
	)

	const orderQuery = "subscription OnOrder { orderCreated { id } }"

	sentOfType := func(messageType string) []OperationMessage {
		out := []OperationMessage{}
		for _, msg := range sent {
			if msg.Type == messageType {
				out = append(out, msg)
			}
		}
		return out
	}

	BeforeEach(func() {
		channel = &fakeControlChannel{}
		sent = nil
		t = NewTranslator(TranslatorConfig{
			Channel: channel,
			Send: func(msg OperationMessage) {
				sent = append(sent, msg)
			},
		})
	})

	Describe("start", func() {
		It("registers a pending record and pushes the document", func() {
			err := t.HandleMessage(startMessage("1", orderQuery, map[string]interface{}{"region": "eu"}))
			Expect(err).ToNot(HaveOccurred())

			Expect(channel.docs).To(HaveLen(1))
			Expect(channel.docs[0].Query).To(Equal(orderQuery))
			Expect(channel.docs[0].Variables).To(HaveKeyWithValue("region", "eu"))
			Expect(channel.docs[0].Variables).To(HaveKeyWithValue(OperationIDVariable, "1"))
			Expect(t.Registry().Len()).To(Equal(1))
		})

		It("does not mutate the caller's variables", func() {
			variables := map[string]interface{}{"region": "eu"}
			Expect(t.HandleMessage(startMessage("1", orderQuery, variables))).To(Succeed())
			Expect(variables).ToNot(HaveKey(OperationIDVariable))
		})

		It("binds the record when the push is acknowledged", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckOK, "topic-abc")

			subs := t.Registry().ByTopic("topic-abc")
			Expect(subs).To(HaveLen(1))
			Expect(subs[0].ID).To(Equal("1"))
		})

		It("rejects a duplicate operation id and reports it", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())

			err := t.HandleMessage(startMessage("1", orderQuery, nil))
			Expect(err).To(MatchError(ErrDuplicateOperationID))
			Expect(channel.docs).To(HaveLen(1))

			errs := sentOfType("error")
			Expect(errs).To(HaveLen(1))
			Expect(errs[0].ID).To(Equal("1"))
		})

		It("rejects documents that are not subscriptions", func() {
			err := t.HandleMessage(startMessage("1", "query { me { name } }", nil))
			Expect(err).To(HaveOccurred())
			Expect(channel.docs).To(BeEmpty())
			Expect(t.Registry().Len()).To(BeZero())
			Expect(sentOfType("error")).To(HaveLen(1))
		})

		It("rejects unparsable documents", func() {
			err := t.HandleMessage(startMessage("1", "<<<not graphql>>>", nil))
			Expect(err).To(HaveOccurred())
			Expect(channel.docs).To(BeEmpty())
			Expect(sentOfType("error")).To(HaveLen(1))
		})

		It("evicts the record when the push cannot be issued", func() {
			channel.pushErr = fmt.Errorf("socket is closed")
			err := t.HandleMessage(startMessage("1", orderQuery, nil))
			Expect(err).To(HaveOccurred())
			Expect(t.Registry().Len()).To(BeZero())
			Expect(sentOfType("error")).To(HaveLen(1))
		})
	})

	Describe("failed subscribe acknowledgments", func() {
		It("evicts the record and surfaces an error acknowledgment", func() {
			var hookID string
			var hookAck SubscribeAck
			t = NewTranslator(TranslatorConfig{
				Channel: channel,
				Send: func(msg OperationMessage) {
					sent = append(sent, msg)
				},
				OnPushError: func(id string, ack SubscribeAck) {
					hookID = id
					hookAck = ack
				},
			})

			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckError, "")

			Expect(t.Registry().Len()).To(BeZero())
			errs := sentOfType("error")
			Expect(errs).To(HaveLen(1))
			Expect(errs[0].ID).To(Equal("1"))
			Expect(hookID).To(Equal("1"))
			Expect(hookAck.Status).To(Equal(AckError))
		})

		It("evicts the record on a timeout acknowledgment", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckTimeout, "")
			Expect(t.Registry().Len()).To(BeZero())
			Expect(sentOfType("error")).To(HaveLen(1))
		})
	})

	Describe("a stop racing the acknowledgment", func() {
		It("never resurrects the record", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			Expect(t.HandleMessage(stopMessage("1"))).To(Succeed())

			channel.ackLast(AckOK, "topic-abc")

			Expect(t.Registry().Len()).To(BeZero())
			Expect(t.Registry().ByTopic("topic-abc")).To(BeEmpty())
			Expect(channel.unsubscribes).To(BeEmpty())
		})

		It("sends no error for a failed acknowledgment of a stopped operation", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			Expect(t.HandleMessage(stopMessage("1"))).To(Succeed())

			channel.ackLast(AckError, "")
			Expect(sentOfType("error")).To(BeEmpty())
		})
	})

	Describe("a stale acknowledgment after stop and restart of the same id", func() {
		const userQuery = "subscription { users }"

		BeforeEach(func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			Expect(t.HandleMessage(stopMessage("1"))).To(Succeed())
			Expect(t.HandleMessage(startMessage("1", userQuery, nil))).To(Succeed())
		})

		It("never binds the restarted operation to the old document's topic", func() {
			// First push's ack arrives only now
			channel.acks[0](SubscribeAck{Status: AckOK, SubscriptionID: "topic-orders"})

			Expect(t.Registry().ByTopic("topic-orders")).To(BeEmpty())
			Expect(t.Registry().Len()).To(Equal(1))

			channel.acks[1](SubscribeAck{Status: AckOK, SubscriptionID: "topic-users"})
			subs := t.Registry().ByTopic("topic-users")
			Expect(subs).To(HaveLen(1))
			Expect(subs[0].Query).To(Equal(userQuery))
		})

		It("never evicts the restarted operation on a stale failed acknowledgment", func() {
			channel.acks[0](SubscribeAck{Status: AckTimeout})

			Expect(t.Registry().Len()).To(Equal(1))
			Expect(sentOfType("error")).To(BeEmpty())

			channel.acks[1](SubscribeAck{Status: AckOK, SubscriptionID: "topic-users"})
			Expect(t.Registry().ByTopic("topic-users")).To(HaveLen(1))
		})
	})

	Describe("stop", func() {
		It("is a no-op for an unknown id", func() {
			Expect(t.HandleMessage(stopMessage("nope"))).To(Succeed())
			Expect(channel.unsubscribes).To(BeEmpty())
			Expect(t.Registry().Len()).To(BeZero())
		})

		It("does not push an unsubscribe for a pending record", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			Expect(t.HandleMessage(stopMessage("1"))).To(Succeed())
			Expect(channel.unsubscribes).To(BeEmpty())
		})

		It("unsubscribes only when the last sibling on a topic is stopped", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckOK, "topic-abc")
			Expect(t.HandleMessage(startMessage("2", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckOK, "topic-abc")

			Expect(t.HandleMessage(stopMessage("1"))).To(Succeed())
			Expect(channel.unsubscribes).To(BeEmpty())

			Expect(t.HandleMessage(stopMessage("2"))).To(Succeed())
			Expect(channel.unsubscribes).To(Equal([]string{"topic-abc"}))
		})
	})

	Describe("data events", func() {
		It("fans a result out to every bound operation, in bind order", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckOK, "topic-abc")
			Expect(t.HandleMessage(startMessage("2", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckOK, "topic-abc")

			channel.publish("topic-abc", map[string]interface{}{"order": map[string]interface{}{"id": 1}})

			data := sentOfType("data")
			Expect(data).To(HaveLen(2))
			Expect(data[0].ID).To(Equal("1"))
			Expect(data[1].ID).To(Equal("2"))
			for _, msg := range data {
				Expect(msg.Payload).To(MatchJSON(`{"order":{"id":1}}`))
			}
		})

		It("drops events without bound operations", func() {
			channel.publish("topic-abc", map[string]interface{}{"order": 1})
			Expect(sent).To(BeEmpty())
		})

		It("does not deliver to pending records", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			channel.publish("topic-abc", map[string]interface{}{"order": 1})
			Expect(sentOfType("data")).To(BeEmpty())
		})
	})

	Describe("connection_init", func() {
		It("replays one push per tracked record with the original document and id", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, map[string]interface{}{"region": "eu"}))).To(Succeed())
			channel.ackLast(AckOK, "topic-abc")
			Expect(t.HandleMessage(startMessage("2", "subscription { users }", nil))).To(Succeed())
			// record 2 stays pending

			channel.docs = nil
			Expect(t.HandleMessage([]byte(`{"type":"connection_init"}`))).To(Succeed())

			Expect(channel.docs).To(HaveLen(2))
			Expect(channel.docs[0].Query).To(Equal(orderQuery))
			Expect(channel.docs[0].Variables).To(HaveKeyWithValue(OperationIDVariable, "1"))
			Expect(channel.docs[0].Variables).To(HaveKeyWithValue("region", "eu"))
			Expect(channel.docs[1].Query).To(Equal("subscription { users }"))
			Expect(channel.docs[1].Variables).To(HaveKeyWithValue(OperationIDVariable, "2"))
			Expect(t.Registry().Len()).To(Equal(2))
		})

		It("acknowledges the connection", func() {
			Expect(t.HandleMessage([]byte(`{"type":"connection_init"}`))).To(Succeed())
			Expect(sentOfType("connection_ack")).To(HaveLen(1))
		})

		It("rebinds records when the server assigns new topics", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckOK, "topic-abc")

			Expect(t.HandleMessage([]byte(`{"type":"connection_init"}`))).To(Succeed())
			channel.ackLast(AckOK, "topic-def")

			Expect(t.Registry().ByTopic("topic-abc")).To(BeEmpty())
			Expect(t.Registry().ByTopic("topic-def")).To(HaveLen(1))
			Expect(t.Registry().Len()).To(Equal(1))
		})
	})

	Describe("connection_terminate", func() {
		It("clears every record without unsubscribe pushes", func() {
			Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
			channel.ackLast(AckOK, "topic-abc")

			Expect(t.HandleMessage([]byte(`{"type":"connection_terminate"}`))).To(Succeed())
			Expect(t.Registry().Len()).To(BeZero())
			Expect(channel.unsubscribes).To(BeEmpty())
		})
	})

	Describe("boundary validation", func() {
		It("rejects malformed JSON", func() {
			Expect(t.HandleMessage([]byte(`{not json`))).ToNot(Succeed())
		})

		It("rejects unknown message types", func() {
			err := t.HandleMessage([]byte(`{"type":"subscribe","id":"1"}`))
			Expect(err).To(MatchError(ErrUnknownMessageType))
		})

		It("rejects a start without an id", func() {
			err := t.HandleMessage([]byte(`{"type":"start","payload":{"query":"subscription { a }"}}`))
			Expect(err).To(MatchError(ErrMissingOperationID))
		})

		It("rejects a start without a payload", func() {
			err := t.HandleMessage([]byte(`{"type":"start","id":"1"}`))
			Expect(err).To(MatchError(ErrMissingPayload))
		})

		It("rejects a stop without an id", func() {
			err := t.HandleMessage([]byte(`{"type":"stop"}`))
			Expect(err).To(MatchError(ErrMissingOperationID))
		})
	})
})

var _ = Describe("Translator over InMemoryControlChannel", func() {
	const orderQuery = "subscription OnOrder { orderCreated { id } }"

	var (
		channel *InMemoryControlChannel
		sent    []OperationMessage
		t       *Translator
	)

	BeforeEach(func() {
		channel = NewInMemoryControlChannel()
		sent = nil
		t = NewTranslator(TranslatorConfig{
			Channel: channel,
			Send: func(msg OperationMessage) {
				sent = append(sent, msg)
			},
		})
	})

	It("deduplicates identical documents server-side and unsubscribes once", func() {
		Expect(t.HandleMessage(startMessage("1", orderQuery, nil))).To(Succeed())
		Expect(t.HandleMessage(startMessage("2", orderQuery, nil))).To(Succeed())

		topic1 := topicOf(t, "1")
		topic2 := topicOf(t, "2")
		Expect(topic1).To(Equal(topic2))

		Expect(channel.Publish(topic1, map[string]interface{}{"order": map[string]interface{}{"id": 1}})).To(Succeed())
		Expect(sent).To(HaveLen(2))

		Expect(t.HandleMessage(stopMessage("1"))).To(Succeed())
		Expect(channel.Subscribed(topic1)).To(BeTrue())

		Expect(t.HandleMessage(stopMessage("2"))).To(Succeed())
		Expect(channel.Subscribed(topic1)).To(BeFalse())
	})

	It("assigns distinct topics to distinct variables", func() {
		Expect(t.HandleMessage(startMessage("1", orderQuery, map[string]interface{}{"region": "eu"}))).To(Succeed())
		Expect(t.HandleMessage(startMessage("2", orderQuery, map[string]interface{}{"region": "us"}))).To(Succeed())

		Expect(topicOf(t, "1")).ToNot(Equal(topicOf(t, "2")))
	})
})

// topicOf finds the topic a started operation got bound to.
func topicOf(t *Translator, id string) string {
	for sub := range t.Registry().All() {
		if sub.ID != id {
			continue
		}
		topic, bound := sub.TopicID()
		Expect(bound).To(BeTrue())
		return topic
	}
	Fail("operation not tracked: " + id)
	return ""
}
