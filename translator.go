package absinthews

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// SendFunc delivers an outbound client-protocol message. It must be safe for
// concurrent use: data messages are emitted from the transport's event
// dispatch while start/stop handling may run on the caller's goroutine.
type SendFunc func(OperationMessage)

// TranslatorConfig defines the collaborators of a Translator.
type TranslatorConfig struct {
	// Channel is the control topic all subscription traffic flows over.
	Channel ControlChannel

	// Send delivers outbound client-protocol messages.
	Send SendFunc

	// OnPushError, if set, is called when a subscribe push is acknowledged
	// with an error or timeout. The record has already been evicted and an
	// error message sent by the time the hook runs.
	OnPushError func(operationID string, ack SubscribeAck)
}

// Translator bridges the GraphQL subscription client protocol onto a control
// topic. It parses inbound client-protocol messages, tracks subscription
// records in its registry, issues subscribe and unsubscribe pushes, and fans
// server-pushed data events out to the client operations bound to each server
// subscription id.
type Translator struct {
	config   TranslatorConfig
	registry *Registry
	logger   *log.Entry
}

// NewTranslator creates a translator over the given control channel. The
// translator installs itself as the channel's data event handler.
func NewTranslator(config TranslatorConfig) *Translator {
	t := &Translator{
		config:   config,
		registry: NewRegistry(),
		logger:   NewLogger("translator"),
	}
	config.Channel.OnData(t.handleData)
	return t
}

// Registry exposes the translator's subscription records, read-only by
// convention: the translator is the only writer.
func (t *Translator) Registry() *Registry {
	return t.registry
}

// HandleMessage validates one raw client-protocol message and dispatches it.
// Protocol violations (malformed messages, duplicate start ids, unsupported
// operations) are returned as errors and reported to the client as error
// messages; a stop for an unknown id is a no-op.
func (t *Translator) HandleMessage(raw []byte) error {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		return err
	}

	t.logger.WithFields(log.Fields{
		"id":   msg.ID,
		"type": msg.Type,
	}).Debug("Received message")

	switch msg.Type {
	case gqlConnectionInit:
		t.resubscribeAll()
		t.send(operationMessageForType(gqlConnectionAck))
		return nil

	case gqlStart:
		return t.handleStart(msg.ID, msg.Start)

	case gqlStop:
		t.handleStop(msg.ID)
		return nil

	case gqlConnectionTerminate:
		t.Close()
		return nil
	}

	// ParseClientMessage only lets the types above through
	return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
}

func (t *Translator) handleStart(id string, payload *StartMessagePayload) error {
	document, err := parseDocument(payload.Query)
	if err != nil {
		err = fmt.Errorf("parsing query: %w", err)
		t.sendOperationError(id, err)
		return err
	}
	if err := validateSubscriptionDocument(document); err != nil {
		t.sendOperationError(id, err)
		return err
	}

	sub, err := t.registry.RegisterPending(id, payload)
	if err != nil {
		t.sendOperationError(id, err)
		return err
	}

	t.logger.WithFields(log.Fields{
		"id":     id,
		"fields": subscriptionFieldNamesFromDocument(document),
	}).Info("Start subscription")

	if err := t.pushSubscribe(sub); err != nil {
		t.registry.Evict(sub)
		t.sendOperationError(id, err)
		return err
	}
	return nil
}

func (t *Translator) handleStop(id string) {
	sub, shouldUnsubscribe := t.registry.Remove(id)
	if sub == nil {
		// Stopping a subscription that never existed or was already
		// stopped is not an error
		t.logger.WithFields(log.Fields{
			"id": id,
		}).Debug("Stop for unknown operation")
		return
	}

	topicID, _ := sub.TopicID()
	t.logger.WithFields(log.Fields{
		"id":          id,
		"topic":       topicID,
		"unsubscribe": shouldUnsubscribe,
	}).Info("Stop subscription")

	if !shouldUnsubscribe {
		// Pending record, or another record still bound to the topic
		return
	}
	if err := t.config.Channel.PushUnsubscribe(topicID); err != nil {
		t.logger.WithFields(log.Fields{
			"topic": topicID,
			"err":   err,
		}).Warn("Unsubscribe push failed")
	}
}

// pushSubscribe issues the subscribe push for a record, pending or bound.
// The record's operation id rides along in the variables under the reserved
// correlation key; the acknowledgment binds (or rebinds) the record.
func (t *Translator) pushSubscribe(sub *Subscription) error {
	variables := make(map[string]interface{}, len(sub.Variables)+1)
	for k, v := range sub.Variables {
		variables[k] = v
	}
	variables[OperationIDVariable] = sub.ID

	doc := DocumentPush{
		Operation: sub.OperationName,
		Query:     sub.Query,
		Variables: variables,
	}

	return t.config.Channel.PushDocument(doc, func(ack SubscribeAck) {
		if ack.Status != AckOK {
			t.handlePushFailure(sub, ack)
			return
		}

		if !t.registry.Bind(sub, ack.SubscriptionID) {
			// A stop raced the acknowledgment; the record must not be
			// resurrected. If the id was restarted in the meantime the
			// registry tracks a different record, which this stale
			// acknowledgment must not bind either. The orphaned server
			// subscription is left alone: a same-document sibling may
			// share its topic, and stray data events are dropped by
			// the no-match rule.
			t.logger.WithFields(log.Fields{
				"id":    sub.ID,
				"topic": ack.SubscriptionID,
			}).Debug("Ack for removed operation")
			return
		}

		t.logger.WithFields(log.Fields{
			"id":    sub.ID,
			"topic": ack.SubscriptionID,
		}).Info("Subscription bound")
	})
}

// handlePushFailure evicts the record of a failed subscribe push and surfaces
// the failure. Nothing is left pending: without eviction the record would
// leak, invisible to the client, until the connection is torn down. Eviction
// is by record identity, so a stale failure for a stopped-and-restarted id
// leaves the restarted record untouched.
func (t *Translator) handlePushFailure(sub *Subscription, ack SubscribeAck) {
	t.logger.WithFields(log.Fields{
		"id":       sub.ID,
		"status":   ack.Status,
		"response": string(ack.Payload),
	}).Warn("Subscribe push failed")

	if !t.registry.Evict(sub) {
		// Already stopped or restarted; nothing to report
		return
	}

	t.sendOperationError(sub.ID, fmt.Errorf("subscribe push failed: %s acknowledgment", ack.Status))

	if t.config.OnPushError != nil {
		t.config.OnPushError(sub.ID, ack)
	}
}

func (t *Translator) handleData(event DataEvent) {
	subs := t.registry.ByTopic(event.SubscriptionID)
	if len(subs) == 0 {
		// Natural race after an unsubscribe in flight
		t.logger.WithFields(log.Fields{
			"topic": event.SubscriptionID,
		}).Debug("Data event without bound operations")
		return
	}

	for _, sub := range subs {
		msg := operationMessageForType(gqlData)
		msg.ID = sub.ID
		msg.Payload = event.Result
		t.send(msg)
	}
}

func (t *Translator) send(msg OperationMessage) {
	if t.config.Send == nil {
		return
	}
	t.config.Send(msg)
}

func (t *Translator) sendOperationError(id string, err error) {
	msg := operationMessageForType(gqlError)
	msg.ID = id
	msg.Payload = err.Error()
	t.send(msg)
}

// Close drops every tracked record without issuing unsubscribe pushes; the
// transport teardown releases the server-side resources.
func (t *Translator) Close() {
	t.logger.WithFields(log.Fields{
		"records": t.registry.Len(),
	}).Info("Closing translator")
	t.registry.Clear()
}
