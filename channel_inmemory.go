package absinthews

import (
	"encoding/json"
	"fmt"
	"sync"
)

// InMemoryControlChannel is an in-process ControlChannel. It mimics the
// server side of the control topic, including the deduplication behavior:
// two pushed documents with the same query and variables are assigned the
// same subscription id. Useful for tests and for applications that stub the
// transport.
type InMemoryControlChannel struct {
	mutex    sync.Mutex
	nextID   int
	byDocKey map[string]string
	active   map[string]bool
	handler  func(DataEvent)
}

// NewInMemoryControlChannel creates an empty in-memory control channel.
func NewInMemoryControlChannel() *InMemoryControlChannel {
	return &InMemoryControlChannel{
		byDocKey: make(map[string]string),
		active:   make(map[string]bool),
	}
}

// docKey identifies a document for deduplication: query plus caller-supplied
// variables, with the injected correlation field ignored.
func docKey(doc DocumentPush) string {
	variables := make(map[string]interface{}, len(doc.Variables))
	for k, v := range doc.Variables {
		if k == OperationIDVariable {
			continue
		}
		variables[k] = v
	}
	encoded, _ := json.Marshal(variables)
	return doc.Query + "\x00" + string(encoded)
}

func (c *InMemoryControlChannel) PushDocument(doc DocumentPush, ack func(SubscribeAck)) error {
	c.mutex.Lock()
	key := docKey(doc)
	id, ok := c.byDocKey[key]
	if !ok {
		c.nextID++
		id = fmt.Sprintf("__absinthe__:doc:%d", c.nextID)
		c.byDocKey[key] = id
	}
	c.active[id] = true
	c.mutex.Unlock()

	ack(SubscribeAck{Status: AckOK, SubscriptionID: id})
	return nil
}

func (c *InMemoryControlChannel) PushUnsubscribe(subscriptionID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.active, subscriptionID)
	for key, id := range c.byDocKey {
		if id == subscriptionID {
			delete(c.byDocKey, key)
		}
	}
	return nil
}

func (c *InMemoryControlChannel) OnData(handler func(DataEvent)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handler = handler
}

// Publish pushes a result to the registered data handler, as the server
// would for the given subscription id.
func (c *InMemoryControlChannel) Publish(subscriptionID string, result interface{}) error {
	c.mutex.Lock()
	handler := c.handler
	c.mutex.Unlock()

	if handler == nil {
		return nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	handler(DataEvent{SubscriptionID: subscriptionID, Result: raw})
	return nil
}

// Subscribed reports whether the server side still holds a subscription for
// the id.
func (c *InMemoryControlChannel) Subscribed(subscriptionID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.active[subscriptionID]
	return ok
}
