package absinthews

import (
	log "github.com/sirupsen/logrus"
)

// resubscribeAll replays the subscribe push for every tracked record, pending
// or bound, in registration order. Driven only by connection_init, after the
// control topic has been (re)joined. No records are cleared or recreated: the
// acknowledgments flow back through the normal bind path, and rebinding
// overwrites a record's topic id when the server assigns a different one
// after reconnection.
func (t *Translator) resubscribeAll() {
	replayed := 0
	for sub := range t.registry.All() {
		if err := t.pushSubscribe(sub); err != nil {
			t.logger.WithFields(log.Fields{
				"id":  sub.ID,
				"err": err,
			}).Warn("Resubscribe push failed")
			continue
		}
		replayed++
	}

	if replayed > 0 {
		t.logger.WithFields(log.Fields{
			"count": replayed,
		}).Info("Resubscribed")
	}
}
