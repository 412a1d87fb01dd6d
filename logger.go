package absinthews

import (
	log "github.com/sirupsen/logrus"
)

// NewLogger returns a logger entry tagged with the given subsystem prefix.
func NewLogger(prefix string) *log.Entry {
	return log.WithField("subsystem", prefix)
}
