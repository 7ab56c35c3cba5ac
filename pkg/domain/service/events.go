package service

import (
	"github.com/sirupsen/logrus"

	"commerce/pkg/common/domain"
)

// DefaultMaxAttempts bounds optimistic compare-and-swap retries on a single
// record.
const DefaultMaxAttempts = 64

// dispatchEvents never fails the caller: a collaborator that cannot take an
// event must not undo a committed change.
func dispatchEvents(dispatcher domain.EventDispatcher, logger logrus.FieldLogger, events ...domain.Event) {
	for _, event := range events {
		if err := dispatcher.Dispatch(event); err != nil {
			logger.WithError(err).WithField("event", event.Type()).Warn("failed to dispatch event")
		}
	}
}

func attemptsOrDefault(maxAttempts int) int {
	if maxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return maxAttempts
}
