package queue

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/observability"
)

// Recoverable is a queue whose admitted entries can be put back to WAITING
type Recoverable interface {
	Name() string
	ResetInProgress(ctx context.Context) (int, error)
}

var (
	_ Recoverable = (*JobQueue)(nil)
	_ Recoverable = (*RerunQueue)(nil)
)

// Bootstrap resets every entry left IN_PROGRESS by a previous leader so that
// it can be admitted again. It must run before the first watcher tick and
// never touches chunk tracking state.
func Bootstrap(ctx context.Context, log logrus.FieldLogger, queues ...Recoverable) (int, error) {
	var total int

	for _, q := range queues {
		count, err := q.ResetInProgress(ctx)
		if err != nil {
			return total, fmt.Errorf("failed to recover %s queue: %w", q.Name(), err)
		}

		if count > 0 {
			log.WithFields(logrus.Fields{
				"queue": q.Name(),
				"count": count,
			}).Info("Recovered abandoned queue entries")
		}

		observability.RecordRecovered(q.Name(), count)

		total += count
	}

	return total, nil
}
