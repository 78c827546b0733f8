package publication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smallbiznis/publica/internal/clock"
	jobdomain "github.com/smallbiznis/publica/internal/jobqueue/domain"
	postdomain "github.com/smallbiznis/publica/internal/post/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const dispatchBatchSize = 200

type DispatcherParams struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
	Posts postdomain.Service
	Jobs  jobdomain.Service
}

// Dispatcher turns due scheduled posts into durable publish jobs. Enqueue is
// idempotent on the post id, so running it again after a crash is harmless.
type Dispatcher struct {
	log   *zap.Logger
	clock clock.Clock
	posts postdomain.Service
	jobs  jobdomain.Service
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		log:   p.Log.Named("publication.dispatcher"),
		clock: p.Clock,
		posts: p.Posts,
		jobs:  p.Jobs,
	}
}

// EnqueueDuePosts scans for scheduled posts whose time has come and enqueues
// a publish job for each. Returns how many new jobs were created.
func (d *Dispatcher) EnqueueDuePosts(ctx context.Context) (int, error) {
	now := d.clock.Now().UTC()
	posts, err := d.posts.ListDue(ctx, now, dispatchBatchSize)
	if err != nil {
		return 0, err
	}

	created := 0
	var errs []error
	for _, post := range posts {
		payload, err := json.Marshal(jobdomain.PublishPayload{PostID: post.ID, UserID: post.UserID})
		if err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", post.ID, err))
			continue
		}
		runAt := now
		if post.ScheduledAt != nil {
			runAt = post.ScheduledAt.UTC()
		}
		isNew, err := d.jobs.Enqueue(ctx, &jobdomain.Job{
			ExternalEventID: jobdomain.PublishEventID(post.ID),
			Type:            jobdomain.TypePublishPost,
			RunAt:           runAt,
			Payload:         datatypes.JSON(payload),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", post.ID, err))
			continue
		}
		if isNew {
			created++
		}
	}

	if created > 0 {
		d.log.Info("dispatched due posts", zap.Int("enqueued", created), zap.Int("scanned", len(posts)))
	}
	return created, errors.Join(errs...)
}
