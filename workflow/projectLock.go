package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"github.com/bsm/redislock"
)

const projectLockTTL = 30 * time.Second

// AcquireProjectLock serializes structural mutations per project across
// instances. The caller must Release the returned lock. A held lock is
// reported as an error; the caller decides whether to retry.
func AcquireProjectLock(ctx context.Context, projectId int) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("ProjectMutationLock:%d", projectId)
	lock, err := locker.Obtain(ctx, lockKey, projectLockTTL, nil)
	if err == redislock.ErrNotObtained {
		return nil, fmt.Errorf("could not obtain mutation lock for project %d", projectId)
	} else if err != nil {
		return nil, err
	}
	return lock, nil
}

func ReleaseProjectLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
