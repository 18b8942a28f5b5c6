package result

import (
	"context"
	"strconv"

	"golang.org/x/sync/singleflight"

	"momon/internal/deviceid"
	"momon/pkg/domain"
)

// Fetcher collapses concurrent fetches of the same record by the same
// device into one backend call, e.g. a double-clicked link or a refresh
// racing the first load.
type Fetcher struct {
	getter Getter
	group  singleflight.Group
}

// NewFetcher wraps getter.
func NewFetcher(getter Getter) *Fetcher {
	return &Fetcher{getter: getter}
}

// GetMonster implements Getter.
func (f *Fetcher) GetMonster(ctx context.Context, id int64) (domain.Monster, error) {
	key := deviceid.IDFromContext(ctx) + "|" + strconv.FormatInt(id, 10)
	ch := f.group.DoChan(key, func() (any, error) {
		return f.getter.GetMonster(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Monster{}, res.Err
		}
		return res.Val.(domain.Monster), nil
	case <-ctx.Done():
		return domain.Monster{}, ctx.Err()
	}
}
