package models

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
)

func redisModelKey[T any](id int) string {
	var v T
	return fmt.Sprintf("%T:%d", v, id)
}

// GetResource fetches a model by id with a Redis read-through cache.
// (ctx's business_id is used in query's WHERE, may return RecordNotFound)
func GetResource[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// find in redis first; association preloads bypass the cache
	if len(associations) == 0 {
		var cached T
		exists, err := config.GetRedisObject(redisModelKey[T](id), &cached)
		if err == nil && exists {
			return &cached, nil
		}
	}

	result, err := utils.FetchModel[T](ctx, businessId, id, associations...)
	if err != nil {
		return nil, err
	}

	if len(associations) == 0 {
		_ = config.SetRedisObject(redisModelKey[T](id), result, 0)
	}
	return result, nil
}

// InvalidateResourceCache drops the cached copy after a mutation.
func InvalidateResourceCache[T any](id int) {
	_ = config.RemoveRedisKey(redisModelKey[T](id))
}

// ToggleActiveModel flips IsActive on any model carrying the column.
func ToggleActiveModel[T any](ctx context.Context, businessId string, id int, isActive bool) (*T, error) {

	var result *T
	var err error
	db := config.GetDB()

	// fetch model before updating
	if businessId == "" {
		err = db.WithContext(ctx).First(&result, id).Error
	} else {
		err = db.WithContext(ctx).Where("business_id = ?", businessId).First(&result, id).Error
	}
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	if err := db.WithContext(ctx).Model(&result).
		UpdateColumn("IsActive", isActive).Error; err != nil {
		return nil, err
	}

	InvalidateResourceCache[T](id)
	return result, nil
}
