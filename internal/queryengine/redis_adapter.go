// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queryengine

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
)

// GoRedisAdapter adapts a *redis.Client (or *redis.ClusterClient, via the
// shared redis.Cmdable interface) to RedisEvaler, translating redis.Nil into
// ErrRedisNil so the rest of this package stays free of a direct go-redis
// import.
type GoRedisAdapter struct {
	Cmdable redis.Cmdable
}

// NewGoRedisAdapter wraps cmd (typically the *redis.Client returned by
// redis.NewClient) for use as a SharedCache backend.
func NewGoRedisAdapter(cmd redis.Cmdable) *GoRedisAdapter {
	return &GoRedisAdapter{Cmdable: cmd}
}

func (a *GoRedisAdapter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return a.Cmdable.Eval(ctx, script, keys, args...).Result()
}

func (a *GoRedisAdapter) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := a.Cmdable.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRedisNil
	}
	return v, err
}
