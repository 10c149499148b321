package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 本包封装了 Redis 客户端与常用的在线状态键：
// - 在线集合：chat:presence:online
// - 用户设备集合：chat:presence:devices:<userId>
// 在线状态由 SSE 推送通道的连接/断开维护；仅使用轮询的用户不出现在集合中，
// 这属于正常状态（推送注册缺失即离线或轮询用户）。
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

func OnlineUsersKey() string                 { return "chat:presence:online" }
func DevicePresenceKey(userID string) string { return fmt.Sprintf("chat:presence:devices:%s", userID) }

// SetDeviceOnline/SetDeviceOffline 维护多设备在线状态：
// - 上线：写入用户设备集合 + 全局在线集合
// - 下线：从设备集合移除；若集合为空，则从全局在线集合移除
func SetDeviceOnline(ctx context.Context, userID, deviceID string) error {
	pipe := redisClient.TxPipeline()
	pipe.SAdd(ctx, DevicePresenceKey(userID), deviceID)
	pipe.SAdd(ctx, OnlineUsersKey(), userID)
	_, err := pipe.Exec(ctx)
	return err
}

func SetDeviceOffline(ctx context.Context, userID, deviceID string) error {
	if err := redisClient.SRem(ctx, DevicePresenceKey(userID), deviceID).Err(); err != nil {
		return err
	}
	if n, err := redisClient.SCard(ctx, DevicePresenceKey(userID)).Result(); err == nil {
		if n == 0 {
			_ = redisClient.SRem(ctx, OnlineUsersKey(), userID).Err()
		}
	}
	return nil
}

// OnlineDeviceCount/OnlineDevices 查询用户的在线设备信息。
func OnlineDeviceCount(ctx context.Context, userID string) (int64, error) {
	return redisClient.SCard(ctx, DevicePresenceKey(userID)).Result()
}

func OnlineDevices(ctx context.Context, userID string) ([]string, error) {
	return redisClient.SMembers(ctx, DevicePresenceKey(userID)).Result()
}
