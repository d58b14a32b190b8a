package live

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/pkg/ws"
)

// MemoryPublisher 进程内最新状态，通过原子指针整体替换
type MemoryPublisher struct {
	latest atomic.Pointer[models.LiveStatus]
}

// NewMemoryPublisher 创建内存发布者
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Name() string { return "memory" }

func (m *MemoryPublisher) Publish(_ context.Context, status *models.LiveStatus) error {
	m.latest.Store(status)
	return nil
}

// Latest 最近一次发布的状态，从未发布时返回 nil
// 返回的对象发布后不再修改，调用方不得修改
func (m *MemoryPublisher) Latest() *models.LiveStatus {
	return m.latest.Load()
}

// FilePublisher 写入 JSON 文件供外部轮询
// 先写同目录下的临时文件再重命名，读者只会看到旧文件或新文件
type FilePublisher struct {
	path string
}

// NewFilePublisher 创建文件发布者
func NewFilePublisher(path string) *FilePublisher {
	return &FilePublisher{path: path}
}

func (f *FilePublisher) Name() string { return "file" }

func (f *FilePublisher) Publish(_ context.Context, status *models.LiveStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal live status: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp live file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp live file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp live file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp live file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp live file: %w", err)
	}

	// 原子替换
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename live file: %w", err)
	}
	return nil
}

// ReadLiveFile 读取文件发布者写出的状态
func ReadLiveFile(path string) (*models.LiveStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status models.LiveStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode live file: %w", err)
	}
	return &status, nil
}

// RedisPublisher 以单个 SET 整体替换 key 的值，再 PUBLISH ride id 通知订阅者
type RedisPublisher struct {
	client  redis.UniversalClient
	key     string
	channel string
}

// NewRedisPublisher 创建 Redis 发布者，通知频道为 key + ":events"
func NewRedisPublisher(client redis.UniversalClient, key string) *RedisPublisher {
	return &RedisPublisher{client: client, key: key, channel: key + ":events"}
}

func (r *RedisPublisher) Name() string { return "redis" }

// Channel 通知频道
func (r *RedisPublisher) Channel() string { return r.channel }

func (r *RedisPublisher) Publish(ctx context.Context, status *models.LiveStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal live status: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key, data, 0)
		pipe.Publish(ctx, r.channel, status.RideID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish live status: %w", err)
	}
	return nil
}

// Load 读取当前发布的状态，key 不存在时返回 nil
func (r *RedisPublisher) Load(ctx context.Context) (*models.LiveStatus, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get live status: %w", err)
	}
	var status models.LiveStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode live status: %w", err)
	}
	return &status, nil
}

// HubPublisher 通过 WebSocket 推送给已连接的客户端
type HubPublisher struct {
	hub *ws.Hub
}

// NewHubPublisher 创建 WebSocket 发布者
func NewHubPublisher(hub *ws.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (h *HubPublisher) Name() string { return "websocket" }

func (h *HubPublisher) Publish(_ context.Context, status *models.LiveStatus) error {
	return h.hub.BroadcastMessage(ws.MsgTypeLiveUpdate, status)
}
