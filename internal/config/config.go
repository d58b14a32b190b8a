package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort string
	Debug      bool

	// Database，为空时只在内存中保存
	DatabaseURL string

	// Redis 实时状态发布，为空时不启用
	RedisAddr     string
	RedisPassword string
	RedisLiveKey  string

	// 分组
	GroupingRadiusM float64       // 必填
	ClusterWindow   time.Duration // 0 表示不限制

	// 实时状态
	LiveStateFile      string // 为空时不写文件
	LiveEveryN         int
	LiveInterval       time.Duration
	LiveRecentWindow   time.Duration
	LiveMaxRoutePoints int
	LiveMaxGroups      int

	// 无定位检测
	NoFixPolicy     string
	NoFixBufferSize int
	NoFixMaxAge     time.Duration

	NearbyDefaultRadiusM float64
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	radius, err := requireEnvFloat("GROUPING_RADIUS_M")
	if err != nil {
		return nil, err
	}
	if radius <= 0 {
		return nil, fmt.Errorf("GROUPING_RADIUS_M must be > 0, got %v", radius)
	}

	policy, err := requireEnv("NO_FIX_POLICY")
	if err != nil {
		return nil, fmt.Errorf("%w (drop or buffer)", err)
	}

	cfg := &Config{
		ServerPort:           getEnv("PORT", "4000"),
		Debug:                getEnvBool("DEBUG", false),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisLiveKey:         getEnv("REDIS_LIVE_KEY", "roadscan:live"),
		GroupingRadiusM:      radius,
		ClusterWindow:        getEnvDuration("CLUSTER_WINDOW", 0),
		LiveStateFile:        getEnv("LIVE_STATE_FILE", "live_state.json"),
		LiveEveryN:           getEnvInt("LIVE_EVERY_N", 5),
		LiveInterval:         getEnvDuration("LIVE_INTERVAL", 2*time.Second),
		LiveRecentWindow:     getEnvDuration("LIVE_RECENT_WINDOW", 5*time.Minute),
		LiveMaxRoutePoints:   getEnvInt("LIVE_MAX_ROUTE_POINTS", 500),
		LiveMaxGroups:        getEnvInt("LIVE_MAX_GROUPS", 50),
		NoFixPolicy:          policy,
		NoFixBufferSize:      getEnvInt("NO_FIX_BUFFER_SIZE", 32),
		NoFixMaxAge:          getEnvDuration("NO_FIX_MAX_AGE", 30*time.Second),
		NearbyDefaultRadiusM: getEnvFloat("NEARBY_DEFAULT_RADIUS_M", 100),
	}

	switch cfg.NoFixPolicy {
	case "drop", "buffer":
	default:
		return nil, fmt.Errorf("NO_FIX_POLICY must be drop or buffer, got %q", cfg.NoFixPolicy)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil && !math.IsNaN(f) {
			return f
		}
	}
	return defaultValue
}

// requireEnv 没有合理默认值的参数必须显式配置
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return value, nil
}

// requireEnvFloat 同 requireEnv，值必须是数字
func requireEnvFloat(key string) (float64, error) {
	value, err := requireEnv(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) {
		return 0, fmt.Errorf("%s: invalid number %q", key, value)
	}
	return f, nil
}
