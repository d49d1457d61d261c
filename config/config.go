package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig is the full runtime configuration of one gateway instance.
// Everything comes from the environment; nothing is read after startup.
type AppConfig struct {
	Host       string `envconfig:"HOST" default:"0.0.0.0"`
	Port       int    `envconfig:"PORT" default:"8090"`
	InstanceID string `envconfig:"INSTANCE_ID"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPoolSize int    `envconfig:"REDIS_POOL_SIZE" default:"16"`

	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS" default:"127.0.0.1:9092"`
	KafkaPartitions   int32    `envconfig:"KAFKA_PARTITIONS" default:"8"`
	KafkaReplication  int16    `envconfig:"KAFKA_REPLICATION" default:"1"`
	KafkaRetries      int      `envconfig:"KAFKA_RETRIES" default:"3"`
	KafkaGroupPrefix  string   `envconfig:"KAFKA_GROUP_PREFIX" default:"chatgate"`
	KafkaInitialReset string   `envconfig:"KAFKA_INITIAL_RESET" default:"newest"`

	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://127.0.0.1:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"chatgate"`
	MongoPoolSize int    `envconfig:"MONGO_POOL_SIZE" default:"32"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	ServiceTTL        time.Duration `envconfig:"SERVICE_TTL" default:"60s"`
	PresenceTTL       time.Duration `envconfig:"PRESENCE_TTL" default:"120s"`
	SessionTTL        time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"20s"`

	MaxContentLength int `envconfig:"MAX_CONTENT_LENGTH" default:"4096"`
	SendQueueSize    int `envconfig:"SEND_QUEUE_SIZE" default:"256"`
}

func Load() (*AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "gw-" + uuid.NewString()[:8]
	}
	return &cfg, nil
}

// Addr is the listen address of the local HTTP/WS server.
func (c *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
