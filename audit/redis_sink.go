package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig Redis 审计接收方配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 记录保留时长，0 表示不过期
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// 异步缓冲区大小，写满时丢弃并告警
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// 单条写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultRedisConfig 返回默认配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		TTL:          7 * 24 * time.Hour,
		BufferSize:   1024,
		WriteTimeout: 2 * time.Second,
	}
}

// RedisSink appends records to a per-session Redis list. Dispatch is
// asynchronous through a buffered channel so the advance path never waits on
// the network; a saturated buffer drops the record with a warning.
type RedisSink struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger

	ch        chan *Record
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewRedisSink creates the sink and starts its dispatch worker.
func NewRedisSink(client *redis.Client, config RedisConfig, logger *zap.Logger) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultRedisConfig().BufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultRedisConfig().WriteTimeout
	}
	s := &RedisSink{
		client: client,
		config: config,
		logger: logger,
		ch:     make(chan *Record, config.BufferSize),
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Key returns the Redis key holding a session's records.
func Key(sessionID string) string {
	return "flowdialog:audit:" + sessionID
}

// Record queues the entry for asynchronous delivery. Never blocks.
func (s *RedisSink) Record(_ context.Context, rec *Record) {
	select {
	case <-s.closed:
		return
	default:
	}
	cp := *rec
	select {
	case s.ch <- &cp:
	default:
		s.logger.Warn("audit buffer full, record dropped",
			zap.String("session_id", rec.SessionID),
			zap.String("stage", string(rec.Stage)))
	}
}

func (s *RedisSink) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.ch:
			s.write(rec)
		case <-s.closed:
			// 排空剩余缓冲后退出
			for {
				select {
				case rec := <-s.ch:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *RedisSink) write(rec *Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("audit record marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	key := Key(rec.SessionID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, payload)
	if s.config.TTL > 0 {
		pipe.Expire(ctx, key, s.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// 尽力而为：审计失败绝不影响推进
		s.logger.Warn("audit record write failed",
			zap.String("session_id", rec.SessionID),
			zap.Error(err))
	}
}

// Close drains the buffer and stops the worker.
func (s *RedisSink) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
}
