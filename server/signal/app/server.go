package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "rtc_server/server/common/auth"
	"rtc_server/server/common/infra/cache"
	"rtc_server/server/common/infra/db"
	"rtc_server/server/common/infra/mq"
	"rtc_server/server/common/infra/object"
	commonlog "rtc_server/server/common/log"
	"rtc_server/server/common/security"
	"rtc_server/server/signal/api"
	"rtc_server/server/signal/repository"
	"rtc_server/server/signal/service"
)

type Server struct {
	HTTPServer *http.Server
	Registry   *service.Registry
	Calls      *service.CallMachine
	Recorder   *service.AsyncRecorder
	Redis      *redis.Client
	Postgres   *pgxpool.Pool
	MQConn     *amqp.Connection
	Publisher  *mq.Publisher
	Pebble     *repository.PebbleHistoryStore

	stopRetention context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Server{}
	ok := false
	defer func() {
		if !ok {
			_ = s.Shutdown(context.Background())
		}
	}()

	if cfg.Store == StorePostgres || cfg.HistoryBackend == StorePostgres {
		pool, err := db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s.Postgres = pool
		schema := append([]string{}, repository.ConversationSchema...)
		schema = append(schema, repository.HistorySchema...)
		if err := db.Migrate(ctx, pool, schema...); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}

	var conversations service.ConversationStore
	switch cfg.Store {
	case StorePostgres:
		conversations = repository.NewConversationRepository(s.Postgres)
	case StoreMemory:
		conversations = repository.NewMemoryConversationStore()
	default:
		return nil, fmt.Errorf("unknown RTC_STORE %q", cfg.Store)
	}

	var presenceStore service.PresenceStore = repository.NewMemoryPresenceStore()
	if cfg.UseRedis {
		client, err := cache.Open(ctx, cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.Redis = client
		presenceStore = repository.NewRedisPresenceStore(s.Redis, cfg.PresenceTTL)
	}

	var publisher service.EventPublisher
	if cfg.UseMQ {
		conn, err := mq.Dial(cfg.LavinMQURL, "rtc-signal")
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.MQConn = conn
		s.Publisher, err = mq.NewPublisher(conn, mq.DefaultExchange)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		publisher = s.Publisher
	}

	var (
		mediaSvc *service.MediaService
		preparer service.MediaPreparer
	)
	if cfg.MediaEnabled {
		client, err := object.Open(ctx, object.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		mediaSvc = service.NewMediaService(client, cfg.MinIOBucket)
		preparer = mediaSvc
	}

	historyBackend, err := s.openHistoryBackend(cfg)
	if err != nil {
		return nil, err
	}
	cipher, err := historyCipher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	history := service.NewHistoryService(historyBackend, cipher)
	s.Recorder = service.NewAsyncRecorder(history, cfg.HistoryQueueSize)

	var retention *service.RetentionScheduler
	if cfg.HistoryRetentionDays > 0 {
		retention, err = service.NewRetentionScheduler(history, cfg.HistoryRetentionCron, time.Duration(cfg.HistoryRetentionDays)*24*time.Hour)
		if err != nil {
			return nil, err
		}
		s.stopRetention = retention.Start(context.Background())
	}

	s.Registry = service.NewRegistry()
	chat := service.NewChatService(conversations, s.Registry, preparer, publisher)
	presence := service.NewPresenceTracker(s.Registry, presenceStore, service.NewInterestIndex(chat), publisher)
	s.Calls = service.NewCallMachine(s.Registry, s.Recorder, publisher, service.CallMachineConfig{
		RingTimeout:       cfg.RingTimeout,
		ResolvedRetention: cfg.ResolvedRetention,
	})
	// presence first: a disconnect is visible as offline before the call ends
	s.Registry.AddListener(presence)
	s.Registry.AddListener(s.Calls)

	relay := service.NewRelay(s.Registry)
	dispatcher := service.NewDispatcher(chat, s.Calls, relay, presence)
	gateway := service.NewGateway(s.Registry, dispatcher, service.WSClientConfig{
		SendBuffer: cfg.WSSendBuffer,
		RateLimit:  cfg.WSRateLimit,
		RateBurst:  cfg.WSRateBurst,
	})

	h := api.NewHandler(api.Deps{
		Registry:  s.Registry,
		Presence:  presence,
		Chat:      chat,
		Calls:     s.Calls,
		History:   history,
		Media:     mediaSvc,
		Retention: retention,
		Gateway:   gateway,
		Auth:      commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes),
		DevTokens: cfg.DevTokenEnabled,
	})
	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	commonlog.Infof("event=server action=init status=ok store=%s history_backend=%s cipher=%s redis=%t mq=%t media=%t", cfg.Store, cfg.HistoryBackend, cipher.Name(), cfg.UseRedis, cfg.UseMQ, cfg.MediaEnabled)
	ok = true
	return s, nil
}

func (s *Server) openHistoryBackend(cfg Config) (service.HistoryBackend, error) {
	switch cfg.HistoryBackend {
	case StorePebble:
		store, err := repository.OpenPebbleHistoryStore(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		s.Pebble = store
		return store, nil
	case StorePostgres:
		return repository.NewPostgresHistoryStore(s.Postgres), nil
	case StoreMemory:
		return repository.NewMemoryHistoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown HISTORY_BACKEND %q", cfg.HistoryBackend)
	}
}

// historyCipher builds the at-rest cipher. Outside prod a missing key falls
// back to a random one, so history does not survive a restart.
func historyCipher(ctx context.Context, cfg Config) (security.Cipher, error) {
	var key []byte
	if strings.TrimSpace(cfg.HistoryKey) == "" {
		if cfg.Env == "prod" {
			return nil, fmt.Errorf("HISTORY_KEY is required in prod")
		}
		key = make([]byte, security.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		commonlog.Warnf("event=server action=history_key status=ephemeral reason=HISTORY_KEY unset")
	} else {
		var err error
		key, err = security.ParseKey(cfg.HistoryKey)
		if err != nil {
			return nil, err
		}
	}
	return security.New(ctx, cfg.HistoryCipher, key, cfg.HistoryKeyID)
}

// Shutdown stops HTTP and the ring timers before draining the history
// recorder.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.HTTPServer != nil {
		err = s.HTTPServer.Shutdown(ctx)
	}
	if s.stopRetention != nil {
		s.stopRetention()
	}
	if s.Calls != nil {
		s.Calls.Close()
	}
	if s.Recorder != nil {
		s.Recorder.Close()
	}
	if s.Pebble != nil {
		_ = s.Pebble.Close()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Postgres != nil {
		s.Postgres.Close()
	}
	return err
}
