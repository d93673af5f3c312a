package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clinical-auth/internal/audit"
	"clinical-auth/internal/biometric"
	"clinical-auth/internal/bucketing"
	"clinical-auth/internal/client"
	"clinical-auth/internal/config"
	"clinical-auth/internal/encryption"
	"clinical-auth/internal/hashing"
	"clinical-auth/internal/lockout"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
	"clinical-auth/internal/repository/memory"
	redisrepo "clinical-auth/internal/repository/redis"
	"clinical-auth/internal/repository/scylla"
	"clinical-auth/internal/service"
	"clinical-auth/internal/tls"
	"clinical-auth/internal/token"
	"clinical-auth/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

const (
	provisioningLease   = 30 * time.Second
	provisioningMaxWait = 10 * time.Second
	auditBufferSize     = 4096
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Persistence
	store      repository.CredentialStore
	subjects   service.SubjectRepository
	locker     repository.ProvisioningLocker
	challenges service.ChallengeStore

	dispatcher     *audit.Dispatcher
	issuer         *token.JWTIssuer
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeManagers(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := factory.initializePersistence(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}
	if err := factory.initializeServices(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_driver", cfg.Store.Driver),
		util.String("lockout_policy", cfg.Lockout.Policy),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients connects external services. Outside production a failed optional
// client is logged and skipped.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	// Redis backs the provisioning lock and biometric challenges for the scylla driver
	if f.config.Store.Driver == "scylla" {
		if c, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}

		c, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			// the credential store is not optional
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		util.Info("ScyllaDB client initialized and healthy")
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized")
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized")
		}
	}

	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		f.kmsClient = kms.NewFromConfig(awsCfg)
		util.Info("KMS client initialized", util.String("region", f.config.KMS.Region))
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes encryption, hashing and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	if f.kmsClient != nil {
		f.encryptionManager = encryption.NewEncryptionManager(f.config, f.kmsClient)
	} else {
		f.encryptionManager = encryption.NewEncryptionManager(f.config, nil)
	}

	indexKey, err := f.encryptionManager.UnwrapIndexKey(ctx)
	if err != nil {
		return err
	}
	f.hasher, err = hashing.NewHasher(f.config, indexKey)
	if err != nil {
		return err
	}
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentPepperVersion()),
		util.Int("credential_buckets", len(f.bucketingManager.CredentialBuckets())),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
	)
	return nil
}

func (f *Factory) initializePersistence() error {
	switch f.config.Store.Driver {
	case "memory":
		util.Warn("Using the in-memory credential store; credentials are lost on restart")
		subjects := memory.NewSubjectRepository()
		if err := seedSubjects(subjects, f.config.Store.SeedSubjects); err != nil {
			return err
		}
		f.store = memory.NewCredentialStore()
		f.subjects = subjects
	case "scylla":
		f.store = scylla.NewCredentialRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager)
		f.subjects = scylla.NewSubjectRepository(f.scyllaClient)
	default:
		return fmt.Errorf("unknown store driver %q", f.config.Store.Driver)
	}

	if f.redisClient != nil {
		f.locker = redisrepo.NewProvisioningLock(f.redisClient, provisioningLease, provisioningMaxWait)
		f.challenges = redisrepo.NewChallengeCache(f.redisClient)
		return nil
	}

	// single-process coordination only
	if f.config.Store.Driver == "scylla" {
		util.Warn("Redis unavailable, provisioning lock and challenges are process-local")
	}
	f.locker = memory.NewLocker()
	f.challenges = memory.NewChallengeStore()
	return nil
}

func (f *Factory) initializeServices() error {
	policy, err := lockout.New(f.config, f.store)
	if err != nil {
		return err
	}

	f.dispatcher = audit.NewDispatcher(f.bucketingManager, util.Get(), auditBufferSize, f.auditSinks()...)

	f.issuer, err = token.NewJWTIssuer(f.config)
	if err != nil {
		return err
	}

	f.serviceFactory, err = service.NewServiceFactory(service.Dependencies{
		Store:        f.store,
		Locker:       f.locker,
		Subjects:     f.subjects,
		Challenges:   f.challenges,
		Hasher:       f.hasher,
		Verifier:     biometric.NewVerifier(),
		Lockout:      policy,
		Events:       f.dispatcher,
		Logger:       util.Get(),
		ChallengeTTL: f.config.Biometric.ChallengeTTL,
	})
	return err
}

func (f *Factory) auditSinks() []audit.Sink {
	var sinks []audit.Sink
	if f.config.Audit.LogEvents {
		sinks = append(sinks, audit.NewLogSink(util.Get()))
	}
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.BatchSize, f.config.Clickhouse.FlushInterval, util.Get())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sink.EnsureSchema(ctx)
		cancel()
		if err != nil {
			util.Warn("ClickHouse audit table unavailable, sink disabled", util.ErrorField(err))
			sink.Close()
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

func seedSubjects(repo *memory.SubjectRepository, entries []string) error {
	for _, entry := range entries {
		typ, id, ok := strings.Cut(entry, ":")
		subjectType := models.SubjectType(typ)
		if !ok || id == "" || !subjectType.IsValid() {
			return fmt.Errorf("invalid seed subject %q, want type:id", entry)
		}
		repo.Put(subjectType, id, true)
	}
	if len(entries) > 0 {
		util.Info("Seeded subjects", util.Int("count", len(entries)))
	}
	return nil
}

// HealthCheck returns the failing dependencies by name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else if f.config.Store.Driver == "scylla" {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		// drain audit events before the sinks' clients go away
		if f.dispatcher != nil {
			f.dispatcher.Close()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			if err := f.esClient.Close(); err != nil {
				util.Error("Failed to close Elasticsearch client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) TokenIssuer() token.Issuer {
	return f.issuer
}
