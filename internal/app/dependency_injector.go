package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/you-humble/fileflow/internal/distributor"
	"github.com/you-humble/fileflow/internal/domain"
	"github.com/you-humble/fileflow/internal/guard"
	"github.com/you-humble/fileflow/internal/hooks"
	"github.com/you-humble/fileflow/internal/infra/config"
	"github.com/you-humble/fileflow/internal/infra/deadletter"
	"github.com/you-humble/fileflow/internal/infra/idempotency"
	"github.com/you-humble/fileflow/internal/infra/logger"
	"github.com/you-humble/fileflow/internal/infra/notify"
	"github.com/you-humble/fileflow/internal/infra/queue"
	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
	taskstore "github.com/you-humble/fileflow/internal/infra/store/task"
	mio "github.com/you-humble/fileflow/internal/libs/minio"
	natsq "github.com/you-humble/fileflow/internal/libs/nats"
	rediscli "github.com/you-humble/fileflow/internal/libs/redis"
	"github.com/you-humble/fileflow/internal/plugin"
	"github.com/you-humble/fileflow/internal/plugin/builtin"
	"github.com/you-humble/fileflow/internal/plugin/remote"
	"github.com/you-humble/fileflow/internal/runner"
	"github.com/you-humble/fileflow/internal/sweeper"
	"github.com/you-humble/fileflow/internal/transport"
	"github.com/you-humble/fileflow/internal/usecase"
)

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

// TaskStore is everything the processes need from the task store.
type TaskStore interface {
	usecase.TaskStore
	runner.TaskStore
	sweeper.TaskStore
	guard.IDSource
}

type Notifier interface {
	runner.Notifier
	hooks.Publisher
}

type DeadLetters interface {
	distributor.DeadLetters
	usecase.DeadLetters
	List(ctx context.Context, limit int64) ([]domain.DeadLetterRecord, error)
}

type Usecase interface {
	transport.Usecase
	RequeueTask(ctx context.Context, taskID string) (domain.DispatchMessage, error)
}

type Distributor interface {
	Run(ctx context.Context) error
	Stop()
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	redis     *redis.Client
	taskStore TaskStore
	fileStore filestore.Storage

	natsConn *nats.Conn
	js       nats.JetStreamContext

	taskQueue   usecase.TaskQueue
	notifier    Notifier
	idempotency distributor.Idempotency
	deadLetters DeadLetters

	validator    *guard.Validator
	registryFeed *nats.Subscription
	cache        *guard.TaskCache
	lookup       *guard.Lookup

	builtins    *plugin.Registry
	registry    *plugin.Registry
	pluginConns []*grpc.ClientConn

	relay       *hooks.Relay
	runner      *runner.Runner
	distributor Distributor
	sweeper     *sweeper.Sweeper

	usecase Usecase
	router  Router
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(config.Path())
	}
	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		cfg := di.Config()
		di.logger = logger.New(cfg.Log, cfg.NodeID)
		slog.SetDefault(di.logger)
	}
	return di.logger
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			User:     cfg.User,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
		if err != nil {
			log.Fatalf("DI redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

// TaskStore wires the derived-files hook only when the hooks relay was
// built first, which the worker does.
func (di *dependencyInjector) TaskStore(ctx context.Context) TaskStore {
	if di.taskStore == nil {
		var opts []taskstore.Option
		if di.relay != nil {
			opts = append(opts, taskstore.WithPostCommitHook(di.relay.OnDerived))
		}
		di.taskStore = taskstore.NewRedisTaskStore(di.RedisClient(ctx), opts...)
	}
	return di.taskStore
}

func (di *dependencyInjector) FileStore(ctx context.Context) filestore.Storage {
	if di.fileStore == nil {
		cfg := di.Config()

		switch cfg.Storage.Driver {
		case "local":
			root := cfg.Storage.LocalRoot
			if !filepath.IsAbs(root) {
				root = filepath.Join(cfg.BaseDir, root)
			}
			local, err := filestore.NewLocalStore(root)
			if err != nil {
				log.Fatalf("DI FileStore local: %+v", err)
			}
			di.fileStore = local
			di.Logger().Info("initialized local file store", slog.String("root", root))

		default:
			store, err := filestore.NewMinIOStore(ctx, mio.Config{
				Endpoint:        cfg.MinIO.Endpoint,
				AccessKeyID:     cfg.MinIO.AccessKeyID,
				SecretAccessKey: cfg.MinIO.SecretAccessKey,
				UseSSL:          cfg.MinIO.UseSSL,
				Region:          cfg.MinIO.Region,
				Bucket:          cfg.MinIO.Bucket,
			}, cfg.BaseDir)
			if err != nil {
				log.Fatalf("DI FileStore minio: %+v", err)
			}
			di.fileStore = store
			di.Logger().Info("initialized MinIO file store",
				slog.String("endpoint", cfg.MinIO.Endpoint),
				slog.String("bucket", cfg.MinIO.Bucket),
			)
		}
	}
	return di.fileStore
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config().NATS
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          cfg.Name + "-" + di.Config().NodeID,
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("DI NATS connect: %+v", err)
		}
		di.natsConn = nc
		di.Logger().Info("connected to NATS", slog.String("url", cfg.URL))
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config().NATS
		js, err := natsq.NewJetStream(
			di.NATSConn(ctx),
			queue.StreamConfig(cfg.Stream, cfg.SubjectPrefix, cfg.DuplicateWindow),
		)
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}
		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) TaskQueue(ctx context.Context) usecase.TaskQueue {
	if di.taskQueue == nil {
		cfg := di.Config().NATS
		di.taskQueue = queue.New(di.JetStream(ctx), cfg.SubjectPrefix, cfg.Partitions, cfg.DispatchDeadline)
	}
	return di.taskQueue
}

func (di *dependencyInjector) Notifier(ctx context.Context) Notifier {
	if di.notifier == nil {
		cfg := di.Config().NATS
		di.notifier = notify.New(di.NATSConn(ctx), cfg.EventsPrefix, notify.WithFlushTimeout(cfg.FlushTimeout))
	}
	return di.notifier
}

func (di *dependencyInjector) Idempotency(ctx context.Context) distributor.Idempotency {
	if di.idempotency == nil {
		di.idempotency = idempotency.New(di.RedisClient(ctx), di.Config().IdempotencyTTL)
	}
	return di.idempotency
}

func (di *dependencyInjector) DeadLetters(ctx context.Context) DeadLetters {
	if di.deadLetters == nil {
		di.deadLetters = deadletter.New(
			di.RedisClient(ctx),
			di.NATSConn(ctx),
			di.Config().NATS.DeadLetterSubject,
		)
	}
	return di.deadLetters
}

// Validator is seeded from the store and then follows registrations made
// on other nodes.
func (di *dependencyInjector) Validator(ctx context.Context) *guard.Validator {
	if di.validator == nil {
		cfg := di.Config()
		broadcaster := guard.NewNATSBroadcaster(di.NATSConn(ctx), cfg.NATS.RegistrySubject)
		v := guard.NewValidator(
			cfg.Guard.ExpectedItems,
			cfg.Guard.FalsePositiveRate,
			guard.WithRegistrationGrace(cfg.Guard.RegistrationGrace),
			guard.WithBroadcaster(broadcaster),
		)

		sub, err := broadcaster.Follow(v)
		if err != nil {
			log.Fatalf("DI validator follow: %+v", err)
		}
		n, err := guard.Seed(ctx, v, di.TaskStore(ctx))
		if err != nil {
			log.Fatalf("DI validator seed: %+v", err)
		}

		di.validator = v
		di.registryFeed = sub
		di.Logger().Info("existence validator seeded", slog.Int("tasks", n))
	}
	return di.validator
}

func (di *dependencyInjector) TaskCache() *guard.TaskCache {
	if di.cache == nil {
		cfg := di.Config().Guard
		c, err := guard.NewTaskCache(cfg.CacheTTL, cfg.AbsentTTL, cfg.CacheLimit)
		if err != nil {
			log.Fatalf("DI task cache: %+v", err)
		}
		di.cache = c
	}
	return di.cache
}

func (di *dependencyInjector) Lookup(ctx context.Context) *guard.Lookup {
	if di.lookup == nil {
		di.lookup = guard.NewLookup(di.Validator(ctx), di.TaskCache(), di.TaskStore(ctx))
	}
	return di.lookup
}

// Builtins are the steps bound to this node's storage.
func (di *dependencyInjector) Builtins(ctx context.Context) *plugin.Registry {
	if di.builtins == nil {
		r, err := plugin.NewRegistry(builtin.All(di.FileStore(ctx))...)
		if err != nil {
			log.Fatalf("DI builtin plugins: %+v", err)
		}
		di.builtins = r
	}
	return di.builtins
}

// Registry is what chains run against: the builtins plus remote plugins.
// A remote plugin replaces a builtin of the same name.
func (di *dependencyInjector) Registry(ctx context.Context) *plugin.Registry {
	if di.registry == nil {
		remotes := make(map[string]plugin.Plugin)
		for _, rp := range di.Config().Plugins.Remote {
			client, conn, err := remote.Dial(rp.Name, rp.Target, rp.Timeout)
			if err != nil {
				log.Fatalf("DI remote plugin: %+v", err)
			}
			di.pluginConns = append(di.pluginConns, conn)
			remotes[rp.Name] = client
			di.Logger().Info("remote plugin configured",
				slog.String("plugin", rp.Name),
				slog.String("target", rp.Target),
			)
		}

		var all []plugin.Plugin
		for _, p := range builtin.All(di.FileStore(ctx)) {
			if _, ok := remotes[p.Name()]; !ok {
				all = append(all, p)
			}
		}
		for _, p := range remotes {
			all = append(all, p)
		}

		r, err := plugin.NewRegistry(all...)
		if err != nil {
			log.Fatalf("DI plugins: %+v", err)
		}
		di.registry = r
	}
	return di.registry
}

func (di *dependencyInjector) Relay() *hooks.Relay {
	if di.relay == nil {
		cfg := di.Config().Hooks
		di.relay = hooks.NewRelay(
			di.Notifier(context.Background()),
			cfg.QueueCapacity,
			cfg.PoolSize,
			cfg.MaxRetries,
		)
	}
	return di.relay
}

func (di *dependencyInjector) Runner(ctx context.Context) *runner.Runner {
	if di.runner == nil {
		cfg := di.Config()
		di.runner = runner.New(
			di.TaskStore(ctx),
			di.Registry(ctx),
			di.Notifier(ctx),
			filepath.Join(cfg.BaseDir, "work"),
			cfg.Runner,
			di.Logger(),
		)
	}
	return di.runner
}

func (di *dependencyInjector) Distributor(ctx context.Context) Distributor {
	if di.distributor == nil {
		cfg := di.Config()
		di.distributor = distributor.New(
			di.JetStream(ctx),
			cfg.NATS,
			cfg.NodeID,
			di.Runner(ctx),
			di.Idempotency(ctx),
			di.DeadLetters(ctx),
		)
	}
	return di.distributor
}

func (di *dependencyInjector) Sweeper(ctx context.Context) *sweeper.Sweeper {
	if di.sweeper == nil {
		di.sweeper = sweeper.New(
			di.TaskStore(ctx),
			di.FileStore(ctx),
			di.Lookup(ctx),
			di.Notifier(ctx),
		)
	}
	return di.sweeper
}

func (di *dependencyInjector) Usecase(ctx context.Context) Usecase {
	if di.usecase == nil {
		cfg := di.Config()
		di.usecase = usecase.New(
			cfg.TaskTTL,
			di.TaskStore(ctx),
			di.Lookup(ctx),
			di.FileStore(ctx),
			di.TaskQueue(ctx),
			di.Registry(ctx),
			usecase.WithNotifier(di.Notifier(ctx)),
			usecase.WithDeadLetters(di.DeadLetters(ctx)),
		)
	}
	return di.usecase
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(
			transport.NewHandler(di.Config().MaxUploadBytesMb, di.Usecase(ctx)),
		)
	}
	return di.router
}

// Close releases whatever connections were opened.
func (di *dependencyInjector) Close() {
	l := di.Logger()
	for _, conn := range di.pluginConns {
		if err := conn.Close(); err != nil {
			l.Warn("close plugin connection", slog.String("error", err.Error()))
		}
	}
	if di.registryFeed != nil {
		if err := di.registryFeed.Drain(); err != nil {
			l.Warn("drain registry feed", slog.String("error", err.Error()))
		}
	}
	if di.natsConn != nil {
		if err := di.natsConn.Drain(); err != nil {
			l.Warn("drain NATS connection", slog.String("error", err.Error()))
		}
	}
	if di.redis != nil {
		if err := di.redis.Close(); err != nil {
			l.Warn("close redis", slog.String("error", err.Error()))
		}
	}
}
