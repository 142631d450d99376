package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tiankong-lab/multichat/backend/internal/config"
	"github.com/tiankong-lab/multichat/backend/internal/handler"
	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	dialogModel "github.com/tiankong-lab/multichat/backend/internal/model/dialog"
	"github.com/tiankong-lab/multichat/backend/internal/service/challenge"
	dialogService "github.com/tiankong-lab/multichat/backend/internal/service/dialog"
	"github.com/tiankong-lab/multichat/backend/internal/service/dispatch"
	"github.com/tiankong-lab/multichat/backend/internal/service/pool"
	"github.com/tiankong-lab/multichat/backend/internal/service/sweep"
	"github.com/tiankong-lab/multichat/backend/internal/service/token"
	"github.com/tiankong-lab/multichat/backend/internal/store/mongostore"
	"github.com/tiankong-lab/multichat/backend/internal/store/redisstore"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
	"github.com/tiankong-lab/multichat/backend/internal/upstream/completion"
	"github.com/tiankong-lab/multichat/backend/internal/upstream/relaychat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	rdb, err := redisstore.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	mongoDB, err := mongostore.Connect(ctx, cfg.Mongo.URL, cfg.Mongo.Database)
	if err != nil {
		log.Fatalf("failed to connect mongo: %v", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoDB.Client().Disconnect(disconnectCtx); err != nil {
			log.Printf("mongo disconnect: %v", err)
		}
	}()

	prefix := cfg.Redis.Prefix
	availSet := redisstore.NewSet(rdb, prefix+":available_account_set")
	accountCache := redisstore.NewCache[account.Account](rdb, prefix+":account")
	stateCache := redisstore.NewCache[dialogModel.Turn](rdb, prefix+":dialog_state")
	challengeCache := redisstore.NewCache[upstream.Challenge](rdb, prefix+":challenge")

	roster, err := pool.NewManager(cfg.Roster.Path, accountCache)
	if err != nil {
		log.Fatalf("failed to load roster: %v", err)
	}

	challenges := challenge.NewResolver(challengeCache,
		func(name string) challenge.Lock {
			return redisstore.NewSemaphore(rdb, prefix+":"+name, 1, cfg.Broker.LockExpiry, cfg.Broker.LockMaxWait)
		},
		challenge.Config{
			ResolverURL: cfg.Upstream.ChallengeResolverURL,
			TTLMin:      cfg.Upstream.ChallengeTTLMin,
			TTLMax:      cfg.Upstream.ChallengeTTLMax,
			RetryBudget: cfg.Broker.RetryBudget,
		})

	minter := relaychat.NewAuthenticator(relaychat.AuthConfig{
		LoginURL: cfg.Upstream.LoginURL,
	})

	broker := token.NewBroker(roster, availSet, accountCache,
		func(name string) token.Lock {
			return redisstore.NewSemaphore(rdb, prefix+":"+name, 1, cfg.Broker.LockExpiry, cfg.Broker.LockMaxWait)
		},
		minter, challenges,
		token.Config{
			LoginTargetURL: cfg.Upstream.LoginURL,
			TokenTTLMin:    cfg.Broker.TokenTTLMin,
			TokenTTLMax:    cfg.Broker.TokenTTLMax,
			RetryBudget:    cfg.Broker.RetryBudget,
		})

	exchangers := map[upstream.ClientKind]upstream.Exchanger{
		upstream.KindRelay: relaychat.NewExchanger(relaychat.Config{
			ConversationURL: cfg.Upstream.ConversationURL,
			Timeout:         cfg.Upstream.ExchangeTimeout,
		}, challenges),
		upstream.KindCompletion: completion.NewExchanger(completion.Config{
			Model:   cfg.Upstream.CompletionModel,
			BaseURL: cfg.Upstream.CompletionURL,
		}),
	}

	dispatcher := dispatch.NewDispatcher(broker, availSet, exchangers, challenges,
		func(name string) dispatch.Lock {
			return redisstore.NewSemaphore(rdb, prefix+":"+name, cfg.Dispatch.PermitCapacity, cfg.Dispatch.PermitExpiry, cfg.Dispatch.PermitMaxWait)
		},
		dispatch.Config{
			RetryBudget:      cfg.Dispatch.RetryBudget,
			TransientBackoff: cfg.Dispatch.TransientBackoff,
			ConversationURL:  cfg.Upstream.ConversationURL,
		})

	dialogSvc := dialogService.NewService(mongostore.NewTurnLog(mongoDB), stateCache, 10*time.Minute)

	sweeper := sweep.NewSweeper(dispatcher, roster, availSet, cfg.Sweep.Prompt)

	// 启动先扫一遍池子，一个能用的账号都没有就没必要起服务。
	report, err := sweeper.Run(ctx)
	if err != nil {
		log.Fatalf("initial sweep failed: %v", err)
	}
	log.Printf("initial sweep done usable=%d failed=%d", len(report.Usable), len(report.Failed))

	if cfg.Sweep.Interval > 0 {
		go runPeriodicSweep(ctx, sweeper, cfg.Sweep.Interval)
	}

	router := handler.NewRouter(dispatcher, dialogSvc, sweeper, cfg.Sweep.RefreshPassword)

	startServer(ctx, cfg.Server, router)

	// 关停前把扫描和刷新攒下的最新凭证写回清单文件。
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := roster.PersistRoster(persistCtx); err != nil {
		log.Printf("persist roster on shutdown: %v", err)
	}
}

// runPeriodicSweep 周期巡检账号池。巡检失败只记日志，
// 服务继续用上一轮巡检留下的可用集合。
func runPeriodicSweep(ctx context.Context, sweeper *sweep.Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := sweeper.Run(ctx)
			if err != nil {
				log.Printf("periodic sweep failed: %v", err)
				continue
			}
			log.Printf("periodic sweep done usable=%d failed=%d", len(report.Usable), len(report.Failed))
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("multichat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
