package tracking_service

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ride-hail-tracking/internal/common/config"
	"ride-hail-tracking/internal/common/db"
	"ride-hail-tracking/internal/common/redisclient"
	"ride-hail-tracking/internal/common/rmq"
	"ride-hail-tracking/internal/tracking/bus"

	"github.com/joho/godotenv"
)

func Main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfg.Print()

	pg, err := db.NewPostgres(
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password, cfg.Database.Name,
	)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pg.Close()

	if err := pg.RunMigrations("migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	rdb, err := redisclient.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer rdb.Close()

	mq, err := rmq.NewRabbitMQ(
		cfg.RabbitMQ.Host, cfg.RabbitMQ.Port,
		cfg.RabbitMQ.User, cfg.RabbitMQ.Password,
	)
	if err != nil {
		log.Fatalf("rabbitmq error: %v", err)
	}
	defer mq.Close()

	busClient, err := bus.NewClient(mq.Conn)
	if err != nil {
		log.Fatalf("bus error: %v", err)
	}
	defer busClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := Run(ctx, cfg, pg, rdb, busClient); err != nil {
		log.Fatalf("tracking service error: %v", err)
	}
}
