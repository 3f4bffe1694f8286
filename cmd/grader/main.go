package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/classline/grader-go/internal/cloud"
	"github.com/classline/grader-go/internal/config"
	"github.com/classline/grader-go/internal/database"
	"github.com/classline/grader-go/internal/grader"
	"github.com/classline/grader-go/internal/grading"
	"github.com/classline/grader-go/internal/handler"
	"github.com/classline/grader-go/internal/models"
	"github.com/classline/grader-go/internal/notify"
	"github.com/classline/grader-go/internal/repository"
	"github.com/classline/grader-go/internal/router"
	"github.com/classline/grader-go/internal/sandbox"
)

const mebibyte = 1024 * 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Course{},
		&models.Question{},
		&models.Variant{},
		&models.AssessmentInstance{},
		&models.Submission{},
		&models.GradingJob{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	notifier := notify.NewNoopNotifier()
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer nc.Drain()
		notifier = notify.NewNATSNotifier(nc, "grader", logger)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	jobs := repository.NewGradingJobRepository(db)
	builder := sandbox.NewBuilder(logger)
	normalizer := grading.NewNormalizer(logger)
	applier := grading.NewApplier(jobs, notifier, logger)

	var backend grader.Grader
	var consumer *grading.Consumer

	switch cfg.GraderBackend {
	case "queue":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatalf("failed to load aws configuration: %v", err)
		}

		storage := cloud.NewS3Storage(s3.NewFromConfig(awsCfg))
		queue := cloud.NewSQSQueue(sqs.NewFromConfig(awsCfg))

		backend = grader.NewRemoteGrader(builder, storage, queue, jobs, grader.RemoteConfig{
			SandboxRoot:    cfg.SandboxRoot,
			Bucket:         cfg.ResultsBucket,
			QueueName:      cfg.JobsQueueName,
			DefaultTimeout: cfg.DefaultTimeout,
			MaxTimeout:     cfg.MaxTimeout,
		}, logger)

		consumer = grading.NewConsumer(queue, storage, jobs, normalizer, applier, notifier, validate, grading.ConsumerConfig{
			QueueName:   cfg.ResultsQueueName,
			BatchSize:   int32(cfg.ConsumerBatch),
			WaitSeconds: int32(cfg.ConsumerWaitSecs),
		}, logger)
	default:
		runner, err := grader.NewDockerRunner(grader.RunnerConfig{
			Host:     cfg.DockerHost,
			Overhead: cfg.TimeoutOverhead,
			Logger:   logger,
		})
		if err != nil {
			log.Fatalf("failed to create docker runner: %v", err)
		}

		backend = grader.NewLocalGrader(builder, runner, grader.LocalConfig{
			SandboxRoot:       cfg.SandboxRoot,
			PullImages:        cfg.PullImages,
			DefaultTimeout:    cfg.DefaultTimeout,
			MaxTimeout:        cfg.MaxTimeout,
			MaxResultBytes:    cfg.MaxResultBytes,
			MemoryBytes:       cfg.MemoryLimitMB * mebibyte,
			KernelMemoryBytes: cfg.KernelMemoryMB * mebibyte,
			DiskQuotaBytes:    cfg.DiskQuotaMB * mebibyte,
			PidsLimit:         cfg.PidsLimit,
			CPUShares:         cfg.CPUShares,
		}, logger)
	}

	dispatcher := grading.NewDispatcher(jobs, backend, cfg.GraderBackend, normalizer, applier, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	var liveness handler.Liveness
	if consumer != nil {
		liveness = consumer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("results consumer exited with error")
			}
		}()
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	router.Register(app, cfg, router.Dependencies{
		DB:              db,
		Consumer:        liveness,
		DispatchHandler: handler.NewDispatchHandler(dispatcher, logger),
		Logger:          logger,
	})

	go func() {
		if err := app.Listen(cfg.HealthAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, draining")

	// The consumer finishes its in-flight batch before Run returns.
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("grader stopped")
}
