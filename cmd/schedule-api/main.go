package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/melodia-app/schedule-api/internal/handler"
	"github.com/melodia-app/schedule-api/internal/middleware"
	"github.com/melodia-app/schedule-api/internal/repository"
	"github.com/melodia-app/schedule-api/internal/service"
	"github.com/melodia-app/schedule-api/pkg/cache"
	"github.com/melodia-app/schedule-api/pkg/config"
	"github.com/melodia-app/schedule-api/pkg/database"
	"github.com/melodia-app/schedule-api/pkg/jobs"
	"github.com/melodia-app/schedule-api/pkg/logger"
	corsmiddleware "github.com/melodia-app/schedule-api/pkg/middleware/cors"
	reqidmiddleware "github.com/melodia-app/schedule-api/pkg/middleware/requestid"
	"github.com/melodia-app/schedule-api/pkg/storage"
)

const jobTypeArchiveFeed = "archive-feed"

type archiveFeedPayload struct {
	PreviewID string
	Feed      []byte
}

// queueArchiver defers feed archival to the background queue so previews
// never wait on disk.
type queueArchiver struct {
	queue *jobs.Queue
}

func (a *queueArchiver) ArchiveFeed(previewID string, feed []byte) error {
	return a.queue.Enqueue(jobs.Job{
		ID:      previewID,
		Type:    jobTypeArchiveFeed,
		Payload: archiveFeedPayload{PreviewID: previewID, Feed: feed},
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	validate := validator.New()

	archive, err := storage.NewArchive(cfg.Import.ArchiveDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init feed archive", "error", err)
	}
	archiveQueue := jobs.NewQueue("feed-archive", func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(archiveFeedPayload)
		if !ok {
			logr.Warn("dropping job with unexpected payload", zap.String("job_id", job.ID), zap.String("type", job.Type))
			return nil
		}
		_, err := archive.Save(payload.PreviewID, payload.Feed)
		return err
	}, jobs.Config{Workers: 1, Logger: logr})
	archiveQueue.Start(context.Background())
	defer archiveQueue.Stop()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			removed, err := archive.CleanupOlderThan(cfg.Import.ArchiveRetention)
			if err != nil {
				logr.Warn("feed archive cleanup failed", zap.Error(err))
				continue
			}
			if len(removed) > 0 {
				logr.Info("feed archive cleaned", zap.Int("removed", len(removed)))
			}
		}
	}()

	ruleRepo := repository.NewRuleRepository(db)
	teacherRepo := repository.NewTeacherRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	previewRepo := repository.NewPreviewRepository(redisClient, logr)

	timetableSvc := service.NewTimetableService(ruleRepo, validate, logr, cfg.Export.HorizonDays)
	importSvc := service.NewImportService(ruleRepo, teacherRepo, studentRepo, previewRepo, &queueArchiver{queue: archiveQueue}, validate, logr, service.ImportConfig{
		PreviewTTL:    cfg.Import.PreviewTTL,
		LookaheadDays: cfg.Import.LookaheadDays,
	})
	metricsSvc := service.NewMetricsService()

	scheduleHandler := handler.NewScheduleHandler(timetableSvc)
	importHandler := handler.NewImportHandler(importSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if cfg.Metrics.Enabled {
		r.Use(middleware.Metrics(metricsSvc))
		r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group(cfg.APIPrefix)
	{
		api.GET("/schedules", scheduleHandler.List)
		api.POST("/schedules", scheduleHandler.Create)
		api.PUT("/schedules/:id", scheduleHandler.Update)
		api.DELETE("/schedules/:id", scheduleHandler.Delete)
		api.POST("/schedules/:id/reschedule", scheduleHandler.Reschedule)
		api.GET("/schedules/view", scheduleHandler.View)
		api.GET("/schedules/export.ics", scheduleHandler.Export)
		api.GET("/schedules/export.csv", scheduleHandler.ExportCSV)

		api.POST("/imports/preview", importHandler.Preview)
		api.POST("/imports/confirm", importHandler.Confirm)
		api.GET("/students", importHandler.Students)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
