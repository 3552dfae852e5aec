package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/attendance"
	"classtrack/internal/config"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/metrics"
	"classtrack/internal/queue"
	"classtrack/internal/schedule"
	"classtrack/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	repo, closeStore, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *store.Redis
	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		q = queue.NewRedisQueue(redisClient.Client, cfg.ScanQueueKey)
	} else {
		q = queue.NewInMemory(64)
	}

	dir := attendance.NewDirectory(repo, nil)
	svc := attendance.NewService(repo, dir, schedule.NewTable(nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sweep once at startup to close out periods that elapsed while the
	// process was down, then on the fixed cadence.
	runSweep(ctx, svc)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runSweep(ctx, svc)
			case <-ctx.Done():
				return
			}
		}
	}()

	// With the in-memory queue the scan consumer runs inside this process;
	// with redis it runs in cmd/worker.
	if cfg.QueueBackend != "redis" {
		go consumeScans(ctx, q, svc)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		redisHealthy := true
		if redisClient != nil {
			redisHealthy = redisClient.Healthy(c.Request.Context())
			if !redisHealthy {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy})
	})

	v1 := r.Group("/v1")

	v1.POST("/students", func(c *gin.Context) {
		var req struct {
			CardUID  string `json:"card_uid"`
			SchoolID string `json:"school_id" binding:"required"`
			Name     string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := dir.Register(c.Request.Context(), req.CardUID, req.SchoolID, req.Name); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"school_id": req.SchoolID, "name": req.Name})
	})

	v1.GET("/students", func(c *gin.Context) {
		students, err := repo.ListStudents(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	// Bulk import. Content-Type picks the format: text/csv or
	// application/json. Row failures are reported per batch; malformed
	// input fails the batch with one error.
	v1.POST("/students/import", func(c *gin.Context) {
		var (
			res attendance.ImportResult
			err error
		)
		switch {
		case strings.Contains(c.ContentType(), "csv"):
			res, err = dir.ImportCSV(c.Request.Context(), c.Request.Body)
		default:
			res, err = dir.ImportJSON(c.Request.Context(), c.Request.Body)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	v1.POST("/checkins", func(c *gin.Context) {
		req, ok := bindIdentifier(c)
		if !ok {
			return
		}
		rec, err := svc.CheckIn(c.Request.Context(), req.CardUID, req.SchoolID)
		if err != nil {
			fail(c, err)
			return
		}
		metrics.CheckIns.Inc()
		c.JSON(http.StatusCreated, rec)
	})

	v1.POST("/checkouts", func(c *gin.Context) {
		req, ok := bindIdentifier(c)
		if !ok {
			return
		}
		rec, err := svc.CheckOut(c.Request.Context(), req.CardUID, req.SchoolID)
		if err != nil {
			fail(c, err)
			return
		}
		metrics.CheckOuts.WithLabelValues("manual").Inc()
		c.JSON(http.StatusOK, rec)
	})

	v1.POST("/bathroom/toggle", func(c *gin.Context) {
		req, ok := bindIdentifier(c)
		if !ok {
			return
		}
		action, exc, err := svc.BathroomToggle(c.Request.Context(), req.CardUID, req.SchoolID)
		if err != nil {
			var occ *attendance.OccupiedError
			if errors.As(err, &occ) {
				metrics.BathroomDenied.Inc()
			}
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": action, "excursion": exc})
	})

	v1.GET("/bathroom/status", func(c *gin.Context) {
		occupant, err := svc.BathroomOccupant(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		if occupant == nil {
			c.JSON(http.StatusOK, gin.H{"occupied": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"occupied": true, "name": occupant.Name, "school_id": occupant.SchoolID})
	})

	v1.POST("/nurse/start", func(c *gin.Context) {
		req, ok := bindIdentifier(c)
		if !ok {
			return
		}
		exc, err := svc.NurseStart(c.Request.Context(), req.CardUID, req.SchoolID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, exc)
	})

	v1.POST("/nurse/end", func(c *gin.Context) {
		req, ok := bindIdentifier(c)
		if !ok {
			return
		}
		exc, err := svc.NurseEnd(c.Request.Context(), req.CardUID, req.SchoolID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, exc)
	})

	v1.GET("/attendance/today", func(c *gin.Context) {
		rows, err := svc.TodayAttendance(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": rows})
	})

	v1.GET("/bathroom/today", todayExcursions(svc, attendance.KindBathroom))
	v1.GET("/nurse/today", todayExcursions(svc, attendance.KindNurse))

	// Scan intake: the reader device posts bare card UIDs here; the queue
	// consumer performs identify + check-in.
	v1.POST("/scans", func(c *gin.Context) {
		var req struct {
			UID string `json:"uid" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := q.Publish(c.Request.Context(), queue.Scan{UID: req.UID, At: time.Now()}); err != nil {
			log.Printf("scan publish failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan intake unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"uid": req.UID})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s (store=%s queue=%s)", cfg.HTTPPort, cfg.StoreBackend, cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

// openRepo wires the configured store backend.
func openRepo(cfg config.App) (attendance.Repository, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return attendance.NewMemRepository(), func() {}, nil
	case "postgres":
		db, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		repo := attendance.NewSQLRepository(db.Client)
		if err := repo.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return repo, func() { _ = db.Close() }, nil
	default: // sqlite
		db, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		repo := attendance.NewSQLRepository(db.Client)
		if err := repo.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return repo, func() { _ = db.Close() }, nil
	}
}

func runSweep(ctx context.Context, svc *attendance.Service) {
	n, err := svc.Sweep(ctx)
	metrics.SweepRuns.Inc()
	if err != nil {
		log.Printf("auto-checkout sweep failed: %v", err)
		return
	}
	if n > 0 {
		metrics.CheckOuts.WithLabelValues("auto").Add(float64(n))
		log.Printf("auto-checkout sweep closed %d record(s)", n)
	}
}

// consumeScans handles reader events when the queue is in-process.
func consumeScans(ctx context.Context, q queue.Queue, svc *attendance.Service) {
	scans, err := q.Consume(ctx)
	if err != nil {
		log.Printf("scan consume init failed: %v", err)
		return
	}
	for s := range scans {
		rec, err := svc.CheckIn(ctx, s.UID, "")
		if err != nil {
			log.Printf("scan %s: %v", s.UID, err)
			continue
		}
		metrics.CheckIns.Inc()
		log.Printf("scan %s: checked in at %s", s.UID, rec.CheckIn.Format("15:04:05"))
	}
}

type identifierReq struct {
	CardUID  string `json:"card_uid"`
	SchoolID string `json:"school_id"`
}

func bindIdentifier(c *gin.Context) (identifierReq, bool) {
	var req identifierReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if req.CardUID == "" && req.SchoolID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": attendance.ErrNoIdentifier.Error()})
		return req, false
	}
	return req, true
}

func todayExcursions(svc *attendance.Service, kind attendance.ExcursionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := svc.TodayExcursions(c.Request.Context(), kind)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// fail maps engine errors to HTTP statuses. Business-rule failures carry
// their human-readable reason; anything unrecognized is a store fault.
func fail(c *gin.Context, err error) {
	var occ *attendance.OccupiedError
	switch {
	case errors.Is(err, attendance.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrNoIdentifier),
		errors.Is(err, attendance.ErrMissingName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrDuplicateStudent),
		errors.Is(err, attendance.ErrAlreadyCheckedIn),
		errors.Is(err, attendance.ErrNotCheckedIn),
		errors.Is(err, attendance.ErrExcursionOpen),
		errors.Is(err, attendance.ErrExcursionNotOpen),
		errors.As(err, &occ):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Printf("store error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// CORS for the kiosk UI served from another origin during development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
