package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/checkin"
	"classattend/internal/cloudinary"
	"classattend/internal/config"
	"classattend/internal/eligibility"
	"classattend/internal/faceclient"
	"classattend/internal/httpmiddleware"
	"classattend/internal/queue"
	"classattend/internal/risk"
	"classattend/internal/session"
	"classattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	registerValidators()

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// registerValidators adds the claim modality check to gin's binding engine.
func registerValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("modality", func(fl validator.FieldLevel) bool {
			switch attendance.Modality(fl.Field().String()) {
			case attendance.ModalityQR, attendance.ModalityFace, attendance.ModalityGPS:
				return true
			}
			return false
		})
	}
}

// openEnrollments admits every (student, course) pair. Used only when the
// database is unreachable so a dev instance stays usable.
type openEnrollments struct{}

func (openEnrollments) Enrolled(context.Context, string, string) (bool, error) { return true, nil }

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable, running memory-only: %v", err)
		db = nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	var window risk.Window
	if cfg.WindowBackend == "memory" {
		window = risk.NewMemWindow(cfg.SharingWindow)
	} else {
		window = risk.NewRedisWindow(redisClient.Client, cfg.SharingWindow)
	}

	// durable layer; nil in memory-only mode
	var (
		sessionRepo *session.Repository
		recordRepo  *attendance.Repository
		persister   session.Persister
		enrollments attendance.Enrollments = openEnrollments{}
		recorder    checkin.Recorder
	)
	if db != nil {
		sessionRepo = session.NewRepository(db.Client)
		recordRepo = attendance.NewRepository(db.Client)
		persister = sessionRepo
		enrollments = recordRepo
		recorder = recordRepo
	}

	sessions := session.NewManager(persister)
	records := attendance.NewStore()
	if sessionRepo != nil {
		open, err := sessionRepo.ListOpen(context.Background())
		if err != nil {
			log.Printf("warning: session warm-up failed: %v", err)
		}
		seeded := 0
		for _, s := range open {
			sessions.Load(s)
			// the store is the duplicate authority; rebuild it from the
			// durable rows or a restart would re-admit checked-in students
			recs, err := recordRepo.ListRecords(context.Background(),
				attendance.Filter{SessionID: s.ID, Limit: 10000})
			if err != nil {
				log.Printf("warning: record warm-up for %s failed: %v", s.ID, err)
				continue
			}
			for _, rec := range recs {
				if err := records.Seed(rec); err != nil {
					log.Printf("warning: seeding record %s: %v", rec.ID, err)
				}
			}
			seeded += len(recs)
		}
		log.Printf("warmed up %d open sessions, %d records", len(open), seeded)
	}
	engine := eligibility.NewEngine(sessions, enrollments, records)
	scorer := risk.NewScorer(risk.Config{
		FaceConfidenceThreshold: cfg.FaceThreshold,
		GPSAccuracyThreshold:    cfg.GPSAccuracyMax,
		SharingWindow:           cfg.SharingWindow,
		ReviewThreshold:         cfg.ReviewThreshold,
	}, window)
	svc := checkin.NewService(engine, scorer, records, recorder, q, cfg.LateGrace)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	var cdn *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdn = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("cloudinary not configured, face claims need an inline signal")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.Metrics())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil && db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Identity is asserted upstream by the campus SSO; this endpoint only
	// mints the service token the dashboards and scanners carry.
	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required,oneof=lecturer student admin"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		signed, exp, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": signed, "expires_at": exp.Unix()})
	})

	v1 := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	v1.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin).Middleware())

	lecturers := v1.Group("", auth.RequireRole(auth.RoleLecturer))

	lecturers.POST("/sessions", func(c *gin.Context) {
		var req struct {
			CourseID       string    `json:"course_id" binding:"required"`
			Room           string    `json:"room"`
			ScheduledStart time.Time `json:"scheduled_start" binding:"required"`
			ScheduledEnd   time.Time `json:"scheduled_end"`
			Geofence       *struct {
				Lat     float64 `json:"lat"`
				Lng     float64 `json:"lng"`
				RadiusM float64 `json:"radius_m"`
			} `json:"geofence"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.FromContext(c)
		s := session.ClassSession{
			CourseID:       req.CourseID,
			Room:           req.Room,
			LecturerID:     claims.Subject,
			ScheduledStart: req.ScheduledStart,
			ScheduledEnd:   req.ScheduledEnd,
		}
		if req.Geofence != nil {
			radius := req.Geofence.RadiusM
			if radius <= 0 {
				radius = cfg.DefaultGeofenceM
			}
			s.Geofence = &session.Geofence{Lat: req.Geofence.Lat, Lng: req.Geofence.Lng, RadiusM: radius}
		}
		created, err := sessions.Create(c.Request.Context(), s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	lifecycle := func(op func(context.Context, string) (session.ClassSession, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			id := c.Param("id")
			current, err := sessions.Get(id)
			if err != nil {
				sessionError(c, err)
				return
			}
			if !ownsSession(c, current) {
				c.JSON(http.StatusForbidden, gin.H{"error": "not your session"})
				return
			}
			s, err := op(c.Request.Context(), id)
			if err != nil {
				sessionError(c, err)
				return
			}
			if s.Status == session.StatusCompleted {
				publishSessionEnded(c.Request.Context(), q, s)
			}
			c.JSON(http.StatusOK, s)
		}
	}
	lecturers.POST("/sessions/:id/start", lifecycle(sessions.Start))
	lecturers.POST("/sessions/:id/rotate", lifecycle(sessions.RegenerateToken))
	lecturers.POST("/sessions/:id/end", lifecycle(sessions.End))
	lecturers.POST("/sessions/:id/cancel", lifecycle(sessions.Cancel))

	v1.GET("/sessions/:id", func(c *gin.Context) {
		s, err := sessions.Get(c.Param("id"))
		if err != nil {
			sessionError(c, err)
			return
		}
		// the live token is for the lecturer's projector only
		if !ownsSession(c, s) {
			s.CurrentToken = ""
			s.TokenExpiresAt = time.Time{}
		}
		c.JSON(http.StatusOK, s)
	})

	v1.POST("/claims", func(c *gin.Context) {
		var req struct {
			StudentID  string    `json:"student_id" binding:"required"`
			Token      string    `json:"token" binding:"required"`
			Modality   string    `json:"modality" binding:"required,modality"`
			ClientAt   time.Time `json:"client_at"`
			DeviceInfo string    `json:"device_info"`
			ImageData  string    `json:"image_data"`
			Face       *struct {
				Confidence float64 `json:"confidence"`
				Landmarks  int     `json:"landmarks"`
			} `json:"face"`
			GPS *struct {
				Lat      float64 `json:"lat"`
				Lng      float64 `json:"lng"`
				Accuracy float64 `json:"accuracy"`
			} `json:"gps"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, _ := auth.FromContext(c)
		if claims.Role == auth.RoleStudent && claims.Subject != req.StudentID {
			c.JSON(http.StatusForbidden, gin.H{"error": "student mismatch"})
			return
		}

		claim := attendance.Claim{
			StudentID:  req.StudentID,
			RawToken:   req.Token,
			Modality:   attendance.Modality(req.Modality),
			ClientAt:   req.ClientAt,
			DeviceInfo: req.DeviceInfo,
		}
		if req.Face != nil {
			claim.Face = &attendance.FaceSignal{Confidence: req.Face.Confidence, Landmarks: req.Face.Landmarks}
		}
		if req.GPS != nil {
			claim.GPS = &attendance.GPSSignal{Lat: req.GPS.Lat, Lng: req.GPS.Lng, Accuracy: req.GPS.Accuracy}
		}

		// a face claim without an inline signal goes through the matcher,
		// keeping the capture as review evidence when cloudinary is set up
		if claim.Modality == attendance.ModalityFace && claim.Face == nil {
			imageURL := ""
			if req.ImageData != "" && cdn != nil {
				up, err := cdn.UploadBase64(req.ImageData)
				if err != nil {
					log.Printf("evidence upload failed: %v", err)
					c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
					return
				}
				imageURL = up.SecureURL
			}
			res, err := face.Score(c.Request.Context(), req.StudentID, imageURL)
			if err != nil {
				log.Printf("face scoring failed for %s: %v", req.StudentID, err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "face verification unavailable"})
				return
			}
			claim.Face = &attendance.FaceSignal{Confidence: res.Confidence, Landmarks: res.Landmarks}
		}

		result, err := svc.Verify(c.Request.Context(), claim)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		outcome := "admitted"
		if !result.Admitted {
			outcome = string(result.Reason)
		}
		httpmiddleware.ClaimOutcomes.WithLabelValues(req.Modality, outcome).Inc()

		if !result.Admitted {
			c.JSON(rejectionStatus(result.Reason), gin.H{
				"admitted":  false,
				"reason":    result.Reason,
				"transient": result.Reason.Transient(),
			})
			return
		}
		if !result.Record.IsVerified {
			httpmiddleware.FlaggedRecords.Inc()
		}
		c.JSON(http.StatusCreated, gin.H{"admitted": true, "record": result.Record})
	})

	lecturers.POST("/records/manual", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
			StudentID string `json:"student_id" binding:"required"`
			Status    string `json:"status" binding:"omitempty,oneof=present late absent"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := sessions.Get(req.SessionID)
		if err != nil {
			sessionError(c, err)
			return
		}
		if !ownsSession(c, s) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your session"})
			return
		}
		result, err := svc.ManualMark(c.Request.Context(), s, req.StudentID, attendance.RecordStatus(req.Status))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !result.Admitted {
			c.JSON(rejectionStatus(result.Reason), gin.H{"admitted": false, "reason": result.Reason})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"admitted": true, "record": result.Record})
	})

	v1.GET("/records", func(c *gin.Context) {
		f := attendance.Filter{
			SessionID: c.Query("session_id"),
			StudentID: c.Query("student_id"),
			CourseID:  c.Query("course_id"),
			Limit:     100,
		}
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Limit = parsed
			}
		}
		// students only see their own history
		claims, _ := auth.FromContext(c)
		if claims.Role == auth.RoleStudent {
			f.StudentID = claims.Subject
		}

		if recordRepo != nil {
			recs, err := recordRepo.ListRecords(c.Request.Context(), f)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"records": recs})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records.List(f)})
	})

	v1.GET("/records/:id", func(c *gin.Context) {
		id := c.Param("id")
		var rec attendance.Record
		if recordRepo != nil {
			r, err := recordRepo.GetRecord(c.Request.Context(), id)
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
				return
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			rec = r
		} else {
			r, ok := records.GetByID(id)
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
				return
			}
			rec = r
		}
		claims, _ := auth.FromContext(c)
		if claims.Role == auth.RoleStudent && claims.Subject != rec.StudentID {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting api on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

func ownsSession(c *gin.Context, s session.ClassSession) bool {
	claims, ok := auth.FromContext(c)
	if !ok {
		return false
	}
	return claims.Role == auth.RoleAdmin || claims.Subject == s.LecturerID
}

func sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// rejectionStatus maps a rejection reason to an HTTP status. The body always
// carries the typed reason; clients switch on that, not on the status.
func rejectionStatus(r eligibility.Reason) int {
	switch r {
	case eligibility.ReasonNotEnrolled:
		return http.StatusForbidden
	case eligibility.ReasonSessionNotOpen:
		return http.StatusGone
	case eligibility.ReasonAlreadyMarked:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// publishSessionEnded tells the worker to mark absentees and refresh
// analytics for a completed session.
func publishSessionEnded(ctx context.Context, q queue.Queue, s session.ClassSession) {
	body, _ := json.Marshal(attendance.Event{
		Type:      attendance.EventSessionEnded,
		SessionID: s.ID,
		CourseID:  s.CourseID,
		At:        time.Now().UTC(),
	})
	if err := q.Publish(ctx, queue.Message{Type: attendance.EventSessionEnded, Body: body}); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
