package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ipsreconcile/internal/config"
	"github.com/ehr/ipsreconcile/internal/domain/clinical"
	"github.com/ehr/ipsreconcile/internal/domain/identity"
	"github.com/ehr/ipsreconcile/internal/domain/ips"
	"github.com/ehr/ipsreconcile/internal/domain/medication"
	"github.com/ehr/ipsreconcile/internal/domain/reconcile"
	"github.com/ehr/ipsreconcile/internal/domain/terminology"
	"github.com/ehr/ipsreconcile/internal/platform/auth"
	"github.com/ehr/ipsreconcile/internal/platform/db"
	"github.com/ehr/ipsreconcile/internal/platform/middleware"
	"github.com/ehr/ipsreconcile/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "ips-reconciler",
		Short:        "Reconcile International Patient Summary bundles into patient records",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired services shared by serve and import.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client

	terms    *terminology.Client
	locator  *reconcile.Classifier
	patients *identity.Service
	clinical *clinical.Service
	meds     *medication.Service
	svc      *reconcile.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}

	sessions, err := a.sessionStore(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	a.patients = identity.NewService(identity.NewPatientRepoPG(pool))
	a.clinical = clinical.NewService(
		clinical.NewConditionRepoPG(pool),
		clinical.NewAllergyRepoPG(pool),
		clinical.NewProcedureRepoPG(pool),
	)
	a.meds = medication.NewService(medication.NewMedicationStatementRepoPG(pool))
	records := reconcile.NewPGRecordStore(pool, a.patients, a.clinical, a.meds)

	a.terms = terminology.NewClient(cfg.TerminologyURL, cfg.TerminologyTimeout)
	a.locator = reconcile.NewClassifier(a.terms, cfg.LocationCacheTTL, logger)
	importer := reconcile.NewImporter(records, a.terms, a.locator, cfg.EnrichConcurrency, logger)
	loader := ips.NewLoader(middleware.ParseLimit(cfg.MaxBundleSize), 0)

	a.svc = reconcile.NewService(sessions, records, loader, importer, logger)
	return a, nil
}

// sessionStore uses Redis when REDIS_URL is set and process memory otherwise.
func (a *app) sessionStore(ctx context.Context) (reconcile.SessionStore, error) {
	if a.cfg.RedisURL == "" {
		a.logger.Info().Msg("using in-memory session store")
		return reconcile.NewMemoryStore(a.cfg.SessionTTL), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	a.redis = redis.NewClient(opts)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.redis.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.logger.Info().Str("addr", opts.Addr).Msg("using redis session store")
	return reconcile.NewRedisStore(a.redis, a.cfg.SessionTTL), nil
}

func (a *app) healthChecks() map[string]db.Check {
	checks := map[string]db.Check{}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reconciliation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()
	logger.Info().Msg("connected to database")

	e := newServer(a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", cfg.MaxBundleSize))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	e.GET("/health", db.HealthHandler(a.pool, a.healthChecks()))

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}, a.logger)
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	rateLimit := middleware.RateLimit(rateLimitCfg)
	tenant := db.TenantMiddleware(a.pool, cfg.DefaultTenant)

	apiV1 := e.Group("/api/v1", authMW, rateLimit, tenant)
	fhirGroup := e.Group("/fhir", authMW, rateLimit, tenant)

	identity.NewHandler(a.patients).RegisterRoutes(apiV1, fhirGroup)
	clinical.NewHandler(a.clinical).RegisterRoutes(apiV1, fhirGroup)
	medication.NewHandler(a.meds).RegisterRoutes(apiV1, fhirGroup)
	terminology.NewHandler(a.terms, a.locator).RegisterRoutes(apiV1)
	reconcile.NewHandler(a.svc).RegisterRoutes(apiV1)

	return e
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage tenant schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations for tenant: %s\n", tenant)
				count, err := db.NewMigrator(pool, migrations.Files).Up(ctx, tenant)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx, tenant)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), tenant, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, tenant string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for tenant: %s\n", tenant)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply the migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := db.CreateTenantSchema(ctx, pool, name, migrations.Files); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s created.\n", name)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (letters, digits, underscore)")
	cmd.AddCommand(createCmd)
	return cmd
}

func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

// parseOutput is what the parse command prints.
type parseOutput struct {
	Patient     string                    `json:"patient,omitempty"`
	Conditions  []ips.Condition           `json:"conditions"`
	Procedures  []ips.Procedure           `json:"procedures"`
	Medications []ips.MedicationStatement `json:"medications"`
	Allergies   []ips.AllergyIntolerance  `json:"allergies"`
}

func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Parse a bundle file and print the items it contributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			maxSize, _ := cmd.Flags().GetString("max-size")
			bundle, err := ips.NewLoader(middleware.ParseLimit(maxSize), 0).LoadFile(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), newParseOutput(bundle))
		},
	}
	cmd.Flags().String("max-size", "10M", "Largest bundle accepted")
	return cmd
}

func newParseOutput(b *ips.ParsedBundle) parseOutput {
	out := parseOutput{
		Conditions:  b.Conditions,
		Procedures:  b.Procedures,
		Medications: b.Medications,
		Allergies:   b.Allergies,
	}
	if b.Patient != nil {
		out.Patient = b.Patient.FullName()
	}
	return out
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import the new items of a bundle file into a patient record",
		Long: "Loads the bundle, links it to --patient (or to a new patient built from the bundle\n" +
			"with --create) and imports the default selection: every incoming item not already\n" +
			"recorded, plus all procedures.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			create, _ := cmd.Flags().GetBool("create")
			tenant, _ := cmd.Flags().GetString("tenant")
			if (patient == "") == !create {
				return fmt.Errorf("exactly one of --patient or --create is required")
			}
			var patientID uuid.UUID
			if patient != "" {
				id, err := uuid.Parse(patient)
				if err != nil {
					return fmt.Errorf("invalid --patient: %w", err)
				}
				patientID = id
			}
			return runImport(cmd.OutOrStdout(), args[0], tenant, patientID)
		},
	}
	cmd.Flags().String("patient", "", "Id of the stored patient to import into")
	cmd.Flags().Bool("create", false, "Create the patient from the bundle")
	cmd.Flags().String("tenant", "default", "Tenant holding the patient record")
	return cmd
}

// runImport links the bundle to patientID, or to a new patient when it is
// the zero id, and imports the default selection.
func runImport(w io.Writer, path, tenant string, patientID uuid.UUID) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, release, err := db.AcquireTenant(context.Background(), a.pool, tenant)
	if err != nil {
		return err
	}
	defer release()

	sess, err := a.svc.LoadFile(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.svc.Discard(ctx, sess.ID); err != nil {
			logger.Warn().Err(err).Str("session_id", sess.ID).Msg("session cleanup failed")
		}
	}()

	if patientID == uuid.Nil {
		_, err = a.svc.CreateAndLink(ctx, sess.ID)
	} else {
		_, err = a.svc.Link(ctx, sess.ID, patientID)
	}
	if err != nil {
		return err
	}

	res, err := a.svc.Import(ctx, sess.ID)
	if err != nil {
		return err
	}
	return writeJSON(w, res)
}

func writeJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
