package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"gopkg.in/yaml.v3"

	"github.com/sentinelops/policysync/internal/approval"
	"github.com/sentinelops/policysync/internal/audit"
	"github.com/sentinelops/policysync/internal/branches"
	"github.com/sentinelops/policysync/internal/config"
	"github.com/sentinelops/policysync/internal/diff"
	"github.com/sentinelops/policysync/internal/dispatch"
	"github.com/sentinelops/policysync/internal/linkage"
	"github.com/sentinelops/policysync/internal/lock"
	"github.com/sentinelops/policysync/internal/logger"
	"github.com/sentinelops/policysync/internal/mergerequest"
	"github.com/sentinelops/policysync/internal/persist"
	"github.com/sentinelops/policysync/internal/reconcile"
	"github.com/sentinelops/policysync/internal/scm"
	"github.com/sentinelops/policysync/internal/service"
	"github.com/sentinelops/policysync/internal/store"
	"github.com/sentinelops/policysync/internal/worker"
	"github.com/sentinelops/policysync/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger.Init("policysync", cfg.LogPath)
	defer logger.Get().Sync()
	slog := logger.Sugared()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Fatalf("connecting to database: %v", err)
	}
	defer st.Close()

	locks := lock.NewPostgresService(st.Pool())

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		slog.Fatalf("loading AWS config: %v", err)
	}
	sqsClient := awssqs.NewFromConfig(awsCfg)
	dispatcher := dispatch.NewSQSDispatcher(sqsClient, cfg.SQSQueueURL)

	sink := audit.NewZapSink(logger.Get())

	var source branches.Source = branches.StoreSource{}
	if cfg.SCMToken != "" {
		source = branches.NewMirrorSource(scm.New(cfg.SCMToken))
	}
	resolver := branches.NewResolver(source)

	mrSync := mergerequest.NewService(st, dispatcher, slog)
	projector := approval.NewProjector(st, resolver, mrSync, cfg.GlobalGroupApproverSearch, slog)
	links := linkage.NewManager(st, projector, slog)

	opts := reconcile.Options{
		LeaseTTL:     cfg.LeaseTTL,
		RequeueDelay: cfg.RequeueDelay,
		BatchSize:    cfg.ProjectBatchSize,
		MaxProjects:  cfg.MaxProjects,
		StrictErrors: cfg.StrictErrors,
	}
	hierarchy := reconcile.NewHierarchyReconciler(st, locks, dispatcher, sink, links, opts, slog)
	profiles := reconcile.NewProfileReconciler(st, locks, dispatcher, sink, opts, slog)
	cleaner := reconcile.NewStaleLinkCleaner(st, locks, dispatcher, sink, opts, slog)

	engine := diff.NewEngine()
	coordinator := persist.NewCoordinator(st, slog)
	syncSvc := service.NewSyncService(st, engine, coordinator, links, dispatcher, slog)

	pool := worker.NewPool(sqsClient, cfg.SQSQueueURL, cfg.NumWorkers, slog)

	pool.Handle(dispatch.JobConfigSync, func(ctx context.Context, job dispatch.Job) error {
		configurationID, err := int64Arg(job, "configuration_id")
		if err != nil {
			return err
		}
		var document map[models.PolicyType][]models.PolicySpec
		if err := yaml.Unmarshal([]byte(job.Args["document"]), &document); err != nil {
			return fmt.Errorf("job %s: parsing policy document: %w", job.Name, err)
		}
		for typ, specs := range document {
			if err := syncSvc.Sync(ctx, configurationID, typ, specs); err != nil {
				return err
			}
		}
		return nil
	})

	pool.Handle(dispatch.JobHierarchyRetry, func(ctx context.Context, job dispatch.Job) error {
		namespaceID, err := int64Arg(job, "namespace_id")
		if err != nil {
			return err
		}
		policyID, err := int64Arg(job, "policy_id")
		if err != nil {
			return err
		}
		ns, err := st.NamespaceByID(ctx, namespaceID)
		if err != nil {
			return fmt.Errorf("loading namespace %d: %w", namespaceID, err)
		}
		policy, err := st.PolicyByID(ctx, policyID)
		if err != nil {
			return fmt.Errorf("loading policy %d: %w", policyID, err)
		}
		// Retries queued before the cursor existed carry no after_id.
		var afterID int64
		if _, ok := job.Args["after_id"]; ok {
			if afterID, err = int64Arg(job, "after_id"); err != nil {
				return err
			}
		}
		result := hierarchy.Execute(ctx, ns, policy, job.Args["actor"], false, afterID)
		return resultErr(result)
	})

	pool.Handle(dispatch.JobPolicyConfigChange, func(ctx context.Context, job dispatch.Job) error {
		configurationID, err := int64Arg(job, "configuration_id")
		if err != nil {
			return err
		}
		ns, err := st.NamespaceByID(ctx, configurationID)
		if err != nil {
			return fmt.Errorf("loading namespace %d: %w", configurationID, err)
		}
		policies, err := st.PoliciesByConfiguration(ctx, configurationID, models.PolicyType(job.Args["policy_type"]))
		if err != nil {
			return fmt.Errorf("loading policies of configuration %d: %w", configurationID, err)
		}
		for _, policy := range policies {
			if result := hierarchy.Execute(ctx, ns, policy, "policysync", true, 0); !result.Success() {
				return resultErr(result)
			}
		}
		return nil
	})

	pool.Handle(dispatch.JobProfileRetry, func(ctx context.Context, job dispatch.Job) error {
		profileID, err := int64Arg(job, "profile_id")
		if err != nil {
			return err
		}
		profile, err := st.ProfileByID(ctx, profileID)
		if err != nil {
			return fmt.Errorf("loading profile %d: %w", profileID, err)
		}
		projects, err := projectsArg(ctx, st, job)
		if err != nil {
			return err
		}
		var result reconcile.Result
		if job.Args["action"] == "detach" {
			result = profiles.Detach(ctx, profile, projects, job.Args["actor"])
		} else {
			result = profiles.Attach(ctx, profile, projects, job.Args["actor"])
		}
		return resultErr(result)
	})

	pool.Handle(dispatch.JobCleanupStaleLinks, func(ctx context.Context, job dispatch.Job) error {
		namespaceID, err := int64Arg(job, "namespace_id")
		if err != nil {
			return err
		}
		ns, err := st.NamespaceByID(ctx, namespaceID)
		if err != nil {
			return fmt.Errorf("loading namespace %d: %w", namespaceID, err)
		}
		return resultErr(cleaner.Run(ctx, ns))
	})

	slog.Infow("reconciler started", "workers", cfg.NumWorkers, "queue", cfg.SQSQueueURL)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Fatalf("worker pool: %v", err)
	}
	slog.Info("reconciler stopped")
}

func int64Arg(job dispatch.Job, key string) (int64, error) {
	v, err := strconv.ParseInt(job.Args[key], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("job %s: bad %s %q", job.Name, key, job.Args[key])
	}
	return v, nil
}

func projectsArg(ctx context.Context, st store.Store, job dispatch.Job) ([]models.Project, error) {
	var projects []models.Project
	for _, raw := range splitIDs(job.Args["project_ids"]) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad project id %q", job.Name, raw)
		}
		project, err := st.ProjectByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading project %d: %w", id, err)
		}
		projects = append(projects, project)
	}
	return projects, nil
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func resultErr(result reconcile.Result) error {
	if result.Success() {
		return nil
	}
	return fmt.Errorf("reconciliation finished with errors: %v", result.Messages)
}
