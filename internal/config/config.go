package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"POLICYSYNC_DATABASE_URL,required"`

	SQSQueueURL string `env:"POLICYSYNC_SQS_QUEUE_URL"`
	AWSRegion   string `env:"AWS_REGION" envDefault:"us-east-1"`

	// Optional SCM mirror access; projects with a mirror configured read
	// their live branch list from there instead of the store.
	SCMToken string `env:"POLICYSYNC_SCM_TOKEN"`
	SCMOrg   string `env:"POLICYSYNC_SCM_ORG"`

	// GlobalGroupApproverSearch allows group approvers to be looked up
	// outside the project's own namespace hierarchy.
	GlobalGroupApproverSearch bool `env:"POLICYSYNC_GLOBAL_GROUP_SEARCH" envDefault:"false"`

	// StrictErrors re-raises unexpected infrastructure errors instead of
	// downgrading them to generic per-item results.
	StrictErrors bool `env:"POLICYSYNC_STRICT_ERRORS" envDefault:"false"`

	ProjectBatchSize int           `env:"POLICYSYNC_PROJECT_BATCH_SIZE" envDefault:"100"`
	MaxProjects      int           `env:"POLICYSYNC_MAX_PROJECTS" envDefault:"1000"`
	LeaseTTL         time.Duration `env:"POLICYSYNC_LEASE_TTL" envDefault:"30s"`
	RequeueDelay     time.Duration `env:"POLICYSYNC_REQUEUE_DELAY" envDefault:"10s"`

	NumWorkers int `env:"POLICYSYNC_NUM_WORKERS" envDefault:"5"`

	LogPath string `env:"POLICYSYNC_LOG_PATH" envDefault:"logs/policysync.log"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
