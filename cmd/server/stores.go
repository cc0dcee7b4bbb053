package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	activityservice "securebase/internal/activity/service"
	activitystore "securebase/internal/activity/store"
	evidenceservice "securebase/internal/evidence/service"
	evidencestore "securebase/internal/evidence/store"
	"securebase/internal/notification"
	notificationstore "securebase/internal/notification/store"
	"securebase/internal/onboarding"
	"securebase/internal/onboarding/ledger"
	"securebase/internal/platform/config"
	"securebase/internal/platform/database"
	tenantservice "securebase/internal/tenant/service"
	credentialstore "securebase/internal/tenant/store/credential"
	principalstore "securebase/internal/tenant/store/principal"
	tenantstore "securebase/internal/tenant/store/tenant"
)

type activityStore interface {
	tenantservice.ActivityStore
	activityservice.Store
}

type principalStore interface {
	tenantservice.AdminCounter
	onboarding.PrincipalStore
}

// backends holds one implementation per store. Postgres backs every table
// when DATABASE_URL is set; otherwise the process runs on memory stores and
// loses state on restart.
type backends struct {
	tx          tenantservice.TxRunner
	tenants     tenantservice.TenantStore
	principals  principalStore
	credentials onboarding.CredentialStore
	activity    activityStore
	deliveries  notification.Store
	ledger      onboarding.Ledger
	evidence    evidenceservice.Sink
}

func newBackends(ctx context.Context, cfg *config.Config, pool *database.Pool, dynamo *dynamodb.Client, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	if pool == nil {
		logger.WarnContext(ctx, "DATABASE_URL not set, using in-memory stores")
		b.tx = database.NewMemoryTxRunner()
		b.tenants = tenantstore.NewInMemory()
		b.principals = principalstore.NewInMemory()
		b.credentials = credentialstore.NewInMemory()
		b.activity = activitystore.NewInMemory()
		b.deliveries = notificationstore.NewInMemory()
		b.ledger = ledger.NewInMemory()
	} else {
		db := pool.DB()
		b.tx = database.NewTxRunner(db)
		b.tenants = tenantstore.NewPostgres(db)
		b.principals = principalstore.NewPostgres(db)
		b.credentials = credentialstore.NewPostgres(db)
		b.activity = activitystore.NewPostgres(db)
		b.deliveries = notificationstore.NewPostgres(db)
		b.ledger = ledger.NewPostgres(db)
	}

	switch cfg.Evidence.Backend {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("EVIDENCE_BACKEND=postgres requires DATABASE_URL")
		}
		b.evidence = evidencestore.NewPostgres(pool.DB(), cfg.Evidence.ProofCeiling)
	case "dynamodb":
		b.evidence = evidencestore.NewDynamo(dynamo, cfg.Evidence.DynamoTable, cfg.Evidence.ProofCeiling, cfg.Evidence.BatchAttempts)
	default:
		b.evidence = evidencestore.NewInMemory(cfg.Evidence.ProofCeiling)
	}
	logger.InfoContext(ctx, "store backends selected",
		"postgres", pool != nil,
		"evidence", cfg.Evidence.Backend,
	)
	return b, nil
}
