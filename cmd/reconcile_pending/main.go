package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mansoorceksport/esimpay/internal/config"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/epay"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/imsi"
	"github.com/mansoorceksport/esimpay/internal/logging"
	"github.com/mansoorceksport/esimpay/internal/repository"
	"github.com/mansoorceksport/esimpay/internal/service"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// Poller re-verifies one payment with the gateway. Implemented by
// *service.PaymentService.
type Poller interface {
	ReconcileByPolling(ctx context.Context, userID, paymentID string) (*domain.PaymentRecord, error)
}

// sweep polls every record and tallies the resulting statuses. Failures are
// tallied as "error" and never stop the sweep.
func sweep(ctx context.Context, poller Poller, records []*domain.PaymentRecord, concurrency int, log *zerolog.Logger) map[string]int {
	var (
		mu    sync.Mutex
		tally = map[string]int{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			outcome := "error"
			updated, err := poller.ReconcileByPolling(gctx, rec.UserID, rec.ID)
			if err != nil {
				log.Error().Err(err).Str("payment_id", rec.ID).Str("invoice_id", rec.InvoiceID).Msg("reconcile failed")
			} else {
				outcome = string(updated.Status)
			}

			mu.Lock()
			tally[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return tally
}

func main() {
	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	olderThan := flag.Duration("older-than", 15*time.Minute, "Only payments pending for longer than this")
	limit := flag.Int64("limit", 200, "Maximum payments per run")
	concurrency := flag.Int("concurrency", 4, "Parallel gateway status queries")
	dryRun := flag.Bool("dry-run", false, "List the payments without querying the gateway")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer client.Disconnect(context.Background())

	db := client.Database(cfg.MongoDB.Database)
	paymentRepo := repository.NewMongoPaymentRepository(db)
	esimRepo := repository.NewMongoEsimRepository(db)
	userRepo := repository.NewMongoUserRepository(db)

	records, err := paymentRepo.ListPendingBefore(ctx, time.Now().Add(-*olderThan), *limit)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list pending payments")
	}

	fmt.Println("=== Pending Payment Reconciliation ===")
	fmt.Printf("Older than: %s\n", *olderThan)
	fmt.Printf("Pending payments: %d\n\n", len(records))

	if *dryRun {
		for _, r := range records {
			fmt.Printf("  %s invoice %s user %s %.2f %s created %s\n",
				r.ID, r.InvoiceID, r.UserID, r.Amount, r.Currency, r.CreatedAt.Format(time.RFC3339))
		}
		fmt.Println("\nThis was a DRY RUN. The gateway was not queried.")
		return
	}

	gateway := epay.NewClient(epay.Config{
		OAuthURL:          cfg.Epay.OAuthURL,
		APIURL:            cfg.Epay.APIURL,
		ClientID:          cfg.Epay.ClientID,
		ClientSecret:      cfg.Epay.ClientSecret,
		TerminalID:        cfg.Epay.TerminalID,
		Timeout:           cfg.Epay.Timeout,
		RequestsPerSecond: cfg.Epay.RequestsPerSecond,
	}, logging.Component(log, "epay"))
	provider := imsi.NewClient(imsi.Config{
		BaseURL:  cfg.IMSI.BaseURL,
		Username: cfg.IMSI.Username,
		Password: cfg.IMSI.Password,
		Timeout:  cfg.IMSI.Timeout,
	}, logging.Component(log, "imsi"))

	settler := service.NewSettler(paymentRepo, esimRepo, provider, logging.Component(log, "settlement"))
	payments := service.NewPaymentService(
		service.PaymentConfig{PostLinkBaseURL: cfg.Epay.PostLinkBaseURL},
		paymentRepo, userRepo, esimRepo, gateway, settler, nil,
		logging.Component(log, "payment"),
	)

	tally := sweep(ctx, payments, records, *concurrency, logging.Component(log, "sweep"))

	statuses := make([]string, 0, len(tally))
	for s := range tally {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	fmt.Println("=== Summary ===")
	for _, s := range statuses {
		fmt.Printf("%-8s %d\n", s, tally[s])
	}
}
