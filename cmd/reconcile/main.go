package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/sticker-storefront/internal/circuitbreaker"
	"github.com/jogardn/sticker-storefront/internal/config"
	"github.com/jogardn/sticker-storefront/internal/events"
	"github.com/jogardn/sticker-storefront/internal/lifecycle"
	"github.com/jogardn/sticker-storefront/internal/payments"
	"github.com/jogardn/sticker-storefront/internal/reconcile"
	"github.com/jogardn/sticker-storefront/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := reconcile.DefaultConfig()
	var format string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare sticker orders with their payment authorizations",
		Long: `Checks every order that went through checkout against the payment
processor and reports orders whose status disagrees with their payment.

Paid checkouts whose orders are still draft (for example because the
client never called confirm and the webhook was lost) are confirmed
unless --dry-run is set.

Examples:
  reconcile
  reconcile --dry-run=false --concurrency 10
  reconcile --format json > report.json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, format)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", opts.DryRun, "report only, do not confirm paid orders")
	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "c", opts.Concurrency, "parallel authorization lookups")
	cmd.Flags().DurationVar(&opts.DelayBetween, "delay", opts.DelayBetween, "pause after each lookup")
	cmd.Flags().DurationVar(&opts.StaleAfter, "stale-after", opts.StaleAfter, "age after which an unpaid checkout counts as abandoned")
	cmd.Flags().StringVarP(&format, "format", "f", "summary", "report format (summary, json)")

	return cmd
}

func run(parent context.Context, opts reconcile.Config, format string) error {
	cfg := config.Read()
	if cfg.Stripe.SecretKey == "" {
		return errors.New("STRIPE_SECRET_KEY is required")
	}
	logger := cfg.NewLogger()
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := store.NewDB(cfg.DB.DSN(), cfg.DB.MaxConns, logger)
	defer db.Close()
	orderStore := store.NewPostgresStore(db, logger)

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		MaxRequests: cfg.Breaker.MaxRequests,
	}, logger)
	gateway := payments.NewGuarded(
		payments.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, cfg.Stripe.Currency, nil, logger),
		breakers,
	)

	// Confirmation never touches the image host.
	coordinator := lifecycle.NewCoordinator(orderStore, gateway, nil, logger)
	if cfg.Kafka.Enabled() {
		producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, events.Topics{
			Orders:     cfg.Kafka.OrderTopic,
			Payments:   cfg.Kafka.PaymentTopic,
			DeadLetter: cfg.Kafka.DLQTopic,
		}, logger)
		if err != nil {
			return err
		}
		defer producer.Close()
		coordinator.SetPublisher(producer)
	}

	report, err := reconcile.NewReconciler(orderStore, gateway, coordinator, opts, logger).Run(ctx)
	if err != nil {
		return err
	}

	out, err := reconcile.Render(report, format)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)

	if report.Statistics.CriticalIssues > 0 && opts.DryRun {
		return fmt.Errorf("%d critical issue(s) found", report.Statistics.CriticalIssues)
	}
	return nil
}
