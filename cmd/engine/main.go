package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/modulebilling/internal/billing"
	billingdomain "github.com/smallbiznis/modulebilling/internal/billing/domain"
	"github.com/smallbiznis/modulebilling/internal/catalog"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/internal/config"
	"github.com/smallbiznis/modulebilling/internal/entitlement"
	"github.com/smallbiznis/modulebilling/internal/lock"
	"github.com/smallbiznis/modulebilling/internal/logger"
	"github.com/smallbiznis/modulebilling/internal/migration"
	"github.com/smallbiznis/modulebilling/internal/observability"
	"github.com/smallbiznis/modulebilling/internal/reconciler"
	"github.com/smallbiznis/modulebilling/internal/reference"
	"github.com/smallbiznis/modulebilling/internal/scheduler"
	"github.com/smallbiznis/modulebilling/internal/seed"
	"github.com/smallbiznis/modulebilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] == "serve" {
		fx.New(modules()...).Run()
		return
	}

	var err error
	switch os.Args[1] {
	case "init-defaults":
		err = initDefaults(os.Args[2:])
	case "generate-bills":
		err = generateBills(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q (want serve, init-defaults or generate-bills)", os.Args[1])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func modules() []fx.Option {
	return []fx.Option{
		// Core Infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// Functional Domains
		reference.Module,
		catalog.Module,
		entitlement.Module,
		reconciler.Module,
		billing.Module,

		seed.Module,
		scheduler.Module,
	}
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

// runOnce starts the app without the scheduler, hands the populated targets
// to fn and stops the app again.
func runOnce(fn func(ctx context.Context) error, targets ...any) error {
	opts := append(modules(),
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.SchedulerEnabled = false
			return cfg
		}),
		fx.Populate(targets...),
		fx.NopLogger,
	)
	app := fx.New(opts...)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(context.Background())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return errors.Join(runErr, app.Stop(stopCtx))
}

func initDefaults(args []string) error {
	fs := flag.NewFlagSet("init-defaults", flag.ContinueOnError)
	companies := fs.String("companies", "", "comma separated company ids")
	moduleKeys := fs.String("modules", "", "comma separated module keys; defaults to engine.defaultModules")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		svc reconciler.Service
		log *zap.Logger
	)
	return runOnce(func(ctx context.Context) error {
		result, err := svc.InitializeDefaults(ctx, splitList(*companies), splitList(*moduleKeys))
		if err != nil {
			return err
		}
		log.Info("defaults initialized",
			zap.String("run_id", result.RunID),
			zap.Int("applied", result.Applied),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
		)
		if result.Failed > 0 {
			return fmt.Errorf("%d operations failed", result.Failed)
		}
		return nil
	}, &svc, &log)
}

func generateBills(args []string) error {
	fs := flag.NewFlagSet("generate-bills", flag.ContinueOnError)
	companies := fs.String("companies", "", "comma separated company ids")
	periodValue := fs.String("period", "", "billing period as YYYY-MM; defaults to the current month")
	finalize := fs.Bool("finalize", false, "finalize each bill after generation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		svc billingdomain.Service
		clk clock.Clock
		log *zap.Logger
	)
	return runOnce(func(ctx context.Context) error {
		period := billingdomain.PeriodOf(clk.Now())
		if *periodValue != "" {
			parsed, err := billingdomain.ParsePeriod(*periodValue)
			if err != nil {
				return err
			}
			period = parsed
		}

		var errs error
		for _, companyID := range splitList(*companies) {
			bill, err := svc.Generate(ctx, billingdomain.GenerateRequest{CompanyID: companyID, Period: period})
			if err == nil && *finalize {
				bill, err = svc.Finalize(ctx, bill.ID.String())
			}
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("company %s: %w", companyID, err))
				continue
			}
			log.Info("bill ready",
				zap.String("bill_id", bill.ID.String()),
				zap.String("company_id", companyID),
				zap.String("period", period.String()),
				zap.String("status", string(bill.Status)),
				zap.Int64("total_amount", bill.TotalAmount),
			)
		}
		return errs
	}, &svc, &clk, &log)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
