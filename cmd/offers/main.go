package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keybridge/internal/catalog"
	"keybridge/internal/config"
	"keybridge/internal/credentials"
	"keybridge/internal/logger"
	"keybridge/internal/marketplace"
	"keybridge/internal/offersync"
	"keybridge/internal/supplier"

	"github.com/shopspring/decimal"
)

const usage = `usage: offers [flags] <command>

commands:
  create              create offers for every mapped product
  check               check the jobs recorded by the last create
  check-specific <id> check one job
  create-and-check    create offers, wait, then check their jobs
`

var ErrUsage = errors.New("unknown or incomplete command")

type app struct {
	creator  *offersync.Creator
	market   offersync.OfferCreator
	jobsFile string
	wait     time.Duration
	out      io.Writer
}

func main() {
	jobsFile := flag.String("jobs", "offer-jobs.json", "file recording submitted offer jobs")
	wait := flag.Duration("wait", 30*time.Second, "delay between create and check in create-and-check")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadUpstreamConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, *jobsFile, *wait)
	if err != nil {
		log.Fatal(err)
	}
	if err := a.run(ctx, flag.Args()); err != nil {
		if errors.Is(err, ErrUsage) {
			flag.Usage()
		}
		log.Fatal(err)
	}
}

func newApp(cfg *config.Config, jobsFile string, wait time.Duration) (*app, error) {
	cat, err := catalog.Load(cfg.ProductsFile)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	supplierClient := supplier.NewClient(cfg.SupplierBaseURL,
		credentials.NewSource("supplier",
			credentials.ClientCredentials(httpClient, cfg.SupplierTokenURL, cfg.SupplierClientID, cfg.SupplierClientSecret)),
		cfg.SupplierRateLimit)
	marketplaceClient := marketplace.NewClient(cfg.MarketplaceBaseURL,
		credentials.NewSource("marketplace",
			credentials.ClientCredentials(httpClient, cfg.MarketplaceTokenURL, cfg.MarketplaceAPIKey, cfg.MarketplaceAPISecret)))

	creator := offersync.NewCreator(cat, supplierClient, marketplaceClient, offersync.Config{
		DefaultProfit: cfg.DefaultFixedProfit,
		FeePercentage: cfg.DefaultFeePercentage,
	})
	return &app{creator: creator, market: marketplaceClient, jobsFile: jobsFile, wait: wait, out: os.Stdout}, nil
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}

	switch args[0] {
	case "create":
		_, err := a.create(ctx)
		return err
	case "check":
		subs, err := a.loadJobs()
		if err != nil {
			return err
		}
		a.printReport(a.creator.CheckJobs(ctx, subs))
		return nil
	case "check-specific":
		if len(args) < 2 {
			return fmt.Errorf("%w: check-specific needs a job id", ErrUsage)
		}
		return a.checkSpecific(ctx, args[1])
	case "create-and-check":
		subs, err := a.create(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "\nwaiting %s before checking job statuses\n", a.wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.wait):
		}
		a.printReport(a.creator.CheckJobs(ctx, subs))
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUsage, args[0])
	}
}

func (a *app) create(ctx context.Context) ([]offersync.Submission, error) {
	subs, err := a.creator.CreateOffers(ctx)
	if err != nil {
		return nil, err
	}

	var submitted []offersync.Submission
	for _, s := range subs {
		switch {
		case s.Skipped != "":
			fmt.Fprintf(a.out, "skipped  %s: %s\n", s.MarketplaceProductID, s.Skipped)
		case s.Err != nil:
			fmt.Fprintf(a.out, "failed   %s: %v\n", s.MarketplaceProductID, s.Err)
		default:
			fmt.Fprintf(a.out, "submitted %s (%s) job %s price %s quantity %d\n",
				s.MarketplaceProductID, s.ProductName, s.JobID, s.Price.StringFixed(2), s.Quantity)
			submitted = append(submitted, s)
		}
	}
	fmt.Fprintf(a.out, "total jobs submitted: %d\n", len(submitted))

	if err := a.saveJobs(submitted); err != nil {
		return nil, err
	}
	return submitted, nil
}

func (a *app) checkSpecific(ctx context.Context, jobID string) error {
	job, err := a.market.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "job %s status: %s\n", job.ID, job.Status)
	for i, e := range job.Elements {
		fmt.Fprintf(a.out, "  %d. %s %s status %s", i+1, e.ResourceType, e.ResourceID, e.Status)
		if e.Code != "" {
			fmt.Fprintf(a.out, " code %s", e.Code)
		}
		if e.Message != "" {
			fmt.Fprintf(a.out, " message %q", e.Message)
		}
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *app) printReport(r offersync.JobReport) {
	fmt.Fprintf(a.out, "completed: %d\n", len(r.Completed))
	for _, o := range r.Completed {
		fmt.Fprintf(a.out, "  %s job %s offers %v\n", o.MarketplaceProductID, o.JobID, o.OfferIDs)
	}
	fmt.Fprintf(a.out, "failed: %d\n", len(r.Failed))
	for _, o := range r.Failed {
		if o.Err != nil {
			fmt.Fprintf(a.out, "  %s job %s error %v\n", o.MarketplaceProductID, o.JobID, o.Err)
			continue
		}
		for _, e := range o.Rejected {
			fmt.Fprintf(a.out, "  %s job %s error %s %s\n", o.MarketplaceProductID, o.JobID, e.Code, e.Message)
		}
	}
	fmt.Fprintf(a.out, "pending: %d\n", len(r.Pending))
	for _, o := range r.Pending {
		fmt.Fprintf(a.out, "  %s job %s status %s\n", o.MarketplaceProductID, o.JobID, o.Status)
	}
}

type jobRecord struct {
	JobID                string `json:"job_id"`
	MarketplaceProductID string `json:"marketplace_product_id"`
	SupplierProductID    string `json:"supplier_product_id"`
	ProductName          string `json:"product_name,omitempty"`
	Price                string `json:"price"`
	Quantity             int    `json:"quantity"`
}

func (a *app) saveJobs(subs []offersync.Submission) error {
	records := make([]jobRecord, 0, len(subs))
	for _, s := range subs {
		records = append(records, jobRecord{
			JobID:                s.JobID,
			MarketplaceProductID: s.MarketplaceProductID,
			SupplierProductID:    s.SupplierProductID,
			ProductName:          s.ProductName,
			Price:                s.Price.StringFixed(2),
			Quantity:             s.Quantity,
		})
	}

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.jobsFile, raw, 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	return nil
}

func (a *app) loadJobs() ([]offersync.Submission, error) {
	raw, err := os.ReadFile(a.jobsFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no pending jobs in %s, run create first", a.jobsFile)
	}
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var records []jobRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}

	subs := make([]offersync.Submission, 0, len(records))
	for _, r := range records {
		price, _ := decimal.NewFromString(r.Price)
		subs = append(subs, offersync.Submission{
			Price:                price,
			JobID:                r.JobID,
			MarketplaceProductID: r.MarketplaceProductID,
			SupplierProductID:    r.SupplierProductID,
			ProductName:          r.ProductName,
			Quantity:             r.Quantity,
		})
	}
	return subs, nil
}
