// Command fetchproxies runs one fetch job in the foreground and prints its
// outcome. It exits non-zero when the job fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"proxyharvest/internal/app/bootstrap"
	"proxyharvest/internal/config"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/jobs/fetch"
	jobruntime "proxyharvest/internal/jobs/runtime"
)

func main() {
	if err := run(); err != nil {
		log.Fatal("fetch failed", "error", err)
	}
}

func run() error {
	_ = godotenv.Load()

	jobType := flag.String("type", string(domain.JobTypeUnified), "job type: premium, public, basic or unified")
	timeout := flag.Int("timeout", 0, "validation timeout in seconds (default from settings)")
	workers := flag.Int("workers", 0, "validation workers (default from settings)")
	noValidate := flag.Bool("no-validate", false, "store candidates without validating them")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	defaults := config.GetConfig().Validator
	params := fetch.Params{Validate: !*noValidate, Timeout: *timeout, MaxWorkers: *workers}
	if params.Timeout == 0 {
		params.Timeout = defaults.DefaultTimeout
	}
	if params.MaxWorkers == 0 {
		params.MaxWorkers = defaults.DefaultWorkers
	}

	if outcome, err := rt.Blocklist.Refresh(ctx); err != nil {
		log.Warn("Blocklist not loaded, candidates are not screened", "error", err)
	} else if outcome.Sources > 0 {
		log.Info("Blocklist loaded", "ips", outcome.IPs, "ranges", outcome.Ranges)
	}

	engine := fetch.NewEngine(rt.Registry,
		fetch.WithLiveness(jobruntime.NewLiveness(rt.Redis)),
		fetch.WithCandidateFilter(rt.Blocklist),
	)
	job, err := engine.RunFetch(ctx, domain.JobType(*jobType), params)
	if err != nil {
		return err
	}

	duration, _ := job.Duration()
	fmt.Printf("job %d (%s) %s in %s\n", job.ID, job.JobType, job.Status, duration)
	fmt.Printf("  sources:  %d/%d successful\n", job.SourcesSuccessful, job.SourcesTried)
	fmt.Printf("  proxies:  %d found, %d new, %d working\n", job.ProxiesFound, job.ProxiesNew, job.ProxiesWorking)
	if job.Status == domain.JobFailed {
		return fmt.Errorf("job %d failed: %s", job.ID, job.ErrorMessage)
	}
	return nil
}
