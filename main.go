package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"github.com/timelapselabs/timelapse-api/api"
	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/config"
	"github.com/timelapselabs/timelapse-api/jobs"
	"github.com/timelapselabs/timelapse-api/metrics"
	"github.com/timelapselabs/timelapse-api/pipeline"
	"github.com/timelapselabs/timelapse-api/video"
	"github.com/timelapselabs/timelapse-api/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	vFlag := flag.Lookup("v")
	fs := flag.NewFlagSet("timelapse-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind for external-facing timelapse HTTP handling")
	config.AddrFlag(fs, &cli.HTTPInternalAddress, "http-internal-addr", "127.0.0.1:7979", "Address to bind for internal worker dispatch and result reports")
	config.AddrFlag(fs, &cli.MetricsAddress, "metrics-addr", "127.0.0.1:2112", "Address to bind the Prometheus metrics listener")

	// timelapse-api parameters
	fs.StringVar(&cli.APIToken, "api-token", "IAmAuthorized", "Auth header value for API access")
	config.URLVarFlag(fs, &cli.OwnInternalURL, "own-internal-url", "http://127.0.0.1:7979/", "Base URL workers should deliver their result reports to")
	config.URLVarFlag(fs, &cli.WorkerURL, "worker-url", "http://127.0.0.1:7979/", "Base URL chunk and merge tasks are dispatched to")
	fs.StringVar(&cli.ObjectStoreBucket, "object-store-bucket", "timelapse-media", "S3 bucket holding chunk and artifact blobs")
	fs.StringVar(&cli.ObjectStoreRegion, "object-store-region", "us-east-1", "Region of the object store bucket")
	fs.StringVar(&cli.ObjectStoreEndpoint, "object-store-endpoint", "", "Custom S3 endpoint, for MinIO or other S3-compatible stores")
	fs.StringVar(&cli.JobDBConnectionString, "job-db-connection-string", "", "Connection string for the Postgres job record database. Takes the form: host=X port=X user=X password=X dbname=X")
	fs.Float64Var(&cli.TargetOutputSecs, "target-output-secs", video.DefaultTargetOutputSecs, "Output length the timelapse speed factor aims for")
	fs.StringVar(&cli.WorkDir, "work-dir", "", "Directory for worker temp files, defaults to the system temp dir")
	fs.IntVar(&config.MaxInFlightJobs, "max-inflight-jobs", 8, "Maximum number of concurrent timelapse jobs to admit")

	// special parameters
	verbosity := fs.String("v", "", "Log verbosity.  {4|5|6}")
	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("TIMELAPSE_API"),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}
	err = flag.CommandLine.Parse(nil)
	if err != nil {
		glog.Fatal(err)
	}

	if *version {
		fmt.Printf("timelapse-api version: %s\n", config.Version)
		return
	}

	if *verbosity != "" {
		err = vFlag.Value.Set(*verbosity)
		if err != nil {
			glog.Fatal(err)
		}
	}

	objectStore, err := clients.NewS3Gateway(cli.ObjectStoreRegion, cli.ObjectStoreEndpoint, cli.ObjectStoreBucket)
	if err != nil {
		glog.Fatalf("Error creating object store gateway: %v", err)
	}

	// Persist job records to Postgres if configured; the in-memory store
	// stays authoritative either way.
	var storeOpts []jobs.StoreOption
	if cli.JobDBConnectionString != "" {
		jobDB, err := sql.Open("postgres", cli.JobDBConnectionString)
		if err != nil {
			glog.Fatalf("Error creating postgres job record connection: %v", err)
		}
		jobDB.SetMaxOpenConns(2)
		jobDB.SetMaxIdleConns(2)

		recorder, err := jobs.NewPostgresRecorder(jobDB)
		if err != nil {
			glog.Fatalf("Error preparing postgres job record table: %v", err)
		}
		storeOpts = append(storeOpts, jobs.WithRecorder(recorder))
	} else {
		glog.Info("Postgres connection string was not set, job records are held in memory only.")
	}
	store := jobs.NewStore(storeOpts...)

	statusClient := clients.NewCallbackClient()
	workerClient := clients.NewWorkerClient(cli.WorkerURL)
	dispatcher := pipeline.NewDispatcher(workerClient, objectStore, video.Probe{}, cli.TargetOutputSecs)
	coordinator := pipeline.NewCoordinator(store, dispatcher, statusClient)

	reportClient := clients.NewReportClient(cli.OwnInternalURL)
	workerHandlers := &worker.WorkerHandlersCollection{
		Registry: worker.NewRegistry(),
		Invoker:  worker.NewInvoker(objectStore, reportClient, cli.WorkDir),
	}

	// Root context; cancelling this prompts all listeners to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, cli.APIToken, coordinator, objectStore)
	})

	group.Go(func() error {
		return api.ListenAndServeInternal(ctx, cli.HTTPInternalAddress, coordinator, workerHandlers)
	})

	group.Go(func() error {
		return metrics.ListenAndServe(ctx, cli.MetricsAddress)
	})

	err = group.Wait()
	glog.Infof("Shutdown complete. Reason for shutdown: %s", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
