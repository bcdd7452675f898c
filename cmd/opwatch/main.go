// Command opwatch follows one long-running job from the terminal. It is a
// thin consumer of the tracking engine: point it at a run identifier and it
// prints every authoritative state change until the operation terminates.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	trknoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/datalens/opwatch/internal/config"
	"github.com/datalens/opwatch/internal/config/envloader"
	"github.com/datalens/opwatch/internal/config/fileloader"
	"github.com/datalens/opwatch/internal/domain/tracking"
	"github.com/datalens/opwatch/pkg/common/logger"
	"github.com/datalens/opwatch/pkg/common/otel"
	"github.com/datalens/opwatch/pkg/tracker"
)

const serviceName = "opwatch"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "opwatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a YAML config file; environment variables are used when empty")
		kindName   = flag.String("kind", string(config.JobKindTraining), "job kind: eda, training, or prediction")
		authToken  = flag.String("token", os.Getenv("OPWATCH_AUTH_TOKEN"), "bearer token for the status API")
	)
	flag.Parse()

	jobID := flag.Arg(0)
	if jobID == "" {
		return fmt.Errorf("usage: opwatch [flags] <job-id>")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.New(os.Stderr, logger.LevelInfo, serviceName, otel.GetTraceID)

	var loader config.Loader = envloader.NewEnvLoader()
	if *configPath != "" {
		loader = fileloader.NewFileLoader(*configPath)
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		return err
	}

	engineOpts := []tracker.Option{}
	if *authToken != "" {
		engineOpts = append(engineOpts, tracker.WithAuthToken(*authToken))
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceName,
			ExporterEndpoint: endpoint,
			Probability:      1,
			InsecureExporter: true,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer teardown(ctx)
		engineOpts = append(engineOpts, tracker.WithTracer(tp.Tracer(serviceName)))
	} else {
		engineOpts = append(engineOpts, tracker.WithTracer(trknoop.NewTracerProvider().Tracer(serviceName)))
	}

	engine, err := tracker.NewEngine(*cfg, log, engineOpts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	handle, err := engine.TrackOperation(ctx, tracking.JobID(jobID), tracker.Kind(*kindName))
	if err != nil {
		return err
	}

	done := make(chan tracking.OperationState, 1)
	unsubscribe := handle.Subscribe(func(st tracking.OperationState) {
		fmt.Printf("%-9s %6.1f%%  %s\n", st.Phase(), st.Progress()*100, st.Message())
		if st.IsTerminal() {
			select {
			case done <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case st := <-done:
		if st.Phase() == tracking.PhaseFailed {
			if f := st.Failure(); f != nil {
				return fmt.Errorf("operation failed (%s): %s", f.Kind(), f.Reason())
			}
			return fmt.Errorf("operation failed")
		}
		fmt.Printf("result: %s\n", st.Result())
		return nil
	case <-sigCh:
		handle.Cancel("interrupted")
		return fmt.Errorf("interrupted")
	}
}
