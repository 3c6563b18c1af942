package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/app"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/docs"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/protect"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Configuration file path")
		inputFile   = flag.String("input", "", "Input corpus (CSV, Parquet or JSON lines)")
		outputFile  = flag.String("output", "", "Output file (CSV, Parquet or JSON lines)")
		mappingOut  = flag.String("mapping-out", "", "Write the session mapping to this file")
		mappingIn   = flag.String("mapping", "", "Mapping file from an earlier run, merged into the session")
		storeID     = flag.String("session-id", "", "Also save the mapping in the session store under this id (\"new\" generates one)")
		query       = flag.String("query", "", "Protect a query with the corpus session and print it")
		restoreFile = flag.String("restore", "", "Restore a text file with -mapping and print it")
		contextName = flag.String("context", "rag", "Policy context for the corpus")
		batchSize   = flag.Int("batch-size", 500, "Records per batch")
		workers     = flag.Int("workers", 4, "Number of worker goroutines")
		maxLength   = flag.Int("max-length", 0, "Skip records longer than this many bytes (0 = unlimited)")
	)
	flag.Parse()

	if *inputFile == "" && *query == "" && *restoreFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -input notes.csv -output notes.protected.jsonl -mapping-out mapping.json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -input notes.parquet -output notes.protected.parquet -workers 8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -mapping mapping.json -query \"visits for SSN 123-45-6789\"\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -mapping mapping.json -restore answer.txt\n", os.Args[0])
		os.Exit(1)
	}
	if *inputFile != "" && *outputFile == "" {
		fmt.Fprintln(os.Stderr, "-output is required with -input")
		os.Exit(1)
	}

	// Restoring only needs the mapping.
	if *restoreFile != "" {
		if err := restore(*restoreFile, *mappingIn, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Restore failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	rt, err := app.Build(cfg, log, app.Options{RequireCipher: true})
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer rt.Close()
	rt.LoadPolicy(ctx)

	session := rt.Protector.NewSession(protect.Options{Mode: protect.Reversible, Context: *contextName})
	defer session.Close()

	if *mappingIn != "" {
		m, err := docs.LoadMapping(*mappingIn)
		if err != nil {
			rt.Logger.Fatal("Failed to load mapping", zap.Error(err))
		}
		if err := session.Merge(m); err != nil {
			rt.Logger.Fatal("Failed to load mapping", zap.Error(err))
		}
	}

	pipeline := docs.NewPipeline(session, &docs.Config{
		BatchSize:      *batchSize,
		WorkerCount:    *workers,
		MaxTextLength:  *maxLength,
		ProgressReport: 1000,
	}, rt.Logger)

	if *inputFile != "" {
		if err := processCorpus(ctx, pipeline, *inputFile, *outputFile, rt.Logger); err != nil {
			rt.Logger.Fatal("Document processing failed", zap.Error(err))
		}
	}

	if *query != "" {
		res, err := pipeline.ProtectQuery(ctx, *query)
		if err != nil {
			rt.Logger.Fatal("Query protection failed", zap.Error(err))
		}
		fmt.Println(res.Text)
	}

	if *mappingOut != "" {
		if _, err := pipeline.ExportMapping(*mappingOut); err != nil {
			rt.Logger.Fatal("Failed to export mapping", zap.Error(err))
		}
	}

	if *storeID != "" {
		id := *storeID
		if id == "new" {
			id = uuid.NewString()
		}
		if _, err := rt.Sessions.Append(ctx, id, session.Mapping()); err != nil {
			rt.Logger.Fatal("Failed to save session mapping", zap.Error(err))
		}
		rt.Logger.Info("Session mapping saved", zap.String("session_id", id), zap.Int("entries", session.Len()))
		fmt.Fprintf(os.Stderr, "session_id: %s\n", id)
	}
}

func processCorpus(ctx context.Context, pipeline *docs.Pipeline, input, output string, log *logger.Logger) error {
	if _, err := os.Stat(input); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", input)
	}

	result, err := pipeline.ProcessFile(ctx, input, output)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	rate := 0.0
	if s := result.Duration.Seconds(); s > 0 {
		rate = float64(result.TotalRecords) / s
	}
	log.Info("Corpus processing completed",
		zap.String("input", input),
		zap.String("output", output),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("entities", result.Entities),
		zap.Any("by_kind", result.ByKind),
		zap.Duration("total_duration", result.Duration),
		zap.Float64("records_per_second", rate))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}
	return nil
}

func restore(path, mappingPath string, out io.Writer) error {
	if mappingPath == "" {
		return errors.New("-restore needs -mapping")
	}
	m, err := docs.LoadMapping(mappingPath)
	if err != nil {
		return err
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	_, err = io.WriteString(out, protect.Restore(string(text), m))
	return err
}
