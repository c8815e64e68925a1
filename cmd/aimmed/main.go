package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ylouis83/aim-medical/internal/archive"
	"github.com/ylouis83/aim-medical/internal/config"
	"github.com/ylouis83/aim-medical/internal/embedder"
	"github.com/ylouis83/aim-medical/internal/logger"
	"github.com/ylouis83/aim-medical/pkg/medmem"
	"github.com/ylouis83/aim-medical/pkg/medmem/extract"
)

func init() {
	godotenv.Load()
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: aimmed <command> [args]

commands:
  serve                                 run with scheduled maintenance until interrupted
  ingest <patient_id> <user_id> <file>  ingest a report file for a patient
  query <user_id> <text>                search memories
  timeline <patient_id>                 print a patient's encounter timeline`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	backend, err := medmem.Open(medmem.Config{
		Kind:     medmem.BackendKind(cfg.Backend),
		Path:     cfg.DBPath,
		Embedder: embedder.New(cfg.Embedder),
	})
	if err != nil {
		logger.Fatal("failed to open backend", "error", err)
	}

	service, err := medmem.NewService(backend, medmem.WithExtractor(extract.LineExtractor{}))
	if err != nil {
		logger.Fatal("failed to create service", "error", err)
	}
	defer service.Close()

	ctx := context.Background()

	switch os.Args[1] {
	case "serve":
		serve(service, cfg)
	case "ingest":
		if len(os.Args) != 5 {
			usage()
		}
		ingest(ctx, service, cfg, os.Args[2], os.Args[3], os.Args[4])
	case "query":
		if len(os.Args) != 4 {
			usage()
		}
		query(ctx, service, os.Args[2], os.Args[3])
	case "timeline":
		if len(os.Args) != 3 {
			usage()
		}
		timeline(ctx, service, os.Args[2])
	default:
		usage()
	}
}

func serve(service *medmem.Service, cfg *config.Config) {
	if cfg.MaintenanceSchedule != "" {
		m, err := service.StartMaintenance(cfg.MaintenanceSchedule)
		if err != nil {
			logger.Fatal("failed to start maintenance", "error", err)
		}
		defer m.Stop()
	}

	logger.Info("aimmed running", "backend", cfg.Backend, "db", cfg.DBPath)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
}

func ingest(ctx context.Context, service *medmem.Service, cfg *config.Config, patientID, userID, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Fatal("failed to read report", "path", path, "error", err)
	}

	result, err := service.IngestReport(ctx, medmem.ReportIngest{
		PatientID:  patientID,
		UserID:     userID,
		Title:      path,
		ReportText: string(data),
	})
	if err != nil {
		logger.Fatal("ingest failed", "error", err)
	}

	if result.AlreadyIngested {
		fmt.Printf("already ingested as document %s\n", result.DocumentID)
		return
	}

	if cfg.Archive.Enabled {
		client, err := archive.NewClient(cfg.Archive)
		if err != nil {
			logger.Fatal("failed to create archive client", "error", err)
		}
		if err := client.Init(ctx); err != nil {
			logger.Fatal("failed to init archive", "error", err)
		}
		uri, err := client.StoreReport(ctx, patientID, result.DocumentID, string(data))
		if err != nil {
			logger.Error("failed to archive raw report", "error", err)
		} else if _, err := service.Rectify(ctx, medmem.TypeDocument, result.DocumentID, map[string]any{"SourceURI": uri}); err != nil {
			logger.Error("failed to record archive location", "document_id", result.DocumentID, "error", err)
		}
	}

	fmt.Printf("ingested document %s, %d records created\n", result.DocumentID, len(result.CreatedIDs))
}

func query(ctx context.Context, service *medmem.Service, userID, text string) {
	results, err := service.QueryMemories(ctx, text, medmem.QueryScope{UserID: userID}, 10)
	if err != nil {
		logger.Fatal("query failed", "error", err)
	}

	for _, r := range results {
		fmt.Printf("%.3f  [%s]  %s\n", r.Score, r.Item.Kind, r.Item.Text)
	}
}

func timeline(ctx context.Context, service *medmem.Service, patientID string) {
	entries, err := service.GetPatientTimeline(ctx, patientID)
	if err != nil {
		logger.Fatal("timeline failed", "error", err)
	}

	for _, e := range entries {
		start := "unknown"
		if e.Encounter.StartTime != nil {
			start = e.Encounter.StartTime.Format("2006-01-02 15:04")
		}
		fmt.Printf("%s  %s  %s\n", start, e.Encounter.EncounterID, e.Encounter.ChiefComplaint)
		for _, o := range e.Observations {
			if o.ValueNumeric != nil {
				fmt.Printf("    obs  %s: %g %s\n", o.Name, *o.ValueNumeric, o.Unit)
			} else {
				fmt.Printf("    obs  %s: %s\n", o.Name, o.Value)
			}
		}
		for _, m := range e.Medications {
			fmt.Printf("    med  %s (%s)\n", m.Name, m.Status)
		}
		for _, d := range e.Documents {
			fmt.Printf("    doc  %s (%s)\n", d.Title, d.DocType)
		}
	}
}
