package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medstudy/internal/api"
	"medstudy/internal/config"
	"medstudy/internal/db"
	"medstudy/internal/logger"
	"medstudy/internal/metrics"
	"medstudy/internal/services"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Env, cfg.LogFile)
	if err != nil {
		log = logger.Fallback()
		log.Warn("falling back to console logger", "error", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("open database", "path", cfg.Database, "error", err)
	}
	defer conn.Close()

	store, closeStore := openStore(ctx, cfg, conn, log)
	defer closeStore()

	heuristics, err := services.LoadHeuristics(cfg.HeuristicsFile)
	if err != nil {
		log.Fatal("load heuristics", "path", cfg.HeuristicsFile, "error", err)
	}

	m := metrics.New()
	llm, closeLLM := buildCompleter(ctx, cfg, m, log)
	defer closeLLM()

	documentService := services.NewDocumentService(conn, cfg.UploadDir)
	pdfService := services.NewPDFService()
	bankService := services.NewBankService(store)
	profileService := services.NewProfileService(store, m)
	parserService := services.NewParserService(llm, heuristics, cfg.LLMMaxConcurrency, log.With("component", "parser"), m)
	ocrService := services.NewOCRService(llm, heuristics, cfg.LLMMaxConcurrency, log.With("component", "ocr"), m)
	ingestionService := services.NewIngestionService(documentService, pdfService, ocrService, parserService, bankService, heuristics, log.With("component", "ingestion"), m)

	server := api.NewServer(api.Services{
		Documents:  documentService,
		Ingestion:  ingestionService,
		Banks:      bankService,
		Profiles:   profileService,
		Review:     services.NewReviewService(store),
		Bookmarks:  services.NewBookmarkService(store),
		Objectives: services.NewObjectivesService(store, llm, log),
		Histology:  services.NewHistologyService(llm, log),
		DeepLearn:  services.NewDeepLearnService(llm, log),
		Quiz:       services.NewQuizService(llm, profileService, log),
	}, m, log.With("component", "api"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	log.Info("listening", "port", cfg.Port, "env", cfg.Env, "store", cfg.StoreBackend, "llm_provider", cfg.LLMProvider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", "error", err)
	}
}
