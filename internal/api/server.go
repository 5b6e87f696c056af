package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"medstudy/internal/learning"
	"medstudy/internal/logger"
	"medstudy/internal/metrics"
	"medstudy/internal/models"
	"medstudy/internal/services"
)

const maxMultipartMemory = 8 << 20 // 8 MB

// Services groups everything the HTTP layer calls into.
type Services struct {
	Documents  *services.DocumentService
	Ingestion  *services.IngestionService
	Banks      *services.BankService
	Profiles   *services.ProfileService
	Review     *services.ReviewService
	Bookmarks  *services.BookmarkService
	Objectives *services.ObjectivesService
	Histology  *services.HistologyService
	DeepLearn  *services.DeepLearnService
	Quiz       *services.QuizService
}

type Server struct {
	router  chi.Router
	svc     Services
	jobs    *JobManager
	metrics *metrics.Metrics
	log     *logger.Logger
}

func NewServer(svc Services, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		router:  chi.NewRouter(),
		svc:     svc,
		jobs:    NewJobManager(),
		metrics: m,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.handleListDocuments)
			r.Post("/", s.handleUploadDocuments)
			r.Post("/jobs", s.handleCreateUploadJob)
			r.Get("/jobs/{id}", s.handleJobStatus)
		})

		r.Route("/banks", func(r chi.Router) {
			r.Get("/", s.handleListBanks)
			r.Get("/{name}", s.handleGetBank)
			r.Delete("/{name}", s.handleDeleteBank)
		})
		r.Get("/quiz", s.handleQuiz)
		r.Post("/answers", s.handleRecordAnswer)

		r.Route("/profile", func(r chi.Router) {
			r.Get("/", s.handleGetProfile)
			r.Delete("/", s.handleResetProfile)
			r.Get("/prompt", s.handleProfilePrompt)
		})

		r.Get("/review/due", s.handleDueReviews)
		r.Post("/review/{bank}/{questionID}", s.handleRate)

		r.Get("/bookmarks", s.handleListBookmarks)
		r.Put("/bookmarks/{bank}/{questionID}", s.handleAddBookmark)
		r.Delete("/bookmarks/{bank}/{questionID}", s.handleRemoveBookmark)

		r.Post("/histology", s.handleHistology)
		r.Post("/deeplearn", s.handleDeepLearn)
		r.Post("/generate", s.handleGenerate)

		r.Get("/objectives", s.handleListObjectives)
		r.Post("/objectives/extract", s.handleExtractObjectives)
		r.Put("/objectives/{id}", s.handleSetObjectiveStatus)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.svc.Documents.List(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleUploadDocuments(w http.ResponseWriter, r *http.Request) {
	files, form, ok := uploadedFiles(w, r)
	if !ok {
		return
	}
	defer form.RemoveAll()

	results := make([]DocumentResult, 0, len(files))
	for _, file := range files {
		result, err := s.processDocument(r.Context(), file, nil)
		if err != nil {
			result.Status = FileStatusError
		}
		results = append(results, result)
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleCreateUploadJob(w http.ResponseWriter, r *http.Request) {
	files, form, ok := uploadedFiles(w, r)
	if !ok {
		return
	}

	fileNames := make([]string, len(files))
	for i, file := range files {
		fileNames[i] = file.Filename
	}

	jobID, snapshot := s.jobs.CreateJob(fileNames)
	go s.runUploadJob(context.Background(), jobID, files, form)

	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.GetJob(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) runUploadJob(ctx context.Context, jobID string, files []*multipart.FileHeader, form *multipart.Form) {
	defer form.RemoveAll()

	s.jobs.MarkProcessing(jobID)
	for idx, file := range files {
		s.jobs.MarkFileStarted(jobID, idx)
		progress := func(step, message string, current, total int) {
			s.jobs.UpdateFileProgress(jobID, idx, step, message, current, total)
		}
		result, err := s.processDocument(ctx, file, progress)
		if err != nil {
			s.jobs.MarkFileError(jobID, idx, err.Error(), result)
			continue
		}
		s.jobs.MarkFileComplete(jobID, idx, result)
	}
	s.jobs.MarkCompleted(jobID)
}

func (s *Server) processDocument(ctx context.Context, file *multipart.FileHeader, progress services.ProgressCallback) (DocumentResult, error) {
	result := DocumentResult{
		Name:   file.Filename,
		Status: FileStatusError,
	}

	src, err := file.Open()
	if err != nil {
		result.Message = err.Error()
		return result, fmt.Errorf("open file %s: %w", file.Filename, err)
	}
	defer src.Close()

	doc, err := s.svc.Documents.Create(ctx, file.Filename, src)
	if err != nil {
		result.Message = err.Error()
		return result, fmt.Errorf("create document %s: %w", file.Filename, err)
	}
	result.DocumentID = doc.ID

	ingestion, err := s.svc.Ingestion.Process(ctx, doc, progress)
	if err != nil {
		result.Message = err.Error()
		return result, err
	}

	result.Status = fileStatus(ingestion.Status)
	result.Message = doc.Message
	result.Ingestion = ingestion
	return result, nil
}

func uploadedFiles(w http.ResponseWriter, r *http.Request) ([]*multipart.FileHeader, *multipart.Form, bool) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, nil, false
	}
	form := r.MultipartForm
	files := form.File["files"]
	if len(files) == 0 {
		form.RemoveAll()
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return nil, nil, false
	}
	return append([]*multipart.FileHeader(nil), files...), form, true
}

func (s *Server) handleListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.svc.Banks.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": banks})
}

func (s *Server) handleGetBank(w http.ResponseWriter, r *http.Request) {
	bank, err := s.svc.Banks.Get(r.Context(), pathParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bank)
}

func (s *Server) handleDeleteBank(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	if err := s.svc.Banks.Delete(r.Context(), name); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.svc.Review.ForgetBank(r.Context(), name); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.svc.Bookmarks.RemoveBank(r.Context(), name); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQuiz serves a bank's questions. mode=mc keeps only questions with at
// least two choices.
func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("bank"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "bank is required")
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "mc"
	}
	if mode != "mc" && mode != "all" {
		writeError(w, http.StatusBadRequest, "mode must be 'mc' or 'all'")
		return
	}

	bank, err := s.svc.Banks.Get(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	questions := make([]models.Question, 0, len(bank.Questions))
	for _, q := range bank.Questions {
		if mode == "mc" && !q.Playable() {
			continue
		}
		questions = append(questions, q)
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(questions) > limit {
		questions = questions[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bank":      bank.Name,
		"format":    bank.Format,
		"legacy":    bank.Legacy,
		"mode":      mode,
		"questions": questions,
	})
}

type answerRequest struct {
	Topic        string `json:"topic"`
	Subtopic     string `json:"subtopic"`
	QuestionType string `json:"questionType"`
	WasCorrect   bool   `json:"wasCorrect"`
}

func (s *Server) handleRecordAnswer(w http.ResponseWriter, r *http.Request) {
	var payload answerRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	profile, err := s.svc.Profiles.RecordAnswer(r.Context(), learning.Answer{
		Topic:        strings.TrimSpace(payload.Topic),
		Subtopic:     strings.TrimSpace(payload.Subtopic),
		QuestionType: strings.TrimSpace(payload.QuestionType),
		WasCorrect:   payload.WasCorrect,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.svc.Profiles.Load(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleResetProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Profiles.Reset(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfilePrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := s.svc.Profiles.SystemPrompt(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

type reviewRequest struct {
	Rating string `json:"rating"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var payload reviewRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	rating, err := services.ParseRating(payload.Rating)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.svc.Review.Rate(r.Context(), pathParam(r, "bank"), pathParam(r, "questionID"), rating)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"review": state,
		"rating": services.RatingName(rating),
	})
}

func (s *Server) handleDueReviews(w http.ResponseWriter, r *http.Request) {
	due, err := s.svc.Review.Due(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"due": due})
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	marks, err := s.svc.Bookmarks.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookmarks": marks})
}

func (s *Server) handleAddBookmark(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Bookmarks.Add(r.Context(), pathParam(r, "bank"), pathParam(r, "questionID")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveBookmark(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Bookmarks.Remove(r.Context(), pathParam(r, "bank"), pathParam(r, "questionID")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistology(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Image string `json:"image"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	if !strings.HasPrefix(payload.Image, "data:image/") {
		writeError(w, http.StatusBadRequest, "image must be a data:image/... URI")
		return
	}
	question, err := s.svc.Histology.Identify(r.Context(), payload.Image)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question": question})
}

func (s *Server) handleDeepLearn(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Topic string `json:"topic"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	phases, err := s.svc.DeepLearn.Run(r.Context(), payload.Topic, nil)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": strings.TrimSpace(payload.Topic), "phases": phases})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Topic string `json:"topic"`
		Count int    `json:"count"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if payload.Count == 0 {
		payload.Count = 5
	}
	questions, err := s.svc.Quiz.Generate(r.Context(), payload.Topic, payload.Count)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

func (s *Server) handleListObjectives(w http.ResponseWriter, r *http.Request) {
	objectives, err := s.svc.Objectives.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objectives": objectives})
}

func (s *Server) handleExtractObjectives(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	added, err := s.svc.Objectives.Extract(r.Context(), payload.Text)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) handleSetObjectiveStatus(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status models.ObjectiveStatus `json:"status"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	objective, err := s.svc.Objectives.SetStatus(r.Context(), chi.URLParam(r, "id"), payload.Status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, objective)
}

// writeServiceError maps service sentinels onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrAIUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, services.ErrUnsupportedFile),
		errors.Is(err, services.ErrInvalidRating),
		errors.Is(err, services.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// pathParam returns a decoded route parameter; bank names are file names and
// may arrive escaped.
func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
