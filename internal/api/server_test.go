package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"medstudy/internal/db"
	"medstudy/internal/logger"
	"medstudy/internal/metrics"
	"medstudy/internal/services"
)

const anatomyExam = `1. Which nerve innervates the deltoid muscle?
A. Axillary
B. Radial
C. Median
D. Ulnar
`

type llmFunc func(services.Prompt) (string, error)

func (f llmFunc) Complete(_ context.Context, p services.Prompt) (string, error) {
	return f(p)
}

func scriptedLLM() llmFunc {
	return func(p services.Prompt) (string, error) {
		if strings.Contains(p.User, "learning objectives") {
			return `{"objectives":[{"text":"Name the nerves of the brachial plexus","topic":"Anatomy"}]}`, nil
		}
		return `{"questions":[{"stem":"Which nerve innervates the deltoid muscle?","choices":{"A":"Axillary","B":"Radial","C":"Median","D":"Ulnar"},"correct":"A","topic":"Anatomy","type":"anatomy"}]}`, nil
	}
}

func newTestServer(t *testing.T, llm services.Completer) *httptest.Server {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return httptest.NewServer(newTestHandler(t, conn, llm))
}

func newTestHandler(t *testing.T, conn *sql.DB, llm services.Completer) http.Handler {
	t.Helper()
	log := logger.Nop()
	m := metrics.New()
	h := services.DefaultHeuristics()
	store := services.NewSQLiteKV(conn)

	documents := services.NewDocumentService(conn, filepath.Join(t.TempDir(), "uploads"))
	banks := services.NewBankService(store)
	profiles := services.NewProfileService(store, m)
	parser := services.NewParserService(llm, h, 1, log, m)

	srv := NewServer(Services{
		Documents:  documents,
		Ingestion:  services.NewIngestionService(documents, services.NewPDFService(), services.NewOCRService(llm, h, 1, log, m), parser, banks, h, log, m),
		Banks:      banks,
		Profiles:   profiles,
		Review:     services.NewReviewService(store),
		Bookmarks:  services.NewBookmarkService(store),
		Objectives: services.NewObjectivesService(store, llm, log),
		Histology:  services.NewHistologyService(llm, log),
		DeepLearn:  services.NewDeepLearnService(llm, log),
		Quiz:       services.NewQuizService(llm, profiles, log),
	}, m, log)
	return srv.Handler()
}

type upload struct {
	name    string
	content string
}

func multipartBody(t *testing.T, files ...upload) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(f.content))
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, scriptedLLM())
	defer ts.Close()

	var health map[string]string
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/health", nil, &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health: %d %v", code, health)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestServer_SyncUploadAndQuiz(t *testing.T) {
	ts := newTestServer(t, scriptedLLM())
	defer ts.Close()

	body, contentType := multipartBody(t, upload{"anatomy.txt", anatomyExam})
	resp, err := http.Post(ts.URL+"/api/documents", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	var uploaded struct {
		Results []DocumentResult `json:"results"`
	}
	json.NewDecoder(resp.Body).Decode(&uploaded)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(uploaded.Results) != 1 {
		t.Fatalf("upload: %d %+v", resp.StatusCode, uploaded)
	}
	result := uploaded.Results[0]
	if result.Status != FileStatusComplete || result.Ingestion == nil || result.Ingestion.Questions != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	var banks struct {
		Banks []services.BankSummary `json:"banks"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/banks", nil, &banks)
	if len(banks.Banks) != 1 || banks.Banks[0].Name != "anatomy.txt" {
		t.Fatalf("unexpected banks %+v", banks)
	}

	var quiz struct {
		Questions []struct {
			ID   string `json:"id"`
			Stem string `json:"stem"`
		} `json:"questions"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/quiz?bank=anatomy.txt&mode=mc", nil, &quiz); code != http.StatusOK {
		t.Fatalf("quiz status %d", code)
	}
	if len(quiz.Questions) != 1 || quiz.Questions[0].ID != "q1" {
		t.Fatalf("unexpected quiz %+v", quiz)
	}

	var docs struct {
		Documents []struct {
			Status string `json:"status"`
		} `json:"documents"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/documents", nil, &docs)
	if len(docs.Documents) != 1 || docs.Documents[0].Status != "complete" {
		t.Fatalf("unexpected documents %+v", docs)
	}

	if code := doJSON(t, http.MethodGet, ts.URL+"/api/quiz?bank=missing.pdf", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing bank should 404, got %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/quiz?bank=anatomy.txt&mode=flash", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad mode should 400, got %d", code)
	}
	if code := doJSON(t, http.MethodPut, ts.URL+"/api/bookmarks/anatomy.txt/q1", nil, nil); code != http.StatusNoContent {
		t.Fatalf("bookmark: %d", code)
	}
	if code := doJSON(t, http.MethodDelete, ts.URL+"/api/banks/anatomy.txt", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete bank: %d", code)
	}
	var marks struct {
		Bookmarks map[string][]string `json:"bookmarks"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/bookmarks", nil, &marks)
	if _, ok := marks.Bookmarks["anatomy.txt"]; ok {
		t.Fatalf("bookmarks of a deleted bank should be removed: %+v", marks)
	}
	if code := doJSON(t, http.MethodDelete, ts.URL+"/api/banks/anatomy.txt", nil, nil); code != http.StatusNotFound {
		t.Fatalf("second delete should 404, got %d", code)
	}
}

func TestServer_UploadJob(t *testing.T) {
	ts := newTestServer(t, scriptedLLM())
	defer ts.Close()

	body, contentType := multipartBody(t,
		upload{"anatomy.txt", anatomyExam},
		upload{"handout.docx", "not supported"},
		upload{"notes.txt", "The brachial plexus arises from C5 to T1."},
	)
	resp, err := http.Post(ts.URL+"/api/documents/jobs", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	var created UploadJob
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || created.ID == "" || len(created.Files) != 3 {
		t.Fatalf("create job: %d %+v", resp.StatusCode, created)
	}

	var job UploadJob
	deadline := time.Now().Add(10 * time.Second)
	for {
		doJSON(t, http.MethodGet, ts.URL+"/api/documents/jobs/"+created.ID, nil, &job)
		if job.Status == JobStatusComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := []string{FileStatusComplete, FileStatusError, FileStatusEmpty}
	for i, file := range job.Files {
		if file.Status != want[i] || file.Percent != 100 {
			t.Fatalf("file %d: %+v", i, file)
		}
	}
	if job.Files[1].Error == "" || job.Files[2].Message != "No questions found" {
		t.Fatalf("unexpected messages %+v", job.Files)
	}
	if len(job.Results) != 3 {
		t.Fatalf("expected three results, got %d", len(job.Results))
	}

	if code := doJSON(t, http.MethodGet, ts.URL+"/api/documents/jobs/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown job should 404, got %d", code)
	}
}

func TestServer_ProfileReviewBookmarks(t *testing.T) {
	ts := newTestServer(t, scriptedLLM())
	defer ts.Close()

	var profile struct {
		WeakTopics map[string]int `json:"weakTopics"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/api/answers", answerRequest{
		Topic: "Cardiology", Subtopic: "Arrhythmia", QuestionType: "clinicalVignette",
	}, &profile)
	if code != http.StatusOK || profile.WeakTopics["Cardiology — Arrhythmia"] != 1 {
		t.Fatalf("record answer: %d %+v", code, profile)
	}

	var prompt map[string]string
	doJSON(t, http.MethodGet, ts.URL+"/api/profile/prompt", nil, &prompt)
	if !strings.Contains(prompt["prompt"], "Cardiology — Arrhythmia") {
		t.Fatalf("prompt missing weak topic: %q", prompt["prompt"])
	}
	if code := doJSON(t, http.MethodDelete, ts.URL+"/api/profile", nil, nil); code != http.StatusNoContent {
		t.Fatalf("reset: %d", code)
	}
	profile.WeakTopics = nil
	doJSON(t, http.MethodGet, ts.URL+"/api/profile", nil, &profile)
	if len(profile.WeakTopics) != 0 {
		t.Fatalf("profile not reset: %+v", profile)
	}

	var rated struct {
		Rating string `json:"rating"`
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/review/cardio%20block.pdf/q1", reviewRequest{Rating: "again"}, &rated); code != http.StatusOK || rated.Rating != "again" {
		t.Fatalf("rate: %d %+v", code, rated)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/review/cardio.pdf/q1", reviewRequest{Rating: "meh"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad rating should 400, got %d", code)
	}

	if code := doJSON(t, http.MethodPut, ts.URL+"/api/bookmarks/cardio%20block.pdf/q7", nil, nil); code != http.StatusNoContent {
		t.Fatalf("bookmark: %d", code)
	}
	var marks struct {
		Bookmarks map[string][]string `json:"bookmarks"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/bookmarks", nil, &marks)
	if got := marks.Bookmarks["cardio block.pdf"]; len(got) != 1 || got[0] != "q7" {
		t.Fatalf("unexpected bookmarks %+v", marks)
	}
}

func TestServer_ObjectivesAndGeneration(t *testing.T) {
	ts := newTestServer(t, scriptedLLM())
	defer ts.Close()

	var extracted struct {
		Added []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"added"`
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/objectives/extract", map[string]string{"text": "Upper limb lecture"}, &extracted); code != http.StatusOK {
		t.Fatalf("extract: %d", code)
	}
	if len(extracted.Added) != 1 || extracted.Added[0].Status != "untested" {
		t.Fatalf("unexpected objectives %+v", extracted)
	}
	id := extracted.Added[0].ID
	if code := doJSON(t, http.MethodPut, ts.URL+"/api/objectives/"+id, map[string]string{"status": "mastered"}, nil); code != http.StatusOK {
		t.Fatalf("set status: %d", code)
	}
	if code := doJSON(t, http.MethodPut, ts.URL+"/api/objectives/"+id, map[string]string{"status": "bored"}, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid status should 400, got %d", code)
	}

	var generated struct {
		Questions []struct {
			ID string `json:"id"`
		} `json:"questions"`
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/generate", map[string]any{"topic": "Brachial plexus", "count": 3}, &generated); code != http.StatusOK {
		t.Fatalf("generate: %d", code)
	}
	if len(generated.Questions) != 1 || !strings.HasPrefix(generated.Questions[0].ID, "gen-") {
		t.Fatalf("unexpected generated questions %+v", generated)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/generate", map[string]any{"topic": " "}, nil); code != http.StatusBadRequest {
		t.Fatalf("blank topic should 400, got %d", code)
	}
}

func TestServer_LLMUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)
	defer ts.Close()

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/deeplearn", map[string]string{"topic": "Sepsis"}, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("deeplearn without credentials: %d", code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/histology", map[string]string{"image": "data:image/png;base64,AAAA"}, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("histology without credentials: %d", code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/histology", map[string]string{"image": "http://example.com/a.png"}, nil); code != http.StatusBadRequest {
		t.Fatalf("non data URI should 400, got %d", code)
	}
}
