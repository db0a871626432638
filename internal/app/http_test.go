package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"docket/api/internal/authpw"
	"docket/api/internal/blob"
)

type fakeBlob struct {
	mu        sync.Mutex
	putErr    bool
	deleted   []string
	deletedCh chan string
}

func (f *fakeBlob) Put(_ context.Context, name string, r io.Reader, size int64, _ string) (blob.Ref, error) {
	if f.putErr {
		return blob.Ref{}, fmt.Errorf("storage down")
	}
	_, _ = io.Copy(io.Discard, r)
	return blob.Ref{
		URL:  "http://blobs/legal-documents/1-" + name,
		Key:  "1-" + name,
		Size: size,
	}, nil
}

func (f *fakeBlob) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, key)
	f.mu.Unlock()
	if f.deletedCh != nil {
		f.deletedCh <- key
	}
	return nil
}

func (f *fakeBlob) KeyFromURL(fileURL string) string {
	marker := "/legal-documents/"
	idx := strings.Index(fileURL, marker)
	if idx < 0 {
		return ""
	}
	return fileURL[idx+len(marker):]
}

func newTestServer(t *testing.T) (*httptest.Server, *testEnv, *fakeBlob) {
	t.Helper()
	st := newFakeStore()
	sr := &fakeSearch{}
	an := &fakeAnalyzer{}
	env := &testEnv{
		service:  New(testConfig(), st, newFakeSessions(), sr, an, authpw.NewService(st), zap.NewNop()),
		store:    st,
		search:   sr,
		analyzer: an,
	}
	blobs := &fakeBlob{deletedCh: make(chan string, 8)}
	srv := httptest.NewServer(NewHTTPServer(env.service, blobs, "*", zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv, env, blobs
}

func registerUser(t *testing.T, srv *httptest.Server, email string) Session {
	t.Helper()
	body := fmt.Sprintf(`{"name":"Dana","email":%q,"password":"secret1","organization":"org-1","role":"lawyer"}`, email)
	resp, err := http.Post(srv.URL+"/api/auth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d", resp.StatusCode)
	}
	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess
}

func doAuthed(t *testing.T, srv *httptest.Server, token, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func uploadDocument(t *testing.T, srv *httptest.Server, token, title string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "scan.pdf")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 fake"))
	_ = writer.WriteField("title", title)
	_ = writer.WriteField("type", "contract")
	_ = writer.WriteField("tags", `["lease","2026"]`)
	_ = writer.Close()

	resp := doAuthed(t, srv, token, http.MethodPost, "/api/documents", &buf, writer.FormDataContentType())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status %d: %s", resp.StatusCode, payload)
	}
	var view map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	return view
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
}

func TestDocumentsRequireAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/documents")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", resp.StatusCode)
	}
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("got code %v", payload["code"])
	}
}

func TestUploadAndFetchDocument(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sess := registerUser(t, srv, "dana@example.com")

	view := uploadDocument(t, srv, sess.Token, "Master lease")
	if view["title"] != "Master lease" || view["type"] != "contract" {
		t.Fatalf("got view %+v", view)
	}
	id := view["id"].(string)

	resp := doAuthed(t, srv, sess.Token, http.MethodGet, "/api/documents/"+id, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	var fetched map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fetched["id"] != id {
		t.Fatalf("got id %v", fetched["id"])
	}
	uploadedBy, ok := fetched["uploadedBy"].(map[string]any)
	if !ok || uploadedBy["id"] != sess.UserID {
		t.Fatalf("got uploadedBy %v", fetched["uploadedBy"])
	}
}

func TestUploadStorageFailureIs502(t *testing.T) {
	srv, _, blobs := newTestServer(t)
	blobs.putErr = true
	sess := registerUser(t, srv, "dana@example.com")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("file", "scan.pdf")
	_, _ = part.Write([]byte("data"))
	_ = writer.Close()

	resp := doAuthed(t, srv, sess.Token, http.MethodPost, "/api/documents", &buf, writer.FormDataContentType())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", resp.StatusCode)
	}
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload["code"] != "UPSTREAM_UNAVAILABLE" {
		t.Fatalf("got code %v", payload["code"])
	}
}

func TestUploadWithoutFileIs422(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sess := registerUser(t, srv, "dana@example.com")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("title", "No file here")
	_ = writer.Close()

	resp := doAuthed(t, srv, sess.Token, http.MethodPost, "/api/documents", &buf, writer.FormDataContentType())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, want 422", resp.StatusCode)
	}
}

func TestUpdateDocumentRoute(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sess := registerUser(t, srv, "dana@example.com")
	view := uploadDocument(t, srv, sess.Token, "Draft")
	id := view["id"].(string)

	resp := doAuthed(t, srv, sess.Token, http.MethodPut, "/api/documents/"+id,
		strings.NewReader(`{"title":"Final","status":"archived","ignored":"x"}`), "application/json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}
	var updated map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&updated)
	if updated["title"] != "Final" || updated["status"] != "archived" {
		t.Fatalf("got %+v", updated)
	}
}

func TestDeleteDocumentRemovesBlob(t *testing.T) {
	srv, env, blobs := newTestServer(t)
	sess := registerUser(t, srv, "dana@example.com")
	view := uploadDocument(t, srv, sess.Token, "Gone soon")
	id := view["id"].(string)

	resp := doAuthed(t, srv, sess.Token, http.MethodDelete, "/api/documents/"+id, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}

	if _, err := env.service.GetDocument(context.Background(), Identity{UserID: sess.UserID, Organization: sess.Organization, Role: sess.Role}, id); err == nil {
		t.Fatal("document must be gone")
	}

	// blob removal is fire-and-forget
	select {
	case key := <-blobs.deletedCh:
		if key == "" {
			t.Fatal("empty blob key deleted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blob was never deleted")
	}
}

func TestShareRoute(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sess := registerUser(t, srv, "dana@example.com")
	other := registerUser(t, srv, "pat@example.com")
	view := uploadDocument(t, srv, sess.Token, "Shared doc")
	id := view["id"].(string)

	body := fmt.Sprintf(`{"userId":%q,"permission":"view"}`, other.UserID)
	resp := doAuthed(t, srv, sess.Token, http.MethodPost, "/api/documents/"+id+"/share", strings.NewReader(body), "application/json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		t.Fatalf("share status %d: %s", resp.StatusCode, payload)
	}
	var payload struct {
		AccessControl []map[string]any `json:"accessControl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.AccessControl) != 1 || payload.AccessControl[0]["permission"] != "view" {
		t.Fatalf("got %+v", payload.AccessControl)
	}
}

func TestDeadlinesAndAnalyticsRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sess := registerUser(t, srv, "dana@example.com")
	uploadDocument(t, srv, sess.Token, "Contract")

	resp := doAuthed(t, srv, sess.Token, http.MethodGet, "/api/deadlines?upcoming=14", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deadlines status %d", resp.StatusCode)
	}
	var deadlines struct {
		Deadlines []any `json:"deadlines"`
		Total     int   `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&deadlines); err != nil {
		t.Fatalf("decode deadlines: %v", err)
	}
	if deadlines.Deadlines == nil {
		t.Fatal("deadlines must be a JSON array, not null")
	}

	resp2 := doAuthed(t, srv, sess.Token, http.MethodGet, "/api/analytics", nil, "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("analytics status %d", resp2.StatusCode)
	}
	var summary AnalyticsSummary
	if err := json.NewDecoder(resp2.Body).Decode(&summary); err != nil {
		t.Fatalf("decode analytics: %v", err)
	}
	if summary.TotalDocuments != 1 {
		t.Fatalf("got total %d", summary.TotalDocuments)
	}
}

func TestInvalidJSONBodyIs400(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// the exposition only carries series that have been observed
	if warm, err := http.Get(srv.URL + "/api/health"); err == nil {
		warm.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	payload, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(payload, []byte("docket_http_requests_total")) {
		t.Fatal("request counter missing from exposition")
	}
}
