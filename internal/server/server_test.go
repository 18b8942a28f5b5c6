package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"momon/internal/creation"
	"momon/internal/deviceid"
	"momon/internal/monsterclient"
	"momon/internal/result"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type createCall struct {
	DeviceID  string
	Text      string
	ImageType string
	Image     []byte
}

// fakeBackend records calls to the monster API.
type fakeBackend struct {
	mu         sync.Mutex
	creates    []createCall
	gets       int
	createCode int
	createBody string
	release    chan struct{}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/monsters":
		if err := r.ParseMultipartForm(16 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		file.Close()
		b.mu.Lock()
		b.creates = append(b.creates, createCall{
			DeviceID:  r.Header.Get(monsterclient.DeviceIDHeader),
			Text:      r.FormValue("text"),
			ImageType: header.Header.Get("Content-Type"),
			Image:     data,
		})
		code, body, release := b.createCode, b.createBody, b.release
		b.mu.Unlock()
		if release != nil {
			<-release
		}
		if code != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = io.WriteString(w, body)
			return
		}
		_, _ = io.WriteString(w, `{"id":7}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/monsters/7":
		b.mu.Lock()
		b.gets++
		b.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":7,"imageUrl":"https://cdn.example.com/7.png","name":"<b>Blobby</b>","description":"A soft tired blob"}`)
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) createCalls() []createCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]createCall(nil), b.creates...)
}

func (b *fakeBackend) getCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

type testEnv struct {
	backend *fakeBackend
	web     *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	backend := &fakeBackend{}
	api := httptest.NewServer(backend)
	t.Cleanup(api.Close)

	client := monsterclient.NewClient(api.URL, deviceid.ContextProvider{}, monsterclient.WithCreateTimeout(5*time.Second))
	cfg := Config{Creator: client, Getter: client, SlowNoticeAfter: time.Minute}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	web := httptest.NewServer(srv.Router())
	t.Cleanup(web.Close)
	return &testEnv{backend: backend, web: web}
}

// newBrowser keeps cookies and does not follow redirects.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar:     jar,
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type upload struct {
	text        string
	draft       string
	filename    string
	contentType string
	data        []byte
}

func (e *testEnv) submit(t *testing.T, browser *http.Client, u upload) *http.Response {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if u.filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, u.filename))
		h.Set("Content-Type", u.contentType)
		part, err := writer.CreatePart(h)
		if err != nil {
			t.Fatalf("create image part: %v", err)
		}
		_, _ = part.Write(u.data)
	}
	_ = writer.WriteField("text", u.text)
	if u.draft != "" {
		_ = writer.WriteField("draft", u.draft)
	}
	_ = writer.Close()

	req, err := http.NewRequest(http.MethodPost, e.web.URL+"/create", &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := browser.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, browser *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := browser.Get(e.web.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return resp
}

func jobFromLocation(t *testing.T, resp *http.Response) string {
	t.Helper()
	if resp.StatusCode != http.StatusSeeOther {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 303, got %d: %s", resp.StatusCode, body)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil || loc.Path != "/create/wait" {
		t.Fatalf("unexpected redirect %q", resp.Header.Get("Location"))
	}
	return loc.Query().Get("job")
}

// waitSettled polls the status endpoint the way the waiting page does.
func (e *testEnv) waitSettled(t *testing.T, browser *http.Client, jobID string) statusResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := e.get(t, browser, statusPath(jobID))
		var status statusResponse
		err := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.Location != "" {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not settle", jobID)
	return statusResponse{}
}

func parsePage(t *testing.T, resp *http.Response) *html.Node {
	t.Helper()
	defer resp.Body.Close()
	doc, err := html.Parse(resp.Body)
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode && attr(n, "id") == id {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func mustFind(t *testing.T, doc *html.Node, id string) *html.Node {
	t.Helper()
	n := findByID(doc, id)
	if n == nil {
		t.Fatalf("element #%s not found", id)
	}
	return n
}

func deviceCookie(t *testing.T, browser *http.Client, base string) string {
	t.Helper()
	u, _ := url.Parse(base)
	for _, c := range browser.Jar.Cookies(u) {
		if c.Name == deviceid.Key {
			return c.Value
		}
	}
	t.Fatalf("no %s cookie", deviceid.Key)
	return ""
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.get(t, newBrowser(t), "/healthz")
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Fatalf("health check must not issue a device cookie")
	}
}

func TestLandingIssuesStableDeviceCookie(t *testing.T) {
	env := newTestEnv(t, nil)
	browser := newBrowser(t)

	resp := env.get(t, browser, "/")
	setCookie := resp.Header.Get("Set-Cookie")
	doc := parsePage(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("landing status %d", resp.StatusCode)
	}
	if !strings.Contains(setCookie, deviceid.Key+"=") || !strings.Contains(setCookie, "HttpOnly") || !strings.Contains(setCookie, "SameSite=Lax") {
		t.Fatalf("unexpected device cookie %q", setCookie)
	}
	if href := attr(mustFind(t, doc, "start"), "href"); href != "/create" {
		t.Fatalf("start link points to %q", href)
	}
	first := deviceCookie(t, browser, env.web.URL)

	resp = env.get(t, browser, "/create")
	resp.Body.Close()
	if resp.Header.Get("Set-Cookie") != "" {
		t.Fatalf("existing device cookie was reissued")
	}
	if again := deviceCookie(t, browser, env.web.URL); again != first {
		t.Fatalf("device id changed: %q -> %q", first, again)
	}
}

func TestTamperedDeviceCookieIsReplaced(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := http.NewRequest(http.MethodGet, env.web.URL+"/", nil)
	req.AddCookie(&http.Cookie{Name: deviceid.Key, Value: "not-a-uuid"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Set-Cookie"); !strings.Contains(got, deviceid.Key+"=") || strings.Contains(got, "not-a-uuid") {
		t.Fatalf("expected a fresh device cookie, got %q", got)
	}
}

func TestCreateFlowShowsResult(t *testing.T) {
	env := newTestEnv(t, nil)
	browser := newBrowser(t)
	env.get(t, browser, "/create").Body.Close()
	device := deviceCookie(t, browser, env.web.URL)

	resp := env.submit(t, browser, upload{text: "happy but tired", filename: "cat.png", contentType: "image/png", data: pngBytes})
	resp.Body.Close()
	jobID := jobFromLocation(t, resp)

	status := env.waitSettled(t, browser, jobID)
	if status.Location != "/result?id=7" {
		t.Fatalf("unexpected result location %q", status.Location)
	}
	calls := env.backend.createCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one create call, got %d", len(calls))
	}
	if calls[0].DeviceID != device || calls[0].Text != "happy but tired" || calls[0].ImageType != "image/png" || !bytes.Equal(calls[0].Image, pngBytes) {
		t.Fatalf("unexpected create call %+v", calls[0])
	}

	resp = env.get(t, browser, "/create/wait?job="+jobID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/result?id=7" {
		t.Fatalf("settled wait page: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp = env.get(t, browser, status.Location)
	doc := parsePage(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status %d", resp.StatusCode)
	}
	if got := textOf(mustFind(t, doc, "monster-name")); got != "Blobby" {
		t.Fatalf("monster name %q", got)
	}
	if got := textOf(mustFind(t, doc, "monster-description")); got != "A soft tired blob" {
		t.Fatalf("monster description %q", got)
	}
	if src := attr(mustFind(t, doc, "monster-image"), "src"); src != "https://cdn.example.com/7.png" {
		t.Fatalf("monster image %q", src)
	}
	if n := env.backend.getCalls(); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestWaitingPageShowsLoadingAndEscalates(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SlowNoticeAfter = 30 * time.Millisecond })
	release := make(chan struct{})
	env.backend.release = release
	browser := newBrowser(t)

	resp := env.submit(t, browser, upload{text: "nervous", filename: "cat.png", contentType: "image/png", data: pngBytes})
	resp.Body.Close()
	jobID := jobFromLocation(t, resp)

	resp = env.get(t, browser, "/create/wait?job="+jobID)
	doc := parsePage(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wait status %d", resp.StatusCode)
	}
	msg := textOf(mustFind(t, doc, "loading-message"))
	if msg != creation.InitialMessage && msg != creation.SlowMessage {
		t.Fatalf("unexpected loading message %q", msg)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp := env.get(t, browser, statusPath(jobID))
		var status statusResponse
		_ = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if status.Status != "submitting" {
			t.Fatalf("job settled early: %+v", status)
		}
		if status.Message == creation.SlowMessage {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loading message never escalated, last %q", status.Message)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	if status := env.waitSettled(t, browser, jobID); status.Location != "/result?id=7" {
		t.Fatalf("unexpected location %q", status.Location)
	}
}

func TestCreateValidationNeverReachesBackend(t *testing.T) {
	cases := []struct {
		name string
		in   upload
		want error
	}{
		{name: "missing image", in: upload{text: "happy"}, want: creation.ErrNoImage},
		{name: "blank text", in: upload{text: "   ", filename: "cat.png", contentType: "image/png", data: pngBytes}, want: creation.ErrEmptyText},
		{name: "text too long", in: upload{text: strings.Repeat("가", 101), filename: "cat.png", contentType: "image/png", data: pngBytes}, want: creation.ErrTextTooLong},
		{name: "not an image", in: upload{text: "happy", filename: "notes.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4")}, want: creation.ErrNotImage},
		{name: "image too large", in: upload{text: "happy", filename: "big.png", contentType: "image/png", data: bytes.Repeat([]byte{0}, 10*1024*1024+1)}, want: creation.ErrImageTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			resp := env.submit(t, newBrowser(t), tc.in)
			doc := parsePage(t, resp)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d", resp.StatusCode)
			}
			if got := textOf(mustFind(t, doc, "form-error")); got != tc.want.Error() {
				t.Fatalf("error message %q, want %q", got, tc.want.Error())
			}
			if got := textOf(mustFind(t, doc, "emotion")); got != strings.TrimSpace(tc.in.text) {
				t.Fatalf("text not preserved: %q", got)
			}
			if n := len(env.backend.createCalls()); n != 0 {
				t.Fatalf("backend called %d times", n)
			}
		})
	}
}

func TestUndeclaredImageTypeIsSniffed(t *testing.T) {
	env := newTestEnv(t, nil)
	browser := newBrowser(t)
	resp := env.submit(t, browser, upload{text: "calm", filename: "cat", contentType: "application/octet-stream", data: pngBytes})
	resp.Body.Close()
	env.waitSettled(t, browser, jobFromLocation(t, resp))
	calls := env.backend.createCalls()
	if len(calls) != 1 || calls[0].ImageType != "image/png" {
		t.Fatalf("unexpected create calls %+v", calls)
	}
}

func TestRejectedTextKeepsImageAsDraft(t *testing.T) {
	env := newTestEnv(t, nil)
	browser := newBrowser(t)

	resp := env.submit(t, browser, upload{text: " ", filename: "cat.png", contentType: "image/png", data: pngBytes})
	doc := parsePage(t, resp)
	draft := attr(mustFind(t, doc, "draft"), "value")
	if draft == "" {
		t.Fatalf("expected a draft id")
	}
	if src := attr(mustFind(t, doc, "preview"), "src"); !strings.HasPrefix(src, "data:image/png;base64,") {
		t.Fatalf("preview src %q", src)
	}

	resp = env.submit(t, browser, upload{text: "better now", draft: draft})
	resp.Body.Close()
	env.waitSettled(t, browser, jobFromLocation(t, resp))
	calls := env.backend.createCalls()
	if len(calls) != 1 || !bytes.Equal(calls[0].Image, pngBytes) || calls[0].Text != "better now" {
		t.Fatalf("draft image not reused: %+v", calls)
	}
}

func TestCreateFailureReturnsToEditableForm(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.createCode = http.StatusInternalServerError
	env.backend.createBody = `{"message":"AI 서버가 바빠요"}`
	browser := newBrowser(t)

	resp := env.submit(t, browser, upload{text: "angry", filename: "cat.png", contentType: "image/png", data: pngBytes})
	resp.Body.Close()
	jobID := jobFromLocation(t, resp)
	status := env.waitSettled(t, browser, jobID)
	if status.Status != "failed" || status.Location != draftPath(jobID) {
		t.Fatalf("unexpected status %+v", status)
	}

	resp = env.get(t, browser, status.Location)
	doc := parsePage(t, resp)
	if got := textOf(mustFind(t, doc, "form-error")); got != "AI 서버가 바빠요" {
		t.Fatalf("error message %q", got)
	}
	if got := textOf(mustFind(t, doc, "emotion")); got != "angry" {
		t.Fatalf("text not preserved: %q", got)
	}
	if hasAttr(mustFind(t, doc, "preview"), "hidden") {
		t.Fatalf("preview should stay visible")
	}

	env.backend.mu.Lock()
	env.backend.createCode = 0
	env.backend.mu.Unlock()
	resp = env.submit(t, browser, upload{text: "calmer", draft: jobID})
	resp.Body.Close()
	if status := env.waitSettled(t, browser, jobFromLocation(t, resp)); status.Location != "/result?id=7" {
		t.Fatalf("retry did not succeed: %+v", status)
	}
	if n := len(env.backend.createCalls()); n != 2 {
		t.Fatalf("expected two create calls, got %d", n)
	}
}

func TestCreateFailureWithoutMessageUsesGenericText(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.createCode = http.StatusBadGateway
	env.backend.createBody = `<html>bad gateway</html>`
	browser := newBrowser(t)

	resp := env.submit(t, browser, upload{text: "sad", filename: "cat.png", contentType: "image/png", data: pngBytes})
	resp.Body.Close()
	status := env.waitSettled(t, browser, jobFromLocation(t, resp))

	doc := parsePage(t, env.get(t, browser, status.Location))
	if got := textOf(mustFind(t, doc, "form-error")); got != creation.GenericFailure {
		t.Fatalf("error message %q", got)
	}
}

func TestJobsAreScopedToTheirDevice(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := newBrowser(t)
	resp := env.submit(t, owner, upload{text: "shy", filename: "cat.png", contentType: "image/png", data: pngBytes})
	resp.Body.Close()
	jobID := jobFromLocation(t, resp)

	stranger := newBrowser(t)
	resp = env.get(t, stranger, "/create/wait?job="+jobID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign wait page: %d", resp.StatusCode)
	}
	resp = env.get(t, stranger, statusPath(jobID))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign status: %d", resp.StatusCode)
	}
	resp = env.get(t, owner, "/create/wait?job=../../etc")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("malformed job id: %d", resp.StatusCode)
	}
	env.waitSettled(t, owner, jobID)
}

func TestResultWithoutIDShowsErrorWithoutFetch(t *testing.T) {
	env := newTestEnv(t, nil)
	for path, want := range map[string]string{
		"/result":        result.MissingIDMessage,
		"/result?id=abc": result.FailedMessage,
		"/result?id=404": result.FailedMessage,
	} {
		resp := env.get(t, newBrowser(t), path)
		doc := parsePage(t, resp)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
		if got := textOf(mustFind(t, doc, "error-message")); got != want {
			t.Fatalf("%s: message %q, want %q", path, got, want)
		}
	}
	if n := env.backend.getCalls(); n != 0 {
		t.Fatalf("record endpoint called %d times", n)
	}
}

func TestStaticAssetsAndUnknownPaths(t *testing.T) {
	env := newTestEnv(t, nil)
	browser := newBrowser(t)

	resp := env.get(t, browser, "/static/app.js")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("beforeunload")) {
		t.Fatalf("app.js: %d", resp.StatusCode)
	}

	resp = env.get(t, browser, "/gallery")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path: %d", resp.StatusCode)
	}
}

func TestNewRequiresBackendClients(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without creator and getter")
	}
}
