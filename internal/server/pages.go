package server

import (
	"context"
	"errors"
	"html/template"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"momon/internal/creation"
	"momon/internal/deviceid"
	"momon/internal/jobs"
	"momon/internal/result"
	"momon/internal/util"
	"momon/pkg/domain"
)

const (
	// maxFormBytes leaves room for the text field and multipart framing on
	// top of the largest accepted image.
	maxFormBytes = domain.MaxImageBytes + 1<<20

	notFoundTitle    = "요청을 찾을 수 없습니다"
	notFoundMessage  = "소환 요청이 만료되었거나 존재하지 않아요."
	rateLimitedError = "요청이 너무 많아요. 잠시 후 다시 시도해주세요."
	invalidFormError = "요청을 처리할 수 없습니다. 다시 시도해주세요."
	unavailableError = "지금은 몬스터를 소환할 수 없어요. 잠시 후 다시 시도해주세요."
)

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "landing", nil)
}

func (s *Server) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	page := newCreatePage("", "")
	if draftID := r.URL.Query().Get("draft"); draftID != "" {
		if job, ok := s.lookupJob(r, draftID); ok && job.Status == jobs.StatusFailed {
			page = draftPage(job)
		}
	}
	s.render(w, r, http.StatusOK, "create", page)
}

// handleCreateSubmit validates the upload, records a submission job and
// starts the creation call in the background. The browser is sent to the
// waiting page, which follows the job until it settles.
func (s *Server) handleCreateSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.ContentLength > maxFormBytes {
		s.audit(r, "web.create", "fail", "reason", "body_too_large")
		s.render(w, r, http.StatusRequestEntityTooLarge, "create", newCreatePage("", creation.ErrImageTooLarge.Error()))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(maxFormBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.audit(r, "web.create", "fail", "reason", "body_too_large")
			s.render(w, r, http.StatusRequestEntityTooLarge, "create", newCreatePage("", creation.ErrImageTooLarge.Error()))
			return
		}
		s.audit(r, "web.create", "fail", "reason", "invalid_form")
		s.render(w, r, http.StatusBadRequest, "create", newCreatePage("", invalidFormError))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	text := normalizeNewlines(r.FormValue("text"))
	jobID := util.NewID()
	form := creation.NewForm(
		creation.WithSlowNoticeAfter(s.slowAfter),
		creation.WithMessageListener(s.messageRecorder(context.WithoutCancel(ctx), jobID)),
	)
	form.SetText(text)

	var (
		draft    jobs.Job
		hasDraft bool
	)
	if draftID := r.FormValue("draft"); draftID != "" {
		if job, ok := s.lookupJob(r, draftID); ok && job.Status == jobs.StatusFailed {
			draft, hasDraft = job, true
			_ = form.SelectImage(job.ImageFile())
		}
	}

	img, err := uploadedImage(r)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		err = nil
	case err != nil:
		s.audit(r, "web.create", "fail", "reason", "read_upload")
		s.render(w, r, http.StatusBadRequest, "create", newCreatePage(text, invalidFormError))
		return
	default:
		// A rejected file keeps the draft image selected.
		err = form.SelectImage(img)
	}
	if err == nil {
		err = form.Validate()
	}
	if err != nil {
		s.audit(r, "web.create", "fail", "reason", "validation", "err", err)
		s.renderRejected(w, r, http.StatusUnprocessableEntity, form, jobID, err.Error(), draft.ID)
		return
	}

	if ok, retryAfter := s.allowCreate(r); !ok {
		s.audit(r, "web.create", "rate_limited")
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
		s.renderRejected(w, r, http.StatusTooManyRequests, form, jobID, rateLimitedError, draft.ID)
		return
	}

	held, _ := form.Image()
	now := time.Now().UTC()
	job := jobs.Job{
		ID:        jobID,
		DeviceID:  deviceid.IDFromContext(ctx),
		Status:    jobs.StatusSubmitting,
		Message:   creation.InitialMessage,
		Text:      form.Text(),
		ImageName: held.Filename,
		ImageType: held.ContentType,
		Image:     held.Data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		util.LoggerFromContext(ctx).Error("failed to save submission", "job_id", jobID, "err", err)
		s.render(w, r, http.StatusServiceUnavailable, "create", newCreatePage(text, unavailableError))
		return
	}
	if hasDraft {
		_ = s.jobs.Delete(ctx, draft.ID)
	}
	s.audit(r, "web.create", "success", "job_id", jobID)

	go s.runSubmission(context.WithoutCancel(ctx), form, jobID)
	http.Redirect(w, r, waitPath(jobID), http.StatusSeeOther)
}

// renderRejected shows the form again with the error. A held image is kept
// as a failed draft under jobID so the next submit does not need it again.
func (s *Server) renderRejected(w http.ResponseWriter, r *http.Request, status int, form *creation.Form, jobID, errMsg, previousDraft string) {
	ctx := r.Context()
	text := form.Text()
	page := newCreatePage(text, errMsg)
	if held, ok := form.Image(); ok {
		now := time.Now().UTC()
		job := jobs.Job{
			ID:        jobID,
			DeviceID:  deviceid.IDFromContext(ctx),
			Status:    jobs.StatusFailed,
			Error:     errMsg,
			Text:      text,
			ImageName: held.Filename,
			ImageType: held.ContentType,
			Image:     held.Data,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.jobs.Save(ctx, job); err != nil {
			util.LoggerFromContext(ctx).Warn("failed to keep draft", "job_id", jobID, "err", err)
		} else {
			page.Draft = jobID
			page.Preview = previewURL(held)
			if previousDraft != "" {
				_ = s.jobs.Delete(ctx, previousDraft)
			}
		}
	}
	s.render(w, r, status, "create", page)
}

// runSubmission outlives the POST that started it; ctx carries the request
// values but not its cancellation.
func (s *Server) runSubmission(ctx context.Context, form *creation.Form, jobID string) {
	logger := util.LoggerFromContext(ctx).With("job_id", jobID)
	outcome, err := form.Submit(ctx, s.creator)
	settle := func(job *jobs.Job) {
		job.Message = ""
		job.UpdatedAt = time.Now().UTC()
		if err != nil {
			job.Status = jobs.StatusFailed
			job.Error = form.Error()
			return
		}
		job.Status = jobs.StatusSucceeded
		job.MonsterID = outcome.MonsterID
		job.Image = nil
	}
	if err != nil {
		logger.Warn("monster creation failed", "err", err)
	} else {
		logger.Info("monster created", "monster_id", outcome.MonsterID)
	}
	if uerr := s.jobs.Update(ctx, jobID, settle); uerr != nil {
		logger.Error("failed to record submission outcome", "err", uerr)
	}
}

// messageRecorder mirrors the form's loading message into the job. Messages
// arriving after the job settled are dropped.
func (s *Server) messageRecorder(ctx context.Context, jobID string) func(string) {
	return func(msg string) {
		err := s.jobs.Update(ctx, jobID, func(job *jobs.Job) {
			if job.Status == jobs.StatusSubmitting {
				job.Message = msg
				job.UpdatedAt = time.Now().UTC()
			}
		})
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			util.LoggerFromContext(ctx).Warn("failed to update loading message", "job_id", jobID, "err", err)
		}
	}
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	job, ok := s.lookupJob(r, jobID)
	if !ok {
		s.renderError(w, r, http.StatusNotFound, notFoundTitle, notFoundMessage)
		return
	}
	switch job.Status {
	case jobs.StatusSucceeded:
		http.Redirect(w, r, creation.ResultPath(job.MonsterID), http.StatusSeeOther)
	case jobs.StatusFailed:
		http.Redirect(w, r, draftPath(job.ID), http.StatusSeeOther)
	default:
		s.render(w, r, http.StatusOK, "wait", waitPage{
			Message:   loadingMessage(job),
			StatusURL: statusPath(job.ID),
		})
	}
}

type statusResponse struct {
	Status   jobs.Status `json:"status"`
	Message  string      `json:"message,omitempty"`
	Location string      `json:"location,omitempty"`
}

// handleStatus is polled by the waiting page script.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(r, r.URL.Query().Get("job"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	resp := statusResponse{Status: job.Status}
	switch job.Status {
	case jobs.StatusSucceeded:
		resp.Location = creation.ResultPath(job.MonsterID)
	case jobs.StatusFailed:
		resp.Location = draftPath(job.ID)
	default:
		resp.Message = loadingMessage(job)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	view := result.NewView(s.fetcher)
	state := view.Load(r.Context(), r.URL.Query().Get("id"))
	status := http.StatusOK
	if state.Status != result.StatusLoaded {
		status = http.StatusNotFound
	}
	s.render(w, r, status, "result", resultPage{Loaded: state.Status == result.StatusLoaded, State: state})
}

// lookupJob returns a live job owned by the requesting device. Foreign,
// expired and malformed ids all look the same to the caller.
func (s *Server) lookupJob(r *http.Request, id string) (jobs.Job, bool) {
	if !util.ValidID(id) {
		return jobs.Job{}, false
	}
	job, ok, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("failed to load submission", "job_id", id, "err", err)
		return jobs.Job{}, false
	}
	if !ok || !job.OwnedBy(deviceid.IDFromContext(r.Context())) {
		return jobs.Job{}, false
	}
	return job, true
}

func uploadedImage(r *http.Request) (domain.ImageFile, error) {
	file, header, err := r.FormFile("image")
	if err != nil {
		return domain.ImageFile{}, err
	}
	defer file.Close()
	return readImage(file, header)
}

// readImage reads at most one byte past the limit so oversize files are
// still detected without buffering all of them.
func readImage(file multipart.File, header *multipart.FileHeader) (domain.ImageFile, error) {
	data, err := io.ReadAll(io.LimitReader(file, domain.MaxImageBytes+1))
	if err != nil {
		return domain.ImageFile{}, err
	}
	if header.Filename == "" && len(data) == 0 {
		return domain.ImageFile{}, http.ErrMissingFile
	}
	return domain.ImageFile{
		Filename:    filepath.Base(header.Filename),
		ContentType: contentType(header.Header.Get("Content-Type"), data),
		Data:        data,
	}, nil
}

// contentType trusts the type the browser declared, the way a file input
// reports it, and sniffs the bytes only when none was declared.
func contentType(declared string, data []byte) string {
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return mediaType
	}
	mediaType, _, err := mime.ParseMediaType(mimetype.Detect(data).String())
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}

func newCreatePage(text, errMsg string) createPage {
	return createPage{
		Text:     text,
		Counter:  creation.Counter(text),
		Error:    errMsg,
		MaxBytes: domain.MaxImageBytes,
		MaxChars: domain.MaxEmotionChars,
	}
}

func draftPage(job jobs.Job) createPage {
	page := newCreatePage(job.Text, job.Error)
	if page.Error == "" {
		page.Error = creation.GenericFailure
	}
	page.Draft = job.ID
	page.Preview = previewURL(job.ImageFile())
	return page
}

// previewURL inlines an accepted image for the form preview. Only image
// types parsed by contentType reach here, so the URL carries no markup.
func previewURL(img domain.ImageFile) template.URL {
	if img.Empty() || !img.IsImage() {
		return ""
	}
	return template.URL(creation.DataURL(img))
}

func loadingMessage(job jobs.Job) string {
	if job.Message == "" {
		return creation.InitialMessage
	}
	return job.Message
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func waitPath(jobID string) string {
	return "/create/wait?job=" + url.QueryEscape(jobID)
}

func statusPath(jobID string) string {
	return "/create/status?job=" + url.QueryEscape(jobID)
}

func draftPath(jobID string) string {
	return "/create?draft=" + url.QueryEscape(jobID)
}
