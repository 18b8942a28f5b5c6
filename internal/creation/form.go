// Package creation models the monster creation form: image and emotion
// input, client-side validation, submission and the staged loading message.
package creation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"momon/internal/monsterclient"
	"momon/pkg/domain"
)

// Validation errors carry the inline message shown to the user.
var (
	ErrImageTooLarge = errors.New("이미지 크기는 10MB 이하여야 합니다.")
	ErrNotImage      = errors.New("이미지 파일만 업로드할 수 있습니다.")
	ErrNoImage       = errors.New("이미지를 선택해주세요.")
	ErrEmptyText     = errors.New("감정을 입력해주세요.")
	ErrTextTooLong   = errors.New("감정은 100자 이하로 입력해주세요.")
	ErrSubmitting    = errors.New("이미 몬스터를 소환하고 있어요.")
)

// GenericFailure is shown when a failed submission carries no backend message.
const GenericFailure = "몬스터 생성에 실패했습니다. 다시 시도해주세요."

// State is the form's position in its lifecycle.
type State string

const (
	StateEditing    State = "editing"
	StateSubmitting State = "submitting"
	StateSucceeded  State = "succeeded"
)

// Creator issues the creation call. *monsterclient.Client satisfies it.
type Creator interface {
	CreateMonster(ctx context.Context, req domain.CreationRequest) (domain.CreatedMonster, error)
}

// Outcome is where a successful submission navigates.
type Outcome struct {
	MonsterID int64
	Path      string
}

// ResultPath is the Result route for id.
func ResultPath(id int64) string {
	return "/result?id=" + strconv.FormatInt(id, 10)
}

// Form holds one user's creation input. It is safe for concurrent use: the
// loading message is read by other goroutines while Submit blocks.
type Form struct {
	mu        sync.Mutex
	state     State
	image     domain.ImageFile
	preview   *preview
	text      string
	err       string
	loading   *LoadingTimer

	slowAfter time.Duration
	onMessage func(string)
}

// FormOption customises a Form.
type FormOption func(*Form)

// WithSlowNoticeAfter overrides SlowNoticeAfter.
func WithSlowNoticeAfter(d time.Duration) FormOption {
	return func(f *Form) {
		if d > 0 {
			f.slowAfter = d
		}
	}
}

// WithMessageListener is called with each loading message as it is shown.
func WithMessageListener(fn func(string)) FormOption {
	return func(f *Form) {
		f.onMessage = fn
	}
}

// NewForm returns an empty form in the editing state.
func NewForm(opts ...FormOption) *Form {
	f := &Form{
		state:     StateEditing,
		slowAfter: SlowNoticeAfter,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SelectImage validates and holds img. A rejected file leaves the previous
// selection and preview untouched. The preview is derived asynchronously.
func (f *Form) SelectImage(img domain.ImageFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateSubmitting {
		return ErrSubmitting
	}
	if err := validateImage(img); err != nil {
		f.err = err.Error()
		return err
	}
	f.image = img
	f.err = ""
	f.preview = startPreview(img)
	return nil
}

func validateImage(img domain.ImageFile) error {
	if img.Size() > domain.MaxImageBytes {
		return ErrImageTooLarge
	}
	if !img.IsImage() {
		return ErrNotImage
	}
	return nil
}

// InputText behaves like the text box: input beyond the limit is cut off.
func (f *Form) InputText(s string) {
	if domain.EmotionLength(s) > domain.MaxEmotionChars {
		s = string([]rune(s)[:domain.MaxEmotionChars])
	}
	f.SetText(s)
}

// SetText assigns text as-is, the way programmatic input bypasses the
// input limit. Submit still enforces it.
func (f *Form) SetText(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateSubmitting {
		return
	}
	f.text = s
}

// Text returns the current emotion text.
func (f *Form) Text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

// Counter renders the live character counter, e.g. "12/100".
func (f *Form) Counter() string {
	return Counter(f.Text())
}

// Counter renders the character counter for text.
func Counter(text string) string {
	return fmt.Sprintf("%d/%d", domain.EmotionLength(text), domain.MaxEmotionChars)
}

// Image returns the held image, if any.
func (f *Form) Image() (domain.ImageFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.image, !f.image.Empty()
}

// Error returns the inline error message, "" when none.
func (f *Form) Error() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// State returns the current lifecycle state.
func (f *Form) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// CanSubmit mirrors the submit button's enabled state.
func (f *Form) CanSubmit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != StateSubmitting && !f.image.Empty() && strings.TrimSpace(f.text) != ""
}

// LeaveGuard reports whether leaving now should ask for confirmation.
func (f *Form) LeaveGuard() bool {
	return f.State() == StateSubmitting
}

// LoadingMessage returns the message to show while submitting, "" otherwise.
func (f *Form) LoadingMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateSubmitting {
		return ""
	}
	if f.loading == nil {
		return InitialMessage
	}
	return f.loading.Message()
}

// Loading exposes the timer of the current or last submission.
func (f *Form) Loading() *LoadingTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

// Validate runs the submission guard without submitting.
func (f *Form) Validate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateLocked()
}

func (f *Form) validateLocked() error {
	if f.image.Empty() {
		return ErrNoImage
	}
	if strings.TrimSpace(f.text) == "" {
		return ErrEmptyText
	}
	if domain.EmotionLength(f.text) > domain.MaxEmotionChars {
		return ErrTextTooLong
	}
	return validateImage(f.image)
}

// Submit validates the form and issues exactly one creation call. Validation
// failures never reach creator. On failure the form returns to editing with
// image and text preserved and Error set to a user-facing message.
func (f *Form) Submit(ctx context.Context, creator Creator) (Outcome, error) {
	f.mu.Lock()
	if f.state == StateSubmitting {
		f.mu.Unlock()
		return Outcome{}, ErrSubmitting
	}
	if err := f.validateLocked(); err != nil {
		f.err = err.Error()
		f.mu.Unlock()
		return Outcome{}, err
	}
	req := domain.CreationRequest{Image: f.image, Text: f.text}
	f.state = StateSubmitting
	f.err = ""
	f.loading = nil
	f.mu.Unlock()

	if f.onMessage != nil {
		f.onMessage(InitialMessage)
	}
	timer := StartLoadingTimer(f.slowAfter, InitialMessage, SlowMessage, f.onMessage)
	f.mu.Lock()
	f.loading = timer
	f.mu.Unlock()

	created, err := creator.CreateMonster(ctx, req)
	timer.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateEditing
		f.err = monsterclient.UserMessage(err, GenericFailure)
		return Outcome{}, fmt.Errorf("create monster: %w", err)
	}
	f.state = StateSucceeded
	return Outcome{MonsterID: created.ID, Path: ResultPath(created.ID)}, nil
}

// Preview waits for the data URL of the selected image.
func (f *Form) Preview(ctx context.Context) (string, error) {
	f.mu.Lock()
	p := f.preview
	f.mu.Unlock()
	if p == nil {
		return "", ErrNoImage
	}
	select {
	case <-p.done:
		return p.url, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PreviewReady returns the data URL if it has been derived already.
func (f *Form) PreviewReady() (string, bool) {
	f.mu.Lock()
	p := f.preview
	f.mu.Unlock()
	if p == nil {
		return "", false
	}
	select {
	case <-p.done:
		return p.url, true
	default:
		return "", false
	}
}

type preview struct {
	done chan struct{}
	url  string
}

func startPreview(img domain.ImageFile) *preview {
	p := &preview{done: make(chan struct{})}
	go func() {
		p.url = DataURL(img)
		close(p.done)
	}()
	return p
}

// DataURL encodes img inline, e.g. data:image/png;base64,....
func DataURL(img domain.ImageFile) string {
	return "data:" + img.ContentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
