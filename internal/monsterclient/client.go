package monsterclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"momon/internal/deviceid"
	"momon/internal/util"
	"momon/pkg/domain"
)

// DeviceIDHeader tags every backend call with the anonymous device id.
const DeviceIDHeader = "X-Device-ID"

const (
	monstersPath = "/api/v1/monsters"

	// DefaultCreateTimeout bounds a creation call; generation is slow.
	DefaultCreateTimeout = 90 * time.Second
	// DefaultFetchTimeout bounds every other call.
	DefaultFetchTimeout = 10 * time.Second

	maxErrorBody = 64 << 10
)

// ErrMissingID is returned when a successful creation response has no id.
var ErrMissingID = errors.New("create monster: response carried no id")

// Client calls the monster backend over HTTP.
type Client struct {
	baseURL       string
	base          http.RoundTripper
	httpClient    *http.Client
	createTimeout time.Duration
	fetchTimeout  time.Duration
}

// APIError represents a non-2xx backend response. Message holds the
// backend's own explanation and is empty when the body carried none.
type APIError struct {
	Status  int
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend returned %d %s", e.Status, http.StatusText(e.Status))
}

// Option customises a Client.
type Option func(*Client)

// WithCreateTimeout overrides DefaultCreateTimeout.
func WithCreateTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.createTimeout = d
		}
	}
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithTransport sets the base transport the device id decorator wraps.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.base = rt
		}
	}
}

// NewClient constructs a backend client. ids is consulted on every request;
// a nil provider means requests carry no device id.
func NewClient(baseURL string, ids deviceid.Provider, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		base:          http.DefaultTransport,
		createTimeout: DefaultCreateTimeout,
		fetchTimeout:  DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = &http.Client{
		Transport: &deviceTransport{base: c.base, ids: ids},
	}
	return c
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateMonster uploads the image and emotion text as one multipart POST.
func (c *Client) CreateMonster(ctx context.Context, req domain.CreationRequest) (domain.CreatedMonster, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(imagePartHeader(writer, req.Image))
	if err != nil {
		return domain.CreatedMonster{}, err
	}
	if _, err := part.Write(req.Image.Data); err != nil {
		return domain.CreatedMonster{}, err
	}
	if err := writer.WriteField("text", req.Text); err != nil {
		return domain.CreatedMonster{}, err
	}
	if err := writer.Close(); err != nil {
		return domain.CreatedMonster{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+monstersPath, body)
	if err != nil {
		return domain.CreatedMonster{}, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	var created domain.CreatedMonster
	if err := c.do(httpReq, &created); err != nil {
		return domain.CreatedMonster{}, err
	}
	if created.ID <= 0 {
		c.logFailure(httpReq, ErrMissingID)
		return domain.CreatedMonster{}, ErrMissingID
	}
	return created, nil
}

// GetMonster fetches one record by id.
func (c *Client) GetMonster(ctx context.Context, id int64) (domain.Monster, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	path := fmt.Sprintf("%s%s/%s", c.baseURL, monstersPath, strconv.FormatInt(id, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Monster{}, err
	}

	var monster domain.Monster
	if err := c.do(req, &monster); err != nil {
		return domain.Monster{}, err
	}
	return monster, nil
}

// do sends req and decodes a JSON body into out. Failures are logged and
// returned unchanged; success responses are passed through untouched.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logFailure(req, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		c.logFailure(req, apiErr, "status", apiErr.Status, "body", apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		err = fmt.Errorf("decode response: %w", err)
		c.logFailure(req, err)
		return err
	}
	return nil
}

func (c *Client) logFailure(req *http.Request, err error, attrs ...any) {
	logAttrs := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"err", err.Error(),
	}
	logAttrs = append(logAttrs, attrs...)
	util.LoggerFromContext(req.Context()).Error("api error", logAttrs...)
}

func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	body := strings.TrimSpace(string(raw))
	var errResp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(raw, &errResp) == nil {
		msg = strings.TrimSpace(errResp.Message)
		if msg == "" {
			msg = strings.TrimSpace(errResp.Error)
		}
	} else if !strings.HasPrefix(body, "<") && len(body) <= 200 {
		// Short plain-text bodies are messages; HTML error pages are not.
		msg = body
	}
	return &APIError{Status: resp.StatusCode, Message: msg, Body: body}
}

func imagePartHeader(writer *multipart.Writer, img domain.ImageFile) textproto.MIMEHeader {
	filename := img.Filename
	if filename == "" {
		filename = "image"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	return h
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// UserMessage returns the backend's own message when err carries one,
// otherwise fallback. Transport errors always map to fallback.
func UserMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
