// Package result loads and presents one created monster by id.
package result

import (
	"context"
	"html"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"momon/internal/util"
	"momon/pkg/domain"
)

const (
	// MissingIDMessage is shown when the route carries no id.
	MissingIDMessage = "몬스터 ID가 없습니다."
	// FailedMessage is shown for any retrieval failure.
	FailedMessage = "몬스터를 불러오는데 실패했습니다."
	// LoadingMessage is shown while the fetch is pending.
	LoadingMessage = "로딩 중..."
)

// Status is the view's position in its lifecycle.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusLoaded  Status = "loaded"
	StatusFailed  Status = "failed"
)

// Getter fetches one record. *monsterclient.Client satisfies it.
type Getter interface {
	GetMonster(ctx context.Context, id int64) (domain.Monster, error)
}

// State is a snapshot of the view.
type State struct {
	Status  Status
	ID      string
	Monster domain.Monster
	Error   string
}

// View is one Result page instance. It fetches at most once per distinct id.
type View struct {
	getter Getter

	mu     sync.Mutex
	state  State
	loaded bool
}

// NewView builds a view backed by getter.
func NewView(getter Getter) *View {
	return &View{getter: getter, state: State{Status: StatusIdle}}
}

// State returns the current snapshot.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Load resolves rawID from the route. A missing or malformed id fails
// without calling the backend; loading the id already shown is a no-op.
func (v *View) Load(ctx context.Context, rawID string) State {
	rawID = strings.TrimSpace(rawID)
	v.mu.Lock()
	if v.loaded && v.state.ID == rawID {
		st := v.state
		v.mu.Unlock()
		return st
	}
	v.loaded = true
	if rawID == "" {
		v.state = State{Status: StatusFailed, Error: MissingIDMessage}
		st := v.state
		v.mu.Unlock()
		return st
	}
	id, err := ParseID(rawID)
	if err != nil {
		v.state = State{Status: StatusFailed, ID: rawID, Error: FailedMessage}
		st := v.state
		v.mu.Unlock()
		return st
	}
	v.state = State{Status: StatusLoading, ID: rawID}
	v.mu.Unlock()

	monster, err := v.getter.GetMonster(ctx, id)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state.ID != rawID {
		// A newer Load replaced this one; its state wins.
		return v.state
	}
	if err != nil {
		util.LoggerFromContext(ctx).Warn("failed to fetch monster", "monster_id", id, "err", err)
		v.state = State{Status: StatusFailed, ID: rawID, Error: FailedMessage}
		return v.state
	}
	v.state = State{Status: StatusLoaded, ID: rawID, Monster: Sanitize(monster)}
	return v.state
}

// ParseID accepts positive decimal record ids only.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, strconv.ErrRange
	}
	return id, nil
}

var textPolicy = bluemonday.StrictPolicy()

// Sanitize strips markup from backend text and drops image URLs that are
// neither http(s) nor root-relative. The result is plain text; templates
// escape it again on output.
func Sanitize(m domain.Monster) domain.Monster {
	m.Name = plainText(m.Name)
	m.Description = plainText(m.Description)
	if !SafeImageURL(m.ImageURL) {
		m.ImageURL = ""
	}
	return m
}

func plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// SafeImageURL reports whether raw may be used as an <img> source.
func SafeImageURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
