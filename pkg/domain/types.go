package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxImageBytes bounds an uploaded image (10 MB).
	MaxImageBytes = 10 * 1024 * 1024
	// MaxEmotionChars bounds the emotion text in characters, not bytes.
	MaxEmotionChars = 100
)

// Monster is a generated record as returned by the backend.
type Monster struct {
	ID          int64  `json:"id"`
	ImageURL    string `json:"imageUrl"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// CreatedMonster is the body of a successful creation call.
type CreatedMonster struct {
	ID int64 `json:"id"`
}

// ImageFile is a user-selected image held in memory.
type ImageFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size reports the file size in bytes.
func (f ImageFile) Size() int64 {
	return int64(len(f.Data))
}

// IsImage reports whether the MIME type declares an image.
func (f ImageFile) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(f.ContentType)), "image/")
}

// Empty reports whether no file is held.
func (f ImageFile) Empty() bool {
	return f.Filename == "" && len(f.Data) == 0
}

// CreationRequest is the transient bundle submitted to create a monster.
type CreationRequest struct {
	Image ImageFile
	Text  string
}

// EmotionLength counts characters the way the text input does.
func EmotionLength(text string) int {
	return utf8.RuneCountInString(text)
}
