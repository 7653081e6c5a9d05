// Package model holds the domain entities shared by every layer of Nebula:
// the catalog repositories, the usecases, and the HTTP handlers.
package model

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ObjectKey is an opaque storage key. Two prefixes are reserved: "uploads/"
// for originals and "transcoded/" for derived variants. Keys are never
// parsed to recover filesystem semantics.
type ObjectKey string

const (
	originalKeyPrefix   = "uploads/"
	transcodedKeyPrefix = "transcoded/"
)

// IsOriginal reports whether the key lives under the originals prefix.
func (k ObjectKey) IsOriginal() bool {
	return strings.HasPrefix(string(k), originalKeyPrefix)
}

// IsTranscoded reports whether the key lives under the derived-variant prefix.
func (k ObjectKey) IsTranscoded() bool {
	return strings.HasPrefix(string(k), transcodedKeyPrefix)
}

func (k ObjectKey) String() string {
	return string(k)
}

var (
	ErrEmptyFilename  = errors.New("filename must not be empty")
	ErrFilenameTooLong = errors.New("filename exceeds maximum length")
	ErrEmptyObjectKey = errors.New("object key must not be empty")
	ErrNegativeSize   = errors.New("size must not be negative")
)

const maxFilenameLength = 255

// VideoMetadata is the probe result for a container/stream: duration, frame
// geometry, codec and bitrate. Populated by the transcoder's prober, for
// both originals (best-effort) and produced variants.
type VideoMetadata struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Codec           string  `json:"codec"`
	FPS             float64 `json:"fps"`
	BitrateKbps     int     `json:"bitrate_kbps"`
}

// File is the catalog's record of one stored object and, optionally, its
// transcoded variants.
type File struct {
	ID              int64
	Filename        string
	ObjectKey       ObjectKey
	SizeBytes       int64
	MimeType        string
	ContentHash     string // optional, SHA-256 hex, advisory only
	Description     string
	OwnerID         *int64 // reserved for future auth; nil today
	VideoMetadata   *VideoMetadata
	// TranscodedVariants maps a quality string ("480", "720", "1080") to
	// the object key of the derived artifact.
	TranscodedVariants map[string]ObjectKey
	UploadDate         time.Time
}

// NewFile validates and constructs a File ready for catalog insertion.
// ID and UploadDate are assigned by the repository on insert.
func NewFile(filename string, objectKey ObjectKey, size int64, mimeType string) (*File, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, ErrEmptyFilename
	}
	if len(filename) > maxFilenameLength {
		return nil, ErrFilenameTooLong
	}
	if objectKey == "" {
		return nil, ErrEmptyObjectKey
	}
	if size < 0 {
		return nil, ErrNegativeSize
	}

	return &File{
		Filename:           filename,
		ObjectKey:          objectKey,
		SizeBytes:          size,
		MimeType:           mimeType,
		TranscodedVariants: make(map[string]ObjectKey),
	}, nil
}

// IsVideo reports whether the file's mime type marks it as video content.
func (f *File) IsVideo() bool {
	return strings.HasPrefix(f.MimeType, "video/")
}

// VariantKey returns the object key for the given target quality and
// whether a variant at that quality exists.
func (f *File) VariantKey(quality int) (ObjectKey, bool) {
	key, ok := f.TranscodedVariants[strconv.Itoa(quality)]
	return key, ok
}

// AvailableQualities returns the sorted set of qualities with a published
// variant.
func (f *File) AvailableQualities() []int {
	qualities := make([]int, 0, len(f.TranscodedVariants))
	for q := range f.TranscodedVariants {
		n, err := strconv.Atoi(q)
		if err != nil {
			continue
		}
		qualities = append(qualities, n)
	}
	for i := 1; i < len(qualities); i++ {
		for j := i; j > 0 && qualities[j-1] > qualities[j]; j-- {
			qualities[j-1], qualities[j] = qualities[j], qualities[j-1]
		}
	}
	return qualities
}
