// Package mediarelay defines the core types shared across the media relay
// service: media kinds, local artifacts, and directory entries.
package mediarelay

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the class of media artifact being acquired.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind parses a kind string as supplied by clients.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "audio":
		return KindAudio, nil
	case "video":
		return KindVideo, nil
	default:
		return "", fmt.Errorf("invalid media kind %q: must be audio or video", s)
	}
}

// String returns the kind as a string.
func (k Kind) String() string {
	return string(k)
}

// Ext returns the canonical container extension for locally fetched
// artifacts of this kind.
func (k Kind) Ext() string {
	if k == KindVideo {
		return ".mp4"
	}
	return ".webm"
}

// DefaultMIME returns the default MIME type reported for artifacts of this
// kind when the remote store does not supply one.
func (k Kind) DefaultMIME() string {
	if k == KindVideo {
		return "video/mp4"
	}
	return "audio/mpeg"
}

// FileName returns the canonical file name for an identifier and kind.
// The primary acquisition engine writes exactly one file at this name.
func FileName(identifier string, kind Kind) string {
	return identifier + kind.Ext()
}

// LocalArtifact describes a media file fetched to local disk.
type LocalArtifact struct {
	Identifier string
	Kind       Kind
	Path       string
	Size       int64
}

// DirectoryEntry describes an artifact previously relayed to the durable
// store, as recovered from its searchable history. Immutable once built.
type DirectoryEntry struct {
	Identifier string        `json:"identifier"`
	FileRef    string        `json:"file_id"`
	Size       int64         `json:"file_size"`
	Duration   time.Duration `json:"duration"`
	MIMEType   string        `json:"mime_type"`
	Kind       Kind          `json:"media_type"`
	MessageRef int64         `json:"message_id"`
	FileName   string        `json:"file_name,omitempty"`
	Title      string        `json:"title,omitempty"`
}
