package telegram

import "encoding/json"

// apiResponse is the envelope every Bot API call returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// Message is a single entry in a channel's history. Exactly one of Audio,
// Video, or Document is set for media messages.
type Message struct {
	MessageID int64     `json:"message_id"`
	Caption   string    `json:"caption"`
	Text      string    `json:"text"`
	Audio     *Audio    `json:"audio,omitempty"`
	Video     *Video    `json:"video,omitempty"`
	Document  *Document `json:"document,omitempty"`
}

// CaptionOrText returns the caption if present, falling back to the text.
func (m *Message) CaptionOrText() string {
	if m.Caption != "" {
		return m.Caption
	}
	return m.Text
}

// Audio describes an uploaded audio file.
type Audio struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	Duration int64  `json:"duration"`
	MIMEType string `json:"mime_type"`
	Title    string `json:"title"`
}

// Video describes an uploaded video file.
type Video struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	Duration int64  `json:"duration"`
	MIMEType string `json:"mime_type"`
}

// Document describes a file uploaded without media-specific handling.
// Oversized media is sent as a document, so documents are still classified
// back into audio/video by MIME type and file name downstream.
type Document struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	MIMEType string `json:"mime_type"`
	FileName string `json:"file_name"`
}

// storedFile is the getFile result used to resolve a direct download URL.
type storedFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}
