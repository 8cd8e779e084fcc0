package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// TransferMethod selects which typed upload call carries a file.
type TransferMethod string

const (
	TransferAudio    TransferMethod = "sendAudio"
	TransferVideo    TransferMethod = "sendVideo"
	TransferDocument TransferMethod = "sendDocument"
)

// fieldName returns the multipart field the API expects for this method.
func (m TransferMethod) fieldName() string {
	switch m {
	case TransferAudio:
		return "audio"
	case TransferVideo:
		return "video"
	default:
		return "document"
	}
}

// Send uploads a local file to the configured channel using the given
// transfer method. The call is bounded by the client's upload timeout;
// exceeding it returns ErrTimeout. A 413 rejection returns ErrTooLarge.
func (c *Client) Send(ctx context.Context, method TransferMethod, path, caption string) (*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening upload file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	// Stream the multipart body so large media files are never buffered
	// fully in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeUploadForm(mw, c.channel, caption, method.fieldName(), filepath.Base(path), f)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(string(method)), pr)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// Uploads get their own client so the short default timeout on history
	// calls does not apply; the context deadline above bounds the call.
	resp, err := c.uploadClient().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("performing upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding upload result: %w", err)
	}

	return &msg, nil
}

// uploadClient returns an HTTP client without a flat timeout, reusing the
// configured transport. The upload context carries the deadline instead.
func (c *Client) uploadClient() *http.Client {
	return &http.Client{Transport: c.client.Transport}
}

func writeUploadForm(mw *multipart.Writer, channel, caption, field, filename string, r io.Reader) error {
	if err := mw.WriteField("chat_id", channel); err != nil {
		return err
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copying upload body: %w", err)
	}

	return nil
}
