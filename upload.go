package chatsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// MediaUpload is a binary attachment to upload before sending a media message.
type MediaUpload struct {
	FileName string
	MimeType string
	Data     []byte
}

// MediaUploader stores an attachment and returns the URL to reference it by.
type MediaUploader interface {
	UploadMedia(ctx context.Context, upload MediaUpload) (string, error)
}

var _ MediaUploader = (*Client)(nil)

type mediaUploadTicket struct {
	UploadURL string            `json:"upload_url"`
	Fields    map[string]string `json:"fields"`
	MediaURL  string            `json:"media_url"`
}

// UploadMedia asks the server for an upload ticket, posts the file as a
// multipart form to the ticket's URL and returns the resulting media URL.
func (c *Client) UploadMedia(ctx context.Context, upload MediaUpload) (string, error) {
	if upload.FileName == "" || len(upload.Data) == 0 {
		return "", fmt.Errorf("upload requires a file name and data")
	}

	var ticket mediaUploadTicket
	err := c.rpc(ctx, RPCCreateMediaUpload, map[string]any{
		"file_name": upload.FileName,
		"mime_type": upload.MimeType,
		"size":      len(upload.Data),
	}, &ticket)
	if err != nil {
		return "", err
	}
	if ticket.UploadURL == "" || ticket.MediaURL == "" {
		return "", fmt.Errorf("upload ticket incomplete")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range ticket.Fields {
		_ = w.WriteField(k, v)
	}
	part, err := w.CreateFormFile("file", upload.FileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(upload.Data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	// Relative ticket URLs point back at the game server and need the session.
	uploadURL := ticket.UploadURL
	external := strings.HasPrefix(uploadURL, "http")
	if !external {
		uploadURL = c.baseURL + uploadURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}
	return ticket.MediaURL, nil
}
