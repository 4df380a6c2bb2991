package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/fsutil"
	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
	"github.com/edclient/edclient/pkg/models"
	"github.com/edclient/edclient/pkg/protocol"
	"github.com/edclient/edclient/pkg/retry"
)

// DefaultDownloadDir is where Save* helpers write when no destination is given.
const DefaultDownloadDir = "downloads"

// DownloadError is returned when the API refuses a download.
type DownloadError struct {
	Kind    string
	ID      string
	Status  int
	Message string
}

func (e *DownloadError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("download %s %s: %d %s", e.Kind, e.ID, e.Status, msg)
}

// AsDownloadError checks if an error is a DownloadError and returns it.
func AsDownloadError(err error) (*DownloadError, bool) {
	var de *DownloadError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Download streams a file of the given kind ("CLOUD", "PIECE_JOINTE" or a
// document type). The caller must close the reader. Only the response
// headers are subject to the client timeout; reading the body is bounded by
// ctx.
func (c *Client) Download(ctx context.Context, kind, id string) (io.ReadCloser, error) {
	token, _, err := c.session()
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"token":           {token},
		"leTypeDeFichier": {kind},
		"fichierId":       {id},
	}
	target := c.baseURL + "/telechargement.awp?verbe=get"

	body, err := retry.DoWithResult(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		c.applyToken(req)

		resp, err := c.downloadClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := &DownloadError{Kind: kind, ID: id, Status: resp.StatusCode}
			if retry.RetryableStatus(resp.StatusCode) {
				return nil, retry.Retryable(err)
			}
			return nil, err
		}

		// Refused downloads come back as a JSON envelope instead of content.
		if isJSON(resp.Header.Get("Content-Type")) {
			defer resp.Body.Close()
			var env protocol.Envelope
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				return nil, fmt.Errorf("decode download error: %w", err)
			}
			return nil, &DownloadError{Kind: kind, ID: id, Status: env.Code, Message: env.Message}
		}
		return resp.Body, nil
	})
	if err != nil {
		metrics.RecordDownload(kind, 0, false)
		logging.Warn("download failed",
			zap.String("kind", kind),
			zap.String("id", id),
			zap.Error(err))
		return nil, err
	}

	return &countingReader{rc: body, kind: kind}, nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

// SaveAttachment downloads a message attachment to dest, or to
// DefaultDownloadDir under its own name when dest is empty.
func (c *Client) SaveAttachment(ctx context.Context, a models.Attachment, dest string) (string, error) {
	return c.saveFile(ctx, models.KindAttachment, strconv.Itoa(a.ID), a.Name, dest)
}

// SaveDocument downloads a school document as a PDF.
func (c *Client) SaveDocument(ctx context.Context, d models.Document, dest string) (string, error) {
	return c.saveFile(ctx, d.Type, strconv.FormatInt(d.ID, 10), d.DefaultFilename(), dest)
}

func (c *Client) saveFile(ctx context.Context, kind, id, name, dest string) (string, error) {
	if dest == "" {
		dest = filepath.Join(DefaultDownloadDir, filepath.Base(name))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	rc, err := c.Download(ctx, kind, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if _, err := fsutil.WriteFileAtomic(dest, rc); err != nil {
		return "", err
	}
	return dest, nil
}
