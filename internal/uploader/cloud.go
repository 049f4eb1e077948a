package uploader

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CloudBackend uploads to a therapy-data cloud service through its
// import-session API: files accumulate in an import, and processing the
// import makes them visible. Imports are created lazily on the first
// real upload so empty sessions never leave stub imports behind.
type CloudBackend struct {
	name     string
	baseURL  string
	tokenURL string
	clientID string
	secret   string
	teamID   string
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time

	token       string
	tokenExpiry time.Time
	importID    string
	connected   bool
}

// CloudOptions configures a CloudBackend.
type CloudOptions struct {
	Name     string
	BaseURL  string
	TokenURL string
	ClientID string
	Secret   string
	TeamID   string
	Logger   *slog.Logger
}

// NewCloud creates a cloud backend; Begin fetches the first token.
func NewCloud(opts CloudOptions) *CloudBackend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudBackend{
		name:     opts.Name,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		tokenURL: opts.TokenURL,
		clientID: opts.ClientID,
		secret:   opts.Secret,
		teamID:   opts.TeamID,
		client:   &http.Client{Timeout: 2 * time.Minute},
		log:      logger,
		now:      time.Now,
	}
}

func (b *CloudBackend) Name() string { return b.name }
func (b *CloudBackend) Type() string { return "cloud" }

func (b *CloudBackend) Begin(ctx context.Context) error {
	if err := b.refreshToken(ctx); err != nil {
		return err
	}
	b.connected = true
	b.importID = ""
	b.log.Info("cloud backend connected", "backend", b.name)
	return nil
}

func (b *CloudBackend) IsConnected() bool {
	return b.connected
}

func (b *CloudBackend) refreshToken(ctx context.Context) error {
	if b.token != "" && b.now().Before(b.tokenExpiry.Add(-time.Minute)) {
		return nil
	}

	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {b.clientID},
		"client_secret": {b.secret},
		"scope":         {"read write"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("token request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}
	b.token = tok.AccessToken
	b.tokenExpiry = b.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return nil
}

func (b *CloudBackend) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := b.refreshToken(ctx); err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.client.Do(req)
}

// ensureImport lazily creates the current import session.
func (b *CloudBackend) ensureImport(ctx context.Context) error {
	if b.importID != "" {
		return nil
	}

	payload, _ := json.Marshal(map[string]string{
		"team_id":        b.teamID,
		"programatic_id": uuid.New().String(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/api/v1/imports", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build import request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.do(ctx, req)
	if err != nil {
		return fmt.Errorf("create import failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("create import returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var created struct {
		Data struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("failed to decode import response: %w", err)
	}
	if created.Data.ID.String() == "" {
		return fmt.Errorf("import response missing id")
	}
	b.importID = created.Data.ID.String()
	b.log.Info("cloud import session created", "backend", b.name, "import_id", b.importID)
	return nil
}

func (b *CloudBackend) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	if !b.connected {
		return 0, fmt.Errorf("cloud backend %q not connected", b.name)
	}
	if err := b.ensureImport(ctx); err != nil {
		return 0, err
	}

	content, err := os.ReadFile(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	sum := md5.Sum(content)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("name", path.Base(remotePath)); err != nil {
		return 0, fmt.Errorf("failed to build upload form: %w", err)
	}
	dir := path.Dir(remotePath)
	if dir == "." {
		dir = ""
	}
	if err := w.WriteField("path", dir); err != nil {
		return 0, fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.WriteField("content_hash", hex.EncodeToString(sum[:])); err != nil {
		return 0, fmt.Errorf("failed to build upload form: %w", err)
	}
	part, err := w.CreateFormFile("file", path.Base(remotePath))
	if err != nil {
		return 0, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return 0, fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/imports/%s/files", b.baseURL, b.importID), &body)
	if err != nil {
		return 0, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := b.do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return int64(len(content)), nil
}

// FinalizeFolder processes the current import session and starts a
// fresh one for the next folder. No-op when no files were sent.
func (b *CloudBackend) FinalizeFolder(ctx context.Context, folder string) error {
	if b.importID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/imports/%s/process_files", b.baseURL, b.importID), nil)
	if err != nil {
		return fmt.Errorf("failed to build process request: %w", err)
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return fmt.Errorf("process import failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("process import returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	b.log.Info("cloud import processed", "backend", b.name, "import_id", b.importID, "folder", folder)
	b.importID = ""
	return nil
}

func (b *CloudBackend) Close() error {
	b.connected = false
	b.importID = ""
	return nil
}
