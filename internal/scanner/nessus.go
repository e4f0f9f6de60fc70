package scanner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"scand/internal/errs"
	"scand/internal/logging"
	"scand/internal/task"
)

// basicScanTemplate is the stock "basic network scan" policy template.
const basicScanTemplate = "731a8e52-3ea6-a291-ec0a-d2ff0619c19d7bd788d6be818b65"

const exportPollInterval = 2 * time.Second

// HTTPScanner drives a Nessus-compatible REST API. One instance per
// descriptor; the client is safe for concurrent scans.
type HTTPScanner struct {
	baseURL string
	apiKeys string // X-ApiKeys header value
	client  *http.Client
	logger  logging.Logger
}

// HTTPFactory builds HTTPScanner adapters from descriptors. The
// descriptor's credentials field carries the X-ApiKeys header value
// ("accessKey=..; secretKey=..").
func HTTPFactory(logger logging.Logger) Factory {
	logger = logging.OrNop(logger)
	return func(d Descriptor) (Scanner, error) {
		if d.URL == "" {
			return nil, fmt.Errorf("scanner %s: url is required", d.InstanceKey)
		}
		return &HTTPScanner{
			baseURL: strings.TrimRight(d.URL, "/"),
			apiKeys: d.Credentials,
			// appliances ship self-signed certificates
			client: &http.Client{
				Timeout: 30 * time.Second,
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				},
			},
			logger: logger,
		}, nil
	}
}

type nessusScanInfo struct {
	Info struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	} `json:"info"`
}

func (s *HTTPScanner) CreateScan(ctx context.Context, req CreateRequest) (string, error) {
	body := map[string]any{
		"uuid": basicScanTemplate,
		"settings": map[string]any{
			"name":         req.Name,
			"description":  req.Description,
			"text_targets": req.Targets,
		},
	}
	var out struct {
		Scan struct {
			ID int64 `json:"id"`
		} `json:"scan"`
	}
	if err := s.do(ctx, http.MethodPost, "/scans", body, &out); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", out.Scan.ID), nil
}

func (s *HTTPScanner) LaunchScan(ctx context.Context, remoteID string) (string, error) {
	var out struct {
		ScanUUID string `json:"scan_uuid"`
	}
	if err := s.do(ctx, http.MethodPost, "/scans/"+remoteID+"/launch", nil, &out); err != nil {
		return "", err
	}
	return out.ScanUUID, nil
}

func (s *HTTPScanner) GetStatus(ctx context.Context, remoteID string) (Status, error) {
	var out nessusScanInfo
	if err := s.do(ctx, http.MethodGet, "/scans/"+remoteID, nil, &out); err != nil {
		return Status{}, err
	}
	state, known := NormalizeStatus(out.Info.Status)
	if !known {
		// unknown backend states keep the task polling
		state = task.StatusRunning
	}
	return Status{State: state, Progress: out.Info.Progress}, nil
}

// ExportResults requests a native-format export, waits for the file to
// become ready, and downloads it.
func (s *HTTPScanner) ExportResults(ctx context.Context, remoteID string) ([]byte, error) {
	var requested struct {
		File int64 `json:"file"`
	}
	err := s.do(ctx, http.MethodPost, "/scans/"+remoteID+"/export",
		map[string]any{"format": "nessus"}, &requested)
	if err != nil {
		return nil, err
	}
	file := fmt.Sprintf("%d", requested.File)

	for {
		var st struct {
			Status string `json:"status"`
		}
		if err := s.do(ctx, http.MethodGet,
			"/scans/"+remoteID+"/export/"+file+"/status", nil, &st); err != nil {
			return nil, err
		}
		if st.Status == "ready" {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(exportPollInterval):
		}
	}

	return s.download(ctx, "/scans/"+remoteID+"/export/"+file+"/download")
}

func (s *HTTPScanner) StopScan(ctx context.Context, remoteID string) (bool, error) {
	err := s.do(ctx, http.MethodPost, "/scans/"+remoteID+"/stop", nil, nil)
	if errs.Is(err, errs.KindConflict) {
		// already stopped or finished
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *HTTPScanner) DeleteScan(ctx context.Context, remoteID string) (bool, error) {
	err := s.do(ctx, http.MethodDelete, "/scans/"+remoteID, nil, nil)
	if errs.Is(err, errs.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *HTTPScanner) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// do runs one JSON round trip and decodes the response into out.
func (s *HTTPScanner) do(ctx context.Context, method, path string, body, out any) error {
	op := "nessus." + method + path

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.E(op, errs.KindInternal, err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, payload)
	if err != nil {
		return errs.E(op, errs.KindInternal, err)
	}
	req.Header.Set("X-ApiKeys", s.apiKeys)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.E(op, errs.KindUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.Errorf(op, kindForHTTP(resp.StatusCode),
			"%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.E(op, errs.KindInternal, err)
	}
	return nil
}

func (s *HTTPScanner) download(ctx context.Context, path string) ([]byte, error) {
	const op = "nessus.download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, errs.E(op, errs.KindInternal, err)
	}
	req.Header.Set("X-ApiKeys", s.apiKeys)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.E(op, errs.KindUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Errorf(op, kindForHTTP(resp.StatusCode), "%s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func kindForHTTP(code int) errs.Kind {
	switch {
	case code == http.StatusNotFound:
		return errs.KindNotFound
	case code == http.StatusConflict:
		return errs.KindConflict
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.KindInvalidArgument
	case code >= 500:
		return errs.KindUnavailable
	default:
		return errs.KindInternal
	}
}
