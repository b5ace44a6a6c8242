package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultEndpoint is the public Hub endpoint. Point Endpoint at a private
// mirror or a test server to use a different one.
const DefaultEndpoint = "https://huggingface.co"

// TokenEnv is the environment variable holding the Hub access token. A
// read/write token is needed to push to the cache repository.
const TokenEnv = "HF_TOKEN"

// Client implements Repository over the Hub HTTP API.
//
// Listing reads the repository info endpoint ("/api/models/<id>"), whose
// reply carries the file list as siblings. Downloads resolve through
// "/<id>/resolve/main/<path>". Uploads POST the raw file body to
// "/api/models/<id>/upload/<path>"; a conflict reply means another worker
// created the file first and counts as success, the repository being
// append-only either way.
type Client struct {
	id string

	// Endpoint of the Hub service, without a trailing slash.
	Endpoint string

	// AuthToken is sent as a bearer token when non-empty. Initialized from
	// the HF_TOKEN environment variable.
	AuthToken string

	// HTTPClient used for all requests.
	HTTPClient *http.Client
}

// New creates a Client for the repository id, given as "owner/name". The
// exported fields can be adjusted before first use.
func New(id string) (*Client, error) {
	if !validRepoID(id) {
		return nil, errors.WithMessagef(ErrNoRepository, "invalid repository id %q, expected \"owner/name\"", id)
	}
	return &Client{
		id:         id,
		Endpoint:   DefaultEndpoint,
		AuthToken:  os.Getenv(TokenEnv),
		HTTPClient: http.DefaultClient,
	}, nil
}

// ID implements Repository.
func (c *Client) ID() string { return c.id }

// repoInfo is the subset of the repository info reply we consume.
type repoInfo struct {
	Siblings []struct {
		Name string `json:"rfilename"`
	} `json:"siblings"`
}

func (c *Client) infoURL() string {
	return fmt.Sprintf("%s/api/models/%s", c.Endpoint, c.id)
}

func (c *Client) resolveURL(filePath string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", c.Endpoint, c.id, urlEscapePath(filePath))
}

func (c *Client) uploadURL(filePath string) string {
	return fmt.Sprintf("%s/api/models/%s/upload/%s", c.Endpoint, c.id, urlEscapePath(filePath))
}

// urlEscapePath escapes each path segment, keeping the slashes.
func urlEscapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func (c *Client) newRequest(method, requestURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, requestURL, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s request for %q", method, requestURL)
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	return req, nil
}

// ListFiles implements Repository. Transport failures and server errors wrap
// ErrUnavailable; an unknown repository wraps ErrNoRepository.
func (c *Client) ListFiles() ([]string, error) {
	req, err := c.newRequest(http.MethodGet, c.infoURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.WithMessagef(ErrUnavailable, "listing repository %q: %v", c.id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.WithMessagef(ErrNoRepository, "repository %q not found at %s", c.id, c.Endpoint)
	case resp.StatusCode >= 500:
		return nil, errors.WithMessagef(ErrUnavailable, "listing repository %q: %s", c.id, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("failed to list repository %q: %s", c.id, resp.Status)
	}
	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.Wrapf(err, "failed to parse info for repository %q", c.id)
	}
	files := make([]string, 0, len(info.Siblings))
	for _, sibling := range info.Siblings {
		name := sibling.Name
		if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
			return nil, errors.Errorf("repository %q lists illegal file name %q", c.id, name)
		}
		files = append(files, name)
	}
	return visibleFiles(files), nil
}

// UploadFile implements Repository.
func (c *Client) UploadFile(filePath string, r io.Reader) error {
	req, err := c.newRequest(http.MethodPost, c.uploadURL(filePath), r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.WithMessagef(ErrUnavailable, "uploading %q to repository %q: %v", filePath, c.id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Some other worker pushed this entry first.
		klog.V(1).Infof("hub: %q already present in repository %q", filePath, c.id)
		return nil
	case resp.StatusCode >= 500:
		return errors.WithMessagef(ErrUnavailable, "uploading %q to repository %q: %s", filePath, c.id, resp.Status)
	default:
		return errors.Errorf("failed to upload %q to repository %q: %s", filePath, c.id, resp.Status)
	}
}

// DownloadFile implements Repository. The file is first written with a
// ".downloading" suffix and only renamed into place once complete, so an
// interrupted download never leaves a partial artifact behind.
func (c *Client) DownloadFile(filePath string, destPath string) error {
	req, err := c.newRequest(http.MethodGet, c.resolveURL(filePath), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.WithMessagef(ErrUnavailable, "downloading %q from repository %q: %v", filePath, c.id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusOK:
		// Proceed.
	case resp.StatusCode >= 500:
		return errors.WithMessagef(ErrUnavailable, "downloading %q from repository %q: %s", filePath, c.id, resp.Status)
	default:
		return errors.Errorf("failed to download %q from repository %q: %s", filePath, c.id, resp.Status)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", destPath)
	}
	partial, err := os.Create(destPath + ".downloading")
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", destPath+".downloading")
	}
	if _, err := io.Copy(partial, resp.Body); err != nil {
		_ = partial.Close()
		_ = os.Remove(partial.Name())
		return errors.WithMessagef(ErrUnavailable, "downloading %q from repository %q: %v", filePath, c.id, err)
	}
	if err := partial.Close(); err != nil {
		_ = os.Remove(partial.Name())
		return errors.Wrapf(err, "failed to finish writing %q", destPath)
	}
	if err := os.Rename(partial.Name(), destPath); err != nil {
		_ = os.Remove(partial.Name())
		return errors.Wrapf(err, "failed to move downloaded file into %q", destPath)
	}
	return nil
}
