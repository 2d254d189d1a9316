// Package tracker is a minimal client for the target project-tracking
// system's work item REST API. Exactly two call shapes exist: create an
// item, and add one parent-child relation.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HierarchyRelation is the tree relation kind. It is the only relation
// kind this tool ever issues.
const HierarchyRelation = "System.LinkTypes.Hierarchy-Reverse"

// PatchOp is one JSON-patch operation in a create/link request body.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// RelationValue is the value of a link patch operation.
type RelationValue struct {
	Rel string `json:"rel"`
	URL string `json:"url"`
}

// Item is the subset of the tracker's work item response this tool uses.
type Item struct {
	ID int `json:"id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client issues the two write calls. Implementations must be safe for
// strictly sequential use; the write engine never calls concurrently.
type Client interface {
	CreateItem(ctx context.Context, trackerType string, patch []PatchOp) (Item, error)
	AddParentLink(ctx context.Context, childID, parentID int) error
}

// Config connects an HTTPClient to one organization and project.
type Config struct {
	OrgURL     string
	Project    string
	Token      string
	APIVersion string
}

// HTTPClient is the real Client over the tracker's REST API.
type HTTPClient struct {
	Config     Config
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(cfg Config) *HTTPClient {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "7.0"
	}
	return &HTTPClient{
		Config:  cfg,
		Timeout: 30 * time.Second,
	}
}

// CreateItem creates one work item of the resolved tracker type and
// returns its external identifier.
func (c *HTTPClient) CreateItem(ctx context.Context, trackerType string, patch []PatchOp) (Item, error) {
	var resp Item
	endpoint := fmt.Sprintf("%s/_apis/wit/workitems/$%s", url.PathEscape(c.Config.Project), url.PathEscape(trackerType))
	err := c.do(ctx, http.MethodPost, endpoint, patch, &resp)
	if err != nil {
		return Item{}, err
	}
	if resp.ID == 0 {
		return Item{}, fmt.Errorf("tracker returned no item id for created %s", trackerType)
	}
	return resp, nil
}

// AddParentLink attaches childID under parentID with the tree-hierarchy
// relation kind.
func (c *HTTPClient) AddParentLink(ctx context.Context, childID, parentID int) error {
	patch := []PatchOp{{
		Op:   "add",
		Path: "/relations/-",
		Value: RelationValue{
			Rel: HierarchyRelation,
			URL: c.ItemURL(parentID),
		},
	}}
	endpoint := fmt.Sprintf("%s/_apis/wit/workitems/%d", url.PathEscape(c.Config.Project), childID)
	return c.do(ctx, http.MethodPatch, endpoint, patch, nil)
}

// ItemURL returns the canonical API URL of an item, used as a relation
// target.
func (c *HTTPClient) ItemURL(id int) string {
	return fmt.Sprintf("%s/_apis/wit/workitems/%d", c.base(), id)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := fmt.Sprintf("%s/%s?api-version=%s", c.base(), strings.TrimLeft(endpoint, "/"), url.QueryEscape(c.Config.APIVersion))
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", BasicAuthHeader(c.Config.Token))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) base() string {
	return strings.TrimRight(c.Config.OrgURL, "/")
}

// BasicAuthHeader encodes a personal access token the way the tracker
// expects basic auth: empty user, token as password.
func BasicAuthHeader(token string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(":" + token))
	return "Basic " + encoded
}
