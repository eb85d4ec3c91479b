package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"securereader/pkg/domain"
)

// Broker is the surface of the grant service the reading engine consumes.
type Broker interface {
	RequestGrant(ctx context.Context, contentID string, segmentIndex *int) (domain.Grant, error)
	SegmentDirectory(ctx context.Context, contentID string) (int, []domain.Segment, error)
	GetProgress(ctx context.Context, contentID string) (domain.ReadingProgress, error)
	SaveProgress(ctx context.Context, contentID string, currentPage, totalPages int) error
	ClaimDevice(ctx context.Context, info domain.DeviceInfo, takeover bool) (domain.DeviceInfo, bool, error)
}

// Client calls the broker service over HTTP on behalf of one session.
type Client struct {
	baseURL    string
	session    Session
	httpClient *http.Client
}

// APIError is a broker error response with its machine-readable code.
type APIError struct {
	Status  int
	Message string
	Code    string

	active domain.DeviceInfo
}

func (e *APIError) Error() string {
	return e.Message
}

// ActiveDevice returns the currently active device carried by a
// device-conflict response, zero otherwise.
func (e *APIError) ActiveDevice() domain.DeviceInfo {
	return e.active
}

// NewClient constructs a broker client bound to a session.
func NewClient(baseURL string, session Session) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    session,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type grantRequest struct {
	ContentID    string `json:"content_id"`
	SegmentIndex *int   `json:"segment_index,omitempty"`
	DeviceID     string `json:"device_id"`
}

// RequestGrant mints a signed URL for the whole document (segmentIndex nil)
// or one segment.
func (c *Client) RequestGrant(ctx context.Context, contentID string, segmentIndex *int) (domain.Grant, error) {
	payload := grantRequest{
		ContentID:    contentID,
		SegmentIndex: segmentIndex,
		DeviceID:     c.session.DeviceID,
	}
	var grant domain.Grant
	if err := c.doJSON(ctx, http.MethodPost, "/api/grants", payload, &grant); err != nil {
		return domain.Grant{}, err
	}
	return grant, nil
}

type directoryResponse struct {
	ContentID  string `json:"content_id"`
	TotalPages int    `json:"total_pages"`
	Segments   []struct {
		SegmentIndex int    `json:"segment_index"`
		StartPage    int    `json:"start_page"`
		EndPage      int    `json:"end_page"`
		FilePath     string `json:"file_path"`
	} `json:"segments"`
}

// SegmentDirectory fetches the content's segment list and total page count.
// An empty list means legacy whole-document mode.
func (c *Client) SegmentDirectory(ctx context.Context, contentID string) (int, []domain.Segment, error) {
	var resp directoryResponse
	path := fmt.Sprintf("/api/contents/%s/segments", contentID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, nil, err
	}
	segments := make([]domain.Segment, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		segments = append(segments, domain.Segment{
			ContentID: contentID,
			Index:     seg.SegmentIndex,
			StartPage: seg.StartPage,
			EndPage:   seg.EndPage,
			FilePath:  seg.FilePath,
		})
	}
	return resp.TotalPages, segments, nil
}

// GetProgress fetches the saved reading position, page 1 when none exists.
func (c *Client) GetProgress(ctx context.Context, contentID string) (domain.ReadingProgress, error) {
	var progress domain.ReadingProgress
	path := fmt.Sprintf("/api/contents/%s/progress", contentID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &progress); err != nil {
		return domain.ReadingProgress{}, err
	}
	return progress, nil
}

// SaveProgress upserts the reading position.
func (c *Client) SaveProgress(ctx context.Context, contentID string, currentPage, totalPages int) error {
	payload := map[string]int{"current_page": currentPage, "total_pages": totalPages}
	path := fmt.Sprintf("/api/contents/%s/progress", contentID)
	return c.doJSON(ctx, http.MethodPut, path, payload, nil)
}

type claimResponse struct {
	Status       string            `json:"status"`
	Code         string            `json:"code"`
	ActiveDevice domain.DeviceInfo `json:"active_device"`
}

// ClaimDevice negotiates the single-active-device session. When another
// device is active and takeover is false, it returns that device's info with
// conflict true.
func (c *Client) ClaimDevice(ctx context.Context, info domain.DeviceInfo, takeover bool) (domain.DeviceInfo, bool, error) {
	payload := map[string]any{
		"device_id":   c.session.DeviceID,
		"device_info": info,
		"takeover":    takeover,
	}
	var resp claimResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/devices/claim", payload, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return apiErr.active, true, nil
		}
		return domain.DeviceInfo{}, false, err
	}
	return domain.DeviceInfo{}, false, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.AuthToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error        string            `json:"error"`
			Code         string            `json:"code"`
			ActiveDevice domain.DeviceInfo `json:"active_device"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Message: msg,
			Code:    strings.TrimSpace(errResp.Code),
			active:  errResp.ActiveDevice,
		}
		return wrapAPIError(apiErr)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wrapAPIError attaches the matching sentinel so callers can classify
// failures with errors.Is without inspecting codes themselves.
func wrapAPIError(apiErr *APIError) error {
	switch {
	case apiErr.Code == "DEVICE_MISMATCH":
		return fmt.Errorf("%w: %s", domain.ErrDeviceMismatch, apiErr.Message)
	case apiErr.Status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, apiErr.Message)
	case apiErr.Status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrForbidden, apiErr.Message)
	case apiErr.Status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Message)
	case apiErr.Status == http.StatusConflict:
		return apiErr
	case apiErr.Status >= http.StatusInternalServerError, apiErr.Status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrTransient, apiErr.Message)
	default:
		return apiErr
	}
}
