package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/rs/zerolog/log"
)

// SearchAsset submits a search task.
func (c *Client) SearchAsset(ctx context.Context, data Payload) (Response, error) {
	log.Debug().Str("component", "gateway").Msg("starting search request")
	return c.call(ctx, http.MethodPost, "/search_asset", c.withIdentity(data))
}

// DownloadAsset submits a download task.
func (c *Client) DownloadAsset(ctx context.Context, data Payload) (Response, error) {
	return c.call(ctx, http.MethodPost, "/download_asset", c.withIdentity(data))
}

// UploadAsset submits an upload task.
func (c *Client) UploadAsset(ctx context.Context, uploadData, exportData, uploadSet any) (Response, error) {
	return c.call(ctx, http.MethodPost, "/upload_asset", c.withIdentity(Payload{
		"upload_data": uploadData,
		"export_data": exportData,
		"upload_set":  uploadSet,
	}))
}

// KillDownload asks the daemon to cancel a task. Fire and forget: the daemon
// acknowledges only with the HTTP status.
func (c *Client) KillDownload(ctx context.Context, taskID string) error {
	_, err := c.call(ctx, http.MethodGet, "/kill_download", c.withIdentity(Payload{"task_id": taskID}))
	return err
}

// FetchGravatarImage asks the daemon to fetch an author's avatar.
func (c *Client) FetchGravatarImage(ctx context.Context, author Payload) (Response, error) {
	return c.call(ctx, http.MethodGet, "/profiles/fetch_gravatar_image", c.withIdentity(author))
}

// GetUserProfile creates a task fetching the logged-in user's profile.
func (c *Client) GetUserProfile(ctx context.Context, apiKey string) (Response, error) {
	return c.call(ctx, http.MethodGet, "/profiles/get_user_profile", c.withIdentity(Payload{"api_key": apiKey}))
}

// GetComments fetches all comments of an asset.
func (c *Client) GetComments(ctx context.Context, assetID, apiKey string) (Response, error) {
	return c.call(ctx, http.MethodPost, "/comments/get_comments", c.withIdentity(Payload{
		"asset_id": assetID,
		"api_key":  apiKey,
	}))
}

// CreateComment posts a comment, optionally as a reply.
func (c *Client) CreateComment(ctx context.Context, assetID, text, apiKey string, replyTo int) (Response, error) {
	return c.call(ctx, http.MethodPost, "/comments/create_comment", c.withIdentity(Payload{
		"asset_id":     assetID,
		"comment_text": text,
		"api_key":      apiKey,
		"reply_to_id":  replyTo,
	}))
}

// FeedbackComment flags a comment; "like" is the usual flag.
func (c *Client) FeedbackComment(ctx context.Context, assetID string, commentID int, apiKey, flag string) (Response, error) {
	if flag == "" {
		flag = "like"
	}
	return c.call(ctx, http.MethodPost, "/comments/feedback_comment", c.withIdentity(Payload{
		"asset_id":   assetID,
		"comment_id": commentID,
		"api_key":    apiKey,
		"flag":       flag,
	}))
}

// MarkCommentPrivate toggles comment visibility.
func (c *Client) MarkCommentPrivate(ctx context.Context, assetID string, commentID int, apiKey string, private bool) (Response, error) {
	return c.call(ctx, http.MethodPost, "/comments/mark_comment_private", c.withIdentity(Payload{
		"asset_id":   assetID,
		"comment_id": commentID,
		"api_key":    apiKey,
		"is_private": private,
	}))
}

// MarkNotificationRead marks a notification as read on the server.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID int, apiKey string) (Response, error) {
	return c.call(ctx, http.MethodPost, "/notifications/mark_notification_read", c.withIdentity(Payload{
		"notification_id": notificationID,
		"api_key":         apiKey,
	}))
}

// ReportUsages sends the asset usage report of the current scene.
func (c *Client) ReportUsages(ctx context.Context, usage Payload, apiKey string) (Response, error) {
	body := c.withIdentity(usage)
	body["api_key"] = apiKey
	return c.call(ctx, http.MethodPost, "/report_usages", body)
}

// SendCodeVerifier hands the OAuth PKCE verifier to the daemon.
func (c *Client) SendCodeVerifier(ctx context.Context, verifier string) (Response, error) {
	return c.call(ctx, http.MethodPost, "/code_verifier", c.withIdentity(Payload{"code_verifier": verifier}))
}

// GetDownloadURL resolves the download URL of an asset's blend file. It
// returns whether the user may download it and the updated asset data.
func (c *Client) GetDownloadURL(ctx context.Context, assetData Payload, sceneID, apiKey string) (bool, map[string]any, error) {
	resp, err := c.call(ctx, http.MethodGet, "/wrappers/get_download_url", c.withIdentity(Payload{
		"resolution": "blend",
		"asset_data": assetData,
		"PREFS": Payload{
			"api_key":  apiKey,
			"scene_id": sceneID,
		},
	}))
	if err != nil {
		return false, nil, err
	}
	hasURL, ok := resp["has_url"].(bool)
	if !ok {
		return false, nil, fmt.Errorf("get_download_url: missing has_url in response")
	}
	data, _ := resp["asset_data"].(map[string]any)
	return hasURL, data, nil
}

// RefreshToken asks the daemon to refresh the OAuth token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Response, error) {
	return c.call(ctx, http.MethodGet, "/refresh_token", c.withIdentity(Payload{"refresh_token": refreshToken}))
}

// ReportQuit tells the daemon this instance is going away so it can drop its
// tasks.
func (c *Client) ReportQuit(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, "/report_blender_quit", c.withIdentity(nil))
	return err
}

// Shutdown asks the daemon on the current port to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, "/shutdown", c.withIdentity(nil))
	return err
}

// ShutdownAt asks the daemon on port to exit, whatever the current port is.
func (c *Client) ShutdownAt(ctx context.Context, port int) error {
	_, err := c.callAt(ctx, ports.AddressOf(port), http.MethodGet, "/shutdown", c.withIdentity(nil))
	return err
}
