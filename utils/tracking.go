package utils

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// NewTrackingID returns the opaque token embedded in pixel, click and
// unsubscribe URLs. It is the only authorization those endpoints have,
// so it must be unpredictable rather than sequential.
func NewTrackingID() string {
	return uuid.NewString()
}

// TrackingPixelURL builds the open-tracking pixel URL for a message
func TrackingPixelURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/track/%s/open", baseURL, trackingID)
}

// ClickTrackURL routes an outbound link through the tracking endpoint,
// which records the click and redirects to the original destination
func ClickTrackURL(baseURL, trackingID, originalURL string) string {
	return fmt.Sprintf("%s/track/%s/open?url=%s", baseURL, trackingID, url.QueryEscape(originalURL))
}

// UnsubscribeURL builds the public unsubscribe link for a message
func UnsubscribeURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/unsubscribe/%s", baseURL, trackingID)
}

// InjectTracking rewrites every link in the HTML body to pass through the
// click tracker, appends the 1x1 open pixel, and adds the unsubscribe
// footer link.
func InjectTracking(htmlContent, baseURL, trackingID string) string {
	modified := injectClickTracking(htmlContent, baseURL, trackingID)

	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`,
		TrackingPixelURL(baseURL, trackingID))
	footer := fmt.Sprintf(`<p style="font-size:12px;color:#999"><a href="%s">Unsubscribe</a></p>`,
		UnsubscribeURL(baseURL, trackingID))

	return modified + footer + pixel
}

func injectClickTracking(html, baseURL, trackingID string) string {
	// This is a simplified version. Consider using an HTML parser for production
	startTag := "<a href=\""
	endTag := "\""
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		trackedURL := ClickTrackURL(baseURL, trackingID, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
