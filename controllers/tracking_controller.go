package controller

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"coldpilot/engine"
)

type TrackingController struct {
	Recorder *engine.TrackingRecorder
	Logger   *log.Logger
}

func NewTrackingController(recorder *engine.TrackingRecorder, logger *log.Logger) *TrackingController {
	return &TrackingController{
		Recorder: recorder,
		Logger:   logger,
	}
}

// HandleOpen serves the tracking pixel. When a url query parameter is
// present the hit is a rewritten link: the click is recorded and the
// visitor is redirected to the original destination.
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	originalURL := c.Query("url")

	if originalURL != "" {
		if _, err := tc.Recorder.RecordClick(trackingID); err != nil {
			tc.Logger.Printf("TRACKING: click %s failed: %v", trackingID, err)
		}
		if !safeRedirectTarget(originalURL) {
			return c.Status(fiber.StatusBadRequest).SendString("Invalid redirect target")
		}
		return c.Redirect(originalURL, fiber.StatusFound)
	}

	if _, err := tc.Recorder.RecordOpen(trackingID); err != nil {
		tc.Logger.Printf("TRACKING: open %s failed: %v", trackingID, err)
	}

	// The pixel is returned even for unknown IDs so probes learn nothing
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Type("gif").Send(transparentPixel())
}

// HandleUnsubscribe serves the one-click unsubscribe link. The GET itself
// records the event; mail clients follow these links directly.
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")

	if _, err := tc.Recorder.RecordUnsubscribe(trackingID); err != nil {
		tc.Logger.Printf("TRACKING: unsubscribe %s failed: %v", trackingID, err)
		return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong, please try again")
	}

	// Unknown and already-unsubscribed IDs get the same page on purpose
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	c.Set("Content-Type", "text/html; charset=utf-8")
	return c.SendString(unsubscribePage)
}

const unsubscribePage = `<!DOCTYPE html>
<html>
<head><title>Unsubscribed</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:80px">
<h2>You have been unsubscribed</h2>
<p>You will not receive any further emails from this sender.</p>
</body>
</html>`

// safeRedirectTarget rejects anything that is not a plain http(s) URL
func safeRedirectTarget(target string) bool {
	lower := strings.ToLower(strings.TrimSpace(target))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
