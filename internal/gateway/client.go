// Package gateway is the HTTP client for the external messaging
// gateway. Each message kind has its own send strategy; audio goes
// through an ordered cascade of endpoint/payload candidates because
// gateway deployments differ in which audio route they accept.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// presenceMaxMs caps the typing/recording indicator duration.
const presenceMaxMs = 60_000

// Client sends messages through the gateway's instance-scoped endpoints.
type Client struct {
	httpClient *resty.Client
}

// NewClient creates a gateway client with the API key header applied to
// every request.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gateway apiKey cannot be empty")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("apikey", apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	log.Info().Str("baseURL", baseURL).Msg("Gateway client configured")
	return &Client{httpClient: client}, nil
}

// post performs one gateway request. A transport failure or non-2xx
// status is returned as an error; 2xx returns the raw response body.
func (c *Client) post(ctx context.Context, op, urlPath string, body interface{}) (json.RawMessage, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		Post(urlPath)
	if err != nil {
		return nil, fmt.Errorf("gateway %s request failed: %w", op, err)
	}
	if resp.IsError() {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return json.RawMessage(resp.Body()), nil
}

// withInstanceFallback runs send against each instance identifier in
// preference order (name, then id). Only a 404-shaped error advances to
// the next identifier: any other failure is propagated immediately,
// since retrying a different instance cannot fix a payload or
// authorization problem.
func (c *Client) withInstanceFallback(inst Instance, send func(instance string) (json.RawMessage, error)) (json.RawMessage, error) {
	ids := inst.identifiers()
	if len(ids) == 0 {
		return nil, fmt.Errorf("no instance identifier (name or id)")
	}

	var lastErr error
	for i, id := range ids {
		res, err := send(id)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.NotFound() && i < len(ids)-1 {
			log.Warn().Str("instance", id).Msg("Instance not found at gateway, trying fallback identifier")
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, inst Instance, number, text string) (json.RawMessage, error) {
	return c.withInstanceFallback(inst, func(instance string) (json.RawMessage, error) {
		return c.post(ctx, "sendText", fmt.Sprintf("/message/sendText/%s", instance), map[string]interface{}{
			"number": number,
			"text":   text,
		})
	})
}

// SendImage delivers an image. The request carries a superset of the
// fields different gateway versions have required: media-type tag,
// mimetype, filename and the raw media value.
func (c *Client) SendImage(ctx context.Context, inst Instance, number, media, caption string) (json.RawMessage, error) {
	mimetype := mediaMimetype(media, "image/jpeg")
	filename := mediaFilename(media, "image", ".jpg")

	return c.withInstanceFallback(inst, func(instance string) (json.RawMessage, error) {
		return c.post(ctx, "sendImage", fmt.Sprintf("/message/sendMedia/%s", instance), map[string]interface{}{
			"number":    number,
			"mediatype": "image",
			"mimetype":  mimetype,
			"fileName":  filename,
			"media":     media,
			"caption":   caption,
		})
	})
}

// SendAudio walks the audio candidate cascade in order. A 4xx response
// advances to the next candidate, the first 2xx wins, and any other
// failure aborts immediately as fatal for this call.
func (c *Client) SendAudio(ctx context.Context, inst Instance, number, media string) (json.RawMessage, error) {
	return c.withInstanceFallback(inst, func(instance string) (json.RawMessage, error) {
		return c.sendAudioCascade(ctx, instance, number, media)
	})
}

func (c *Client) sendAudioCascade(ctx context.Context, instance, number, media string) (json.RawMessage, error) {
	var lastErr error
	for i, cand := range audioCandidates {
		res, err := c.post(ctx, "sendAudio", fmt.Sprintf(cand.path, instance), cand.body(number, media))
		if err == nil {
			if i > 0 {
				log.Debug().Int("candidate", i+1).Str("path", cand.path).Msg("Audio sent via fallback candidate")
			}
			return res, nil
		}

		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.ClientError() {
			lastErr = err
			continue
		}
		return nil, err
	}
	// Deliberately not wrapped: exhaustion is a distinct failure, not
	// the last candidate's 4xx, and must not trigger the instance
	// fallback's 404 handling.
	return nil, fmt.Errorf("all audio candidates rejected, last error: %v", lastErr)
}

// SendPresence signals a typing/recording indicator. The duration is
// clamped to [0, 60000] milliseconds.
func (c *Client) SendPresence(ctx context.Context, inst Instance, number, state string, durationMs int) error {
	if durationMs < 0 {
		durationMs = 0
	}
	if durationMs > presenceMaxMs {
		durationMs = presenceMaxMs
	}
	_, err := c.withInstanceFallback(inst, func(instance string) (json.RawMessage, error) {
		return c.post(ctx, "sendPresence", fmt.Sprintf("/chat/sendPresence/%s", instance), map[string]interface{}{
			"number":   number,
			"presence": state,
			"delay":    durationMs,
		})
	})
	return err
}
