package gateway

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/vincent-petithory/dataurl"
)

// Instance identifies the outbound channel at the gateway. Name is the
// preferred identifier, ID the fallback.
type Instance struct {
	Name string
	ID   string
}

// identifiers returns the addressing candidates in preference order.
func (i Instance) identifiers() []string {
	var ids []string
	if i.Name != "" {
		ids = append(ids, i.Name)
	}
	if i.ID != "" {
		ids = append(ids, i.ID)
	}
	return ids
}

// Error is a non-2xx gateway response. A nil-free response body is kept
// for the job's last_error field.
type Error struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// NotFound reports a 404-shaped response, the only signal that trying
// the other instance identifier can help.
func (e *Error) NotFound() bool { return e.StatusCode == 404 }

// ClientError reports a 4xx response, which advances the audio cascade
// to its next candidate.
func (e *Error) ClientError() bool { return e.StatusCode >= 400 && e.StatusCode < 500 }

// audioCandidate is one endpoint/payload shape attempted by the audio
// cascade.
type audioCandidate struct {
	path string
	body func(number, media string) map[string]interface{}
}

// audioCandidates is the documented cascade order: the native voice-note
// endpoint (two field namings), the legacy voice endpoint (three field
// namings), the generic audio endpoint with a playback-as-voice flag
// (three shapes), a generic media send tagged audio, and a last-resort
// document send.
var audioCandidates = []audioCandidate{
	{"/message/sendWhatsAppAudio/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "audio": m}
	}},
	{"/message/sendWhatsAppAudio/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "media": m}
	}},
	{"/message/sendVoice/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "audio": m}
	}},
	{"/message/sendVoice/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "media": m}
	}},
	{"/message/sendVoice/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "url": m}
	}},
	{"/message/sendAudio/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "audio": m, "ptt": true}
	}},
	{"/message/sendAudio/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "media": m, "ptt": true}
	}},
	{"/message/sendAudio/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "media": m, "options": map[string]interface{}{"ptt": true, "presence": "recording"}}
	}},
	{"/message/sendMedia/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "mediatype": "audio", "media": m}
	}},
	{"/message/sendMedia/%s", func(n, m string) map[string]interface{} {
		return map[string]interface{}{"number": n, "mediatype": "document", "media": m, "fileName": mediaFilename(m, "audio", ".mp3")}
	}},
}

// mediaMimetype infers the mime type of a media value: an inline data
// URI carries its own content type, a URL is mapped by extension, and
// anything else (raw base64) gets the fallback.
func mediaMimetype(media, fallback string) string {
	if strings.HasPrefix(media, "data:") {
		if du, err := dataurl.DecodeString(media); err == nil {
			return du.ContentType()
		}
		return fallback
	}
	if u, err := url.Parse(media); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if mt := mime.TypeByExtension(path.Ext(u.Path)); mt != "" {
			return strings.Split(mt, ";")[0]
		}
	}
	return fallback
}

// mediaFilename derives a filename for the gateway's file field.
func mediaFilename(media, base, fallbackExt string) string {
	if u, err := url.Parse(media); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" && path.Ext(name) != "" {
			return name
		}
	}
	mt := mediaMimetype(media, "")
	if mt != "" {
		if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
			return base + exts[0]
		}
	}
	return base + fallbackExt
}
