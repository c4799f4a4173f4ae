package model

import (
	"regexp"
	"strings"
)

var mediaURLRe = regexp.MustCompile(`(?i)https?://[^\s]+\.(jpg|jpeg|png|gif|webp|mp3|wav|ogg|m4a|mp4|webm|mov|avi)`)

var kindByExt = map[string]MediaKind{
	"jpg": KindImage, "jpeg": KindImage, "png": KindImage, "gif": KindImage, "webp": KindImage,
	"mp3": KindVoice, "wav": KindVoice, "ogg": KindVoice, "m4a": KindVoice,
	"mp4": KindOther, "webm": KindOther, "mov": KindOther, "avi": KindOther,
}

// DetectMedia inspects composed text for an embedded media reference: an
// inline data URI, or the first URL with a recognized media extension.
// It returns the reference and its kind, or ok=false when the text carries
// no media.
func DetectMedia(text string) (ref string, kind MediaKind, ok bool) {
	if strings.HasPrefix(text, "data:image/") {
		return text, KindImage, true
	}
	if strings.HasPrefix(text, "data:audio/") {
		return text, KindVoice, true
	}
	m := mediaURLRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	kind, found := kindByExt[strings.ToLower(m[1])]
	if !found {
		kind = KindOther
	}
	return m[0], kind, true
}

// StripMedia removes a detected media reference from the composed text. When
// the text is exactly the reference the result is empty; otherwise the
// reference substring is removed and the remainder trimmed.
func StripMedia(text, ref string) string {
	if text == ref {
		return ""
	}
	return strings.TrimSpace(strings.Replace(text, ref, "", 1))
}
