// Package extract scans streamed message text for embedded media references.
// The scan itself is pure; Scanner schedules it off the hot append path.
package extract

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"

	"github.com/liveturnhq/liveturn/internal/message"
)

var (
	detailsBlockPattern = regexp.MustCompile(`(?s)<details\b[^>]*>.*?</details>`)
	dataURIPattern      = regexp.MustCompile(`data:image/(?:png|jpe?g|gif|webp);base64,[A-Za-z0-9+/=]+`)
	imageURLPattern     = regexp.MustCompile(`(?i)https?://[^\s"'<>)]+\.(?:png|jpe?g|gif|webp)`)
	jsonURLPattern      = regexp.MustCompile(`"url"\s*:\s*"([^"]+)"`)
	resultAttrPattern   = regexp.MustCompile(`result="([^"]*)"?`)
	filesAttrPattern    = regexp.MustCompile(`files="([^"]*)"?`)
	attrPattern         = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// Extract scans text for embedded attachments. Strategies run in priority
// order and short-circuit on the first that yields anything: structured tool
// output blocks, inline base64 data URIs, bare image URLs, JSON fragments
// with an image url key, then partial attribute fragments left by a
// truncated stream. The result is deduplicated by URL.
func Extract(text string) []message.Attachment {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if files := fromDetailsBlocks(text); len(files) > 0 {
		return dedupe(files)
	}
	if files := fromDataURIs(text); len(files) > 0 {
		return dedupe(files)
	}
	if files := fromBareURLs(text); len(files) > 0 {
		return dedupe(files)
	}
	if files := fromJSONFragments(text); len(files) > 0 {
		return dedupe(files)
	}
	return dedupe(fromPartialAttributes(text))
}

// fromDetailsBlocks parses complete structured tool-output blocks and pulls
// their files and result payloads.
func fromDetailsBlocks(text string) []message.Attachment {
	blocks := detailsBlockPattern.FindAllString(text, -1)
	if len(blocks) == 0 {
		return nil
	}
	var out []message.Attachment
	for _, block := range blocks {
		for _, match := range attrPattern.FindAllStringSubmatch(block, -1) {
			key, value := match[1], html.UnescapeString(match[2])
			switch key {
			case "files":
				out = append(out, decodeFilesPayload(value)...)
			case "result":
				out = append(out, sniffDecodedValue(value)...)
			}
		}
	}
	return out
}

func fromDataURIs(text string) []message.Attachment {
	uris := dataURIPattern.FindAllString(text, -1)
	out := make([]message.Attachment, 0, len(uris))
	for _, uri := range uris {
		out = append(out, message.Attachment{Type: message.AttachmentImage, URL: uri})
	}
	return out
}

func fromBareURLs(text string) []message.Attachment {
	urls := imageURLPattern.FindAllString(text, -1)
	out := make([]message.Attachment, 0, len(urls))
	for _, url := range urls {
		out = append(out, message.Attachment{Type: message.AttachmentImage, URL: url})
	}
	return out
}

func fromJSONFragments(text string) []message.Attachment {
	var out []message.Attachment
	for _, match := range jsonURLPattern.FindAllStringSubmatch(text, -1) {
		url := unescapeSlashes(match[1])
		if !isImageRef(url) {
			continue
		}
		out = append(out, message.Attachment{Type: message.AttachmentImage, URL: url})
	}
	return out
}

// fromPartialAttributes handles attribute fragments from a stream that was
// cut mid-block: the captured value is tried as JSON first, then sniffed for
// URLs directly.
func fromPartialAttributes(text string) []message.Attachment {
	var out []message.Attachment
	for _, pattern := range []*regexp.Regexp{resultAttrPattern, filesAttrPattern} {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			value := html.UnescapeString(match[1])
			if value == "" {
				continue
			}
			if files := sniffDecodedValue(value); len(files) > 0 {
				out = append(out, files...)
				continue
			}
			plain := unescapeSlashes(value)
			out = append(out, fromBareURLs(plain)...)
			out = append(out, fromDataURIs(plain)...)
		}
	}
	return out
}

// decodeFilesPayload decodes a files attribute: a JSON array of typed
// attachment objects.
func decodeFilesPayload(value string) []message.Attachment {
	var files []message.Attachment
	if err := json.Unmarshal([]byte(value), &files); err != nil {
		return nil
	}
	out := make([]message.Attachment, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(f.URL) == "" {
			continue
		}
		if f.Type == "" {
			f.Type = message.AttachmentImage
		}
		out = append(out, f)
	}
	return out
}

// sniffDecodedValue JSON-decodes a result payload and walks it for image
// references: bare strings, {"url": ...} objects, and arrays of either.
func sniffDecodedValue(value string) []message.Attachment {
	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return nil
	}
	return walkForImages(decoded)
}

func walkForImages(node any) []message.Attachment {
	switch v := node.(type) {
	case string:
		if isImageRef(v) {
			return []message.Attachment{{Type: message.AttachmentImage, URL: v}}
		}
		return nil
	case []any:
		var out []message.Attachment
		for _, item := range v {
			out = append(out, walkForImages(item)...)
		}
		return out
	case map[string]any:
		if url, ok := v["url"].(string); ok && isImageRef(url) {
			return []message.Attachment{{Type: message.AttachmentImage, URL: url}}
		}
		var out []message.Attachment
		for _, item := range v {
			out = append(out, walkForImages(item)...)
		}
		return out
	default:
		return nil
	}
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}

// isImageRef reports whether a decoded value points at an image: a data URI
// or any path ending in a known image extension, query string ignored.
func isImageRef(url string) bool {
	if strings.HasPrefix(url, "data:image/") {
		return true
	}
	path := url
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.ToLower(path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// unescapeSlashes undoes JSON-style forward slash escaping so URLs copied
// out of raw JSON fragments are usable as-is.
func unescapeSlashes(s string) string {
	return strings.ReplaceAll(s, `\/`, "/")
}

func dedupe(files []message.Attachment) []message.Attachment {
	if len(files) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(files))
	out := make([]message.Attachment, 0, len(files))
	for _, f := range files {
		if _, ok := seen[f.URL]; ok {
			continue
		}
		seen[f.URL] = struct{}{}
		out = append(out, f)
	}
	return out
}
