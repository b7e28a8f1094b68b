// Package joinlink turns call identifiers into URL-safe join slugs and back.
//
// A slug is an optional readable label derived from the lead's name, a dot,
// and the base64url form of the call id. UUID call ids are encoded from their
// 16 raw bytes; other ids from their UTF-8 bytes.
package joinlink

import (
	"encoding/base64"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	labelSeparator = "."
	maxLabelLength = 48
	tokenParameter = "token"
)

var encoding = base64.RawURLEncoding

// Encode returns the slug for callID, labelled with label when it has any
// letters or digits.
func Encode(callID, label string) string {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return ""
	}
	var raw []byte
	if parsed, err := uuid.Parse(callID); err == nil {
		raw = parsed[:]
	} else {
		raw = []byte(callID)
	}
	encoded := encoding.EncodeToString(raw)
	if slug := Slugify(label); slug != "" {
		return slug + labelSeparator + encoded
	}
	return encoded
}

// Decode recovers the call id from a slug. Raw legacy ids pass through, and a
// slug that does not decode is returned as an opaque id rather than an error.
func Decode(slug string) string {
	slug = strings.Trim(strings.TrimSpace(slug), "/")
	if slug == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(slug); err == nil {
		slug = unescaped
	}
	token := slug
	if index := strings.LastIndex(slug, labelSeparator); index >= 0 && index < len(slug)-1 {
		token = slug[index+1:]
	}
	if parsed, err := uuid.Parse(token); err == nil {
		return parsed.String()
	}
	raw, err := encoding.DecodeString(token)
	if err != nil {
		return slug
	}
	if len(raw) == 16 {
		if parsed, err := uuid.FromBytes(raw); err == nil {
			return parsed.String()
		}
	}
	if printable(raw) {
		return string(raw)
	}
	return slug
}

// Link builds the join URL for a call, carrying the secure access token when given.
func Link(baseURL, callID, label, token string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/" + Encode(callID, label)
	if token != "" {
		query := base.Query()
		query.Set(tokenParameter, token)
		base.RawQuery = query.Encode()
	}
	return base.String(), nil
}

// Slugify folds accents, lowercases and joins the alphanumeric runs of label
// with hyphens.
func Slugify(label string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), label)
	if err != nil {
		folded = label
	}
	var builder strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(folded) {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			pendingHyphen = builder.Len() > 0
			continue
		}
		if pendingHyphen {
			builder.WriteByte('-')
			pendingHyphen = false
		}
		builder.WriteRune(r)
		if builder.Len() >= maxLabelLength {
			break
		}
	}
	return strings.TrimRight(builder.String(), "-")
}

func printable(raw []byte) bool {
	if len(raw) == 0 || !utf8.Valid(raw) {
		return false
	}
	for _, r := range string(raw) {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
