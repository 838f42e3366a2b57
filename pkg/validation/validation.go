package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxIDLength          = 128
	MaxDisplayNameLength = 100
)

// IDRegex matches server-issued session, bid and user ids (uuids and slugs).
var IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.-]+$`)

// ValidateID checks a path or payload identifier; kind names it in the error.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, MaxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", kind)
	}
	return nil
}

// ValidateDisplayName accepts an empty name; anything present must be
// printable UTF-8 within MaxDisplayNameLength runes.
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name is not valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameLength)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("display name is blank")
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("display name contains control characters")
		}
	}
	return nil
}

// ValidateSignalURL requires a ws or wss URL with a host.
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateHTTPURL requires an http or https URL with a host.
func ValidateHTTPURL(urlStr string) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
