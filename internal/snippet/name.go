package snippet

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength is the upper bound on a snippet name, in bytes.
const MaxNameLength = 50

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedNames are tag names claimed by the host platform. Snippets
// may never shadow them, compared case-insensitively.
var reservedNames = map[string]bool{
	"caption":    true,
	"gallery":    true,
	"playlist":   true,
	"audio":      true,
	"video":      true,
	"embed":      true,
	"wp_caption": true,
}

// ValidateName checks a snippet name against the registration rules.
// Names are limited to ASCII letters, digits, underscore and hyphen,
// must start with a letter, and must not collide with a reserved tag.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("snippet name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("snippet name exceeds %d characters", MaxNameLength)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("snippet name %q contains invalid characters", name)
	}
	switch name[0] {
	case '_', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return fmt.Errorf("snippet name %q must start with a letter", name)
	}
	if reservedNames[strings.ToLower(name)] {
		return fmt.Errorf("snippet name %q is reserved", name)
	}
	return nil
}
