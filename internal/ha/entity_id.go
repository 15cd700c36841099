package ha

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)
	slugInvalid     = regexp.MustCompile(`[^a-z0-9_]+`)
)

// SplitEntityID splits "domain.object_id" into its parts
func SplitEntityID(entityID string) (domain, objectID string, ok bool) {
	domain, objectID, ok = strings.Cut(entityID, ".")
	if !ok || domain == "" || objectID == "" {
		return "", "", false
	}
	return domain, objectID, true
}

// ValidEntityID reports whether entityID has the form domain.object_id
// with lowercase slug parts
func ValidEntityID(entityID string) bool {
	return entityIDPattern.MatchString(entityID)
}

// EntityID joins a domain and object id
func EntityID(domain, objectID string) string {
	return domain + "." + objectID
}

// Slugify lowercases text, turns spaces into underscores and drops every
// other character outside [a-z0-9_]. Underscores are kept as they are.
func Slugify(text string) string {
	slug := strings.ReplaceAll(strings.ToLower(text), " ", "_")
	return slugInvalid.ReplaceAllString(slug, "")
}

// IsSlug reports whether value is already a valid slug
func IsSlug(value string) bool {
	return value != "" && Slugify(value) == value
}

// ParseEntityIDs normalises the accepted entity_id shapes (a single id, a
// comma separated string or a list) into a lowercased slice
func ParseEntityIDs(value interface{}) ([]string, error) {
	var raw []string

	switch v := value.(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("entity id %v is not a string", item)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("entity_id must be a string or list, got %T", value)
	}

	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if !ValidEntityID(id) {
			return nil, fmt.Errorf("invalid entity id: %s", id)
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("entity_id must not be empty")
	}

	return ids, nil
}
