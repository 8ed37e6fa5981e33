package lifecycle

import "strings"

func joinTags(tags []string) string {
	return strings.Join(tags, "\n")
}

func splitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, "\n") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
