package similarity

import (
	"strings"

	"dedupe/internal/catalog"
)

// Blocking key kinds.
const (
	BlockTitlePrefix     = "title-prefix"
	BlockIdentifier      = "identifier"
	BlockAttachmentHash  = "attachment-hash"
	BlockRepositoryLevel = "repository-level"
)

// BlockingKeys returns the block keys a record falls into. Only records
// sharing at least one key are ever compared. Keys carry a kind prefix so
// a title that happens to equal an identifier does not collide.
func BlockingKeys(rec *catalog.Record, kinds []string, prefixLen int) []string {
	var keys []string
	for _, kind := range kinds {
		switch kind {
		case BlockTitlePrefix:
			if prefix := TitlePrefix(rec.Title, prefixLen); prefix != "" {
				keys = append(keys, "t:"+prefix)
			}
		case BlockIdentifier:
			if id := NormalizeIdentifier(rec.Identifier); id != "" {
				keys = append(keys, "i:"+id)
			}
		case BlockAttachmentHash:
			seen := make(map[string]struct{}, len(rec.AttachmentHashes))
			for _, raw := range rec.AttachmentHashes {
				hash := strings.ToLower(strings.TrimSpace(raw))
				if hash == "" {
					continue
				}
				if _, ok := seen[hash]; ok {
					continue
				}
				seen[hash] = struct{}{}
				keys = append(keys, "h:"+hash)
			}
		case BlockRepositoryLevel:
			level := strings.ToLower(strings.TrimSpace(rec.Level))
			if level != "" {
				keys = append(keys, "r:"+rec.RepositoryKey()+"|"+level)
			}
		}
	}
	return keys
}
