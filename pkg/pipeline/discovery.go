package pipeline

import (
	"context"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Item is one entry of a remote listing.
type Item struct {
	ID     string
	Name   string
	Region string
}

// Descriptor identifies a source resource and where it replicates to.
// It is not modified after discovery.
type Descriptor struct {
	Kind       string `json:"kind"`
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	TargetName string `json:"target_name"`
	Region     string `json:"region,omitempty"`
}

func (d Descriptor) String() string {
	return d.Kind + "/" + d.SourceName
}

// PageFunc fetches one page of a listing. A nil next token ends the listing.
type PageFunc func(ctx context.Context, token *string) (items []Item, next *string, err error)

// Filter selects and renames discovered resources.
type Filter struct {
	SourcePrefix string
	TargetPrefix string
	Exclude      []string
}

// TargetName derives the destination name by replacing the first
// occurrence of the source prefix.
func TargetName(name, sourcePrefix, targetPrefix string) string {
	return strings.Replace(name, sourcePrefix, targetPrefix, 1)
}

// ListAll pages through the whole listing before returning. Any page
// error is a discovery failure; there is no retry here.
func ListAll(ctx context.Context, kind string, fetch PageFunc) ([]Item, error) {
	var (
		all   []Item
		token *string
		pages int
	)
	for {
		items, next, err := fetch(ctx, token)
		if err != nil {
			return nil, NewError(ErrorKindDiscovery, kind, "list", err)
		}
		all = append(all, items...)
		pages++
		if next == nil || *next == "" {
			break
		}
		token = next
	}

	log.WithFields(log.Fields{
		"action": "ListAll",
		"kind":   kind,
		"pages":  pages,
		"items":  len(all),
	}).Debug("Listing complete")
	return all, nil
}

// Select keeps items whose name starts with the source prefix and is not
// excluded, de-duplicated by ID, and derives their target names.
func Select(kind string, items []Item, f Filter) []Descriptor {
	seen := make(map[string]bool)
	var out []Descriptor
	for _, it := range items {
		if !strings.HasPrefix(it.Name, f.SourcePrefix) {
			continue
		}
		if isExcluded(it.Name, f.Exclude) {
			continue
		}
		id := it.ID
		if id == "" {
			id = it.Name
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Descriptor{
			Kind:       kind,
			SourceID:   id,
			SourceName: it.Name,
			TargetName: TargetName(it.Name, f.SourcePrefix, f.TargetPrefix),
			Region:     it.Region,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceName < out[j].SourceName })
	return out
}

// Discover lists everything through fetch and applies f.
func Discover(ctx context.Context, kind string, fetch PageFunc, f Filter) ([]Descriptor, error) {
	items, err := ListAll(ctx, kind, fetch)
	if err != nil {
		return nil, err
	}
	descs := Select(kind, items, f)

	log.WithFields(log.Fields{
		"action":   "Discover",
		"kind":     kind,
		"listed":   len(items),
		"selected": len(descs),
	}).Info("Discovered resources")
	return descs, nil
}

func isExcluded(name string, excludeList []string) bool {
	for _, excluded := range excludeList {
		if excluded == name {
			return true
		}
	}
	return false
}
