// Package prompts assigns each group one daily prompt from a fixed catalog.
//
// Assignment is a pure function of (group id, calendar date): every process
// computes the same prompt without coordination, and all members of a group
// see the same prompt on the same day.
package prompts

import (
	_ "embed"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout formats the calendar date used in assignment keys and stored
// response dates.
const DateLayout = "2006-01-02"

// Category groups prompts by tone.
type Category string

const (
	CategoryIcebreaker Category = "icebreaker"
	CategoryReflection Category = "reflection"
	CategoryFun        Category = "fun"
	CategoryDeep       Category = "deep"
)

// ResponseType is the kind of answer a prompt asks for.
type ResponseType string

const (
	ResponseText  ResponseType = "text"
	ResponseImage ResponseType = "image"
)

// Prompt is one catalog entry.
type Prompt struct {
	ID           string       `yaml:"id" json:"id"`
	Text         string       `yaml:"text" json:"text"`
	Category     Category     `yaml:"category" json:"category"`
	ResponseType ResponseType `yaml:"response_type" json:"responseType"`
}

//go:embed catalog.yaml
var catalogYAML []byte

var (
	loadOnce sync.Once
	catalog  []Prompt
	byID     map[string]Prompt
)

func load() {
	loadOnce.Do(func() {
		parsed, err := parseCatalog(catalogYAML)
		if err != nil {
			panic(fmt.Sprintf("prompts: embedded catalog: %v", err))
		}
		catalog = parsed
		byID = make(map[string]Prompt, len(parsed))
		for _, p := range parsed {
			byID[p.ID] = p
		}
	})
}

func parseCatalog(data []byte) ([]Prompt, error) {
	var doc struct {
		Prompts []Prompt `yaml:"prompts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(doc.Prompts) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	seen := make(map[string]struct{}, len(doc.Prompts))
	for i, p := range doc.Prompts {
		if p.ID == "" || p.Text == "" {
			return nil, fmt.Errorf("prompt %d: id and text are required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("prompt %d: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		switch p.ResponseType {
		case ResponseText, ResponseImage:
		default:
			return nil, fmt.Errorf("prompt %s: unknown response type %q", p.ID, p.ResponseType)
		}
	}
	return doc.Prompts, nil
}

// Catalog returns a copy of the ordered prompt catalog.
func Catalog() []Prompt {
	load()
	out := make([]Prompt, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the prompt with the given id.
func Lookup(id string) (Prompt, bool) {
	load()
	p, ok := byID[id]
	return p, ok
}

// DateKey returns the UTC calendar date of t in DateLayout.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ForGroupOnDate returns the prompt assigned to groupID on date's UTC
// calendar day.
func ForGroupOnDate(groupID string, date time.Time) Prompt {
	load()
	return catalog[Index(groupID, date, len(catalog))]
}

// Index maps (groupID, date) onto [0, n).
func Index(groupID string, date time.Time, n int) int {
	if n <= 0 {
		return 0
	}
	return int(djb2(DateKey(date)+":"+groupID) % uint32(n))
}

// djb2 is the xor variant: h = h*33 ^ b over bytes, wrapping at 32 bits.
func djb2(key string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(key); i++ {
		h = h*33 ^ uint32(key[i])
	}
	return h
}
