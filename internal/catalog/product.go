// Package catalog discovers the customer's products from the knowledge base
// and generates their detail pages.
package catalog

import (
	"strings"

	"github.com/kalambet/kbchat/internal/storage"
)

const (
	DefaultLink = "#"
	DefaultIcon = "cube"
)

// Product is a catalog entry as streamed to clients.
type Product struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Link         string `json:"link"`
	InternalLink string `json:"internalLink"`
	Icon         string `json:"icon"`
}

// InternalLink is the site path of a product page.
func InternalLink(key string) string {
	return "/product/" + key
}

// CanonicalKey normalizes a product name into its identity key: lowercase,
// trimmed, with runs of whitespace, slashes and ampersands replaced by a
// single dash.
func CanonicalKey(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch r {
		case ' ', '\t', '\n', '\r', '/', '\\', '&', '-':
			if b.Len() > 0 {
				dash = true
			}
			continue
		}
		if dash {
			b.WriteByte('-')
			dash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Normalize collapses whitespace in Name and fills derived and default
// fields from it.
func (p Product) Normalize() Product {
	p.Name = strings.Join(strings.Fields(p.Name), " ")
	p.Key = CanonicalKey(p.Name)
	p.InternalLink = InternalLink(p.Key)
	if strings.TrimSpace(p.Link) == "" {
		p.Link = DefaultLink
	}
	if strings.TrimSpace(p.Icon) == "" {
		p.Icon = DefaultIcon
	}
	return p
}

// Record converts p to its stored form.
func (p Product) Record() storage.Product {
	return storage.Product{
		Key:          p.Key,
		Name:         p.Name,
		Description:  p.Description,
		Link:         p.Link,
		InternalLink: p.InternalLink,
		Icon:         p.Icon,
	}
}

// FromRecord converts a stored product.
func FromRecord(r storage.Product) Product {
	return Product{
		Key:          r.Key,
		Name:         r.Name,
		Description:  r.Description,
		Link:         r.Link,
		InternalLink: r.InternalLink,
		Icon:         r.Icon,
	}
}
