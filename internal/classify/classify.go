// Package classify maps raw request paths to redirect intents.
package classify

import "regexp"

// Kind identifies which redirect shape a path matched.
type Kind int

// Supported intent kinds.
const (
	Unmatched Kind = iota
	SellerProfile
	MarketplaceItem
)

func (k Kind) String() string {
	switch k {
	case SellerProfile:
		return "seller_profile"
	case MarketplaceItem:
		return "marketplace_item"
	default:
		return "unmatched"
	}
}

// Intent is the classification result for a path.
// SellerID is set for SellerProfile; Slug and ArticleID for MarketplaceItem.
type Intent struct {
	Kind      Kind
	SellerID  string
	Slug      string
	ArticleID string
}

var (
	sellerProfileRe   = regexp.MustCompile(`(?i)^/(?:.*/)?verkaeuferprofil/(\d+)/?$`)
	marketplaceItemRe = regexp.MustCompile(`(?i)^/([A-Za-z0-9._-]+)/marketplace/(\d+)/?$`)
)

// Classify returns the intent for path. It performs no I/O.
// The username slug is returned exactly as it appears in the path.
func Classify(path string) Intent {
	if m := sellerProfileRe.FindStringSubmatch(path); m != nil {
		return Intent{Kind: SellerProfile, SellerID: m[1]}
	}
	if m := marketplaceItemRe.FindStringSubmatch(path); m != nil {
		return Intent{Kind: MarketplaceItem, Slug: m[1], ArticleID: m[2]}
	}
	return Intent{Kind: Unmatched}
}
