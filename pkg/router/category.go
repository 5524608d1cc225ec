package router

import "strings"

// Category is the task class a request is routed under.
type Category string

const (
	CategoryCode     Category = "code"
	CategoryResearch Category = "research"
	CategoryCreative Category = "creative"
	CategoryChat     Category = "chat"
	CategoryOther    Category = "other"
)

// Categories returns every category in a stable order.
func Categories() []Category {
	return []Category{CategoryCode, CategoryResearch, CategoryCreative, CategoryChat, CategoryOther}
}

// ParseCategory maps a string to a known category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryCode, CategoryResearch, CategoryCreative, CategoryChat, CategoryOther:
		return c, true
	}
	return "", false
}
