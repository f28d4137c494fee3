package sync

import (
	"fmt"
	"net/url"
	"strings"
)

// CatalogName is the collection of calendars.
const CatalogName = "catalog"

const eventsPrefix = "events:"

// Collection names a working set and its endpoints.
type Collection struct {
	Name      string
	BatchPath string
	FetchPath string
}

// Catalog returns the calendar collection.
func Catalog() Collection {
	return Collection{
		Name:      CatalogName,
		BatchPath: "/calendars/batch",
		FetchPath: "/calendars",
	}
}

// Events returns the event collection of one calendar.
func Events(calendarID string) Collection {
	esc := url.PathEscape(calendarID)
	return Collection{
		Name:      eventsPrefix + calendarID,
		BatchPath: "/calendars/" + esc + "/events/batch",
		FetchPath: "/calendars/" + esc + "/events",
	}
}

// ParseCollection resolves a collection name produced by Catalog or Events.
func ParseCollection(name string) (Collection, error) {
	if name == CatalogName {
		return Catalog(), nil
	}
	if id, ok := strings.CutPrefix(name, eventsPrefix); ok && id != "" {
		return Events(id), nil
	}
	return Collection{}, fmt.Errorf("unknown collection %q", name)
}

// CalendarID returns the calendar of an event collection, or "" for the
// catalog.
func (c Collection) CalendarID() string {
	id, _ := strings.CutPrefix(c.Name, eventsPrefix)
	if id == c.Name {
		return ""
	}
	return id
}
