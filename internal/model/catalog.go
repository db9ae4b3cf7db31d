package model

import "time"

type CatalogObject struct {
	ID       string
	Name     string
	Title    string
	Type     ObjectType
	Private  bool
	OwnerOrg string
}

// DisplayTitle falls back to the name when the object has no title.
func (o CatalogObject) DisplayTitle() string {
	if o.Title != "" {
		return o.Title
	}
	if o.Name != "" {
		return o.Name
	}
	return o.ID
}

// Activity is one entry of the catalog's append-only activity stream.
type Activity struct {
	ID           string
	ObjectID     string
	ActivityType string
	UserID       string
	Timestamp    time.Time
	Data         map[string]any
}

type Actor struct {
	Name     string
	Email    string
	Sysadmin bool
}

func (a Actor) Anonymous() bool {
	return a.Name == "" && a.Email == ""
}

func (a Actor) Role() string {
	switch {
	case a.Sysadmin:
		return "sysadmin"
	case a.Anonymous():
		return "anonymous"
	default:
		return "user"
	}
}
