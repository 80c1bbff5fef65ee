package domain

import (
	"fmt"
	"time"
)

// Site describes one deployable static site bound to a GitHub repository.
type Site struct {
	ID             string
	OrganizationID *string
	Owner          string
	Repository     string
	Engine         string
	DefaultBranch  string
	DemoBranch     string
	Config         string
	Active         bool
	PublishedAt    *time.Time
	CreatedAt      time.Time
}

// PublishPath derives where a branch's build output is served: the site
// root for the default branch, a demo or preview path otherwise. baseURL is
// the leading-slash form, prefix the storage-key form.
func (s Site) PublishPath(branch string) (baseURL, prefix string) {
	switch branch {
	case s.DefaultBranch:
		return "", ""
	case s.DemoBranch:
		prefix = fmt.Sprintf("demo/%s/%s/%s", s.Owner, s.Repository, branch)
	default:
		prefix = fmt.Sprintf("preview/%s/%s/%s", s.Owner, s.Repository, branch)
	}
	return "/" + prefix, prefix
}

// Organization is the tenant owning a set of sites.
type Organization struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// User is a platform member. GithubAccessToken is stored AES-GCM encrypted.
type User struct {
	ID                string
	Username          string
	Email             string
	GithubAccessToken []byte
	SignedInAt        *time.Time
	CreatedAt         time.Time
}
