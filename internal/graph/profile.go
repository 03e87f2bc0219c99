package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrProfileNotFound is returned when no strategy could resolve a profile.
var ErrProfileNotFound = errors.New("profile not found")

// Profile is the subset of user fields the service uses.
type Profile struct {
	ID        string
	Username  string
	Name      string
	FirstName string
	LastName  string
	AvatarURL string
}

// GivenName returns the first name, falling back to the first word of the
// display name.
func (p *Profile) GivenName() string {
	if p == nil {
		return ""
	}
	if p.FirstName != "" {
		return p.FirstName
	}
	if fields := strings.Fields(p.Name); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// ProfileResolver is one way of looking up a user's profile.
type ProfileResolver interface {
	Name() string
	ResolveProfile(ctx context.Context, subjectID string) (*Profile, error)
}

// ProfileChain tries resolvers in order and returns the first success.
type ProfileChain struct {
	resolvers []ProfileResolver
}

// NewProfileChain builds a chain from resolvers, in the order given.
func NewProfileChain(resolvers ...ProfileResolver) *ProfileChain {
	return &ProfileChain{resolvers: resolvers}
}

// Names lists resolver names in order.
func (c *ProfileChain) Names() []string {
	names := make([]string, len(c.resolvers))
	for i, r := range c.resolvers {
		names[i] = r.Name()
	}
	return names
}

// ResolveProfile returns the first profile any resolver finds. When all fail
// the error joins each resolver's failure.
func (c *ProfileChain) ResolveProfile(ctx context.Context, subjectID string) (*Profile, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("resolve profile: subject id is empty")
	}
	errs := make([]error, 0, len(c.resolvers)+1)
	for _, r := range c.resolvers {
		p, err := r.ResolveProfile(ctx, subjectID)
		if err == nil && p != nil {
			return p, nil
		}
		if err == nil {
			err = ErrProfileNotFound
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(append([]error{ErrProfileNotFound}, errs...)...)
}

// DefaultProfileChain is direct lookup, then conversation scan when a page id
// is configured, then direct lookup on the alternate host when one is configured.
func DefaultProfileChain(c *Client) *ProfileChain {
	resolvers := []ProfileResolver{&DirectLookup{client: c, name: "direct", baseURL: c.cfg.BaseURL}}
	if c.cfg.PageID != "" {
		resolvers = append(resolvers, &ConversationScan{client: c})
	}
	if c.cfg.AlternateURL != "" {
		resolvers = append(resolvers, &DirectLookup{client: c, name: "alternate_host", baseURL: c.cfg.AlternateURL})
	}
	return NewProfileChain(resolvers...)
}

type userFields struct {
	ID                string `json:"id"`
	Username          string `json:"username"`
	Name              string `json:"name"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	ProfilePic        string `json:"profile_pic"`
	ProfilePictureURL string `json:"profile_picture_url"`
}

func (u userFields) profile() *Profile {
	avatar := u.ProfilePic
	if avatar == "" {
		avatar = u.ProfilePictureURL
	}
	return &Profile{
		ID:        u.ID,
		Username:  u.Username,
		Name:      u.Name,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		AvatarURL: avatar,
	}
}

// DirectLookup reads the user node by id.
type DirectLookup struct {
	client  *Client
	name    string
	baseURL string
}

func (d *DirectLookup) Name() string { return d.name }

func (d *DirectLookup) ResolveProfile(ctx context.Context, subjectID string) (*Profile, error) {
	var u userFields
	q := url.Values{"fields": {d.client.cfg.ProfileFields}}
	if err := d.client.do(ctx, http.MethodGet, d.baseURL+"/"+url.PathEscape(subjectID), q, nil, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		u.ID = subjectID
	}
	return u.profile(), nil
}

// ConversationScan finds the user among the participants of the page's
// conversation with them.
type ConversationScan struct {
	client *Client
}

func (s *ConversationScan) Name() string { return "conversations" }

func (s *ConversationScan) ResolveProfile(ctx context.Context, subjectID string) (*Profile, error) {
	var resp struct {
		Data []struct {
			Participants struct {
				Data []userFields `json:"data"`
			} `json:"participants"`
		} `json:"data"`
	}
	q := url.Values{
		"platform": {"instagram"},
		"user_id":  {subjectID},
		"fields":   {"participants"},
	}
	path := s.client.cfg.BaseURL + "/" + url.PathEscape(s.client.cfg.PageID) + "/conversations"
	if err := s.client.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}

	for _, conv := range resp.Data {
		for _, p := range conv.Participants.Data {
			if p.ID == subjectID {
				return p.profile(), nil
			}
		}
	}
	return nil, ErrProfileNotFound
}
