// Package issue defines the indexed record: the raw upstream payload, the
// decoded fields the index needs, and the compact projection sent to
// clients.
package issue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind selects which stored form of an issue a lookup returns.
type Kind int

const (
	// Projected is the compact Small projection. It is the default for any
	// caller that does not explicitly ask for Full.
	Projected Kind = iota
	// Full is the raw upstream payload.
	Full
)

// KindOf maps a presence flag such as ?full to a Kind.
func KindOf(full bool) Kind {
	if full {
		return Full
	}
	return Projected
}

func (k Kind) String() string {
	if k == Full {
		return "full"
	}
	return "projected"
}

// Issue is one upstream ticket. Raw is kept verbatim and is what clients
// receive for Full lookups.
type Issue struct {
	ID     string          `json:"id"`
	Key    string          `json:"key"`
	Fields Fields          `json:"fields"`
	Raw    json.RawMessage `json:"-"`

	// Server is the upstream base URL used to build permalinks.
	Server string `json:"-"`
}

type Fields struct {
	Summary   string  `json:"summary"`
	Status    Status  `json:"status"`
	IssueType Type    `json:"issuetype"`
	Assignee  *Person `json:"assignee"`
	Reporter  *Person `json:"reporter"`
}

type Status struct {
	Name           string         `json:"name"`
	IconURL        string         `json:"iconUrl"`
	StatusCategory StatusCategory `json:"statusCategory"`
}

type StatusCategory struct {
	ColorName string `json:"colorName"`
}

type Type struct {
	Name    string `json:"name"`
	IconURL string `json:"iconUrl"`
}

type Person struct {
	Name         string            `json:"name"`
	DisplayName  string            `json:"displayName"`
	EmailAddress string            `json:"emailAddress"`
	AvatarURLs   map[string]string `json:"avatarUrls"`
}

// Parse decodes a raw upstream payload. The key is canonicalized to upper
// case.
func Parse(raw []byte, server string) (*Issue, error) {
	var iss Issue
	if err := json.Unmarshal(raw, &iss); err != nil {
		return nil, fmt.Errorf("decoding issue payload: %w", err)
	}
	if iss.Key == "" {
		return nil, fmt.Errorf("decoding issue payload: missing key")
	}
	iss.Key = strings.ToUpper(iss.Key)
	iss.Raw = append(json.RawMessage(nil), raw...)
	iss.Server = strings.TrimRight(server, "/")
	return &iss, nil
}

// Title is the change-detection fingerprint and the text indexed for
// phrase search: assignee name (when assigned), status name and summary.
func (i *Issue) Title() string {
	if i.Fields.Assignee != nil {
		return fmt.Sprintf("%s %s %s", i.Fields.Assignee.Name, i.Fields.Status.Name, i.Fields.Summary)
	}
	return fmt.Sprintf("%s %s", i.Fields.Status.Name, i.Fields.Summary)
}

// Permalink is the browser URL of the issue.
func (i *Issue) Permalink() string {
	return fmt.Sprintf("%s/browse/%s", i.Server, i.Key)
}

// Small is the compact projection delivered to search clients.
type Small struct {
	ID       string      `json:"id"`
	Key      string      `json:"key"`
	Link     string      `json:"link"`
	Summary  string      `json:"summary"`
	Assignee *SmallUser  `json:"assignee"`
	Reporter *SmallUser  `json:"reporter"`
	Status   SmallStatus `json:"status"`
	Type     SmallType   `json:"type"`
}

type SmallUser struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Avatar      string `json:"avatar"`
}

type SmallStatus struct {
	Icon string `json:"icon"`
	Name string `json:"name"`
}

type SmallType struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// Small builds the compact projection.
func (i *Issue) Small() Small {
	return Small{
		ID:       i.ID,
		Key:      i.Key,
		Link:     i.Permalink(),
		Summary:  i.Fields.Summary,
		Assignee: smallUser(i.Fields.Assignee),
		Reporter: smallUser(i.Fields.Reporter),
		Status: SmallStatus{
			Icon: i.Fields.Status.IconURL,
			Name: i.Fields.Status.Name,
		},
		Type: SmallType{
			Name: i.Fields.IssueType.Name,
			Icon: i.Fields.IssueType.IconURL,
		},
	}
}

func smallUser(p *Person) *SmallUser {
	if p == nil {
		return nil
	}
	return &SmallUser{
		Name:        p.Name,
		DisplayName: p.DisplayName,
		Email:       p.EmailAddress,
		Avatar:      p.AvatarURLs["48x48"],
	}
}
