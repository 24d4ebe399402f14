// Package issuetest builds upstream issue payloads for tests.
package issuetest

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/jhgg/jeev-jiracache/internal/issue"
)

// Server is the upstream base URL used by payloads built here.
const Server = "https://jira.example.com"

// Payload returns a raw upstream issue body. An empty assignee leaves the
// issue unassigned.
func Payload(key, assignee, status, summary string) []byte {
	fields := map[string]any{
		"summary": summary,
		"status": map[string]any{
			"name":           status,
			"iconUrl":        Server + "/images/status.png",
			"statusCategory": map[string]any{"colorName": "green"},
		},
		"issuetype": map[string]any{
			"name":    "Bug",
			"iconUrl": Server + "/images/bug.png",
		},
		"reporter": person("reporter"),
		"assignee": nil,
	}
	if assignee != "" {
		fields["assignee"] = person(assignee)
	}
	body, err := json.Marshal(map[string]any{
		"id":     fmt.Sprintf("1%04d", len(key)),
		"key":    key,
		"self":   Server + "/rest/api/2/issue/" + key,
		"fields": fields,
	})
	if err != nil {
		panic(err)
	}
	return body
}

// New parses Payload into an Issue, failing the test on error.
func New(t testing.TB, key, assignee, status, summary string) *issue.Issue {
	t.Helper()
	iss, err := issue.Parse(Payload(key, assignee, status, summary), Server)
	if err != nil {
		t.Fatalf("building issue %s: %v", key, err)
	}
	return iss
}

func person(name string) map[string]any {
	return map[string]any{
		"name":         name,
		"displayName":  name + " display",
		"emailAddress": name + "@example.com",
		"avatarUrls":   map[string]string{"48x48": Server + "/avatar/" + name},
	}
}
