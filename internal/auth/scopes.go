// Package auth - scopes.go defines the closed catalog of capability scopes that can be
// granted to an API key and the subset check used at request time.
package auth

import (
	"fmt"
	"sort"
)

// Scope represents a capability of the form <resource>:<verb>
type Scope string

const (
	// Contact scopes
	ScopeContactsRead   Scope = "contacts:read"
	ScopeContactsWrite  Scope = "contacts:write"
	ScopeContactsDelete Scope = "contacts:delete"

	// Company scopes
	ScopeCompaniesRead  Scope = "companies:read"
	ScopeCompaniesWrite Scope = "companies:write"

	// Deal scopes
	ScopeDealsRead  Scope = "deals:read"
	ScopeDealsWrite Scope = "deals:write"

	// Activity scopes (call logs, notes)
	ScopeActivitiesRead  Scope = "activities:read"
	ScopeActivitiesWrite Scope = "activities:write"

	// Ticket scopes
	ScopeTicketsRead  Scope = "tickets:read"
	ScopeTicketsWrite Scope = "tickets:write"

	// Administrative scopes (API key management)
	ScopeAdminRead  Scope = "admin:read"
	ScopeAdminWrite Scope = "admin:write"
)

var scopeDescriptions = map[Scope]string{
	ScopeContactsRead:    "Read contact information",
	ScopeContactsWrite:   "Create and update contacts",
	ScopeContactsDelete:  "Delete contacts",
	ScopeCompaniesRead:   "Read company information",
	ScopeCompaniesWrite:  "Update company information",
	ScopeDealsRead:       "Read deal information",
	ScopeDealsWrite:      "Update deal stages and information",
	ScopeActivitiesRead:  "Read activity logs",
	ScopeActivitiesWrite: "Create activity logs",
	ScopeTicketsRead:     "Read support tickets",
	ScopeTicketsWrite:    "Create and update support tickets",
	ScopeAdminRead:       "Read administrative data",
	ScopeAdminWrite:      "Perform administrative actions",
}

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeContactsRead,
		ScopeContactsWrite,
		ScopeContactsDelete,
		ScopeCompaniesRead,
		ScopeCompaniesWrite,
		ScopeDealsRead,
		ScopeDealsWrite,
		ScopeActivitiesRead,
		ScopeActivitiesWrite,
		ScopeTicketsRead,
		ScopeTicketsWrite,
		ScopeAdminRead,
		ScopeAdminWrite,
	}
}

// Description returns the human readable description of a catalog scope.
func (s Scope) Description() string {
	return scopeDescriptions[s]
}

// IsValid reports whether s belongs to the catalog.
func (s Scope) IsValid() bool {
	_, ok := scopeDescriptions[s]
	return ok
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	for _, scope := range scopes {
		if !Scope(scope).IsValid() {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// NormalizeScopes validates scopes against the catalog and returns them de-duplicated
// and sorted, which is the form persisted on a credential.
func NormalizeScopes(scopes []string) ([]string, error) {
	if err := ValidateScopes(scopes); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

// IsSatisfied reports whether every required scope is present in granted.
// Matching is literal: there is no wildcard and a write scope does not imply read.
func IsSatisfied(required []Scope, granted []string) bool {
	have := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		have[g] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[string(r)]; !ok {
			return false
		}
	}
	return true
}
