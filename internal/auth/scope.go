/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package auth

import (
	"fmt"
	"strings"
)

// Wildcard matches any tenant or session
const Wildcard = "*"

// Domain is the resource family a scope grants access to
type Domain string

const (
	DomainUI       Domain = "ui"
	DomainAgent    Domain = "agent"
	DomainWorkflow Domain = "workflow"
	DomainMessage  Domain = "message"
	DomainRegistry Domain = "registry"
	DomainAdmin    Domain = "admin"
)

// Valid reports whether d is a known domain
func (d Domain) Valid() bool {
	switch d {
	case DomainUI, DomainAgent, DomainWorkflow, DomainMessage, DomainRegistry, DomainAdmin:
		return true
	}
	return false
}

// Operation is the action a scope permits
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpDelete  Operation = "delete"
	OpExecute Operation = "execute"
	OpAdmin   Operation = "admin"
)

// Valid reports whether o is a known operation
func (o Operation) Valid() bool {
	switch o {
	case OpRead, OpWrite, OpDelete, OpExecute, OpAdmin:
		return true
	}
	return false
}

// Scope is a grant of the form domain:operation:tenant:session. Tenant and
// session are free text or the wildcard.
type Scope struct {
	Domain    Domain
	Operation Operation
	Tenant    string
	Session   string
}

// NewScope builds a scope, defaulting empty tenant or session to the wildcard
func NewScope(domain Domain, op Operation, tenant, session string) Scope {
	if tenant == "" {
		tenant = Wildcard
	}
	if session == "" {
		session = Wildcard
	}
	return Scope{Domain: domain, Operation: op, Tenant: tenant, Session: session}
}

// ParseScope parses the four-part scope grammar
func ParseScope(s string) (Scope, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Scope{}, fmt.Errorf("scope %q must have four parts", s)
	}

	sc := Scope{
		Domain:    Domain(parts[0]),
		Operation: Operation(parts[1]),
		Tenant:    parts[2],
		Session:   parts[3],
	}
	if !sc.Domain.Valid() {
		return Scope{}, fmt.Errorf("scope %q has unknown domain %q", s, parts[0])
	}
	if !sc.Operation.Valid() {
		return Scope{}, fmt.Errorf("scope %q has unknown operation %q", s, parts[1])
	}
	if sc.Tenant == "" || sc.Session == "" {
		return Scope{}, fmt.Errorf("scope %q must name a tenant and session or use %q", s, Wildcard)
	}
	return sc, nil
}

// MustParseScope is ParseScope for constant scopes; it panics on error
func MustParseScope(s string) Scope {
	sc, err := ParseScope(s)
	if err != nil {
		panic(err)
	}
	return sc
}

// String formats the scope in its wire form
func (s Scope) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", s.Domain, s.Operation, s.Tenant, s.Session)
}

// Global reports whether the scope applies to every tenant
func (s Scope) Global() bool {
	return s.Tenant == Wildcard
}

// Grants reports whether s satisfies the concrete request r
func (s Scope) Grants(r Scope) bool {
	if s.Domain != r.Domain || s.Operation != r.Operation {
		return false
	}
	if s.Tenant != Wildcard && s.Tenant != r.Tenant {
		return false
	}
	if s.Session != Wildcard && s.Session != r.Session {
		return false
	}
	return true
}

// ParseScopes parses every entry, skipping malformed ones. The second return
// lists the rejected strings.
func ParseScopes(raw []string) ([]Scope, []string) {
	out := make([]Scope, 0, len(raw))
	var rejected []string
	for _, s := range raw {
		sc, err := ParseScope(s)
		if err != nil {
			rejected = append(rejected, s)
			continue
		}
		out = append(out, sc)
	}
	return out, rejected
}

// AnyGrants reports whether any scope in granted satisfies required
func AnyGrants(granted []Scope, required Scope) bool {
	for _, g := range granted {
		if g.Grants(required) {
			return true
		}
	}
	return false
}
