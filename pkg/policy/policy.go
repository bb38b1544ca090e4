// Package policy maps share purposes to the fields that stay visible.
package policy

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/menta2k/privacy-shield/pkg/types"
)

// Built-in purposes.
const (
	SchoolRegistration = "SCHOOL_REGISTRATION"
	BankAccount        = "BANK_ACCOUNT"
	General            = "GENERAL"
	Custom             = "CUSTOM"
)

// Policy names a purpose and the field types that must remain readable.
// Every detected field outside Visible is masked.
type Policy struct {
	Purpose string
	Label   string
	Visible map[types.FieldType]struct{}
}

// New builds a policy from a list of visible field types.
func New(purpose, label string, visible ...types.FieldType) Policy {
	p := Policy{
		Purpose: strings.ToUpper(strings.TrimSpace(purpose)),
		Label:   label,
		Visible: make(map[types.FieldType]struct{}, len(visible)),
	}
	for _, f := range visible {
		p.Visible[f] = struct{}{}
	}
	return p
}

// Allows reports whether fields of type f stay visible.
func (p Policy) Allows(f types.FieldType) bool {
	_, ok := p.Visible[f]
	return ok
}

// VisibleFields lists the visible field types in priority order.
func (p Policy) VisibleFields() []types.FieldType {
	out := make([]types.FieldType, 0, len(p.Visible))
	for f := range p.Visible {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i] < out[j]
	})
	return out
}

var (
	mu       sync.RWMutex
	registry = map[string]Policy{}
)

func init() {
	for _, p := range []Policy{
		New(SchoolRegistration, "School Registration", types.FullName, types.DateOfBirth),
		New(BankAccount, "Bank Account Opening", types.FullName, types.IDNumber),
		New(General, "General Purpose", types.FullName),
		New(Custom, "Custom"),
	} {
		registry[p.Purpose] = p
	}
}

// Lookup finds a policy by purpose, case-insensitively.
func Lookup(purpose string) (Policy, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[strings.ToUpper(strings.TrimSpace(purpose))]
	if !ok {
		return Policy{}, fmt.Errorf("unknown purpose %q", purpose)
	}
	return p, nil
}

// Register adds or replaces a policy.
func Register(p Policy) error {
	if p.Purpose == "" {
		return fmt.Errorf("policy purpose is required")
	}
	p.Purpose = strings.ToUpper(strings.TrimSpace(p.Purpose))
	p.Visible = maps.Clone(p.Visible)
	if p.Visible == nil {
		p.Visible = map[types.FieldType]struct{}{}
	}
	mu.Lock()
	registry[p.Purpose] = p
	mu.Unlock()
	return nil
}

// Purposes lists the registered purposes in sorted order.
func Purposes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Regions returns the boxes of every detection the policy does not keep
// visible, in detection order.
func Regions(detections []types.DetectionResult, p Policy) []types.Rect {
	regions := make([]types.Rect, 0, len(detections))
	for _, d := range detections {
		if !p.Allows(d.FieldType) {
			regions = append(regions, d.Box)
		}
	}
	return regions
}
