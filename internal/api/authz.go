package api

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"strings"

	"example.com/backstage/services/branchops/internal/core"
	"example.com/backstage/services/branchops/internal/metrics"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

//go:embed model.conf
var authzModel string

//go:embed policy.csv
var authzPolicy string

// Resource actions.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Authorizer decides whether a role may perform an action on a resource.
type Authorizer struct {
	enforcer *casbin.SyncedEnforcer
}

func NewAuthorizer() (*Authorizer, error) {
	m, err := model.NewModelFromString(authzModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}
	if err := loadPolicy(enforcer, authzPolicy); err != nil {
		return nil, err
	}
	return &Authorizer{enforcer: enforcer}, nil
}

func loadPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	r := csv.NewReader(strings.NewReader(policy))
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to parse authorization policy: %w", err)
	}
	for _, row := range rows {
		switch {
		case row[0] == "p" && len(row) == 4:
			_, err = enforcer.AddPolicy(row[1], row[2], row[3])
		case row[0] == "g" && len(row) == 3:
			_, err = enforcer.AddGroupingPolicy(row[1], row[2])
		default:
			err = fmt.Errorf("malformed rule %v", row)
		}
		if err != nil {
			return fmt.Errorf("failed to load authorization policy: %w", err)
		}
	}
	return nil
}

// Allowed reports whether role may act on resource. Enforcement errors deny.
func (a *Authorizer) Allowed(role core.Role, resource, action string) bool {
	ok, err := a.enforcer.Enforce(string(role), resource, action)
	allowed := err == nil && ok
	metrics.RecordAuthzDecision(string(role), resource, action, allowed)
	return allowed
}
