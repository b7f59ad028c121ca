package agent

import (
	"fmt"
	"regexp"

	"github.com/juju/errors"
)

// APIVersion is the protocol generation an agent speaks.
type APIVersion string

const (
	APIv2 APIVersion = "v2"
	APIv3 APIVersion = "v3"
	APIv4 APIVersion = "v4"
)

// Capabilities describes which parts of the protocol an agent takes part in.
type Capabilities struct {
	// FragmentReporting agents announce every backup fragment they
	// transfer and report each one as succeeded or failed.
	FragmentReporting bool `json:"fragment_reporting"`

	// Stages agents receive separate prepare and post-action
	// directives. Agents without it only ever see execute.
	Stages bool `json:"stages"`
}

var capabilities = map[APIVersion]Capabilities{
	APIv2: {FragmentReporting: true, Stages: false},
	APIv3: {FragmentReporting: true, Stages: true},
	APIv4: {FragmentReporting: false, Stages: true},
}

// CapabilitiesOf returns the capability descriptor for v.
func CapabilitiesOf(v APIVersion) (Capabilities, bool) {
	c, ok := capabilities[v]
	return c, ok
}

// SoftwareVersion identifies the agent build. Every field is mandatory.
type SoftwareVersion struct {
	ProductName    string `json:"product_name"`
	ProductNumber  string `json:"product_number"`
	Revision       string `json:"revision"`
	ProductionDate string `json:"production_date"`
	Description    string `json:"description"`
	Type           string `json:"type"`
}

func (v SoftwareVersion) validate() error {
	fields := []struct {
		name, value string
	}{
		{"product name", v.ProductName},
		{"product number", v.ProductNumber},
		{"revision", v.Revision},
		{"production date", v.ProductionDate},
		{"description", v.Description},
		{"type", v.Type},
	}
	for _, f := range fields {
		if f.value == "" {
			return errors.NotValidf("missing software version %s", f.name)
		}
	}
	return nil
}

// Registration is what an agent announces about itself when it connects.
type Registration struct {
	AgentID         string          `json:"agent_id"`
	Scope           string          `json:"scope"`
	APIVersion      APIVersion      `json:"api_version"`
	SoftwareVersion SoftwareVersion `json:"software_version"`
}

var validAgentID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// Validate checks the registration against the protocol versions the
// orchestrator is willing to talk.
func (r Registration) Validate(supported func(APIVersion) bool) error {
	if r.AgentID == "" {
		return errors.NotValidf("missing agent id")
	}
	if !validAgentID.MatchString(r.AgentID) {
		return errors.NotValidf("agent id %q", r.AgentID)
	}
	if _, ok := capabilities[r.APIVersion]; !ok || !supported(r.APIVersion) {
		return errors.NotValidf("api version %q for agent %q", string(r.APIVersion), r.AgentID)
	}
	return errors.Annotatef(r.SoftwareVersion.validate(), "agent %q", r.AgentID)
}

// Capabilities returns the descriptor for the registered API version.
func (r Registration) Capabilities() Capabilities {
	return capabilities[r.APIVersion]
}

// RegistrationReason classifies why a registration was refused.
type RegistrationReason string

const (
	InvalidArgument RegistrationReason = "INVALID_ARGUMENT"
	AlreadyExists   RegistrationReason = "ALREADY_EXISTS"
)

// RegistrationError is returned when an agent cannot be recognized. The
// agent stays unrecognized and the transport is expected to close the
// connection with a code derived from Reason.
type RegistrationError struct {
	Reason RegistrationReason
	Err    error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected (%s): %v", e.Reason, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

func invalidRegistration(err error) error {
	return &RegistrationError{Reason: InvalidArgument, Err: err}
}

func duplicateRegistration(id string) error {
	return &RegistrationError{Reason: AlreadyExists, Err: errors.AlreadyExistsf("agent %q", id)}
}
