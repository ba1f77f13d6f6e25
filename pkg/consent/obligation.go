package consent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/datapact/core/pkg/canonical"
	"github.com/datapact/core/pkg/errs"
)

// ObligationType classifies what a contract obliges the requester to do.
type ObligationType string

const (
	ObligationRetentionLimit      ObligationType = "RETENTION_LIMIT"
	ObligationUsageRestriction    ObligationType = "USAGE_RESTRICTION"
	ObligationDeletionRequirement ObligationType = "DELETION_REQUIREMENT"
	ObligationAccessLimit         ObligationType = "ACCESS_LIMIT"
	ObligationSharingProhibition  ObligationType = "SHARING_PROHIBITION"
	ObligationPurposeLimitation   ObligationType = "PURPOSE_LIMITATION"
)

// requiredObligationTypes must each be present on every contract.
var requiredObligationTypes = []ObligationType{
	ObligationRetentionLimit,
	ObligationUsageRestriction,
	ObligationDeletionRequirement,
}

// EnforcementLevel is how hard the platform reacts to a breach.
type EnforcementLevel string

const (
	EnforcementStrict    EnforcementLevel = "STRICT"
	EnforcementMonitored EnforcementLevel = "MONITORED"
	EnforcementAdvisory  EnforcementLevel = "ADVISORY"
)

// ObligationStatus tracks an obligation through its life.
type ObligationStatus string

const (
	ObligationActive    ObligationStatus = "ACTIVE"
	ObligationSatisfied ObligationStatus = "SATISFIED"
	ObligationViolated  ObligationStatus = "VIOLATED"
	ObligationExpired   ObligationStatus = "EXPIRED"
)

// Obligation is one enforceable commitment attached to a contract.
type Obligation struct {
	ID               string                 `json:"id"`
	ContractID       string                 `json:"contractId"`
	Type             ObligationType         `json:"type"`
	Specification    map[string]interface{} `json:"specification"`
	EnforcementLevel EnforcementLevel       `json:"enforcementLevel"`
	Status           ObligationStatus       `json:"status"`
	CreatedAt        time.Time              `json:"createdAt"`
	Version          int64                  `json:"version"`
}

// ObligationSpec is the document a contract's obligations are minted from.
// It is validated against obligationSchema before any obligation exists.
type ObligationSpec struct {
	RetentionDays        int                    `json:"retentionDays"`
	RetentionPolicy      string                 `json:"retentionPolicy"`
	RetentionEnforcement EnforcementLevel       `json:"retentionEnforcement,omitempty"`
	UsageRestrictions    map[string]interface{} `json:"usageRestrictions"`
	UsageEnforcement     EnforcementLevel       `json:"usageEnforcement,omitempty"`
	DeletionRequirements map[string]interface{} `json:"deletionRequirements"`
	DeletionEnforcement  EnforcementLevel       `json:"deletionEnforcement,omitempty"`
}

// Hash is the canonical hash persisted on the contract as obligationHash.
func (s ObligationSpec) Hash() (string, error) {
	return canonical.CanonicalHash(s)
}

// obligationSchemaDoc is the compiled-in contract for obligation specs.
// Enforcement levels default to STRICT when omitted, so they are optional
// here and normalised by the engine.
const obligationSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["retentionDays", "retentionPolicy", "usageRestrictions", "deletionRequirements"],
	"properties": {
		"retentionDays": {"type": "integer", "minimum": 1},
		"retentionPolicy": {"type": "string", "minLength": 1},
		"retentionEnforcement": {"$ref": "#/$defs/enforcement"},
		"usageRestrictions": {"type": "object", "minProperties": 1},
		"usageEnforcement": {"$ref": "#/$defs/enforcement"},
		"deletionRequirements": {"type": "object", "minProperties": 1},
		"deletionEnforcement": {"$ref": "#/$defs/enforcement"}
	},
	"$defs": {
		"enforcement": {"type": "string", "enum": ["STRICT", "MONITORED", "ADVISORY"]}
	}
}`

var obligationSchema = mustObligationSchema()

func mustObligationSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://datapact.schemas.local/consent/obligation-spec.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(obligationSchemaDoc)); err != nil {
		panic(fmt.Sprintf("consent: obligation schema load failed: %v", err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("consent: obligation schema compile failed: %v", err))
	}
	return compiled
}

// validateSpec runs the spec through the schema. Violations surface as a
// validation error carrying one reason per failing schema path.
func validateSpec(spec ObligationSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "CONSENT_006", err, "obligation spec is not serialisable")
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errs.Wrap(errs.KindValidation, "CONSENT_006", err, "obligation spec is not serialisable")
	}
	if err := obligationSchema.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return errs.Wrap(errs.KindValidation, "CONSENT_006", err, "obligation spec failed schema validation")
		}
		return errs.New(errs.KindValidation, "CONSENT_006",
			"obligation spec failed schema validation").WithReasons(schemaReasons(verr)...)
	}
	return nil
}

// schemaReasons flattens the validation cause tree to leaf messages of the
// form "<instance path>: <message>".
func schemaReasons(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := verr.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + verr.Message}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, schemaReasons(cause)...)
	}
	return out
}

// normalise fills defaulted enforcement levels. Omitted levels mean STRICT.
func (s ObligationSpec) normalise() ObligationSpec {
	if s.RetentionEnforcement == "" {
		s.RetentionEnforcement = EnforcementStrict
	}
	if s.UsageEnforcement == "" {
		s.UsageEnforcement = EnforcementStrict
	}
	if s.DeletionEnforcement == "" {
		s.DeletionEnforcement = EnforcementStrict
	}
	return s
}
