package fhirmodels

// Common FHIR value set constants used across the application.

// ProcedureStatus values per FHIR R4.
const (
	ProcedureStatusPreparation    = "preparation"
	ProcedureStatusInProgress     = "in-progress"
	ProcedureStatusNotDone        = "not-done"
	ProcedureStatusOnHold         = "on-hold"
	ProcedureStatusStopped        = "stopped"
	ProcedureStatusCompleted      = "completed"
	ProcedureStatusEnteredInError = "entered-in-error"
	ProcedureStatusUnknown        = "unknown"
)

// MedicationStatementStatus values per FHIR R4.
const (
	MedStatementStatusActive         = "active"
	MedStatementStatusCompleted      = "completed"
	MedStatementStatusEnteredInError = "entered-in-error"
	MedStatementStatusIntended       = "intended"
	MedStatementStatusStopped        = "stopped"
	MedStatementStatusOnHold         = "on-hold"
	MedStatementStatusUnknown        = "unknown"
	MedStatementStatusNotTaken       = "not-taken"
)

// AllergyIntolerance type codes.
const (
	AllergyTypeAllergy     = "allergy"
	AllergyTypeIntolerance = "intolerance"
)

// AllergyIntolerance category codes.
const (
	AllergyCategoryFood        = "food"
	AllergyCategoryMedication  = "medication"
	AllergyCategoryEnvironment = "environment"
	AllergyCategoryBiologic    = "biologic"
)

// AllergyIntolerance criticality codes.
const (
	CriticalityLow            = "low"
	CriticalityHigh           = "high"
	CriticalityUnableToAssess = "unable-to-assess"
)

// AllergyIntolerance clinical status codes.
const (
	AllergyClinicalActive   = "active"
	AllergyClinicalInactive = "inactive"
	AllergyClinicalResolved = "resolved"
)

// Condition clinical status codes.
const (
	ConditionClinicalActive     = "active"
	ConditionClinicalRecurrence = "recurrence"
	ConditionClinicalRelapse    = "relapse"
	ConditionClinicalInactive   = "inactive"
	ConditionClinicalRemission  = "remission"
	ConditionClinicalResolved   = "resolved"
)

// Condition verification status codes.
const (
	ConditionVerUnconfirmed    = "unconfirmed"
	ConditionVerProvisional    = "provisional"
	ConditionVerDifferential   = "differential"
	ConditionVerConfirmed      = "confirmed"
	ConditionVerRefuted        = "refuted"
	ConditionVerEnteredInError = "entered-in-error"
)

// Allergy verification status codes.
const (
	AllergyVerUnconfirmed    = "unconfirmed"
	AllergyVerConfirmed      = "confirmed"
	AllergyVerRefuted        = "refuted"
	AllergyVerEnteredInError = "entered-in-error"
)

// Status code systems.
const (
	ConditionClinicalSystem   = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	ConditionVerStatusSystem  = "http://terminology.hl7.org/CodeSystem/condition-ver-status"
	AllergyClinicalSystem     = "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical"
	AllergyVerificationSystem = "http://terminology.hl7.org/CodeSystem/allergyintolerance-verification"
)

var (
	ProcedureStatuses = []string{
		ProcedureStatusPreparation, ProcedureStatusInProgress, ProcedureStatusNotDone, ProcedureStatusOnHold,
		ProcedureStatusStopped, ProcedureStatusCompleted, ProcedureStatusEnteredInError, ProcedureStatusUnknown,
	}
	MedicationStatementStatuses = []string{
		MedStatementStatusActive, MedStatementStatusCompleted, MedStatementStatusEnteredInError,
		MedStatementStatusIntended, MedStatementStatusStopped, MedStatementStatusOnHold,
		MedStatementStatusUnknown, MedStatementStatusNotTaken,
	}
	AllergyTypes              = []string{AllergyTypeAllergy, AllergyTypeIntolerance}
	AllergyCategories         = []string{AllergyCategoryFood, AllergyCategoryMedication, AllergyCategoryEnvironment, AllergyCategoryBiologic}
	AllergyCriticalities      = []string{CriticalityLow, CriticalityHigh, CriticalityUnableToAssess}
	AllergyClinicalStatuses   = []string{AllergyClinicalActive, AllergyClinicalInactive, AllergyClinicalResolved}
	ConditionClinicalStatuses = []string{
		ConditionClinicalActive, ConditionClinicalRecurrence, ConditionClinicalRelapse,
		ConditionClinicalInactive, ConditionClinicalRemission, ConditionClinicalResolved,
	}
	ConditionVerificationStatuses = []string{
		ConditionVerUnconfirmed, ConditionVerProvisional, ConditionVerDifferential,
		ConditionVerConfirmed, ConditionVerRefuted, ConditionVerEnteredInError,
	}
	AllergyVerificationStatuses = []string{
		AllergyVerUnconfirmed, AllergyVerConfirmed, AllergyVerRefuted, AllergyVerEnteredInError,
	}
)
