package domain

import (
	"time"
)

// ClinicalFact is one recorded clinical event: a diagnosis, encounter,
// procedure, observation, medication dispense or immunization. Facts are
// immutable for the duration of one evaluation.
type ClinicalFact struct {
	Code    string `json:"code"`
	System  string `json:"system"`
	Display string `json:"display,omitempty"`

	// Date is when the fact occurred or started; EndDate is set for
	// span-shaped facts such as encounters and medication coverage.
	Date    time.Time  `json:"date"`
	EndDate *time.Time `json:"end_date,omitempty"`

	Status string `json:"status,omitempty"`

	// Value carries the numeric result for observations (lab values,
	// vital signs).
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`

	// DaysSupply is set on medication dispenses and feeds cumulative
	// days-supply adherence checks.
	DaysSupply *int `json:"days_supply,omitempty"`
}

// Demographics holds the patient attributes demographic checks read.
type Demographics struct {
	BirthDate time.Time `json:"birth_date"`
	Sex       string    `json:"sex,omitempty"`
}

// AgeAt returns the patient's age in whole years at the given date.
func (d Demographics) AgeAt(at time.Time) int {
	years := at.Year() - d.BirthDate.Year()
	anniversary := d.BirthDate.AddDate(years, 0, 0)
	if anniversary.After(at) {
		years--
	}
	return years
}

// Patient is one patient's record: demographics plus typed fact lists,
// produced externally and read-only during evaluation.
type Patient struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Demographics  Demographics   `json:"demographics"`
	Diagnoses     []ClinicalFact `json:"diagnoses,omitempty"`
	Encounters    []ClinicalFact `json:"encounters,omitempty"`
	Procedures    []ClinicalFact `json:"procedures,omitempty"`
	Observations  []ClinicalFact `json:"observations,omitempty"`
	Medications   []ClinicalFact `json:"medications,omitempty"`
	Immunizations []ClinicalFact `json:"immunizations,omitempty"`

	// IndexEvents maps patient-specific anchor names (e.g. "IPSD") to
	// dates computed by upstream logic.
	IndexEvents map[string]time.Time `json:"index_events,omitempty"`
}

// Facts returns the fact list for one category. Demographic checks carry no
// facts; they read Demographics directly.
func (p *Patient) Facts(category FactCategory) []ClinicalFact {
	switch category {
	case FactDiagnosis:
		return p.Diagnoses
	case FactEncounter:
		return p.Encounters
	case FactProcedure:
		return p.Procedures
	case FactObservation:
		return p.Observations
	case FactMedication:
		return p.Medications
	case FactImmunization:
		return p.Immunizations
	default:
		return nil
	}
}
