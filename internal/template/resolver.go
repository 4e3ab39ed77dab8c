// Package template resolves and renders campaign message templates.
// Template text lives in an external file store; this package owns the
// key lookup, the strict variable substitution, and the name-parts
// helper used to address recipients.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Type identifies the template family.
type Type string

const (
	TypeCampaign Type = "campaign"
	TypeReminder Type = "reminder"
	TypeForms    Type = "forms"
	TypePayments Type = "payments"
	TypeSEPA     Type = "sepa"
	TypeRH       Type = "rh"
)

// Part selects subject or body.
type Part string

const (
	PartSubject Part = "subject"
	PartBody    Part = "body"
)

// Key addresses one template. ReminderType and Stage may be empty.
type Key struct {
	Type         Type
	Part         Part
	ReminderType string
	Stage        string
}

// Source loads raw template text by file name. The production source is
// a directory of files; tests use an in-memory map.
type Source interface {
	Load(name string) (string, error)
}

// DirSource reads templates from a flat directory.
type DirSource struct {
	Dir string
}

func (d DirSource) Load(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, name))
	if err != nil {
		return "", fmt.Errorf("load template %s: %w", name, err)
	}
	return string(data), nil
}

// MapSource serves templates from memory.
type MapSource map[string]string

func (m MapSource) Load(name string) (string, error) {
	if s, ok := m[name]; ok {
		return s, nil
	}
	return "", fmt.Errorf("load template %s: not found", name)
}

// lookupTable enumerates the exact template keys that exist. The resolver
// never guesses a file name outside this table.
var lookupTable = map[Key]string{
	{Type: TypeCampaign, Part: PartSubject}: "campaign_subject.txt",
	{Type: TypeCampaign, Part: PartBody}:    "campaign_body.txt",

	{Type: TypeReminder, Part: PartSubject, ReminderType: "reminder1"}: "reminder1_subject.txt",
	{Type: TypeReminder, Part: PartBody, ReminderType: "reminder1"}:    "reminder1_body.txt",
	{Type: TypeReminder, Part: PartSubject, ReminderType: "reminder2"}: "reminder2_subject.txt",
	{Type: TypeReminder, Part: PartBody, ReminderType: "reminder2"}:    "reminder2_body.txt",

	{Type: TypeForms, Part: PartSubject}: "forms_initial_subject.txt",
	{Type: TypeForms, Part: PartBody}:    "forms_initial_body.txt",
	{Type: TypeForms, Part: PartSubject, ReminderType: "reminder1"}: "forms_reminder1_subject.txt",
	{Type: TypeForms, Part: PartBody, ReminderType: "reminder1"}:    "forms_reminder1_body.txt",
	{Type: TypeForms, Part: PartSubject, ReminderType: "reminder2"}: "forms_reminder2_subject.txt",
	{Type: TypeForms, Part: PartBody, ReminderType: "reminder2"}:    "forms_reminder2_body.txt",
	{Type: TypeForms, Part: PartSubject, ReminderType: "reminder3"}: "forms_reminder3_subject.txt",
	{Type: TypeForms, Part: PartBody, ReminderType: "reminder3"}:    "forms_reminder3_body.txt",

	{Type: TypePayments, Part: PartSubject}: "payments_initial_subject.txt",
	{Type: TypePayments, Part: PartBody}:    "payments_initial_body.txt",
	{Type: TypePayments, Part: PartSubject, ReminderType: "reminder1"}: "payments_reminder1_subject.txt",
	{Type: TypePayments, Part: PartBody, ReminderType: "reminder1"}:    "payments_reminder1_body.txt",
	{Type: TypePayments, Part: PartSubject, ReminderType: "reminder2"}: "payments_reminder2_subject.txt",
	{Type: TypePayments, Part: PartBody, ReminderType: "reminder2"}:    "payments_reminder2_body.txt",
	{Type: TypePayments, Part: PartSubject, ReminderType: "reminder3"}: "payments_reminder3_subject.txt",
	{Type: TypePayments, Part: PartBody, ReminderType: "reminder3"}:    "payments_reminder3_body.txt",
	{Type: TypePayments, Part: PartSubject, ReminderType: "reminder4"}: "payments_reminder4_subject.txt",
	{Type: TypePayments, Part: PartBody, ReminderType: "reminder4"}:    "payments_reminder4_body.txt",
	{Type: TypePayments, Part: PartSubject, ReminderType: "reminder5"}: "payments_reminder5_subject.txt",
	{Type: TypePayments, Part: PartBody, ReminderType: "reminder5"}:    "payments_reminder5_body.txt",
	{Type: TypePayments, Part: PartSubject, ReminderType: "reminder6"}: "payments_reminder6_subject.txt",
	{Type: TypePayments, Part: PartBody, ReminderType: "reminder6"}:    "payments_reminder6_body.txt",

	{Type: TypeSEPA, Part: PartSubject}: "sepa_initial_subject.txt",
	{Type: TypeSEPA, Part: PartBody}:    "sepa_initial_body.txt",
	{Type: TypeSEPA, Part: PartSubject, ReminderType: "reminder1"}: "sepa_reminder1_subject.txt",
	{Type: TypeSEPA, Part: PartBody, ReminderType: "reminder1"}:    "sepa_reminder1_body.txt",
	{Type: TypeSEPA, Part: PartSubject, ReminderType: "reminder2"}: "sepa_reminder2_subject.txt",
	{Type: TypeSEPA, Part: PartBody, ReminderType: "reminder2"}:    "sepa_reminder2_body.txt",
	{Type: TypeSEPA, Part: PartSubject, ReminderType: "reminder3"}: "sepa_reminder3_subject.txt",
	{Type: TypeSEPA, Part: PartBody, ReminderType: "reminder3"}:    "sepa_reminder3_body.txt",

	{Type: TypeRH, Part: PartSubject}: "rh_initial_subject.txt",
	{Type: TypeRH, Part: PartBody}:    "rh_initial_body.txt",
	{Type: TypeRH, Part: PartSubject, ReminderType: "reminder1"}: "rh_reminder1_subject.txt",
	{Type: TypeRH, Part: PartBody, ReminderType: "reminder1"}:    "rh_reminder1_body.txt",
	{Type: TypeRH, Part: PartSubject, ReminderType: "reminder2"}: "rh_reminder2_subject.txt",
	{Type: TypeRH, Part: PartBody, ReminderType: "reminder2"}:    "rh_reminder2_body.txt",
	{Type: TypeRH, Part: PartSubject, ReminderType: "reminder3"}: "rh_reminder3_subject.txt",
	{Type: TypeRH, Part: PartBody, ReminderType: "reminder3"}:    "rh_reminder3_body.txt",
}

// Resolver maps template keys to rendered-ready template text.
type Resolver struct {
	source Source
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve finds the template for key, walking the fallback chain:
//
//	(type, part, reminder_type, stage)
//	(type, part, -,             stage)
//	(type, part, reminder_type, -)
//	(type, part, -,             -)
//
// If stage looks like a reminder token and reminder_type is unset, stage
// is reinterpreted as the reminder type before lookup.
func (r *Resolver) Resolve(key Key) (string, error) {
	if key.ReminderType == "" && strings.HasPrefix(strings.ToLower(key.Stage), "reminder") {
		key.ReminderType = strings.ToLower(key.Stage)
		key.Stage = ""
	}

	chain := []Key{
		key,
		{Type: key.Type, Part: key.Part, Stage: key.Stage},
		{Type: key.Type, Part: key.Part, ReminderType: key.ReminderType},
		{Type: key.Type, Part: key.Part},
	}
	for _, k := range chain {
		if name, ok := lookupTable[k]; ok {
			return r.source.Load(name)
		}
	}
	return "", fmt.Errorf("no template for type=%s part=%s reminder=%q stage=%q",
		key.Type, key.Part, key.ReminderType, key.Stage)
}
