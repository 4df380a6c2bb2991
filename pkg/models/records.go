package models

import (
	"sort"
	"strings"

	"github.com/edclient/edclient/pkg/protocol"
)

// Homework is one item of the homework book.
type Homework struct {
	Date    string
	Subject string
	Done    bool
	GivenOn string
}

// HomeworkFrom flattens a cahierdetexte.awp response by due date.
func HomeworkFrom(data protocol.HomeworkData) []Homework {
	dates := make([]string, 0, len(data))
	for d := range data {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var out []Homework
	for _, d := range dates {
		for _, h := range data[d] {
			out = append(out, Homework{Date: d, Subject: h.Subject, Done: h.Done, GivenOn: h.GivenOn})
		}
	}
	return out
}

// EventKind tells absences from delays.
type EventKind int

const (
	EventDelay EventKind = iota
	EventAbsence
)

func (k EventKind) String() string {
	if k == EventAbsence {
		return "absence"
	}
	return "delay"
}

// SchoolLifeEvent is an absence or a delay.
type SchoolLifeEvent struct {
	Kind      EventKind
	ID        int
	Justified bool
	Reason    string
	Duration  string
	Date      string
	Comment   string
}

// SchoolLifeFrom converts a viescolaire.awp response. The reason is only
// kept for justified events.
func SchoolLifeFrom(data protocol.SchoolLifeData) []SchoolLifeEvent {
	out := make([]SchoolLifeEvent, 0, len(data.Events))
	for _, e := range data.Events {
		ev := SchoolLifeEvent{
			Kind:      eventKind(e.Kind),
			ID:        e.ID,
			Justified: e.Justified,
			Duration:  e.Label,
			Date:      e.Date,
			Comment:   e.Comment,
		}
		if e.Justified {
			ev.Reason = e.Reason
		}
		out = append(out, ev)
	}
	return out
}

func eventKind(tag string) EventKind {
	switch {
	case tag == "", strings.EqualFold(tag, "Retard"):
		return EventDelay
	default:
		return EventAbsence
	}
}

// BillingAccount is a school billing account.
type BillingAccount struct {
	ID      int
	Balance float64
	Name    string
	Entries []BillingEntry
}

// BillingEntry is one line of a billing account.
type BillingEntry struct {
	Date   string
	Amount float64
	Label  string
}

// AccountsFrom converts a comptes/detail.awp response. Grouped entries are
// flattened into their account.
func AccountsFrom(data protocol.AccountsData) []BillingAccount {
	out := make([]BillingAccount, 0, len(data.Accounts))
	for _, a := range data.Accounts {
		acc := BillingAccount{
			ID:      int(a.ID),
			Balance: a.Balance.Value,
			Name:    strings.TrimSpace(a.Label),
		}
		for _, e := range a.Entries {
			if e.Entries == nil {
				acc.Entries = append(acc.Entries, entryFrom(e))
				continue
			}
			for _, sub := range e.Entries {
				acc.Entries = append(acc.Entries, entryFrom(sub))
			}
		}
		out = append(out, acc)
	}
	return out
}

func entryFrom(e protocol.BillingEntry) BillingEntry {
	return BillingEntry{Date: e.Date, Amount: e.Amount.Value, Label: e.Label}
}

// Document is a downloadable school document. Its Type is also its
// download kind.
type Document struct {
	Type string
	ID   int64
	Name string
	Date string
}

// DefaultFilename is the local file name used when saving the document.
func (d Document) DefaultFilename() string {
	return d.Name + ".pdf"
}

// Documents groups the documents of elevesDocuments.awp.
type Documents struct {
	Administrative []Document
	SchoolLife     []Document
	Grades         []Document
}

// All returns every document, group by group.
func (d *Documents) All() []Document {
	out := make([]Document, 0, len(d.Administrative)+len(d.SchoolLife)+len(d.Grades))
	out = append(out, d.Administrative...)
	out = append(out, d.SchoolLife...)
	return append(out, d.Grades...)
}

// DocumentsFrom converts an elevesDocuments.awp response.
func DocumentsFrom(data protocol.DocumentsData) *Documents {
	return &Documents{
		Administrative: documentsFrom(data.Administrative),
		SchoolLife:     documentsFrom(data.SchoolLife),
		Grades:         documentsFrom(data.Grades),
	}
}

func documentsFrom(in []protocol.Document) []Document {
	out := make([]Document, 0, len(in))
	for _, d := range in {
		out = append(out, Document{Type: d.Type, ID: int64(d.ID), Name: d.Label, Date: d.Date})
	}
	return out
}
