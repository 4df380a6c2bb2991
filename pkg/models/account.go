// Package models contains the typed records built from school API responses.
package models

import (
	"strings"

	"github.com/edclient/edclient/pkg/protocol"
)

// Sex of a person as reported by the API.
type Sex int

const (
	SexUnknown Sex = iota
	SexMale
	SexFemale
)

// Account is the logged-in student.
type Account struct {
	ID                int
	LoginID           int
	Username          string
	LastName          string
	FirstName         string
	CurrentSchoolYear string
	LastConnection    string
	Sex               Sex
	PhotoURL          string
	Class             Class
}

// Class is the student's class.
type Class struct {
	ID   int
	Code string
	Name string
}

// FullName returns "FirstName LastName".
func (a *Account) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// AccountFrom converts a login account.
func AccountFrom(a protocol.Account) *Account {
	sex := SexFemale
	if a.Profile.Sex == "M" {
		sex = SexMale
	}
	return &Account{
		ID:                a.ID,
		LoginID:           a.LoginID,
		Username:          a.Username,
		LastName:          a.LastName,
		FirstName:         a.FirstName,
		CurrentSchoolYear: a.CurrentSchoolYear,
		LastConnection:    a.LastConnection,
		Sex:               sex,
		PhotoURL:          a.Profile.Photo,
		Class: Class{
			ID:   a.Profile.Class.ID,
			Code: a.Profile.Class.Code,
			Name: a.Profile.Class.Label,
		},
	}
}

// CloudRef is a class workspace that has a cloud.
type CloudRef struct {
	ID    int
	Title string
}

// CloudRefsFrom keeps the workspaces that have a cloud.
func CloudRefsFrom(ws []protocol.Workspace) []CloudRef {
	var refs []CloudRef
	for _, w := range ws {
		if !w.Cloud {
			continue
		}
		refs = append(refs, CloudRef{ID: int(w.ID), Title: w.Title})
	}
	return refs
}
