// Package protocol defines the school API request/response types.
//
// Every endpoint answers with an Envelope; the payload lives in Data and
// is decoded into one of the types below. Field names follow the API.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Response codes of the envelope.
const (
	CodeOK                 = 200
	CodeInvalidCredentials = 505
)

// Envelope wraps every API response.
type Envelope struct {
	Code    int             `json:"code"`
	Token   string          `json:"token"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// TokenRequest is the data of requests that only carry the session token.
type TokenRequest struct {
	Token string `json:"token"`
}

// LoginRequest is the data for POST login.awp.
type LoginRequest struct {
	Username string `json:"identifiant"`
	Password string `json:"motdepasse"`
}

// LoginData is returned by login.awp.
type LoginData struct {
	Accounts []Account `json:"accounts"`
}

// Account is one account of a login.
type Account struct {
	ID                int     `json:"id"`
	LoginID           int     `json:"idLogin"`
	Username          string  `json:"identifiant"`
	LastName          string  `json:"nom"`
	FirstName         string  `json:"prenom"`
	CurrentSchoolYear string  `json:"anneeScolaireCourante"`
	LastConnection    string  `json:"lastConnexion"`
	Profile           Profile `json:"profile"`
}

// Profile is the student profile of an account.
type Profile struct {
	Sex   string    `json:"sexe"`
	Photo string    `json:"photo"`
	Class ClassInfo `json:"classe"`
}

// ClassInfo identifies the student's class.
type ClassInfo struct {
	ID    int    `json:"id"`
	Code  string `json:"code"`
	Label string `json:"libelle"`
}

// CloudNode is a file or folder of a cloud listing. The listing endpoint
// returns a one element array holding the requested folder.
type CloudNode struct {
	Type     string      `json:"type"`
	Label    string      `json:"libelle"`
	Size     FlexInt     `json:"taille"`
	ID       FlexID      `json:"id"`
	IsLoaded bool        `json:"isLoaded"`
	Children []CloudNode `json:"children"`
}

// Workspace is an entry of espacestravail.awp.
type Workspace struct {
	ID    FlexInt `json:"id"`
	Title string  `json:"titre"`
	Cloud bool    `json:"cloud"`
}

// GradesData is returned by notes.awp.
type GradesData struct {
	Periods []Period `json:"periodes"`
}

// Period is a grading period with its subjects.
type Period struct {
	Name        string     `json:"periode"`
	Start       string     `json:"dateDebut"`
	End         string     `json:"dateFin"`
	CouncilDate string     `json:"dateConseil"`
	CouncilTime string     `json:"heureConseil"`
	Summary     PeriodData `json:"ensembleMatieres"`
}

// PeriodData holds the averages and subjects of a period.
type PeriodData struct {
	Average          Decimal      `json:"moyenneGenerale"`
	ClassAverage     Decimal      `json:"moyenneClasse"`
	ClassMin         Decimal      `json:"moyenneMin"`
	ClassMax         Decimal      `json:"moyenneMax"`
	HeadTeacher      string       `json:"nomPP"`
	HeadTeacherNotes string       `json:"appreciationPP"`
	Subjects         []Discipline `json:"disciplines"`
}

// Discipline is one subject of a period.
type Discipline struct {
	Name         string    `json:"discipline"`
	Average      Decimal   `json:"moyenne"`
	ClassAverage Decimal   `json:"moyenneClasse"`
	ClassMin     Decimal   `json:"moyenneMin"`
	ClassMax     Decimal   `json:"moyenneMax"`
	Coefficient  Decimal   `json:"coef"`
	Teachers     []Teacher `json:"professeurs"`
}

// Teacher is a teacher reference inside a discipline.
type Teacher struct {
	Name string `json:"nom"`
}

// Homework is one item of cahierdetexte.awp, grouped by due date.
type Homework struct {
	Subject string `json:"matiere"`
	Done    bool   `json:"effectue"`
	GivenOn string `json:"donneLe"`
}

// HomeworkData maps a due date (YYYY-MM-DD) to its homework.
type HomeworkData map[string][]Homework

// MessagesData is returned by messages.awp.
type MessagesData struct {
	Messages map[string][]Message `json:"messages"`
}

// Message is one message of a mailbox folder.
type Message struct {
	ID      int          `json:"id"`
	Read    bool         `json:"read"`
	Subject string       `json:"subject"`
	Date    string       `json:"date"`
	Type    string       `json:"mtype"`
	To      []Person     `json:"to"`
	From    Person       `json:"from"`
	Files   []Attachment `json:"files"`
}

// Person is a message sender or recipient.
type Person struct {
	ID        int    `json:"id"`
	LastName  string `json:"nom"`
	FirstName string `json:"prenom"`
	Civility  string `json:"civilite"`
	Role      string `json:"role"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID    int    `json:"id"`
	Label string `json:"libelle"`
	Date  string `json:"date"`
}

// MessageAction is the data for messages.awp?verbe=put.
type MessageAction struct {
	Token    string `json:"token"`
	IDs      []int  `json:"ids"`
	Action   string `json:"action"`
	FolderID *int   `json:"idClasseur,omitempty"`
}

// Message actions understood by the API.
const (
	ActionMarkRead   = "marquerCommeLu"
	ActionMarkUnread = "marquerCommeNonLu"
	ActionArchive    = "archiver"
	ActionUnarchive  = "desarchiver"
	ActionMove       = "deplacer"
)

// DocumentsData is returned by elevesDocuments.awp.
type DocumentsData struct {
	Administrative []Document `json:"administratifs"`
	SchoolLife     []Document `json:"viescolaire"`
	Grades         []Document `json:"notes"`
}

// Document is a downloadable school document.
type Document struct {
	Type  string  `json:"type"`
	ID    FlexInt `json:"id"`
	Label string  `json:"libelle"`
	Date  string  `json:"date"`
}

// SchoolLifeData is returned by viescolaire.awp.
type SchoolLifeData struct {
	Events []SchoolLifeEvent `json:"absencesRetards"`
}

// SchoolLifeEvent is an absence or a delay.
type SchoolLifeEvent struct {
	ID        int    `json:"id"`
	Justified bool   `json:"justifie"`
	Reason    string `json:"motif"`
	Label     string `json:"libelle"`
	Date      string `json:"date"`
	Comment   string `json:"commentaire"`
	Kind      string `json:"typeElement"`
}

// AccountsData is returned by comptes/detail.awp.
type AccountsData struct {
	Accounts []BillingAccount `json:"comptes"`
}

// BillingAccount is a school billing account.
type BillingAccount struct {
	ID      FlexInt        `json:"id"`
	Balance Decimal        `json:"solde"`
	Label   string         `json:"libelle"`
	Entries []BillingEntry `json:"ecritures"`
}

// BillingEntry is an account entry, or a group of entries when Entries is set.
type BillingEntry struct {
	Date    string         `json:"date"`
	Amount  Decimal        `json:"montant"`
	Label   string         `json:"libelle"`
	Entries []BillingEntry `json:"ecritures,omitempty"`
}

// FlexID decodes identifiers sent either as strings or as numbers.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

// FlexInt decodes integers sent either as numbers or numeric strings.
type FlexInt int64

func (v *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("integer %q: %w", s, err)
	}
	*v = FlexInt(n)
	return nil
}

// Decimal is a number the API may send as a JSON number, as a string with
// a decimal comma ("12,5"), or as an empty string when there is no value.
type Decimal struct {
	Value float64
	Valid bool
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		*d = Decimal{}
		return nil
	}
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		// Grades like "Abs" or "Disp" carry no numeric value.
		*d = Decimal{}
		return nil
	}
	*d = Decimal{Value: f, Valid: true}
	return nil
}

// Ptr returns the value, or nil when there is none.
func (d Decimal) Ptr() *float64 {
	if !d.Valid {
		return nil
	}
	v := d.Value
	return &v
}
