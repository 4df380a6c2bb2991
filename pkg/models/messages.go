package models

import (
	"sort"
	"strings"

	"github.com/edclient/edclient/pkg/protocol"
)

// Person is a message sender or recipient.
type Person struct {
	ID        int
	LastName  string
	FirstName string
	Sex       Sex
	Role      string
}

// RoleTeacher is the role of teaching staff.
const RoleTeacher = "P"

// AsTeacher returns the person as a Teacher when its role is a teacher.
func (p Person) AsTeacher() (Teacher, bool) {
	if p.Role != RoleTeacher {
		return Teacher{}, false
	}
	t := Teacher{Sex: p.Sex, Name: p.LastName}
	if first := strings.TrimSpace(p.FirstName); first != "" {
		t.Initial = strings.ToUpper(first[:1]) + "."
	}
	return t, true
}

// Attachment is a file attached to a message, downloaded with kind
// KindAttachment.
type Attachment struct {
	ID   int
	Name string
	Date string
}

// KindAttachment is the download kind of message attachments.
const KindAttachment = "PIECE_JOINTE"

// Message is one message in a mailbox folder.
type Message struct {
	ID          int
	Folder      string
	Read        bool
	Subject     string
	Date        string
	Sent        bool
	To          []Person
	From        Person
	Attachments []Attachment
}

// MessageBox holds messages grouped by folder.
type MessageBox struct {
	Folders map[string][]Message
	all     []Message
}

// MessagesFrom converts a messages.awp response. Folders are flattened in
// name order, keeping the server order inside each folder.
func MessagesFrom(data protocol.MessagesData) *MessageBox {
	box := &MessageBox{Folders: make(map[string][]Message, len(data.Messages))}

	names := make([]string, 0, len(data.Messages))
	for name := range data.Messages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, folder := range names {
		msgs := make([]Message, 0, len(data.Messages[folder]))
		for _, m := range data.Messages[folder] {
			msgs = append(msgs, messageFrom(folder, m))
		}
		box.Folders[folder] = msgs
		box.all = append(box.all, msgs...)
	}
	return box
}

func messageFrom(folder string, m protocol.Message) Message {
	msg := Message{
		ID:      m.ID,
		Folder:  folder,
		Read:    m.Read,
		Subject: m.Subject,
		Date:    m.Date,
		Sent:    m.Type == "send",
		From:    personFrom(m.From),
	}
	for _, p := range m.To {
		msg.To = append(msg.To, personFrom(p))
	}
	for _, f := range m.Files {
		msg.Attachments = append(msg.Attachments, Attachment{ID: f.ID, Name: f.Label, Date: f.Date})
	}
	return msg
}

func personFrom(p protocol.Person) Person {
	sex := SexFemale
	if p.Civility == "M." {
		sex = SexMale
	}
	return Person{ID: p.ID, LastName: p.LastName, FirstName: p.FirstName, Sex: sex, Role: p.Role}
}

// All returns every message.
func (b *MessageBox) All() []Message {
	return b.all
}

// Unread returns the messages not read yet.
func (b *MessageBox) Unread() []Message {
	return b.filter(false)
}

// Read returns the messages already read.
func (b *MessageBox) Read() []Message {
	return b.filter(true)
}

func (b *MessageBox) filter(read bool) []Message {
	var out []Message
	for _, m := range b.all {
		if m.Read == read {
			out = append(out, m)
		}
	}
	return out
}
