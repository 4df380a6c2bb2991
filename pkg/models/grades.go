package models

import (
	"strings"

	"github.com/edclient/edclient/pkg/protocol"
)

// Teacher is parsed from names of the form "M. Name X." or "Mme Name X.".
type Teacher struct {
	Sex           Sex
	Name          string
	Initial       string
	Subject       string
	IsHeadTeacher bool
}

// ParseTeacher splits a displayed teacher name into civility, name and
// first-name initial. Names without a known civility keep Sex unknown.
func ParseTeacher(s string) Teacher {
	s = strings.TrimSpace(s)
	var t Teacher
	if rest, ok := strings.CutPrefix(s, "Mme "); ok {
		t.Sex, s = SexFemale, rest
	} else if rest, ok := strings.CutPrefix(s, "M. "); ok {
		t.Sex, s = SexMale, rest
	}
	s = strings.TrimSpace(s)

	if i := strings.LastIndexByte(s, ' '); i >= 0 && strings.HasSuffix(s, ".") {
		t.Name, t.Initial = s[:i], s[i+1:]
	} else {
		t.Name = s
	}
	return t
}

// FullName formats the teacher the way the API displays it.
func (t Teacher) FullName() string {
	parts := make([]string, 0, 3)
	switch t.Sex {
	case SexMale:
		parts = append(parts, "M.")
	case SexFemale:
		parts = append(parts, "Mme")
	}
	parts = append(parts, t.Name)
	if t.Initial != "" {
		parts = append(parts, t.Initial)
	}
	return strings.Join(parts, " ")
}

// Period is a grading period.
type Period struct {
	Name             string
	Start            string
	End              string
	Average          *float64
	ClassAverage     *float64
	ClassMin         *float64
	ClassMax         *float64
	HeadTeacher      Teacher
	HeadTeacherNotes string
	CouncilDate      string
	CouncilTime      string
}

// Grade is the average of one subject over a period.
type Grade struct {
	Subject      string
	Value        *float64
	ClassAverage *float64
	ClassMin     *float64
	ClassMax     *float64
	Coefficient  float64
	Period       *Period
	Teachers     []Teacher
}

// GradeList is the flat list of grades of every period.
type GradeList []Grade

// GradesFrom flattens the periods of a notes.awp response.
// A subject taught by the period's head teacher gives the head teacher
// its subject when it has none yet.
func GradesFrom(data protocol.GradesData) GradeList {
	var out GradeList
	for _, p := range data.Periods {
		period := &Period{
			Name:             p.Name,
			Start:            p.Start,
			End:              p.End,
			Average:          p.Summary.Average.Ptr(),
			ClassAverage:     p.Summary.ClassAverage.Ptr(),
			ClassMin:         p.Summary.ClassMin.Ptr(),
			ClassMax:         p.Summary.ClassMax.Ptr(),
			HeadTeacher:      ParseTeacher(p.Summary.HeadTeacher),
			HeadTeacherNotes: p.Summary.HeadTeacherNotes,
			CouncilDate:      p.CouncilDate,
			CouncilTime:      p.CouncilTime,
		}
		period.HeadTeacher.IsHeadTeacher = true
		head := period.HeadTeacher.FullName()

		for _, d := range p.Summary.Subjects {
			g := Grade{
				Subject:      d.Name,
				Value:        d.Average.Ptr(),
				ClassAverage: d.ClassAverage.Ptr(),
				ClassMin:     d.ClassMin.Ptr(),
				ClassMax:     d.ClassMax.Ptr(),
				Coefficient:  d.Coefficient.Value,
				Period:       period,
			}
			for _, prof := range d.Teachers {
				t := ParseTeacher(prof.Name)
				t.Subject = d.Name
				if head != "" && prof.Name == head {
					t.IsHeadTeacher = true
					if period.HeadTeacher.Subject == "" {
						period.HeadTeacher.Subject = d.Name
					}
				}
				g.Teachers = append(g.Teachers, t)
			}
			out = append(out, g)
		}
	}
	return out
}

// Best returns every grade equal to the highest value. Grades without a
// value are ignored.
func (l GradeList) Best() GradeList {
	return l.extreme(func(a, b float64) bool { return a > b })
}

// Worst returns every grade equal to the lowest value.
func (l GradeList) Worst() GradeList {
	return l.extreme(func(a, b float64) bool { return a < b })
}

func (l GradeList) extreme(better func(a, b float64) bool) GradeList {
	var (
		found bool
		best  float64
	)
	for _, g := range l {
		if g.Value == nil {
			continue
		}
		if !found || better(*g.Value, best) {
			best, found = *g.Value, true
		}
	}
	var out GradeList
	for _, g := range l {
		if g.Value != nil && *g.Value == best {
			out = append(out, g)
		}
	}
	return out
}

// ForPeriod returns the grades of the named period.
func (l GradeList) ForPeriod(name string) GradeList {
	var out GradeList
	for _, g := range l {
		if g.Period != nil && g.Period.Name == name {
			out = append(out, g)
		}
	}
	return out
}
