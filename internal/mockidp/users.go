package mockidp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ParleSec/casproxy/pkg/models"
)

var (
	ErrUnknownOffering = errors.New("offering not found")
	ErrAlreadySelected = errors.New("course already selected")
	ErrNotSelected     = errors.New("course not selected")
	ErrOfferingFull    = errors.New("offering is full")
)

// Student is a CAS account together with its TIS record.
type Student struct {
	Username string
	Password string
	Info     models.BasicInfo
	GPA      models.StudentGPA
	Grades   []models.CourseGrade
	// Selected maps offering id to the points bid on it.
	Selected map[string]uint32
}

// Offering is a class open for selection.
type Offering struct {
	Course    models.AdvancedCourse
	TypeCode  string
	Capacity  uint32
	Enrolled  uint32
	OutlineID string
}

func gpa(v float64) *float64 { return &v }

// initDemoData seeds demo students and offerings
func (m *MockCAS) initDemoData() {
	m.students["11910101"] = &Student{
		Username: "11910101",
		Password: "password123",
		Info: models.BasicInfo{
			ID:         "a1b2c3",
			SID:        "11910101",
			Name:       "Alice Zhang",
			Email:      "11910101@mail.sustech.edu.cn",
			Year:       "2019",
			Department: "Computer Science and Engineering",
			Major:      "Computer Science and Technology",
		},
		GPA: models.StudentGPA{
			AllGPA: []models.SemesterGPA{
				{SemesterFullName: "2019-2020 Fall", SemesterYear: "2019-2020", SemesterNumber: "1", GPA: gpa(3.72)},
				{SemesterFullName: "2019-2020 Spring", SemesterYear: "2019-2020", SemesterNumber: "2", GPA: gpa(3.85)},
				{SemesterFullName: "2020-2021 Fall", SemesterYear: "2020-2021", SemesterNumber: "1", GPA: nil},
			},
			AverageGPA: 3.79,
			Rank:       "12/180",
		},
		Grades: []models.CourseGrade{
			{Code: "CS101", Name: "Introduction to Computer Programming", ClassHour: "64", Credit: 3, Semester: "2019-2020 Fall", FinalGrade: "92", FinalLevel: "A", Department: "Computer Science and Engineering", CourseType: "Major Foundation"},
			{Code: "MA101B", Name: "Calculus I", ClassHour: "64", Credit: 4, Semester: "2019-2020 Fall", FinalGrade: "88", FinalLevel: "A-", Department: "Mathematics", CourseType: "General Required"},
			{Code: "PHY105B", Name: "General Physics B (I)", ClassHour: "64", Credit: 4, Semester: "2019-2020 Spring", FinalGrade: "85", FinalLevel: "B+", Department: "Physics", CourseType: "General Required"},
		},
		Selected: map[string]uint32{"CS203-1": 20},
	}

	m.students["11910202"] = &Student{
		Username: "11910202",
		Password: "password123",
		Info: models.BasicInfo{
			ID:         "d4e5f6",
			SID:        "11910202",
			Name:       "Bob Li",
			Email:      "11910202@mail.sustech.edu.cn",
			Year:       "2019",
			Department: "Mathematics",
			Major:      "Statistics",
		},
		GPA: models.StudentGPA{
			AllGPA: []models.SemesterGPA{
				{SemesterFullName: "2019-2020 Fall", SemesterYear: "2019-2020", SemesterNumber: "1", GPA: gpa(3.41)},
			},
			AverageGPA: 3.41,
			Rank:       "40/95",
		},
		Selected: make(map[string]uint32),
	}

	m.offerings = []*Offering{
		{
			Course: models.AdvancedCourse{
				BasicCourse:       models.Course{CourseID: "CS203", CourseName: "Data Structures and Algorithm Analysis", Credits: 3, Department: "Computer Science and Engineering"},
				CourseType:        "Major Required",
				CourseClass:       "Chinese Class 1",
				ID:                "CS203-1",
				MajorTeacher:      []string{"Yao Zhao"},
				MajorTimeAndPlace: []string{"Weeks 1-16, Tue 3-4, Lychee Hill 201"},
				MinorTeacher:      []string{"Jing Wu", "Tao Chen"},
				MinorTimeAndPlace: []string{"Weeks 1-16, Thu 7-8, Teaching Building 1 Lab 105"},
			},
			TypeCode:  "kzyxk",
			Capacity:  120,
			Enrolled:  87,
			OutlineID: "kc-cs203",
		},
		{
			Course: models.AdvancedCourse{
				BasicCourse:       models.Course{CourseID: "MA103A", CourseName: "Linear Algebra", Credits: 4, Department: "Mathematics"},
				CourseType:        "General Required",
				CourseClass:       "English Class 2",
				ID:                "MA103A-2",
				MajorTeacher:      []string{"Wei Liu"},
				MajorTimeAndPlace: []string{"Weeks 1-16, Mon 1-2, Library 301", "Weeks 1-16, Wed 1-2, Library 301"},
			},
			TypeCode:  "bxxk",
			Capacity:  90,
			Enrolled:  90,
			OutlineID: "kc-ma103a",
		},
		{
			Course: models.AdvancedCourse{
				BasicCourse:       models.Course{CourseID: "HUM032", CourseName: "Film Appreciation", Credits: 2, Department: "Humanities Center"},
				CourseType:        "General Elective",
				CourseClass:       "Chinese Class 1",
				ID:                "HUM032-1",
				MajorTeacher:      []string{"Min Huang"},
				MajorTimeAndPlace: []string{"Weeks 1-8, Fri 9-10, Lecture Hall 2"},
			},
			TypeCode:  "xxxk",
			Capacity:  200,
			Enrolled:  12,
			OutlineID: "kc-hum032",
		},
	}
}

// Student returns a copy of the student's record.
func (m *MockCAS) Student(username string) (Student, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.students[username]
	if !ok {
		return Student{}, false
	}
	out := *s
	out.Selected = make(map[string]uint32, len(s.Selected))
	for k, v := range s.Selected {
		out.Selected[k] = v
	}
	return out, true
}

func (m *MockCAS) offering(id string) (*Offering, bool) {
	for _, o := range m.offerings {
		if o.Course.ID == id {
			return o, true
		}
	}
	return nil, false
}

// SelectedOfferings returns the offerings the student has selected, with their points.
func (m *MockCAS) SelectedOfferings(username string) ([]Offering, []uint32) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.students[username]
	if !ok {
		return nil, nil
	}
	var offerings []Offering
	var points []uint32
	for _, o := range m.offerings {
		if p, ok := s.Selected[o.Course.ID]; ok {
			offerings = append(offerings, *o)
			points = append(points, p)
		}
	}
	return offerings, points
}

// AvailableOfferings returns the offerings of a selection mode the student has not selected.
func (m *MockCAS) AvailableOfferings(username, typeCode string) []Offering {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.students[username]
	var out []Offering
	for _, o := range m.offerings {
		if o.TypeCode != typeCode {
			continue
		}
		if s != nil {
			if _, taken := s.Selected[o.Course.ID]; taken {
				continue
			}
		}
		out = append(out, *o)
	}
	return out
}

// Select adds an offering to the student's selection.
func (m *MockCAS) Select(username, id string, points uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.students[username]
	if !ok {
		return ErrUnknownUser
	}
	o, ok := m.offering(id)
	if !ok {
		return ErrUnknownOffering
	}
	if _, taken := s.Selected[id]; taken {
		return ErrAlreadySelected
	}
	if o.Enrolled >= o.Capacity {
		return ErrOfferingFull
	}
	s.Selected[id] = points
	o.Enrolled++
	return nil
}

// Drop removes an offering from the student's selection.
func (m *MockCAS) Drop(username, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.students[username]
	if !ok {
		return ErrUnknownUser
	}
	if _, taken := s.Selected[id]; !taken {
		return ErrNotSelected
	}
	delete(s.Selected, id)
	if o, ok := m.offering(id); ok && o.Enrolled > 0 {
		o.Enrolled--
	}
	return nil
}

// UpdatePoints changes the bid on a selected offering.
func (m *MockCAS) UpdatePoints(username, id string, points uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.students[username]
	if !ok {
		return ErrUnknownUser
	}
	if _, taken := s.Selected[id]; !taken {
		return ErrNotSelected
	}
	s.Selected[id] = points
	return nil
}

// courseInfoHTML renders an offering's teachers and schedule the way TIS embeds them.
func courseInfoHTML(c models.AdvancedCourse) string {
	var b strings.Builder
	section := func(teachers, lines []string) {
		b.WriteString("<p>Teacher: ")
		for _, t := range teachers {
			fmt.Fprintf(&b, "<a href=\"javascript:void(0)\">%s</a>", escape(t))
		}
		b.WriteString("</p><div>")
		for _, l := range lines {
			fmt.Fprintf(&b, "<p>%s</p>", escape(l))
		}
		b.WriteString("</div>")
	}
	section(c.MajorTeacher, c.MajorTimeAndPlace)
	if len(c.MinorTeacher) > 0 || len(c.MinorTimeAndPlace) > 0 {
		section(c.MinorTeacher, c.MinorTimeAndPlace)
	}
	return b.String()
}
