package models

// BasicInfo represents the student profile held by the academic-records service
type BasicInfo struct {
	ID         string `json:"id"`
	SID        string `json:"sid"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Year       string `json:"year"`
	Department string `json:"department"`
	Major      string `json:"major"`
}

// SemesterGPA is the grade point average of a single semester
type SemesterGPA struct {
	SemesterFullName string   `json:"semester_full_name"`
	SemesterYear     string   `json:"semester_year"`
	SemesterNumber   string   `json:"semester_number"`
	GPA              *float64 `json:"gpa"` // nil while grades are unpublished
}

// StudentGPA aggregates per-semester GPAs with the overall average and rank
type StudentGPA struct {
	AllGPA     []SemesterGPA `json:"all_gpa"`
	AverageGPA float64       `json:"average_gpa"`
	Rank       string        `json:"rank"`
}

// CourseGrade is one graded course on the transcript
type CourseGrade struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	ClassHour  string `json:"class_hour"`
	Credit     uint64 `json:"credit"`
	Semester   string `json:"semester"`
	FinalGrade string `json:"final_grade"`
	FinalLevel string `json:"final_level"`
	Department string `json:"department"`
	CourseType string `json:"course_type"`
}

// Course is a catalogue entry
type Course struct {
	CourseID   string  `json:"course_id"`
	CourseName string  `json:"course_name"`
	Credits    float32 `json:"credits"`
	Department string  `json:"department"`
}

// AdvancedCourse is a course offering (class) with its teachers and schedule
type AdvancedCourse struct {
	BasicCourse       Course   `json:"basic_course"`
	CourseType        string   `json:"course_type"`
	CourseClass       string   `json:"course_class"`
	ID                string   `json:"id"`
	MajorTeacher      []string `json:"major_teacher"`
	MajorTimeAndPlace []string `json:"major_time_and_place"`
	MinorTeacher      []string `json:"minor_teacher,omitempty"` // lab/tutorial section, if any
	MinorTimeAndPlace []string `json:"minor_time_and_place,omitempty"`
}

// SelectedCourse is an offering already in the student's selection
type SelectedCourse struct {
	AdvancedCourse AdvancedCourse `json:"advanced_course"`
	Available      bool           `json:"available"`
	Points         uint32         `json:"points"`
}

// AvailableCourse is an offering open for selection
type AvailableCourse struct {
	AdvancedCourse         AdvancedCourse `json:"advanced_course"`
	OutlineID              string         `json:"outline_id"`
	UndergraduateAvailable uint32         `json:"undergraduated_available"`
	UndergraduateSelected  uint32         `json:"undergraduated_selected"`
	GraduateAvailable      uint32         `json:"graduated_available"`
	GraduateSelected       uint32         `json:"graduated_selected"`
}

// OperationResult is the upstream answer to a selection change
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
