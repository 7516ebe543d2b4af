// Package tis reads academic records and drives course selection on the TIS service.
//
// Every call runs on a Doer, an HTTP executor bound to a session that has already crossed
// the CAS service bridge. The package never authenticates on its own.
package tis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/logger"
	"github.com/ParleSec/casproxy/pkg/models"
)

// Upstream endpoint paths, relative to the TIS base URL.
const (
	PathBasicInfo        = "/UserManager/queryxsxx"
	PathSemesterGPA      = "/cjgl/xscjgl/xsgrcjcx/queryXnAndXqXfj"
	PathCourseGrades     = "/cjgl/grcjcx/grcjcx"
	PathSelectedCourses  = "/Xsxk/queryYxkc"
	PathAvailableCourses = "/Xsxk/queryKxrw"
	PathSelectCourse     = "/Xsxk/addGouwuche"
	PathDropCourse       = "/Xsxk/tuike"
	PathUpdatePoints     = "/Xsxk/updXkxsByyx"
)

const (
	// SuccessCode is the gjhczztm value TIS returns for an accepted selection change.
	SuccessCode = "OPERATE.RESULT_SUCCESS"

	selectedMode   = "yixuan"
	programType    = "1"
	selectStrategy = "rwtjzyx"
	gradesPageSize = 100
	maxBody        = 8 << 20
)

// Doer executes an HTTP request on an authenticated session.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CourseType is the user-facing course category.
type CourseType string

const (
	GeneralRequired CourseType = "GR"
	GeneralElective CourseType = "GE"
	TrainingProgram CourseType = "TP"
	OutsideProgram  CourseType = "NTP"
)

var courseTypeCodes = map[CourseType]string{
	GeneralRequired: "bxxk",
	GeneralElective: "xxxk",
	TrainingProgram: "kzyxk",
	OutsideProgram:  "zynknjxk",
}

// Code returns the TIS selection-mode code for t.
func (t CourseType) Code() (string, error) {
	code, ok := courseTypeCodes[CourseType(strings.ToUpper(string(t)))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCourseType, string(t))
	}
	return code, nil
}

// Term identifies a semester, e.g. {"2021-2022", "1"}.
type Term struct {
	Year   string
	Number string
}

func (t Term) form() url.Values {
	return url.Values{"p_xn": {t.Year}, "p_xq": {t.Number}}
}

// Client is a TIS API client
type Client struct {
	baseURL string
	logger  *logger.Logger
}

// NewClient creates a new TIS client
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.With("component", "tis"),
	}
}

// BasicInfo returns the student's profile.
func (c *Client) BasicInfo(ctx context.Context, d Doer) (*models.BasicInfo, error) {
	var raw struct {
		ID         string `json:"ID"`
		SID        string `json:"XH"`
		Name       string `json:"XM"`
		Email      string `json:"DZYX"`
		Year       string `json:"NJMC"`
		Department string `json:"YXMC"`
		Major      string `json:"ZYMC"`
	}
	if err := c.postForm(ctx, d, PathBasicInfo, nil, &raw); err != nil {
		return nil, err
	}

	return &models.BasicInfo{
		ID:         raw.ID,
		SID:        raw.SID,
		Name:       raw.Name,
		Email:      raw.Email,
		Year:       raw.Year,
		Department: raw.Department,
		Major:      raw.Major,
	}, nil
}

// SemesterGPA returns every semester's GPA with the overall average and rank.
func (c *Client) SemesterGPA(ctx context.Context, d Doer) (*models.StudentGPA, error) {
	var raw struct {
		Semesters []struct {
			FullName string   `json:"XNXQ"`
			Year     string   `json:"XN"`
			Number   string   `json:"XQ"`
			GPA      *float64 `json:"XQXFJ"`
		} `json:"xnanxqxfj"`
		Overall struct {
			Average float64 `json:"PJXFJ"`
			Rank    string  `json:"PM"`
		} `json:"xfjandpm"`
	}
	if err := c.postForm(ctx, d, PathSemesterGPA, nil, &raw); err != nil {
		return nil, err
	}

	out := &models.StudentGPA{
		AllGPA:     make([]models.SemesterGPA, 0, len(raw.Semesters)),
		AverageGPA: raw.Overall.Average,
		Rank:       raw.Overall.Rank,
	}
	for _, s := range raw.Semesters {
		out.AllGPA = append(out.AllGPA, models.SemesterGPA{
			SemesterFullName: s.FullName,
			SemesterYear:     s.Year,
			SemesterNumber:   s.Number,
			GPA:              s.GPA,
		})
	}
	return out, nil
}

type gradesQuery struct {
	Year       *string `json:"xn"`
	Term       *string `json:"xq"`
	CourseName *string `json:"kcmc"`
	Flag       string  `json:"cxbj"`
	Program    string  `json:"pylx"`
	Current    int     `json:"current"`
	PageSize   int     `json:"pageSize"`
}

// CourseGrades returns the transcript.
func (c *Client) CourseGrades(ctx context.Context, d Doer) ([]models.CourseGrade, error) {
	query := gradesQuery{Flag: "-1", Program: programType, Current: 1, PageSize: gradesPageSize}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode grades query: %w", err)
	}

	var raw struct {
		Content struct {
			List []struct {
				Code       string      `json:"kcdm"`
				Name       string      `json:"kcmc"`
				ClassHour  string      `json:"xs"`
				Credit     json.Number `json:"xf"`
				Semester   string      `json:"xnxqmc"`
				FinalGrade string      `json:"zzcj"`
				FinalLevel string      `json:"xscj"`
				Department string      `json:"yxmc"`
				CourseType string      `json:"kclb"`
			} `json:"list"`
		} `json:"content"`
	}
	if err := c.post(ctx, d, PathCourseGrades, "application/json", body, &raw); err != nil {
		return nil, err
	}

	grades := make([]models.CourseGrade, 0, len(raw.Content.List))
	for _, g := range raw.Content.List {
		credit, _ := strconv.ParseUint(g.Credit.String(), 10, 64)
		grades = append(grades, models.CourseGrade{
			Code:       g.Code,
			Name:       g.Name,
			ClassHour:  g.ClassHour,
			Credit:     credit,
			Semester:   g.Semester,
			FinalGrade: g.FinalGrade,
			FinalLevel: g.FinalLevel,
			Department: g.Department,
			CourseType: g.CourseType,
		})
	}
	c.logger.Debug("course grades loaded", "count", len(grades))
	return grades, nil
}

// offering is the fields shared by selected and available course rows.
type offering struct {
	Code       string `json:"kcdm"`
	Name       string `json:"kcmc"`
	Credits    string `json:"xf"`
	Department string `json:"kkyxmc"`
	Class      string `json:"rwmc"`
	Type       string `json:"kclbmc"`
	ID         string `json:"id"`
	Info       string `json:"kcxx"`
}

func (o offering) toModel() (models.AdvancedCourse, error) {
	credits, err := strconv.ParseFloat(strings.TrimSpace(o.Credits), 32)
	if err != nil {
		return models.AdvancedCourse{}, fmt.Errorf("%w: course %s has credits %q", cas.ErrProtocolDrift, o.Code, o.Credits)
	}
	info, err := ParseCourseInfo(o.Info)
	if err != nil {
		return models.AdvancedCourse{}, err
	}

	course := models.AdvancedCourse{
		BasicCourse: models.Course{
			CourseID:   o.Code,
			CourseName: o.Name,
			Credits:    float32(credits),
			Department: o.Department,
		},
		CourseType:        o.Type,
		CourseClass:       o.Class,
		ID:                o.ID,
		MajorTeacher:      info.Major.Teachers,
		MajorTimeAndPlace: info.Major.TimeAndPlace,
	}
	if info.Minor != nil {
		course.MinorTeacher = info.Minor.Teachers
		course.MinorTimeAndPlace = info.Minor.TimeAndPlace
	}
	return course, nil
}

// SelectedCourses returns the offerings already selected in term.
func (c *Client) SelectedCourses(ctx context.Context, d Doer, term Term) ([]models.SelectedCourse, error) {
	form := term.form()
	form.Set("p_xkfsdm", selectedMode)

	var raw struct {
		List []struct {
			offering
			Available string `json:"sxbj"`
			Points    string `json:"xkxs"`
		} `json:"yxkcList"`
	}
	if err := c.postForm(ctx, d, PathSelectedCourses, form, &raw); err != nil {
		return nil, err
	}

	courses := make([]models.SelectedCourse, 0, len(raw.List))
	for _, row := range raw.List {
		course, err := row.offering.toModel()
		if err != nil {
			return nil, err
		}
		courses = append(courses, models.SelectedCourse{
			AdvancedCourse: course,
			Available:      row.Available == "1",
			Points:         parseCount(row.Points),
		})
	}
	return courses, nil
}

// AvailableCourses returns the offerings open for selection in term.
func (c *Client) AvailableCourses(ctx context.Context, d Doer, term Term, courseType CourseType) ([]models.AvailableCourse, error) {
	code, err := courseType.Code()
	if err != nil {
		return nil, err
	}
	form := term.form()
	form.Set("p_xkfsdm", code)

	var raw struct {
		Offerings struct {
			List []struct {
				offering
				UndergraduateCapacity string `json:"bksrl"`
				UndergraduateSelected string `json:"bksyxrlrs"`
				GraduateCapacity      string `json:"yjsrl"`
				GraduateSelected      string `json:"yjsyxrlrs"`
				OutlineID             string `json:"kcid"`
			} `json:"list"`
		} `json:"kxrwList"`
	}
	if err := c.postForm(ctx, d, PathAvailableCourses, form, &raw); err != nil {
		return nil, err
	}

	courses := make([]models.AvailableCourse, 0, len(raw.Offerings.List))
	for _, row := range raw.Offerings.List {
		course, err := row.offering.toModel()
		if err != nil {
			return nil, err
		}
		courses = append(courses, models.AvailableCourse{
			AdvancedCourse:         course,
			OutlineID:              row.OutlineID,
			UndergraduateAvailable: parseCount(row.UndergraduateCapacity),
			UndergraduateSelected:  parseCount(row.UndergraduateSelected),
			GraduateAvailable:      parseCount(row.GraduateCapacity),
			GraduateSelected:       parseCount(row.GraduateSelected),
		})
	}
	return courses, nil
}

// SelectCourse adds the offering id to the selection, bidding points.
func (c *Client) SelectCourse(ctx context.Context, d Doer, term Term, id string, courseType CourseType, points uint32) (*models.OperationResult, error) {
	code, err := courseType.Code()
	if err != nil {
		return nil, err
	}
	form := term.form()
	form.Set("p_id", id)
	form.Set("p_xkxs", strconv.FormatUint(uint64(points), 10))
	form.Set("p_pylx", programType)
	form.Set("p_xkfsdm", code)
	form.Set("p_xktjz", selectStrategy)

	return c.operate(ctx, d, "select course", PathSelectCourse, form)
}

// DropCourse removes the offering id from the selection.
func (c *Client) DropCourse(ctx context.Context, d Doer, term Term, id string) (*models.OperationResult, error) {
	form := term.form()
	form.Set("p_id", id)
	form.Set("p_pylx", programType)
	form.Set("p_xkfsdm", selectedMode)

	return c.operate(ctx, d, "drop course", PathDropCourse, form)
}

// UpdatePoints changes the points bid on a selected offering.
func (c *Client) UpdatePoints(ctx context.Context, d Doer, term Term, id string, points uint32) (*models.OperationResult, error) {
	form := term.form()
	form.Set("p_id", id)
	form.Set("p_pylx", programType)
	form.Set("p_xkfsdm", selectedMode)
	form.Set("p_xkxs", strconv.FormatUint(uint64(points), 10))

	return c.operate(ctx, d, "update points", PathUpdatePoints, form)
}

func (c *Client) operate(ctx context.Context, d Doer, op, path string, form url.Values) (*models.OperationResult, error) {
	var raw struct {
		Code    string `json:"gjhczztm"`
		Message string `json:"message"`
	}
	if err := c.postForm(ctx, d, path, form, &raw); err != nil {
		return nil, err
	}

	if raw.Code != SuccessCode {
		c.logger.Info("operation rejected", "op", op, "course", form.Get("p_id"), "code", raw.Code, "message", raw.Message)
		return nil, &RejectedError{Op: op, Message: raw.Message}
	}
	return &models.OperationResult{Success: true, Message: raw.Message}, nil
}

func (c *Client) postForm(ctx context.Context, d Doer, path string, form url.Values, out any) error {
	var body []byte
	if form != nil {
		body = []byte(form.Encode())
	}
	return c.post(ctx, d, path, "application/x-www-form-urlencoded", body, out)
}

func (c *Client) post(ctx context.Context, d Doer, path, contentType string, body []byte, out any) error {
	target := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := d.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", cas.ErrTransport, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: POST %s: failed to read response: %v", cas.ErrTransport, target, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: POST %s: unexpected status %d", cas.ErrTransport, target, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: POST %s: unexpected status %d", cas.ErrProtocolDrift, target, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("undecodable TIS response", "path", path, "error", err)
		return fmt.Errorf("%w: POST %s: %v", cas.ErrProtocolDrift, target, err)
	}
	return nil
}

// parseCount reads TIS's stringly-typed counters, treating junk as zero.
func parseCount(s string) uint32 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
