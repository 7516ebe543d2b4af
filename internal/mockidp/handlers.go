package mockidp

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ParleSec/casproxy/pkg/models"
)

const (
	successCode = "OPERATE.RESULT_SUCCESS"
	failureCode = "OPERATE.RESULT_FAIL"

	spentExecutionLimit = 1024
)

type userKey struct{}

func escape(s string) string { return html.EscapeString(s) }

// Routes returns the HTTP surface of the mock: /cas/login, /tis/* and /catalogue.
func (m *MockCAS) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/cas/login", m.handleLoginGet)
	r.Post("/cas/login", m.handleLoginPost)
	r.Get("/catalogue", m.handleCatalogue)

	r.Route("/tis", func(r chi.Router) {
		r.Get("/cas", m.handleServiceValidate)

		r.Group(func(r chi.Router) {
			r.Use(m.requireTIS)
			r.Post("/UserManager/queryxsxx", m.handleBasicInfo)
			r.Post("/cjgl/xscjgl/xsgrcjcx/queryXnAndXqXfj", m.handleSemesterGPA)
			r.Post("/cjgl/grcjcx/grcjcx", m.handleCourseGrades)
			r.Post("/Xsxk/queryYxkc", m.handleSelectedCourses)
			r.Post("/Xsxk/queryKxrw", m.handleAvailableCourses)
			r.Post("/Xsxk/addGouwuche", m.handleSelectCourse)
			r.Post("/Xsxk/tuike", m.handleDropCourse)
			r.Post("/Xsxk/updXkxsByyx", m.handleUpdatePoints)
		})
	})

	return r
}

// ============================================================================
// CAS
// ============================================================================

func (m *MockCAS) handleLoginGet(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service == "" {
		m.loginPages.Add(1)
		m.renderLoginPage(w, http.StatusOK, "")
		return
	}

	m.bridges.Add(1)
	username, ok := m.userFromGrant(r)
	if !ok {
		m.renderLoginPage(w, http.StatusOK, "")
		return
	}

	target, err := url.Parse(service)
	if err != nil {
		http.Error(w, "invalid service", http.StatusBadRequest)
		return
	}
	q := target.Query()
	q.Set("ticket", m.IssueServiceTicket(username))
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (m *MockCAS) handleLoginPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	if r.PostForm.Get("_eventId") != "submit" {
		m.handleProbe(w, r)
		return
	}

	m.passwordLogins.Add(1)
	if d := time.Duration(m.loginLatency.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	if err := m.ConsumeExecution(r.PostForm.Get("execution")); err != nil {
		m.renderLoginPage(w, http.StatusUnauthorized, "Your login flow has expired, please try again.")
		return
	}

	username := r.PostForm.Get("username")
	if err := m.ValidateCredentials(username, r.PostForm.Get("password")); err != nil {
		m.renderLoginPage(w, http.StatusUnauthorized, "Invalid credentials.")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TGTCookie,
		Value:    m.CreateGrant(username),
		Path:     "/",
		HttpOnly: true,
	})
	m.renderSuccessPage(w, username)
}

func (m *MockCAS) handleProbe(w http.ResponseWriter, r *http.Request) {
	m.probes.Add(1)

	for {
		n := m.failProbes.Load()
		if n <= 0 {
			break
		}
		if m.failProbes.CompareAndSwap(n, n-1) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	if username, ok := m.userFromGrant(r); ok {
		m.renderSuccessPage(w, username)
		return
	}
	m.renderLoginPage(w, http.StatusOK, "")
}

func (m *MockCAS) userFromGrant(r *http.Request) (string, bool) {
	c, err := r.Cookie(TGTCookie)
	if err != nil {
		return "", false
	}
	return m.GrantUser(c.Value)
}

func (m *MockCAS) renderLoginPage(w http.ResponseWriter, status int, message string) {
	m.mu.RLock()
	spent := len(m.executions)
	m.mu.RUnlock()
	if spent > spentExecutionLimit {
		m.CleanupExecutions()
	}

	execution := ""
	if !m.markupDrift.Load() {
		token, err := m.IssueExecution()
		if err != nil {
			http.Error(w, "failed to issue execution", http.StatusInternalServerError)
			return
		}
		execution = fmt.Sprintf(`<input type="hidden" name="execution" value="%s"/>`, escape(token))
	}

	msg := ""
	if message != "" {
		msg = fmt.Sprintf(`<div id="msg" class="errors">%s</div>`, escape(message))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, loginPage, msg, execution)
}

func (m *MockCAS) renderSuccessPage(w http.ResponseWriter, username string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, successPage, escape(username))
}

const loginPage = `<!DOCTYPE html>
<html>
<head><title>CAS Login</title></head>
<body>
<form id="fm1" action="login" method="post">
%s
<input id="username" name="username" type="text" autocomplete="off"/>
<input id="password" name="password" type="password" autocomplete="off"/>
%s
<input type="hidden" name="_eventId" value="submit"/>
<input class="btn-submit" name="submit" type="submit" value="LOGIN"/>
</form>
</body>
</html>`

const successPage = `<!DOCTYPE html>
<html>
<head><title>CAS Login</title></head>
<body>
<div id="msg" class="success">
<h2>Log In Successful</h2>
<p>You, %s, have successfully logged into the Central Authentication Service.</p>
</div>
</body>
</html>`

// ============================================================================
// TIS
// ============================================================================

func (m *MockCAS) handleServiceValidate(w http.ResponseWriter, r *http.Request) {
	id, ok := m.RedeemServiceTicket(r.URL.Query().Get("ticket"))
	if !ok {
		http.Error(w, "invalid service ticket", http.StatusForbidden)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TISCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!DOCTYPE html><html><body>TIS</body></html>")
}

func (m *MockCAS) requireTIS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.tisRequests.Add(1)

		c, err := r.Cookie(TISCookie)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "not logged in"})
			return
		}
		username, ok := m.TISUser(c.Value)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "session expired"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, username)))
	})
}

func tisUser(r *http.Request) string {
	username, _ := r.Context().Value(userKey{}).(string)
	return username
}

func (m *MockCAS) student(w http.ResponseWriter, r *http.Request) (Student, bool) {
	s, ok := m.Student(tisUser(r))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "student not found"})
	}
	return s, ok
}

func (m *MockCAS) handleBasicInfo(w http.ResponseWriter, r *http.Request) {
	s, ok := m.student(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ID":   s.Info.ID,
		"XH":   s.Info.SID,
		"XM":   s.Info.Name,
		"DZYX": s.Info.Email,
		"NJMC": s.Info.Year,
		"YXMC": s.Info.Department,
		"ZYMC": s.Info.Major,
	})
}

func (m *MockCAS) handleSemesterGPA(w http.ResponseWriter, r *http.Request) {
	s, ok := m.student(w, r)
	if !ok {
		return
	}

	semesters := make([]map[string]interface{}, 0, len(s.GPA.AllGPA))
	for _, g := range s.GPA.AllGPA {
		semesters = append(semesters, map[string]interface{}{
			"XNXQ":  g.SemesterFullName,
			"XN":    g.SemesterYear,
			"XQ":    g.SemesterNumber,
			"XQXFJ": g.GPA,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"xnanxqxfj": semesters,
		"xfjandpm": map[string]interface{}{
			"PJXFJ": s.GPA.AverageGPA,
			"PM":    s.GPA.Rank,
		},
	})
}

func (m *MockCAS) handleCourseGrades(w http.ResponseWriter, r *http.Request) {
	var query struct {
		Current  int `json:"current"`
		PageSize int `json:"pageSize"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&query); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid query"})
		return
	}

	s, ok := m.student(w, r)
	if !ok {
		return
	}

	list := make([]map[string]interface{}, 0, len(s.Grades))
	for _, g := range s.Grades {
		list = append(list, map[string]interface{}{
			"kcdm":   g.Code,
			"kcmc":   g.Name,
			"xs":     g.ClassHour,
			"xf":     g.Credit,
			"xnxqmc": g.Semester,
			"zzcj":   g.FinalGrade,
			"xscj":   g.FinalLevel,
			"yxmc":   g.Department,
			"kclb":   g.CourseType,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content": map[string]interface{}{"list": list, "total": len(list)},
	})
}

func offeringJSON(o Offering) map[string]interface{} {
	c := o.Course
	return map[string]interface{}{
		"id":     c.ID,
		"kcdm":   c.BasicCourse.CourseID,
		"kcmc":   c.BasicCourse.CourseName,
		"xf":     strconv.FormatFloat(float64(c.BasicCourse.Credits), 'f', 1, 32),
		"kkyxmc": c.BasicCourse.Department,
		"rwmc":   c.CourseClass,
		"kclbmc": c.CourseType,
		"kcxx":   courseInfoHTML(c),
	}
}

func (m *MockCAS) handleSelectedCourses(w http.ResponseWriter, r *http.Request) {
	offerings, points := m.SelectedOfferings(tisUser(r))

	list := make([]map[string]interface{}, 0, len(offerings))
	for i, o := range offerings {
		row := offeringJSON(o)
		row["sxbj"] = "1"
		row["xkxs"] = strconv.FormatUint(uint64(points[i]), 10)
		list = append(list, row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"yxkcList": list})
}

func (m *MockCAS) handleAvailableCourses(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid form"})
		return
	}

	offerings := m.AvailableOfferings(tisUser(r), r.PostForm.Get("p_xkfsdm"))

	list := make([]map[string]interface{}, 0, len(offerings))
	for _, o := range offerings {
		row := offeringJSON(o)
		row["bksrl"] = strconv.FormatUint(uint64(o.Capacity), 10)
		row["bksyxrlrs"] = strconv.FormatUint(uint64(o.Enrolled), 10)
		row["yjsrl"] = "0"
		row["yjsyxrlrs"] = "0"
		row["kcid"] = o.OutlineID
		list = append(list, row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kxrwList": map[string]interface{}{"list": list, "total": len(list)},
	})
}

func (m *MockCAS) handleSelectCourse(w http.ResponseWriter, r *http.Request) {
	m.operate(w, r, func(username string, form url.Values) error {
		points, err := strconv.ParseUint(form.Get("p_xkxs"), 10, 32)
		if err != nil {
			return fmt.Errorf("invalid points %q", form.Get("p_xkxs"))
		}
		return m.Select(username, form.Get("p_id"), uint32(points))
	})
}

func (m *MockCAS) handleDropCourse(w http.ResponseWriter, r *http.Request) {
	m.operate(w, r, func(username string, form url.Values) error {
		return m.Drop(username, form.Get("p_id"))
	})
}

func (m *MockCAS) handleUpdatePoints(w http.ResponseWriter, r *http.Request) {
	m.operate(w, r, func(username string, form url.Values) error {
		points, err := strconv.ParseUint(form.Get("p_xkxs"), 10, 32)
		if err != nil {
			return fmt.Errorf("invalid points %q", form.Get("p_xkxs"))
		}
		return m.UpdatePoints(username, form.Get("p_id"), uint32(points))
	})
}

func (m *MockCAS) operate(w http.ResponseWriter, r *http.Request, fn func(username string, form url.Values) error) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid form"})
		return
	}

	if err := fn(tisUser(r), r.PostForm); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"gjhczztm": failureCode, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"gjhczztm": successCode, "message": "OK"})
}

// ============================================================================
// Catalogue
// ============================================================================

func (m *MockCAS) handleCatalogue(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	byDepartment := make(map[string][]models.Course)
	var departments []string
	for _, o := range m.offerings {
		c := o.Course.BasicCourse
		if _, seen := byDepartment[c.Department]; !seen {
			departments = append(departments, c.Department)
		}
		byDepartment[c.Department] = append(byDepartment[c.Department], c)
	}
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!DOCTYPE html><html><body>\n<table><tr><td><select name=\"yxdm\">")
	for i, d := range departments {
		fmt.Fprintf(w, "<option value=\"%d\">%s</option>", i+1, escape(d))
	}
	fmt.Fprint(w, "</select></td></tr></table>\n")

	for _, d := range departments {
		fmt.Fprint(w, "<table>\n<tr><th>Code</th><th>Name</th><th>Credits</th><th>Hours</th><th>Department</th></tr>\n")
		for _, c := range byDepartment[d] {
			fmt.Fprintf(w, "<tr><td><a href=\"#\">%s</a></td><td><a href=\"#\">%s</a></td><td>%s</td><td>64</td><td>%s</td></tr>\n",
				escape(c.CourseID), escape(c.CourseName),
				strconv.FormatFloat(float64(c.Credits), 'f', 1, 32), escape(c.Department))
		}
		fmt.Fprint(w, "</table>\n")
	}
	fmt.Fprint(w, "</body></html>")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
