package tis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/logger"
)

func TestParseCourseInfo(t *testing.T) {
	tests := []struct {
		name      string
		fragment  string
		wantMajor Section
		wantMinor *Section
	}{
		{
			name:     "empty",
			fragment: "",
		},
		{
			name:     "lecture only",
			fragment: `<p>Teacher: <a href="#">Wei Liu</a></p><div><p>Weeks 1-16, Mon 1-2, Library 301</p><p>Weeks 1-16, Wed 1-2, Library 301</p></div>`,
			wantMajor: Section{
				Teachers:     []string{"Wei Liu"},
				TimeAndPlace: []string{"Weeks 1-16, Mon 1-2, Library 301", "Weeks 1-16, Wed 1-2, Library 301"},
			},
		},
		{
			name: "lecture and lab",
			fragment: `<p>Teacher: <a>Yao Zhao</a></p><div><p>Tue 3-4</p></div>` +
				`<p>Teacher: <a>Jing Wu</a><a>Tao Chen</a></p><div><p>Thu 7-8</p></div>`,
			wantMajor: Section{Teachers: []string{"Yao Zhao"}, TimeAndPlace: []string{"Tue 3-4"}},
			wantMinor: &Section{Teachers: []string{"Jing Wu", "Tao Chen"}, TimeAndPlace: []string{"Thu 7-8"}},
		},
		{
			name:      "whitespace is collapsed",
			fragment:  "<p><a>\n  Min   Huang </a></p><div><p>  Fri\t9-10 </p><p> </p></div>",
			wantMajor: Section{Teachers: []string{"Min Huang"}, TimeAndPlace: []string{"Fri 9-10"}},
		},
		{
			name:      "schedule without teacher",
			fragment:  `<div><p>Sat 1-2</p></div>`,
			wantMajor: Section{TimeAndPlace: []string{"Sat 1-2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseCourseInfo(tt.fragment)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMajor, info.Major)
			assert.Equal(t, tt.wantMinor, info.Minor)
		})
	}
}

const cataloguePage = `<html><body>
<table><tr><td><select><option value="1">CSE</option></select></td></tr></table>
<table>
<tr><th>Code</th><th>Name</th><th>Credits</th><th>Hours</th><th>Department</th></tr>
<tr><td><a href="#">CS101</a></td><td><a href="#">Intro to Programming</a></td><td>3.0</td><td>64</td><td>CSE</td></tr>
<tr><td><a href="#">CS203</a></td><td><a href="#">Data Structures</a></td><td> 3 </td><td>64</td><td>CSE</td></tr>
</table>
<table>
<tr><th>Code</th><th>Name</th><th>Credits</th><th>Department</th></tr>
<tr><td><a>MA101B</a></td><td><a>Calculus I</a></td><td>4</td><td>Mathematics</td></tr>
</table>
</body></html>`

func TestParseCatalogue(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(cataloguePage))
	require.NoError(t, err)

	courses, err := ParseCatalogue(doc)
	require.NoError(t, err)
	require.Len(t, courses, 3)

	assert.Equal(t, "CS101", courses[0].CourseID)
	assert.Equal(t, "Intro to Programming", courses[0].CourseName)
	assert.InDelta(t, 3.0, courses[0].Credits, 1e-6)
	assert.Equal(t, "CSE", courses[0].Department)
	assert.Equal(t, "Mathematics", courses[2].Department)
}

func TestParseCatalogue_Drift(t *testing.T) {
	tests := []struct {
		name string
		page string
	}{
		{"no tables", `<html><body><p>maintenance</p></body></html>`},
		{"bad credits", `<table></table><table><tr><th>h</th></tr><tr><td><a>X</a></td><td><a>Y</a></td><td>three</td><td>D</td></tr></table>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := html.Parse(strings.NewReader(tt.page))
			require.NoError(t, err)

			_, err = ParseCatalogue(doc)
			assert.ErrorIs(t, err, cas.ErrProtocolDrift)
		})
	}
}

func TestCatalogue_Courses(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(cataloguePage))
	}))
	defer srv.Close()

	c := NewCatalogue(srv.URL, "catalogue-test", time.Second, logger.Nop())
	courses, err := c.Courses(context.Background())
	require.NoError(t, err)
	assert.Len(t, courses, 3)
	assert.Equal(t, "catalogue-test", ua)
}

func TestCatalogue_UpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewCatalogue(srv.URL, "", time.Second, logger.Nop()).Courses(context.Background())
	assert.ErrorIs(t, err, cas.ErrTransport)
}
